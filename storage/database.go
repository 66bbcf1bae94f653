package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/keeper/exec"
	"github.com/web3guy0/keeper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SUBMISSION LEDGER - Every attempt and its outcome
// ═══════════════════════════════════════════════════════════════════════════════
//
// SQLite by default, PostgreSQL when the path is a postgres:// DSN.
// An empty path runs without persistence.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Attempt is one submission attempt.
type Attempt struct {
	ID             string `gorm:"primaryKey"`
	OrderID        uint64 `gorm:"index"`
	Action         string `gorm:"index"` // execute, poke
	ReferenceIndex uint64
	Outcome        string `gorm:"index"`
	TxHash         string
	Nonce          uint64
	GasLimit       uint64
	GasPrice       string // wei
	Ceiling        string // wei, empty when uncapped
	Multiplier     float64
	Block          uint64
	GasUsed        uint64
	Error          string
	StartedAt      time.Time
	FinishedAt     time.Time
	CreatedAt      time.Time
}

// AttemptFromResult flattens a submission result for storage.
func AttemptFromResult(res *exec.Result, submitErr error) *Attempt {
	a := &Attempt{
		ID:             res.ID,
		OrderID:        res.Action.OrderID,
		Action:         res.Action.Kind.String(),
		ReferenceIndex: res.Action.ReferenceIndex,
		Outcome:        res.Outcome.String(),
		TxHash:         res.TxHash,
		Nonce:          res.Nonce,
		GasLimit:       res.GasLimit,
		Multiplier:     res.Multiplier,
		Block:          res.Block,
		GasUsed:        res.GasUsed,
		StartedAt:      res.StartedAt,
		FinishedAt:     res.FinishedAt,
	}
	if res.GasPrice != nil {
		a.GasPrice = res.GasPrice.String()
	}
	if res.Ceiling != nil {
		a.Ceiling = res.Ceiling.String()
	}
	if submitErr != nil {
		a.Error = submitErr.Error()
	}
	return a
}

// Ledger stores submission attempts.
type Ledger struct {
	db      *gorm.DB
	enabled bool
}

// Open connects to SQLite or PostgreSQL and migrates the schema.
func Open(dsn string) (*Ledger, error) {
	if dsn == "" {
		log.Warn().Msg("DATABASE_PATH not set, running without submission ledger")
		return &Ledger{enabled: false}, nil
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var db *gorm.DB
	var err error
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Ledger connected (PostgreSQL)")
	} else {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("💾 Ledger initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Attempt{}); err != nil {
		return nil, err
	}
	return &Ledger{db: db, enabled: true}, nil
}

// IsEnabled reports whether attempts are persisted.
func (l *Ledger) IsEnabled() bool {
	return l != nil && l.enabled
}

// Record stores one attempt.
func (l *Ledger) Record(a *Attempt) error {
	if !l.IsEnabled() {
		return nil
	}
	return l.db.Create(a).Error
}

// FailedCounts returns failed execute attempts per order id.
func (l *Ledger) FailedCounts() (map[uint64]int, error) {
	counts := make(map[uint64]int)
	if !l.IsEnabled() {
		return counts, nil
	}

	var rows []struct {
		OrderID  uint64
		Failures int
	}
	failed := []string{
		types.OutcomeRejected.String(),
		types.OutcomeReverted.String(),
		types.OutcomeTimedOut.String(),
	}
	err := l.db.Model(&Attempt{}).
		Select("order_id, COUNT(*) AS failures").
		Where("action = ? AND outcome IN ?", types.ActionExecute.String(), failed).
		Group("order_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		counts[r.OrderID] = r.Failures
	}
	return counts, nil
}

// Recent returns the newest attempts first.
func (l *Ledger) Recent(limit int) ([]Attempt, error) {
	if !l.IsEnabled() {
		return nil, nil
	}
	var attempts []Attempt
	err := l.db.Order("started_at DESC").Limit(limit).Find(&attempts).Error
	return attempts, err
}

// OutcomeCounts returns how many attempts ended in each outcome.
func (l *Ledger) OutcomeCounts() (map[string]int64, error) {
	counts := make(map[string]int64)
	if !l.IsEnabled() {
		return counts, nil
	}
	var rows []struct {
		Outcome string
		Total   int64
	}
	err := l.db.Model(&Attempt{}).
		Select("outcome, COUNT(*) AS total").
		Group("outcome").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		counts[r.Outcome] = r.Total
	}
	return counts, nil
}

// Close releases the connection.
func (l *Ledger) Close() {
	if !l.IsEnabled() {
		return
	}
	if sqlDB, err := l.db.DB(); err == nil {
		sqlDB.Close()
	}
}
