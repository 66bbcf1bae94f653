package exec

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/keeper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRANSACTION SUBMITTER
// ═══════════════════════════════════════════════════════════════════════════════
//
// nonce → estimate × margin → gas price (escalated, capped) → sign → send →
// wait for receipt under a hard deadline.
//
//   confirmed            → reset multiplier
//   reverted / timed out → escalate multiplier
//   rejected by node     → escalate multiplier
//   failed before send   → NotSent, multiplier untouched
//   caller cancelled     → Abandoned, multiplier untouched
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	MinGasLimitMargin     = 1.1
	DefaultReceiptTimeout = 45 * time.Second
)

// ErrNotSent wraps failures that happened before broadcast.
var ErrNotSent = errors.New("transaction not sent")

// SubmitterConfig tunes the submission protocol.
type SubmitterConfig struct {
	GasLimitMargin float64
	ReceiptTimeout time.Duration
	DryRun         bool
}

// Result describes one submission attempt.
type Result struct {
	ID         string
	Action     types.Action
	Outcome    types.Outcome
	TxHash     string
	Nonce      uint64
	GasLimit   uint64
	GasPrice   *big.Int
	Ceiling    *big.Int
	Multiplier float64
	Block      uint64
	GasUsed    uint64
	StartedAt  time.Time
	FinishedAt time.Time
}

// Submitter sends keeper actions one at a time.
type Submitter struct {
	mu sync.Mutex

	client *Client
	book   *LimitOrderBook
	gas    *GasController
	cfg    SubmitterConfig
}

// NewSubmitter wires a submitter.
func NewSubmitter(client *Client, book *LimitOrderBook, gas *GasController, cfg SubmitterConfig) *Submitter {
	if cfg.GasLimitMargin < MinGasLimitMargin {
		cfg.GasLimitMargin = MinGasLimitMargin
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	return &Submitter{client: client, book: book, gas: gas, cfg: cfg}
}

// Multiplier exposes the current gas multiplier.
func (s *Submitter) Multiplier() float64 {
	return s.gas.Multiplier()
}

// DryRun reports whether broadcasts are suppressed.
func (s *Submitter) DryRun() bool {
	return s.cfg.DryRun
}

// Submit runs the full protocol for one action. A nil ceiling means the
// price is not capped. The returned error is non-nil only for NotSent.
func (s *Submitter) Submit(ctx context.Context, action types.Action, ceiling *big.Int) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := &Result{
		ID:        uuid.NewString(),
		Action:    action,
		Outcome:   types.OutcomeNotSent,
		Ceiling:   ceiling,
		StartedAt: time.Now(),
	}
	finish := func(o types.Outcome) *Result {
		res.Outcome = o
		res.FinishedAt = time.Now()
		return res
	}
	notSent := func(step string, err error) (*Result, error) {
		log.Error().Err(err).Str("action", action.String()).Str("step", step).Msg("❌ Submission aborted before broadcast")
		return finish(types.OutcomeNotSent), fmt.Errorf("%w: %s: %v", ErrNotSent, step, err)
	}

	if ceiling != nil && ceiling.Sign() <= 0 {
		return notSent("ceiling", errors.New("order pays no tip"))
	}

	data, err := s.book.Calldata(action)
	if err != nil {
		return notSent("encode", err)
	}
	nonce, err := s.client.Nonce(ctx)
	if err != nil {
		return notSent("nonce", err)
	}
	estimate, err := s.client.EstimateGas(ctx, s.book.Address(), data)
	if err != nil {
		return notSent("estimate", err)
	}
	base, err := s.client.BaseGasPrice(ctx)
	if err != nil {
		return notSent("gas price", err)
	}

	// Below the node's price the tx could only be rejected or stall.
	if ceiling != nil && ceiling.Cmp(base) < 0 {
		return notSent("ceiling", fmt.Errorf("ceiling %s below base gas price %s", ceiling, base))
	}

	res.Nonce = nonce
	res.GasLimit = applyMargin(estimate, s.cfg.GasLimitMargin)
	res.Multiplier = s.gas.Multiplier()
	res.GasPrice = s.gas.PriceForAttempt(base, ceiling)

	if s.cfg.DryRun {
		log.Info().
			Str("action", action.String()).
			Uint64("nonce", nonce).
			Str("gas_price", res.GasPrice.String()).
			Uint64("gas_limit", res.GasLimit).
			Float64("multiplier", res.Multiplier).
			Msg("📝 DRY RUN: Transaction would be sent")
		return finish(types.OutcomeSkipped), nil
	}

	tx, err := s.client.SignLegacy(nonce, s.book.Address(), res.GasLimit, res.GasPrice, data)
	if err != nil {
		return notSent("sign", err)
	}
	res.TxHash = tx.Hash().Hex()

	log.Info().
		Str("action", action.String()).
		Uint64("nonce", nonce).
		Str("gas_price", res.GasPrice.String()).
		Uint64("gas_limit", res.GasLimit).
		Float64("multiplier", res.Multiplier).
		Str("tx", res.TxHash).
		Msg("🚀 Sending transaction")

	if err := s.client.Send(ctx, tx); err != nil {
		log.Warn().Err(err).Str("action", action.String()).Str("tx", res.TxHash).Msg("⚠️ Broadcast rejected")
		s.escalate()
		return finish(types.OutcomeRejected), nil
	}

	return s.await(ctx, tx, res, finish), nil
}

func (s *Submitter) await(ctx context.Context, tx *ethtypes.Transaction, res *Result, finish func(types.Outcome) *Result) *Result {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	defer cancel()

	receipt, err := s.client.WaitReceipt(waitCtx, tx.Hash())
	if err != nil && ctx.Err() != nil {
		log.Warn().
			Err(ctx.Err()).
			Str("action", res.Action.String()).
			Str("tx", res.TxHash).
			Msg("🛑 Receipt wait abandoned on shutdown")
		return finish(types.OutcomeAbandoned)
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("action", res.Action.String()).
			Str("tx", res.TxHash).
			Dur("timeout", s.cfg.ReceiptTimeout).
			Msg("⏱️ No receipt before deadline")
		s.escalate()
		return finish(types.OutcomeTimedOut)
	}

	if receipt.BlockNumber != nil {
		res.Block = receipt.BlockNumber.Uint64()
	}
	res.GasUsed = receipt.GasUsed

	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		log.Info().
			Str("action", res.Action.String()).
			Str("tx", res.TxHash).
			Uint64("block", res.Block).
			Uint64("gas_used", res.GasUsed).
			Msg("✅ Transaction confirmed")
		if err := s.gas.OnConfirmedSuccess(); err != nil {
			log.Error().Err(err).Msg("Failed to persist gas state")
		}
		return finish(types.OutcomeConfirmed)
	}

	log.Warn().
		Str("action", res.Action.String()).
		Str("tx", res.TxHash).
		Uint64("block", res.Block).
		Uint64("gas_used", res.GasUsed).
		Msg("💥 Transaction reverted")
	s.escalate()
	return finish(types.OutcomeReverted)
}

func (s *Submitter) escalate() {
	if err := s.gas.OnFailureOrTimeout(); err != nil {
		log.Error().Err(err).Msg("Failed to persist gas state")
	}
}

// applyMargin returns ceil(estimate × margin).
func applyMargin(estimate uint64, margin float64) uint64 {
	scaled := decimal.NewFromInt(int64(estimate)).Mul(decimal.NewFromFloat(margin)).Ceil()
	return uint64(scaled.IntPart())
}
