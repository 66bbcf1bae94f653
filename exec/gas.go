package exec

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// GAS ESCALATION
// ═══════════════════════════════════════════════════════════════════════════════
//
// One persisted multiplier for the whole process:
//   failure / timeout → ×1.25 (capped at 1000), persisted before next use
//   confirmed         → reset to 1
//   price             → min(ceiling, base × multiplier)
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	EscalationFactor = 1.25
	MaxMultiplier    = 1000.0

	// DefaultTipGasFactor is the gas price in gwei allowed per unit of tip fee.
	DefaultTipGasFactor = 666
)

var gwei = decimal.New(1, 9)

// CostCeiling converts an order's tip fee into the highest gas price the
// keeper may pay for it: tipFee × factor × 1e9 wei.
func CostCeiling(tipFee decimal.Decimal, factor int64) *big.Int {
	return tipFee.Mul(decimal.NewFromInt(factor)).Mul(gwei).Truncate(0).BigInt()
}

// GasController owns the escalation multiplier.
type GasController struct {
	mu    sync.Mutex
	path  string
	state GasState
}

// NewGasController starts from multiplier 1. An empty path disables persistence.
func NewGasController(path string) *GasController {
	return &GasController{path: path, state: freshGasState()}
}

// LoadGasController restores the persisted multiplier. A missing file starts
// fresh; a damaged one returns an error wrapping ErrCorruptGasState.
func LoadGasController(path string) (*GasController, error) {
	state, err := readGasState(path)
	if err != nil {
		return nil, err
	}
	log.Info().
		Float64("multiplier", state.Multiplier).
		Str("path", path).
		Msg("⛽ Gas state loaded")
	return &GasController{path: path, state: state}, nil
}

// Multiplier returns the current multiplier.
func (g *GasController) Multiplier() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Multiplier
}

// PriceForAttempt returns min(ceiling, base × multiplier). A nil ceiling means
// no cap.
func (g *GasController) PriceForAttempt(base, ceiling *big.Int) *big.Int {
	g.mu.Lock()
	m := g.state.Multiplier
	g.mu.Unlock()

	price := decimal.NewFromBigInt(base, 0).Mul(decimal.NewFromFloat(m)).Truncate(0).BigInt()
	if ceiling != nil && price.Cmp(ceiling) > 0 {
		return new(big.Int).Set(ceiling)
	}
	return price
}

// OnFailureOrTimeout escalates the multiplier and persists it.
func (g *GasController) OnFailureOrTimeout() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.state.Multiplier
	next := prev * EscalationFactor
	if next > MaxMultiplier {
		next = MaxMultiplier
	}
	g.state.Multiplier = next

	log.Warn().
		Float64("from", prev).
		Float64("to", next).
		Msg("📈 Gas multiplier escalated")

	return g.persistLocked()
}

// OnConfirmedSuccess resets the multiplier to 1 and persists it.
func (g *GasController) OnConfirmedSuccess() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.Multiplier != 1 {
		log.Info().
			Float64("from", g.state.Multiplier).
			Msg("📉 Gas multiplier reset")
	}
	g.state.Multiplier = 1
	return g.persistLocked()
}

func (g *GasController) persistLocked() error {
	if g.path == "" {
		return nil
	}
	if err := writeGasState(g.path, g.state); err != nil {
		return fmt.Errorf("persist gas state: %w", err)
	}
	return nil
}
