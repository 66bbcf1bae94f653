package types

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Fixed-point exponents used by the subgraphs.
const (
	AmountDecimals  = 18 // prices, sizes, collateral, fees
	BalanceDecimals = 6  // smart wallet balances
)

// FromAmount converts a raw 1e18 fixed-point integer string to human units.
func FromAmount(raw string) (decimal.Decimal, error) {
	return fromFixed(raw, AmountDecimals)
}

// FromBalance converts a raw 1e6 fixed-point integer string to human units.
func FromBalance(raw string) (decimal.Decimal, error) {
	return fromFixed(raw, BalanceDecimals)
}

// ToAmount converts human units back to a raw 1e18 integer string.
func ToAmount(d decimal.Decimal) string {
	return d.Shift(AmountDecimals).Truncate(0).String()
}

func fromFixed(raw string, decimals int32) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse fixed-point %q: %w", raw, err)
	}
	return d.Shift(-decimals), nil
}

// NormalizeAddress lower-cases an address for case-insensitive matching.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Asset is a tradable AMM. Price is quote per base unit, zero when unknown.
type Asset struct {
	Name    string
	Address string
	Price   decimal.Decimal
}

func (a Asset) String() string {
	return fmt.Sprintf("%s [%s] price is $%s", a.Name, a.Address, a.Price.StringFixed(2))
}

// OrderType is the on-chain order variant tag.
type OrderType int

const (
	OrderMarket OrderType = iota
	OrderLimit
	OrderStopMarket
	OrderStopLimit
	OrderTrailingStopMarket
	OrderTrailingStopLimit
)

func (t OrderType) String() string {
	switch t {
	case OrderMarket:
		return "MARKET"
	case OrderLimit:
		return "LIMIT"
	case OrderStopMarket:
		return "STOPMARKET"
	case OrderStopLimit:
		return "STOPLIMIT"
	case OrderTrailingStopMarket:
		return "TRAILINGSTOPMARKET"
	case OrderTrailingStopLimit:
		return "TRAILINGSTOPLIMIT"
	default:
		return fmt.Sprintf("ORDERTYPE(%d)", int(t))
	}
}

// Valid reports whether t is a known variant.
func (t OrderType) Valid() bool {
	return t >= OrderMarket && t <= OrderTrailingStopLimit
}

// IsTrailing reports whether the variant carries trailing-stop semantics.
func (t OrderType) IsTrailing() bool {
	return t == OrderTrailingStopMarket || t == OrderTrailingStopLimit
}

// TrailingData anchors a trailing order to a historical reserve snapshot.
type TrailingData struct {
	WitnessPrice        decimal.Decimal
	SnapshotTimestamp   int64  // unix seconds of the last trail update
	SnapshotCreated     uint64 // reserve index the order was created at
	SnapshotLastUpdated uint64 // current reference index
}

// Order is an immutable snapshot of one conditional order at fetch time.
// Money and size fields are already in human units.
type Order struct {
	ID           uint64
	Trader       string
	AssetName    string
	AssetAddress string // normalized

	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	Size       decimal.Decimal // positive = buy/long, negative = sell/short
	Collateral decimal.Decimal
	Leverage   decimal.Decimal
	Slippage   decimal.Decimal
	TipFee     decimal.Decimal
	Expiry     int64 // unix seconds, 0 = never
	ReduceOnly bool
	Type       OrderType
	StillValid bool

	Trailing *TrailingData

	// Attempts is keeper-local retry history, not chain state.
	Attempts int
}

// IsBuy reports whether the order opens or extends a long.
func (o Order) IsBuy() bool {
	return o.Size.IsPositive()
}

// Side returns BUY or SELL.
func (o Order) Side() string {
	if o.IsBuy() {
		return "BUY"
	}
	return "SELL"
}

func (o Order) String() string {
	display := decimal.Zero
	switch o.Type {
	case OrderLimit:
		display = o.LimitPrice
	case OrderStopMarket, OrderStopLimit:
		display = o.StopPrice
	}
	return fmt.Sprintf("Order [%d] %s %s %s @ $%s",
		o.ID, o.Side(), o.Size.Abs().StringFixed(5), o.AssetName, display.StringFixed(2))
}

// AccountBalance is one trader's free collateral and open positions.
type AccountBalance struct {
	Trader    string
	Free      decimal.Decimal
	Positions map[string]decimal.Decimal // normalized asset address -> signed size
}

// PositionIn returns the signed position size on an asset, zero if none.
func (b AccountBalance) PositionIn(asset string) decimal.Decimal {
	if b.Positions == nil {
		return decimal.Zero
	}
	return b.Positions[NormalizeAddress(asset)]
}

// ReserveSnapshot is one historical AMM reserve observation.
type ReserveSnapshot struct {
	Index     uint64
	Price     decimal.Decimal
	Timestamp int64
}

// ActionKind selects which LimitOrderBook entry point a transaction calls.
type ActionKind int

const (
	ActionExecute ActionKind = iota
	ActionPoke
)

func (k ActionKind) String() string {
	if k == ActionPoke {
		return "poke"
	}
	return "execute"
}

// Action is a keeper transaction intent.
type Action struct {
	Kind           ActionKind
	OrderID        uint64
	ReferenceIndex uint64 // poke only
}

// Execute builds an execute(orderId) action.
func Execute(orderID uint64) Action {
	return Action{Kind: ActionExecute, OrderID: orderID}
}

// Poke builds a poke(orderId, referenceIndex) action.
func Poke(orderID, referenceIndex uint64) Action {
	return Action{Kind: ActionPoke, OrderID: orderID, ReferenceIndex: referenceIndex}
}

// Key identifies the action for in-flight de-duplication.
func (a Action) Key() string {
	if a.Kind == ActionPoke {
		return fmt.Sprintf("poke:%d:%d", a.OrderID, a.ReferenceIndex)
	}
	return fmt.Sprintf("execute:%d", a.OrderID)
}

func (a Action) String() string {
	if a.Kind == ActionPoke {
		return fmt.Sprintf("poke(%d, %d)", a.OrderID, a.ReferenceIndex)
	}
	return fmt.Sprintf("execute(%d)", a.OrderID)
}

// Outcome is the terminal state of one submission attempt.
type Outcome int

const (
	OutcomeNotSent   Outcome = iota // failed before broadcast
	OutcomeSkipped                  // dry run
	OutcomeRejected                 // node refused the broadcast
	OutcomeConfirmed                // mined, status success
	OutcomeReverted                 // mined, status failure
	OutcomeTimedOut                 // no receipt before the deadline
	OutcomeAbandoned                // wait cancelled by the caller, tx may still land
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotSent:
		return "not_sent"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRejected:
		return "rejected"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeReverted:
		return "reverted"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Failed reports whether the outcome counts as a failed paid attempt.
func (o Outcome) Failed() bool {
	return o == OutcomeRejected || o == OutcomeReverted || o == OutcomeTimedOut
}
