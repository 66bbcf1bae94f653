package risk

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/keeper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ELIGIBILITY GATE - Can this order be executed right now?
// ═══════════════════════════════════════════════════════════════════════════════
//
// Sequential rule gate, first failing rule wins:
//   valid → not expired → trader known → collateral / reduce-only → price
//
// Pure: no I/O, no clock, no shared state.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PriceView resolves mark prices.
type PriceView interface {
	Price(asset string) (decimal.Decimal, bool)
}

// BalanceView resolves trader accounts.
type BalanceView interface {
	Account(trader string) (types.AccountBalance, bool)
}

// Reason names the rule that rejected an order.
type Reason string

const (
	ReasonEligible               Reason = ""
	ReasonInvalid                Reason = "not_still_valid"
	ReasonExpired                Reason = "expired"
	ReasonNoBalance              Reason = "no_balance_record"
	ReasonInsufficientCollateral Reason = "insufficient_collateral"
	ReasonReduceOnly             Reason = "reduce_only_violation"
	ReasonNoPrice                Reason = "asset_unpriced"
	ReasonZeroSize               Reason = "zero_size"
	ReasonPriceCondition         Reason = "price_condition"
	ReasonUnknownType            Reason = "unknown_order_type"
)

// Evaluate runs the rule gate and reports which rule failed, if any.
func Evaluate(order types.Order, prices PriceView, balances BalanceView, now int64) (bool, Reason) {
	if !order.StillValid {
		return false, ReasonInvalid
	}

	if order.Expiry != 0 && order.Expiry < now {
		return false, ReasonExpired
	}

	account, ok := balances.Account(order.Trader)
	if !ok {
		return false, ReasonNoBalance
	}

	if r := checkCollateral(order, account); r != ReasonEligible {
		return false, r
	}

	mark, ok := prices.Price(order.AssetAddress)
	if !ok {
		return false, ReasonNoPrice
	}

	if r := checkPrice(order, mark); r != ReasonEligible {
		return false, r
	}
	return true, ReasonEligible
}

// CanExecute reports whether the order is executable.
func CanExecute(order types.Order, prices PriceView, balances BalanceView, now int64) bool {
	ok, _ := Evaluate(order, prices, balances, now)
	return ok
}

// checkCollateral enforces reduce-only and close-and-reverse netting.
func checkCollateral(order types.Order, account types.AccountBalance) Reason {
	position := account.PositionIn(order.AssetAddress)
	opposite := !position.IsZero() && !order.Size.IsZero() && position.Sign() != order.Size.Sign()

	if order.ReduceOnly {
		// Must shrink the position without flipping it.
		if !opposite || order.Size.Abs().GreaterThan(position.Abs()) {
			return ReasonReduceOnly
		}
	}

	if order.Collateral.LessThanOrEqual(account.Free) {
		return ReasonEligible
	}
	if !opposite {
		return ReasonInsufficientCollateral
	}

	// Only the part of the order that exceeds the opposite position opens new
	// exposure and needs fresh collateral.
	size := order.Size.Abs()
	opening := size.Sub(position.Abs())
	if !opening.IsPositive() {
		return ReasonEligible
	}
	required := order.Collateral.Mul(opening).Div(size)
	if required.GreaterThan(account.Free) {
		return ReasonInsufficientCollateral
	}
	return ReasonEligible
}

// checkPrice applies the per-variant trigger. Bounds are inclusive.
func checkPrice(order types.Order, mark decimal.Decimal) Reason {
	if order.Type == types.OrderMarket {
		return ReasonEligible
	}
	if order.Size.IsZero() {
		return ReasonZeroSize
	}
	buy := order.IsBuy()

	var ok bool
	switch order.Type {
	case types.OrderLimit:
		ok = limitReached(buy, mark, order.LimitPrice)
	case types.OrderStopMarket, types.OrderTrailingStopMarket:
		ok = stopTriggered(buy, mark, order.StopPrice)
	case types.OrderStopLimit, types.OrderTrailingStopLimit:
		ok = stopTriggered(buy, mark, order.StopPrice) && limitReached(buy, mark, order.LimitPrice)
	default:
		return ReasonUnknownType
	}

	if !ok {
		return ReasonPriceCondition
	}
	return ReasonEligible
}

func limitReached(buy bool, mark, limit decimal.Decimal) bool {
	if buy {
		return mark.LessThanOrEqual(limit)
	}
	return mark.GreaterThanOrEqual(limit)
}

func stopTriggered(buy bool, mark, stop decimal.Decimal) bool {
	if buy {
		return mark.GreaterThanOrEqual(stop)
	}
	return mark.LessThanOrEqual(stop)
}
