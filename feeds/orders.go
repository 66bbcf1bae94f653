package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/keeper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER BOOK - Open conditional orders from the keeper subgraph
// ═══════════════════════════════════════════════════════════════════════════════

// OrderBook is an immutable per-tick snapshot, ordered by descending tip fee.
type OrderBook struct {
	orders []types.Order
}

// NewOrderBook wraps an already ordered order list.
func NewOrderBook(orders []types.Order) *OrderBook {
	return &OrderBook{orders: orders}
}

// Orders returns the orders in evaluation order.
func (b *OrderBook) Orders() []types.Order {
	if b == nil {
		return nil
	}
	return b.orders
}

// Trailing returns the orders that carry trailing data.
func (b *OrderBook) Trailing() []types.Order {
	var out []types.Order
	for _, o := range b.Orders() {
		if o.Type.IsTrailing() && o.Trailing != nil {
			out = append(out, o)
		}
	}
	return out
}

// Len returns the number of orders.
func (b *OrderBook) Len() int {
	return len(b.Orders())
}

// RawOrder is an order as served by the subgraph, still in fixed-point units.
type RawOrder struct {
	ID         string       `json:"id"`
	Trader     string       `json:"trader"`
	Asset      string       `json:"asset"`
	LimitPrice string       `json:"limitPrice"`
	StopPrice  string       `json:"stopPrice"`
	OrderSize  string       `json:"orderSize"`
	OrderType  json.Number  `json:"orderType"`
	Collateral string       `json:"collateral"`
	Leverage   string       `json:"leverage"`
	Slippage   string       `json:"slippage"`
	TipFee     string       `json:"tipFee"`
	Expiry     json.Number  `json:"expiry"`
	ReduceOnly bool         `json:"reduceOnly"`
	StillValid bool         `json:"stillValid"`
	Trailing   *RawTrailing `json:"trailingData"`
}

// RawTrailing is the embedded trailing sub-record.
type RawTrailing struct {
	WitnessPrice        string      `json:"witnessPrice"`
	SnapshotTimestamp   json.Number `json:"snapshotTimestamp"`
	SnapshotCreated     json.Number `json:"snapshotCreated"`
	SnapshotLastUpdated json.Number `json:"snapshotLastUpdated"`
}

// ToOrder converts to human units and resolves the asset. This is the only
// place fixed-point scaling happens for orders.
func (r RawOrder) ToOrder(oracle *PriceOracle) (types.Order, error) {
	asset, ok := oracle.Asset(r.Asset)
	if !ok {
		return types.Order{}, fmt.Errorf("order %s: %w %s", r.ID, ErrUnknownAsset, r.Asset)
	}

	id, err := strconv.ParseUint(r.ID, 10, 64)
	if err != nil {
		return types.Order{}, fmt.Errorf("order id %q: %w", r.ID, err)
	}
	orderType, err := parseInt(r.OrderType)
	if err != nil {
		return types.Order{}, fmt.Errorf("order %d type: %w", id, err)
	}
	expiry, err := parseInt(r.Expiry)
	if err != nil {
		return types.Order{}, fmt.Errorf("order %d expiry: %w", id, err)
	}

	o := types.Order{
		ID:           id,
		Trader:       types.NormalizeAddress(r.Trader),
		AssetName:    asset.Name,
		AssetAddress: types.NormalizeAddress(asset.Address),
		Expiry:       expiry,
		ReduceOnly:   r.ReduceOnly,
		Type:         types.OrderType(orderType),
		StillValid:   r.StillValid,
	}
	if !o.Type.Valid() {
		return types.Order{}, fmt.Errorf("order %d: unknown order type %d", id, orderType)
	}

	fields := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{r.LimitPrice, &o.LimitPrice},
		{r.StopPrice, &o.StopPrice},
		{r.OrderSize, &o.Size},
		{r.Collateral, &o.Collateral},
		{r.Leverage, &o.Leverage},
		{r.Slippage, &o.Slippage},
		{r.TipFee, &o.TipFee},
	}
	for _, f := range fields {
		v, err := types.FromAmount(f.raw)
		if err != nil {
			return types.Order{}, fmt.Errorf("order %d: %w", id, err)
		}
		*f.dst = v
	}

	if r.Trailing != nil && o.Type.IsTrailing() {
		td, err := r.Trailing.toTrailingData()
		if err != nil {
			return types.Order{}, fmt.Errorf("order %d trailing: %w", id, err)
		}
		o.Trailing = &td
	}
	return o, nil
}

func (t RawTrailing) toTrailingData() (types.TrailingData, error) {
	witness, err := types.FromAmount(t.WitnessPrice)
	if err != nil {
		return types.TrailingData{}, err
	}
	ts, err := parseInt(t.SnapshotTimestamp)
	if err != nil {
		return types.TrailingData{}, err
	}
	created, err := parseInt(t.SnapshotCreated)
	if err != nil {
		return types.TrailingData{}, err
	}
	updated, err := parseInt(t.SnapshotLastUpdated)
	if err != nil {
		return types.TrailingData{}, err
	}
	return types.TrailingData{
		WitnessPrice:        witness,
		SnapshotTimestamp:   ts,
		SnapshotCreated:     uint64(created),
		SnapshotLastUpdated: uint64(updated),
	}, nil
}

func parseInt(n json.Number) (int64, error) {
	if n == "" {
		return 0, nil
	}
	return strconv.ParseInt(n.String(), 10, 64)
}

// BuildOrderBook converts raw orders, excluding any that cannot be resolved.
func BuildOrderBook(raw []RawOrder, oracle *PriceOracle) (*OrderBook, int) {
	orders := make([]types.Order, 0, len(raw))
	skipped := 0
	for _, r := range raw {
		o, err := r.ToOrder(oracle)
		if err != nil {
			skipped++
			log.Warn().Err(err).Str("order", r.ID).Msg("⚠️ Order excluded this tick")
			continue
		}
		orders = append(orders, o)
	}
	return NewOrderBook(orders), skipped
}

// OrderSource reads open orders from the keeper subgraph.
type OrderSource struct {
	subgraph *SubgraphClient
	pageSize int
	now      func() time.Time
}

// NewOrderSource creates an order source.
func NewOrderSource(subgraph *SubgraphClient, pageSize int) *OrderSource {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &OrderSource{subgraph: subgraph, pageSize: pageSize, now: time.Now}
}

const orderFields = `
		id
		trader
		asset
		limitPrice
		stopPrice
		orderSize
		orderType
		collateral
		leverage
		slippage
		tipFee
		expiry
		reduceOnly
		stillValid
		trailingData {
			witnessPrice
			snapshotTimestamp
			snapshotCreated
			snapshotLastUpdated
		}`

// ordersQuery fetches expiring and never-expiring orders in one request;
// expiry_gt alone would drop orders with expiry 0.
func ordersQuery(pageSize int, now int64) string {
	return fmt.Sprintf(`{
	live: orders(first: %[1]d, orderBy: tipFee, orderDirection: desc, where: {filled: false, stillValid: true, expiry_gt: "%[2]d"}) {%[3]s
	}
	open: orders(first: %[1]d, orderBy: tipFee, orderDirection: desc, where: {filled: false, stillValid: true, expiry: "0"}) {%[3]s
	}
}`, pageSize, now, orderFields)
}

// FetchOrders returns up to pageSize open orders, highest tip fee first.
func (s *OrderSource) FetchOrders(ctx context.Context) ([]RawOrder, error) {
	var data struct {
		Live []RawOrder `json:"live"`
		Open []RawOrder `json:"open"`
	}
	if err := s.subgraph.Query(ctx, ordersQuery(s.pageSize, s.now().Unix()), nil, &data); err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	return mergeByTip(data.Live, data.Open, s.pageSize), nil
}

// mergeByTip merges two tip-descending lists, dropping duplicate ids.
func mergeByTip(a, b []RawOrder, limit int) []RawOrder {
	out := make([]RawOrder, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	push := func(r RawOrder) {
		if seen[r.ID] {
			return
		}
		seen[r.ID] = true
		out = append(out, r)
	}

	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if tipOf(a[i]).GreaterThanOrEqual(tipOf(b[j])) {
			push(a[i])
			i++
		} else {
			push(b[j])
			j++
		}
	}
	for ; i < len(a); i++ {
		push(a[i])
	}
	for ; j < len(b); j++ {
		push(b[j])
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func tipOf(r RawOrder) decimal.Decimal {
	d, err := decimal.NewFromString(r.TipFee)
	if err != nil {
		return decimal.Zero
	}
	return d
}
