package feeds

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/keeper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE ORACLE - Mark prices from AMM reserves
// ═══════════════════════════════════════════════════════════════════════════════

// ErrUnknownAsset is returned for orders whose AMM is not in the universe.
var ErrUnknownAsset = errors.New("unknown asset")

// PriceOracle is an immutable per-tick snapshot of asset mark prices.
type PriceOracle struct {
	assets map[string]types.Asset // normalized address -> asset
	order  []string
}

// NewPriceOracle builds a snapshot from a priced asset list.
func NewPriceOracle(assets []types.Asset) *PriceOracle {
	p := &PriceOracle{
		assets: make(map[string]types.Asset, len(assets)),
		order:  make([]string, 0, len(assets)),
	}
	for _, a := range assets {
		key := types.NormalizeAddress(a.Address)
		if _, dup := p.assets[key]; !dup {
			p.order = append(p.order, key)
		}
		p.assets[key] = a
	}
	return p
}

// Asset resolves an asset by case-insensitive address.
func (p *PriceOracle) Asset(address string) (types.Asset, bool) {
	if p == nil {
		return types.Asset{}, false
	}
	a, ok := p.assets[types.NormalizeAddress(address)]
	return a, ok
}

// Price returns the mark price; false when the asset is unknown or unpriced.
func (p *PriceOracle) Price(address string) (decimal.Decimal, bool) {
	a, ok := p.Asset(address)
	if !ok || !a.Price.IsPositive() {
		return decimal.Zero, false
	}
	return a.Price, true
}

// Assets returns the universe in insertion order.
func (p *PriceOracle) Assets() []types.Asset {
	out := make([]types.Asset, 0, len(p.order))
	for _, k := range p.order {
		out = append(out, p.assets[k])
	}
	return out
}

// Len returns the number of known assets.
func (p *PriceOracle) Len() int {
	if p == nil {
		return 0
	}
	return len(p.assets)
}

// Reserve is one AMM's current reserve pair.
type Reserve struct {
	Address string
	Quote   decimal.Decimal
	Base    decimal.Decimal
}

// Price returns quote/base; false when the base reserve is zero.
func (r Reserve) Price() (decimal.Decimal, bool) {
	if !r.Base.IsPositive() {
		return decimal.Zero, false
	}
	return r.Quote.Div(r.Base), true
}

// BuildPriceOracle prices the universe from reserves. Assets without a usable
// reserve stay in the universe unpriced; reserves for unknown AMMs are dropped.
func BuildPriceOracle(universe []types.Asset, reserves []Reserve) *PriceOracle {
	byAddr := make(map[string]Reserve, len(reserves))
	for _, r := range reserves {
		byAddr[types.NormalizeAddress(r.Address)] = r
	}

	known := make(map[string]bool, len(universe))
	priced := make([]types.Asset, 0, len(universe))
	for _, a := range universe {
		key := types.NormalizeAddress(a.Address)
		known[key] = true
		a.Price = decimal.Zero
		if r, ok := byAddr[key]; ok {
			if price, ok := r.Price(); ok {
				a.Price = price
			} else {
				log.Debug().Str("asset", a.Name).Msg("Zero base reserve, asset left unpriced")
			}
		}
		priced = append(priced, a)
	}

	for key := range byAddr {
		if !known[key] {
			log.Debug().Str("amm", key).Msg("Reserve for unknown AMM ignored")
		}
	}

	return NewPriceOracle(priced)
}

// PriceSource reads AMM reserves from the perp subgraph.
type PriceSource struct {
	subgraph *SubgraphClient
}

// NewPriceSource creates a reserve source.
func NewPriceSource(subgraph *SubgraphClient) *PriceSource {
	return &PriceSource{subgraph: subgraph}
}

const ammsQuery = `{
	amms(first: 100) {
		address
		quoteAssetReserve
		baseAssetReserve
	}
}`

// FetchReserves returns the current reserve pair of every AMM.
func (s *PriceSource) FetchReserves(ctx context.Context) ([]Reserve, error) {
	var data struct {
		Amms []struct {
			Address           string `json:"address"`
			QuoteAssetReserve string `json:"quoteAssetReserve"`
			BaseAssetReserve  string `json:"baseAssetReserve"`
		} `json:"amms"`
	}
	if err := s.subgraph.Query(ctx, ammsQuery, nil, &data); err != nil {
		return nil, fmt.Errorf("query amms: %w", err)
	}

	reserves := make([]Reserve, 0, len(data.Amms))
	for _, amm := range data.Amms {
		quote, err := types.FromAmount(amm.QuoteAssetReserve)
		if err != nil {
			return nil, fmt.Errorf("amm %s quote reserve: %w", amm.Address, err)
		}
		base, err := types.FromAmount(amm.BaseAssetReserve)
		if err != nil {
			return nil, fmt.Errorf("amm %s base reserve: %w", amm.Address, err)
		}
		reserves = append(reserves, Reserve{Address: amm.Address, Quote: quote, Base: base})
	}
	return reserves, nil
}
