package feeds

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/keeper/types"
)

// BalanceLedger is an immutable per-tick snapshot of trader accounts.
type BalanceLedger struct {
	accounts map[string]types.AccountBalance // normalized trader -> account
}

// NewBalanceLedger indexes accounts by trader.
func NewBalanceLedger(accounts []types.AccountBalance) *BalanceLedger {
	l := &BalanceLedger{accounts: make(map[string]types.AccountBalance, len(accounts))}
	for _, a := range accounts {
		key := types.NormalizeAddress(a.Trader)
		if existing, ok := l.accounts[key]; ok && existing.Free.GreaterThan(a.Free) {
			continue
		}
		l.accounts[key] = a
	}
	return l
}

// Account resolves a trader's balance record.
func (l *BalanceLedger) Account(trader string) (types.AccountBalance, bool) {
	if l == nil {
		return types.AccountBalance{}, false
	}
	a, ok := l.accounts[types.NormalizeAddress(trader)]
	return a, ok
}

// Len returns the number of accounts.
func (l *BalanceLedger) Len() int {
	if l == nil {
		return 0
	}
	return len(l.accounts)
}

// BalanceSource reads smart wallet balances from the keeper subgraph.
type BalanceSource struct {
	subgraph *SubgraphClient
	pageSize int
}

// NewBalanceSource creates a balance source.
func NewBalanceSource(subgraph *SubgraphClient, pageSize int) *BalanceSource {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &BalanceSource{subgraph: subgraph, pageSize: pageSize}
}

func balancesQuery(pageSize int) string {
	return fmt.Sprintf(`{
	smartWallets(orderBy: balance, orderDirection: desc, first: %d) {
		id
		owner
		balance
		positions {
			amm
			size
		}
	}
}`, pageSize)
}

// FetchBalances returns every account's free balance and positions.
func (s *BalanceSource) FetchBalances(ctx context.Context) ([]types.AccountBalance, error) {
	var data struct {
		SmartWallets []struct {
			ID        string `json:"id"`
			Owner     string `json:"owner"`
			Balance   string `json:"balance"`
			Positions []struct {
				Amm  string `json:"amm"`
				Size string `json:"size"`
			} `json:"positions"`
		} `json:"smartWallets"`
	}
	if err := s.subgraph.Query(ctx, balancesQuery(s.pageSize), nil, &data); err != nil {
		return nil, fmt.Errorf("query smart wallets: %w", err)
	}

	accounts := make([]types.AccountBalance, 0, len(data.SmartWallets))
	for _, w := range data.SmartWallets {
		free, err := types.FromBalance(w.Balance)
		if err != nil {
			return nil, fmt.Errorf("wallet %s balance: %w", w.ID, err)
		}
		positions := make(map[string]decimal.Decimal, len(w.Positions))
		for _, p := range w.Positions {
			size, err := types.FromAmount(p.Size)
			if err != nil {
				return nil, fmt.Errorf("wallet %s position %s: %w", w.ID, p.Amm, err)
			}
			if size.IsZero() {
				continue
			}
			key := types.NormalizeAddress(p.Amm)
			positions[key] = positions[key].Add(size)
		}
		accounts = append(accounts, types.AccountBalance{
			Trader:    types.NormalizeAddress(w.Owner),
			Free:      free,
			Positions: positions,
		})
	}
	return accounts, nil
}
