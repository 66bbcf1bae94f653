package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/web3guy0/keeper/types"
)

// DefaultReserveCandidates bounds how many snapshots one trailing lookup pulls.
const DefaultReserveCandidates = 25

// ReserveHistory reads historical reserve snapshots for trailing orders.
type ReserveHistory struct {
	subgraph *SubgraphClient
	limit    int
}

// NewReserveHistory creates a reserve-history source.
func NewReserveHistory(subgraph *SubgraphClient, limit int) *ReserveHistory {
	if limit <= 0 {
		limit = DefaultReserveCandidates
	}
	return &ReserveHistory{subgraph: subgraph, limit: limit}
}

func reserveQuery(amm string, afterIndex uint64, witness string, buy bool, limit int) string {
	bound, direction := "price_gte", "desc"
	if buy {
		bound, direction = "price_lte", "asc"
	}
	return fmt.Sprintf(`{
	reserveSnapshots(first: %d, orderBy: price, orderDirection: %s, where: {amm: "%s", index_gt: "%d", %s: "%s"}) {
		index
		price
		timestamp
	}
}`, limit, direction, amm, afterIndex, bound, witness)
}

// Candidates returns snapshots after the order's reference index whose price
// has moved past the witness: price <= witness for buys (ascending price),
// price >= witness for sells (descending price).
func (h *ReserveHistory) Candidates(ctx context.Context, order types.Order) ([]types.ReserveSnapshot, error) {
	if order.Trailing == nil {
		return nil, nil
	}
	q := reserveQuery(
		order.AssetAddress,
		order.Trailing.SnapshotLastUpdated,
		types.ToAmount(order.Trailing.WitnessPrice),
		order.IsBuy(),
		h.limit,
	)

	var data struct {
		ReserveSnapshots []struct {
			Index     json.Number `json:"index"`
			Price     string      `json:"price"`
			Timestamp json.Number `json:"timestamp"`
		} `json:"reserveSnapshots"`
	}
	if err := h.subgraph.Query(ctx, q, nil, &data); err != nil {
		return nil, fmt.Errorf("query reserve snapshots: %w", err)
	}

	out := make([]types.ReserveSnapshot, 0, len(data.ReserveSnapshots))
	for _, s := range data.ReserveSnapshots {
		idx, err := strconv.ParseUint(s.Index.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("snapshot index %q: %w", s.Index, err)
		}
		price, err := types.FromAmount(s.Price)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d price: %w", idx, err)
		}
		ts, err := parseInt(s.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d timestamp: %w", idx, err)
		}
		out = append(out, types.ReserveSnapshot{Index: idx, Price: price, Timestamp: ts})
	}
	return out, nil
}
