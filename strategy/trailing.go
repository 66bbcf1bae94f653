package strategy

import (
	"sort"
	"time"

	"github.com/web3guy0/keeper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRAILING TRIGGER - Should a trailing order's reference index be poked?
// ═══════════════════════════════════════════════════════════════════════════════
//
// A trailing order anchors its stop to a witness price taken at a reserve
// snapshot index. Once the cooldown since the last update has passed, the
// first snapshot after that index whose price moved past the witness becomes
// the new reference:
//   buy  → price <= witness, lowest price first
//   sell → price >= witness, highest price first
//
// ═══════════════════════════════════════════════════════════════════════════════

// DefaultTrailCooldown is the minimum gap between two pokes of the same order.
const DefaultTrailCooldown = 10 * time.Minute

// TrailEvaluator decides when a trailing order's reference index advances.
type TrailEvaluator struct {
	Cooldown time.Duration
}

// NewTrailEvaluator creates an evaluator, falling back to the default cooldown.
func NewTrailEvaluator(cooldown time.Duration) *TrailEvaluator {
	if cooldown <= 0 {
		cooldown = DefaultTrailCooldown
	}
	return &TrailEvaluator{Cooldown: cooldown}
}

// Due reports whether the order's cooldown has elapsed at unix time now.
func (e *TrailEvaluator) Due(order types.Order, now int64) bool {
	if order.Trailing == nil {
		return false
	}
	elapsed := time.Duration(now-order.Trailing.SnapshotTimestamp) * time.Second
	return elapsed >= e.Cooldown
}

// MaybeAdvanceTrail returns the reference index to poke the order to, if any.
// No update due is not an error.
func (e *TrailEvaluator) MaybeAdvanceTrail(order types.Order, snapshots []types.ReserveSnapshot, now int64) (uint64, bool) {
	if !e.Due(order, now) || len(snapshots) == 0 {
		return 0, false
	}
	witness := order.Trailing.WitnessPrice
	after := order.Trailing.SnapshotLastUpdated
	buy := order.IsBuy()

	candidates := make([]types.ReserveSnapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if s.Index <= after {
			continue
		}
		if buy && s.Price.GreaterThan(witness) {
			continue
		}
		if !buy && s.Price.LessThan(witness) {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return 0, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.Price.Equal(b.Price) {
			if buy {
				return a.Price.LessThan(b.Price)
			}
			return a.Price.GreaterThan(b.Price)
		}
		return a.Index < b.Index
	})
	return candidates[0].Index, true
}
