package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/keeper/types"
)

const now = int64(1_700_000_000)

func trailingOrder(size string, witness string, lastUpdate int64, refIndex uint64) types.Order {
	return types.Order{
		ID:         42,
		AssetName:  "ETH",
		Size:       decimal.RequireFromString(size),
		Type:       types.OrderTrailingStopMarket,
		StillValid: true,
		Trailing: &types.TrailingData{
			WitnessPrice:        decimal.RequireFromString(witness),
			SnapshotTimestamp:   lastUpdate,
			SnapshotCreated:     refIndex,
			SnapshotLastUpdated: refIndex,
		},
	}
}

func snap(index uint64, price string) types.ReserveSnapshot {
	return types.ReserveSnapshot{Index: index, Price: decimal.RequireFromString(price)}
}

func TestBuyPicksLowestQualifyingPrice(t *testing.T) {
	e := NewTrailEvaluator(0)
	o := trailingOrder("1", "100", now-int64(time.Hour/time.Second), 10)

	idx, ok := e.MaybeAdvanceTrail(o, []types.ReserveSnapshot{
		snap(11, "102"),
		snap(12, "99"),
		snap(13, "100.5"),
	}, now)
	require.True(t, ok)
	assert.Equal(t, uint64(12), idx)
}

func TestSellPicksHighestQualifyingPrice(t *testing.T) {
	e := NewTrailEvaluator(0)
	o := trailingOrder("-1", "100", now-3600, 10)

	idx, ok := e.MaybeAdvanceTrail(o, []types.ReserveSnapshot{
		snap(11, "98"),
		snap(12, "101"),
		snap(13, "103"),
		snap(14, "100"),
	}, now)
	require.True(t, ok)
	assert.Equal(t, uint64(13), idx)
}

func TestEqualPricesPreferEarlierIndex(t *testing.T) {
	e := NewTrailEvaluator(0)
	o := trailingOrder("1", "100", now-3600, 10)

	idx, ok := e.MaybeAdvanceTrail(o, []types.ReserveSnapshot{
		snap(20, "95"),
		snap(15, "95"),
	}, now)
	require.True(t, ok)
	assert.Equal(t, uint64(15), idx)
}

func TestIgnoresSnapshotsAtOrBeforeReference(t *testing.T) {
	e := NewTrailEvaluator(0)
	o := trailingOrder("1", "100", now-3600, 10)

	_, ok := e.MaybeAdvanceTrail(o, []types.ReserveSnapshot{
		snap(9, "50"),
		snap(10, "60"),
	}, now)
	assert.False(t, ok)
}

func TestNoQualifyingSnapshot(t *testing.T) {
	e := NewTrailEvaluator(0)
	o := trailingOrder("1", "100", now-3600, 10)

	_, ok := e.MaybeAdvanceTrail(o, []types.ReserveSnapshot{snap(11, "101"), snap(12, "110")}, now)
	assert.False(t, ok)

	_, ok = e.MaybeAdvanceTrail(o, nil, now)
	assert.False(t, ok)
}

func TestCooldown(t *testing.T) {
	e := NewTrailEvaluator(10 * time.Minute)
	snaps := []types.ReserveSnapshot{snap(11, "90")}

	fresh := trailingOrder("1", "100", now-599, 10)
	_, ok := e.MaybeAdvanceTrail(fresh, snaps, now)
	assert.False(t, ok, "inside cooldown")

	exact := trailingOrder("1", "100", now-600, 10)
	idx, ok := e.MaybeAdvanceTrail(exact, snaps, now)
	assert.True(t, ok, "cooldown just elapsed")
	assert.Equal(t, uint64(11), idx)
}

func TestNonTrailingOrderNeverDue(t *testing.T) {
	e := NewTrailEvaluator(0)
	o := types.Order{ID: 1, Size: decimal.NewFromInt(1), Type: types.OrderLimit}
	assert.False(t, e.Due(o, now))
	_, ok := e.MaybeAdvanceTrail(o, []types.ReserveSnapshot{snap(1, "1")}, now)
	assert.False(t, ok)
}
