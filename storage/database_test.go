package storage

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/keeper/exec"
	"github.com/web3guy0/keeper/types"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "db", "keeper.db"))
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func attempt(id string, action types.Action, outcome types.Outcome, started time.Time) *Attempt {
	return &Attempt{
		ID:             id,
		OrderID:        action.OrderID,
		Action:         action.Kind.String(),
		ReferenceIndex: action.ReferenceIndex,
		Outcome:        outcome.String(),
		StartedAt:      started,
		FinishedAt:     started.Add(time.Second),
	}
}

func TestFailedCountsOnlyCountsFailedExecutes(t *testing.T) {
	l := openTestLedger(t)
	t0 := time.Unix(1_700_000_000, 0)

	rows := []*Attempt{
		attempt("a1", types.Execute(1), types.OutcomeReverted, t0),
		attempt("a2", types.Execute(1), types.OutcomeTimedOut, t0.Add(time.Minute)),
		attempt("a3", types.Execute(1), types.OutcomeNotSent, t0.Add(2*time.Minute)),
		attempt("a4", types.Execute(2), types.OutcomeRejected, t0),
		attempt("a5", types.Execute(3), types.OutcomeConfirmed, t0),
		attempt("a6", types.Poke(1, 44), types.OutcomeReverted, t0),
		attempt("a7", types.Execute(4), types.OutcomeSkipped, t0),
	}
	for _, r := range rows {
		require.NoError(t, l.Record(r))
	}

	counts, err := l.FailedCounts()
	require.NoError(t, err)
	assert.Equal(t, map[uint64]int{1: 2, 2: 1}, counts)
}

func TestRecentNewestFirst(t *testing.T) {
	l := openTestLedger(t)
	t0 := time.Unix(1_700_000_000, 0)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, l.Record(attempt(id, types.Execute(uint64(i)), types.OutcomeConfirmed, t0.Add(time.Duration(i)*time.Minute))))
	}

	recent, err := l.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "new", recent[0].ID)
	assert.Equal(t, "mid", recent[1].ID)
}

func TestOutcomeCounts(t *testing.T) {
	l := openTestLedger(t)
	t0 := time.Unix(1_700_000_000, 0)
	require.NoError(t, l.Record(attempt("a", types.Execute(1), types.OutcomeConfirmed, t0)))
	require.NoError(t, l.Record(attempt("b", types.Execute(2), types.OutcomeConfirmed, t0)))
	require.NoError(t, l.Record(attempt("c", types.Execute(3), types.OutcomeTimedOut, t0)))

	counts, err := l.OutcomeCounts()
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["confirmed"])
	assert.Equal(t, int64(1), counts["timed_out"])
}

func TestAttemptFromResult(t *testing.T) {
	res := &exec.Result{
		ID:         "id-1",
		Action:     types.Poke(9, 12),
		Outcome:    types.OutcomeNotSent,
		GasPrice:   big.NewInt(123),
		Multiplier: 1.25,
	}
	a := AttemptFromResult(res, errors.New("estimate failed"))
	assert.Equal(t, uint64(9), a.OrderID)
	assert.Equal(t, "poke", a.Action)
	assert.Equal(t, uint64(12), a.ReferenceIndex)
	assert.Equal(t, "not_sent", a.Outcome)
	assert.Equal(t, "123", a.GasPrice)
	assert.Empty(t, a.Ceiling)
	assert.Equal(t, "estimate failed", a.Error)
}

func TestDisabledLedgerIsNoop(t *testing.T) {
	l, err := Open("")
	require.NoError(t, err)
	assert.False(t, l.IsEnabled())
	assert.NoError(t, l.Record(&Attempt{ID: "x"}))

	counts, err := l.FailedCounts()
	require.NoError(t, err)
	assert.Empty(t, counts)
	l.Close()
}
