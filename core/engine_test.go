package core

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/keeper/exec"
	"github.com/web3guy0/keeper/feeds"
	"github.com/web3guy0/keeper/storage"
	"github.com/web3guy0/keeper/types"
)

const (
	ethAMM = "0x8d22f1a9dce724d8c1b4c688d75f17a2fe2d32df"
	trader = "0xabc0000000000000000000000000000000000001"
)

var fixedNow = time.Unix(1_700_000_000, 0)

// ═══ fake sources ═══

type fakeAssets struct{}

func (fakeAssets) FetchAssets(context.Context) ([]types.Asset, error) {
	return []types.Asset{{Name: "ETH", Address: ethAMM}}, nil
}

type fakeReserves struct {
	mark string
	err  error
}

func (f *fakeReserves) FetchReserves(context.Context) ([]feeds.Reserve, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []feeds.Reserve{{
		Address: ethAMM,
		Quote:   decimal.RequireFromString(f.mark),
		Base:    decimal.NewFromInt(1),
	}}, nil
}

type fakeOrders struct {
	raw   []feeds.RawOrder
	err   error
	calls atomic.Int32
}

func (f *fakeOrders) FetchOrders(context.Context) ([]feeds.RawOrder, error) {
	f.calls.Add(1)
	return f.raw, f.err
}

type fakeBalances struct {
	free string
	err  error
}

func (f *fakeBalances) FetchBalances(context.Context) ([]types.AccountBalance, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []types.AccountBalance{{Trader: trader, Free: decimal.RequireFromString(f.free)}}, nil
}

type fakeHistory struct {
	snaps []types.ReserveSnapshot
	calls atomic.Int32
}

func (f *fakeHistory) Candidates(context.Context, types.Order) ([]types.ReserveSnapshot, error) {
	f.calls.Add(1)
	return f.snaps, nil
}

type fakeSubmitter struct {
	mu       sync.Mutex
	outcome  types.Outcome
	actions  []types.Action
	ceilings []*big.Int
}

func (f *fakeSubmitter) Submit(_ context.Context, action types.Action, ceiling *big.Int) (*exec.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	f.ceilings = append(f.ceilings, ceiling)
	return &exec.Result{ID: strconv.Itoa(len(f.actions)), Action: action, Outcome: f.outcome, Ceiling: ceiling}, nil
}

func (f *fakeSubmitter) Multiplier() float64 { return 1 }

func (f *fakeSubmitter) submitted() []types.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Action(nil), f.actions...)
}

type fakeLedger struct {
	mu       sync.Mutex
	attempts []*storage.Attempt
	failed   map[uint64]int
}

func (f *fakeLedger) Record(a *storage.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	return nil
}

func (f *fakeLedger) FailedCounts() (map[uint64]int, error) {
	return f.failed, nil
}

type fakeNotifier struct {
	results []*exec.Result
}

func (f *fakeNotifier) NotifyOutcome(res *exec.Result, _ types.Order) {
	f.results = append(f.results, res)
}

// ═══ fixtures ═══

func amount(s string) string {
	return types.ToAmount(decimal.RequireFromString(s))
}

func limitBuy(id int, size, limit, tip string) feeds.RawOrder {
	return feeds.RawOrder{
		ID:         strconv.Itoa(id),
		Trader:     trader,
		Asset:      ethAMM,
		LimitPrice: amount(limit),
		OrderSize:  amount(size),
		OrderType:  "1",
		Collateral: amount("100"),
		TipFee:     amount(tip),
		Expiry:     "0",
		StillValid: true,
	}
}

func trailingBuy(id int, stop, witness string, lastUpdate int64) feeds.RawOrder {
	return feeds.RawOrder{
		ID:         strconv.Itoa(id),
		Trader:     trader,
		Asset:      ethAMM,
		StopPrice:  amount(stop),
		OrderSize:  amount("1"),
		OrderType:  "4",
		Collateral: amount("10"),
		TipFee:     amount("0.01"),
		Expiry:     "0",
		StillValid: true,
		Trailing: &feeds.RawTrailing{
			WitnessPrice:        amount(witness),
			SnapshotTimestamp:   json.Number(strconv.FormatInt(lastUpdate, 10)),
			SnapshotCreated:     "10",
			SnapshotLastUpdated: "10",
		},
	}
}

type harness struct {
	engine    *Engine
	reserves  *fakeReserves
	orders    *fakeOrders
	balances  *fakeBalances
	history   *fakeHistory
	submitter *fakeSubmitter
	ledger    *fakeLedger
}

func newHarness(cfg Config, raw ...feeds.RawOrder) *harness {
	h := &harness{
		reserves:  &fakeReserves{mark: "99"},
		orders:    &fakeOrders{raw: raw},
		balances:  &fakeBalances{free: "1000"},
		history:   &fakeHistory{},
		submitter: &fakeSubmitter{outcome: types.OutcomeConfirmed},
		ledger:    &fakeLedger{},
	}
	src := Sources{
		Assets:   fakeAssets{},
		Reserves: h.reserves,
		Orders:   h.orders,
		Balances: h.balances,
		History:  h.history,
	}
	h.engine = NewEngine(src, h.submitter, h.ledger, cfg)
	h.engine.now = func() time.Time { return fixedNow }
	return h
}

// ═══ in-memory chain for the end-to-end path ═══

type chain struct {
	mu   sync.Mutex
	sent []*ethtypes.Transaction
}

func (c *chain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(100), nil }
func (c *chain) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return 3, nil
}
func (c *chain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (c *chain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 200_000, nil }
func (c *chain) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	return nil
}
func (c *chain) TransactionReceipt(_ context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, TxHash: hash, BlockNumber: big.NewInt(99), GasUsed: 150_000}, nil
}

// ═══ tests ═══

func TestEndToEndLimitExecution(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	node := &chain{}
	client, err := exec.NewClient(context.Background(), node, key)
	require.NoError(t, err)
	book, err := exec.NewLimitOrderBook(exec.DefaultLOBAddress)
	require.NoError(t, err)

	gas := exec.NewGasController("")
	require.NoError(t, gas.OnFailureOrTimeout())
	require.NoError(t, gas.OnFailureOrTimeout())
	submitter := exec.NewSubmitter(client, book, gas, exec.SubmitterConfig{ReceiptTimeout: time.Second})

	ledger := &fakeLedger{}
	notifier := &fakeNotifier{}
	src := Sources{
		Assets:   fakeAssets{},
		Reserves: &fakeReserves{mark: "99"},
		Orders:   &fakeOrders{raw: []feeds.RawOrder{limitBuy(1, "5", "100", "0.01")}},
		Balances: &fakeBalances{free: "1000"},
	}
	engine := NewEngine(src, submitter, ledger, Config{})
	engine.now = func() time.Time { return fixedNow }
	engine.SetNotifier(notifier)

	report := engine.RunTick(context.Background())

	assert.Equal(t, 1, report.Eligible)
	assert.Equal(t, 1, report.Submitted)

	require.Len(t, ledger.attempts, 1)
	attempt := ledger.attempts[0]
	assert.Equal(t, "confirmed", attempt.Outcome)
	assert.Equal(t, "6660000000", attempt.Ceiling, "tipFee × 666 × 1e9")
	assert.Equal(t, "1562500000", attempt.GasPrice)
	assert.Equal(t, uint64(220_000), attempt.GasLimit)

	require.Len(t, node.sent, 1)
	assert.LessOrEqual(t, node.sent[0].GasPrice().Cmp(big.NewInt(6_660_000_000)), 0)

	assert.Equal(t, 1.0, gas.Multiplier(), "confirmed success resets the multiplier")
	require.Len(t, notifier.results, 1)
	assert.Equal(t, types.OutcomeConfirmed, notifier.results[0].Outcome)
}

func TestIneligibleOrderNotSubmitted(t *testing.T) {
	h := newHarness(Config{}, limitBuy(1, "5", "98", "0.01"))
	report := h.engine.RunTick(context.Background())

	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 0, report.Eligible)
	assert.Empty(t, h.submitter.submitted())
}

func TestOrderRefreshFailureSkipsTick(t *testing.T) {
	h := newHarness(Config{}, limitBuy(1, "5", "100", "0.01"))
	h.orders.err = errors.New("subgraph down")

	report := h.engine.RunTick(context.Background())
	assert.False(t, report.OrdersOK)
	assert.Empty(t, h.submitter.submitted())
	assert.Equal(t, uint64(1), h.engine.Status().Tick, "tick counter still advances")
}

func TestPriceFailureSkipsExecutionsButNotTrailing(t *testing.T) {
	h := newHarness(Config{TriggerInterval: 1},
		limitBuy(1, "5", "100", "0.01"),
		trailingBuy(2, "200", "100", fixedNow.Unix()-3600),
	)
	h.reserves.err = errors.New("perp subgraph down")
	h.history.snaps = []types.ReserveSnapshot{{Index: 11, Price: decimal.NewFromInt(95)}}

	report := h.engine.RunTick(context.Background())
	assert.False(t, report.PricesOK)
	assert.Equal(t, 0, report.Evaluated)
	assert.Equal(t, 1, report.Pokes)
	assert.Equal(t, []types.Action{types.Poke(2, 11)}, h.submitter.submitted())
}

func TestBalanceFailureSkipsExecutions(t *testing.T) {
	h := newHarness(Config{}, limitBuy(1, "5", "100", "0.01"))
	h.balances.err = errors.New("timeout")

	report := h.engine.RunTick(context.Background())
	assert.False(t, report.BalancesOK)
	assert.Empty(t, h.submitter.submitted())
}

func TestTrailingRunsEveryNTicks(t *testing.T) {
	h := newHarness(Config{TriggerInterval: 3}, trailingBuy(2, "200", "100", fixedNow.Unix()-3600))
	h.history.snaps = []types.ReserveSnapshot{{Index: 12, Price: decimal.NewFromInt(90)}}

	for i := 0; i < 4; i++ {
		h.engine.RunTick(context.Background())
	}
	assert.Equal(t, int32(2), h.history.calls.Load(), "ticks 0 and 3")
	assert.Equal(t, []types.Action{types.Poke(2, 12), types.Poke(2, 12)}, h.submitter.submitted())
}

func TestTrailingCooldownSkipsLookup(t *testing.T) {
	h := newHarness(Config{TriggerInterval: 1}, trailingBuy(2, "200", "100", fixedNow.Unix()-60))
	h.history.snaps = []types.ReserveSnapshot{{Index: 12, Price: decimal.NewFromInt(90)}}

	h.engine.RunTick(context.Background())
	assert.Equal(t, int32(0), h.history.calls.Load())
	assert.Empty(t, h.submitter.submitted())
}

func TestPauseSuppressesSubmissions(t *testing.T) {
	h := newHarness(Config{}, limitBuy(1, "5", "100", "0.01"))
	h.engine.Pause()

	report := h.engine.RunTick(context.Background())
	assert.Equal(t, 1, report.Eligible, "evaluation continues while paused")
	assert.Empty(t, h.submitter.submitted())

	h.engine.Resume()
	h.engine.RunTick(context.Background())
	assert.Len(t, h.submitter.submitted(), 1)
}

func TestAttemptCap(t *testing.T) {
	h := newHarness(Config{MaxAttempts: 2}, limitBuy(1, "5", "100", "0.01"))
	h.submitter.outcome = types.OutcomeReverted

	for i := 0; i < 4; i++ {
		h.engine.RunTick(context.Background())
	}
	assert.Len(t, h.submitter.submitted(), 2)
	assert.Equal(t, 2, h.engine.Attempts(1))
}

func TestRestoreAttemptsFromLedger(t *testing.T) {
	h := newHarness(Config{MaxAttempts: 2}, limitBuy(1, "5", "100", "0.01"))
	h.ledger.failed = map[uint64]int{1: 2}

	require.NoError(t, h.engine.RestoreAttempts())
	h.engine.RunTick(context.Background())
	assert.Empty(t, h.submitter.submitted())
}

func TestInFlightActionNotResubmitted(t *testing.T) {
	h := newHarness(Config{}, limitBuy(1, "5", "100", "0.01"))
	h.engine.inFlight[types.Execute(1).Key()] = true

	h.engine.RunTick(context.Background())
	assert.Empty(t, h.submitter.submitted())
}

func TestConfirmedOrderNotResubmittedWhileSettling(t *testing.T) {
	h := newHarness(Config{}, limitBuy(1, "5", "100", "0.01"))

	h.engine.RunTick(context.Background())
	h.engine.RunTick(context.Background())
	assert.Len(t, h.submitter.submitted(), 1)

	h.engine.now = func() time.Time { return fixedNow.Add(settleGrace + time.Second) }
	h.engine.RunTick(context.Background())
	assert.Len(t, h.submitter.submitted(), 2)
}

func TestCeilingFromTipUnlessUnprofitableAllowed(t *testing.T) {
	h := newHarness(Config{}, limitBuy(1, "5", "100", "0.5"))
	h.engine.RunTick(context.Background())
	require.Len(t, h.submitter.ceilings, 1)
	assert.Equal(t, "333000000000", h.submitter.ceilings[0].String())

	h = newHarness(Config{AllowUnprofitable: true}, limitBuy(1, "5", "100", "0.5"))
	h.engine.RunTick(context.Background())
	require.Len(t, h.submitter.ceilings, 1)
	assert.Nil(t, h.submitter.ceilings[0])
}

func TestOrdersEvaluatedInTipOrder(t *testing.T) {
	h := newHarness(Config{},
		limitBuy(7, "1", "100", "0.3"),
		limitBuy(8, "1", "100", "0.2"),
	)
	h.engine.RunTick(context.Background())
	assert.Equal(t, []types.Action{types.Execute(7), types.Execute(8)}, h.submitter.submitted())
	assert.Len(t, h.ledger.attempts, 2)
}

func TestRunTicksOnWakeAndStops(t *testing.T) {
	h := newHarness(Config{TickInterval: time.Hour})
	wake := make(chan uint64, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx, wake) }()

	require.Eventually(t, func() bool { return h.orders.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	wake <- 101
	require.Eventually(t, func() bool { return h.orders.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(Config{}, limitBuy(1, "5", "100", "0.01"))
	h.engine.SetDryRun(true)
	h.engine.RunTick(context.Background())

	st := h.engine.Status()
	assert.Equal(t, uint64(1), st.Tick)
	assert.True(t, st.DryRun)
	assert.Equal(t, 1, st.Assets)
	assert.Equal(t, 1, st.LastTick.Submitted)
	require.Len(t, st.Recent, 1)
	assert.Equal(t, types.Execute(1), st.Recent[0].Action)
}
