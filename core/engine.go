package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/keeper/exec"
	"github.com/web3guy0/keeper/feeds"
	"github.com/web3guy0/keeper/metrics"
	"github.com/web3guy0/keeper/risk"
	"github.com/web3guy0/keeper/storage"
	"github.com/web3guy0/keeper/strategy"
	"github.com/web3guy0/keeper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Keeper control loop
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow per tick:
//   RefreshViews → EvaluateOrders → SubmitEligible → (every N ticks) Trailing
//
// Prices, orders and balances are fetched concurrently and joined before
// evaluation. A failed source only skips the work that depends on it.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	DefaultTickInterval    = 10 * time.Second
	DefaultTriggerInterval = 30

	// settleGrace keeps a confirmed order out of evaluation while the
	// subgraph catches up with the fill.
	settleGrace = 5 * time.Minute

	recentResults = 10
)

// AssetSource lists the tradable asset universe.
type AssetSource interface {
	FetchAssets(ctx context.Context) ([]types.Asset, error)
}

// ReserveSource returns the current AMM reserves.
type ReserveSource interface {
	FetchReserves(ctx context.Context) ([]feeds.Reserve, error)
}

// OrderSource returns open orders, highest tip first.
type OrderSource interface {
	FetchOrders(ctx context.Context) ([]feeds.RawOrder, error)
}

// BalanceSource returns trader accounts.
type BalanceSource interface {
	FetchBalances(ctx context.Context) ([]types.AccountBalance, error)
}

// ReserveHistory returns trail candidates for a trailing order.
type ReserveHistory interface {
	Candidates(ctx context.Context, order types.Order) ([]types.ReserveSnapshot, error)
}

// Submitter sends one action and reports its terminal outcome.
type Submitter interface {
	Submit(ctx context.Context, action types.Action, ceiling *big.Int) (*exec.Result, error)
	Multiplier() float64
}

// Ledger persists submission attempts.
type Ledger interface {
	Record(a *storage.Attempt) error
	FailedCounts() (map[uint64]int, error)
}

// OutcomeNotifier is told about every submission that reached the chain.
type OutcomeNotifier interface {
	NotifyOutcome(res *exec.Result, order types.Order)
}

// Sources groups the data feeds the loop refreshes each tick.
type Sources struct {
	Assets   AssetSource
	Reserves ReserveSource
	Orders   OrderSource
	Balances BalanceSource
	History  ReserveHistory
}

// Config tunes the loop.
type Config struct {
	TickInterval      time.Duration
	TriggerInterval   int
	TrailCooldown     time.Duration
	TipGasFactor      int64
	AllowUnprofitable bool
	MaxAttempts       int // 0 = unlimited
}

// TickReport summarizes one tick.
type TickReport struct {
	Tick        uint64
	Orders      int
	Excluded    int
	Evaluated   int
	Eligible    int
	Submitted   int
	Pokes       int
	PricesOK    bool
	BalancesOK  bool
	OrdersOK    bool
	Trailing    bool
	Duration    time.Duration
	CompletedAt time.Time
}

// Status is an operator snapshot of the loop.
type Status struct {
	Tick       uint64
	Paused     bool
	DryRun     bool
	Multiplier float64
	Assets     int
	LastTick   TickReport
	Recent     []*exec.Result
}

type Engine struct {
	mu sync.RWMutex

	// Components
	src       Sources
	submitter Submitter
	ledger    Ledger
	trail     *strategy.TrailEvaluator
	notifier  OutcomeNotifier
	cfg       Config
	dryRun    bool
	now       func() time.Time

	// State
	universe []types.Asset
	tick     uint64
	paused   bool
	inFlight map[string]bool
	attempts map[uint64]int
	settled  map[uint64]time.Time
	recent   []*exec.Result
	last     TickReport
}

// NewEngine creates the control loop.
func NewEngine(src Sources, submitter Submitter, ledger Ledger, cfg Config) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.TriggerInterval < 1 {
		cfg.TriggerInterval = DefaultTriggerInterval
	}
	if cfg.TipGasFactor <= 0 {
		cfg.TipGasFactor = exec.DefaultTipGasFactor
	}
	return &Engine{
		src:       src,
		submitter: submitter,
		ledger:    ledger,
		trail:     strategy.NewTrailEvaluator(cfg.TrailCooldown),
		cfg:       cfg,
		now:       time.Now,
		inFlight:  make(map[string]bool),
		attempts:  make(map[uint64]int),
		settled:   make(map[uint64]time.Time),
	}
}

// SetNotifier sets the outcome callback (Telegram).
func (e *Engine) SetNotifier(n OutcomeNotifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
}

// SetDryRun marks the loop as running against a non-broadcasting submitter.
func (e *Engine) SetDryRun(dryRun bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dryRun = dryRun
}

// Pause suppresses submissions; evaluation continues.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		log.Warn().Msg("⏸️ Submissions paused")
	}
	e.paused = true
}

// Resume re-enables submissions.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		log.Info().Msg("▶️ Submissions resumed")
	}
	e.paused = false
}

// Paused reports whether submissions are suppressed.
func (e *Engine) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

// Status returns an operator snapshot.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	recent := make([]*exec.Result, len(e.recent))
	copy(recent, e.recent)
	return Status{
		Tick:       e.tick,
		Paused:     e.paused,
		DryRun:     e.dryRun,
		Multiplier: e.submitter.Multiplier(),
		Assets:     len(e.universe),
		LastTick:   e.last,
		Recent:     recent,
	}
}

// Attempts returns the failed execute count recorded for an order.
func (e *Engine) Attempts(orderID uint64) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.attempts[orderID]
}

// Run ticks until ctx is cancelled. A value on wake (new block) starts the
// next tick early; otherwise the loop sleeps TickInterval.
func (e *Engine) Run(ctx context.Context, wake <-chan uint64) error {
	log.Info().
		Dur("interval", e.cfg.TickInterval).
		Int("trigger_every", e.cfg.TriggerInterval).
		Msg("⚡ Keeper loop started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Keeper loop stopped")
			return ctx.Err()
		case <-timer.C:
		case block := <-wake:
			log.Debug().Uint64("block", block).Msg("Tick on new head")
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		e.RunTick(ctx)
		timer.Reset(e.cfg.TickInterval)
	}
}

type snapshot struct {
	reserves    []feeds.Reserve
	reservesErr error
	raw         []feeds.RawOrder
	ordersErr   error
	balances    []types.AccountBalance
	balancesErr error
}

// RunTick runs one full cycle. It never returns an error; failures are
// logged and counted and the dependent work is skipped.
func (e *Engine) RunTick(ctx context.Context) TickReport {
	start := e.now()

	e.mu.Lock()
	report := TickReport{Tick: e.tick}
	report.Trailing = e.tick%uint64(e.cfg.TriggerInterval) == 0
	e.tick++
	e.mu.Unlock()

	metrics.IncTick()

	universe := e.refreshUniverse(ctx, report.Trailing)
	snap := e.refresh(ctx)

	report.PricesOK = snap.reservesErr == nil && len(universe) > 0
	report.BalancesOK = snap.balancesErr == nil
	report.OrdersOK = snap.ordersErr == nil

	if !report.OrdersOK {
		metrics.IncSourceError("orders")
		log.Error().Err(snap.ordersErr).Uint64("tick", report.Tick).Msg("❌ Order refresh failed, skipping tick")
		return e.finish(report, start)
	}
	if snap.reservesErr != nil {
		metrics.IncSourceError("prices")
		log.Error().Err(snap.reservesErr).Msg("❌ Price refresh failed, executions skipped this tick")
	}
	if !report.BalancesOK {
		metrics.IncSourceError("balances")
		log.Error().Err(snap.balancesErr).Msg("❌ Balance refresh failed, executions skipped this tick")
	}

	oracle := feeds.BuildPriceOracle(universe, snap.reserves)
	book, excluded := feeds.BuildOrderBook(snap.raw, oracle)
	balances := feeds.NewBalanceLedger(snap.balances)
	report.Orders = book.Len()
	report.Excluded = excluded

	if report.PricesOK && report.BalancesOK {
		e.evaluateOrders(ctx, book, oracle, balances, &report)
	}
	if report.Trailing {
		e.evaluateTrailing(ctx, book, &report)
	}

	metrics.SetGasMultiplier(e.submitter.Multiplier())
	return e.finish(report, start)
}

func (e *Engine) finish(report TickReport, start time.Time) TickReport {
	report.CompletedAt = e.now()
	report.Duration = report.CompletedAt.Sub(start)

	e.mu.Lock()
	e.last = report
	e.mu.Unlock()

	log.Debug().
		Uint64("tick", report.Tick).
		Int("orders", report.Orders).
		Int("excluded", report.Excluded).
		Int("eligible", report.Eligible).
		Int("submitted", report.Submitted).
		Int("pokes", report.Pokes).
		Dur("took", report.Duration).
		Msg("Tick complete")
	return report
}

// refreshUniverse loads the asset universe when empty or forced, keeping the
// previous one on failure.
func (e *Engine) refreshUniverse(ctx context.Context, force bool) []types.Asset {
	e.mu.RLock()
	current := e.universe
	e.mu.RUnlock()

	if (!force && len(current) > 0) || e.src.Assets == nil {
		return current
	}

	assets, err := e.src.Assets.FetchAssets(ctx)
	if err != nil {
		metrics.IncSourceError("assets")
		log.Error().Err(err).Msg("❌ Asset universe refresh failed")
		return current
	}
	if len(current) != len(assets) {
		log.Info().Int("assets", len(assets)).Msg("📋 Asset universe loaded")
	}

	e.mu.Lock()
	e.universe = assets
	e.mu.Unlock()
	return assets
}

// refresh fetches the three independent views concurrently.
func (e *Engine) refresh(ctx context.Context) snapshot {
	var snap snapshot
	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		snap.reserves, snap.reservesErr = e.src.Reserves.FetchReserves(ctx)
	}()
	go func() {
		defer wg.Done()
		snap.raw, snap.ordersErr = e.src.Orders.FetchOrders(ctx)
	}()
	go func() {
		defer wg.Done()
		snap.balances, snap.balancesErr = e.src.Balances.FetchBalances(ctx)
	}()
	wg.Wait()

	return snap
}

func (e *Engine) evaluateOrders(ctx context.Context, book *feeds.OrderBook, prices risk.PriceView, balances risk.BalanceView, report *TickReport) {
	now := e.now()
	for _, order := range book.Orders() {
		if ctx.Err() != nil {
			return
		}
		if e.isSettled(order.ID, now) {
			continue
		}

		order.Attempts = e.Attempts(order.ID)
		if e.cfg.MaxAttempts > 0 && order.Attempts >= e.cfg.MaxAttempts {
			log.Debug().Str("order", order.String()).Int("attempts", order.Attempts).Msg("Attempt cap reached, order skipped")
			continue
		}

		report.Evaluated++
		metrics.IncEvaluated()

		ok, reason := risk.Evaluate(order, prices, balances, now.Unix())
		if !ok {
			metrics.IncRejected(string(reason))
			log.Debug().Str("order", order.String()).Str("reason", string(reason)).Msg("Order not executable")
			continue
		}

		report.Eligible++
		metrics.IncEligible()
		log.Info().
			Str("order", order.String()).
			Str("type", order.Type.String()).
			Str("tip", order.TipFee.String()).
			Msg("🎯 ORDER EXECUTABLE")

		if e.submit(ctx, types.Execute(order.ID), order) {
			report.Submitted++
		}
	}
}

func (e *Engine) evaluateTrailing(ctx context.Context, book *feeds.OrderBook, report *TickReport) {
	if e.src.History == nil {
		return
	}
	now := e.now().Unix()
	for _, order := range book.Trailing() {
		if ctx.Err() != nil {
			return
		}
		if !e.trail.Due(order, now) {
			continue
		}

		candidates, err := e.src.History.Candidates(ctx, order)
		if err != nil {
			metrics.IncSourceError("reserves")
			log.Warn().Err(err).Uint64("order", order.ID).Msg("⚠️ Reserve history unavailable, trail skipped")
			continue
		}

		index, ok := e.trail.MaybeAdvanceTrail(order, candidates, now)
		if !ok {
			continue
		}

		log.Info().
			Uint64("order", order.ID).
			Uint64("from_index", order.Trailing.SnapshotLastUpdated).
			Uint64("to_index", index).
			Msg("🪝 Trail advance due")

		if e.submit(ctx, types.Poke(order.ID, index), order) {
			report.Pokes++
		}
	}
}

// submit sends one action unless paused or already in flight. It reports
// whether a submission was attempted.
func (e *Engine) submit(ctx context.Context, action types.Action, order types.Order) bool {
	key := action.Key()

	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		log.Info().Str("action", action.String()).Msg("⏸️ Paused, submission suppressed")
		return false
	}
	if e.inFlight[key] {
		e.mu.Unlock()
		log.Debug().Str("action", action.String()).Msg("Submission already in flight")
		return false
	}
	e.inFlight[key] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, key)
		e.mu.Unlock()
	}()

	var ceiling *big.Int
	if !e.cfg.AllowUnprofitable {
		ceiling = exec.CostCeiling(order.TipFee, e.cfg.TipGasFactor)
	}

	res, err := e.submitter.Submit(ctx, action, ceiling)
	if res == nil {
		log.Error().Err(err).Str("action", action.String()).Msg("❌ Submission returned no result")
		return true
	}
	e.observe(res, err, order)
	return true
}

// observe records an outcome in memory, the ledger, metrics and the notifier.
func (e *Engine) observe(res *exec.Result, submitErr error, order types.Order) {
	metrics.IncSubmission(res.Action.Kind.String(), res.Outcome.String())

	e.mu.Lock()
	if res.Action.Kind == types.ActionExecute {
		switch {
		case res.Outcome == types.OutcomeConfirmed:
			e.settled[res.Action.OrderID] = e.now()
			delete(e.attempts, res.Action.OrderID)
		case res.Outcome.Failed():
			e.attempts[res.Action.OrderID]++
		}
	}
	e.recent = append(e.recent, res)
	if len(e.recent) > recentResults {
		e.recent = e.recent[len(e.recent)-recentResults:]
	}
	notifier := e.notifier
	e.mu.Unlock()

	if e.ledger != nil {
		if err := e.ledger.Record(storage.AttemptFromResult(res, submitErr)); err != nil {
			log.Error().Err(err).Str("attempt", res.ID).Msg("Failed to record attempt")
		}
	}

	if errors.Is(submitErr, exec.ErrNotSent) || res.Outcome == types.OutcomeSkipped {
		return
	}
	if notifier != nil {
		notifier.NotifyOutcome(res, order)
	}
}

func (e *Engine) isSettled(orderID uint64, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.settled[orderID]
	if !ok {
		return false
	}
	if now.Sub(at) > settleGrace {
		delete(e.settled, orderID)
		return false
	}
	return true
}

// String renders the report for logs and Telegram.
func (r TickReport) String() string {
	return fmt.Sprintf("tick %d: %d orders (%d excluded), %d eligible, %d submitted, %d pokes",
		r.Tick, r.Orders, r.Excluded, r.Eligible, r.Submitted, r.Pokes)
}
