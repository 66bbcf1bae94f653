// Package metrics exposes keeper counters for Prometheus:
//
//	keeper_ticks_total                      - control-loop ticks run
//	keeper_orders_evaluated_total           - orders run through the eligibility gate
//	keeper_orders_eligible_total            - orders that passed the gate
//	keeper_orders_rejected_total{reason}    - orders rejected, by first failing rule
//	keeper_submissions_total{action,outcome} - submission attempts by terminal outcome
//	keeper_source_errors_total{source}      - failed data-source refreshes
//	keeper_gas_multiplier                   - current gas escalation multiplier
//
// Collectors are registered in init() and served by Serve at /metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	ticks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_ticks_total",
			Help: "Control-loop ticks run",
		},
	)

	ordersEvaluated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_orders_evaluated_total",
			Help: "Orders run through the eligibility gate",
		},
	)

	ordersEligible = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_orders_eligible_total",
			Help: "Orders that passed the eligibility gate",
		},
	)

	ordersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_orders_rejected_total",
			Help: "Orders rejected by the eligibility gate, by rule",
		},
		[]string{"reason"},
	)

	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_submissions_total",
			Help: "Submission attempts by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	sourceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_source_errors_total",
			Help: "Failed data-source refreshes",
		},
		[]string{"source"}, // assets|prices|orders|balances|reserves
	)

	gasMultiplier = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_gas_multiplier",
			Help: "Current gas price escalation multiplier",
		},
	)
)

func init() {
	prometheus.MustRegister(ticks, ordersEvaluated, ordersEligible, ordersRejected)
	prometheus.MustRegister(submissions, sourceErrors, gasMultiplier)
}

func IncTick()                     { ticks.Inc() }
func IncEvaluated()                { ordersEvaluated.Inc() }
func IncEligible()                 { ordersEligible.Inc() }
func IncRejected(reason string)    { ordersRejected.WithLabelValues(reason).Inc() }
func IncSourceError(source string) { sourceErrors.WithLabelValues(source).Inc() }
func SetGasMultiplier(m float64)   { gasMultiplier.Set(m) }

func IncSubmission(action, outcome string) {
	submissions.WithLabelValues(action, outcome).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("📊 Serving metrics on /metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Metrics server stopped")
	}
}
