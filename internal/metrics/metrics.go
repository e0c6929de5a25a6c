// Package metrics exposes decision-engine activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/mrt46/my-freqtrade/internal/engine"
	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "decision_engine"

// Recorder records engine results. Each Recorder owns its registry so
// several can coexist in one process.
type Recorder struct {
	registry *prometheus.Registry

	evaluations   *prometheus.CounterVec
	intents       *prometheus.CounterVec
	vetoes        *prometheus.CounterVec
	regimeChanges *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	weight        *prometheus.GaugeVec
	fitness       *prometheus.GaugeVec
	equity        prometheus.Gauge
	latency       *prometheus.HistogramVec
}

// New creates a recorder with Go runtime collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		evaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Decision cycles by outcome",
			},
			[]string{"pair", "outcome"},
		),
		intents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intents_total",
				Help:      "Trade intents emitted",
			},
			[]string{"pair", "strategy", "direction"},
		),
		vetoes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vetoes_total",
				Help:      "Risk vetoes by violated rule",
			},
			[]string{"pair", "rule"},
		),
		regimeChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "regime_changes_total",
				Help:      "Regime classifications that changed a tier",
			},
			[]string{"pair"},
		),
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outcomes_total",
				Help:      "Closed trades fed back into learning",
			},
			[]string{"pair", "strategy", "result"},
		),
		weight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "strategy_weight",
				Help:      "Adaptive weight per strategy",
			},
			[]string{"pair", "strategy"},
		),
		fitness: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "strategy_fitness",
				Help:      "Regime fitness per strategy",
			},
			[]string{"pair", "strategy"},
		),
		equity: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "account_equity",
				Help:      "Simulated account equity",
			},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluate_duration_seconds",
				Help:      "Time spent in one decision cycle",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"pair"},
		),
	}
}

// ObserveResult records one decision cycle.
func (r *Recorder) ObserveResult(res engine.Result, elapsed time.Duration) {
	r.evaluations.WithLabelValues(res.Pair, string(res.Outcome)).Inc()
	r.latency.WithLabelValues(res.Pair).Observe(elapsed.Seconds())
	if res.Outcome == engine.OutcomeNotReady {
		return
	}
	if res.RegimeChanged {
		r.regimeChanges.WithLabelValues(res.Pair).Inc()
	}
	for id, w := range res.Weights {
		r.weight.WithLabelValues(res.Pair, id.String()).Set(w)
	}
	for id, f := range res.Fitness {
		r.fitness.WithLabelValues(res.Pair, id.String()).Set(f)
	}
	if res.Intent != nil {
		r.intents.WithLabelValues(res.Pair, res.Intent.StrategyID.String(), string(res.Intent.Direction)).Inc()
	}
	if res.Veto != nil {
		for _, v := range res.Veto.Violations {
			r.vetoes.WithLabelValues(res.Pair, v.Rule).Inc()
		}
	}
}

// RecordOutcome counts a closed trade.
func (r *Recorder) RecordOutcome(trade types.ClosedTrade) {
	result := "loss"
	if trade.IsWin() {
		result = "win"
	}
	r.outcomes.WithLabelValues(trade.Pair, trade.StrategyID.String(), result).Inc()
}

// SetEquity records the simulated account equity.
func (r *Recorder) SetEquity(equity float64) {
	r.equity.Set(equity)
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
