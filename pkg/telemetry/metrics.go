package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the rotation orchestrator.
// A nil *Metrics, or one built with metrics disabled, records nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram
	dueItems      *prometheus.GaugeVec

	// Task metrics
	taskOutcomes     *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	stateTransitions *prometheus.CounterVec
	injectRetries    prometheus.Counter
	leaseContention  prometheus.Counter

	// Breaker metrics
	breakerState *prometheus.GaugeVec

	// Oracle metrics
	oracleCalls  *prometheus.CounterVec
	oracleSpend  prometheus.Counter
	budgetRemain prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of scheduler runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of scheduler runs in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
		),
		dueItems: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "due_items",
				Help:      "Items selected for rotation in the last run",
			},
			[]string{"reason"},
		),
		taskOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_outcomes_total",
				Help:      "Rotation task outcomes by final state and reason",
			},
			[]string{"platform", "state", "reason"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of rotation tasks in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"platform"},
		),
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Coordinator state transitions",
			},
			[]string{"from", "to"},
		),
		injectRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "injection_retries_total",
				Help:      "Secrets store writes retried after a failure",
			},
		),
		leaseContention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_busy_total",
				Help:      "Tasks skipped because the item lease was held elsewhere",
			},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per platform (0=closed, 1=half_open, 2=open)",
			},
			[]string{"platform"},
		),
		oracleCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oracle_decisions_total",
				Help:      "Decision oracle answers by kind and source",
			},
			[]string{"kind", "source"},
		),
		oracleSpend: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oracle_spend_usd_total",
				Help:      "Cost recorded against the oracle budget in USD",
			},
		),
		budgetRemain: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "oracle_budget_remaining_usd",
				Help:      "Remaining oracle budget for the current period",
			},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.dueItems,
		m.taskOutcomes,
		m.taskDuration,
		m.stateTransitions,
		m.injectRetries,
		m.leaseContention,
		m.breakerState,
		m.oracleCalls,
		m.oracleSpend,
		m.budgetRemain,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// SetDueItems records how many items of each reason were selected.
func (m *Metrics) SetDueItems(reason string, count int) {
	if !m.enabled() {
		return
	}
	m.dueItems.WithLabelValues(reason).Set(float64(count))
}

// RecordTaskOutcome records the terminal state of a rotation task.
func (m *Metrics) RecordTaskOutcome(platform, state, reason string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.taskOutcomes.WithLabelValues(platform, state, reason).Inc()
	m.taskDuration.WithLabelValues(platform).Observe(duration.Seconds())
}

// RecordTransition records a coordinator state change.
func (m *Metrics) RecordTransition(from, to string) {
	if !m.enabled() {
		return
	}
	m.stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordInjectionRetry counts a retried secrets store write.
func (m *Metrics) RecordInjectionRetry() {
	if !m.enabled() {
		return
	}
	m.injectRetries.Inc()
}

// RecordLeaseBusy counts a task skipped on lease contention.
func (m *Metrics) RecordLeaseBusy() {
	if !m.enabled() {
		return
	}
	m.leaseContention.Inc()
}

// SetBreakerState exports a breaker state; value follows the gauge help text.
func (m *Metrics) SetBreakerState(platform string, value float64) {
	if !m.enabled() {
		return
	}
	m.breakerState.WithLabelValues(platform).Set(value)
}

// RecordOracleDecision counts an oracle answer. source is "oracle", "cache" or "fallback".
func (m *Metrics) RecordOracleDecision(kind, source string, costUSD float64) {
	if !m.enabled() {
		return
	}
	m.oracleCalls.WithLabelValues(kind, source).Inc()
	if costUSD > 0 {
		m.oracleSpend.Add(costUSD)
	}
}

// SetBudgetRemaining exports the remaining oracle budget.
func (m *Metrics) SetBudgetRemaining(usd float64) {
	if !m.enabled() {
		return
	}
	m.budgetRemain.Set(usd)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes metrics over HTTP until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, logger *Logger) error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return nil
}
