package scheduler

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Tick statuses recorded in polling_scheduler_ticks_total.
const (
	TickStatusOK      = "ok"
	TickStatusFailed  = "failed"
	TickStatusSkipped = "skipped"
)

// Metrics exposes Prometheus collectors that report scheduler activity.
type Metrics struct {
	ticks         *prometheus.CounterVec
	tickDuration  prometheus.Histogram
	outcomes      *prometheus.CounterVec
	dispatched    prometheus.Counter
	writeFailures *prometheus.CounterVec
	due           prometheus.Gauge
	lastTick      prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the metrics registered with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the scheduler collectors with reg. Collectors that
// are already registered are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ticks: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polling_scheduler",
			Name:      "ticks_total",
			Help:      "Ticks run, by status.",
		}, []string{"status"})),
		tickDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "polling_scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of a tick.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		})),
		outcomes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polling_scheduler",
			Name:      "trigger_outcomes_total",
			Help:      "Triggers processed, by resolution.",
		}, []string{"resolution"})),
		dispatched: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polling_scheduler",
			Name:      "events_dispatched_total",
			Help:      "Events posted to the event bus.",
		})),
		writeFailures: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polling_scheduler",
			Name:      "store_write_failures_total",
			Help:      "Trigger writes that failed, by intended resolution.",
		}, []string{"resolution"})),
		due: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "polling_scheduler",
			Name:      "due_triggers",
			Help:      "Triggers due in the most recent tick.",
		})),
		lastTick: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "polling_scheduler",
			Name:      "last_tick_timestamp_seconds",
			Help:      "T0 of the most recent completed tick.",
		})),
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

// ObserveTick records a completed tick.
func (m *Metrics) ObserveTick(summary TickSummary) {
	if m == nil {
		return
	}

	m.ticks.WithLabelValues(TickStatusOK).Inc()
	m.tickDuration.Observe(summary.Duration.Seconds())
	m.due.Set(float64(summary.Due))
	m.lastTick.Set(float64(summary.T0.Unix()))
	m.dispatched.Add(float64(summary.Triggered))

	for _, outcome := range summary.Outcomes {
		m.outcomes.WithLabelValues(string(outcome.Resolution)).Inc()
		if outcome.WriteErr != nil {
			m.writeFailures.WithLabelValues(string(outcome.Resolution)).Inc()
		}
	}
}

// IncTick counts a tick that did not complete normally.
func (m *Metrics) IncTick(status string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(status).Inc()
}
