// Package metrics defines the Prometheus collectors exported by the
// scheduler, the resource bridge and mailboxes.
//
// A nil *Metrics is valid and records nothing, so components take one as an
// optional dependency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "causality"

// Metrics holds every collector.
type Metrics struct {
	IntentsSubmitted prometheus.Counter
	IntentsFinished  *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	EffectsExecuted  *prometheus.CounterVec
	EffectDuration   *prometheus.HistogramVec
	Retries          *prometheus.CounterVec

	BridgeOps    *prometheus.CounterVec
	LocksHeld    prometheus.Gauge
	LockTimeouts prometheus.Counter

	Deposits *prometheus.CounterVec
	Refunds  prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		IntentsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_submitted_total",
			Help:      "Intents accepted by the scheduler.",
		}),
		IntentsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_finished_total",
			Help:      "Intents that reached a terminal state.",
		}, []string{"state"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_queue_depth",
			Help:      "Intents waiting for admission.",
		}),
		EffectsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "effects_executed_total",
			Help:      "Effects executed, by type and final status.",
		}, []string{"type", "status"}),
		EffectDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "effect_duration_seconds",
			Help:      "Wall time spent executing an effect.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried attempts, by operation.",
		}, []string{"operation"}),
		BridgeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "operations_total",
			Help:      "Bridge operations, by operation and outcome.",
		}, []string{"op", "outcome"}),
		LocksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "locks_held",
			Help:      "Cross-domain locks currently held.",
		}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "lock_timeouts_total",
			Help:      "Locks released because their timeout elapsed.",
		}),
		Deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailbox",
			Name:      "deposits_total",
			Help:      "Deposits received, by outcome.",
		}, []string{"outcome"}),
		Refunds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailbox",
			Name:      "refunds_total",
			Help:      "Rejected deposits refunded.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.IntentsSubmitted, m.IntentsFinished, m.QueueDepth,
		m.EffectsExecuted, m.EffectDuration, m.Retries,
		m.BridgeOps, m.LocksHeld, m.LockTimeouts,
		m.Deposits, m.Refunds,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) IntentSubmitted() {
	if m != nil {
		m.IntentsSubmitted.Inc()
	}
}

func (m *Metrics) IntentFinished(state string) {
	if m != nil {
		m.IntentsFinished.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) EffectExecuted(typ, status string, d time.Duration) {
	if m != nil {
		m.EffectsExecuted.WithLabelValues(typ, status).Inc()
		m.EffectDuration.WithLabelValues(typ).Observe(d.Seconds())
	}
}

func (m *Metrics) Retried(op string) {
	if m != nil {
		m.Retries.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) BridgeOp(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.BridgeOps.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) SetLocksHeld(n int) {
	if m != nil {
		m.LocksHeld.Set(float64(n))
	}
}

func (m *Metrics) LockTimedOut() {
	if m != nil {
		m.LockTimeouts.Inc()
	}
}

func (m *Metrics) Deposit(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.Deposits.WithLabelValues("accepted").Inc()
	} else {
		m.Deposits.WithLabelValues("rejected").Inc()
	}
}

func (m *Metrics) Refunded(n int) {
	if m != nil {
		m.Refunds.Add(float64(n))
	}
}
