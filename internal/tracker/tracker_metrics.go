package tracker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the tracker subsystem.
type Metrics struct {
	TicksTotal         *prometheus.CounterVec
	TickDuration       prometheus.Histogram
	TickScanned        prometheus.Gauge
	TickConflicts      prometheus.Counter
	EventsTotal        *prometheus.CounterVec
	EscalationsTotal   *prometheus.CounterVec
	PublishErrorsTotal *prometheus.CounterVec
	PolicyErrorsTotal  *prometheus.CounterVec
	TransitionsTotal   *prometheus.CounterVec
	CreatedTotal       *prometheus.CounterVec
}

// NewMetrics registers and returns tracker metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erwatch_ticks_total",
			Help: "Total ticker passes by result.",
		}, []string{"result"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "erwatch_tick_duration_seconds",
			Help:    "Duration of ticker passes in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms .. ~8s
		}),
		TickScanned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "erwatch_tick_open_requests",
			Help: "Open requests scanned by the most recent tick.",
		}),
		TickConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "erwatch_tick_conflicts_total",
			Help: "SLA state updates lost to a concurrent writer.",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erwatch_sla_events_total",
			Help: "SLA events emitted by type and priority.",
		}, []string{"type", "priority"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erwatch_escalations_total",
			Help: "Escalations emitted by target.",
		}, []string{"target"}),
		PublishErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erwatch_publish_errors_total",
			Help: "SLA events that failed to publish, by type.",
		}, []string{"type"}),
		PolicyErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erwatch_policy_errors_total",
			Help: "Requests skipped by the ticker because no usable policy was configured.",
		}, []string{"request_type", "priority"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erwatch_transitions_total",
			Help: "Request lifecycle transitions.",
		}, []string{"from", "to"}),
		CreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erwatch_requests_created_total",
			Help: "Requests created by type and priority.",
		}, []string{"request_type", "priority"}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.TickDuration,
		m.TickScanned,
		m.TickConflicts,
		m.EventsTotal,
		m.EscalationsTotal,
		m.PublishErrorsTotal,
		m.PolicyErrorsTotal,
		m.TransitionsTotal,
		m.CreatedTotal,
	)

	return m
}

// Hooks returns Hooks that increment the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnTick: func(rep TickReport, d time.Duration) {
			result := "ok"
			if rep.PolicyErrors+rep.StoreErrors > 0 {
				result = "error"
			}
			m.TicksTotal.WithLabelValues(result).Inc()
			m.TickDuration.Observe(d.Seconds())
			m.TickScanned.Set(float64(rep.Scanned))
			m.TickConflicts.Add(float64(rep.Conflicts))
		},
		OnEvent: func(ev Event) {
			m.EventsTotal.WithLabelValues(string(ev.Type), string(ev.Priority)).Inc()
			if ev.Type == EventSLAEscalated {
				m.EscalationsTotal.WithLabelValues(ev.Target).Inc()
			}
		},
		OnPublishErr: func(ev Event) {
			m.PublishErrorsTotal.WithLabelValues(string(ev.Type)).Inc()
		},
		OnPolicyError: func(r *Request) {
			m.PolicyErrorsTotal.WithLabelValues(string(r.RequestType), string(r.Priority)).Inc()
		},
		OnTransition: func(from, to Status) {
			m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		},
		OnCreate: func(r *Request) {
			m.CreatedTotal.WithLabelValues(string(r.RequestType), string(r.Priority)).Inc()
		},
	}
}
