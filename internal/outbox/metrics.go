package outbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/d60-Lab/clinic-booking/internal/model"
)

// Metrics 出站投递指标；nil 接收者上的方法均为空操作
type Metrics struct {
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
	backlog  *prometheus.GaugeVec
	lag      prometheus.Gauge
	ticks    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "outbox",
			Name:      "dispatch_total",
			Help:      "Outbox dispatch attempts by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "outbox",
			Name:      "effector_duration_seconds",
			Help:      "Effector call duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clinic",
			Subsystem: "outbox",
			Name:      "events",
			Help:      "Outbox events by status.",
		}, []string{"status"}),
		lag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clinic",
			Subsystem: "outbox",
			Name:      "oldest_due_age_seconds",
			Help:      "Age of the oldest due pending event.",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "outbox",
			Name:      "ticks_total",
			Help:      "Dispatcher ticks.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.duration, m.backlog, m.lag, m.ticks)
	}
	return m
}

func (m *Metrics) observeOutcome(eventType string, o Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(eventType, string(o)).Inc()
}

func (m *Metrics) observeEffector(eventType string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(eventType).Observe(d.Seconds())
}

func (m *Metrics) observeTick() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

func (m *Metrics) observeBacklog(counts map[model.EventStatus]int64, oldest *time.Time, now time.Time) {
	if m == nil {
		return
	}
	for _, s := range []model.EventStatus{model.EventPending, model.EventProcessed, model.EventFailed} {
		m.backlog.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	if oldest == nil {
		m.lag.Set(0)
		return
	}
	m.lag.Set(now.Sub(*oldest).Seconds())
}
