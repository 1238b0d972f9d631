package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics agrupa os coletores do motor. Todos os métodos aceitam receiver nil,
// então componentes sem métricas não precisam de checagem.
type Metrics struct {
	IssueTotal       *prometheus.CounterVec   // path=sync|async, result=success|exhausted|duplicate|busy|invalid|error
	IssueLatencyMS   *prometheus.HistogramVec // path
	LockAcquireTotal *prometheus.CounterVec   // result=success|busy|error
	LockReleaseTotal *prometheus.CounterVec   // result=released|stale|error
	CompensateTotal  *prometheus.CounterVec   // result=success|failure|duplicate
	AsyncAccepted    *prometheus.CounterVec   // result=published|undeliverable
	ReservationTotal *prometheus.CounterVec   // result=opened|rejected|confirmed|compensated
	EventsDropped    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IssueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_issue_total",
				Help: "Issuance decisions by path and result",
			},
			[]string{"path", "result"},
		),
		IssueLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coupon_issue_latency_ms",
				Help:    "Latency of the grant algorithm (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"path"},
		),
		LockAcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_lock_acquire_total",
				Help: "Distributed lock acquisitions by result",
			},
			[]string{"result"},
		),
		LockReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_lock_release_total",
				Help: "Distributed lock releases by result",
			},
			[]string{"result"},
		),
		CompensateTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_compensation_total",
				Help: "Compensations by result",
			},
			[]string{"result"},
		),
		AsyncAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_async_accepted_total",
				Help: "Async requests accepted by intake, by publish result",
			},
			[]string{"result"},
		),
		ReservationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_reservation_total",
				Help: "Reservation transitions by result",
			},
			[]string{"result"},
		),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coupon_events_dropped_total",
			Help: "In-process events dropped because a handler buffer was full",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.IssueTotal,
			m.IssueLatencyMS,
			m.LockAcquireTotal,
			m.LockReleaseTotal,
			m.CompensateTotal,
			m.AsyncAccepted,
			m.ReservationTotal,
			m.EventsDropped,
		)
	}
	return m
}

func (m *Metrics) Issue(path, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.IssueTotal.WithLabelValues(path, result).Inc()
	m.IssueLatencyMS.WithLabelValues(path).Observe(float64(took.Microseconds()) / 1000)
}

func (m *Metrics) LockAcquire(result string) {
	if m == nil {
		return
	}
	m.LockAcquireTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) LockRelease(result string) {
	if m == nil {
		return
	}
	m.LockReleaseTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Compensate(result string) {
	if m == nil {
		return
	}
	m.CompensateTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Accepted(result string) {
	if m == nil {
		return
	}
	m.AsyncAccepted.WithLabelValues(result).Inc()
}

func (m *Metrics) Reservation(result string) {
	if m == nil {
		return
	}
	m.ReservationTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}
