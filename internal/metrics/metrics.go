package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the attendance collectors. A nil *Metrics records nothing.
type Metrics struct {
	checkIns        *prometheus.CounterVec
	checkOuts       *prometheus.CounterVec
	sweeps          *prometheus.CounterVec
	sweptSessions   prometheus.Counter
	integrityAlarms prometheus.Counter
	httpDuration    *prometheus.HistogramVec
	reg             prometheus.Registerer
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		checkIns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "library_checkins_total",
			Help: "Check-in attempts by result.",
		}, []string{"result"}),
		checkOuts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "library_checkouts_total",
			Help: "Closed sessions by who closed them (member, admin, sweep).",
		}, []string{"kind"}),
		sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "library_sweeps_total",
			Help: "Period-boundary sweep runs by outcome.",
		}, []string{"outcome"}),
		sweptSessions: f.NewCounter(prometheus.CounterOpts{
			Name: "library_swept_sessions_total",
			Help: "Sessions closed by period-boundary sweeps.",
		}),
		integrityAlarms: f.NewCounter(prometheus.CounterOpts{
			Name: "library_integrity_alarms_total",
			Help: "Detected violations of the one-open-session invariant.",
		}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "library_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
}

// RegisterPresence exposes the live presence count, read from count on each scrape.
func (m *Metrics) RegisterPresence(count func(ctx context.Context) (int, error)) {
	if m == nil {
		return
	}
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "library_present_members",
		Help: "Members currently checked in.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := count(ctx)
		if err != nil {
			return -1
		}
		return float64(n)
	})
}

// CheckIn counts a check-in attempt by result (ok, already_checked_in, ...).
func (m *Metrics) CheckIn(result string) {
	if m == nil {
		return
	}
	m.checkIns.WithLabelValues(result).Inc()
}

// CheckOut counts a closed session by kind: member, admin or sweep.
func (m *Metrics) CheckOut(kind string) {
	if m == nil {
		return
	}
	m.checkOuts.WithLabelValues(kind).Inc()
}

// Sweep counts a sweep outcome and adds closed to the swept-sessions total.
func (m *Metrics) Sweep(outcome string, closed int) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(outcome).Inc()
	if closed > 0 {
		m.sweptSessions.Add(float64(closed))
	}
}

// IntegrityAlarm counts a detected duplicate open session.
func (m *Metrics) IntegrityAlarm() {
	if m == nil {
		return
	}
	m.integrityAlarms.Inc()
}

// ObserveHTTP records request latency per route template.
func (m *Metrics) ObserveHTTP(route, method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(route, method, status).Observe(d.Seconds())
}
