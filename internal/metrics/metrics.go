package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder exposes reconciliation and upstream metrics. A nil *Recorder is a
// no-op so callers never need to check whether metrics are enabled.
type Recorder struct {
	requests      *prometheus.CounterVec
	retries       *prometheus.CounterVec
	skippedChunks *prometheus.CounterVec
	periods       *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	lastRun       prometheus.Gauge
}

// NewRecorder registers the collectors on reg, or on the default registerer
// when reg is nil. Collectors that are already registered are reused.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curtail_upstream_requests_total",
			Help: "Upstream API requests by endpoint and outcome",
		}, []string{"endpoint", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curtail_upstream_retries_total",
			Help: "Upstream API requests retried after rate limiting",
		}, []string{"endpoint"}),
		skippedChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curtail_upstream_skipped_chunks_total",
			Help: "Fetch chunks dropped after exhausting retries",
		}, []string{"endpoint"}),
		periods: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curtail_periods_total",
			Help: "Settlement periods processed by outcome",
		}, []string{"unit", "outcome"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curtail_alerts_total",
			Help: "Alerts sent by kind",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "curtail_reconcile_duration_seconds",
			Help:    "Wall time of a unit reconciliation including fetches",
			Buckets: prometheus.DefBuckets,
		}, []string{"unit"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curtail_last_window_timestamp_seconds",
			Help: "End of the most recently reconciled window",
		}),
	}

	var err error
	if r.requests, err = register(reg, r.requests); err != nil {
		return nil, err
	}
	if r.retries, err = register(reg, r.retries); err != nil {
		return nil, err
	}
	if r.skippedChunks, err = register(reg, r.skippedChunks); err != nil {
		return nil, err
	}
	if r.periods, err = register(reg, r.periods); err != nil {
		return nil, err
	}
	if r.alerts, err = register(reg, r.alerts); err != nil {
		return nil, err
	}
	if r.duration, err = register(reg, r.duration); err != nil {
		return nil, err
	}
	if r.lastRun, err = register(reg, r.lastRun); err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// UpstreamRequest counts one upstream request.
func (r *Recorder) UpstreamRequest(endpoint, status string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(endpoint, status).Inc()
}

// UpstreamRetry counts one retried upstream request.
func (r *Recorder) UpstreamRetry(endpoint string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(endpoint).Inc()
}

// ChunkSkipped counts one fetch chunk that was dropped.
func (r *Recorder) ChunkSkipped(endpoint string) {
	if r == nil {
		return
	}
	r.skippedChunks.WithLabelValues(endpoint).Inc()
}

// PeriodsPriced records how many periods of a unit were priced and skipped.
func (r *Recorder) PeriodsPriced(unit string, priced, skipped int) {
	if r == nil {
		return
	}
	r.periods.WithLabelValues(unit, "priced").Add(float64(priced))
	r.periods.WithLabelValues(unit, "skipped").Add(float64(skipped))
}

// AlertSent counts one delivered alert.
func (r *Recorder) AlertSent(kind string) {
	if r == nil {
		return
	}
	r.alerts.WithLabelValues(kind).Inc()
}

// ObserveReconcile records the duration of one unit reconciliation.
func (r *Recorder) ObserveReconcile(unit string, d time.Duration) {
	if r == nil {
		return
	}
	r.duration.WithLabelValues(unit).Observe(d.Seconds())
}

// WindowCompleted records the end of the latest reconciled window.
func (r *Recorder) WindowCompleted(end time.Time) {
	if r == nil {
		return
	}
	r.lastRun.Set(float64(end.Unix()))
}
