// Package metrics exposes the frame loop's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "shoal"

// Wait kinds observed by FenceWait.
const (
	WaitCompute = "compute"
	WaitRender  = "render"
	WaitImage   = "image"
	WaitAcquire = "acquire"
	WaitDrain   = "drain"
)

// Frame holds the collectors of one frame loop.
type Frame struct {
	// Ticks counts completed ticks.
	Ticks prometheus.Counter
	// Errors counts fatal loop errors by kind.
	Errors *prometheus.CounterVec
	// TickSeconds is the host time spent in one tick.
	TickSeconds prometheus.Histogram
	// WaitSeconds is the host time blocked per wait kind.
	WaitSeconds *prometheus.HistogramVec
	// State is 1 for the current loop state and 0 for the others.
	State *prometheus.GaugeVec
	// Agents is the simulated population.
	Agents prometheus.Gauge
	// Reloads counts tunables reloads by result.
	Reloads *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg uses a private registry,
// so tests and embedded runs never collide on the default one.
func New(reg prometheus.Registerer) *Frame {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Frame{
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ticks_total",
			Help:      "Completed simulation ticks",
		}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Fatal frame loop errors by kind",
		}, []string{"kind"}),
		TickSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "tick_seconds",
			Help:      "Host time spent in one tick",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		WaitSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "wait_seconds",
			Help:      "Host time blocked on fences and image acquisition",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"kind"}),
		State: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "state",
			Help:      "Current frame loop state",
		}, []string{"state"}),
		Agents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "agents",
			Help:      "Simulated agents",
		}),
		Reloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tunables_reloads_total",
			Help:      "Tunables file reloads by result",
		}, []string{"result"}),
	}
}

// ObserveWait records a blocking wait that started at start.
func (f *Frame) ObserveWait(kind string, start time.Time) {
	if f == nil {
		return
	}
	f.WaitSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// ObserveTick records one completed tick that started at start.
func (f *Frame) ObserveTick(start time.Time) {
	if f == nil {
		return
	}
	f.Ticks.Inc()
	f.TickSeconds.Observe(time.Since(start).Seconds())
}

// SetState marks to as the current state and clears from.
func (f *Frame) SetState(from, to string) {
	if f == nil {
		return
	}
	if from != "" {
		f.State.WithLabelValues(from).Set(0)
	}
	f.State.WithLabelValues(to).Set(1)
}

// Error counts a fatal error of the given kind.
func (f *Frame) Error(kind string) {
	if f == nil {
		return
	}
	f.Errors.WithLabelValues(kind).Inc()
}

// Reload counts a tunables reload; ok is false when the file was rejected.
func (f *Frame) Reload(ok bool) {
	if f == nil {
		return
	}
	result := "applied"
	if !ok {
		result = "rejected"
	}
	f.Reloads.WithLabelValues(result).Inc()
}
