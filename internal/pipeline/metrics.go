package pipeline

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is an explicit, non-singleton Prometheus registry for one
// Runner. A nil *Metrics is valid everywhere it's used — the recording
// methods are no-ops on a nil receiver and Handler falls back to the
// default Prometheus registry, so wiring metrics is opt-in.
type Metrics struct {
	registry          *prometheus.Registry
	stageDuration     *prometheus.HistogramVec
	toolCalls         *prometheus.CounterVec
	watcherRevisions  prometheus.Counter
}

// NewMetrics builds a fresh registry and its histogram and counters. Call once per
// Runner and pass it via Config.Metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reasonflow",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Wall-clock duration of each pipeline stage call.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	toolCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reasonflow",
		Subsystem: "toolloop",
		Name:      "tool_calls_total",
		Help:      "Count of tool invocations dispatched by the tool loop, by tool name.",
	}, []string{"tool"})

	watcherRevisions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reasonflow",
		Subsystem: "watcher",
		Name:      "plan_revisions_total",
		Help:      "Count of live-plan revisions the watcher applied.",
	})

	registry.MustRegister(stageDuration, toolCalls, watcherRevisions)

	return &Metrics{
		registry:         registry,
		stageDuration:    stageDuration,
		toolCalls:        toolCalls,
		watcherRevisions: watcherRevisions,
	}
}

// Handler exposes the registry for an optional -metrics-addr HTTP server.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// IncToolCall records one tool dispatch. toolloop.Engine has no metrics
// hook itself, so the Runner's bridge wrapper (meteredBridge in pipeline.go)
// calls this around every Bridge.Call.
func (m *Metrics) IncToolCall(tool string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool).Inc()
}

// IncWatcherRevision records one applied watcher plan revision.
func (m *Metrics) IncWatcherRevision() {
	if m == nil {
		return
	}
	m.watcherRevisions.Inc()
}
