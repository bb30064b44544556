package flowcache

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// hit/error labels use an adapter-agnostic vocabulary: mem/adapter/executor
// rather than naming a specific backing store.
const (
	hitLabelMemory   = "mem"
	hitLabelAdapter  = "adapter"
	hitLabelExecutor = "executor"

	errLabelSet        = "set"
	errLabelTouch      = "touch"
	errLabelInvalidate = "invalidate"
	errLabelRefresh    = "refresh"
	errLabelDrainQueue = "drain_queue"
)

var latencyBuckets = []float64{1, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

// MetricSet is the Prometheus surface registered once per Cache instance.
type MetricSet struct {
	Hit     *prometheus.CounterVec
	Latency *prometheus.HistogramVec
	Error   *prometheus.CounterVec

	registerer prometheus.Registerer
}

// newMetricSet builds and registers a MetricSet under appName. Registration
// is skipped entirely when enabled is false.
func newMetricSet(appName string, registerer prometheus.Registerer, enabled bool) (*MetricSet, error) {
	ms := &MetricSet{
		Hit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_flowcache_hit_total", appName),
			Help: "cache hits by origin: mem, adapter, executor",
		}, []string{"hit"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_flowcache_latency_ms", appName),
			Help:    "cache read latency in ms by origin",
			Buckets: latencyBuckets,
		}, []string{"hit"}),
		Error: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_flowcache_error_total", appName),
			Help: "internal errors by stage",
		}, []string{"when"}),
		registerer: registerer,
	}
	if !enabled {
		return ms, nil
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
		ms.registerer = registerer
	}
	if err := registerer.Register(ms.Hit); err != nil {
		return nil, err
	}
	if err := registerer.Register(ms.Latency); err != nil {
		return nil, err
	}
	if err := registerer.Register(ms.Error); err != nil {
		return nil, err
	}
	return ms, nil
}

func (m *MetricSet) recordLatency(label string, startedAt int64) {
	m.Latency.WithLabelValues(label).Observe(float64(getNow().UnixMilli() - startedAt))
}

// unregister removes all three collectors. Called from Cache.Close.
func (m *MetricSet) unregister() {
	if m.registerer == nil {
		return
	}
	m.registerer.Unregister(m.Hit)
	m.registerer.Unregister(m.Latency)
	m.registerer.Unregister(m.Error)
}
