package infer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PerfStatistic aggregates latency of one pipeline stage, in
// milliseconds per logical item.
type PerfStatistic struct {
	Total float64
	Count int64
	Min   float64
	Max   float64
}

// Avg returns the mean per-item latency.
func (p PerfStatistic) Avg() float64 {
	if p.Count == 0 {
		return 0
	}
	return p.Total / float64(p.Count)
}

// perfRecorder accumulates per-stage statistics for one session.
type perfRecorder struct {
	mu    sync.Mutex
	stats map[string]PerfStatistic
}

func newPerfRecorder() *perfRecorder {
	return &perfRecorder{stats: make(map[string]PerfStatistic)}
}

// record folds one finished request's stage timings in. units is the
// request's logical item count.
func (r *perfRecorder) record(perf map[string]float64, units int) {
	if len(perf) == 0 || units <= 0 {
		return
	}
	r.mu.Lock()
	for name, ms := range perf {
		perUnit := ms / float64(units)
		st := r.stats[name]
		if st.Count == 0 || perUnit < st.Min {
			st.Min = perUnit
		}
		if perUnit > st.Max {
			st.Max = perUnit
		}
		st.Total += ms
		st.Count += int64(units)
		r.stats[name] = st
		metricStageLatency.WithLabelValues(name).Observe(perUnit)
	}
	r.mu.Unlock()
}

func (r *perfRecorder) snapshot() map[string]PerfStatistic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]PerfStatistic, len(r.stats))
	for name, st := range r.stats {
		out[name] = st
	}
	return out
}

// Prometheus collectors. Recording is always on and cheap; exposing
// them is the caller's choice through RegisterMetrics.
var (
	metricQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "infer_cache_queue_depth",
		Help: "Ready packages waiting in the executor cache.",
	}, []string{"executor"})

	metricBatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "infer_batches_total",
		Help: "Batches dispatched to engines.",
	}, []string{"executor"})

	metricBatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "infer_batch_size",
		Help:    "Items per dispatched batch.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	}, []string{"executor"})

	metricPoolSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "infer_pool_workers",
		Help: "Worker threads in the device pool.",
	}, []string{"device"})

	metricStageLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "infer_stage_latency_ms",
		Help:    "Per-item stage latency in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})
)

// RegisterMetrics adds the runtime's collectors to reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		metricQueueDepth, metricBatchesTotal, metricBatchSize,
		metricPoolSize, metricStageLatency,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
