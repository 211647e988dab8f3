package ramlog

import "github.com/prometheus/client_golang/prometheus"

// Metrics is an explicit value threaded through every constructor rather
// than a package of global counters. The hot-path fields of Segment
// (liveBytes, entryCounts, appendedLength, committedLength) stay plain
// sync/atomic fields; these collectors are updated from cold points
// -- segment state transitions and cleaner pass boundaries -- with one
// exception: TotalBytesFreed is added to on every Log.Free call.
type Metrics struct {
	TotalBytesFreed        prometheus.Counter
	TotalSegmentsCompacted prometheus.Counter
	TotalSegmentsCleaned   prometheus.Counter
	TotalRelocationFailures prometheus.Counter
	CleanerPassDuration    prometheus.Histogram

	SegmentsByState  *prometheus.GaugeVec
	SegletsGeneral   prometheus.Gauge
	SegletsReserve   prometheus.Gauge
}

// NewMetrics builds the collectors and registers them into reg. reg must
// not be nil; callers that don't care about metrics export should pass
// prometheus.NewRegistry() and discard it.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		TotalBytesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ramlog_bytes_freed_total",
			Help: "Cumulative bytes reclaimed by free() across all segments.",
		}),
		TotalSegmentsCompacted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ramlog_segments_compacted_total",
			Help: "Cumulative count of memory-compaction passes completed.",
		}),
		TotalSegmentsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ramlog_segments_cleaned_total",
			Help: "Cumulative count of segments freed by disk cleaning.",
		}),
		TotalRelocationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ramlog_relocation_failures_total",
			Help: "Cumulative count of survivor-full relocation failures.",
		}),
		CleanerPassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ramlog_cleaner_pass_duration_seconds",
			Help:    "Wall-clock duration of one cleaner pass (compaction or disk cleaning).",
			Buckets: prometheus.DefBuckets,
		}),
		SegmentsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ramlog_segments",
			Help: "Current segment count by lifecycle state.",
		}, []string{"state"}),
		SegletsGeneral: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ramlog_seglets_general_pool",
			Help: "Seglets currently sitting in the general allocator pool.",
		}),
		SegletsReserve: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ramlog_seglets_reserve_pool",
			Help: "Seglets currently held back in the survivor reserve.",
		}),
	}
	reg.MustRegister(
		m.TotalBytesFreed,
		m.TotalSegmentsCompacted,
		m.TotalSegmentsCleaned,
		m.TotalRelocationFailures,
		m.CleanerPassDuration,
		m.SegmentsByState,
		m.SegletsGeneral,
		m.SegletsReserve,
	)
	return m
}

func (m *Metrics) observeSegletPools(a *SegletAllocator) {
	general, reserve := a.Stats()
	m.SegletsGeneral.Set(float64(general))
	m.SegletsReserve.Set(float64(reserve))
}
