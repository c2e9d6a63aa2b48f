// Package metrics exports the core's runtime state to Prometheus and
// records a short rolling trace of allocation latencies for ad-hoc
// debugging, the ambient observability layer the distilled spec omits
// but a production memory-management core never ships without. Built
// around client_golang's registry (github.com/prometheus/client_golang,
// already a teacher dependency) and reuses accnt.Accnt_t (§4.A) for the
// fastpath/slowpath split it surfaces as two counters, plus
// circbuf.Ring for the recent-latency sample window a pprof profile
// alone can't give you (the last few allocations, in order, with exact
// durations).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/assembler-0/AeroSync-sub002/accnt"
	"github.com/assembler-0/AeroSync-sub002/circbuf"
)

/// Sample is one recorded allocation's outcome, the unit stored in the
/// recent-latency ring.
type Sample struct {
	Duration time.Duration
	Slowpath bool
}

/// Recorder accumulates allocator timing into both a Prometheus registry
/// and a bounded in-memory trace. One Recorder is meant to be shared by
/// every NUMA node's allocator instance; accnt.Accnt_t's own atomics
/// make FastAdd/SlowAdd safe to call from any of them concurrently.
type Recorder struct {
	acc *accnt.Accnt_t

	mu    chan struct{} // 1-buffered mutex so Push never blocks a concurrent Snapshot for long
	trace *circbuf.Ring[Sample]

	allocTotal     *prometheus.CounterVec
	allocLatency   prometheus.Histogram
	oomEvents      prometheus.Counter
	reclaimedPages prometheus.Counter
	slowFraction   prometheus.GaugeFunc
}

/// NewRecorder builds a Recorder and registers its collectors with reg.
/// traceDepth bounds how many recent samples Snapshot can return.
func NewRecorder(reg prometheus.Registerer, traceDepth int) *Recorder {
	acc := &accnt.Accnt_t{}
	r := &Recorder{
		acc:   acc,
		mu:    make(chan struct{}, 1),
		trace: circbuf.New[Sample](traceDepth),
		allocTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aerosync_mm_allocations_total",
			Help: "Page allocations served, partitioned by path.",
		}, []string{"path"}),
		allocLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aerosync_mm_allocation_latency_seconds",
			Help:    "Latency of AllocPages calls.",
			Buckets: prometheus.ExponentialBuckets(1e-9, 4, 12),
		}),
		oomEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aerosync_mm_oom_events_total",
			Help: "Times the allocator posted to oommsg.OomCh.",
		}),
		reclaimedPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aerosync_mm_reclaimed_pages_total",
			Help: "Pages freed by shrinkers across every Reclaim call.",
		}),
	}
	r.slowFraction = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "aerosync_mm_slowpath_fraction",
		Help: "Fraction of accounted allocation time spent on the direct-reclaim slowpath.",
	}, func() float64 { return r.acc.Fetch().SlowFraction() })

	reg.MustRegister(r.allocTotal, r.allocLatency, r.oomEvents, r.reclaimedPages, r.slowFraction)
	r.mu <- struct{}{}
	return r
}

/// RecordAlloc records one allocator call's outcome: it updates the
/// Prometheus counters/histogram, folds the latency into the
/// fastpath/slowpath accnt.Accnt_t split, and appends to the recent
/// trace.
func (r *Recorder) RecordAlloc(d time.Duration, slowpath bool) {
	path := "fast"
	if slowpath {
		path = "slow"
		r.acc.SlowAdd(d.Nanoseconds())
	} else {
		r.acc.FastAdd(d.Nanoseconds())
	}
	r.allocTotal.WithLabelValues(path).Inc()
	r.allocLatency.Observe(d.Seconds())

	<-r.mu
	r.trace.Push(Sample{Duration: d, Slowpath: slowpath})
	r.mu <- struct{}{}
}

/// RecordOOM increments the OOM-event counter, meant to be called from
/// whatever oommsg.OomCh listener a deployment wires up.
func (r *Recorder) RecordOOM() { r.oomEvents.Inc() }

/// RecordReclaimed adds pages to the reclaimed-pages counter, meant to
/// be called from a mem.Shrinker's Reclaim implementation.
func (r *Recorder) RecordReclaimed(pages uint64) { r.reclaimedPages.Add(float64(pages)) }

/// Snapshot returns the recent allocation trace, oldest first.
func (r *Recorder) Snapshot() []Sample {
	<-r.mu
	defer func() { r.mu <- struct{}{} }()
	return r.trace.Snapshot()
}

/// Accounting returns a point-in-time fastpath/slowpath snapshot.
func (r *Recorder) Accounting() accnt.Snapshot {
	return r.acc.Fetch()
}
