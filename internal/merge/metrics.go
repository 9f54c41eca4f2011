package merge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsTotal counts merge runs by outcome
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracemerge_runs_total",
		Help: "Total merge runs by status and reason",
	}, []string{"status", "reason"})

	// nodesTotal counts node edits by kind
	nodesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracemerge_nodes_total",
		Help: "Total map nodes created, merged and removed by merge runs",
	}, []string{"op"}) // "created", "merged" or "removed"

	// repairsTotal counts repair pass hits
	repairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracemerge_repairs_total",
		Help: "Total repairs applied after merging, by kind",
	}, []string{"kind"})

	// runDuration tracks end-to-end run latency
	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracemerge_run_duration_seconds",
		Help:    "Merge run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	})

	// pathEntries tracks the working set size per run
	pathEntries = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracemerge_path_entries",
		Help:    "Number of path entries considered per run",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})
)

func observe(res *Result, entries int) {
	reason := ""
	if res.Reason != nil {
		reason = reasonLabel(res.Reason)
	}
	runsTotal.WithLabelValues(string(res.Status), reason).Inc()
	nodesTotal.WithLabelValues("created").Add(float64(res.NodesCreated))
	nodesTotal.WithLabelValues("merged").Add(float64(res.NodesMerged))
	nodesTotal.WithLabelValues("removed").Add(float64(res.NodesRemoved))
	repairsTotal.WithLabelValues("loop").Add(float64(res.Repairs.Loops))
	repairsTotal.WithLabelValues("double_way").Add(float64(res.Repairs.DoubleWays))
	repairsTotal.WithLabelValues("parallel_lane").Add(float64(res.Repairs.ParallelLanes))
	repairsTotal.WithLabelValues("smoothed").Add(float64(res.Repairs.Smoothed))
	runDuration.Observe(res.Duration.Seconds())
	if entries > 0 {
		pathEntries.Observe(float64(entries))
	}
}
