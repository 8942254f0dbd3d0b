// Package metrics exposes Prometheus collectors for dispatch, queue, and
// node health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// InferenceLatency tracks end-to-end dispatch latency in seconds.
var InferenceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "herd",
	Name:      "inference_latency_seconds",
	Help:      "End-to-end inference dispatch duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"node", "prompt"})

// InferenceTokens counts tokens by direction (input/output).
var InferenceTokens = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "herd",
	Name:      "inference_tokens_total",
	Help:      "Total tokens processed.",
}, []string{"node", "direction"})

// TasksEnqueued counts enqueued dispatch tasks by required skill.
var TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "herd",
	Name:      "tasks_enqueued_total",
	Help:      "Total tasks enqueued.",
}, []string{"skill"})

// TasksTimedOut counts dispatch waits that expired before any worker
// claimed the task.
var TasksTimedOut = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "herd",
	Name:      "tasks_timed_out_total",
	Help:      "Total tasks whose waiter timed out.",
}, []string{"skill"})

// LateResultsDiscarded counts results posted after their waiter was gone.
var LateResultsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "herd",
	Name:      "late_results_discarded_total",
	Help:      "Total results discarded because no waiter remained.",
})

// QueueDepth tracks the number of tasks awaiting a claim.
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "herd",
	Name:      "queue_depth",
	Help:      "Number of tasks currently queued.",
})

// WorkersActive tracks the number of live workers.
var WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "herd",
	Name:      "workers_active",
	Help:      "Number of running node workers.",
})

// NodesOnline tracks nodes that answered their last refresh.
var NodesOnline = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "herd",
	Name:      "nodes_online",
	Help:      "Number of nodes currently online.",
})

// AuthDenied counts gate rejections by kind (path, prompt, quota).
var AuthDenied = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "herd",
	Name:      "auth_denied_total",
	Help:      "Total authorization denials.",
}, []string{"reason"})
