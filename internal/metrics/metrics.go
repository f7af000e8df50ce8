// Package metrics exposes orchestrator activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"workflow-orchestrator/pkg/models"
)

// Collector owns a private registry and records runner, approval, recovery
// and scheduler activity.
type Collector struct {
	registry *prometheus.Registry

	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	stepsTotal   *prometheus.CounterVec
	approvals    *prometheus.CounterVec
	processed    *prometheus.CounterVec
	recoveries   *prometheus.CounterVec
	ticksTotal   prometheus.Counter
	tickDue      prometheus.Counter
	tickFailed   prometheus.Counter
	tickDuration prometheus.Histogram
}

// NewCollector creates a collector under namespace, "orchestrator" when empty.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "orchestrator"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "runs_total",
			Help:      "Workflow runs by terminal status",
		},
		[]string{"status"},
	)
	c.runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a workflow run",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		},
		[]string{"status"},
	)
	c.stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "steps_total",
			Help:      "Executed steps by type and result status",
		},
		[]string{"type", "status"},
	)
	c.approvals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "enqueued_total",
			Help:      "Actions placed in the approval queue",
		},
		[]string{"action_type"},
	)
	c.processed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "processed_total",
			Help:      "Approval decisions by outcome",
		},
		[]string{"status"},
	)
	c.recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Recovery attempts by outcome",
		},
		[]string{"outcome"},
	)
	c.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Scheduler polling passes",
	})
	c.tickDue = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "due_total",
		Help:      "Workflows found due across all ticks",
	})
	c.tickFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "failed_total",
		Help:      "Scheduled runs that failed to execute",
	})
	c.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Wall time of a scheduler tick",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	c.registry.MustRegister(
		c.runsTotal,
		c.runDuration,
		c.stepsTotal,
		c.approvals,
		c.processed,
		c.recoveries,
		c.ticksTotal,
		c.tickDue,
		c.tickFailed,
		c.tickDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RunFinished records a finished run.
func (c *Collector) RunFinished(status models.RunStatus, duration time.Duration) {
	c.runsTotal.WithLabelValues(string(status)).Inc()
	c.runDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// StepExecuted records a dispatched step.
func (c *Collector) StepExecuted(stepType models.StepType, status models.StepStatus) {
	c.stepsTotal.WithLabelValues(string(stepType), string(status)).Inc()
}

// ApprovalEnqueued records a new pending action.
func (c *Collector) ApprovalEnqueued(actionType string) {
	c.approvals.WithLabelValues(actionType).Inc()
}

// ApprovalProcessed records an approve or reject that won its transition.
func (c *Collector) ApprovalProcessed(status models.ActionStatus) {
	c.processed.WithLabelValues(string(status)).Inc()
}

// RecoveryAttempted records one AttemptRetry outcome.
func (c *Collector) RecoveryAttempted(outcome models.RecoveryStatus) {
	c.recoveries.WithLabelValues(string(outcome)).Inc()
}

// TickCompleted records a scheduler pass.
func (c *Collector) TickCompleted(due, failed int, duration time.Duration) {
	c.ticksTotal.Inc()
	c.tickDue.Add(float64(due))
	c.tickFailed.Add(float64(failed))
	c.tickDuration.Observe(duration.Seconds())
}
