// Package metrics exposes the statistics named in the scheduler, cluster,
// service manager and load balancer designs as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics: total schedules, context switches, per-CPU
	// load, ready-queue length, average wait time, starvation count,
	// load-balance operation count.
	SchedulesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dslos_scheduler_schedules_total",
		Help: "Total number of scheduling decisions made.",
	})
	ContextSwitchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dslos_scheduler_context_switches_total",
		Help: "Total number of context switches performed.",
	})
	CPULoad = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dslos_scheduler_cpu_load",
		Help: "Per-CPU load EMA, 0-100.",
	}, []string{"cpu"})
	ReadyQueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dslos_scheduler_ready_queue_length",
		Help: "Per-CPU ready queue depth.",
	}, []string{"cpu"})
	AverageWaitSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dslos_scheduler_average_wait_seconds",
		Help: "Average time a runnable spends Ready before being picked.",
	})
	StarvationTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dslos_scheduler_starvation_total",
		Help: "Total number of detected starvation events (Adaptive algorithm).",
	})
	LoadBalanceOpsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dslos_scheduler_load_balance_ops_total",
		Help: "Total number of cross-CPU runnable migrations.",
	})

	// Cluster membership metrics.
	NodesTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dslos_cluster_nodes_total",
		Help: "Total number of nodes by type and state.",
	}, []string{"type", "state"})
	ClusterTerm = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dslos_cluster_term",
		Help: "Current leadership term.",
	})
	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dslos_cluster_is_leader",
		Help: "Whether this node is the current leader (1) or not (0).",
	})
	HeartbeatsSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dslos_cluster_heartbeats_sent_total",
		Help: "Total number of heartbeats sent to the leader.",
	})
	HeartbeatsMissedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dslos_cluster_heartbeats_missed_total",
		Help: "Total number of heartbeat delivery failures.",
	})
	ElectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dslos_cluster_elections_total",
		Help: "Total number of master elections triggered.",
	})

	// Service manager metrics.
	ServicesTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dslos_services_total",
		Help: "Total number of services by state.",
	}, []string{"state"})
	ReplicasTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dslos_replicas_total",
		Help: "Total number of replicas by health.",
	}, []string{"health"})
	PlacementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dslos_placement_duration_seconds",
		Help:    "Time taken to place a replica.",
		Buckets: prometheus.DefBuckets,
	})
	PlacementsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dslos_placements_failed_total",
		Help: "Total number of placement attempts that found no suitable node.",
	})
	ProbeFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dslos_health_probe_failures_total",
		Help: "Total number of failed health probes by replica health outcome.",
	}, []string{"outcome"})
	ReconciliationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dslos_reconciliation_duration_seconds",
		Help:    "Time taken for a service-manager reconciliation cycle.",
		Buckets: prometheus.DefBuckets,
	})
	ReconciliationCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dslos_reconciliation_cycles_total",
		Help: "Total number of service-manager reconciliation cycles run.",
	})

	// Load balancer metrics.
	PicksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dslos_loadbalancer_picks_total",
		Help: "Total number of replica picks by algorithm.",
	}, []string{"algorithm"})
	NoHealthyReplicaTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dslos_loadbalancer_no_healthy_replica_total",
		Help: "Total number of picks that found no healthy replica.",
	})
)

func init() {
	prometheus.MustRegister(
		SchedulesTotal, ContextSwitchesTotal, CPULoad, ReadyQueueLength,
		AverageWaitSeconds, StarvationTotal, LoadBalanceOpsTotal,
		NodesTotal, ClusterTerm, IsLeader, HeartbeatsSentTotal, HeartbeatsMissedTotal, ElectionsTotal,
		ServicesTotal, ReplicasTotal, PlacementDuration, PlacementsFailedTotal, ProbeFailuresTotal, ReconciliationDuration, ReconciliationCyclesTotal,
		PicksTotal, NoHealthyReplicaTotal,
	)
}

// Handler returns the Prometheus HTTP scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, started now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
