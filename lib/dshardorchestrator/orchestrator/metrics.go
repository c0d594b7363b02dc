package orchestrator

import (
	"github.com/botlabs-gg/shardkit/lib/dshardorchestrator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shardkit_coordinator_workers",
		Help: "Registered workers by status",
	}, []string{"status"})

	metricsUnassignedShards = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardkit_coordinator_unassigned_shards",
		Help: "Shards not assigned to any worker",
	})

	metricsTotalShards = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardkit_coordinator_total_shards",
		Help: "Total shard count of the cluster",
	})

	metricsMigrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardkit_coordinator_migrations_total",
		Help: "Shard migrations by reason",
	}, []string{"reason"})

	metricsWorkersRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardkit_coordinator_workers_removed_total",
		Help: "Workers removed after going quiet or deregistering",
	})
)

func (c *Coordinator) updateMetrics() {
	counts := map[dshardorchestrator.WorkerStatus]int{
		dshardorchestrator.WorkerStatusRegistering: 0,
		dshardorchestrator.WorkerStatusHealthy:     0,
		dshardorchestrator.WorkerStatusUnhealthy:   0,
	}

	for _, w := range c.workers {
		counts[w.Status]++
	}

	for status, n := range counts {
		metricsWorkers.With(prometheus.Labels{"status": status.String()}).Set(float64(n))
	}

	metricsUnassignedShards.Set(float64(len(c.unassigned())))
	metricsTotalShards.Set(float64(c.totalShards))
}
