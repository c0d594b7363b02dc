package orchestrator

import (
	"sort"
	"time"

	"github.com/botlabs-gg/shardkit/lib/dshardorchestrator"
)

// tick runs on the state goroutine, it checks worker health, hands out unassigned shards and moves load around
func (c *Coordinator) tick() {
	now := c.now()

	changed := c.checkHealth(now)

	if !now.Before(c.settleUntil) && (c.rebalancePending || c.canAssignMore()) {
		changed = true
	}

	if changed {
		c.rebalance(now)
	}

	if !c.DisableLoadBalance && now.Sub(c.lastMigration) >= c.MigrationCooldown {
		c.balanceLoad()
	}

	c.updateMetrics()
}

// checkHealth marks workers that went quiet as unhealthy, and removes them if they stay quiet.
// Returns true if a worker was removed.
func (c *Coordinator) checkHealth(now time.Time) bool {
	removed := false
	for _, w := range c.workersByRegistration() {
		since := now.Sub(w.LastHeartbeatAt)

		switch {
		case since > c.RemoveAfter:
			c.removeWorker(w, "missed heartbeats for "+since.String())
			removed = true
		case since > c.UnhealthyAfter && w.accepting():
			c.log().WithField("worker", w.ID).Warnf("no heartbeat for %s, marking unhealthy", since)
			w.Status = dshardorchestrator.WorkerStatusUnhealthy
		}
	}

	return removed
}

// canAssignMore returns true if there are unassigned shards and someone to give them to
func (c *Coordinator) canAssignMore() bool {
	if len(c.unassigned()) < 1 {
		return false
	}

	for _, w := range c.workers {
		if w.accepting() && w.hasRoom() {
			return true
		}
	}

	return false
}

// balanceLoad moves the slowest shard off the first overloaded worker it finds, one migration per cooldown
func (c *Coordinator) balanceLoad() {
	for _, w := range c.workersByRegistration() {
		if w.Status != dshardorchestrator.WorkerStatusHealthy || len(w.assigned) < 1 {
			continue
		}

		reason := ""
		shard, latency := slowestShard(w)
		if c.LatencyThreshold > 0 && time.Duration(latency)*time.Millisecond > c.LatencyThreshold {
			reason = "latency"
		} else if c.CPUThreshold > 0 && w.CPUUsage > c.CPUThreshold {
			reason = "cpu"
		}

		if reason == "" {
			continue
		}

		target := c.leastLoadedWorker(w)
		if target == nil {
			c.log().WithField("worker", w.ID).Debugf("worker overloaded (%s) but there's nowhere to move shards to", reason)
			return
		}

		if err := c.migrateShard(shard, target.ID, reason); err != nil {
			c.log().WithError(err).Error("failed migrating shard")
		}
		return
	}
}

// slowestShard returns the assigned shard with the highest reported latency, or the highest shard id if none were reported
func slowestShard(w *workerRecord) (shard int, latencyMs int64) {
	shards := w.assignedSorted()
	shard = shards[len(shards)-1]
	latencyMs = -1

	for _, s := range shards {
		if l, ok := w.ShardLatencies[s]; ok && l > latencyMs {
			shard = s
			latencyMs = l
		}
	}

	return
}

func (c *Coordinator) leastLoadedWorker(exclude *workerRecord) *workerRecord {
	var candidates []*workerRecord
	for _, w := range c.workers {
		if w == exclude || w.Status != dshardorchestrator.WorkerStatusHealthy || !w.hasRoom() {
			continue
		}

		if c.CPUThreshold > 0 && w.CPUUsage > c.CPUThreshold {
			continue
		}

		candidates = append(candidates, w)
	}

	if len(candidates) < 1 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.CPUUsage != b.CPUUsage {
			return a.CPUUsage < b.CPUUsage
		}
		if len(a.assigned) != len(b.assigned) {
			return len(a.assigned) < len(b.assigned)
		}
		return a.regSeq < b.regSeq
	})

	return candidates[0]
}
