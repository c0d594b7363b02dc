package bot

import (
	"context"
	"strconv"
	"time"

	"github.com/botlabs-gg/shardkit/lib/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var metricsShardStatuses = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "shardkit_shards_status",
	Help: "Shard statuses",
}, []string{"status"})

var metricsTotalShards = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "shardkit_shards_running",
	Help: "Number of shards running in this process",
})

var metricsGuildsTotal = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "shardkit_guilds_total",
	Help: "Total number of guilds on the shards of this process",
})

var metricsShardLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "shardkit_shard_heartbeat_latency_seconds",
	Help: "Gateway heartbeat latency by shard",
}, []string{"shard"})

var metricsShardStatusChanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shardkit_shard_status_changes_total",
	Help: "Gateway connection status changes by new status",
}, []string{"status"})

var metricsConnectionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shardkit_shard_connection_events_total",
	Help: "Shard connection lifecycle events",
}, []string{"type"})

var metricsRatelimitEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shardkit_ratelimit_events_total",
	Help: "Rest ratelimit events by type",
}, []string{"type"})

var metricsRatelimitWait = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shardkit_ratelimit_wait_seconds_total",
	Help: "Time spent waiting on ratelimits by event type",
}, []string{"type"})

func onRatelimitEvent(evt *discordgo.RateLimitEvent) {
	typ := evt.Type.String()
	metricsRatelimitEvents.WithLabelValues(typ).Inc()
	if evt.Wait > 0 {
		metricsRatelimitWait.WithLabelValues(typ).Add(evt.Wait.Seconds())
	}

	if evt.Type == discordgo.RateLimitEventGlobalLimit || evt.Type == discordgo.RateLimitEventLimitHit {
		logrus.WithField("route", evt.Route).WithField("bucket", evt.BucketID).Warnf("ratelimited (%s), waiting %s", typ, evt.Wait)
	}
}

func (b *Bot) runUpdateMetrics(ctx context.Context) {
	ticker := time.NewTicker(time.Second * 10)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.updateShardMetrics()
		}
	}
}

func (b *Bot) updateShardMetrics() {
	status := b.Manager.GetFullStatus()

	statuses := map[string]int{
		"LOADING":      0,
		"READY":        0,
		"DISCONNECTED": 0,
	}

	metricsShardLatency.Reset()
	for _, shard := range status.Shards {
		statuses[statusCategory(shard.Status)]++
		metricsShardLatency.WithLabelValues(strconv.Itoa(shard.Shard)).Set(shard.Latency.Seconds())
	}

	for k, v := range statuses {
		metricsShardStatuses.With(prometheus.Labels{"status": k}).Set(float64(v))
	}

	metricsTotalShards.Set(float64(len(status.Shards)))
	metricsGuildsTotal.Set(float64(status.NumGuilds))
}

func statusCategory(status discordgo.GatewayStatus) string {
	switch status {
	case discordgo.GatewayStatusConnecting, discordgo.GatewayStatusAwaitingHello, discordgo.GatewayStatusIdentifying, discordgo.GatewayStatusResuming:
		return "LOADING"
	case discordgo.GatewayStatusConnected:
		return "READY"
	}

	return "DISCONNECTED"
}
