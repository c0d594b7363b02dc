package bot

import (
	"context"
	"strconv"
	"time"

	"github.com/botlabs-gg/shardkit/common/config"
	"github.com/botlabs-gg/shardkit/lib/discordgo"
	"github.com/mediocregopher/radix/v3"
	"github.com/sirupsen/logrus"
)

var (
	confIdentifyRedis       = config.RegisterOption("shardkit.identify_redis", "Redis address used to share the identify ratelimit between processes", "")
	confIdentifyConcurrency = config.RegisterOption("shardkit.identify_concurrency", "Max concurrency of the shared identify ratelimit", 1)
)

// RedisIdentifyRatelimiter shares the identify ratelimit between processes running shards of the same bot
type RedisIdentifyRatelimiter struct {
	Pool radix.Client

	Key            string
	Interval       time.Duration
	MaxConcurrency int

	// How long to sleep between attempts
	PollInterval time.Duration
}

var _ discordgo.GatewayIdentifyRatelimiter = (*RedisIdentifyRatelimiter)(nil)

// NewRedisIdentifyRatelimiter uses the default identify interval with a max concurrency of 1
func NewRedisIdentifyRatelimiter(pool radix.Client) *RedisIdentifyRatelimiter {
	return &RedisIdentifyRatelimiter{
		Pool:           pool,
		Key:            "shardkit.gateway.identify.limit",
		Interval:       discordgo.DefaultIdentifyInterval,
		MaxConcurrency: 1,
		PollInterval:   time.Millisecond * 250,
	}
}

func (rl *RedisIdentifyRatelimiter) RatelimitIdentify(ctx context.Context, shardID int) error {
	maxConcurrency := rl.MaxConcurrency
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	key := rl.Key + "." + strconv.Itoa(shardID%maxConcurrency)
	ms := strconv.FormatInt(int64(rl.Interval/time.Millisecond), 10)

	for {
		var resp string
		err := rl.Pool.Do(radix.Cmd(&resp, "SET", key, "1", "PX", ms, "NX"))
		if err != nil {
			logrus.WithError(err).WithField("shard", shardID).Error("failed ratelimiting gateway identify")
		} else if resp == "OK" {
			return nil
		}

		// otherwise someone else identified in this bucket within the interval
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rl.PollInterval):
		}
	}
}

// setupIdentifyRatelimiter switches the manager over to the shared limiter if a redis address is configured
func (b *Bot) setupIdentifyRatelimiter(maxConcurrency int) error {
	addr := confIdentifyRedis.GetString()
	if addr == "" {
		return nil
	}

	pool, err := radix.NewPool("tcp", addr, 2)
	if err != nil {
		return err
	}

	rl := NewRedisIdentifyRatelimiter(pool)
	rl.MaxConcurrency = maxConcurrency
	b.Manager.IdentifyRatelimiter = rl
	b.sharedIdentify = rl
	return nil
}
