package discordgo

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdentifyInterval is the minimum spacing of identifies within one ratelimit key
const DefaultIdentifyInterval = time.Second * 5

// GatewayIdentifyRatelimiter is if you need some custom identify ratelimit logic (if you're running shards across processes for example)
type GatewayIdentifyRatelimiter interface {
	// Called right before an identify is sent, can be called from multiple goroutines at the same time.
	// Resumes never go through here.
	RatelimitIdentify(ctx context.Context, shardID int) error
}

// StdGatewayIdentifyRatelimiter allows one identify per interval for every bucket of shards,
// shards are put in buckets by shardID % maxConcurrency as described by session_start_limit
type StdGatewayIdentifyRatelimiter struct {
	mu             sync.Mutex
	interval       time.Duration
	maxConcurrency int
	buckets        map[int]*rate.Limiter
}

func NewStdGatewayIdentifyRatelimiter(interval time.Duration, maxConcurrency int) *StdGatewayIdentifyRatelimiter {
	if interval <= 0 {
		interval = DefaultIdentifyInterval
	}

	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	return &StdGatewayIdentifyRatelimiter{
		interval:       interval,
		maxConcurrency: maxConcurrency,
		buckets:        make(map[int]*rate.Limiter),
	}
}

func (rl *StdGatewayIdentifyRatelimiter) RatelimitIdentify(ctx context.Context, shardID int) error {
	key := shardID % rl.maxConcurrency

	rl.mu.Lock()
	limiter, ok := rl.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(rl.interval), 1)
		rl.buckets[key] = limiter
	}
	rl.mu.Unlock()

	return limiter.Wait(ctx)
}
