package discordgo

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// DefaultGlobalRequestsPerSecond is discords global ceiling for bots
const DefaultGlobalRequestsPerSecond = 50

type RateLimitEventType int

const (
	RateLimitEventBucketUpdated RateLimitEventType = iota
	RateLimitEventLimitHit
	RateLimitEventPreemptiveWait
	RateLimitEventGlobalLimit
)

func (t RateLimitEventType) String() string {
	switch t {
	case RateLimitEventBucketUpdated:
		return "bucket_updated"
	case RateLimitEventLimitHit:
		return "limit_hit"
	case RateLimitEventPreemptiveWait:
		return "preemptive_wait"
	case RateLimitEventGlobalLimit:
		return "global_limit"
	}

	return "unknown"
}

// RateLimitEvent is emitted for observability whenever the limiter learns something or makes someone wait
type RateLimitEvent struct {
	Type     RateLimitEventType
	Route    string
	BucketID string
	Wait     time.Duration
}

// GlobalBudget bounds the requests per second across all routes, and can be marked exhausted
// when discord tells us we hit the global limit
type GlobalBudget struct {
	limiter        *rate.Limiter
	exhaustedUntil int64 // unix nano
}

func NewGlobalBudget(perSecond int) *GlobalBudget {
	if perSecond < 1 {
		perSecond = DefaultGlobalRequestsPerSecond
	}

	return &GlobalBudget{
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

// Exhaust blocks every route until the given time
func (g *GlobalBudget) Exhaust(until time.Time) {
	for {
		cur := atomic.LoadInt64(&g.exhaustedUntil)
		if until.UnixNano() <= cur || atomic.CompareAndSwapInt64(&g.exhaustedUntil, cur, until.UnixNano()) {
			return
		}
	}
}

// ExhaustedFor returns how long every route is blocked for
func (g *GlobalBudget) ExhaustedFor(now time.Time) time.Duration {
	sleepTo := time.Unix(0, atomic.LoadInt64(&g.exhaustedUntil))
	if now.Before(sleepTo) {
		return sleepTo.Sub(now)
	}

	return 0
}

// RateLimiter holds all ratelimit buckets
type RateLimiter struct {
	sync.Mutex
	buckets map[string]*Bucket

	// route -> bucket key learned from X-RateLimit-Bucket, routes sharing a bucket share the Bucket object
	routes *cache.Cache

	Global *GlobalBudget

	// Called synchronously, keep it fast
	OnEvent func(*RateLimitEvent)
}

// NewRatelimiter returns a new RateLimiter
func NewRatelimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*Bucket),
		routes:  cache.New(time.Hour*24, time.Hour),
		Global:  NewGlobalBudget(DefaultGlobalRequestsPerSecond),
	}
}

// GetBucket retrieves or creates the bucket for a route
func (r *RateLimiter) GetBucket(route string) *Bucket {
	r.Lock()
	defer r.Unlock()

	if key, ok := r.routes.Get(route); ok {
		if b, ok := r.buckets[key.(string)]; ok {
			return b
		}
	}

	if b, ok := r.buckets[route]; ok {
		return b
	}

	b := &Bucket{
		Remaining: 1,
		Key:       route,
		Route:     route,
	}

	r.buckets[route] = b
	return b
}

// Acquire takes a slot from the route's bucket and returns 0, or returns how long to wait before trying again
// without taking anything. Safe for concurrent use on the same route.
func (r *RateLimiter) Acquire(route string) time.Duration {
	return r.acquireBucket(r.GetBucket(route))
}

func (r *RateLimiter) acquireBucket(b *Bucket) time.Duration {
	now := time.Now()

	b.Lock()
	defer b.Unlock()

	wait := b.waitTime(now)
	if globalWait := r.Global.ExhaustedFor(now); globalWait > wait {
		wait = globalWait
	}

	if wait > 0 {
		return wait
	}

	res := r.Global.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return delay
	}

	if b.Remaining < 1 {
		// reset has passed
		b.Remaining = b.Limit
		if b.Remaining < 1 {
			b.Remaining = 1
		}
	}

	b.Remaining--
	b.totalRequests++
	return 0
}

// Wait blocks until a slot in the route's bucket was taken, if the context is cancelled while waiting nothing is taken
func (r *RateLimiter) Wait(ctx context.Context, route string) (*Bucket, error) {
	for {
		b := r.GetBucket(route)
		wait := r.acquireBucket(b)
		if wait <= 0 {
			return b, nil
		}

		b.Lock()
		b.totalWaits++
		b.Unlock()

		r.emit(RateLimitEventPreemptiveWait, b, wait)

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
}

// Release reads the ratelimit headers of a response into the bucket, the bucket may be swapped for a shared one
// if the response revealed its bucket id
func (r *RateLimiter) Release(b *Bucket, headers http.Header) (*Bucket, error) {
	if bucketID := headers.Get("X-RateLimit-Bucket"); bucketID != "" {
		b = r.bindBucketID(b, bucketID)
	}

	err := b.update(headers)
	r.emit(RateLimitEventBucketUpdated, b, 0)
	return b, err
}

func (r *RateLimiter) bindBucketID(b *Bucket, bucketID string) *Bucket {
	key := "bucket:" + bucketID

	r.Lock()
	defer r.Unlock()

	if existing, ok := r.buckets[key]; ok {
		r.routes.Set(b.Route, key, cache.DefaultExpiration)
		return existing
	}

	b.Lock()
	b.ID = bucketID
	b.Unlock()

	r.buckets[key] = b
	r.routes.Set(b.Route, key, cache.DefaultExpiration)
	return b
}

// RateLimited records a 429, either blocking the bucket or every route if it was the global limit
func (r *RateLimiter) RateLimited(b *Bucket, retryAfter time.Duration, global bool) {
	resetAt := time.Now().Add(retryAfter)

	b.Lock()
	b.total429s++
	if !global {
		b.Remaining = 0
		b.reset = resetAt
	}
	b.Unlock()

	if global {
		r.Global.Exhaust(resetAt)
		r.emit(RateLimitEventGlobalLimit, b, retryAfter)
		return
	}

	r.emit(RateLimitEventLimitHit, b, retryAfter)
}

func (r *RateLimiter) emit(t RateLimitEventType, b *Bucket, wait time.Duration) {
	if r.OnEvent == nil {
		return
	}

	b.Lock()
	evt := &RateLimitEvent{
		Type:     t,
		Route:    b.Route,
		BucketID: b.ID,
		Wait:     wait,
	}
	b.Unlock()

	r.OnEvent(evt)
}

// Stats returns a snapshot of every known bucket
func (r *RateLimiter) Stats() []BucketStats {
	r.Lock()
	seen := make(map[*Bucket]bool)
	buckets := make([]*Bucket, 0, len(r.buckets))
	for _, b := range r.buckets {
		if !seen[b] {
			seen[b] = true
			buckets = append(buckets, b)
		}
	}
	r.Unlock()

	result := make([]BucketStats, 0, len(buckets))
	for _, b := range buckets {
		result = append(result, b.Stats())
	}

	return result
}

// Bucket represents a ratelimit bucket, each bucket gets ratelimited individually (-global ratelimits)
type Bucket struct {
	sync.Mutex
	Key       string
	ID        string
	Route     string
	Limit     int
	Remaining int
	reset     time.Time

	totalRequests int64
	totalWaits    int64
	total429s     int64
}

type BucketStats struct {
	Key           string
	ID            string
	Route         string
	Limit         int
	Remaining     int
	ResetAt       time.Time
	TotalRequests int64
	TotalWaits    int64
	Total429s     int64
}

func (b *Bucket) Stats() BucketStats {
	b.Lock()
	defer b.Unlock()

	return BucketStats{
		Key:           b.Key,
		ID:            b.ID,
		Route:         b.Route,
		Limit:         b.Limit,
		Remaining:     b.Remaining,
		ResetAt:       b.reset,
		TotalRequests: b.totalRequests,
		TotalWaits:    b.totalWaits,
		Total429s:     b.total429s,
	}
}

// Cancel gives back a slot taken by Acquire for a request that never made it to discord
func (b *Bucket) Cancel() {
	b.Lock()
	b.Remaining++
	if b.Limit > 0 && b.Remaining > b.Limit {
		b.Remaining = b.Limit
	}
	b.totalRequests--
	b.Unlock()
}

// waitTime must be called with the lock held
func (b *Bucket) waitTime(now time.Time) time.Duration {
	if b.Remaining > 0 || !now.Before(b.reset) {
		return 0
	}

	return b.reset.Sub(now)
}

func (b *Bucket) update(headers http.Header) error {
	b.Lock()
	defer b.Unlock()

	remaining := headers.Get("X-RateLimit-Remaining")
	if remaining == "" {
		// no ratelimit on this route as far as we know, give the slot back
		b.Remaining++
		if b.Limit > 0 && b.Remaining > b.Limit {
			b.Remaining = b.Limit
		}
		return nil
	}

	parsedRemaining, err := strconv.ParseInt(remaining, 10, 32)
	if err != nil {
		return err
	}
	if parsedRemaining < 0 {
		parsedRemaining = 0
	}
	b.Remaining = int(parsedRemaining)

	if limit := headers.Get("X-RateLimit-Limit"); limit != "" {
		parsedLimit, err := strconv.ParseInt(limit, 10, 32)
		if err != nil {
			return err
		}
		b.Limit = int(parsedLimit)
	}

	// X-RateLimit-Reset-After is relative to now and doesn't care about clock drift, so it's preferred
	if resetAfter := headers.Get("X-RateLimit-Reset-After"); resetAfter != "" {
		dur, err := parseResetAfterDur(resetAfter)
		if err != nil {
			return err
		}

		b.reset = time.Now().Add(dur)
	} else if reset := headers.Get("X-RateLimit-Reset"); reset != "" {
		parsed, err := strconv.ParseFloat(reset, 64)
		if err != nil {
			return err
		}

		sec, frac := math.Modf(parsed)
		b.reset = time.Unix(int64(sec), int64(frac*1e9))
	}

	return nil
}

func parseResetAfterDur(in string) (time.Duration, error) {
	resetAfterParsed, err := strconv.ParseFloat(in, 64)
	if err != nil {
		return 0, err
	}

	return time.Millisecond * time.Duration(resetAfterParsed*1000), nil
}
