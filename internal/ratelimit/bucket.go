// Package ratelimit implements the per-key token bucket. Refill is computed
// lazily from elapsed time on every access; nothing runs in the background.
package ratelimit

import (
	"math"
	"time"
)

// Bucket is the stored state of one token bucket.
type Bucket struct {
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

// Policy is the shape every bucket of a Limiter shares.
type Policy struct {
	Capacity        float64
	RefillPerSecond float64
	// MaxRetryAfter caps RetryAfter and is returned when tokens can never
	// accumulate (no refill, or n larger than capacity).
	MaxRetryAfter time.Duration
}

// Decision is the outcome of a consume attempt.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

func (p Policy) full(now time.Time) Bucket {
	return Bucket{Tokens: p.Capacity, LastRefill: now}
}

// refill tops the bucket up for the time elapsed since LastRefill. A clock
// going backwards adds nothing.
func (p Policy) refill(b Bucket, now time.Time) Bucket {
	elapsed := now.Sub(b.LastRefill)
	if elapsed > 0 && p.RefillPerSecond > 0 {
		b.Tokens = math.Min(p.Capacity, b.Tokens+elapsed.Seconds()*p.RefillPerSecond)
	}
	if b.Tokens > p.Capacity {
		b.Tokens = p.Capacity
	}
	if b.Tokens < 0 {
		b.Tokens = 0
	}
	if now.After(b.LastRefill) {
		b.LastRefill = now
	}
	return b
}

// consume refills b and then tries to take n tokens. A denied attempt leaves
// the token count unchanged.
func (p Policy) consume(b Bucket, n float64, now time.Time) (Bucket, Decision) {
	b = p.refill(b, now)
	if b.Tokens-n >= 0 {
		b.Tokens -= n
		return b, Decision{Allowed: true, Remaining: b.Tokens}
	}
	return b, Decision{Remaining: b.Tokens, RetryAfter: p.retryAfter(n-b.Tokens, n)}
}

func (p Policy) retryAfter(missing, n float64) time.Duration {
	if p.RefillPerSecond <= 0 || n > p.Capacity {
		return p.MaxRetryAfter
	}
	d := time.Duration(math.Ceil(missing / p.RefillPerSecond * float64(time.Second)))
	if p.MaxRetryAfter > 0 && d > p.MaxRetryAfter {
		return p.MaxRetryAfter
	}
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// ttl is how long an idle bucket must be kept: once it would be full again it
// is indistinguishable from a fresh one.
func (p Policy) ttl() time.Duration {
	if p.RefillPerSecond <= 0 {
		return 0
	}
	return time.Duration(p.Capacity/p.RefillPerSecond*float64(time.Second)) + time.Minute
}
