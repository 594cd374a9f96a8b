package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storefront-agent/internal/keylock"
	"storefront-agent/internal/kvstore"
)

const keyPrefix = "ratelimit:"

// Limiter holds one token bucket per key in a kvstore.Store. Every
// read-modify-write on a key runs under that key's lock and commits through
// the store's atomic Update, so processes sharing the store share buckets.
type Limiter struct {
	policy Policy
	store  kvstore.Store
	locks  *keylock.Locker
	now    func() time.Time
}

func NewLimiter(policy Policy, store kvstore.Store, locks *keylock.Locker) (*Limiter, error) {
	if policy.Capacity <= 0 {
		return nil, errors.New("ratelimit: capacity must be positive")
	}
	if policy.RefillPerSecond < 0 {
		return nil, errors.New("ratelimit: refill rate must not be negative")
	}
	if policy.MaxRetryAfter <= 0 {
		policy.MaxRetryAfter = time.Hour
	}
	if store == nil {
		return nil, errors.New("ratelimit: store must not be nil")
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &Limiter{policy: policy, store: store, locks: locks, now: time.Now}, nil
}

// Consume takes n tokens from key's bucket if it holds enough.
func (l *Limiter) Consume(ctx context.Context, key string, n float64) (Decision, error) {
	if n < 0 {
		return Decision{}, fmt.Errorf("ratelimit: cannot consume %v tokens", n)
	}
	var dec Decision
	err := l.locks.Do(ctx, keyPrefix+key, func() error {
		return l.store.Update(ctx, keyPrefix+key, l.policy.ttl(), func(raw []byte) ([]byte, error) {
			b, err := l.decode(raw)
			if err != nil {
				return nil, err
			}
			b, dec = l.policy.consume(b, n, l.now())
			if !dec.Allowed {
				return nil, kvstore.ErrUnchanged
			}
			return encodeBucket(b)
		})
	})
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: consume: %w", err)
	}
	return dec, nil
}

// Peek returns the tokens currently available without consuming any.
func (l *Limiter) Peek(ctx context.Context, key string) (float64, error) {
	var tokens float64
	err := l.locks.Do(ctx, keyPrefix+key, func() error {
		b, err := l.load(ctx, key)
		if err != nil {
			return err
		}
		tokens = l.policy.refill(b, l.now()).Tokens
		return nil
	})
	return tokens, err
}

// Reset restores key's bucket to full capacity.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.locks.Do(ctx, keyPrefix+key, func() error {
		return l.save(ctx, key, l.policy.full(l.now()))
	})
}

func (l *Limiter) load(ctx context.Context, key string) (Bucket, error) {
	raw, err := l.store.Get(ctx, keyPrefix+key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return l.policy.full(l.now()), nil
	}
	if err != nil {
		return Bucket{}, fmt.Errorf("ratelimit: load bucket: %w", err)
	}
	return l.decode(raw)
}

// decode reads a stored bucket; nil means no bucket yet, which starts full.
func (l *Limiter) decode(raw []byte) (Bucket, error) {
	if raw == nil {
		return l.policy.full(l.now()), nil
	}
	var b Bucket
	if err := json.Unmarshal(raw, &b); err != nil {
		return Bucket{}, fmt.Errorf("ratelimit: decode bucket: %w", err)
	}
	return b, nil
}

func encodeBucket(b Bucket) ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: encode bucket: %w", err)
	}
	return raw, nil
}

func (l *Limiter) save(ctx context.Context, key string, b Bucket) error {
	raw, err := encodeBucket(b)
	if err != nil {
		return err
	}
	if err := l.store.Put(ctx, keyPrefix+key, raw, l.policy.ttl()); err != nil {
		return fmt.Errorf("ratelimit: save bucket: %w", err)
	}
	return nil
}
