package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"storefront-agent/internal/keylock"
	"storefront-agent/internal/kvstore"
)

const replayKeyPrefix = "replay:"

// ReplayStore atomically marks a key as used. MarkUsed reports false when the
// key was already marked.
type ReplayStore interface {
	MarkUsed(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// KVReplayStore keeps replay records in a kvstore.Store, serialized per key.
type KVReplayStore struct {
	store kvstore.Store
	locks *keylock.Locker
}

func NewKVReplayStore(store kvstore.Store, locks *keylock.Locker) (*KVReplayStore, error) {
	if store == nil {
		return nil, errors.New("auth: replay kv store must not be nil")
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &KVReplayStore{store: store, locks: locks}, nil
}

func (s *KVReplayStore) MarkUsed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var fresh bool
	err := s.locks.Do(ctx, key, func() error {
		var err error
		fresh, err = s.store.PutIfAbsent(ctx, key, []byte("1"), ttl)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("auth: mark replay record: %w", err)
	}
	return fresh, nil
}

// ReplayGuard rejects stale timestamps and signatures that were already
// consumed.
type ReplayGuard struct {
	store      ReplayStore
	window     time.Duration
	untimedTTL time.Duration
	now        func() time.Time
}

// NewReplayGuard builds a guard. Records of timestamped requests live for twice
// the freshness window, the longest a timestamp stays acceptable after first
// use; records of untimed requests live for untimedTTL.
func NewReplayGuard(store ReplayStore, window, untimedTTL time.Duration) (*ReplayGuard, error) {
	if store == nil {
		return nil, errors.New("auth: replay store must not be nil")
	}
	if window <= 0 {
		return nil, errors.New("auth: freshness window must be positive")
	}
	if untimedTTL <= 0 {
		untimedTTL = 24 * time.Hour
	}
	return &ReplayGuard{store: store, window: window, untimedTTL: untimedTTL, now: time.Now}, nil
}

// Check consumes digest. ts is optional. Store failures are returned as errors
// and must be treated as a rejection by the caller.
func (g *ReplayGuard) Check(ctx context.Context, digest string, ts *time.Time) (Result, error) {
	digest = strings.ToLower(strings.TrimSpace(digest))
	if digest == "" {
		return reject(ReasonMissingSignature), nil
	}

	ttl := g.untimedTTL
	if ts != nil {
		skew := g.now().Sub(*ts)
		if skew < 0 {
			skew = -skew
		}
		if skew > g.window {
			return Result{Reason: ReasonTimestampOutOfRange, Digest: digest}, nil
		}
		ttl = 2 * g.window
	}

	fresh, err := g.store.MarkUsed(ctx, replayKeyPrefix+digest, ttl)
	if err != nil {
		return Result{Digest: digest}, err
	}
	if !fresh {
		return Result{Reason: ReasonSignatureAlreadyUsed, Digest: digest}, nil
	}
	return Result{OK: true, Digest: digest}, nil
}

// ParseTimestamp reads a unix-seconds timestamp. An empty string yields nil.
func ParseTimestamp(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("auth: parse timestamp %q: %w", raw, err)
	}
	t := time.Unix(secs, 0).UTC()
	return &t, nil
}
