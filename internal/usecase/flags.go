package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"storefront-agent/internal/kvstore"
)

const (
	flagPrefix       = "flag:"
	maxFlagKeyLen    = 128
	maxFlagValLen    = 16 * 1024
	FlagSystemPrompt = "SYSTEM_PROMPT"
)

// Flags are operator-set string values kept in the key-scoped store. They
// never expire.
type Flags struct {
	store kvstore.Store
}

func NewFlags(store kvstore.Store) (*Flags, error) {
	if store == nil {
		return nil, errors.New("usecase: flag store must not be nil")
	}
	return &Flags{store: store}, nil
}

// Get returns the flag value and whether it is set.
func (f *Flags) Get(ctx context.Context, key string) (string, bool, error) {
	key, err := flagKey(key)
	if err != nil {
		return "", false, err
	}
	raw, err := f.store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, newError(ErrorInternal, "flag_read_error", err)
	}
	return string(raw), true, nil
}

// Set stores value under key. An empty value removes the flag.
func (f *Flags) Set(ctx context.Context, key, value string) error {
	key, err := flagKey(key)
	if err != nil {
		return err
	}
	if len(value) > maxFlagValLen {
		return newError(ErrorInvalidInput, "flag_value_too_long", nil)
	}
	if value == "" {
		err = f.store.Delete(ctx, key)
	} else {
		err = f.store.Put(ctx, key, []byte(value), 0)
	}
	if err != nil {
		return newError(ErrorInternal, "flag_write_error", err)
	}
	return nil
}

func flagKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", newError(ErrorInvalidInput, "empty_flag_key", nil)
	}
	if len(key) > maxFlagKeyLen {
		return "", newError(ErrorInvalidInput, "flag_key_too_long", fmt.Errorf("key longer than %d bytes", maxFlagKeyLen))
	}
	return flagPrefix + key, nil
}
