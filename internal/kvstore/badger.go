package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const maxUpdateAttempts = 8

// Badger is a Store backed by an embedded BadgerDB, so unflushed
// conversations survive a process restart.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a database at path. An empty path opens an
// in-memory database.
func OpenBadger(path string, logger *zap.Logger) (*Badger, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.WithLogger(&badgerLogger{s: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: get %q: %w", key, err)
	}
	return out, nil
}

func (b *Badger) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	if err != nil {
		return fmt.Errorf("kvstore: put %q: %w", key, err)
	}
	return nil
}

func (b *Badger) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	stored := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.SetEntry(newEntry(key, value, ttl)); err != nil {
			return err
		}
		stored = true
		return nil
	})
	// A conflicting commit means another writer created the key first.
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kvstore: put-if-absent %q: %w", key, err)
	}
	return stored, nil
}

func (b *Badger) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("kvstore: delete %q: %w", key, err)
	}
	return nil
}

// Update retries on transaction conflicts, up to maxUpdateAttempts.
func (b *Badger) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var fnErr error
		err := b.db.Update(func(txn *badger.Txn) error {
			var cur []byte
			item, err := txn.Get([]byte(key))
			switch {
			case err == nil:
				if cur, err = item.ValueCopy(nil); err != nil {
					return err
				}
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
			next, err := fn(cur)
			if err != nil {
				fnErr = err
				return err
			}
			if next == nil {
				return txn.Delete([]byte(key))
			}
			return txn.SetEntry(newEntry(key, next, ttl))
		})
		switch {
		case errors.Is(fnErr, ErrUnchanged):
			return nil
		case fnErr != nil:
			return fnErr
		case err == nil:
			return nil
		case errors.Is(err, badger.ErrConflict):
			continue
		default:
			return fmt.Errorf("kvstore: update %q: %w", key, err)
		}
	}
	return fmt.Errorf("kvstore: update %q: %w", key, ErrConflict)
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func newEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }
