// Package conversation owns per-conversation state: retained history, the
// cart reference and the end-of-conversation flush to durable storage. Every
// operation on one conversation id runs under that id's lock and commits
// through an atomic store update, so the Manager behaves as a single writer
// per conversation even when several processes share the store.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"storefront-agent/internal/domain"
	"storefront-agent/internal/keylock"
	"storefront-agent/internal/kvstore"
)

const (
	keyPrefix = "conversation:"

	defaultMaxHistory    = 50
	defaultMaxMessageLen = 2000
	defaultFlushTimeout  = 10 * time.Second
)

var (
	// ErrValidation marks a rejected append. Callers match it with errors.Is.
	ErrValidation = errors.New("conversation: invalid message")

	// ErrEnded is returned by AppendReply when the conversation the prompt
	// belonged to has ended.
	ErrEnded = errors.New("conversation: ended")
)

// DurableStore receives a conversation and its messages when it ends.
type DurableStore interface {
	InsertConversation(ctx context.Context, sessionID string, startedAt, endedAt time.Time) (string, error)
	InsertMessages(ctx context.Context, conversationID string, messages []domain.MessageRecord) error
}

// Phase is the lifecycle position of a conversation.
type Phase string

const (
	PhaseIdle   Phase = "idle"
	PhaseActive Phase = "active"
	PhaseEnding Phase = "ending"
)

// state is what the Manager keeps in the kv store per conversation.
type state struct {
	History []domain.HistoryEntry `json:"history"`
	CartRef string                `json:"cart_ref,omitempty"`
	// Started is the timestamp of the first entry. It tells a late reply
	// apart from a conversation that began after an End.
	Started time.Time `json:"started"`
}

type Config struct {
	MaxHistory    int
	MaxMessageLen int
	// TTL bounds how long an abandoned conversation survives in the store.
	// Zero keeps it until End.
	TTL          time.Duration
	FlushTimeout time.Duration
}

type Manager struct {
	store   kvstore.Store
	locks   *keylock.Locker
	durable DurableStore
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time

	ending sync.Map
}

// EndResult describes what End did.
type EndResult struct {
	ConversationID string
	Messages       int
	Persisted      bool
}

// PersistenceError reports a failed durable write during End. Ephemeral state
// has already been cleared when it is returned.
type PersistenceError struct {
	SessionID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("conversation: persist %s: %v", e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewManager wires a Manager. durable may be nil, in which case End only
// clears state.
func NewManager(store kvstore.Store, locks *keylock.Locker, durable DurableStore, logger *zap.Logger, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("conversation: store must not be nil")
	}
	if locks == nil {
		return nil, errors.New("conversation: locker must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = defaultMaxMessageLen
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	return &Manager{
		store:   store,
		locks:   locks,
		durable: durable,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}, nil
}

// MaxMessageLen is the longest user message Append accepts, in bytes.
// Assistant replies are not bounded.
func (m *Manager) MaxMessageLen() int { return m.cfg.MaxMessageLen }

// Validate checks an entry without appending it.
func (m *Manager) Validate(role domain.Role, content string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: role %q", ErrValidation, role)
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: empty content", ErrValidation)
	}
	if role == domain.RoleUser && len(content) > m.cfg.MaxMessageLen {
		return fmt.Errorf("%w: content longer than %d bytes", ErrValidation, m.cfg.MaxMessageLen)
	}
	return nil
}

// Append adds one entry to the conversation and trims the oldest entries past
// the retention limit. Timestamps never go backwards within a conversation.
func (m *Manager) Append(ctx context.Context, sessionID string, role domain.Role, content string) (domain.HistoryEntry, error) {
	if err := m.Validate(role, content); err != nil {
		return domain.HistoryEntry{}, err
	}
	var entry domain.HistoryEntry
	err := m.withState(ctx, sessionID, func(st *state) (bool, error) {
		entry = m.appendEntry(st, role, content)
		return true, nil
	})
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	return entry, nil
}

// AppendReply records an assistant reply to prompt, the user entry it answers.
// When that conversation has ended in the meantime nothing is written and
// ErrEnded is returned.
func (m *Manager) AppendReply(ctx context.Context, sessionID, content string, prompt domain.HistoryEntry) (domain.HistoryEntry, error) {
	if err := m.Validate(domain.RoleAssistant, content); err != nil {
		return domain.HistoryEntry{}, err
	}
	var entry domain.HistoryEntry
	err := m.withState(ctx, sessionID, func(st *state) (bool, error) {
		if len(st.History) == 0 || prompt.Timestamp.Before(st.Started) {
			return false, ErrEnded
		}
		entry = m.appendEntry(st, domain.RoleAssistant, content)
		return true, nil
	})
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	return entry, nil
}

func (m *Manager) appendEntry(st *state, role domain.Role, content string) domain.HistoryEntry {
	ts := m.now().UTC()
	if n := len(st.History); n > 0 && ts.Before(st.History[n-1].Timestamp) {
		ts = st.History[n-1].Timestamp
	}
	if len(st.History) == 0 {
		st.Started = ts
	}
	entry := domain.HistoryEntry{Role: role, Content: content, Timestamp: ts}
	st.History = append(st.History, entry)
	if over := len(st.History) - m.cfg.MaxHistory; over > 0 {
		st.History = append([]domain.HistoryEntry(nil), st.History[over:]...)
	}
	return entry
}

// History returns a snapshot of the retained entries, oldest first.
func (m *Manager) History(ctx context.Context, sessionID string) ([]domain.HistoryEntry, error) {
	var out []domain.HistoryEntry
	err := m.withState(ctx, sessionID, func(st *state) (bool, error) {
		out = append([]domain.HistoryEntry(nil), st.History...)
		return false, nil
	})
	return out, err
}

func (m *Manager) SetCartReference(ctx context.Context, sessionID, cartRef string) error {
	return m.withState(ctx, sessionID, func(st *state) (bool, error) {
		st.CartRef = strings.TrimSpace(cartRef)
		return true, nil
	})
}

// CartReference returns the stored cart reference, or "" if none is set.
func (m *Manager) CartReference(ctx context.Context, sessionID string) (string, error) {
	var ref string
	err := m.withState(ctx, sessionID, func(st *state) (bool, error) {
		ref = st.CartRef
		return false, nil
	})
	return ref, err
}

// Phase reports where the conversation is in its lifecycle. It does not wait
// for the conversation lock.
func (m *Manager) Phase(ctx context.Context, sessionID string) (Phase, error) {
	if _, ok := m.ending.Load(sessionID); ok {
		return PhaseEnding, nil
	}
	_, err := m.store.Get(ctx, keyPrefix+sessionID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return PhaseIdle, nil
	}
	if err != nil {
		return "", fmt.Errorf("conversation: load %s: %w", sessionID, err)
	}
	return PhaseActive, nil
}

// End takes the conversation out of the store and flushes it, when it has
// any history, to the durable store. The state is gone whether or not the
// flush succeeds; a failed flush is logged and returned as *PersistenceError.
func (m *Manager) End(ctx context.Context, sessionID string) (EndResult, error) {
	if err := validSessionID(sessionID); err != nil {
		return EndResult{}, err
	}
	unlock, err := m.locks.Lock(ctx, keyPrefix+sessionID)
	if err != nil {
		return EndResult{}, fmt.Errorf("conversation: lock %s: %w", sessionID, err)
	}
	defer unlock()

	m.ending.Store(sessionID, struct{}{})
	defer m.ending.Delete(sessionID)

	st, err := m.take(ctx, sessionID)
	if err != nil {
		return EndResult{}, err
	}

	res := EndResult{Messages: len(st.History)}
	if len(st.History) == 0 || m.durable == nil {
		return res, nil
	}
	res.ConversationID, err = m.persist(ctx, sessionID, st.History)
	if err != nil {
		m.logger.Error("conversation flush failed",
			zap.String("session_id", sessionID),
			zap.Int("messages", len(st.History)),
			zap.Error(err),
		)
		return res, &PersistenceError{SessionID: sessionID, Err: err}
	}
	res.Persisted = true
	m.logger.Info("conversation ended",
		zap.String("session_id", sessionID),
		zap.String("conversation_id", res.ConversationID),
		zap.Int("messages", res.Messages),
	)
	return res, nil
}

// take removes the conversation state in one atomic step and returns what it
// held. Unreadable state is dropped so the id is usable again.
func (m *Manager) take(ctx context.Context, sessionID string) (state, error) {
	var (
		st        state
		decodeErr error
	)
	err := m.store.Update(context.WithoutCancel(ctx), keyPrefix+sessionID, 0, func(raw []byte) ([]byte, error) {
		st, decodeErr = decodeState(sessionID, raw)
		return nil, nil
	})
	if err != nil {
		return state{}, fmt.Errorf("conversation: clear %s: %w", sessionID, err)
	}
	if decodeErr != nil {
		m.logger.Error("conversation state unreadable, clearing", zap.String("session_id", sessionID), zap.Error(decodeErr))
	}
	return st, nil
}

func (m *Manager) persist(ctx context.Context, sessionID string, history []domain.HistoryEntry) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.FlushTimeout)
	defer cancel()

	started := history[0].Timestamp
	ended := history[len(history)-1].Timestamp
	convID, err := m.durable.InsertConversation(ctx, sessionID, started, ended)
	if err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}
	records := make([]domain.MessageRecord, 0, len(history))
	for _, h := range history {
		records = append(records, domain.MessageRecord{Role: h.Role, Content: h.Content, CreatedAt: h.Timestamp})
	}
	if err := m.durable.InsertMessages(ctx, convID, records); err != nil {
		return convID, fmt.Errorf("insert messages: %w", err)
	}
	return convID, nil
}

// withState runs fn on the conversation's state under its lock and commits
// the state atomically when fn reports a change.
func (m *Manager) withState(ctx context.Context, sessionID string, fn func(*state) (bool, error)) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}
	key := keyPrefix + sessionID
	return m.locks.Do(ctx, key, func() error {
		var fnErr error
		err := m.store.Update(ctx, key, m.cfg.TTL, func(raw []byte) ([]byte, error) {
			st, err := decodeState(sessionID, raw)
			if err != nil {
				fnErr = err
				return nil, err
			}
			changed, err := fn(&st)
			if err != nil {
				fnErr = err
				return nil, err
			}
			if !changed {
				return nil, kvstore.ErrUnchanged
			}
			out, err := json.Marshal(st)
			if err != nil {
				fnErr = fmt.Errorf("conversation: encode %s: %w", sessionID, err)
				return nil, fnErr
			}
			return out, nil
		})
		if fnErr != nil {
			return fnErr
		}
		if err != nil {
			return fmt.Errorf("conversation: update %s: %w", sessionID, err)
		}
		return nil
	})
}

func decodeState(sessionID string, raw []byte) (state, error) {
	if raw == nil {
		return state{}, nil
	}
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return state{}, fmt.Errorf("conversation: decode %s: %w", sessionID, err)
	}
	return st, nil
}

func validSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty session id", ErrValidation)
	}
	return nil
}
