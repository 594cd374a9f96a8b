package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storefront-agent/internal/domain"
	"storefront-agent/internal/integrations/paramstore"
	"storefront-agent/internal/kvstore"
)

type mockParams struct {
	vals  map[string]string
	err   error
	calls int
}

func (m *mockParams) GetParameter(_ context.Context, name string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.vals[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", paramstore.ErrNotFound, name)
	}
	return v, nil
}

type failingFlags struct{}

func (failingFlags) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("store down")
}

func newFlags(t *testing.T) *Flags {
	t.Helper()
	f, err := NewFlags(kvstore.NewMemory())
	require.NoError(t, err)
	return f
}

func TestNewPromptSource_RequiresFallback(t *testing.T) {
	_, err := NewPromptSource(nil, nil, "", "  ", nil)
	require.Error(t, err)
}

func TestSystemPrompt_Precedence(t *testing.T) {
	ctx := context.Background()
	flags := newFlags(t)
	params := &mockParams{vals: map[string]string{"/prefix/pinned_prompt": " Pinned prompt. "}}
	p, err := NewPromptSource(flags, params, "/prefix/", "Default prompt.", zap.NewNop())
	require.NoError(t, err)

	require.Equal(t, "Pinned prompt.", p.SystemPrompt(ctx))

	require.NoError(t, flags.Set(ctx, FlagSystemPrompt, "Flag prompt."))
	require.Equal(t, "Flag prompt.", p.SystemPrompt(ctx))

	require.NoError(t, flags.Set(ctx, FlagSystemPrompt, ""))
	require.Equal(t, "Pinned prompt.", p.SystemPrompt(ctx))
	require.Equal(t, 1, params.calls, "pinned prompt is cached")
}

func TestSystemPrompt_FallsBackToDefault(t *testing.T) {
	ctx := context.Background()

	p, err := NewPromptSource(nil, nil, "", "Default prompt.", nil)
	require.NoError(t, err)
	require.Equal(t, "Default prompt.", p.SystemPrompt(ctx))

	params := &mockParams{vals: map[string]string{}}
	p, err = NewPromptSource(failingFlags{}, params, "/prefix", "Default prompt.", nil)
	require.NoError(t, err)
	require.Equal(t, "Default prompt.", p.SystemPrompt(ctx))
	require.Equal(t, "Default prompt.", p.SystemPrompt(ctx))
	require.Equal(t, 1, params.calls, "a missing parameter is cached as absent")
}

func TestSystemPrompt_LoadErrorIsRetriedOnNextRequest(t *testing.T) {
	ctx := context.Background()
	params := &mockParams{err: errors.New("temporary ssm failure")}
	p, err := NewPromptSource(nil, params, "/prefix", "Default prompt.", nil)
	require.NoError(t, err)

	require.Equal(t, "Default prompt.", p.SystemPrompt(ctx))

	params.err = nil
	params.vals = map[string]string{"/prefix/pinned_prompt": "Pinned prompt."}
	require.Equal(t, "Pinned prompt.", p.SystemPrompt(ctx))
	require.Equal(t, 2, params.calls)
}

func TestBuildPromptMessages_WithoutContext(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	history := []domain.HistoryEntry{
		{Role: domain.RoleUser, Content: "hi", Timestamp: ts},
		{Role: domain.RoleAssistant, Content: "hello", Timestamp: ts},
	}
	msgs := buildPromptMessages("sys", history, 10, "  ", "price?")
	require.Equal(t, []domain.ChatMessage{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "price?"},
	}, msgs)
}

func TestBuildPromptMessages_DefaultTurns(t *testing.T) {
	history := make([]domain.HistoryEntry, 15)
	for i := range history {
		history[i] = domain.HistoryEntry{Role: domain.RoleUser, Content: fmt.Sprintf("m%d", i)}
	}
	msgs := buildPromptMessages("sys", history, 0, "", "q")
	require.Len(t, msgs, 1+defaultPromptTurns+1)
	require.Equal(t, "m5", msgs[1].Content)
}

func TestWithoutEntry(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := domain.HistoryEntry{Role: domain.RoleUser, Content: "same", Timestamp: ts}
	b := domain.HistoryEntry{Role: domain.RoleAssistant, Content: "reply", Timestamp: ts}
	c := domain.HistoryEntry{Role: domain.RoleUser, Content: "same", Timestamp: ts.Add(time.Second)}

	require.Equal(t, []domain.HistoryEntry{a, b}, withoutEntry([]domain.HistoryEntry{a, b, c}, c))
	require.Equal(t, []domain.HistoryEntry{b, c}, withoutEntry([]domain.HistoryEntry{a, b, c}, a))
	require.Equal(t, []domain.HistoryEntry{a}, withoutEntry([]domain.HistoryEntry{a}, b))
}

func TestEstimateTokenizer(t *testing.T) {
	var tk estimateTokenizer
	require.Equal(t, 0, tk.Count(""))
	require.Equal(t, 1, tk.Count("abc"))
	require.Equal(t, 2, tk.Count("abcde"))

	require.Equal(t, "abcd", tk.Truncate("abcdefgh", 1))
	require.Equal(t, "short", tk.Truncate("short", 10))
	require.Equal(t, "", tk.Truncate("anything", 0))

	// A four byte cut of "aéééé" lands inside the second é.
	out := tk.Truncate("aéééé", 1)
	require.True(t, utf8.ValidString(out))
	require.True(t, strings.HasPrefix("aéééé", out))
	require.Equal(t, "aé", out)
}

func TestTiktokenizer_FallsBackWithoutEncoding(t *testing.T) {
	tk := &tiktokenizer{logger: zap.NewNop()}
	tk.once.Do(func() {})

	require.Equal(t, 2, tk.Count("abcdefgh"))
	require.Equal(t, "abcd", tk.Truncate("abcdefgh", 1))
	require.Equal(t, "", tk.Truncate("abcdefgh", 0))
}
