package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"storefront-agent/internal/domain"
	"storefront-agent/internal/integrations/paramstore"
)

const (
	defaultPromptTurns = 10
	tokenEncoding      = "cl100k_base"
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type FlagReader interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// PromptSource resolves the system prompt: the SYSTEM_PROMPT flag wins, then
// the pinned prompt in Parameter Store, then the configured default.
type PromptSource struct {
	flags       FlagReader
	params      ParamGetter
	paramPrefix string
	fallback    string
	logger      *zap.Logger

	cacheMu     sync.RWMutex
	cacheLoaded bool
	pinned      string
}

// NewPromptSource builds a PromptSource. flags and params may be nil.
func NewPromptSource(flags FlagReader, params ParamGetter, paramPrefix, fallback string, logger *zap.Logger) (*PromptSource, error) {
	fallback = strings.TrimSpace(fallback)
	if fallback == "" {
		return nil, errors.New("usecase: default system prompt must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromptSource{
		flags:       flags,
		params:      params,
		paramPrefix: strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
		fallback:    fallback,
		logger:      logger,
	}, nil
}

// SystemPrompt never fails; lookup errors fall through to the next source.
func (p *PromptSource) SystemPrompt(ctx context.Context) string {
	if p.flags != nil {
		v, ok, err := p.flags.Get(ctx, FlagSystemPrompt)
		switch {
		case err != nil:
			p.logger.Warn("system prompt flag unreadable", zap.Error(err))
		case ok && strings.TrimSpace(v) != "":
			return strings.TrimSpace(v)
		}
	}
	pinned, err := p.ensurePinned(ctx)
	if err != nil {
		p.logger.Warn("pinned prompt unavailable", zap.Error(err))
	}
	if pinned != "" {
		return pinned
	}
	return p.fallback
}

func (p *PromptSource) ensurePinned(ctx context.Context) (string, error) {
	if p.params == nil || p.paramPrefix == "" {
		return "", nil
	}
	p.cacheMu.RLock()
	if p.cacheLoaded {
		defer p.cacheMu.RUnlock()
		return p.pinned, nil
	}
	p.cacheMu.RUnlock()

	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	if p.cacheLoaded {
		return p.pinned, nil
	}

	v, err := p.params.GetParameter(ctx, p.paramPrefix+"/pinned_prompt")
	if err != nil && !errors.Is(err, paramstore.ErrNotFound) {
		return "", fmt.Errorf("usecase: load pinned prompt: %w", err)
	}
	p.pinned = strings.TrimSpace(v)
	p.cacheLoaded = true
	return p.pinned, nil
}

// buildPromptMessages lays out the model input: system instructions, the
// most recent history, retrieved context when there is any, then the new
// user message.
func buildPromptMessages(system string, history []domain.HistoryEntry, turns int, contextText, message string) []domain.ChatMessage {
	if turns <= 0 {
		turns = defaultPromptTurns
	}
	if len(history) > turns {
		history = history[len(history)-turns:]
	}
	messages := make([]domain.ChatMessage, 0, len(history)+3)
	messages = append(messages, domain.ChatMessage{Role: string(domain.RoleSystem), Content: system})
	for _, h := range history {
		messages = append(messages, domain.ChatMessage{Role: string(h.Role), Content: h.Content})
	}
	if ctxText := strings.TrimSpace(contextText); ctxText != "" {
		messages = append(messages, domain.ChatMessage{
			Role:    string(domain.RoleSystem),
			Content: buildContextPrompt(ctxText),
		})
	}
	return append(messages, domain.ChatMessage{Role: string(domain.RoleUser), Content: message})
}

func buildContextPrompt(text string) string {
	return strings.Join([]string{
		"Store context for the next question.",
		"Use it only when it answers the question; do not mention that it was provided.",
		"",
		text,
	}, "\n")
}

// withoutEntry drops the most recent occurrence of e from history.
func withoutEntry(history []domain.HistoryEntry, e domain.HistoryEntry) []domain.HistoryEntry {
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if h.Role == e.Role && h.Content == e.Content && h.Timestamp.Equal(e.Timestamp) {
			out := make([]domain.HistoryEntry, 0, len(history)-1)
			out = append(out, history[:i]...)
			return append(out, history[i+1:]...)
		}
	}
	return history
}

// Tokenizer counts and trims text in model tokens.
type Tokenizer interface {
	Count(text string) int
	// Truncate returns the longest prefix of text that fits in maxTokens.
	Truncate(text string, maxTokens int) string
}

// NewTokenizer returns a cl100k_base tokenizer. The encoding is loaded on
// first use; if it cannot be loaded the tokenizer estimates four bytes per
// token.
func NewTokenizer(logger *zap.Logger) Tokenizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &tiktokenizer{logger: logger}
}

type tiktokenizer struct {
	once   sync.Once
	enc    *tiktoken.Tiktoken
	logger *zap.Logger
}

func (t *tiktokenizer) encoding() *tiktoken.Tiktoken {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(tokenEncoding)
		if err != nil {
			t.logger.Warn("token encoding unavailable, estimating", zap.Error(err))
			return
		}
		t.enc = enc
	})
	return t.enc
}

func (t *tiktokenizer) Count(text string) int {
	enc := t.encoding()
	if enc == nil {
		return estimateTokenizer{}.Count(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (t *tiktokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	enc := t.encoding()
	if enc == nil {
		return estimateTokenizer{}.Truncate(text, maxTokens)
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	out := enc.Decode(tokens[:maxTokens])
	// A cut can land inside a multi-byte rune.
	for len(out) > 0 && !utf8.ValidString(out) {
		out = out[:len(out)-1]
	}
	return out
}

// estimateTokenizer assumes four bytes per token.
type estimateTokenizer struct{}

func (estimateTokenizer) Count(text string) int {
	return (len(text) + 3) / 4
}

func (estimateTokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	limit := maxTokens * 4
	if len(text) <= limit {
		return text
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}
