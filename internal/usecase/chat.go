package usecase

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storefront-agent/internal/conversation"
	"storefront-agent/internal/domain"
	"storefront-agent/internal/metrics"
	"storefront-agent/internal/ratelimit"
	"storefront-agent/internal/retrieval"
)

const (
	defaultLLMTimeout     = 60 * time.Second
	defaultPseudoChunk    = 24
	defaultPseudoInterval = 20 * time.Millisecond
	replyWriteTimeout     = 10 * time.Second
	maxCartRefLen         = 256
	sessionBucketPrefix   = "session:"

	modeBatch  = "batch"
	modeStream = "stream"
)

type ConversationStore interface {
	Validate(role domain.Role, content string) error
	Append(ctx context.Context, sessionID string, role domain.Role, content string) (domain.HistoryEntry, error)
	AppendReply(ctx context.Context, sessionID, content string, prompt domain.HistoryEntry) (domain.HistoryEntry, error)
	History(ctx context.Context, sessionID string) ([]domain.HistoryEntry, error)
	SetCartReference(ctx context.Context, sessionID, cartRef string) error
	CartReference(ctx context.Context, sessionID string) (string, error)
	End(ctx context.Context, sessionID string) (conversation.EndResult, error)
}

type RateLimiter interface {
	Consume(ctx context.Context, key string, n float64) (ratelimit.Decision, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, query string) retrieval.Context
}

// ChunkStream yields reply text as the provider produces it. Recv returns
// io.EOF after the last chunk.
type ChunkStream interface {
	Recv() (string, error)
	Close() error
}

type LLMClient interface {
	Generate(ctx context.Context, messages []domain.ChatMessage) (string, error)
	GenerateStream(ctx context.Context, messages []domain.ChatMessage) (ChunkStream, error)
	Moderate(ctx context.Context, input string) (bool, error)
}

type SystemPrompter interface {
	SystemPrompt(ctx context.Context) string
}

// EventSink receives streamed reply events. Send returns an error once the
// consumer is gone.
type EventSink interface {
	Send(ev domain.StreamEvent) error
}

type ChatConfig struct {
	PromptTurns int
	// Streaming reports whether the provider streams natively. When false a
	// streamed request is served by chunking the batch reply.
	Streaming        bool
	Moderation       bool
	LLMTimeout       time.Duration
	MaxContextTokens int
	PseudoChunk      int
	PseudoInterval   time.Duration
}

type ChatService struct {
	conv      ConversationStore
	limiter   RateLimiter
	retriever Retriever
	llm       LLMClient
	prompts   SystemPrompter
	cfg       ChatConfig

	tokenizer Tokenizer
	logger    *zap.Logger
	metrics   *metrics.Metrics
	sleep     func(ctx context.Context, d time.Duration) error
}

type ChatOption func(*ChatService)

func WithLogger(l *zap.Logger) ChatOption {
	return func(s *ChatService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) ChatOption {
	return func(s *ChatService) { s.metrics = m }
}

func WithTokenizer(t Tokenizer) ChatOption {
	return func(s *ChatService) {
		if t != nil {
			s.tokenizer = t
		}
	}
}

type RespondInput struct {
	SessionID string
	Message   string
	Stream    bool
}

type RespondOutput struct {
	Reply     string
	SessionID string
}

// NewChatService wires the reply pipeline. retriever may be nil, in which
// case prompts carry no store context.
func NewChatService(conv ConversationStore, limiter RateLimiter, retriever Retriever, llm LLMClient, prompts SystemPrompter, cfg ChatConfig, opts ...ChatOption) (*ChatService, error) {
	if conv == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if limiter == nil {
		return nil, errors.New("usecase: rate limiter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if prompts == nil {
		return nil, errors.New("usecase: prompt source must not be nil")
	}
	if cfg.PromptTurns <= 0 {
		cfg.PromptTurns = defaultPromptTurns
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = defaultLLMTimeout
	}
	if cfg.PseudoChunk <= 0 {
		cfg.PseudoChunk = defaultPseudoChunk
	}
	if cfg.PseudoInterval < 0 {
		cfg.PseudoInterval = defaultPseudoInterval
	}
	s := &ChatService{
		conv:      conv,
		limiter:   limiter,
		retriever: retriever,
		llm:       llm,
		prompts:   prompts,
		cfg:       cfg,
		logger:    zap.NewNop(),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tokenizer == nil {
		s.tokenizer = NewTokenizer(s.logger)
	}
	return s, nil
}

// Respond answers one user message. In stream mode reply chunks go to sink as
// they arrive, followed by one event carrying the full reply with Done set;
// the caller writes the terminal sentinel. The user message is appended
// before generation and the reply after it, so a failed generation leaves
// only the user message in history.
func (s *ChatService) Respond(ctx context.Context, in RespondInput, sink EventSink) (out RespondOutput, err error) {
	start := time.Now()
	mode := modeBatch
	if in.Stream {
		mode = modeStream
	}
	defer func() { s.metrics.Reply(mode, replyOutcome(err), time.Since(start)) }()

	message := strings.TrimSpace(in.Message)
	if message == "" {
		return RespondOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if err := s.conv.Validate(domain.RoleUser, message); err != nil {
		return RespondOutput{}, newError(ErrorInvalidInput, "message_too_long", err)
	}
	if in.Stream && sink == nil {
		return RespondOutput{}, newError(ErrorInternal, "missing_event_sink", nil)
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		sessionID = newUUID()
	}
	logger := s.logger.With(zap.String("session_id", sessionID), zap.String("mode", mode))

	if err := s.admit(ctx, sessionID); err != nil {
		return RespondOutput{}, err
	}
	if err := s.moderate(ctx, message); err != nil {
		return RespondOutput{}, err
	}

	entry, err := s.conv.Append(ctx, sessionID, domain.RoleUser, message)
	if err != nil {
		return RespondOutput{}, historyError("history_write_error", err)
	}
	history, err := s.conv.History(ctx, sessionID)
	if err != nil {
		return RespondOutput{}, historyError("history_read_error", err)
	}
	history = withoutEntry(history, entry)

	var found retrieval.Context
	if s.retriever != nil {
		found = s.retriever.Retrieve(ctx, message)
	}
	contextText := found.Text
	if s.cfg.MaxContextTokens > 0 {
		contextText = s.tokenizer.Truncate(contextText, s.cfg.MaxContextTokens)
	}
	messages := buildPromptMessages(s.prompts.SystemPrompt(ctx), history, s.cfg.PromptTurns, contextText, message)
	if ce := logger.Check(zap.DebugLevel, "prompt assembled"); ce != nil {
		ce.Write(
			zap.String("context_source", found.Source),
			zap.Int("prompt_messages", len(messages)),
			zap.Int("context_tokens", s.tokenizer.Count(contextText)),
		)
	}

	// The model call outlives a disconnected client so the reply still lands
	// in history.
	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LLMTimeout)
	defer cancel()

	events := &guardedSink{sink: sink, sessionID: sessionID, logger: logger}
	var reply string
	if in.Stream && s.cfg.Streaming {
		reply, err = s.relay(genCtx, messages, events)
	} else {
		reply, err = s.generate(genCtx, messages)
	}
	if err != nil {
		logger.Warn("reply generation failed", zap.Error(err))
		return RespondOutput{}, err
	}

	switch err := s.appendReply(ctx, sessionID, reply, entry); {
	case errors.Is(err, conversation.ErrEnded):
		logger.Info("conversation ended before the reply was recorded")
	case err != nil:
		logger.Error("reply not recorded", zap.Error(err))
		return RespondOutput{}, err
	}

	if in.Stream {
		if !s.cfg.Streaming {
			s.pseudoStream(ctx, reply, events)
		}
		events.send(domain.StreamEvent{Content: reply, Done: true})
	}
	logger.Info("reply sent",
		zap.Int("reply_bytes", len(reply)),
		zap.Bool("consumer_gone", events.gone),
		zap.Duration("took", time.Since(start)),
	)
	return RespondOutput{Reply: reply, SessionID: sessionID}, nil
}

func (s *ChatService) admit(ctx context.Context, sessionID string) error {
	decision, err := s.limiter.Consume(ctx, sessionBucketPrefix+sessionID, 1)
	if err != nil {
		return newError(ErrorInternal, "rate_limit_error", err)
	}
	if !decision.Allowed {
		s.metrics.RateLimited("session")
		e := newError(ErrorRateLimited, "session_rate_limited", nil)
		e.RetryAfter = decision.RetryAfter
		return e
	}
	return nil
}

func (s *ChatService) moderate(ctx context.Context, message string) error {
	if !s.cfg.Moderation {
		return nil
	}
	flagged, err := s.llm.Moderate(ctx, message)
	if err != nil {
		return upstreamError("moderation", err)
	}
	if flagged {
		return newError(ErrorInvalidInput, "moderation_flagged", nil)
	}
	return nil
}

func (s *ChatService) generate(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	reply, err := s.llm.Generate(ctx, messages)
	if err != nil {
		return "", upstreamError("model", err)
	}
	if strings.TrimSpace(reply) == "" {
		return "", newError(ErrorUpstream, "model_empty_reply", nil)
	}
	return reply, nil
}

// relay forwards provider chunks as delta events and returns the accumulated
// reply. A provider failure discards what was accumulated.
func (s *ChatService) relay(ctx context.Context, messages []domain.ChatMessage, events *guardedSink) (string, error) {
	stream, err := s.llm.GenerateStream(ctx, messages)
	if err != nil {
		return "", upstreamError("model", err)
	}
	defer stream.Close()
	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	var b strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", upstreamError("model_stream", err)
		}
		if chunk == "" {
			continue
		}
		b.WriteString(chunk)
		events.send(domain.StreamEvent{Delta: chunk})
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", newError(ErrorUpstream, "model_empty_reply", nil)
	}
	return b.String(), nil
}

// pseudoStream replays a finished reply as delta events so non-streaming
// providers present the same event shape.
func (s *ChatService) pseudoStream(ctx context.Context, reply string, events *guardedSink) {
	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()
	for i, chunk := range chunkText(reply, s.cfg.PseudoChunk) {
		if i > 0 {
			if err := s.sleep(ctx, s.cfg.PseudoInterval); err != nil {
				return
			}
		}
		if !events.send(domain.StreamEvent{Delta: chunk}) {
			return
		}
	}
}

// appendReply records reply against prompt. conversation.ErrEnded is passed
// through unwrapped.
func (s *ChatService) appendReply(ctx context.Context, sessionID, reply string, prompt domain.HistoryEntry) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyWriteTimeout)
	defer cancel()
	_, err := s.conv.AppendReply(ctx, sessionID, reply, prompt)
	if err == nil || errors.Is(err, conversation.ErrEnded) {
		return err
	}
	return historyError("history_write_error", err)
}

type EndOutput struct {
	SessionID      string
	ConversationID string
	Messages       int
	Persisted      bool
}

// End closes a conversation. Its ephemeral state is gone afterwards even when
// the durable write failed, which is reported as PERSISTENCE_ERROR.
func (s *ChatService) End(ctx context.Context, sessionID string) (EndOutput, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return EndOutput{}, newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	res, err := s.conv.End(ctx, sessionID)
	out := EndOutput{
		SessionID:      sessionID,
		ConversationID: res.ConversationID,
		Messages:       res.Messages,
		Persisted:      res.Persisted,
	}
	var persistErr *conversation.PersistenceError
	switch {
	case errors.As(err, &persistErr):
		s.metrics.ConversationEnded("persist_failed")
		return out, newError(ErrorPersistence, "durable_write_error", err)
	case err != nil:
		s.metrics.ConversationEnded("error")
		return out, historyError("conversation_end_error", err)
	case res.Messages == 0:
		s.metrics.ConversationEnded("empty")
	case res.Persisted:
		s.metrics.ConversationEnded("persisted")
	default:
		s.metrics.ConversationEnded("cleared")
	}
	return out, nil
}

func (s *ChatService) History(ctx context.Context, sessionID string) ([]domain.HistoryEntry, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	history, err := s.conv.History(ctx, sessionID)
	if err != nil {
		return nil, historyError("history_read_error", err)
	}
	return history, nil
}

// SetCart records the storefront cart tied to a conversation. An empty ref
// clears it.
func (s *ChatService) SetCart(ctx context.Context, sessionID, cartRef string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	if len(cartRef) > maxCartRefLen {
		return newError(ErrorInvalidInput, "cart_ref_too_long", nil)
	}
	if err := s.conv.SetCartReference(ctx, sessionID, cartRef); err != nil {
		return historyError("cart_write_error", err)
	}
	return nil
}

func (s *ChatService) Cart(ctx context.Context, sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	ref, err := s.conv.CartReference(ctx, sessionID)
	if err != nil {
		return "", historyError("cart_read_error", err)
	}
	return ref, nil
}

// guardedSink stamps the session id on every event and stops writing after
// the first failed send.
type guardedSink struct {
	sink      EventSink
	sessionID string
	logger    *zap.Logger
	gone      bool
}

func (g *guardedSink) send(ev domain.StreamEvent) bool {
	if g.sink == nil || g.gone {
		return false
	}
	ev.SessionID = g.sessionID
	if err := g.sink.Send(ev); err != nil {
		g.gone = true
		g.logger.Info("stream consumer gone", zap.Error(err))
		return false
	}
	return true
}

func historyError(reason string, err error) *Error {
	if errors.Is(err, conversation.ErrValidation) {
		return newError(ErrorInvalidInput, "invalid_message", err)
	}
	return newError(ErrorInternal, reason, err)
}

func replyOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(AsError(err).Code))
}

// chunkText splits s into pieces of at most size runes.
func chunkText(s string, size int) []string {
	if size <= 0 {
		size = defaultPseudoChunk
	}
	var out []string
	for len(s) > 0 {
		n, i := 0, 0
		for i < len(s) && n < size {
			_, w := utf8.DecodeRuneInString(s[i:])
			i += w
			n++
		}
		out = append(out, s[:i])
		s = s[i:]
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
