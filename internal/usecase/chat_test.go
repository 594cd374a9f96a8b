package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storefront-agent/internal/conversation"
	"storefront-agent/internal/domain"
	"storefront-agent/internal/keylock"
	"storefront-agent/internal/kvstore"
	"storefront-agent/internal/ratelimit"
	"storefront-agent/internal/retrieval"
)

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("status %d", e.code) }
func (e *statusError) HTTPStatusCode() int { return e.code }

type fakeStream struct {
	chunks []string
	err    error
	closed bool
}

func (s *fakeStream) Recv() (string, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeLLM struct {
	reply      string
	err        error
	chunks     []string
	streamErr  error
	openErr    error
	flagged    bool
	modErr     error
	onGenerate func(ctx context.Context)

	captured  []domain.ChatMessage
	streams   []*fakeStream
	generated int
	moderated int
}

func (f *fakeLLM) Generate(ctx context.Context, msgs []domain.ChatMessage) (string, error) {
	f.generated++
	f.captured = msgs
	if f.onGenerate != nil {
		f.onGenerate(ctx)
	}
	return f.reply, f.err
}

func (f *fakeLLM) GenerateStream(_ context.Context, msgs []domain.ChatMessage) (ChunkStream, error) {
	f.captured = msgs
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := &fakeStream{chunks: append([]string(nil), f.chunks...), err: f.streamErr}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeLLM) Moderate(_ context.Context, _ string) (bool, error) {
	f.moderated++
	return f.flagged, f.modErr
}

// recordingSink fails every send after the first failAfter successes when
// failAfter >= 0.
type recordingSink struct {
	mu        sync.Mutex
	events    []domain.StreamEvent
	attempts  int
	failAfter int
}

func newSink() *recordingSink { return &recordingSink{failAfter: -1} }

func (s *recordingSink) Send(ev domain.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failAfter >= 0 && len(s.events) >= s.failAfter {
		return errors.New("broken pipe")
	}
	s.events = append(s.events, ev)
	return nil
}

type staticPrompt string

func (p staticPrompt) SystemPrompt(context.Context) string { return string(p) }

type staticRetriever retrieval.Context

func (r staticRetriever) Retrieve(context.Context, string) retrieval.Context {
	return retrieval.Context(r)
}

type fakeDurable struct {
	err           error
	conversations int
	messages      []domain.MessageRecord
}

func (f *fakeDurable) InsertConversation(_ context.Context, _ string, _, _ time.Time) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.conversations++
	return "conv-1", nil
}

func (f *fakeDurable) InsertMessages(_ context.Context, _ string, msgs []domain.MessageRecord) error {
	f.messages = append(f.messages, msgs...)
	return nil
}

type testChat struct {
	svc  *ChatService
	conv *conversation.Manager
	llm  *fakeLLM
}

type testOpts struct {
	cfg       ChatConfig
	capacity  float64
	retriever Retriever
	durable   conversation.DurableStore
}

func newTestChat(t *testing.T, llm *fakeLLM, o testOpts) *testChat {
	t.Helper()
	locks := keylock.New()
	conv, err := conversation.NewManager(kvstore.NewMemory(), locks, o.durable, zap.NewNop(), conversation.Config{MaxMessageLen: 200})
	require.NoError(t, err)
	if o.capacity == 0 {
		o.capacity = 40
	}
	limiter, err := ratelimit.NewLimiter(ratelimit.Policy{Capacity: o.capacity}, kvstore.NewMemory(), locks)
	require.NoError(t, err)
	svc, err := NewChatService(conv, limiter, o.retriever, llm, staticPrompt("You are the store assistant."), o.cfg,
		WithTokenizer(estimateTokenizer{}))
	require.NoError(t, err)
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	return &testChat{svc: svc, conv: conv, llm: llm}
}

func expectError(t *testing.T, err error, code ErrorCode, reason string) *Error {
	t.Helper()
	require.Error(t, err)
	var ue *Error
	require.True(t, errors.As(err, &ue), "expected *Error, got %T", err)
	require.Equal(t, code, ue.Code)
	require.Equal(t, reason, ue.Reason)
	return ue
}

func roles(history []domain.HistoryEntry) []domain.Role {
	out := make([]domain.Role, 0, len(history))
	for _, h := range history {
		out = append(out, h.Role)
	}
	return out
}

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	conv, err := conversation.NewManager(kvstore.NewMemory(), keylock.New(), nil, nil, conversation.Config{})
	require.NoError(t, err)
	limiter, err := ratelimit.NewLimiter(ratelimit.Policy{Capacity: 1}, kvstore.NewMemory(), nil)
	require.NoError(t, err)
	llm := &fakeLLM{}
	prompt := staticPrompt("p")

	_, err = NewChatService(nil, limiter, nil, llm, prompt, ChatConfig{})
	require.Error(t, err)
	_, err = NewChatService(conv, nil, nil, llm, prompt, ChatConfig{})
	require.Error(t, err)
	_, err = NewChatService(conv, limiter, nil, nil, prompt, ChatConfig{})
	require.Error(t, err)
	_, err = NewChatService(conv, limiter, nil, llm, nil, ChatConfig{})
	require.Error(t, err)
	_, err = NewChatService(conv, limiter, nil, llm, prompt, ChatConfig{})
	require.NoError(t, err)
}

func TestRespond_Batch_HappyPath(t *testing.T) {
	orig := newUUID
	newUUID = func() string { return "generated-session" }
	t.Cleanup(func() { newUUID = orig })

	tc := newTestChat(t, &fakeLLM{reply: "We ship worldwide."}, testOpts{})
	out, err := tc.svc.Respond(context.Background(), RespondInput{Message: "  Do you ship abroad?  "}, nil)
	require.NoError(t, err)
	require.Equal(t, "We ship worldwide.", out.Reply)
	require.Equal(t, "generated-session", out.SessionID)

	history, err := tc.conv.History(context.Background(), "generated-session")
	require.NoError(t, err)
	require.Equal(t, []domain.Role{domain.RoleUser, domain.RoleAssistant}, roles(history))
	require.Equal(t, "Do you ship abroad?", history[0].Content)
	require.Equal(t, "We ship worldwide.", history[1].Content)
}

func TestRespond_PromptLayout(t *testing.T) {
	llm := &fakeLLM{reply: "ok"}
	tc := newTestChat(t, llm, testOpts{
		cfg:       ChatConfig{PromptTurns: 4},
		retriever: staticRetriever{Text: "Matching products:\n- Silver ring | price: 40.00", Source: "catalog"},
	})
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := tc.conv.Append(ctx, "s1", domain.RoleUser, fmt.Sprintf("old %d", i))
		require.NoError(t, err)
	}

	_, err := tc.svc.Respond(ctx, RespondInput{SessionID: "s1", Message: "Any rings?"}, nil)
	require.NoError(t, err)

	msgs := llm.captured
	require.Len(t, msgs, 1+4+1+1)
	require.Equal(t, "system", msgs[0].Role)
	require.Equal(t, "You are the store assistant.", msgs[0].Content)
	require.Equal(t, "old 2", msgs[1].Content)
	require.Equal(t, "old 5", msgs[4].Content)
	require.Equal(t, "system", msgs[5].Role)
	require.Contains(t, msgs[5].Content, "Silver ring")
	require.Equal(t, domain.ChatMessage{Role: "user", Content: "Any rings?"}, msgs[6])
}

func TestRespond_ContextIsTrimmedToTokenBudget(t *testing.T) {
	llm := &fakeLLM{reply: "ok"}
	tc := newTestChat(t, llm, testOpts{
		cfg:       ChatConfig{MaxContextTokens: 2},
		retriever: staticRetriever{Text: "abcdefghijklmnop", Source: "knowledge"},
	})
	_, err := tc.svc.Respond(context.Background(), RespondInput{SessionID: "s1", Message: "hi"}, nil)
	require.NoError(t, err)
	ctxMsg := llm.captured[len(llm.captured)-2]
	require.True(t, strings.HasSuffix(ctxMsg.Content, "\nabcdefgh"), ctxMsg.Content)
}

func TestRespond_Stream_RelaysChunksThenFinal(t *testing.T) {
	llm := &fakeLLM{chunks: []string{"Hel", "lo", "", " there"}}
	tc := newTestChat(t, llm, testOpts{cfg: ChatConfig{Streaming: true}})
	sink := newSink()

	out, err := tc.svc.Respond(context.Background(), RespondInput{SessionID: "s1", Message: "hi", Stream: true}, sink)
	require.NoError(t, err)
	require.Equal(t, "Hello there", out.Reply)

	require.Equal(t, []domain.StreamEvent{
		{SessionID: "s1", Delta: "Hel"},
		{SessionID: "s1", Delta: "lo"},
		{SessionID: "s1", Delta: " there"},
		{SessionID: "s1", Content: "Hello there", Done: true},
	}, sink.events)
	require.True(t, llm.streams[0].closed)

	history, err := tc.conv.History(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "Hello there", history[1].Content)
}

func TestRespond_Stream_ConsumerGoneStillRecordsReply(t *testing.T) {
	llm := &fakeLLM{chunks: []string{"one ", "two ", "three"}}
	tc := newTestChat(t, llm, testOpts{cfg: ChatConfig{Streaming: true}})
	sink := newSink()
	sink.failAfter = 1

	out, err := tc.svc.Respond(context.Background(), RespondInput{SessionID: "s1", Message: "count", Stream: true}, sink)
	require.NoError(t, err)
	require.Equal(t, "one two three", out.Reply)
	require.Len(t, sink.events, 1)
	require.Equal(t, 2, sink.attempts, "no writes after the first failure")

	history, err := tc.conv.History(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, []domain.Role{domain.RoleUser, domain.RoleAssistant}, roles(history))
	require.Equal(t, "one two three", history[1].Content)
}

func TestRespond_Stream_ProviderFailureAppendsNothing(t *testing.T) {
	llm := &fakeLLM{chunks: []string{"partial"}, streamErr: errors.New("connection reset")}
	tc := newTestChat(t, llm, testOpts{cfg: ChatConfig{Streaming: true}})
	sink := newSink()

	_, err := tc.svc.Respond(context.Background(), RespondInput{SessionID: "s1", Message: "hi", Stream: true}, sink)
	expectError(t, err, ErrorUpstream, "model_stream_error")

	history, err := tc.conv.History(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, []domain.Role{domain.RoleUser}, roles(history))
	for _, ev := range sink.events {
		require.False(t, ev.Done)
	}
}

func TestRespond_Stream_OpenFailure(t *testing.T) {
	llm := &fakeLLM{openErr: &statusError{code: 429}}
	tc := newTestChat(t, llm, testOpts{cfg: ChatConfig{Streaming: true}})
	_, err := tc.svc.Respond(context.Background(), RespondInput{SessionID: "s1", Message: "hi", Stream: true}, newSink())
	expectError(t, err, ErrorRateLimited, "model_rate_limited")
}

func TestRespond_PseudoStream(t *testing.T) {
	llm := &fakeLLM{reply: "abcdefghij"}
	tc := newTestChat(t, llm, testOpts{cfg: ChatConfig{PseudoChunk: 4, PseudoInterval: time.Millisecond}})
	var sleeps int
	tc.svc.sleep = func(context.Context, time.Duration) error { sleeps++; return nil }
	sink := newSink()

	out, err := tc.svc.Respond(context.Background(), RespondInput{SessionID: "s1", Message: "hi", Stream: true}, sink)
	require.NoError(t, err)
	require.Equal(t, "abcdefghij", out.Reply)
	require.Equal(t, 2, sleeps)
	require.Equal(t, []domain.StreamEvent{
		{SessionID: "s1", Delta: "abcd"},
		{SessionID: "s1", Delta: "efgh"},
		{SessionID: "s1", Delta: "ij"},
		{SessionID: "s1", Content: "abcdefghij", Done: true},
	}, sink.events)
	require.Equal(t, 1, llm.generated)
}

func TestRespond_PseudoStream_StopsWhenCallerLeaves(t *testing.T) {
	llm := &fakeLLM{reply: "abcdefghij"}
	tc := newTestChat(t, llm, testOpts{cfg: ChatConfig{PseudoChunk: 4}})
	tc.svc.sleep = func(context.Context, time.Duration) error { return context.Canceled }
	sink := newSink()

	_, err := tc.svc.Respond(context.Background(), RespondInput{SessionID: "s1", Message: "hi", Stream: true}, sink)
	require.NoError(t, err)
	require.Equal(t, "abcd", sink.events[0].Delta)
	require.True(t, sink.events[len(sink.events)-1].Done)

	history, err := tc.conv.History(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "abcdefghij", history[1].Content)
}

func TestRespond_ModelRunsDetachedFromCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var genErr error
	var hasDeadline bool
	llm := &fakeLLM{reply: "late reply"}
	llm.onGenerate = func(genCtx context.Context) {
		cancel()
		genErr = genCtx.Err()
		_, hasDeadline = genCtx.Deadline()
	}
	tc := newTestChat(t, llm, testOpts{cfg: ChatConfig{LLMTimeout: time.Minute}})

	out, err := tc.svc.Respond(ctx, RespondInput{SessionID: "s1", Message: "hi"}, nil)
	require.NoError(t, err)
	require.Equal(t, "late reply", out.Reply)
	require.NoError(t, genErr)
	require.True(t, hasDeadline)

	history, err := tc.conv.History(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestRespond_EndDuringGenerationLeavesNoOrphanReply(t *testing.T) {
	ctx := context.Background()
	durable := &fakeDurable{}
	llm := &fakeLLM{reply: "too late"}
	tc := newTestChat(t, llm, testOpts{durable: durable})
	llm.onGenerate = func(context.Context) {
		out, err := tc.svc.End(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, 1, out.Messages)
	}

	out, err := tc.svc.Respond(ctx, RespondInput{SessionID: "s1", Message: "hi"}, nil)
	require.NoError(t, err)
	require.Equal(t, "too late", out.Reply)

	history, err := tc.conv.History(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, history)

	end, err := tc.svc.End(ctx, "s1")
	require.NoError(t, err)
	require.False(t, end.Persisted)
	require.Equal(t, 1, durable.conversations)
	require.Len(t, durable.messages, 1)
	require.Equal(t, domain.RoleUser, durable.messages[0].Role)
}

func TestRespond_RateLimitedBeforeAppend(t *testing.T) {
	tc := newTestChat(t, &fakeLLM{reply: "ok"}, testOpts{capacity: 2})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := tc.svc.Respond(ctx, RespondInput{SessionID: "s1", Message: "hi"}, nil)
		require.NoError(t, err)
	}
	_, err := tc.svc.Respond(ctx, RespondInput{SessionID: "s1", Message: "hi"}, nil)
	ue := expectError(t, err, ErrorRateLimited, "session_rate_limited")
	require.Greater(t, ue.RetryAfter, time.Duration(0))

	history, err := tc.conv.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 4)

	// Other sessions have their own bucket.
	_, err = tc.svc.Respond(ctx, RespondInput{SessionID: "s2", Message: "hi"}, nil)
	require.NoError(t, err)
}

func TestRespond_Moderation(t *testing.T) {
	t.Run("flagged", func(t *testing.T) {
		tc := newTestChat(t, &fakeLLM{reply: "ok", flagged: true}, testOpts{cfg: ChatConfig{Moderation: true}})
		_, err := tc.svc.Respond(context.Background(), RespondInput{SessionID: "s1", Message: "bad"}, nil)
		expectError(t, err, ErrorInvalidInput, "moderation_flagged")
		history, err := tc.conv.History(context.Background(), "s1")
		require.NoError(t, err)
		require.Empty(t, history)
	})
	t.Run("upstream error", func(t *testing.T) {
		tc := newTestChat(t, &fakeLLM{reply: "ok", modErr: errors.New("boom")}, testOpts{cfg: ChatConfig{Moderation: true}})
		_, err := tc.svc.Respond(context.Background(), RespondInput{SessionID: "s1", Message: "hi"}, nil)
		expectError(t, err, ErrorUpstream, "moderation_error")
	})
	t.Run("disabled", func(t *testing.T) {
		llm := &fakeLLM{reply: "ok", flagged: true}
		tc := newTestChat(t, llm, testOpts{})
		_, err := tc.svc.Respond(context.Background(), RespondInput{SessionID: "s1", Message: "hi"}, nil)
		require.NoError(t, err)
		require.Zero(t, llm.moderated)
	})
}

func TestRespond_ValidationErrors(t *testing.T) {
	llm := &fakeLLM{reply: "ok"}
	tc := newTestChat(t, llm, testOpts{})

	_, err := tc.svc.Respond(context.Background(), RespondInput{SessionID: "s1", Message: "   "}, nil)
	expectError(t, err, ErrorInvalidInput, "empty_message")

	_, err = tc.svc.Respond(context.Background(), RespondInput{SessionID: "s1", Message: strings.Repeat("x", 201)}, nil)
	expectError(t, err, ErrorInvalidInput, "message_too_long")

	_, err = tc.svc.Respond(context.Background(), RespondInput{SessionID: "s1", Message: "hi", Stream: true}, nil)
	expectError(t, err, ErrorInternal, "missing_event_sink")

	require.Zero(t, llm.generated)
}

func TestRespond_UpstreamErrors(t *testing.T) {
	cases := []struct {
		name   string
		llm    *fakeLLM
		code   ErrorCode
		reason string
	}{
		{"provider error", &fakeLLM{err: errors.New("boom")}, ErrorUpstream, "model_error"},
		{"provider 429", &fakeLLM{err: &statusError{code: 429}}, ErrorRateLimited, "model_rate_limited"},
		{"provider 500", &fakeLLM{err: &statusError{code: 500}}, ErrorUpstream, "model_error"},
		{"empty reply", &fakeLLM{reply: "  "}, ErrorUpstream, "model_empty_reply"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestChat(t, tt.llm, testOpts{})
			_, err := tc.svc.Respond(context.Background(), RespondInput{SessionID: "s1", Message: "hi"}, nil)
			expectError(t, err, tt.code, tt.reason)

			history, err := tc.conv.History(context.Background(), "s1")
			require.NoError(t, err)
			require.Equal(t, []domain.Role{domain.RoleUser}, roles(history))
		})
	}
}

func TestEnd(t *testing.T) {
	ctx := context.Background()

	t.Run("persisted", func(t *testing.T) {
		durable := &fakeDurable{}
		tc := newTestChat(t, &fakeLLM{reply: "ok"}, testOpts{durable: durable})
		_, err := tc.svc.Respond(ctx, RespondInput{SessionID: "s1", Message: "hi"}, nil)
		require.NoError(t, err)

		out, err := tc.svc.End(ctx, " s1 ")
		require.NoError(t, err)
		require.Equal(t, EndOutput{SessionID: "s1", ConversationID: "conv-1", Messages: 2, Persisted: true}, out)
		require.Len(t, durable.messages, 2)
	})

	t.Run("durable failure still clears", func(t *testing.T) {
		tc := newTestChat(t, &fakeLLM{reply: "ok"}, testOpts{durable: &fakeDurable{err: errors.New("throttled")}})
		_, err := tc.svc.Respond(ctx, RespondInput{SessionID: "s1", Message: "hi"}, nil)
		require.NoError(t, err)

		out, err := tc.svc.End(ctx, "s1")
		expectError(t, err, ErrorPersistence, "durable_write_error")
		require.False(t, out.Persisted)

		history, err := tc.svc.History(ctx, "s1")
		require.NoError(t, err)
		require.Empty(t, history)
	})

	t.Run("missing session", func(t *testing.T) {
		tc := newTestChat(t, &fakeLLM{}, testOpts{})
		_, err := tc.svc.End(ctx, " ")
		expectError(t, err, ErrorInvalidInput, "missing_session_id")
	})
}

func TestCart(t *testing.T) {
	tc := newTestChat(t, &fakeLLM{}, testOpts{})
	ctx := context.Background()

	require.NoError(t, tc.svc.SetCart(ctx, "s1", " gid://shopify/Cart/abc "))
	ref, err := tc.svc.Cart(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "gid://shopify/Cart/abc", ref)

	err = tc.svc.SetCart(ctx, "s1", strings.Repeat("c", maxCartRefLen+1))
	expectError(t, err, ErrorInvalidInput, "cart_ref_too_long")

	_, err = tc.svc.Cart(ctx, "")
	expectError(t, err, ErrorInvalidInput, "missing_session_id")
}

func TestChunkText(t *testing.T) {
	require.Equal(t, []string{"hé", "ll", "ö"}, chunkText("héllö", 2))
	require.Equal(t, []string{"abc"}, chunkText("abc", 10))
	require.Nil(t, chunkText("", 3))
}

func TestAsError(t *testing.T) {
	require.Nil(t, AsError(nil))
	ue := AsError(fmt.Errorf("wrapped: %w", newError(ErrorRateLimited, "x", nil)))
	require.Equal(t, ErrorRateLimited, ue.Code)
	require.Equal(t, ErrorInternal, AsError(errors.New("raw")).Code)
}
