package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"storefront-agent/internal/auth"
	"storefront-agent/internal/domain"
	"storefront-agent/internal/keylock"
	"storefront-agent/internal/kvstore"
	"storefront-agent/internal/tools"
	"storefront-agent/internal/usecase"
)

var testSecret = auth.NewSecret([]byte("proxy-test-secret"))

type stubChat struct {
	out     usecase.RespondOutput
	err     error
	in      usecase.RespondInput
	calls   int
	respond func(in usecase.RespondInput, sink usecase.EventSink) (usecase.RespondOutput, error)

	endOut  usecase.EndOutput
	history []domain.HistoryEntry
	cart    string
}

func (s *stubChat) Respond(_ context.Context, in usecase.RespondInput, sink usecase.EventSink) (usecase.RespondOutput, error) {
	s.in = in
	s.calls++
	if s.respond != nil {
		return s.respond(in, sink)
	}
	return s.out, s.err
}

func (s *stubChat) End(_ context.Context, sessionID string) (usecase.EndOutput, error) {
	if s.err != nil {
		return usecase.EndOutput{}, s.err
	}
	out := s.endOut
	out.SessionID = sessionID
	return out, nil
}

func (s *stubChat) History(_ context.Context, sessionID string) ([]domain.HistoryEntry, error) {
	if sessionID == "" {
		return nil, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_session_id"}
	}
	return s.history, s.err
}

func (s *stubChat) SetCart(_ context.Context, _, cartRef string) error {
	s.cart = cartRef
	return s.err
}

func (s *stubChat) Cart(_ context.Context, _ string) (string, error) {
	return s.cart, s.err
}

type stubTools struct {
	authorized bool
	resp       tools.Response
	body       []byte
}

func (s *stubTools) Authorized(string) bool { return s.authorized }

func (s *stubTools) Handle(_ context.Context, body []byte) tools.Response {
	s.body = body
	return s.resp
}

func newTestHandler(t *testing.T, chat ChatService, cfg Config, opts ...func(*Deps)) *Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := auth.NewKVReplayStore(kvstore.NewMemory(), keylock.New())
	require.NoError(t, err)
	guard, err := auth.NewReplayGuard(store, 5*time.Minute, time.Hour)
	require.NoError(t, err)

	deps := Deps{Chat: chat, Secret: testSecret, Replay: guard}
	for _, opt := range opts {
		opt(&deps)
	}
	h, err := NewHandler(deps, cfg)
	require.NoError(t, err)
	return h
}

func now() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

// signedEvent signs params plus body in query mode and carries the signature
// as a query parameter.
func signedEvent(t *testing.T, method, path, body string, params url.Values) events.APIGatewayProxyRequest {
	t.Helper()
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", now())
	sig, err := auth.Sign(testSecret, params, []byte(body), auth.ModeQuery)
	require.NoError(t, err)

	event := makeEvent(method, path, body)
	event.QueryStringParameters = map[string]string{"signature": sig}
	for k := range params {
		event.QueryStringParameters[k] = params.Get(k)
	}
	return event
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	store, err := auth.NewKVReplayStore(kvstore.NewMemory(), keylock.New())
	require.NoError(t, err)
	guard, err := auth.NewReplayGuard(store, time.Minute, time.Hour)
	require.NoError(t, err)

	_, err = NewHandler(Deps{Secret: testSecret, Replay: guard}, Config{})
	require.Error(t, err)
	_, err = NewHandler(Deps{Chat: &stubChat{}, Secret: auth.NewSecret(nil), Replay: guard}, Config{})
	require.Error(t, err)
	_, err = NewHandler(Deps{Chat: &stubChat{}, Secret: testSecret}, Config{})
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	chat := &stubChat{out: usecase.RespondOutput{Reply: "hello", SessionID: "s-1"}}
	h := newTestHandler(t, chat, Config{})

	resp, err := h.Handle(context.Background(), signedEvent(t, http.MethodPost, "/proxy/chat", `{"message":"Do you ship abroad?","session_id":"s-1"}`, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.RespondInput{Message: "Do you ship abroad?", SessionID: "s-1"}, chat.in)

	out := parseBody[chatResponse](t, resp.Body)
	require.Equal(t, "hello", out.Reply)
	require.Equal(t, "s-1", out.SessionID)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_RejectsBadSignature(t *testing.T) {
	chat := &stubChat{}
	h := newTestHandler(t, chat, Config{})

	event := signedEvent(t, http.MethodPost, "/proxy/chat", `{"message":"hi"}`, nil)
	event.Body = `{"message":"tampered"}`
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorUnauthorized), out.Error)
	require.Equal(t, string(auth.ReasonHMACMismatch), out.Reason)
	require.Zero(t, chat.calls)
}

func TestHandle_MissingSignature(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, Config{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/proxy/chat", `{"message":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, string(auth.ReasonMissingSignature), parseBody[errorResponse](t, resp.Body).Reason)
}

func TestHandle_RejectsReplay(t *testing.T) {
	chat := &stubChat{out: usecase.RespondOutput{Reply: "ok", SessionID: "s-1"}}
	h := newTestHandler(t, chat, Config{})
	event := signedEvent(t, http.MethodPost, "/proxy/chat", `{"message":"hi"}`, nil)

	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, string(auth.ReasonSignatureAlreadyUsed), parseBody[errorResponse](t, resp.Body).Reason)
	require.Equal(t, 1, chat.calls)
}

func TestHandle_RejectsStaleTimestamp(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, Config{})
	body := `{"message":"hi"}`
	params := url.Values{"timestamp": {strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)}}
	sig, err := auth.Sign(testSecret, params, []byte(body), auth.ModeQuery)
	require.NoError(t, err)

	event := makeEvent(http.MethodPost, "/proxy/chat", body)
	event.QueryStringParameters = map[string]string{"timestamp": params.Get("timestamp"), "hmac": sig}
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, string(auth.ReasonTimestampOutOfRange), parseBody[errorResponse](t, resp.Body).Reason)
}

func TestHandle_HeaderMode(t *testing.T) {
	chat := &stubChat{out: usecase.RespondOutput{Reply: "ok", SessionID: "s-2"}}
	h := newTestHandler(t, chat, Config{})
	body := `{"message":"hi"}`
	ts := now()
	sig, err := auth.Sign(testSecret, url.Values{"timestamp": {ts}}, []byte(body), auth.ModeHeader)
	require.NoError(t, err)

	event := makeEvent(http.MethodPost, "/api/chat", body)
	event.Headers["x-signature"] = sig
	event.Headers["x-timestamp"] = ts
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A query-mode signature does not verify on the header-mode route.
	qsig, err := auth.Sign(testSecret, url.Values{"timestamp": {ts}}, []byte(body), auth.ModeQuery)
	require.NoError(t, err)
	event.Headers["x-signature"] = qsig
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandle_HeaderModeQueryTimestampIsChecked(t *testing.T) {
	chat := &stubChat{out: usecase.RespondOutput{Reply: "ok", SessionID: "s-2"}}
	h := newTestHandler(t, chat, Config{})
	body := `{"message":"hi"}`

	headerEvent := func(ts string) events.APIGatewayProxyRequest {
		sig, err := auth.Sign(testSecret, url.Values{"timestamp": {ts}}, []byte(body), auth.ModeHeader)
		require.NoError(t, err)
		event := makeEvent(http.MethodPost, "/api/chat", body)
		event.Headers["x-signature"] = sig
		event.QueryStringParameters = map[string]string{"timestamp": ts}
		return event
	}

	stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	resp, err := h.Handle(context.Background(), headerEvent(stale))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, string(auth.ReasonTimestampOutOfRange), parseBody[errorResponse](t, resp.Body).Reason)

	resp, err = h.Handle(context.Background(), headerEvent(now()))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandle_InvalidBody(t *testing.T) {
	chat := &stubChat{}
	h := newTestHandler(t, chat, Config{})

	resp, err := h.Handle(context.Background(), signedEvent(t, http.MethodPost, "/proxy/chat", `not-json`, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	require.Zero(t, chat.calls)
}

func TestHandle_BodyTooLarge(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, Config{MaxBodyBytes: 16})

	resp, err := h.Handle(context.Background(), signedEvent(t, http.MethodPost, "/proxy/chat", `{"message":"a much longer message"}`, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	require.Equal(t, "body_too_large", parseBody[errorResponse](t, resp.Body).Reason)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_message"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "unauthorized", err: &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "nope"}, status: http.StatusUnauthorized, code: string(usecase.ErrorUnauthorized)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "session_rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "model_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "persistence", err: &usecase.Error{Code: usecase.ErrorPersistence, Reason: "durable_write_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorPersistence)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "state_read_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubChat{err: tc.err}, Config{})

			resp, err := h.Handle(context.Background(), signedEvent(t, http.MethodPost, "/proxy/chat", `{"message":"hi"}`, nil))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_RateLimitedSetsRetryAfter(t *testing.T) {
	chat := &stubChat{err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "session_rate_limited", RetryAfter: 1500 * time.Millisecond}}
	h := newTestHandler(t, chat, Config{})

	resp, err := h.Handle(context.Background(), signedEvent(t, http.MethodPost, "/proxy/chat", `{"message":"hi"}`, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "2", resp.Headers["Retry-After"])
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	chat := &stubChat{out: usecase.RespondOutput{Reply: "ok", SessionID: "s-1"}}
	h := newTestHandler(t, chat, Config{})

	event := signedEvent(t, http.MethodPost, "/proxy/chat", `{"message":"hi"}`, nil)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_ConversationRoutes(t *testing.T) {
	chat := &stubChat{
		endOut:  usecase.EndOutput{ConversationID: "c-1", Messages: 4, Persisted: true},
		history: []domain.HistoryEntry{{Role: domain.RoleUser, Content: "hi"}},
	}
	h := newTestHandler(t, chat, Config{})
	ctx := context.Background()

	resp, err := h.Handle(ctx, signedEvent(t, http.MethodGet, "/proxy/history", "", url.Values{"session_id": {"s-1"}}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hist := parseBody[historyResponse](t, resp.Body)
	require.Equal(t, "s-1", hist.SessionID)
	require.Len(t, hist.History, 1)

	resp, err = h.Handle(ctx, signedEvent(t, http.MethodPost, "/proxy/cart", `{"session_id":"s-1","cart_id":"gid://cart/9"}`, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = h.Handle(ctx, signedEvent(t, http.MethodGet, "/proxy/cart", "", url.Values{"session_id": {"s-1"}}))
	require.NoError(t, err)
	require.Equal(t, "gid://cart/9", parseBody[cartResponse](t, resp.Body).CartID)

	resp, err = h.Handle(ctx, signedEvent(t, http.MethodPost, "/proxy/end", `{"session_id":"s-1"}`, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	end := parseBody[endResponse](t, resp.Body)
	require.Equal(t, endResponse{SessionID: "s-1", ConversationID: "c-1", Messages: 4, Persisted: true}, end)

	resp, err = h.Handle(ctx, signedEvent(t, http.MethodPost, "/proxy/end", `{}`, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_HistoryEmptyIsArray(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, Config{})

	resp, err := h.Handle(context.Background(), signedEvent(t, http.MethodGet, "/proxy/history", "", url.Values{"session_id": {"s-9"}}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Body, `"history":[]`)
}

func TestChat_Streams(t *testing.T) {
	chat := &stubChat{respond: func(in usecase.RespondInput, sink usecase.EventSink) (usecase.RespondOutput, error) {
		require.NoError(t, sink.Send(domain.StreamEvent{SessionID: "s-1", Delta: "Hel"}))
		require.NoError(t, sink.Send(domain.StreamEvent{SessionID: "s-1", Delta: "lo"}))
		require.NoError(t, sink.Send(domain.StreamEvent{SessionID: "s-1", Content: "Hello", Done: true}))
		return usecase.RespondOutput{Reply: "Hello", SessionID: "s-1"}, nil
	}}
	h := newTestHandler(t, chat, Config{})

	resp, err := h.Handle(context.Background(), signedEvent(t, http.MethodPost, "/proxy/chat", `{"message":"hi","stream":true}`, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Headers["Content-Type"])
	require.Equal(t, "no-cache", resp.Headers["Cache-Control"])
	require.True(t, chat.in.Stream)

	frames := strings.Split(strings.TrimSuffix(resp.Body, "\n\n"), "\n\n")
	require.Len(t, frames, 4)
	require.Equal(t, `data: {"session_id":"s-1","delta":"Hel"}`, frames[0])
	require.Equal(t, `data: {"session_id":"s-1","content":"Hello","done":true}`, frames[2])
	require.Equal(t, "data: [DONE]", frames[3])
}

func TestChat_StreamErrorBeforeFirstEvent(t *testing.T) {
	chat := &stubChat{respond: func(usecase.RespondInput, usecase.EventSink) (usecase.RespondOutput, error) {
		return usecase.RespondOutput{}, &usecase.Error{Code: usecase.ErrorUpstream, Reason: "model_error"}
	}}
	h := newTestHandler(t, chat, Config{})

	resp, err := h.Handle(context.Background(), signedEvent(t, http.MethodPost, "/proxy/chat", `{"message":"hi","stream":true}`, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, string(usecase.ErrorUpstream), parseBody[errorResponse](t, resp.Body).Error)
}

func TestChat_StreamErrorAfterFirstEvent(t *testing.T) {
	chat := &stubChat{respond: func(_ usecase.RespondInput, sink usecase.EventSink) (usecase.RespondOutput, error) {
		require.NoError(t, sink.Send(domain.StreamEvent{SessionID: "s-1", Delta: "Hel"}))
		return usecase.RespondOutput{}, &usecase.Error{Code: usecase.ErrorUpstream, Reason: "model_stream_error"}
	}}
	h := newTestHandler(t, chat, Config{})

	resp, err := h.Handle(context.Background(), signedEvent(t, http.MethodPost, "/proxy/chat", `{"message":"hi","stream":true}`, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Body, `data: {"session_id":"s-1","error":"UPSTREAM_ERROR"}`)
	require.True(t, strings.HasSuffix(resp.Body, "data: [DONE]\n\n"))
}

func TestEdgeLimit(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, Config{EdgeRPS: 0.001, EdgeBurst: 1})

	serve := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/proxy/chat", strings.NewReader(`{}`))
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusUnauthorized, serve("192.0.2.1:1000").Code)
	rec := serve("192.0.2.1:1001")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
	require.Equal(t, "edge_rate_limited", parseBody[errorResponse](t, rec.Body.String()).Reason)

	// Other clients keep their own bucket.
	require.Equal(t, http.StatusUnauthorized, serve("192.0.2.2:1000").Code)
}

func TestEdgeLimiter_ForgetsIdleClients(t *testing.T) {
	require.Nil(t, newEdgeLimiter(0, 5))

	e := newEdgeLimiter(1, 1)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return at }
	require.True(t, e.allow("a"))

	at = at.Add(edgeIdleTTL + time.Second)
	e.calls = edgeSweepEvery - 1
	require.True(t, e.allow("b"))
	require.NotContains(t, e.clients, "a")
	require.Contains(t, e.clients, "b")
}

func TestMCP(t *testing.T) {
	tl := &stubTools{resp: tools.Response{JSONRPC: tools.Version, ID: json.RawMessage(`1`), Result: map[string]any{}}}
	h := newTestHandler(t, &stubChat{}, Config{}, func(d *Deps) { d.Tools = tl })

	event := makeEvent(http.MethodPost, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Nil(t, tl.body)

	tl.authorized = true
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, resp.Body)
	require.JSONEq(t, event.Body, string(tl.body))

	tl.resp = tools.Response{}
	resp, err = h.Handle(context.Background(), makeEvent(http.MethodPost, "/mcp", `{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestMCP_NotMountedWithoutTools(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, Config{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/mcp", `{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, Config{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/healthz", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, resp.Body)
}

func TestRequestFromEvent(t *testing.T) {
	event := events.APIGatewayProxyRequest{
		HTTPMethod:                      http.MethodPost,
		Path:                            "/proxy/chat",
		Body:                            "aGk=",
		IsBase64Encoded:                 true,
		MultiValueQueryStringParameters: map[string][]string{"tag": {"a", "b"}},
		QueryStringParameters:           map[string]string{"tag": "b", "timestamp": "1"},
		Headers:                         map[string]string{"x-correlation-id": "c-1"},
	}
	event.RequestContext.Identity.SourceIP = "203.0.113.9"

	req, err := requestFromEvent(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, req.URL.Query()["tag"])
	require.Equal(t, "1", req.URL.Query().Get("timestamp"))
	require.Equal(t, "c-1", req.Header.Get("X-Correlation-Id"))
	require.Equal(t, "203.0.113.9:0", req.RemoteAddr)

	event.Body = "%%%"
	_, err = requestFromEvent(context.Background(), event)
	require.Error(t, err)
}
