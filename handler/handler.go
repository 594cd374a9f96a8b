// Package handler exposes the agent over HTTP: signed proxy routes, the tool
// endpoint, health and metrics. The same router serves API Gateway events
// through Lambda.
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"storefront-agent/internal/auth"
	"storefront-agent/internal/domain"
	"storefront-agent/internal/metrics"
	"storefront-agent/internal/tools"
	"storefront-agent/internal/usecase"
)

const defaultMaxBodyBytes = 64 * 1024

type ChatService interface {
	Respond(ctx context.Context, in usecase.RespondInput, sink usecase.EventSink) (usecase.RespondOutput, error)
	End(ctx context.Context, sessionID string) (usecase.EndOutput, error)
	History(ctx context.Context, sessionID string) ([]domain.HistoryEntry, error)
	SetCart(ctx context.Context, sessionID, cartRef string) error
	Cart(ctx context.Context, sessionID string) (string, error)
}

type ToolServer interface {
	Authorized(header string) bool
	Handle(ctx context.Context, body []byte) tools.Response
}

type ReplayChecker interface {
	Check(ctx context.Context, digest string, ts *time.Time) (auth.Result, error)
}

// Deps are the collaborators behind the routes. Tools and MetricsHandler are
// optional; their routes are not mounted when nil.
type Deps struct {
	Chat           ChatService
	Tools          ToolServer
	Secret         *auth.Secret
	Replay         ReplayChecker
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

type Config struct {
	// EdgeRPS and EdgeBurst bound requests per client IP. EdgeRPS <= 0
	// disables the edge limiter.
	EdgeRPS      float64
	EdgeBurst    int
	MaxBodyBytes int64
}

type Handler struct {
	engine *gin.Engine
	deps   Deps
	cfg    Config
	query  *auth.Verifier
	header *auth.Verifier
	edge   *edgeLimiter
	logger *zap.Logger
}

func NewHandler(deps Deps, cfg Config) (*Handler, error) {
	if deps.Chat == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	if deps.Secret == nil || deps.Secret.Empty() {
		return nil, errors.New("handler: shared secret must not be empty")
	}
	if deps.Replay == nil {
		return nil, errors.New("handler: replay checker must not be nil")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	h := &Handler{
		deps:   deps,
		cfg:    cfg,
		query:  auth.NewVerifier(deps.Secret, auth.ModeQuery),
		header: auth.NewVerifier(deps.Secret, auth.ModeHeader),
		edge:   newEdgeLimiter(cfg.EdgeRPS, cfg.EdgeBurst),
		logger: deps.Logger,
	}
	engine, err := h.routes()
	if err != nil {
		return nil, err
	}
	h.engine = engine
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.engine.ServeHTTP(w, r)
}

func (h *Handler) routes() (*gin.Engine, error) {
	r := gin.New()
	// Client IPs come from the connection only; forwarded headers are not trusted.
	if err := r.SetTrustedProxies(nil); err != nil {
		return nil, err
	}
	r.Use(gin.Recovery(), h.correlationID(), h.accessLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if h.deps.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(h.deps.MetricsHandler))
	}

	proxy := r.Group("/proxy", h.edgeLimit(), h.signed(h.query))
	proxy.POST("/chat", h.chat)
	proxy.POST("/end", h.end)
	proxy.GET("/history", h.history)
	proxy.POST("/cart", h.setCart)
	proxy.GET("/cart", h.getCart)

	api := r.Group("/api", h.edgeLimit(), h.signed(h.header))
	api.POST("/chat", h.chat)

	if h.deps.Tools != nil {
		r.POST("/mcp", h.edgeLimit(), h.mcp)
	}
	return r, nil
}

type chatRequest struct {
	Message   string `json:"message" binding:"required"`
	SessionID string `json:"session_id" binding:"omitempty,max=128"`
	Stream    bool   `json:"stream"`
}

type chatResponse struct {
	Reply     string `json:"reply"`
	SessionID string `json:"session_id"`
}

type sessionRequest struct {
	SessionID string `json:"session_id" binding:"required,max=128"`
}

type cartRequest struct {
	SessionID string `json:"session_id" binding:"required,max=128"`
	CartID    string `json:"cart_id" binding:"max=256"`
}

type endResponse struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Messages       int    `json:"messages"`
	Persisted      bool   `json:"persisted"`
}

type historyResponse struct {
	SessionID string                `json:"session_id"`
	History   []domain.HistoryEntry `json:"history"`
}

type cartResponse struct {
	SessionID string `json:"session_id"`
	CartID    string `json:"cart_id"`
}

func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, invalidBody(err))
		return
	}
	in := usecase.RespondInput{SessionID: req.SessionID, Message: req.Message, Stream: req.Stream}

	if !req.Stream {
		out, err := h.deps.Chat.Respond(c.Request.Context(), in, nil)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, chatResponse{Reply: out.Reply, SessionID: out.SessionID})
		return
	}

	sink := newSSESink(c.Request.Context(), c.Writer)
	_, err := h.deps.Chat.Respond(c.Request.Context(), in, sink)
	if err != nil && !sink.Started() {
		// Nothing was streamed yet, so a plain error response still fits.
		h.writeError(c, err)
		return
	}
	if err != nil {
		ue := usecase.AsError(err)
		h.logError(c, ue)
		_ = sink.Send(domain.StreamEvent{SessionID: sink.SessionID(), Error: string(ue.Code)})
	}
	_ = sink.Done()
}

func (h *Handler) end(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, invalidBody(err))
		return
	}
	out, err := h.deps.Chat.End(c.Request.Context(), req.SessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, endResponse{
		SessionID:      out.SessionID,
		ConversationID: out.ConversationID,
		Messages:       out.Messages,
		Persisted:      out.Persisted,
	})
}

func (h *Handler) history(c *gin.Context) {
	sessionID := c.Query("session_id")
	history, err := h.deps.Chat.History(c.Request.Context(), sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if history == nil {
		history = []domain.HistoryEntry{}
	}
	c.JSON(http.StatusOK, historyResponse{SessionID: sessionID, History: history})
}

func (h *Handler) setCart(c *gin.Context) {
	var req cartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, invalidBody(err))
		return
	}
	if err := h.deps.Chat.SetCart(c.Request.Context(), req.SessionID, req.CartID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cartResponse{SessionID: req.SessionID, CartID: req.CartID})
}

func (h *Handler) getCart(c *gin.Context) {
	sessionID := c.Query("session_id")
	ref, err := h.deps.Chat.Cart(c.Request.Context(), sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cartResponse{SessionID: sessionID, CartID: ref})
}

func (h *Handler) mcp(c *gin.Context) {
	if !h.deps.Tools.Authorized(c.GetHeader("Authorization")) {
		h.writeError(c, &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "invalid_bearer_token"})
		return
	}
	body, err := h.readBody(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := h.deps.Tools.Handle(c.Request.Context(), body)
	if resp.Empty() {
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusOK, resp)
}
