// Package tools serves operator tools over JSON-RPC 2.0 in the MCP shape:
// initialize, tools/list and tools/call.
package tools

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"storefront-agent/internal/domain"
	"storefront-agent/internal/integrations/knowledge"
	"storefront-agent/internal/metrics"
	"storefront-agent/internal/usecase"
)

const (
	Version         = "2.0"
	ProtocolVersion = "2024-11-05"
	serverName      = "storefront-agent"
	serverVersion   = "1.0.0"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeToolFailure    = -32000
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC reply. The zero Response means no reply is due, as
// for notifications.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

func (r Response) Empty() bool { return r.JSONRPC == "" }

type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// ToolInfo is a tool as advertised by tools/list.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type PromptReader interface {
	SystemPrompt(ctx context.Context) string
}

type FlagStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type CatalogSearcher interface {
	SearchCatalog(ctx context.Context, query string) (string, error)
}

type KnowledgeSearcher interface {
	SearchKnowledgeBase(ctx context.Context, query string, topK int) (knowledge.Results, error)
}

type ChatService interface {
	Respond(ctx context.Context, in usecase.RespondInput, sink usecase.EventSink) (usecase.RespondOutput, error)
	History(ctx context.Context, sessionID string) ([]domain.HistoryEntry, error)
	End(ctx context.Context, sessionID string) (usecase.EndOutput, error)
}

// Deps are the collaborators tools call into. Catalog and Knowledge are
// optional; their tools are not offered when nil.
type Deps struct {
	Prompts   PromptReader
	Flags     FlagStore
	Catalog   CatalogSearcher
	Knowledge KnowledgeSearcher
	Chat      ChatService
}

type Server struct {
	deps     Deps
	token    []byte
	tools    []*tool
	byName   map[string]*tool
	validate *validator.Validate
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

type Option func(*Server)

// WithAuthToken sets the bearer token callers must present. Without one every
// call is refused.
func WithAuthToken(token string) Option {
	return func(s *Server) { s.token = []byte(strings.TrimSpace(token)) }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func NewServer(deps Deps, opts ...Option) (*Server, error) {
	if deps.Prompts == nil {
		return nil, errors.New("tools: prompt reader must not be nil")
	}
	if deps.Flags == nil {
		return nil, errors.New("tools: flag store must not be nil")
	}
	if deps.Chat == nil {
		return nil, errors.New("tools: chat service must not be nil")
	}
	s := &Server{
		deps:     deps,
		validate: validator.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tools = s.registry()
	s.byName = make(map[string]*tool, len(s.tools))
	for _, t := range s.tools {
		s.byName[t.info.Name] = t
	}
	return s, nil
}

// Authorized checks an Authorization header value against the configured
// bearer token in constant time.
func (s *Server) Authorized(header string) bool {
	if len(s.token) == 0 {
		return false
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), s.token) == 1
}

// Tools lists the offered tools in registration order.
func (s *Server) Tools() []ToolInfo {
	out := make([]ToolInfo, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.info)
	}
	return out
}

// Handle decodes one JSON-RPC request and dispatches it.
func (s *Server) Handle(ctx context.Context, body []byte) Response {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse(nil, CodeParseError, "parse error", nil)
	}
	if req.JSONRPC != Version || strings.TrimSpace(req.Method) == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "invalid request", nil)
	}
	if strings.HasPrefix(req.Method, "notifications/") {
		return Response{}
	}

	switch req.Method {
	case "initialize":
		return result(req.ID, map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo":      map[string]string{"name": serverName, "version": serverVersion},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		})
	case "ping":
		return result(req.ID, map[string]any{})
	case "tools/list":
		return result(req.ID, map[string]any{"tools": s.Tools()})
	case "tools/call":
		return s.call(ctx, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method, nil)
	}
}

type callParams struct {
	Name      string          `json:"name" validate:"required"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) call(ctx context.Context, req Request) Response {
	var p callParams
	if err := decodeArgs(req.Params, &p); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "invalid params", err.Error())
	}
	if err := s.validate.Struct(p); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "invalid params", err.Error())
	}
	t, ok := s.byName[p.Name]
	if !ok {
		s.metrics.ToolCall("unknown", "not_found")
		return errorResponse(req.ID, CodeMethodNotFound, "tool not found: "+p.Name, nil)
	}

	text, err := t.run(ctx, p.Arguments)
	if err != nil {
		var ae *argsError
		if errors.As(err, &ae) {
			s.metrics.ToolCall(t.info.Name, "invalid")
			return errorResponse(req.ID, CodeInvalidParams, "invalid arguments", ae.Error())
		}
		ue := usecase.AsError(err)
		s.logger.Warn("tool call failed",
			zap.String("tool", t.info.Name),
			zap.String("code", string(ue.Code)),
			zap.String("reason", ue.Reason),
			zap.Error(ue.Err),
		)
		if ue.Code == usecase.ErrorInvalidInput {
			s.metrics.ToolCall(t.info.Name, "invalid")
			return errorResponse(req.ID, CodeInvalidParams, ue.Reason, map[string]string{"code": string(ue.Code)})
		}
		s.metrics.ToolCall(t.info.Name, "error")
		return errorResponse(req.ID, CodeToolFailure, ue.Reason, map[string]string{"code": string(ue.Code)})
	}
	s.metrics.ToolCall(t.info.Name, "ok")
	return result(req.ID, CallResult{Content: []Content{{Type: "text", Text: text}}})
}

// argsError marks arguments that failed decoding or validation.
type argsError struct{ err error }

func (e *argsError) Error() string { return e.err.Error() }
func (e *argsError) Unwrap() error { return e.err }

// bind decodes raw tool arguments into dst and validates them.
func (s *Server) bind(raw json.RawMessage, dst any) error {
	if err := decodeArgs(raw, dst); err != nil {
		return &argsError{err: err}
	}
	if err := s.validate.Struct(dst); err != nil {
		return &argsError{err: err}
	}
	return nil
}

func decodeArgs(raw json.RawMessage, dst any) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		trimmed = "{}"
	}
	if err := json.Unmarshal([]byte(trimmed), dst); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}

func result(id json.RawMessage, v any) Response {
	return Response{JSONRPC: Version, ID: id, Result: v}
}

func errorResponse(id json.RawMessage, code int, msg string, data any) Response {
	return Response{JSONRPC: Version, ID: id, Error: &ResponseError{Code: code, Message: msg, Data: data}}
}
