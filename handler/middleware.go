package handler

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"storefront-agent/internal/auth"
	"storefront-agent/internal/logging"
	"storefront-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	correlationKey    = "correlation_id"

	signatureHeader = "X-Signature"
	timestampHeader = "X-Timestamp"
	timestampParam  = "timestamp"

	edgeIdleTTL     = 10 * time.Minute
	edgeSweepEvery  = 1024
	edgeRetryAfterS = "1"
)

// querySignatureParams are read in order; the first non-empty one is the claim.
var querySignatureParams = []string{"signature", "hmac", "sig"}

func (h *Handler) correlationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationHeader)
		if id == "" {
			id = newUUID()
		}
		c.Set(correlationKey, id)
		c.Header(correlationHeader, id)
		c.Next()
	}
}

// accessLog records one line per request. The query string is left out since
// it carries signatures.
func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Info("request",
			zap.String("correlation_id", c.GetString(correlationKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}

func (h *Handler) edgeLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.edge == nil || h.edge.allow(c.ClientIP()) {
			c.Next()
			return
		}
		h.deps.Metrics.RateLimited("edge")
		c.Header("Retry-After", edgeRetryAfterS)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
			Error:  string(usecase.ErrorRateLimited),
			Reason: "edge_rate_limited",
		})
	}
}

// signed verifies the request signature and consumes it in the replay guard.
// The body is read once here and put back for the route handler.
func (h *Handler) signed(v *auth.Verifier) gin.HandlerFunc {
	mode := v.Mode().String()
	return func(c *gin.Context) {
		body, err := h.readBody(c)
		if err != nil {
			h.abort(c, err)
			return
		}

		params := c.Request.URL.Query()
		var claimed, rawTS string
		if v.Mode() == auth.ModeHeader {
			claimed = c.GetHeader(signatureHeader)
			rawTS = c.GetHeader(timestampHeader)
			if rawTS != "" {
				// The header timestamp is signed as if it were a parameter.
				params = cloneValues(params)
				params.Set(timestampParam, rawTS)
			} else {
				rawTS = params.Get(timestampParam)
			}
		} else {
			claimed = firstParam(params, querySignatureParams)
			rawTS = params.Get(timestampParam)
		}

		res := v.Verify(auth.Request{Params: params, Body: body, Signature: claimed})
		if !res.OK {
			h.rejectAuth(c, mode, res)
			return
		}
		ts, err := auth.ParseTimestamp(rawTS)
		if err != nil {
			h.rejectAuth(c, mode, auth.Result{Reason: auth.ReasonTimestampOutOfRange, Digest: res.Digest})
			return
		}
		res, err = h.deps.Replay.Check(c.Request.Context(), res.Digest, ts)
		if err != nil {
			h.deps.Metrics.AuthResult(mode, "replay_store_error")
			h.abort(c, &usecase.Error{Code: usecase.ErrorInternal, Reason: "replay_store_error", Err: err})
			return
		}
		if !res.OK {
			h.rejectAuth(c, mode, res)
			return
		}
		h.deps.Metrics.AuthResult(mode, "ok")
		c.Next()
	}
}

func (h *Handler) rejectAuth(c *gin.Context, mode string, res auth.Result) {
	h.deps.Metrics.AuthResult(mode, string(res.Reason))
	h.logger.Info("request rejected",
		zap.String("correlation_id", c.GetString(correlationKey)),
		zap.String("mode", mode),
		zap.String("reason", string(res.Reason)),
		zap.String("digest", logging.DigestPrefix(res.Digest)),
	)
	c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{
		Error:  string(usecase.ErrorUnauthorized),
		Reason: string(res.Reason),
	})
}

// readBody reads at most MaxBodyBytes and leaves an identical body on the
// request for later binding.
func (h *Handler) readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "body_too_large", Err: err}
		}
		return nil, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "unreadable_body", Err: err}
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func (h *Handler) abort(c *gin.Context, err error) {
	h.writeError(c, err)
	c.Abort()
}

func firstParam(params url.Values, names []string) string {
	for _, n := range names {
		if v := params.Get(n); v != "" {
			return v
		}
	}
	return ""
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v)+1)
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// edgeLimiter keeps one token bucket per client IP and forgets clients that
// have been idle for edgeIdleTTL.
type edgeLimiter struct {
	mu      sync.Mutex
	clients map[string]*edgeClient
	limit   rate.Limit
	burst   int
	calls   int
	now     func() time.Time
}

type edgeClient struct {
	lim  *rate.Limiter
	seen time.Time
}

func newEdgeLimiter(rps float64, burst int) *edgeLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(rps) + 1
	}
	return &edgeLimiter{
		clients: make(map[string]*edgeClient),
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

func (e *edgeLimiter) allow(ip string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	e.calls++
	if e.calls%edgeSweepEvery == 0 {
		for k, cl := range e.clients {
			if now.Sub(cl.seen) > edgeIdleTTL {
				delete(e.clients, k)
			}
		}
	}
	cl, ok := e.clients[ip]
	if !ok {
		cl = &edgeClient{lim: rate.NewLimiter(e.limit, e.burst)}
		e.clients[ip] = cl
	}
	cl.seen = now
	return cl.lim.AllowN(now, 1)
}

var newUUID = func() string {
	return uuid.NewString()
}
