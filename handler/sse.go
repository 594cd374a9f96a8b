package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"storefront-agent/internal/domain"
)

const sseDone = "[DONE]"

// sseSink writes stream events as server-sent events. Headers go out with the
// first event so that failures before it can still produce a JSON error.
type sseSink struct {
	ctx       context.Context
	w         http.ResponseWriter
	started   bool
	sessionID string
}

func newSSESink(ctx context.Context, w http.ResponseWriter) *sseSink {
	return &sseSink{ctx: ctx, w: w}
}

func (s *sseSink) Started() bool { return s.started }

// SessionID is the session of the last event written.
func (s *sseSink) SessionID() string { return s.sessionID }

func (s *sseSink) Send(ev domain.StreamEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sse: encode event: %w", err)
	}
	if ev.SessionID != "" {
		s.sessionID = ev.SessionID
	}
	return s.write(b)
}

// Done writes the end-of-stream sentinel.
func (s *sseSink) Done() error {
	return s.write([]byte(sseDone))
}

func (s *sseSink) write(data []byte) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
