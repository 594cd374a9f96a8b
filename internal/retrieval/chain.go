// Package retrieval resolves supporting context for a user message by trying
// an ordered list of strategies and stopping at the first non-empty answer.
package retrieval

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Strategy is one way of finding context. It returns "" when it has nothing.
type Strategy interface {
	Name() string
	Retrieve(ctx context.Context, query string) (string, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc struct {
	Label string
	Fn    func(ctx context.Context, query string) (string, error)
}

func (s StrategyFunc) Name() string { return s.Label }

func (s StrategyFunc) Retrieve(ctx context.Context, query string) (string, error) {
	return s.Fn(ctx, query)
}

// Context is what the chain produced. Source is "" when nothing was found.
type Context struct {
	Text   string
	Source string
}

// Observer is told how each strategy attempt went.
type Observer interface {
	ObserveRetrieval(strategy, outcome string, took time.Duration)
}

const (
	OutcomeHit   = "hit"
	OutcomeEmpty = "empty"
	OutcomeError = "error"
)

type Chain struct {
	strategies []Strategy
	timeout    time.Duration
	logger     *zap.Logger
	observer   Observer
}

type Option func(*Chain)

// WithTimeout bounds each strategy attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Chain) { c.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Chain) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Chain) { c.observer = o }
}

// NewChain tries strategies in the given order. Nil strategies are skipped.
func NewChain(strategies []Strategy, opts ...Option) *Chain {
	c := &Chain{logger: zap.NewNop()}
	for _, s := range strategies {
		if s != nil {
			c.strategies = append(c.strategies, s)
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Retrieve never fails: strategy errors are logged and the next strategy is
// tried. An exhausted chain yields an empty Context.
func (c *Chain) Retrieve(ctx context.Context, query string) Context {
	query = strings.TrimSpace(query)
	if query == "" {
		return Context{}
	}
	for _, s := range c.strategies {
		if ctx.Err() != nil {
			return Context{}
		}
		start := time.Now()
		text, err := c.attempt(ctx, s, query)
		outcome := OutcomeHit
		switch {
		case err != nil:
			outcome = OutcomeError
			c.logger.Warn("retrieval strategy failed", zap.String("strategy", s.Name()), zap.Error(err))
		case strings.TrimSpace(text) == "":
			outcome = OutcomeEmpty
		}
		if c.observer != nil {
			c.observer.ObserveRetrieval(s.Name(), outcome, time.Since(start))
		}
		if outcome == OutcomeHit {
			return Context{Text: strings.TrimSpace(text), Source: s.Name()}
		}
	}
	return Context{}
}

func (c *Chain) attempt(ctx context.Context, s Strategy, query string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return s.Retrieve(ctx, query)
}
