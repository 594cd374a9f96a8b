package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"storefront-agent/internal/domain"
	"storefront-agent/internal/integrations/paramstore"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultModel          = "gpt-4o-mini"
	defaultEmbeddingModel = string(goopenai.SmallEmbedding3)
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is the model provider: chat completions in batch and streaming
// form, embeddings and moderation.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	getter         Getter
	paramPrefix    string
	staticKey      string
	model          string
	embeddingModel string

	apiMu sync.RWMutex
	api   *goopenai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sets the key directly instead of reading it from the parameter
// store.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.staticKey = strings.TrimSpace(key)
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func WithEmbeddingModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.embeddingModel = m
		}
	}
}

// NewClient creates a new Client. Unless WithAPIKey is given, the key is read
// from <paramPrefix>/open-ai-token on first use and reused for the lifetime
// of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:        defaultBaseURL,
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		getter:         ps,
		paramPrefix:    strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
		model:          defaultModel,
		embeddingModel: defaultEmbeddingModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.staticKey == "" {
		if ps == nil {
			return nil, errors.New("openai: paramstore getter must not be nil")
		}
		if c.paramPrefix == "" {
			return nil, errors.New("openai: parameter prefix must not be empty")
		}
	}
	return c, nil
}

func (c *Client) Model() string { return c.model }

// resolveAPI builds the SDK client on first use, fetching the key from SSM
// if needed. Only a successful build is cached; a failed fetch is retried on
// the next call.
func (c *Client) resolveAPI(ctx context.Context) (*goopenai.Client, error) {
	c.apiMu.RLock()
	api := c.api
	c.apiMu.RUnlock()
	if api != nil {
		return api, nil
	}

	c.apiMu.Lock()
	defer c.apiMu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	key := c.staticKey
	if key == "" {
		var err error
		key, err = fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
		if err != nil {
			return nil, err
		}
	}
	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = normalizeBaseURL(c.baseURL)
	cfg.HTTPClient = c.resolvedHTTPClient()
	c.api = goopenai.NewClientWithConfig(cfg)
	return c.api, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

// resolvedHTTPClient returns the configured HTTP client, or a default with a
// 60s timeout if none was set.
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

// normalizeBaseURL returns the API root the SDK appends endpoint paths to.
func normalizeBaseURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

// Generate returns the full reply for messages in one call.
func (c *Client) Generate(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return "", err
	}
	resp, err := api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toSDKMessages(messages),
	})
	if err != nil {
		return "", wrapError("chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream yields the chunks of a streamed reply.
type Stream struct {
	sdk *goopenai.ChatCompletionStream
}

// Recv returns the next non-empty chunk, or io.EOF once the provider has
// finished.
func (s *Stream) Recv() (string, error) {
	for {
		resp, err := s.sdk.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", wrapError("chat stream", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *Stream) Close() error {
	return s.sdk.Close()
}

// GenerateStream opens a streamed chat completion. The caller must Close the
// returned stream.
func (c *Client) GenerateStream(ctx context.Context, messages []domain.ChatMessage) (*Stream, error) {
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return nil, err
	}
	sdk, err := api.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toSDKMessages(messages),
		Stream:   true,
	})
	if err != nil {
		return nil, wrapError("chat stream", err)
	}
	return &Stream{sdk: sdk}, nil
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := api.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: []string{text},
		Model: goopenai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, wrapError("embeddings", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("openai: no embedding in response")
	}
	return resp.Data[0].Embedding, nil
}

// Moderate calls the Moderations API and returns true if the input is flagged.
func (c *Client) Moderate(ctx context.Context, input string) (bool, error) {
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return false, err
	}
	resp, err := api.Moderations(ctx, goopenai.ModerationRequest{Input: input})
	if err != nil {
		return false, wrapError("moderation", err)
	}
	if len(resp.Results) == 0 {
		return false, errors.New("openai: no results in moderation response")
	}
	return resp.Results[0].Flagged, nil
}

func toSDKMessages(messages []domain.ChatMessage) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// wrapError converts SDK status errors into *HTTPStatusError so callers can
// branch on the upstream status without importing the SDK.
func wrapError(op string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return fmt.Errorf("openai: %s: %w", op, &HTTPStatusError{
			StatusCode: apiErr.HTTPStatusCode,
			URL:        op,
			Body:       apiErr.Message,
		})
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return fmt.Errorf("openai: %s: %w", op, &HTTPStatusError{
			StatusCode: reqErr.HTTPStatusCode,
			URL:        op,
			Body:       truncate(reqErr.Error(), 512),
		})
	}
	return fmt.Errorf("openai: %s: %w", op, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}
	token, err := paramstore.Token(ctx, getter, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	return token, nil
}
