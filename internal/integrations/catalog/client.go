// Package catalog queries the storefront's public predictive-search endpoint
// and renders matching products as prompt context.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/tidwall/gjson"
)

const defaultLimit = 5

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("catalog: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client searches the store catalog. Queries that carry none of the
// configured keywords are not sent upstream.
type Client struct {
	baseURL    string
	httpClient *http.Client
	keywords   []string
	limit      int
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.limit = n
		}
	}
}

func NewClient(baseURL string, keywords []string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("catalog: base url must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("catalog: parse base url: %w", err)
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		limit:      defaultLimit,
	}
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			c.keywords = append(c.keywords, k)
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// HasProductIntent reports whether query mentions any catalog keyword. A
// keyword matches at the start of a word, so "rings" matches "ring".
func (c *Client) HasProductIntent(query string) bool {
	if len(c.keywords) == 0 {
		return true
	}
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		for _, k := range c.keywords {
			if strings.HasPrefix(w, k) {
				return true
			}
		}
	}
	return false
}

// SearchCatalog returns a plain-text product list for query, or "" when the
// query has no product intent or nothing matched.
func (c *Client) SearchCatalog(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" || !c.HasProductIntent(query) {
		return "", nil
	}

	endpoint := c.searchURL(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("catalog: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("catalog: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", &HTTPStatusError{StatusCode: res.StatusCode, URL: endpoint, Body: string(buf)}
	}
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("catalog: read response body: %w", err)
	}
	if !gjson.ValidBytes(raw) {
		return "", errors.New("catalog: response is not valid JSON")
	}
	return renderProducts(gjson.GetBytes(raw, "resources.results.products"), c.limit), nil
}

func (c *Client) searchURL(query string) string {
	v := url.Values{}
	v.Set("q", query)
	v.Set("resources[type]", "product")
	v.Set("resources[limit]", fmt.Sprint(c.limit))
	return c.baseURL + "/search/suggest.json?" + v.Encode()
}

func renderProducts(products gjson.Result, limit int) string {
	var b strings.Builder
	n := 0
	products.ForEach(func(_, p gjson.Result) bool {
		title := strings.TrimSpace(p.Get("title").String())
		if title == "" {
			return true
		}
		fmt.Fprintf(&b, "- %s", title)
		if price := p.Get("price"); price.Exists() && price.String() != "" {
			fmt.Fprintf(&b, " | price: %s", price.String())
		}
		if avail := p.Get("available"); avail.Exists() {
			if avail.Bool() {
				b.WriteString(" | in stock")
			} else {
				b.WriteString(" | out of stock")
			}
		}
		if u := p.Get("url").String(); u != "" {
			fmt.Fprintf(&b, " | %s", u)
		}
		b.WriteByte('\n')
		n++
		return n < limit
	})
	if n == 0 {
		return ""
	}
	return "Matching products:\n" + strings.TrimRight(b.String(), "\n")
}
