// Package knowledge runs similarity search over the store's knowledge base
// (policies, care guides, FAQ chunks) held in Weaviate.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
)

const (
	defaultClass = "KnowledgeChunk"
	defaultTopK  = 4
	maxTopK      = 20
)

// Embedder turns text into the vector space the knowledge base is indexed in.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result is one matched chunk. Score is Weaviate certainty in [0, 1].
type Result struct {
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
	Score  float64 `json:"score"`
}

type Results struct {
	Results []Result `json:"results"`
}

type Config struct {
	URL      string
	APIKey   string
	Class    string
	TopK     int
	MinScore float64
}

type Client struct {
	wv       *weaviate.Client
	embedder Embedder
	class    string
	topK     int
	minScore float64
}

func NewClient(cfg Config, embedder Embedder) (*Client, error) {
	if embedder == nil {
		return nil, errors.New("knowledge: embedder must not be nil")
	}
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("knowledge: invalid weaviate url %q", cfg.URL)
	}
	wcfg := weaviate.Config{Host: u.Host, Scheme: u.Scheme}
	if wcfg.Scheme == "" {
		wcfg.Scheme = "http"
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		wcfg.Headers = map[string]string{"Authorization": "Bearer " + key}
	}
	wv, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create weaviate client: %w", err)
	}

	c := &Client{wv: wv, embedder: embedder, class: cfg.Class, topK: cfg.TopK, minScore: cfg.MinScore}
	if c.class == "" {
		c.class = defaultClass
	}
	if c.topK <= 0 {
		c.topK = defaultTopK
	}
	return c, nil
}

// SearchKnowledgeBase embeds query and returns up to topK chunks scoring at
// least the configured minimum, best first. topK <= 0 uses the default.
func (c *Client) SearchKnowledgeBase(ctx context.Context, query string, topK int) (Results, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Results{}, nil
	}
	if topK <= 0 {
		topK = c.topK
	}
	topK = min(topK, maxTopK)

	vector, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return Results{}, fmt.Errorf("knowledge: embed query: %w", err)
	}

	nearVector := c.wv.GraphQL().NearVectorArgBuilder().WithVector(vector)
	if c.minScore > 0 {
		nearVector = nearVector.WithCertainty(float32(c.minScore))
	}
	resp, err := c.wv.GraphQL().Get().
		WithClassName(c.class).
		WithFields(
			graphql.Field{Name: "text"},
			graphql.Field{Name: "source"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
		).
		WithNearVector(nearVector).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return Results{}, fmt.Errorf("knowledge: weaviate search: %w", err)
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return Results{}, fmt.Errorf("knowledge: weaviate search: %s", resp.Errors[0].Message)
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return Results{}, fmt.Errorf("knowledge: encode response: %w", err)
	}
	return c.parse(raw), nil
}

func (c *Client) parse(raw []byte) Results {
	var out Results
	gjson.GetBytes(raw, "Get."+c.class).ForEach(func(_, item gjson.Result) bool {
		r := Result{
			Text:   strings.TrimSpace(item.Get("text").String()),
			Source: item.Get("source").String(),
			Score:  item.Get("_additional.certainty").Float(),
		}
		if r.Text != "" && r.Score >= c.minScore {
			out.Results = append(out.Results, r)
		}
		return true
	})
	sort.SliceStable(out.Results, func(i, j int) bool { return out.Results[i].Score > out.Results[j].Score })
	return out
}

// Render formats results as prompt context, or "" when there are none.
func Render(res Results) string {
	if len(res.Results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Knowledge base:")
	for _, r := range res.Results {
		b.WriteString("\n- ")
		b.WriteString(r.Text)
		if r.Source != "" {
			fmt.Fprintf(&b, " (source: %s)", r.Source)
		}
	}
	return b.String()
}
