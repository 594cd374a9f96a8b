package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures every runtime parameter of the agent.
type Config struct {
	LogLevel     string             `mapstructure:"log_level"`
	Server       ServerConfig       `mapstructure:"server"`
	Proxy        ProxyConfig        `mapstructure:"proxy"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Store        StoreConfig        `mapstructure:"store"`
	Durable      DurableConfig      `mapstructure:"durable"`
	AWS          AWSConfig          `mapstructure:"aws"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Catalog      CatalogConfig      `mapstructure:"catalog"`
	Knowledge    KnowledgeConfig    `mapstructure:"knowledge"`
	Tools        ToolsConfig        `mapstructure:"tools"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	EdgeRPS         float64       `mapstructure:"edge_rps"`
	EdgeBurst       int           `mapstructure:"edge_burst"`
}

// ProxyConfig holds request-signing settings. SharedSecret is empty when the
// secret is read from SSM instead.
type ProxyConfig struct {
	SharedSecret     string        `mapstructure:"shared_secret"`
	FreshnessWindow  time.Duration `mapstructure:"freshness_window"`
	UntimedReplayTTL time.Duration `mapstructure:"untimed_replay_ttl"`
	ReplayBackend    string        `mapstructure:"replay_backend"`
	ReplayTable      string        `mapstructure:"replay_table"`
}

type RateLimitConfig struct {
	Capacity        float64       `mapstructure:"capacity"`
	RefillPerSecond float64       `mapstructure:"refill_per_second"`
	MaxRetryAfter   time.Duration `mapstructure:"max_retry_after"`
}

type ConversationConfig struct {
	MaxHistory     int           `mapstructure:"max_history"`
	TTL            time.Duration `mapstructure:"ttl"`
	MaxMessageLen  int           `mapstructure:"max_message_length"`
	PromptTurns    int           `mapstructure:"prompt_turns"`
	SystemPrompt   string        `mapstructure:"system_prompt"`
	FlushTimeout   time.Duration `mapstructure:"flush_timeout"`
	PseudoChunk    int           `mapstructure:"pseudo_stream_chunk"`
	PseudoInterval time.Duration `mapstructure:"pseudo_stream_interval"`
}

// StoreConfig selects the key-scoped ephemeral backend: "memory", "badger" or
// "dynamodb". Only dynamodb is shared between processes.
type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	BadgerPath string `mapstructure:"badger_path"`
	Table      string `mapstructure:"table"`
}

// Shared reports whether every process using this config sees the same state.
func (s StoreConfig) Shared() bool {
	return s.Backend == "dynamodb"
}

// DurableConfig selects the long-term store: "dynamodb", "sqlite" or "none".
type DurableConfig struct {
	Backend    string `mapstructure:"backend"`
	Table      string `mapstructure:"table"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type AWSConfig struct {
	ParamPrefix string `mapstructure:"param_prefix"`
}

type LLMConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	BaseURL          string        `mapstructure:"base_url"`
	Model            string        `mapstructure:"model"`
	EmbeddingModel   string        `mapstructure:"embedding_model"`
	Streaming        bool          `mapstructure:"streaming"`
	Moderation       bool          `mapstructure:"moderation"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxContextTokens int           `mapstructure:"max_context_tokens"`
}

type CatalogConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Keywords []string      `mapstructure:"keywords"`
	Limit    int           `mapstructure:"limit"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type KnowledgeConfig struct {
	WeaviateURL string  `mapstructure:"weaviate_url"`
	APIKey      string  `mapstructure:"api_key"`
	Class       string  `mapstructure:"class"`
	TopK        int     `mapstructure:"top_k"`
	MinScore    float64 `mapstructure:"min_score"`
}

type ToolsConfig struct {
	AuthToken string `mapstructure:"auth_token"`
}

var defaults = map[string]any{
	"log_level":                           "info",
	"server.addr":                         "0.0.0.0:8787",
	"server.read_timeout":                 "15s",
	"server.shutdown_timeout":             "10s",
	"server.edge_rps":                     20.0,
	"server.edge_burst":                   40,
	"proxy.shared_secret":                 "",
	"proxy.freshness_window":              "5m",
	"proxy.untimed_replay_ttl":            "24h",
	"proxy.replay_backend":                "store",
	"proxy.replay_table":                  "",
	"ratelimit.capacity":                  40.0,
	"ratelimit.refill_per_second":         40.0 / 60.0,
	"ratelimit.max_retry_after":           "1h",
	"conversation.max_history":            50,
	"conversation.ttl":                    "24h",
	"conversation.max_message_length":     2000,
	"conversation.prompt_turns":           10,
	"conversation.system_prompt":          defaultSystemPrompt,
	"conversation.flush_timeout":          "10s",
	"conversation.pseudo_stream_chunk":    24,
	"conversation.pseudo_stream_interval": "20ms",
	"store.backend":                       "memory",
	"store.badger_path":                   "data/state",
	"store.table":                         "",
	"durable.backend":                     "none",
	"durable.table":                       "",
	"durable.sqlite_path":                 "data/conversations.db",
	"aws.param_prefix":                    "",
	"llm.api_key":                         "",
	"llm.base_url":                        "https://api.openai.com/v1",
	"llm.model":                           "gpt-4o-mini",
	"llm.embedding_model":                 "text-embedding-3-small",
	"llm.streaming":                       true,
	"llm.moderation":                      false,
	"llm.timeout":                         "60s",
	"llm.max_context_tokens":              1500,
	"catalog.base_url":                    "",
	"catalog.keywords":                    []string{"ring", "necklace", "bracelet", "earring", "pendant", "price", "stock", "size", "gold", "silver", "product"},
	"catalog.limit":                       5,
	"catalog.timeout":                     "5s",
	"knowledge.weaviate_url":              "",
	"knowledge.api_key":                   "",
	"knowledge.class":                     "KnowledgeChunk",
	"knowledge.top_k":                     4,
	"knowledge.min_score":                 0.7,
	"tools.auth_token":                    "",
}

const defaultSystemPrompt = "You are the customer assistant of an online jewelry store. " +
	"Answer briefly and politely, in the customer's language. " +
	"Use the provided store context when it is relevant and never invent prices, stock or policies."

// Load reads configuration from an optional file and the environment.
// Environment variables are prefixed with STOREFRONT_ and override file values.
// A .env file in the working directory is loaded first when present.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("STOREFRONT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	if c.RateLimit.Capacity <= 0 {
		return errors.New("config: ratelimit.capacity must be positive")
	}
	if c.RateLimit.RefillPerSecond < 0 {
		return errors.New("config: ratelimit.refill_per_second must not be negative")
	}
	if c.Conversation.MaxHistory <= 0 {
		return errors.New("config: conversation.max_history must be positive")
	}
	if c.Proxy.FreshnessWindow <= 0 {
		return errors.New("config: proxy.freshness_window must be positive")
	}
	switch c.Store.Backend {
	case "memory", "badger":
	case "dynamodb":
		if strings.TrimSpace(c.Store.Table) == "" {
			return errors.New("config: store.table is required for the dynamodb store backend")
		}
	default:
		return fmt.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}
	switch c.Durable.Backend {
	case "none", "sqlite":
	case "dynamodb":
		if strings.TrimSpace(c.Durable.Table) == "" {
			return errors.New("config: durable.table is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("config: unknown durable.backend %q", c.Durable.Backend)
	}
	switch c.Proxy.ReplayBackend {
	case "store":
	case "dynamodb":
		if strings.TrimSpace(c.Proxy.ReplayTable) == "" {
			return errors.New("config: proxy.replay_table is required for the dynamodb replay backend")
		}
	default:
		return fmt.Errorf("config: unknown proxy.replay_backend %q", c.Proxy.ReplayBackend)
	}
	return nil
}

func loadDotEnv(path string) error {
	if _, err := stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// split out for testing.
var stat = os.Stat
