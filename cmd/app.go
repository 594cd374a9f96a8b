package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/zap"

	"storefront-agent/handler"
	"storefront-agent/internal/auth"
	"storefront-agent/internal/config"
	"storefront-agent/internal/conversation"
	"storefront-agent/internal/domain"
	"storefront-agent/internal/integrations/catalog"
	"storefront-agent/internal/integrations/knowledge"
	"storefront-agent/internal/integrations/openai"
	"storefront-agent/internal/integrations/paramstore"
	"storefront-agent/internal/keylock"
	"storefront-agent/internal/kvstore"
	"storefront-agent/internal/metrics"
	"storefront-agent/internal/ratelimit"
	"storefront-agent/internal/repository"
	"storefront-agent/internal/retrieval"
	"storefront-agent/internal/tools"
	"storefront-agent/internal/usecase"
)

const (
	sharedSecretParam = "/proxy-shared-secret"
	knowledgeStrategy = "knowledge"
	catalogStrategy   = "catalog"
)

// app is the wired process. closers run in reverse order on close.
type app struct {
	handler *handler.Handler
	memory  *kvstore.Memory
	closers []func() error
	logger  *zap.Logger
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}

// sweep drops expired entries from the in-memory store until ctx is done.
func (a *app) sweep(ctx context.Context, every time.Duration) {
	if a.memory == nil {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := a.memory.Sweep(); n > 0 {
				a.logger.Debug("swept expired state", zap.Int("entries", n))
			}
		}
	}
}

// aws clients are created lazily since local runs need neither SSM nor DynamoDB.
type awsClients struct {
	ctx    context.Context
	loaded bool
	ssm    *awsssm.Client
	ddb    *awsdynamodb.Client
}

func (c *awsClients) load() error {
	if c.loaded {
		return nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(c.ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	c.ssm = awsssm.NewFromConfig(cfg)
	c.ddb = awsdynamodb.NewFromConfig(cfg)
	c.loaded = true
	return nil
}

func (c *awsClients) dynamo() (*awsdynamodb.Client, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	return c.ddb, nil
}

func (c *awsClients) params() (paramstore.Getter, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	return paramstore.New(c.ssm)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	clients := &awsClients{ctx: ctx}
	prefix := strings.TrimRight(strings.TrimSpace(cfg.AWS.ParamPrefix), "/")
	var params paramstore.Getter = paramstore.Static{}
	if prefix != "" {
		p, err := clients.params()
		if err != nil {
			return nil, err
		}
		params = p
	}

	secret, err := loadSecret(ctx, cfg.Proxy.SharedSecret, params, prefix)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg.Store, logger, clients)
	if err != nil {
		return nil, err
	}
	if c, isCloser := store.(interface{ Close() error }); isCloser {
		a.closers = append(a.closers, c.Close)
	}
	if mem, isMem := store.(*kvstore.Memory); isMem {
		a.memory = mem
	}
	locks := keylock.New()

	durable, err := openDurable(ctx, cfg.Durable, clients)
	if err != nil {
		return nil, err
	}
	if c, isCloser := durable.(interface{ Close() error }); isCloser {
		a.closers = append(a.closers, c.Close)
	}

	replayStore, err := openReplayStore(cfg.Proxy, store, locks, clients)
	if err != nil {
		return nil, err
	}
	guard, err := auth.NewReplayGuard(replayStore, cfg.Proxy.FreshnessWindow, cfg.Proxy.UntimedReplayTTL)
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.NewLimiter(ratelimit.Policy{
		Capacity:        cfg.RateLimit.Capacity,
		RefillPerSecond: cfg.RateLimit.RefillPerSecond,
		MaxRetryAfter:   cfg.RateLimit.MaxRetryAfter,
	}, store, locks)
	if err != nil {
		return nil, err
	}

	manager, err := conversation.NewManager(store, locks, durable, logger, conversation.Config{
		MaxHistory:    cfg.Conversation.MaxHistory,
		MaxMessageLen: cfg.Conversation.MaxMessageLen,
		TTL:           cfg.Conversation.TTL,
		FlushTimeout:  cfg.Conversation.FlushTimeout,
	})
	if err != nil {
		return nil, err
	}

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	llmOpts := []openai.Option{
		openai.WithBaseURL(cfg.LLM.BaseURL),
		openai.WithModel(cfg.LLM.Model),
		openai.WithEmbeddingModel(cfg.LLM.EmbeddingModel),
		openai.WithHTTPClient(&http.Client{Timeout: cfg.LLM.Timeout}),
	}
	if cfg.LLM.APIKey != "" {
		llmOpts = append(llmOpts, openai.WithAPIKey(cfg.LLM.APIKey))
	}
	llm, err := openai.NewClient(params, prefix, llmOpts...)
	if err != nil {
		return nil, err
	}

	toolDeps := tools.Deps{}
	var strategies []retrieval.Strategy
	if cfg.Catalog.BaseURL != "" {
		cat, err := catalog.NewClient(cfg.Catalog.BaseURL, cfg.Catalog.Keywords,
			catalog.WithLimit(cfg.Catalog.Limit),
			catalog.WithHTTPClient(&http.Client{Timeout: cfg.Catalog.Timeout}),
		)
		if err != nil {
			return nil, err
		}
		toolDeps.Catalog = cat
		strategies = append(strategies, retrieval.StrategyFunc{Label: catalogStrategy, Fn: cat.SearchCatalog})
	}
	if cfg.Knowledge.WeaviateURL != "" {
		kb, err := knowledge.NewClient(knowledge.Config{
			URL:      cfg.Knowledge.WeaviateURL,
			APIKey:   cfg.Knowledge.APIKey,
			Class:    cfg.Knowledge.Class,
			TopK:     cfg.Knowledge.TopK,
			MinScore: cfg.Knowledge.MinScore,
		}, llm)
		if err != nil {
			return nil, err
		}
		toolDeps.Knowledge = kb
		strategies = append(strategies, retrieval.StrategyFunc{
			Label: knowledgeStrategy,
			Fn: func(ctx context.Context, query string) (string, error) {
				res, err := kb.SearchKnowledgeBase(ctx, query, 0)
				if err != nil {
					return "", err
				}
				return knowledge.Render(res), nil
			},
		})
	}
	chain := retrieval.NewChain(strategies,
		retrieval.WithTimeout(cfg.Catalog.Timeout),
		retrieval.WithLogger(logger),
		retrieval.WithObserver(m),
	)

	flags, err := usecase.NewFlags(store)
	if err != nil {
		return nil, err
	}
	prompts, err := usecase.NewPromptSource(flags, params, prefix, cfg.Conversation.SystemPrompt, logger)
	if err != nil {
		return nil, err
	}

	chat, err := usecase.NewChatService(manager, limiter, chain, modelClient{llm}, prompts, usecase.ChatConfig{
		PromptTurns:      cfg.Conversation.PromptTurns,
		Streaming:        cfg.LLM.Streaming,
		Moderation:       cfg.LLM.Moderation,
		LLMTimeout:       cfg.LLM.Timeout,
		MaxContextTokens: cfg.LLM.MaxContextTokens,
		PseudoChunk:      cfg.Conversation.PseudoChunk,
		PseudoInterval:   cfg.Conversation.PseudoInterval,
	}, usecase.WithLogger(logger), usecase.WithMetrics(m))
	if err != nil {
		return nil, err
	}

	deps := handler.Deps{
		Chat:           chat,
		Secret:         secret,
		Replay:         guard,
		Metrics:        m,
		MetricsHandler: metrics.Handler(reg),
		Logger:         logger,
	}
	if token := strings.TrimSpace(cfg.Tools.AuthToken); token != "" {
		toolDeps.Prompts = prompts
		toolDeps.Flags = flags
		toolDeps.Chat = chat
		srv, err := tools.NewServer(toolDeps,
			tools.WithAuthToken(token),
			tools.WithLogger(logger),
			tools.WithMetrics(m),
		)
		if err != nil {
			return nil, err
		}
		deps.Tools = srv
	} else {
		logger.Info("tool endpoint disabled: no auth token configured")
	}

	h, err := handler.NewHandler(deps, handler.Config{
		EdgeRPS:   cfg.Server.EdgeRPS,
		EdgeBurst: cfg.Server.EdgeBurst,
	})
	if err != nil {
		return nil, err
	}
	a.handler = h
	ok = true
	return a, nil
}

// checkShared rejects state backends that each Lambda container would hold on
// its own. Concurrent containers would then keep separate histories and
// buckets for one session.
func checkShared(cfg config.Config) error {
	if !cfg.Store.Shared() {
		return fmt.Errorf("store.backend %q is local to one process; the lambda command needs store.backend=dynamodb", cfg.Store.Backend)
	}
	return nil
}

// loadSecret prefers the configured secret and falls back to SSM.
func loadSecret(ctx context.Context, configured string, params paramstore.Getter, prefix string) (*auth.Secret, error) {
	if s := strings.TrimSpace(configured); s != "" {
		return auth.NewSecret([]byte(s)), nil
	}
	if prefix == "" {
		return nil, errors.New("shared secret is not configured: set proxy.shared_secret or aws.param_prefix")
	}
	s, err := paramstore.Token(ctx, params, prefix+sharedSecretParam)
	if err != nil {
		return nil, fmt.Errorf("load shared secret: %w", err)
	}
	return auth.NewSecret([]byte(s)), nil
}

func openStore(cfg config.StoreConfig, logger *zap.Logger, clients *awsClients) (kvstore.Store, error) {
	switch cfg.Backend {
	case "badger":
		return kvstore.OpenBadger(cfg.BadgerPath, logger)
	case "dynamodb":
		ddb, err := clients.dynamo()
		if err != nil {
			return nil, err
		}
		return repository.NewDynamoStore(ddb, cfg.Table)
	default:
		return kvstore.NewMemory(), nil
	}
}

func openDurable(ctx context.Context, cfg config.DurableConfig, clients *awsClients) (conversation.DurableStore, error) {
	switch cfg.Backend {
	case "sqlite":
		return repository.OpenSQLite(ctx, cfg.SQLitePath)
	case "dynamodb":
		ddb, err := clients.dynamo()
		if err != nil {
			return nil, err
		}
		return repository.NewDynamoClient(ddb, cfg.Table)
	default:
		return nil, nil
	}
}

func openReplayStore(cfg config.ProxyConfig, store kvstore.Store, locks *keylock.Locker, clients *awsClients) (auth.ReplayStore, error) {
	if cfg.ReplayBackend == "dynamodb" {
		ddb, err := clients.dynamo()
		if err != nil {
			return nil, err
		}
		return repository.NewDynamoReplayStore(ddb, cfg.ReplayTable)
	}
	return auth.NewKVReplayStore(store, locks)
}

// modelClient narrows the provider stream to the usecase chunk stream.
type modelClient struct {
	*openai.Client
}

func (m modelClient) GenerateStream(ctx context.Context, messages []domain.ChatMessage) (usecase.ChunkStream, error) {
	s, err := m.Client.GenerateStream(ctx, messages)
	if err != nil {
		return nil, err
	}
	return s, nil
}
