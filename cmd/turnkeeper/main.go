package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nidhogg/turnkeeper/internal/api"
	"github.com/nidhogg/turnkeeper/internal/cache"
	"github.com/nidhogg/turnkeeper/internal/clock"
	"github.com/nidhogg/turnkeeper/internal/compaction"
	"github.com/nidhogg/turnkeeper/internal/config"
	"github.com/nidhogg/turnkeeper/internal/embedding"
	"github.com/nidhogg/turnkeeper/internal/guard"
	"github.com/nidhogg/turnkeeper/internal/provider"
	"github.com/nidhogg/turnkeeper/internal/retrieval"
	"github.com/nidhogg/turnkeeper/internal/store"
	"github.com/nidhogg/turnkeeper/internal/turn"
	"github.com/nidhogg/turnkeeper/internal/usage"
	"github.com/nidhogg/turnkeeper/internal/usagebus"
	"github.com/nidhogg/turnkeeper/internal/vectorstore"
	"github.com/nidhogg/turnkeeper/internal/window"
)

func main() {
	_ = godotenv.Load()

	cfgPath := pflag.StringP("config", "c", os.Getenv("CONFIG_PATH"), "path to a JSON or YAML config file")
	port := pflag.IntP("port", "p", 0, "listen port (overrides server.port)")
	pflag.Parse()
	if *cfgPath == "" {
		*cfgPath = "configs/turnkeeper.yaml"
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *cfgPath, err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger, _ := zap.NewDevelopment()
	if cfg.Server.LogLevel == "production" {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()
	logger.Info("Starting turnkeeper...", zap.String("config", *cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	clk := clock.Real()

	// Provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra, Timeout: pc.Timeout.D(),
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
			continue
		}
		for _, key := range pc.Routes {
			router.Bind(key, pc.ID)
		}
		for _, key := range pc.FallbackFor {
			router.AddFallback(key, pc.ID)
		}
	}

	// Message log: PostgreSQL when configured, in-memory otherwise
	var (
		pgStore *store.Store
		msgLog  window.MessageLog
		marks   window.MarkStore
		snaps   window.UsageStore
	)
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := store.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Fatal("PostgreSQL unavailable", zap.Error(pgErr))
		}
		if mErr := ps.Migrate(ctx); mErr != nil {
			logger.Fatal("migration failed", zap.Error(mErr))
		}
		pgStore = ps
		msgLog, marks, snaps = ps, ps, ps
	} else {
		mem := store.NewMemoryLog()
		msgLog, marks, snaps = mem, mem, mem
		logger.Warn("no postgres DSN, conversations are kept in memory only")
	}

	// Context window
	compactor := compaction.NewCompactor(compaction.Config{
		Threshold:       cfg.Context.MaxTokensBeforeSummary,
		KeepFloor:       cfg.Context.MessagesToKeep,
		SummaryTokenCap: cfg.Context.SummaryTokenCap,
		SummaryTimeout:  cfg.Context.SummaryTimeout.D(),
	}, compaction.NewRouterSummarizer(router, cfg.Context.SummaryModel, cfg.Context.SummaryMaxTokens), logger)
	manager := window.NewManager(compactor, usage.NewLedger(clk, logger), msgLog, clk, logger)
	manager.SetMarkStore(marks)
	manager.SetUsageStore(snaps)

	runner := turn.NewRunner(manager, router, turn.Config{
		Model:         cfg.Turn.Model,
		SystemPrompt:  cfg.Turn.SystemPrompt,
		MaxTokens:     cfg.Turn.MaxTokens,
		MaxToolRounds: cfg.Turn.MaxToolRounds,
		TopK:          cfg.Retrieval.TopK,
	}, logger)
	handler := api.NewHandler(manager, logger)
	handler.SetProviders(router)
	handler.SetRunner(runner)

	// Usage bus
	var bus *usagebus.Bus
	if cfg.Database.Redis.URL != "" {
		b, busErr := usagebus.New(ctx, cfg.Database.Redis.URL, cfg.Database.Redis.Stream, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without usage bus", zap.Error(busErr))
		} else {
			bus = b
			runner.SetPublisher(bus)
			go bus.Run(ctx, "$", manager)
			logger.Info("Usage bus initialized")
		}
	}

	// Retrieval
	var qdrant *vectorstore.Client
	if cfg.Retrieval.Enabled {
		qdrant, err = vectorstore.NewClient(vectorstore.QdrantConfig{
			Host:   cfg.Database.Qdrant.Host,
			Port:   cfg.Database.Qdrant.Port,
			APIKey: cfg.Database.Qdrant.APIKey,
		})
		if err != nil {
			logger.Fatal("qdrant client", zap.Error(err))
		}
		embedder, embErr := embedding.New(embedding.Config{
			Provider:  cfg.Embedding.Provider,
			Endpoint:  cfg.Embedding.Endpoint,
			Model:     cfg.Embedding.Model,
			APIKey:    cfg.Embedding.APIKey,
			Dimension: cfg.Embedding.Dimension,
			Timeout:   cfg.Embedding.Timeout.D(),
		})
		if embErr != nil {
			logger.Fatal("embedding provider", zap.Error(embErr))
		}
		searcher := retrieval.NewQdrantSearcher(embedder, qdrant, retrieval.Config{
			Collection:     cfg.Retrieval.Collection,
			TopK:           cfg.Retrieval.TopK,
			ScoreThreshold: cfg.Retrieval.ScoreThreshold,
		}, clk, logger)
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := searcher.Init(initCtx); err != nil {
			logger.Warn("qdrant collection init failed", zap.Error(err))
		}
		cancel()

		results := cache.New[[]retrieval.Result](cache.Config{
			TTL: cfg.Cache.TTL.D(), Capacity: cfg.Cache.Capacity,
		}, clk, logger)
		cached := retrieval.NewCachedSearcher(searcher, results, "documents")
		runner.SetSearcher(cached)
		handler.SetDocuments(searcher, cached)
		logger.Info("Retrieval initialized", zap.String("collection", cfg.Retrieval.Collection))
	}

	// Guard checks
	if cfg.Guard.Enabled {
		guardCache := cache.Config{TTL: cfg.Guard.TTL.D(), Capacity: cfg.Guard.Capacity}
		var backend guard.ModerationBackend = guard.NewRouterModeration(router, cfg.Guard.Model)
		if p, ok := router.GetProvider(router.DefaultID()); ok {
			if oai, ok := p.(*provider.OpenAIProvider); ok {
				backend = oai
			}
		}
		moderator := guard.NewModerator(backend, cache.New[bool](guardCache, clk, logger), logger)
		classifier := guard.NewClassifier(router, cfg.Guard.Model,
			cache.New[guard.Classification](guardCache, clk, logger), logger)
		runner.SetGuard(guard.New(moderator, classifier))
		logger.Info("Guard checks enabled")
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("turnkeeper listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	logger.Info("Shutting down turnkeeper...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if bus != nil {
		bus.Close()
	}
	if qdrant != nil {
		qdrant.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}
