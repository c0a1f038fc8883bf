package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/agents"
	"github.com/insightengine/orchestrator/internal/approval"
	"github.com/insightengine/orchestrator/internal/auth"
	"github.com/insightengine/orchestrator/internal/circuitbreaker"
	"github.com/insightengine/orchestrator/internal/config"
	"github.com/insightengine/orchestrator/internal/db"
	"github.com/insightengine/orchestrator/internal/health"
	"github.com/insightengine/orchestrator/internal/httpapi"
	"github.com/insightengine/orchestrator/internal/notify"
	"github.com/insightengine/orchestrator/internal/orchestrator"
	"github.com/insightengine/orchestrator/internal/render"
	"github.com/insightengine/orchestrator/internal/session"
	"github.com/insightengine/orchestrator/internal/sources"
	"github.com/insightengine/orchestrator/internal/streaming"
	"github.com/insightengine/orchestrator/internal/tracing"
)

func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := config.NewWatcher(configPath, nil)
	if err != nil {
		return err
	}
	cfg := watcher.Config()

	logger, level, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()
	watcher.SetLogger(logger)

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
	} else {
		defer func() {
			tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(tctx)
		}()
	}

	stopMetrics := make(chan struct{})
	defer close(stopMetrics)
	circuitbreaker.StartMetricsCollection(stopMetrics)

	hm := health.NewManager(logger)
	_ = hm.RegisterChecker(health.NewCircuitBreakerHealthChecker(nil))

	// ------------------------------------------------------------------
	// Storage
	// ------------------------------------------------------------------
	var redisClient redis.UniversalClient
	if cfg.UsesRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		wrapper := circuitbreaker.NewRedisWrapper(redisClient, "research", logger)
		if err := wrapper.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		_ = hm.RegisterChecker(health.NewRedisHealthChecker(redisClient, wrapper))
	}

	var store session.Store
	switch cfg.Store.Backend {
	case config.BackendRedis:
		rs, err := session.NewRedisStore(ctx, redisClient, logger)
		if err != nil {
			return err
		}
		store = rs
	case config.BackendSQL:
		sqlDB, err := db.Open(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer sqlDB.Close()
		if cfg.Database.Driver != "sqlite3" {
			if err := db.Migrate(cfg.Database.URL(), logger); err != nil {
				return err
			}
		}
		ss := session.NewSQLStore(sqlDB, logger)
		if err := ss.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
		_ = hm.RegisterChecker(health.NewDatabaseHealthChecker(sqlDB))
		store = ss
	default:
		logger.Warn("Using in-memory session store; sessions are lost on restart")
		store = session.NewMemoryStore()
	}

	var gate approval.Gate = approval.NewLocalGate()
	if cfg.Store.Backend == config.BackendRedis {
		// Approvals may land on another replica.
		gate = approval.NewRedisGate(redisClient, logger)
	}

	// ------------------------------------------------------------------
	// Collaborators
	// ------------------------------------------------------------------
	llmHTTP := circuitbreaker.NewHTTPWrapperWithConfig(
		&http.Client{Timeout: cfg.LLM.Timeout}, "llm", "openai",
		circuitbreaker.GetLLMConfig().ToConfig(), logger,
	)
	var prompts *agents.Prompts
	if cfg.LLM.PromptsFile != "" {
		data, err := os.ReadFile(cfg.LLM.PromptsFile)
		if err != nil {
			return fmt.Errorf("read prompts: %w", err)
		}
		if prompts, err = agents.LoadPrompts(data); err != nil {
			return err
		}
	}
	invoker, err := agents.NewChatInvoker(agents.NewOpenAICompleter(cfg.LLM.OpenAIConfig, llmHTTP.Client()), prompts, logger)
	if err != nil {
		return err
	}

	webHTTP := circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Sources.Timeout}, "search", cfg.Sources.Search.Provider, logger)
	searcher, err := sources.NewSearcher(cfg.Sources.Search, webHTTP)
	if err != nil {
		return err
	}
	pageHTTP := circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Sources.Timeout}, "fetch", "pages", logger)
	collector := sources.NewWebCollector(searcher, logger,
		sources.WithExtractor(&sources.ReadabilityExtractor{Client: pageHTTP, MaxChars: cfg.Sources.MaxPageChars}),
		sources.WithRateLimit(cfg.Sources.RateLimit),
	)

	var uploader render.Uploader
	if cfg.Render.UploadURL != "" {
		uploadHTTP := circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: 30 * time.Second}, "upload", "reports", logger)
		uploader = &render.HTTPUploader{
			Client:    uploadHTTP,
			BaseURL:   cfg.Render.UploadURL,
			PublicURL: cfg.Render.PublicURL,
			Token:     cfg.Render.UploadToken,
		}
	}
	renderer, err := render.NewMarkdownRenderer(cfg.Render.Dir, uploader, logger)
	if err != nil {
		return err
	}

	notifier, closeNotifier, err := buildNotifier(cfg, redisClient, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	// ------------------------------------------------------------------
	// Pipeline
	// ------------------------------------------------------------------
	bus := streaming.NewManager(store, streaming.DefaultBuffer, logger)
	orch, err := orchestrator.New(orchestrator.Deps{
		Store:    store,
		Bus:      bus,
		Gate:     gate,
		Agents:   invoker,
		Sources:  collector,
		Renderer: renderer,
		Notifier: notifier,
		Logger:   logger,
	}, cfg.Pipeline)
	if err != nil {
		return err
	}
	runner := orchestrator.NewRunner(orch, logger)
	svc := orchestrator.NewService(store, bus, gate, runner, logger)

	watcher.OnChange(func(c *config.Config) {
		if lvl, err := config.ParseLevel(c.Logging.Level); err == nil {
			level.SetLevel(lvl)
		}
		if err := orch.SetConfig(c.Pipeline); err != nil {
			logger.Warn("Pipeline configuration rejected", zap.Error(err))
			return
		}
		logger.Info("Pipeline configuration updated",
			zap.Int("max_revisions", c.Pipeline.MaxRevisions),
			zap.Int("sources_per_section", c.Pipeline.SourcesPerSection),
		)
	})
	watcher.Start()

	if n, err := svc.Resume(ctx); err != nil {
		logger.Error("Failed to resume sessions", zap.Error(err))
	} else if n > 0 {
		logger.Info("Sessions resumed after restart", zap.Int("count", n))
	}

	// ------------------------------------------------------------------
	// HTTP
	// ------------------------------------------------------------------
	var jwtManager *auth.JWTManager
	if cfg.Auth.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	} else {
		logger.Warn("Authentication disabled; requester is taken from the request body")
	}
	authMW := auth.NewMiddleware(jwtManager, logger, "/api/research/stream/", "/api/research/events/")

	api := http.NewServeMux()
	httpapi.NewResearchHandler(svc, logger).RegisterRoutes(api)

	mux := http.NewServeMux()
	mux.Handle("/api/research/", authMW.HTTPMiddleware(api))
	health.NewHTTPHandler(hm, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Research API listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	// Cancelled sessions keep their status and resume on the next start.
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Session tasks did not stop in time", zap.Error(err))
	}
	logger.Info("Shutdown complete")
	return nil
}

func buildNotifier(cfg *config.Config, redisClient redis.UniversalClient, logger *zap.Logger) (notify.Notifier, func(), error) {
	var out notify.Multi
	closers := []func(){}
	if cfg.Notify.RedisStream != "" {
		out = append(out, notify.NewRedisStreamNotifier(redisClient, cfg.Notify.RedisStream, cfg.Notify.RedisStreamMaxLen))
	}
	if cfg.Notify.NATSURL != "" {
		n, err := notify.NewNATSNotifier(cfg.Notify.NATSURL, cfg.Notify.NATSSubjectPrefix, logger)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, n)
		closers = append(closers, func() { _ = n.Close() })
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(out) == 0 {
		return notify.Nop{}, closeAll, nil
	}
	return out, closeAll, nil
}
