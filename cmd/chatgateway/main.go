package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/chat-gateway/internal/api"
	"github.com/felipepmaragno/chat-gateway/internal/auth"
	"github.com/felipepmaragno/chat-gateway/internal/cache"
	"github.com/felipepmaragno/chat-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/chat-gateway/internal/completion"
	"github.com/felipepmaragno/chat-gateway/internal/config"
	"github.com/felipepmaragno/chat-gateway/internal/credentials"
	"github.com/felipepmaragno/chat-gateway/internal/crypto"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/gateway"
	"github.com/felipepmaragno/chat-gateway/internal/httputil"
	"github.com/felipepmaragno/chat-gateway/internal/metrics"
	"github.com/felipepmaragno/chat-gateway/internal/notifications"
	"github.com/felipepmaragno/chat-gateway/internal/queue"
	"github.com/felipepmaragno/chat-gateway/internal/ratelimit"
	"github.com/felipepmaragno/chat-gateway/internal/registry"
	"github.com/felipepmaragno/chat-gateway/internal/repository"
	"github.com/felipepmaragno/chat-gateway/internal/telemetry"
	"github.com/felipepmaragno/chat-gateway/internal/threads"
	"github.com/felipepmaragno/chat-gateway/internal/title"
	"github.com/felipepmaragno/chat-gateway/internal/validation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel, cfg.LogFormat)

	slog.Info("starting chat gateway", "addr", cfg.Addr, "version", api.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "chat-gateway",
		Version:     api.Version,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	metrics.InitInstanceMetrics(hostname, api.Version)

	var checkers []api.HealthChecker

	// Credentials
	policy, err := credentials.ParseKeyPolicy(cfg.KeyPolicy)
	if err != nil {
		slog.Error("invalid key policy", "error", err)
		os.Exit(1)
	}
	backend, err := newCredentialBackend(ctx, cfg)
	if err != nil {
		slog.Error("failed to set up credential backend", "backend", cfg.CredentialsBackend, "error", err)
		os.Exit(1)
	}
	store := credentials.NewStore(backend, policy)
	if err := store.Reload(ctx); err != nil {
		slog.Error("failed to load credentials", "error", err)
		os.Exit(1)
	}
	if w, ok := backend.(credentials.Watcher); ok {
		go func() {
			if err := store.Watch(ctx, w); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("credential watch stopped", "error", err)
			}
		}()
	}
	slog.Info("credentials loaded", "backend", cfg.CredentialsBackend, "providers", store.ConfiguredProviders(), "policy", policy)

	liteLLMBaseURL := func() string {
		if u := store.LiteLLMBaseURL(); u != "" {
			return u
		}
		return cfg.LiteLLMBaseURL
	}

	// Models and upstreams
	reg := registry.New()
	providerClient := httputil.NewClient(httputil.DefaultConfig())
	gw := gateway.New(gateway.Endpoints{
		Google:     cfg.GoogleBaseURL,
		OpenAI:     cfg.OpenAIBaseURL,
		OpenRouter: cfg.OpenRouterBaseURL,
		LiteLLM:    cfg.LiteLLMBaseURL,
	}, providerClient)

	breakerConfig := circuitbreaker.DefaultConfig()
	breakerConfig.FailureThreshold = cfg.CircuitBreakerFailures
	breakerConfig.Timeout = cfg.CircuitBreakerTimeout
	var breakerOpts []circuitbreaker.ManagerOption
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		breakerClient := redis.NewClient(opts)
		defer breakerClient.Close()
		breakerOpts = append(breakerOpts, circuitbreaker.WithFactory(circuitbreaker.RedisFactory(breakerClient)))
		checkers = append(checkers, api.NewRedisHealthCheckerWithClient(breakerClient))
		slog.Info("using redis circuit breakers")
	}
	breakers := circuitbreaker.NewManager(breakerConfig, breakerOpts...)
	gw.UseBreakers(breakers)

	validationClient := httputil.NewClient(httputil.ValidationConfig())
	fetchModels := func(ctx context.Context, baseURL, key string) []string {
		return validation.FetchCustomModels(ctx, baseURL, key, validationClient)
	}
	if key, ok := store.GetKey(domain.ProviderLiteLLM); ok && liteLLMBaseURL() != "" {
		ids := fetchModels(ctx, liteLLMBaseURL(), key)
		reg.SetCustomModels(ids)
		slog.Info("loaded litellm models", "count", len(ids))
	}
	if model, changed, err := credentials.AutoSelectModel(ctx, reg, store, registry.DefaultModel); err != nil {
		slog.Warn("failed to auto-select model", "error", err)
	} else if changed {
		slog.Info("selected model switched to a usable one", "model", model)
	}

	// Cache
	var titleCache cache.Cache
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			slog.Warn("failed to connect to redis for cache, using in-memory", "error", err)
			titleCache = cache.NewInMemoryCache()
		} else {
			defer redisCache.Close()
			titleCache = redisCache
			checkers = append(checkers, api.NewPingChecker("redis_cache", redisCache.Ping))
			slog.Info("using redis cache")
		}
	} else {
		titleCache = cache.NewInMemoryCache()
		slog.Info("using in-memory cache")
	}

	// Rate limiting
	var rateLimiter ratelimit.RateLimiter
	if cfg.RedisURL != "" {
		redisLimiter, err := ratelimit.NewRedisRateLimiter(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisLimiter.Close()
		rateLimiter = redisLimiter
		checkers = append(checkers, api.NewPingChecker("redis_ratelimit", redisLimiter.Ping))
		slog.Info("using redis rate limiter", "rpm", cfg.RateLimitRPM)
	} else {
		rateLimiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory rate limiter", "rpm", cfg.RateLimitRPM)
	}

	// Threads
	var threadRepo repository.ThreadRepository
	if cfg.DatabaseURL != "" {
		db, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to set up database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		pgRepo := repository.NewPostgresThreadRepository(db)
		if n, err := pgRepo.ResetInFlightTitles(ctx); err != nil {
			slog.Warn("failed to reset in-flight titles", "error", err)
		} else if n > 0 {
			slog.Info("reset stale in-flight titles", "count", n)
		}
		threadRepo = pgRepo
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
		slog.Info("using postgres thread repository")
	} else {
		threadRepo = repository.NewInMemoryThreadRepository()
		slog.Info("using in-memory thread repository")
	}

	// Title jobs and notifications
	var titleQueue queue.Queue
	if cfg.TitleQueueURL != "" {
		sqsQueue, err := queue.NewSQSQueue(ctx, cfg.AWSRegion, cfg.TitleQueueURL)
		if err != nil {
			slog.Error("failed to set up title queue", "error", err)
			os.Exit(1)
		}
		titleQueue = sqsQueue
		slog.Info("using sqs title queue", "url", cfg.TitleQueueURL)
	} else {
		titleQueue = queue.NewInMemoryQueue(queue.DefaultBufferSize)
		slog.Info("using in-memory title queue")
	}

	feed := notifications.NewInMemoryNotifier()
	notifier := notifications.Multi{feed}
	if cfg.NotifyTopicARN != "" {
		sns, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.NotifyTopicARN)
		if err != nil {
			slog.Error("failed to set up notifications", "error", err)
			os.Exit(1)
		}
		notifier = append(notifier, sns)
		slog.Info("publishing notifications to sns", "topic", cfg.NotifyTopicARN)
	}

	var dedup notifications.Deduplicator = notifications.NewInMemoryDeduplicator(notifications.DefaultDedupWindow)
	if cfg.RedisURL != "" {
		redisDedup, err := notifications.NewRedisDeduplicator(cfg.RedisURL, notifications.DefaultDedupWindow)
		if err != nil {
			slog.Warn("failed to connect to redis for notification dedup, using in-memory", "error", err)
		} else {
			defer redisDedup.Close()
			dedup = redisDedup
		}
	}
	outbound := notifications.NewDeduplicated(notifier, dedup)

	completionService := completion.NewService(completion.Config{
		Registry:       reg,
		Gateway:        gw,
		Cache:          titleCache,
		Timeout:        cfg.TitleTimeout,
		LiteLLMBaseURL: liteLLMBaseURL,
	})

	var pipelineCompleter completion.Completer = completionService
	if cfg.CompletionURL != "" {
		pipelineCompleter = completion.NewHTTPClient(cfg.CompletionURL, httputil.NewClient(httputil.TitleConfig()))
		slog.Info("title pipeline uses remote completion endpoint", "url", cfg.CompletionURL)
	}

	pipeline := title.NewPipeline(pipelineCompleter, threadRepo, store, reg, outbound, title.Config{
		Model:           cfg.TitleModel,
		AllowRegenerate: cfg.TitleAllowRegenerate,
		Timeout:         cfg.TitleTimeout,
	}, slog.Default())
	dispatcher := title.NewDispatcher(titleQueue, pipeline, cfg.TitleWorkers, slog.Default())
	dispatcher.Start(ctx)

	threadService := threads.NewService(threadRepo, titleQueue, slog.Default())

	var operatorAuth *auth.RBACMiddleware
	if cfg.AdminUsers != "" {
		users, err := auth.ParseUsers(cfg.AdminUsers)
		if err != nil {
			slog.Error("invalid ADMIN_USERS", "error", err)
			os.Exit(1)
		}
		operatorAuth = auth.NewRBACMiddleware(auth.NewAuthenticator(users))
		slog.Info("credential routes require basic auth", "users", len(users))
	} else {
		slog.Warn("ADMIN_USERS not set, credential routes are unauthenticated")
	}

	handler := api.NewHandler(api.HandlerConfig{
		Completer:     completionService,
		Registry:      reg,
		Credentials:   store,
		Validator:     validation.NewService(validation.DefaultEndpoints(), validationClient, liteLLMBaseURL, slog.Default()),
		FetchModels:   fetchModels,
		Threads:       threadService,
		Notifications: feed,
		Notifier:      outbound,
		RateLimiter:   rateLimiter,
		RateLimitRPM:  cfg.RateLimitRPM,
		Checkers:      checkers,
		CircuitStates: breakers.States,
		Auth:          operatorAuth,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		ConnState:    trackConnections,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Enqueues still in flight land before the workers drain.
	threadService.Wait()
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		slog.Error("title workers did not finish", "error", err)
	}
	cancel()

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

func newCredentialBackend(ctx context.Context, cfg *config.Config) (credentials.Backend, error) {
	var sealer credentials.Sealer
	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		sealer = enc
	} else if cfg.CredentialsBackend == config.BackendFile || cfg.CredentialsBackend == config.BackendRedis {
		slog.Warn("ENCRYPTION_KEY not set, credentials are stored in plaintext")
	}

	switch cfg.CredentialsBackend {
	case config.BackendFile:
		return credentials.NewFileBackend(cfg.CredentialsFile, sealer), nil
	case config.BackendRedis:
		return credentials.NewRedisBackend(cfg.RedisURL, sealer)
	case config.BackendSecretsManager:
		return credentials.NewSecretsManagerBackend(ctx, cfg.AWSRegion, cfg.CredentialsSecretName)
	default:
		return credentials.NewMemoryBackend(), nil
	}
}

func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := repository.OpenPostgres(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := repository.RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func trackConnections(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		metrics.IncrementActiveConnections()
	case http.StateHijacked, http.StateClosed:
		metrics.DecrementActiveConnections()
	}
}

func setupLogger(level, format string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var handler slog.Handler
	if format == "text" {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.Kitchen,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	}
	slog.SetDefault(slog.New(handler))
}
