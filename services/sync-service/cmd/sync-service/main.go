package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/usecmdr-rgb/ovrsee-sub004/libs/config"
	"github.com/usecmdr-rgb/ovrsee-sub004/libs/db"
	"github.com/usecmdr-rgb/ovrsee-sub004/libs/httpx"
	"github.com/usecmdr-rgb/ovrsee-sub004/libs/kafkax"
	otelx "github.com/usecmdr-rgb/ovrsee-sub004/libs/otel"
	"github.com/usecmdr-rgb/ovrsee-sub004/libs/runtime"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/credentials"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/engine"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/handlers"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/items"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/jobs"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/mapping"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/outbox"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/provider"
)

func main() {
	service := config.String("SERVICE_NAME", "sync-service")
	port, err := config.Port("PORT", "8086")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	credStore := credentials.NewStore(pool)
	refresher := credentials.NewRefresher(credStore, oauthApps(), logger)
	providerClient := provider.NewHTTPClient(
		config.String("PROVIDER_BASE_URL", "https://sync.googleapis.example.com"),
		config.Duration("PROVIDER_TIMEOUT", 15*time.Second),
	)
	jobRepo := jobs.NewRepository(pool)
	itemStore := items.NewStore(pool)
	reconciler := mapping.NewReconciler(pool, mapping.NewStore(), itemStore, logger)
	eng := engine.New(jobRepo, refresher, providerClient, reconciler, logger, config.Int("SYNC_PAGE_SIZE", 100))

	outboxRepo := outbox.NewRepository()
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	worker := engine.NewWorker(pool, jobRepo, eng, outboxRepo, logger, engine.WorkerConfig{
		Interval:   config.Duration("SYNC_WORKER_INTERVAL", 5*time.Second),
		BatchSize:  config.Int("SYNC_WORKER_BATCH_SIZE", 10),
		StaleAfter: config.Duration("SYNC_STALE_AFTER", 10*time.Minute),
	})
	go worker.Run(ctx)

	checks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
	}
	if brokers := config.String("KAFKA_BROKERS", ""); brokers != "" {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}

	var rdb *redis.Client
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	mux := runtime.NewBaseMuxWithReady(checks...)
	h := handlers.New(jobRepo, eng, itemStore, logger)
	mux.HandleFunc("/api/v1/sync/jobs", h.EnqueueJob)
	mux.HandleFunc("/api/v1/sync/jobs/status", h.JobStatus)
	mux.HandleFunc("/api/v1/sync/jobs/run", h.RunJob)
	mux.HandleFunc("/api/v1/sync/jobs/requeue", h.RequeueJob)
	mux.HandleFunc("/api/v1/sync/items", h.GetItem)

	middlewares := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1 << 20),
	}
	if rdb != nil {
		limiter := httpx.NewRedisRateLimiter(rdb,
			config.Int("RATE_LIMIT_PER_MINUTE", 120),
			time.Minute,
			"sync",
		)
		middlewares = append(middlewares, limiter.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true)))
	}
	handler := httpx.Chain(mux, middlewares...)
	handler = otelhttp.NewHandler(handler, "sync")

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func oauthApps() map[string]credentials.OAuthApp {
	apps := map[string]credentials.OAuthApp{}
	if id := config.String("GOOGLE_CLIENT_ID", ""); id != "" {
		apps["google"] = credentials.OAuthApp{
			ClientID:     id,
			ClientSecret: config.String("GOOGLE_CLIENT_SECRET", ""),
			TokenURL:     config.String("GOOGLE_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		}
	}
	if id := config.String("MICROSOFT_CLIENT_ID", ""); id != "" {
		apps["microsoft"] = credentials.OAuthApp{
			ClientID:     id,
			ClientSecret: config.String("MICROSOFT_CLIENT_SECRET", ""),
			TokenURL:     config.String("MICROSOFT_TOKEN_URL", "https://login.microsoftonline.com/common/oauth2/v2.0/token"),
		}
	}
	return apps
}
