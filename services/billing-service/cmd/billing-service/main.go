package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v79"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/usecmdr-rgb/ovrsee-sub004/libs/config"
	"github.com/usecmdr-rgb/ovrsee-sub004/libs/db"
	"github.com/usecmdr-rgb/ovrsee-sub004/libs/httpx"
	"github.com/usecmdr-rgb/ovrsee-sub004/libs/kafkax"
	otelx "github.com/usecmdr-rgb/ovrsee-sub004/libs/otel"
	"github.com/usecmdr-rgb/ovrsee-sub004/libs/runtime"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/billingclient"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/handlers"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/outbox"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/pricing"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/reconcile"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/storage"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/subscriptions"
)

func main() {
	service := config.String("SERVICE_NAME", "billing-service")
	port, err := config.Port("PORT", "8087")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	// Misconfigured pricing must never serve traffic.
	catalog := pricing.DefaultCatalog()
	if err := pricing.ValidateMargins(catalog); err != nil {
		logger.Error("startup aborted", "err", err)
		panic(err)
	}

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

	repo := storage.NewRepository(pool)
	outboxRepo := outbox.NewRepository()
	priceTiers := priceTiersFromEnv(logger)
	subSvc := subscriptions.New(subscriptions.NewPGStore(repo, outboxRepo), priceTiers, logger)

	stripeKey := config.String("STRIPE_SECRET_KEY", "")
	var client *billingclient.Client
	if stripeKey != "" {
		stripe.Key = stripeKey
		client = billingclient.NewClient(priceTiers, logger)
	} else {
		logger.Warn("seat push disabled: STRIPE_SECRET_KEY missing")
	}

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	reconciler := reconcile.New(pool, repo, subSvc, logger, reconcile.Config{
		StripeSecretKey: stripeKey,
		BatchSize:       config.Int("RECONCILE_BATCH_SIZE", 50),
		AdvisoryLockKey: int64(config.Int("RECONCILE_LOCK_KEY", 0)),
	})
	go reconciler.Run(ctx, config.Duration("RECONCILE_INTERVAL", 5*time.Minute))

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
	h := handlers.New(repo, subSvc, client, catalog, logger, handlers.Config{
		StripeWebhookSecret:    config.String("STRIPE_WEBHOOK_SECRET", ""),
		StripeWebhookTolerance: config.Duration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
	})
	mux.HandleFunc("/api/v1/billing/webhook", h.StripeWebhook)
	mux.HandleFunc("/api/v1/billing/seats", h.AddSeat)
	mux.HandleFunc("/api/v1/billing/seats/tier", h.UpdateSeatTier)
	mux.HandleFunc("/api/v1/billing/seats/remove", h.RemoveSeat)
	mux.HandleFunc("/api/v1/billing/pricing/preview", h.PreviewPricing)

	middlewares := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1 << 20),
	}
	if rdb != nil {
		limiter := httpx.NewRedisRateLimiter(rdb,
			config.Int("RATE_LIMIT_PER_MINUTE", 120),
			time.Minute,
			"billing",
		)
		middlewares = append(middlewares, limiter.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true)))
	}
	handler := httpx.Chain(mux, middlewares...)
	handler = otelhttp.NewHandler(handler, "billing")

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

func priceTiersFromEnv(logger *slog.Logger) map[string]pricing.Tier {
	tiers := map[string]pricing.Tier{}
	for env, tier := range map[string]pricing.Tier{
		"STRIPE_PRICE_BASIC":   pricing.TierBasic,
		"STRIPE_PRICE_PRO":     pricing.TierPro,
		"STRIPE_PRICE_PREMIUM": pricing.TierPremium,
	} {
		if id := config.String(env, ""); id != "" {
			tiers[id] = tier
		} else {
			logger.Warn("price ID not configured", "env", env, "tier", string(tier))
		}
	}
	return tiers
}
