package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	stripesubscription "github.com/stripe/stripe-go/v79/subscription"

	"github.com/usecmdr-rgb/ovrsee-sub004/libs/db"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/storage"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/subscriptions"
)

// Reconciler is the correcting pull: it re-reads provider state for known
// subscriptions and applies it through the same state machine the webhook
// uses. This heals events lost in the window between ledger insert and
// state apply, and out-of-order deliveries that left stale state behind.
type Reconciler struct {
	pool        *db.Pool
	repo        *storage.Repository
	subSvc      *subscriptions.Service
	logger      *slog.Logger
	stripeKey   string
	batchSize   int
	advisoryKey int64
}

type Config struct {
	StripeSecretKey string
	BatchSize       int
	AdvisoryLockKey int64
}

func New(pool *db.Pool, repo *storage.Repository, subSvc *subscriptions.Service, logger *slog.Logger, cfg Config) *Reconciler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	lockKey := cfg.AdvisoryLockKey
	if lockKey == 0 {
		lockKey = 7340021
	}
	return &Reconciler{
		pool:        pool,
		repo:        repo,
		subSvc:      subSvc,
		logger:      logger,
		stripeKey:   strings.TrimSpace(cfg.StripeSecretKey),
		batchSize:   batchSize,
		advisoryKey: lockKey,
	}
}

func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if r.stripeKey == "" {
		r.logger.Warn("subscription reconcile disabled: STRIPE_SECRET_KEY missing")
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	// Best-effort leader election for multi-instance deployments. Only the
	// instance holding the advisory lock reconciles.
	for {
		if ctx.Err() != nil {
			return
		}
		var locked bool
		if err := r.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, r.advisoryKey).Scan(&locked); err != nil {
			r.logger.Error("subscription reconcile: failed to acquire advisory lock", "err", err)
			time.Sleep(5 * time.Second)
			continue
		}
		if !locked {
			r.logger.Info("subscription reconcile: advisory lock held by another instance", "lock_key", r.advisoryKey)
			time.Sleep(30 * time.Second)
			continue
		}
		r.logger.Info("subscription reconcile: advisory lock acquired", "lock_key", r.advisoryKey)
		defer func() {
			_, _ = r.pool.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, r.advisoryKey)
		}()
		break
	}

	stripe.Key = r.stripeKey
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on startup to self-heal faster after downtime.
	r.reconcileOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context) {
	subs, err := r.repo.ListStripeSubscriptionsForReconcile(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("subscription reconcile: failed to list subscriptions", "err", err)
		return
	}

	for _, s := range subs {
		if ctx.Err() != nil {
			return
		}

		stripeSub, err := r.fetchProviderSubscription(ctx, s.StripeSubscriptionID)
		if err != nil {
			r.logger.Warn("subscription reconcile: provider fetch failed",
				"err", err, "stripe_subscription_id", s.StripeSubscriptionID, "tenant_id", s.TenantID)
			continue
		}

		// The stored tenant is authoritative when provider metadata is bare.
		if stripeSub.Metadata == nil {
			stripeSub.Metadata = map[string]string{}
		}
		if strings.TrimSpace(stripeSub.Metadata["tenant_id"]) == "" {
			stripeSub.Metadata["tenant_id"] = s.TenantID
		}

		if err := r.subSvc.ApplyProviderRead(ctx, stripeSub); err != nil {
			r.logger.Warn("subscription reconcile: apply failed",
				"err", err, "tenant_id", s.TenantID, "stripe_subscription_id", stripeSub.ID)
		}
	}
}

// fetchProviderSubscription reads live provider state. The loop's context is
// threaded through so shutdown cancels in-flight reads.
func (r *Reconciler) fetchProviderSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	}
	return stripesubscription.Get(id, params)
}
