package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/usecmdr-rgb/ovrsee-sub004/libs/db"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/pricing"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/seats"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// ErrDuplicateEvent signals the event ID is already in the ledger. It is a
// successful no-op outcome for the caller, never a failure.
var ErrDuplicateEvent = errors.New("duplicate webhook event")

// InsertWebhookEvent is the sole duplicate-suppression gate: the unique
// constraint on (provider, event_id) decides whether an event has been seen.
func (r *Repository) InsertWebhookEvent(ctx context.Context, provider, eventID, eventType string, payload []byte) error {
	var body any
	if err := json.Unmarshal(payload, &body); err != nil {
		// Malformed JSON is a hard failure: the signature was already
		// verified, so the payload should be well-formed.
		return err
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID, eventType, body)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

type Subscription struct {
	TenantID             string
	Tier                 pricing.Tier
	Status               string
	StripeCustomerID     string
	StripeSubscriptionID string
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
	TrialStart           *time.Time
	TrialEnd             *time.Time
	RetentionUntil       *time.Time
	UpdatedAt            time.Time
}

func (r *Repository) UpsertSubscription(ctx context.Context, tx pgx.Tx, s Subscription) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO subscriptions (tenant_id, tier, status, stripe_customer_id, stripe_subscription_id,
		                           current_period_start, current_period_end, cancel_at_period_end,
		                           trial_start, trial_end, retention_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id)
		DO UPDATE SET tier = EXCLUDED.tier,
		              status = EXCLUDED.status,
		              stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, subscriptions.stripe_customer_id),
		              stripe_subscription_id = COALESCE(EXCLUDED.stripe_subscription_id, subscriptions.stripe_subscription_id),
		              current_period_start = EXCLUDED.current_period_start,
		              current_period_end = EXCLUDED.current_period_end,
		              cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		              trial_start = EXCLUDED.trial_start,
		              trial_end = EXCLUDED.trial_end,
		              retention_until = EXCLUDED.retention_until,
		              updated_at = now()
	`, s.TenantID, string(s.Tier), s.Status, nullIfEmpty(s.StripeCustomerID), nullIfEmpty(s.StripeSubscriptionID),
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd, s.TrialStart, s.TrialEnd, s.RetentionUntil)
	return err
}

const subscriptionColumns = `
	tenant_id::text, tier, status,
	COALESCE(stripe_customer_id, ''), COALESCE(stripe_subscription_id, ''),
	current_period_start, current_period_end, cancel_at_period_end,
	trial_start, trial_end, retention_until, updated_at
`

func scanSubscription(row pgx.Row) (Subscription, error) {
	var s Subscription
	var tier string
	err := row.Scan(&s.TenantID, &tier, &s.Status, &s.StripeCustomerID, &s.StripeSubscriptionID,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CancelAtPeriodEnd,
		&s.TrialStart, &s.TrialEnd, &s.RetentionUntil, &s.UpdatedAt)
	if err != nil {
		return Subscription{}, err
	}
	s.Tier = pricing.Tier(tier)
	return s, nil
}

func (r *Repository) GetSubscription(ctx context.Context, tenantID string) (Subscription, error) {
	return scanSubscription(r.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = $1
	`, tenantID))
}

func (r *Repository) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (Subscription, error) {
	return scanSubscription(r.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE stripe_subscription_id = $1
	`, stripeSubscriptionID))
}

func (r *Repository) ListStripeSubscriptionsForReconcile(ctx context.Context, limit int) ([]Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE stripe_subscription_id IS NOT NULL AND stripe_subscription_id <> ''
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var ErrSeatNotFound = errors.New("seat not found")

func (r *Repository) UpsertSeat(ctx context.Context, tx pgx.Tx, rec seats.Record) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO seats (tenant_id, member_id, invite_token, tier, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, member_id)
		DO UPDATE SET invite_token = EXCLUDED.invite_token,
		              tier = EXCLUDED.tier,
		              status = EXCLUDED.status,
		              updated_at = now()
	`, rec.TenantID, rec.MemberID, nullIfEmpty(rec.InviteToken), string(rec.Tier), string(rec.Status))
	return err
}

func (r *Repository) UpdateSeatTier(ctx context.Context, tx pgx.Tx, tenantID, memberID string, tier pricing.Tier) error {
	tag, err := tx.Exec(ctx, `
		UPDATE seats
		SET tier = $3, updated_at = now()
		WHERE tenant_id = $1 AND member_id = $2 AND status <> 'removed'
	`, tenantID, memberID, string(tier))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSeatNotFound
	}
	return nil
}

// RemoveSeat flips the seat to removed. The row stays for billing history.
func (r *Repository) RemoveSeat(ctx context.Context, tx pgx.Tx, tenantID, memberID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE seats
		SET status = 'removed', updated_at = now()
		WHERE tenant_id = $1 AND member_id = $2 AND status <> 'removed'
	`, tenantID, memberID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSeatNotFound
	}
	return nil
}

func (r *Repository) ListSeats(ctx context.Context, tenantID string) ([]seats.Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT tenant_id::text, member_id, COALESCE(invite_token, ''), tier, status, created_at, updated_at
		FROM seats
		WHERE tenant_id = $1
		ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []seats.Record
	for rows.Next() {
		var rec seats.Record
		var tier, status string
		if err := rows.Scan(&rec.TenantID, &rec.MemberID, &rec.InviteToken, &tier, &status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Tier = pricing.Tier(tier)
		rec.Status = seats.Status(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
