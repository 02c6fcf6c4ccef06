package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"

	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/outbox"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/pricing"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/storage"
)

// Outcome of processing one provider event. Duplicate is a successful no-op,
// not an error.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
)

// RetentionWindow is how long tenant data is kept after a paid subscription
// is canceled or paused.
const RetentionWindow = 60 * 24 * time.Hour

// Store is the persistence surface the state machine needs. Each method is
// independently atomic; SaveSubscription commits the row and its outbox
// events in one transaction. Every transition derives the new state from the
// event's own payload, so no cross-call locking is required.
type Store interface {
	// InsertLedgerEntry returns storage.ErrDuplicateEvent when the event ID
	// was seen before. The insert commits before any state mutation.
	InsertLedgerEntry(ctx context.Context, eventID, eventType string, payload []byte) error
	FindSubscription(ctx context.Context, tenantID string) (storage.Subscription, bool, error)
	FindByStripeSubscription(ctx context.Context, stripeSubscriptionID string) (storage.Subscription, bool, error)
	SaveSubscription(ctx context.Context, sub storage.Subscription, events []outbox.Event) error
}

// Service drives SubscriptionState transitions from provider events. The
// same code path serves the webhook handler and the correcting reconciler.
type Service struct {
	store      Store
	priceTiers map[string]pricing.Tier
	logger     *slog.Logger
	now        func() time.Time
}

// New builds a Service. priceTiers maps provider price IDs to seat tiers.
func New(store Store, priceTiers map[string]pricing.Tier, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		priceTiers: priceTiers,
		logger:     logger,
		now:        time.Now,
	}
}

// ProcessEvent records the event in the idempotency ledger and applies the
// matching state transition. Unrecognized event types are accepted and
// logged so provider additions never bounce.
func (s *Service) ProcessEvent(ctx context.Context, evt stripe.Event) (Outcome, error) {
	eventType := string(evt.Type)
	if err := s.store.InsertLedgerEntry(ctx, evt.ID, eventType, evt.Data.Raw); err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			s.logger.Info("duplicate provider event ignored", "event_id", evt.ID, "event_type", eventType)
			return OutcomeDuplicate, nil
		}
		return "", err
	}

	occurredAt := s.now().UTC()
	if evt.Created > 0 {
		occurredAt = time.Unix(evt.Created, 0).UTC()
	}

	switch eventType {
	case "checkout.session.completed":
		return s.applyCheckoutCompleted(ctx, evt, occurredAt)
	case "customer.subscription.created", "customer.subscription.updated":
		return s.applySubscriptionEvent(ctx, evt, occurredAt, false)
	case "customer.subscription.deleted":
		return s.applySubscriptionEvent(ctx, evt, occurredAt, true)
	case "invoice.paid":
		return s.applyInvoice(ctx, evt, occurredAt, true)
	case "invoice.payment_failed":
		return s.applyInvoice(ctx, evt, occurredAt, false)
	default:
		s.logger.Info("unhandled provider event accepted", "event_id", evt.ID, "event_type", eventType)
		return OutcomeAccepted, nil
	}
}

func (s *Service) applyCheckoutCompleted(ctx context.Context, evt stripe.Event, occurredAt time.Time) (Outcome, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
		s.logger.Error("invalid checkout session payload", "event_id", evt.ID, "err", err)
		return OutcomeAccepted, nil
	}

	tenantID := strings.TrimSpace(session.ClientReferenceID)
	if tenantID == "" {
		tenantID = strings.TrimSpace(session.Metadata["tenant_id"])
	}
	if tenantID == "" {
		s.logger.Warn("checkout session has no tenant reference", "event_id", evt.ID, "session_id", session.ID)
		return OutcomeAccepted, nil
	}

	prev, hadPrev, err := s.store.FindSubscription(ctx, tenantID)
	if err != nil {
		return "", err
	}

	tier := pricing.Tier(strings.ToLower(strings.TrimSpace(session.Metadata["tier"])))
	if !pricing.ValidTier(tier) {
		if hadPrev {
			tier = prev.Tier
		} else {
			tier = pricing.TierBasic
		}
		s.logger.Warn("checkout session has no usable tier metadata, using fallback",
			"event_id", evt.ID, "tenant_id", tenantID, "tier", string(tier))
	}

	next := storage.Subscription{
		TenantID: tenantID,
		Tier:     tier,
		Status:   "active",
	}
	if session.Customer != nil {
		next.StripeCustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		next.StripeSubscriptionID = session.Subscription.ID
	}
	// Checkout confirmation always clears a pending retention window.
	next.RetentionUntil = nil

	return s.save(ctx, prev, hadPrev, next, occurredAt)
}

func (s *Service) applySubscriptionEvent(ctx context.Context, evt stripe.Event, occurredAt time.Time, deleted bool) (Outcome, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
		s.logger.Error("invalid subscription payload", "event_id", evt.ID, "err", err)
		return OutcomeAccepted, nil
	}
	return s.applyStripeSubscription(ctx, &sub, occurredAt, deleted)
}

// ApplyProviderRead runs a confirmed provider read through the same
// transition logic the webhook path uses. The correcting reconciler calls
// this to heal events lost between ledger insert and state apply.
func (s *Service) ApplyProviderRead(ctx context.Context, sub *stripe.Subscription) error {
	_, err := s.applyStripeSubscription(ctx, sub, s.now().UTC(), false)
	return err
}

func (s *Service) applyStripeSubscription(ctx context.Context, sub *stripe.Subscription, occurredAt time.Time, deleted bool) (Outcome, error) {
	tenantID := strings.TrimSpace(sub.Metadata["tenant_id"])
	var prev storage.Subscription
	var hadPrev bool
	var err error
	if tenantID != "" {
		prev, hadPrev, err = s.store.FindSubscription(ctx, tenantID)
	} else {
		prev, hadPrev, err = s.store.FindByStripeSubscription(ctx, sub.ID)
		if hadPrev {
			tenantID = prev.TenantID
		}
	}
	if err != nil {
		return "", err
	}
	if tenantID == "" {
		s.logger.Warn("subscription event for unknown tenant", "stripe_subscription_id", sub.ID)
		return OutcomeAccepted, nil
	}

	status := string(sub.Status)
	if deleted {
		status = "canceled"
	}

	tier := s.tierFromItems(sub.Items)
	if tier == "" {
		if hadPrev {
			tier = prev.Tier
		} else {
			tier = pricing.TierBasic
		}
		s.logger.Warn("subscription items carry no configured price, keeping tier",
			"tenant_id", tenantID, "tier", string(tier))
	}

	next := storage.Subscription{
		TenantID:             tenantID,
		Tier:                 tier,
		Status:               status,
		StripeSubscriptionID: sub.ID,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		CurrentPeriodStart:   unixPtr(sub.CurrentPeriodStart),
		CurrentPeriodEnd:     unixPtr(sub.CurrentPeriodEnd),
		TrialStart:           unixPtr(sub.TrialStart),
		TrialEnd:             unixPtr(sub.TrialEnd),
	}
	if sub.Customer != nil {
		next.StripeCustomerID = sub.Customer.ID
	}
	next.RetentionUntil = retentionAfter(prev, hadPrev, status, occurredAt)

	return s.save(ctx, prev, hadPrev, next, occurredAt)
}

func (s *Service) applyInvoice(ctx context.Context, evt stripe.Event, occurredAt time.Time, paid bool) (Outcome, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
		s.logger.Error("invalid invoice payload", "event_id", evt.ID, "err", err)
		return OutcomeAccepted, nil
	}

	tenantID := strings.TrimSpace(inv.Metadata["tenant_id"])
	var prev storage.Subscription
	var hadPrev bool
	var err error
	if tenantID != "" {
		prev, hadPrev, err = s.store.FindSubscription(ctx, tenantID)
	} else if inv.Subscription != nil {
		prev, hadPrev, err = s.store.FindByStripeSubscription(ctx, inv.Subscription.ID)
		if hadPrev {
			tenantID = prev.TenantID
		}
	}
	if err != nil {
		return "", err
	}
	if !hadPrev {
		s.logger.Warn("invoice event for unknown subscription", "event_id", evt.ID, "invoice_id", inv.ID)
		return OutcomeAccepted, nil
	}

	next := prev
	if paid {
		next.Status = "active"
		// Reactivation from past_due/canceled keeps the tenant's data.
		next.RetentionUntil = nil
	} else {
		next.Status = "past_due"
	}

	return s.save(ctx, prev, hadPrev, next, occurredAt)
}

func (s *Service) save(ctx context.Context, prev storage.Subscription, hadPrev bool, next storage.Subscription, occurredAt time.Time) (Outcome, error) {
	var events []outbox.Event
	if !hadPrev || prev.Status != next.Status || prev.Tier != next.Tier {
		payload, err := json.Marshal(map[string]any{
			"tenant_id":       next.TenantID,
			"tier":            string(next.Tier),
			"status":          next.Status,
			"retention_until": rfc3339OrNil(next.RetentionUntil),
			"occurred_at":     occurredAt.Format(time.RFC3339),
		})
		if err != nil {
			return "", err
		}
		events = append(events, outbox.Event{
			AggregateType: "subscription",
			AggregateID:   next.TenantID,
			EventType:     "billing.subscription.updated.v1",
			Payload:       payload,
		})
	}

	if err := s.store.SaveSubscription(ctx, next, events); err != nil {
		return "", err
	}
	s.logger.Info("subscription state applied",
		"tenant_id", next.TenantID,
		"tier", string(next.Tier),
		"status", next.Status,
		"retention_until", rfc3339OrNil(next.RetentionUntil),
	)
	return OutcomeAccepted, nil
}

// tierFromItems picks the highest configured tier among the subscription's
// line-item prices. Empty means no item matched the configuration.
func (s *Service) tierFromItems(items *stripe.SubscriptionItemList) pricing.Tier {
	var best pricing.Tier
	if items == nil {
		return best
	}
	for _, item := range items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		tier, ok := s.priceTiers[item.Price.ID]
		if !ok {
			s.logger.Warn("subscription item has unconfigured price", "price_id", item.Price.ID)
			continue
		}
		if best == "" || pricing.Higher(tier, best) {
			best = tier
		}
	}
	return best
}

// retentionAfter decides the retention window for the next status. Canceled
// and paused start (or keep) the 60-day window; active and trialing clear it.
func retentionAfter(prev storage.Subscription, hadPrev bool, status string, occurredAt time.Time) *time.Time {
	switch status {
	case "active", "trialing":
		return nil
	case "canceled", "paused":
		if hadPrev && prev.RetentionUntil != nil {
			return prev.RetentionUntil
		}
		until := occurredAt.Add(RetentionWindow)
		return &until
	default:
		if hadPrev {
			return prev.RetentionUntil
		}
		return nil
	}
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func rfc3339OrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
