package subscriptions

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/outbox"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/storage"
)

// PGStore adapts the pgx repository to the Store interface.
type PGStore struct {
	repo       *storage.Repository
	outboxRepo *outbox.Repository
}

func NewPGStore(repo *storage.Repository, outboxRepo *outbox.Repository) *PGStore {
	return &PGStore{repo: repo, outboxRepo: outboxRepo}
}

func (p *PGStore) InsertLedgerEntry(ctx context.Context, eventID, eventType string, payload []byte) error {
	return p.repo.InsertWebhookEvent(ctx, "stripe", eventID, eventType, payload)
}

func (p *PGStore) FindSubscription(ctx context.Context, tenantID string) (storage.Subscription, bool, error) {
	sub, err := p.repo.GetSubscription(ctx, tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Subscription{}, false, nil
		}
		return storage.Subscription{}, false, err
	}
	return sub, true, nil
}

func (p *PGStore) FindByStripeSubscription(ctx context.Context, stripeSubscriptionID string) (storage.Subscription, bool, error) {
	sub, err := p.repo.GetSubscriptionByStripeID(ctx, stripeSubscriptionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Subscription{}, false, nil
		}
		return storage.Subscription{}, false, err
	}
	return sub, true, nil
}

func (p *PGStore) SaveSubscription(ctx context.Context, sub storage.Subscription, events []outbox.Event) error {
	tx, err := p.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := p.repo.UpsertSubscription(ctx, tx, sub); err != nil {
		return err
	}
	for _, evt := range events {
		if err := p.outboxRepo.Insert(ctx, tx, evt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
