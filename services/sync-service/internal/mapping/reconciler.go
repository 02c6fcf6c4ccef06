package mapping

import (
	"context"
	"log/slog"

	"github.com/usecmdr-rgb/ovrsee-sub004/libs/db"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/items"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/provider"
)

// Outcome describes what applying one remote record did locally.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeStale   Outcome = "stale"   // stored revision is same or newer
	OutcomeDeleted Outcome = "deleted"
	OutcomeMissing Outcome = "missing" // remote delete for an unknown record
)

// Reconciler applies one remote record at a time. Each application runs in a
// single transaction so a crash mid-page can skip or re-process a record but
// never leave a half-written canonical/mapping pair. Remote state wins on
// pull: these entity types are a one-way mirror of the provider.
type Reconciler struct {
	pool     *db.Pool
	mappings *Store
	items    *items.Store
	logger   *slog.Logger
}

func NewReconciler(pool *db.Pool, mappings *Store, itemStore *items.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		pool:     pool,
		mappings: mappings,
		items:    itemStore,
		logger:   logger,
	}
}

func (r *Reconciler) Apply(ctx context.Context, tenantID string, kind items.Kind, rec provider.ChangeRecord) (Outcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, found, err := r.mappings.GetByRemoteID(ctx, tx, tenantID, rec.RemoteID)
	if err != nil {
		return "", err
	}

	if rec.Deleted {
		if !found {
			return OutcomeMissing, tx.Commit(ctx)
		}
		if err := r.items.SoftDelete(ctx, tx, m.EntityID, "remote"); err != nil {
			return "", err
		}
		if err := r.mappings.Delete(ctx, tx, tenantID, rec.RemoteID); err != nil {
			return "", err
		}
		return OutcomeDeleted, tx.Commit(ctx)
	}

	if !found {
		entityID, err := r.items.Insert(ctx, tx, tenantID, kind, rec.Payload)
		if err != nil {
			return "", err
		}
		if err := r.mappings.Insert(ctx, tx, Mapping{
			TenantID: tenantID,
			EntityID: entityID,
			RemoteID: rec.RemoteID,
			Revision: rec.Revision,
		}); err != nil {
			return "", err
		}
		return OutcomeCreated, tx.Commit(ctx)
	}

	if !RevisionNewer(rec.Revision, m.Revision) {
		r.logger.Debug("stale remote revision skipped",
			"tenant_id", tenantID,
			"remote_id", rec.RemoteID,
			"stored_revision", m.Revision,
			"record_revision", rec.Revision,
		)
		return OutcomeStale, tx.Commit(ctx)
	}

	if err := r.items.UpdatePayload(ctx, tx, m.EntityID, rec.Payload); err != nil {
		return "", err
	}
	if err := r.mappings.UpdateRevision(ctx, tx, tenantID, rec.RemoteID, rec.Revision); err != nil {
		return "", err
	}
	return OutcomeUpdated, tx.Commit(ctx)
}
