package mapping

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Mapping ties a canonical row to its remote counterpart and records the last
// reconciled remote revision marker.
type Mapping struct {
	TenantID  string
	EntityID  uuid.UUID
	RemoteID  string
	Revision  string
	UpdatedAt time.Time
}

// Store persists entity mappings. All methods run inside the caller's
// transaction so a mapping and its canonical row commit together.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) GetByRemoteID(ctx context.Context, tx pgx.Tx, tenantID, remoteID string) (Mapping, bool, error) {
	var m Mapping
	err := tx.QueryRow(ctx, `
		SELECT tenant_id::text, entity_id, remote_id, revision, updated_at
		FROM entity_mappings
		WHERE tenant_id = $1 AND remote_id = $2
	`, tenantID, remoteID).Scan(&m.TenantID, &m.EntityID, &m.RemoteID, &m.Revision, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Mapping{}, false, nil
		}
		return Mapping{}, false, err
	}
	return m, true, nil
}

func (s *Store) Insert(ctx context.Context, tx pgx.Tx, m Mapping) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO entity_mappings (tenant_id, entity_id, remote_id, revision)
		VALUES ($1, $2, $3, $4)
	`, m.TenantID, m.EntityID, m.RemoteID, m.Revision)
	return err
}

func (s *Store) UpdateRevision(ctx context.Context, tx pgx.Tx, tenantID, remoteID, revision string) error {
	_, err := tx.Exec(ctx, `
		UPDATE entity_mappings
		SET revision = $3, updated_at = now()
		WHERE tenant_id = $1 AND remote_id = $2
	`, tenantID, remoteID, revision)
	return err
}

func (s *Store) Delete(ctx context.Context, tx pgx.Tx, tenantID, remoteID string) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM entity_mappings
		WHERE tenant_id = $1 AND remote_id = $2
	`, tenantID, remoteID)
	return err
}
