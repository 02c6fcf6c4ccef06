package items

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/usecmdr-rgb/ovrsee-sub004/libs/db"
)

// Kind is the canonical entity class a synced row belongs to.
type Kind string

const (
	KindEmail         Kind = "email"
	KindCalendarEvent Kind = "calendar_event"
)

// Item is one canonical row mirrored from the remote provider. Soft-deleted
// rows keep their payload and stay queryable for audit.
type Item struct {
	ID        uuid.UUID
	TenantID  string
	Kind      Kind
	Payload   json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
	DeletedBy string
}

type Store struct {
	pool *db.Pool
}

func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Insert(ctx context.Context, tx pgx.Tx, tenantID string, kind Kind, payload json.RawMessage) (uuid.UUID, error) {
	id := uuid.New()
	_, err := tx.Exec(ctx, `
		INSERT INTO synced_items (id, tenant_id, kind, payload)
		VALUES ($1, $2, $3, $4)
	`, id, tenantID, string(kind), payload)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *Store) UpdatePayload(ctx context.Context, tx pgx.Tx, id uuid.UUID, payload json.RawMessage) error {
	_, err := tx.Exec(ctx, `
		UPDATE synced_items
		SET payload = $2, updated_at = now()
		WHERE id = $1
	`, id, payload)
	return err
}

func (s *Store) SoftDelete(ctx context.Context, tx pgx.Tx, id uuid.UUID, deletedBy string) error {
	_, err := tx.Exec(ctx, `
		UPDATE synced_items
		SET deleted_at = now(), deleted_by = $2, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, deletedBy)
	return err
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (Item, error) {
	var it Item
	var kind string
	var deletedBy *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id::text, kind, payload, created_at, updated_at, deleted_at, deleted_by
		FROM synced_items
		WHERE id = $1
	`, id).Scan(&it.ID, &it.TenantID, &kind, &it.Payload, &it.CreatedAt, &it.UpdatedAt, &it.DeletedAt, &deletedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		return Item{}, err
	}
	it.Kind = Kind(kind)
	if deletedBy != nil {
		it.DeletedBy = *deletedBy
	}
	return it, nil
}

var ErrNotFound = errors.New("item not found")
