package credentials

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/usecmdr-rgb/ovrsee-sub004/libs/db"
)

// Credential holds the OAuth grant for one (tenant, provider) connection.
// An empty RefreshToken on write means "preserve the stored one": providers
// omit the refresh token on plain access-token exchanges.
type Credential struct {
	TenantID     string
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
	UpdatedAt    time.Time
}

type Store struct {
	pool *db.Pool
}

func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Get(ctx context.Context, tenantID, provider string) (Credential, bool, error) {
	var c Credential
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id::text, provider, access_token, COALESCE(refresh_token, ''), expires_at, scopes, updated_at
		FROM credentials
		WHERE tenant_id = $1 AND provider = $2
	`, tenantID, provider).Scan(&c.TenantID, &c.Provider, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.Scopes, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, false, nil
		}
		return Credential{}, false, err
	}
	return c, true, nil
}

// Upsert replaces the stored grant. The COALESCE/NULLIF pair enforces the
// invariant that a present refresh token is never overwritten by an empty one.
func (s *Store) Upsert(ctx context.Context, c Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (tenant_id, provider, access_token, refresh_token, expires_at, scopes)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		ON CONFLICT (tenant_id, provider)
		DO UPDATE SET access_token = EXCLUDED.access_token,
		              refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token, ''), credentials.refresh_token),
		              expires_at = EXCLUDED.expires_at,
		              scopes = EXCLUDED.scopes,
		              updated_at = now()
	`, c.TenantID, c.Provider, c.AccessToken, c.RefreshToken, c.ExpiresAt, c.Scopes)
	return err
}
