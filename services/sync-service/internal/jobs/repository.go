package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/usecmdr-rgb/ovrsee-sub004/libs/db"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job type names the feed and the sync mode. Initial jobs start from an empty
// cursor, incremental jobs start from the previous job's to_cursor.
const (
	TypeEmailInitial        = "email_initial"
	TypeEmailIncremental    = "email_incremental"
	TypeCalendarInitial     = "calendar_initial"
	TypeCalendarIncremental = "calendar_incremental"
)

// Error kinds persisted on failed jobs, polled by the UI layer.
const (
	ErrorKindAuthExpired         = "auth_expired"
	ErrorKindProviderUnavailable = "provider_unavailable"
	ErrorKindInternal            = "internal"
)

var (
	ErrNotFound       = errors.New("sync job not found")
	ErrAlreadyRunning = errors.New("sync job not pending")
	ErrUnknownType    = errors.New("unknown sync job type")
)

type Job struct {
	ID          uuid.UUID
	TenantID    string
	Provider    string
	Type        string
	Status      string
	FromCursor  string
	ToCursor    string
	ErrorKind   string
	ErrorDetail string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func ValidType(jobType string) bool {
	switch jobType {
	case TypeEmailInitial, TypeEmailIncremental, TypeCalendarInitial, TypeCalendarIncremental:
		return true
	default:
		return false
	}
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Enqueue creates a pending job. An incremental job with no explicit cursor
// continues from the latest completed job's to_cursor for the same
// (tenant, type).
func (r *Repository) Enqueue(ctx context.Context, tenantID, providerName, jobType, fromCursor string) (uuid.UUID, error) {
	if !ValidType(jobType) {
		return uuid.Nil, ErrUnknownType
	}
	if fromCursor == "" {
		err := r.pool.QueryRow(ctx, `
			SELECT COALESCE(to_cursor, '')
			FROM sync_jobs
			WHERE tenant_id = $1 AND job_type = $2 AND status = 'completed'
			ORDER BY updated_at DESC
			LIMIT 1
		`, tenantID, jobType).Scan(&fromCursor)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, err
		}
	}

	id := uuid.New()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_jobs (id, tenant_id, provider, job_type, status, from_cursor)
		VALUES ($1, $2, $3, $4, 'pending', $5)
	`, id, tenantID, providerName, jobType, fromCursor)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Job, error) {
	var j Job
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id::text, provider, job_type, status,
		       COALESCE(from_cursor, ''), COALESCE(to_cursor, ''),
		       COALESCE(error_kind, ''), COALESCE(error_detail, ''),
		       created_at, updated_at
		FROM sync_jobs
		WHERE id = $1
	`, id).Scan(&j.ID, &j.TenantID, &j.Provider, &j.Type, &j.Status,
		&j.FromCursor, &j.ToCursor, &j.ErrorKind, &j.ErrorDetail,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	return j, nil
}

// Claim transitions pending -> running with a compare-and-swap on status.
// Zero rows means the job is gone or not claimable; a follow-up read tells
// the two apart. The NOT EXISTS guard enforces at most one running job per
// (tenant, type) even when several pending jobs pile up for the same pair.
func (r *Repository) Claim(ctx context.Context, id uuid.UUID) (Job, error) {
	var j Job
	err := r.pool.QueryRow(ctx, `
		UPDATE sync_jobs
		SET status = 'running', updated_at = now()
		WHERE id = $1 AND status = 'pending'
		  AND NOT EXISTS (
		        SELECT 1 FROM sync_jobs running
		        WHERE running.tenant_id = sync_jobs.tenant_id
		          AND running.job_type = sync_jobs.job_type
		          AND running.status = 'running'
		  )
		RETURNING id, tenant_id::text, provider, job_type, status,
		          COALESCE(from_cursor, ''), COALESCE(to_cursor, ''),
		          COALESCE(error_kind, ''), COALESCE(error_detail, ''),
		          created_at, updated_at
	`, id).Scan(&j.ID, &j.TenantID, &j.Provider, &j.Type, &j.Status,
		&j.FromCursor, &j.ToCursor, &j.ErrorKind, &j.ErrorDetail,
		&j.CreatedAt, &j.UpdatedAt)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Job{}, err
	}
	if _, getErr := r.Get(ctx, id); getErr != nil {
		return Job{}, getErr
	}
	return Job{}, ErrAlreadyRunning
}

func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, toCursor string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'completed', to_cursor = $2, error_kind = NULL, error_detail = NULL, updated_at = now()
		WHERE id = $1
	`, id, toCursor)
	return err
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errorKind, detail string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'failed', error_kind = $2, error_detail = $3, updated_at = now()
		WHERE id = $1
	`, id, errorKind, detail)
	return err
}

// Requeue flips a failed job back to pending, preserving its cursor. Used
// after re-consent (auth_expired) or a transient provider outage.
func (r *Repository) Requeue(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'pending', error_kind = NULL, error_detail = NULL, updated_at = now()
		WHERE id = $1 AND status = 'failed'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseStale returns running jobs whose claim went quiet back to pending.
// A worker crash between Claim and MarkCompleted/MarkFailed otherwise leaves
// the row running forever, and the one-running-per-(tenant, type) guard would
// then block every later job for that pair. The cursor is preserved, so the
// released job re-runs the same page.
func (r *Repository) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = 10 * time.Minute
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'pending', error_kind = NULL, error_detail = NULL, updated_at = now()
		WHERE status = 'running' AND updated_at < $1
	`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repository) ListPending(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id
		FROM sync_jobs
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
