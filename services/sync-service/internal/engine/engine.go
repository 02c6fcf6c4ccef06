package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/credentials"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/items"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/jobs"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/mapping"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/provider"
)

type JobStore interface {
	Claim(ctx context.Context, id uuid.UUID) (jobs.Job, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, toCursor string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorKind, detail string) error
}

type TokenSource interface {
	AccessToken(ctx context.Context, tenantID, provider string) (string, error)
}

type Applier interface {
	Apply(ctx context.Context, tenantID string, kind items.Kind, rec provider.ChangeRecord) (mapping.Outcome, error)
}

// Result reports one RunOnce invocation. NextCursor is where the following
// incremental job will continue from.
type Result struct {
	Processed  int
	NextCursor string
}

// Engine drains one page of a sync job per invocation. Each run is short and
// safely re-invokable: record application is idempotent and the cursor only
// advances after the page committed.
type Engine struct {
	jobs     JobStore
	tokens   TokenSource
	client   provider.Client
	applier  Applier
	logger   *slog.Logger
	pageSize int
}

func New(jobStore JobStore, tokens TokenSource, client provider.Client, applier Applier, logger *slog.Logger, pageSize int) *Engine {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Engine{
		jobs:     jobStore,
		tokens:   tokens,
		client:   client,
		applier:  applier,
		logger:   logger,
		pageSize: pageSize,
	}
}

func (e *Engine) RunOnce(ctx context.Context, jobID uuid.UUID) (Result, error) {
	job, err := e.jobs.Claim(ctx, jobID)
	if err != nil {
		return Result{}, err
	}

	token, err := e.tokens.AccessToken(ctx, job.TenantID, job.Provider)
	if err != nil {
		kind := jobs.ErrorKindInternal
		switch {
		case errors.Is(err, credentials.ErrReauthRequired):
			kind = jobs.ErrorKindAuthExpired
		case errors.Is(err, provider.ErrUnavailable):
			kind = jobs.ErrorKindProviderUnavailable
		}
		e.fail(ctx, jobID, kind, err)
		return Result{}, err
	}

	feed, kind, err := feedForJobType(job.Type)
	if err != nil {
		e.fail(ctx, jobID, jobs.ErrorKindInternal, err)
		return Result{}, err
	}

	page, err := e.client.Changes(ctx, token, feed, job.FromCursor, e.pageSize)
	if err != nil {
		errKind := jobs.ErrorKindProviderUnavailable
		if errors.Is(err, provider.ErrAuthExpired) {
			errKind = jobs.ErrorKindAuthExpired
		}
		e.fail(ctx, jobID, errKind, err)
		return Result{}, err
	}

	processed := 0
	for _, rec := range page.Records {
		// Honor external cancellation between record applications.
		if err := ctx.Err(); err != nil {
			e.fail(ctx, jobID, jobs.ErrorKindInternal, err)
			return Result{Processed: processed}, err
		}
		outcome, err := e.applier.Apply(ctx, job.TenantID, kind, rec)
		if err != nil {
			e.fail(ctx, jobID, jobs.ErrorKindInternal, err)
			return Result{Processed: processed}, err
		}
		processed++
		e.logger.Debug("remote record applied",
			"job_id", jobID,
			"tenant_id", job.TenantID,
			"remote_id", rec.RemoteID,
			"outcome", string(outcome),
		)
	}

	nextCursor := page.NextCursor
	if nextCursor == "" {
		nextCursor = job.FromCursor
	}
	if err := e.jobs.MarkCompleted(ctx, jobID, nextCursor); err != nil {
		return Result{Processed: processed}, err
	}

	e.logger.Info("sync job page completed",
		"job_id", jobID,
		"tenant_id", job.TenantID,
		"job_type", job.Type,
		"processed", processed,
		"caught_up", page.CaughtUp,
		"next_cursor", nextCursor,
	)
	return Result{Processed: processed, NextCursor: nextCursor}, nil
}

func (e *Engine) fail(ctx context.Context, jobID uuid.UUID, kind string, cause error) {
	detail := cause.Error()
	if len(detail) > 500 {
		detail = detail[:500]
	}
	// The status write must survive cancellation of the run itself.
	ctx = context.WithoutCancel(ctx)
	if err := e.jobs.MarkFailed(ctx, jobID, kind, detail); err != nil {
		e.logger.Error("failed to mark sync job failed", "job_id", jobID, "err", err)
	}
	e.logger.Warn("sync job failed", "job_id", jobID, "error_kind", kind, "err", cause)
}

func feedForJobType(jobType string) (provider.Feed, items.Kind, error) {
	switch {
	case strings.HasPrefix(jobType, "email_"):
		return provider.FeedEmail, items.KindEmail, nil
	case strings.HasPrefix(jobType, "calendar_"):
		return provider.FeedCalendar, items.KindCalendarEvent, nil
	default:
		return "", "", fmt.Errorf("%w: %s", jobs.ErrUnknownType, jobType)
	}
}
