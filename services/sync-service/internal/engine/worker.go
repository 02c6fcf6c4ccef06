package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/usecmdr-rgb/ovrsee-sub004/libs/db"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/jobs"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/outbox"
)

// Queue is the slice of the job repository the worker loop drives.
type Queue interface {
	ListPending(ctx context.Context, limit int) ([]uuid.UUID, error)
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Worker polls for pending jobs and runs one page each. Failures are already
// persisted on the job row by the engine, so the loop only logs and moves on.
type Worker struct {
	pool       *db.Pool
	repo       Queue
	engine     *Engine
	outbox     *outbox.Repository
	logger     *slog.Logger
	interval   time.Duration
	batch      int
	staleAfter time.Duration
}

type WorkerConfig struct {
	Interval  time.Duration
	BatchSize int
	// StaleAfter is how long a running job may go without a status write
	// before the worker releases it back to pending.
	StaleAfter time.Duration
}

func NewWorker(pool *db.Pool, repo Queue, eng *Engine, outboxRepo *outbox.Repository, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Worker{
		pool:       pool,
		repo:       repo,
		engine:     eng,
		outbox:     outboxRepo,
		logger:     logger,
		interval:   cfg.Interval,
		batch:      cfg.BatchSize,
		staleAfter: cfg.StaleAfter,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainPending(ctx)
		}
	}
}

func (w *Worker) drainPending(ctx context.Context) {
	// A crashed run leaves its job running with no one to finish it; the
	// one-running-per-(tenant, type) claim guard would then wedge the pair.
	released, err := w.repo.ReleaseStale(ctx, w.staleAfter)
	if err != nil {
		w.logger.Error("failed to release stale sync jobs", "err", err)
	} else if released > 0 {
		w.logger.Warn("released stale running sync jobs", "count", released)
	}

	ids, err := w.repo.ListPending(ctx, w.batch)
	if err != nil {
		w.logger.Error("failed to list pending sync jobs", "err", err)
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		res, err := w.engine.RunOnce(ctx, id)
		if err != nil {
			// Lost claim races are routine when several workers poll.
			if errors.Is(err, jobs.ErrAlreadyRunning) || errors.Is(err, jobs.ErrNotFound) {
				continue
			}
			w.logger.Warn("sync job run failed", "job_id", id, "err", err)
			continue
		}
		w.announceCompleted(ctx, id, res)
	}
}

// announceCompleted fans out a completion event. This is a best-effort side
// effect: the job's own status has already committed.
func (w *Worker) announceCompleted(ctx context.Context, id uuid.UUID, res Result) {
	// Fan-out is optional wiring; a worker without an outbox just skips it.
	if w.pool == nil || w.outbox == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"job_id":      id.String(),
		"processed":   res.Processed,
		"next_cursor": res.NextCursor,
		"finished_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		w.logger.Error("failed to encode job completion event", "job_id", id, "err", err)
		return
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.logger.Warn("completion event enqueue skipped", "job_id", id, "err", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := w.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "sync_job",
		AggregateID:   id.String(),
		EventType:     "sync.job.completed.v1",
		Payload:       payload,
	}); err != nil {
		w.logger.Warn("completion event enqueue failed", "job_id", id, "err", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		w.logger.Warn("completion event commit failed", "job_id", id, "err", err)
	}
}
