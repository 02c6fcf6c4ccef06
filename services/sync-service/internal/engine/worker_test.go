package engine

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/jobs"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/provider"
)

// fakeQueue layers the worker's queue view over the engine test store.
type fakeQueue struct {
	store *fakeJobStore
}

func (q *fakeQueue) ListPending(_ context.Context, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id, j := range q.store.jobs {
		if j.Status == jobs.StatusPending {
			ids = append(ids, id)
		}
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (q *fakeQueue) ReleaseStale(_ context.Context, olderThan time.Duration) (int, error) {
	released := 0
	for _, j := range q.store.jobs {
		if j.Status == jobs.StatusRunning && time.Since(j.UpdatedAt) > olderThan {
			j.Status = jobs.StatusPending
			released++
		}
	}
	return released, nil
}

func testWorker(store *fakeJobStore, eng *Engine, staleAfter time.Duration) *Worker {
	return NewWorker(nil, &fakeQueue{store: store}, eng, nil, slog.New(slog.DiscardHandler), WorkerConfig{
		StaleAfter: staleAfter,
	})
}

// A crash after Claim committed leaves the job running with no owner. The
// claim guard rejects it directly, and the stale sweep must hand it back.
func TestWorker_RecoversJobStrandedByCrash(t *testing.T) {
	job := pendingJob(jobs.TypeEmailIncremental)
	job.Status = jobs.StatusRunning
	job.FromCursor = "cur-0"
	job.UpdatedAt = time.Now().Add(-time.Hour)
	store := newFakeJobStore(job)

	client := fakeClient{page: provider.Page{
		Records:    []provider.ChangeRecord{record("m1", "1", `{"subject":"a"}`)},
		NextCursor: "cur-1",
	}}
	eng := testEngine(store, staticTokens{token: "tok"}, client, newMemApplier())

	if _, err := eng.RunOnce(context.Background(), job.ID); !errors.Is(err, jobs.ErrAlreadyRunning) {
		t.Fatalf("stranded job must not be claimable directly, got %v", err)
	}

	testWorker(store, eng, 30*time.Minute).drainPending(context.Background())

	j := store.jobs[job.ID]
	if j.Status != jobs.StatusCompleted {
		t.Fatalf("expected released job to run to completion, got %s", j.Status)
	}
	if j.ToCursor != "cur-1" {
		t.Fatalf("to_cursor not advanced after recovery: %q", j.ToCursor)
	}
}

func TestWorker_FreshRunningJobNotReleased(t *testing.T) {
	job := pendingJob(jobs.TypeCalendarIncremental)
	job.Status = jobs.StatusRunning
	job.UpdatedAt = time.Now()
	store := newFakeJobStore(job)
	eng := testEngine(store, staticTokens{token: "tok"}, fakeClient{}, newMemApplier())

	testWorker(store, eng, 30*time.Minute).drainPending(context.Background())

	if got := store.jobs[job.ID].Status; got != jobs.StatusRunning {
		t.Fatalf("fresh running job must keep its claim, got %s", got)
	}
}

func TestWorker_RunsPendingJobs(t *testing.T) {
	job := pendingJob(jobs.TypeEmailInitial)
	store := newFakeJobStore(job)
	client := fakeClient{page: provider.Page{
		Records:    []provider.ChangeRecord{record("m1", "1", `{"subject":"a"}`)},
		NextCursor: "cur-1",
	}}
	eng := testEngine(store, staticTokens{token: "tok"}, client, newMemApplier())

	testWorker(store, eng, 30*time.Minute).drainPending(context.Background())

	if got := store.jobs[job.ID].Status; got != jobs.StatusCompleted {
		t.Fatalf("expected pending job to complete, got %s", got)
	}
}
