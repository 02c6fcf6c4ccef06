package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/credentials"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/items"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/jobs"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/mapping"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/provider"
)

type fakeJobStore struct {
	jobs map[uuid.UUID]*jobs.Job
}

func newFakeJobStore(initial ...jobs.Job) *fakeJobStore {
	s := &fakeJobStore{jobs: map[uuid.UUID]*jobs.Job{}}
	for i := range initial {
		j := initial[i]
		s.jobs[j.ID] = &j
	}
	return s
}

func (s *fakeJobStore) Claim(_ context.Context, id uuid.UUID) (jobs.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	if j.Status != jobs.StatusPending {
		return jobs.Job{}, jobs.ErrAlreadyRunning
	}
	j.Status = jobs.StatusRunning
	return *j, nil
}

func (s *fakeJobStore) MarkCompleted(_ context.Context, id uuid.UUID, toCursor string) error {
	j := s.jobs[id]
	j.Status = jobs.StatusCompleted
	j.ToCursor = toCursor
	return nil
}

func (s *fakeJobStore) MarkFailed(_ context.Context, id uuid.UUID, errorKind, detail string) error {
	j := s.jobs[id]
	j.Status = jobs.StatusFailed
	j.ErrorKind = errorKind
	j.ErrorDetail = detail
	return nil
}

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) AccessToken(context.Context, string, string) (string, error) {
	return s.token, s.err
}

type fakeClient struct {
	page provider.Page
	err  error
}

func (c fakeClient) Changes(context.Context, string, provider.Feed, string, int) (provider.Page, error) {
	if c.err != nil {
		return provider.Page{}, c.err
	}
	return c.page, nil
}

// memApplier mirrors the reconciler's semantics over maps: create on first
// sight, last-write-wins by revision, soft-delete on remote removal.
type memApplier struct {
	revisions map[string]string
	payloads  map[string]string
	deleted   map[string]bool
}

func newMemApplier() *memApplier {
	return &memApplier{
		revisions: map[string]string{},
		payloads:  map[string]string{},
		deleted:   map[string]bool{},
	}
}

func (a *memApplier) Apply(_ context.Context, _ string, _ items.Kind, rec provider.ChangeRecord) (mapping.Outcome, error) {
	if rec.Deleted {
		if _, ok := a.revisions[rec.RemoteID]; !ok {
			return mapping.OutcomeMissing, nil
		}
		delete(a.revisions, rec.RemoteID)
		a.deleted[rec.RemoteID] = true
		return mapping.OutcomeDeleted, nil
	}
	stored, ok := a.revisions[rec.RemoteID]
	if !ok {
		a.revisions[rec.RemoteID] = rec.Revision
		a.payloads[rec.RemoteID] = string(rec.Payload)
		return mapping.OutcomeCreated, nil
	}
	if !mapping.RevisionNewer(rec.Revision, stored) {
		return mapping.OutcomeStale, nil
	}
	a.revisions[rec.RemoteID] = rec.Revision
	a.payloads[rec.RemoteID] = string(rec.Payload)
	return mapping.OutcomeUpdated, nil
}

func (a *memApplier) snapshot() (map[string]string, map[string]string) {
	revs := make(map[string]string, len(a.revisions))
	for k, v := range a.revisions {
		revs[k] = v
	}
	payloads := make(map[string]string, len(a.payloads))
	for k, v := range a.payloads {
		payloads[k] = v
	}
	return revs, payloads
}

func pendingJob(jobType string) jobs.Job {
	return jobs.Job{
		ID:       uuid.New(),
		TenantID: "tenant-1",
		Provider: "google",
		Type:     jobType,
		Status:   jobs.StatusPending,
	}
}

func record(remoteID, revision, body string) provider.ChangeRecord {
	return provider.ChangeRecord{
		RemoteID: remoteID,
		Revision: revision,
		Payload:  json.RawMessage(body),
	}
}

func testEngine(store *fakeJobStore, tokens TokenSource, client provider.Client, applier Applier) *Engine {
	return New(store, tokens, client, applier, slog.New(slog.DiscardHandler), 100)
}

func TestRunOnce_CreatesAndCompletes(t *testing.T) {
	job := pendingJob(jobs.TypeEmailInitial)
	store := newFakeJobStore(job)
	applier := newMemApplier()
	client := fakeClient{page: provider.Page{
		Records: []provider.ChangeRecord{
			record("m1", "1", `{"subject":"a"}`),
			record("m2", "2", `{"subject":"b"}`),
		},
		NextCursor: "cur-2",
	}}

	res, err := testEngine(store, staticTokens{token: "tok"}, client, applier).RunOnce(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Processed != 2 {
		t.Fatalf("expected 2 processed, got %d", res.Processed)
	}
	if res.NextCursor != "cur-2" {
		t.Fatalf("expected cursor cur-2, got %q", res.NextCursor)
	}
	if got := store.jobs[job.ID].Status; got != jobs.StatusCompleted {
		t.Fatalf("expected completed job, got %s", got)
	}
	if store.jobs[job.ID].ToCursor != "cur-2" {
		t.Fatalf("to_cursor not advanced: %q", store.jobs[job.ID].ToCursor)
	}
}

func TestRunOnce_SamePageTwiceConverges(t *testing.T) {
	page := provider.Page{
		Records: []provider.ChangeRecord{
			record("m1", "5", `{"subject":"a"}`),
			record("m2", "7", `{"subject":"b"}`),
		},
		NextCursor: "cur-1",
	}
	applier := newMemApplier()
	client := fakeClient{page: page}

	first := pendingJob(jobs.TypeEmailIncremental)
	store := newFakeJobStore(first)
	if _, err := testEngine(store, staticTokens{token: "tok"}, client, applier).RunOnce(context.Background(), first.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	revsAfterFirst, payloadsAfterFirst := applier.snapshot()

	second := pendingJob(jobs.TypeEmailIncremental)
	store2 := newFakeJobStore(second)
	if _, err := testEngine(store2, staticTokens{token: "tok"}, client, applier).RunOnce(context.Background(), second.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}
	revsAfterSecond, payloadsAfterSecond := applier.snapshot()

	if len(revsAfterSecond) != len(revsAfterFirst) {
		t.Fatalf("re-applying the same page changed mapping count: %d vs %d", len(revsAfterSecond), len(revsAfterFirst))
	}
	for k, v := range revsAfterFirst {
		if revsAfterSecond[k] != v {
			t.Fatalf("revision for %s changed on re-apply: %q vs %q", k, v, revsAfterSecond[k])
		}
		if payloadsAfterSecond[k] != payloadsAfterFirst[k] {
			t.Fatalf("payload for %s changed on re-apply", k)
		}
	}
}

func TestRunOnce_RevisionOrderIndependent(t *testing.T) {
	r1 := record("ev1", "3", `{"title":"old"}`)
	r2 := record("ev1", "5", `{"title":"new"}`)

	runOrder := func(recs []provider.ChangeRecord) *memApplier {
		applier := newMemApplier()
		job := pendingJob(jobs.TypeCalendarInitial)
		store := newFakeJobStore(job)
		client := fakeClient{page: provider.Page{Records: recs, NextCursor: "c"}}
		if _, err := testEngine(store, staticTokens{token: "tok"}, client, applier).RunOnce(context.Background(), job.ID); err != nil {
			t.Fatalf("run: %v", err)
		}
		return applier
	}

	forward := runOrder([]provider.ChangeRecord{r1, r2})
	reversed := runOrder([]provider.ChangeRecord{r2, r1})

	if forward.revisions["ev1"] != "5" || reversed.revisions["ev1"] != "5" {
		t.Fatalf("expected revision 5 to win in both orders, got %q and %q",
			forward.revisions["ev1"], reversed.revisions["ev1"])
	}
	if forward.payloads["ev1"] != reversed.payloads["ev1"] {
		t.Fatalf("final payload differs by arrival order")
	}
}

func TestRunOnce_StaleUpdateRejected(t *testing.T) {
	applier := newMemApplier()
	applier.revisions["m1"] = "5"
	applier.payloads["m1"] = `{"subject":"current"}`

	job := pendingJob(jobs.TypeEmailIncremental)
	store := newFakeJobStore(job)
	client := fakeClient{page: provider.Page{
		Records:    []provider.ChangeRecord{record("m1", "3", `{"subject":"stale"}`)},
		NextCursor: "c",
	}}

	if _, err := testEngine(store, staticTokens{token: "tok"}, client, applier).RunOnce(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if applier.revisions["m1"] != "5" {
		t.Fatalf("stale revision overwrote mapping: %q", applier.revisions["m1"])
	}
	if applier.payloads["m1"] != `{"subject":"current"}` {
		t.Fatalf("stale revision overwrote payload")
	}
}

func TestRunOnce_RemoteDeletionPropagates(t *testing.T) {
	applier := newMemApplier()
	applier.revisions["ev1"] = "4"

	job := pendingJob(jobs.TypeCalendarIncremental)
	store := newFakeJobStore(job)
	client := fakeClient{page: provider.Page{
		Records: []provider.ChangeRecord{
			{RemoteID: "ev1", Revision: "5", Deleted: true},
			{RemoteID: "ev-unknown", Revision: "1", Deleted: true},
		},
		NextCursor: "c",
	}}

	res, err := testEngine(store, staticTokens{token: "tok"}, client, applier).RunOnce(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Processed != 2 {
		t.Fatalf("deletion of unknown record must be a processed no-op, got %d", res.Processed)
	}
	if !applier.deleted["ev1"] {
		t.Fatalf("known record not soft-deleted")
	}
	if _, ok := applier.revisions["ev1"]; ok {
		t.Fatalf("mapping not removed after remote deletion")
	}
}

func TestRunOnce_EmptyPageCompletes(t *testing.T) {
	job := pendingJob(jobs.TypeEmailIncremental)
	job.FromCursor = "cur-9"
	store := newFakeJobStore(job)
	client := fakeClient{page: provider.Page{CaughtUp: true}}

	res, err := testEngine(store, staticTokens{token: "tok"}, client, newMemApplier()).RunOnce(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("empty page must not be an error: %v", err)
	}
	if res.Processed != 0 {
		t.Fatalf("expected 0 processed, got %d", res.Processed)
	}
	if res.NextCursor != "cur-9" {
		t.Fatalf("cursor must be preserved when provider returns none, got %q", res.NextCursor)
	}
	if store.jobs[job.ID].Status != jobs.StatusCompleted {
		t.Fatalf("expected completed, got %s", store.jobs[job.ID].Status)
	}
}

func TestRunOnce_AuthFailureMarksJobFailed(t *testing.T) {
	job := pendingJob(jobs.TypeEmailIncremental)
	store := newFakeJobStore(job)
	tokens := staticTokens{err: credentials.ErrReauthRequired}

	_, err := testEngine(store, tokens, fakeClient{}, newMemApplier()).RunOnce(context.Background(), job.ID)
	if !errors.Is(err, credentials.ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired, got %v", err)
	}
	j := store.jobs[job.ID]
	if j.Status != jobs.StatusFailed || j.ErrorKind != jobs.ErrorKindAuthExpired {
		t.Fatalf("expected failed/auth_expired, got %s/%s", j.Status, j.ErrorKind)
	}
}

func TestRunOnce_ProviderErrorMarksJobRetryable(t *testing.T) {
	job := pendingJob(jobs.TypeCalendarIncremental)
	store := newFakeJobStore(job)
	client := fakeClient{err: provider.ErrUnavailable}

	_, err := testEngine(store, staticTokens{token: "tok"}, client, newMemApplier()).RunOnce(context.Background(), job.ID)
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	j := store.jobs[job.ID]
	if j.Status != jobs.StatusFailed || j.ErrorKind != jobs.ErrorKindProviderUnavailable {
		t.Fatalf("expected failed/provider_unavailable, got %s/%s", j.Status, j.ErrorKind)
	}
}

func TestRunOnce_NonPendingJobRejected(t *testing.T) {
	job := pendingJob(jobs.TypeEmailInitial)
	job.Status = jobs.StatusRunning
	store := newFakeJobStore(job)

	_, err := testEngine(store, staticTokens{token: "tok"}, fakeClient{}, newMemApplier()).RunOnce(context.Background(), job.ID)
	if !errors.Is(err, jobs.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	_, err = testEngine(store, staticTokens{token: "tok"}, fakeClient{}, newMemApplier()).RunOnce(context.Background(), uuid.New())
	if !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
