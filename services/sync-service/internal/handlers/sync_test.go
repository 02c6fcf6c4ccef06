package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/items"
)

type fakeItemReader struct {
	rows map[uuid.UUID]items.Item
}

func (f *fakeItemReader) Get(_ context.Context, id uuid.UUID) (items.Item, error) {
	it, ok := f.rows[id]
	if !ok {
		return items.Item{}, items.ErrNotFound
	}
	return it, nil
}

func newItemHandler(reader ItemReader) *Handler {
	return New(nil, nil, reader, slog.New(slog.DiscardHandler))
}

func TestGetItem_ReturnsSoftDeleteAudit(t *testing.T) {
	deletedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	item := items.Item{
		ID:        uuid.New(),
		TenantID:  "tenant-1",
		Kind:      items.KindCalendarEvent,
		Payload:   json.RawMessage(`{"title":"standup"}`),
		CreatedAt: deletedAt.Add(-time.Hour),
		UpdatedAt: deletedAt,
		DeletedAt: &deletedAt,
		DeletedBy: "remote",
	}
	h := newItemHandler(&fakeItemReader{rows: map[uuid.UUID]items.Item{item.ID: item}})

	rec := httptest.NewRecorder()
	h.GetItem(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sync/items?id="+item.ID.String(), nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if body["item_id"] != item.ID.String() || body["kind"] != "calendar_event" {
		t.Fatalf("unexpected item fields: %+v", body)
	}
	if body["deleted_at"] != "2026-03-01T12:00:00Z" || body["deleted_by"] != "remote" {
		t.Fatalf("soft-delete audit missing: %+v", body)
	}
}

func TestGetItem_LiveRowOmitsDeletionFields(t *testing.T) {
	item := items.Item{
		ID:       uuid.New(),
		TenantID: "tenant-1",
		Kind:     items.KindEmail,
		Payload:  json.RawMessage(`{"subject":"hi"}`),
	}
	h := newItemHandler(&fakeItemReader{rows: map[uuid.UUID]items.Item{item.ID: item}})

	rec := httptest.NewRecorder()
	h.GetItem(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sync/items?id="+item.ID.String(), nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if _, ok := body["deleted_at"]; ok {
		t.Fatalf("live row must not carry deleted_at: %+v", body)
	}
}

func TestGetItem_NotFound(t *testing.T) {
	h := newItemHandler(&fakeItemReader{rows: map[uuid.UUID]items.Item{}})

	rec := httptest.NewRecorder()
	h.GetItem(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sync/items?id="+uuid.NewString(), nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetItem_InvalidID(t *testing.T) {
	h := newItemHandler(&fakeItemReader{rows: map[uuid.UUID]items.Item{}})

	rec := httptest.NewRecorder()
	h.GetItem(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sync/items?id=not-a-uuid", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
