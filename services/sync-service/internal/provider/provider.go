package provider

import (
	"context"
	"encoding/json"
	"errors"
)

// Feed identifies a remote change feed exposed by the calendar/email provider.
type Feed string

const (
	FeedEmail    Feed = "email"
	FeedCalendar Feed = "calendar"
)

// ChangeRecord is one remote record in provider delivery order. Revision is an
// opaque marker (etag or updated-timestamp) used for conflict comparison;
// Deleted marks a remote removal/cancellation.
type ChangeRecord struct {
	RemoteID string          `json:"id"`
	Revision string          `json:"revision"`
	Deleted  bool            `json:"deleted"`
	Payload  json.RawMessage `json:"data"`
}

// Page is one bounded slice of the change feed. NextCursor is the token for
// the following request; CaughtUp means there is nothing newer right now.
type Page struct {
	Records    []ChangeRecord `json:"records"`
	NextCursor string         `json:"next_cursor"`
	CaughtUp   bool           `json:"caught_up"`
}

// Errors are classified here, at the boundary where the raw provider response
// is first parsed. Callers dispatch with errors.Is and never inspect
// provider error text.
var (
	ErrAuthExpired = errors.New("provider rejected credentials")
	ErrUnavailable = errors.New("provider unavailable")
)

type Client interface {
	// Changes fetches one page of records changed since cursor. An empty
	// cursor means "from the beginning" (initial sync).
	Changes(ctx context.Context, accessToken string, feed Feed, cursor string, pageSize int) (Page, error)
}
