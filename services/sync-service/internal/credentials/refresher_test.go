package credentials

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/provider"
)

type memStore struct {
	creds map[string]Credential
}

func newMemStore() *memStore {
	return &memStore{creds: map[string]Credential{}}
}

func (m *memStore) Get(_ context.Context, tenantID, provider string) (Credential, bool, error) {
	c, ok := m.creds[tenantID+"/"+provider]
	return c, ok, nil
}

func (m *memStore) Upsert(_ context.Context, c Credential) error {
	key := c.TenantID + "/" + c.Provider
	if c.RefreshToken == "" {
		if prev, ok := m.creds[key]; ok {
			c.RefreshToken = prev.RefreshToken
		}
	}
	m.creds[key] = c
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestAccessToken_FreshTokenNotRefreshed(t *testing.T) {
	store := newMemStore()
	store.creds["t1/google"] = Credential{
		TenantID:    "t1",
		Provider:    "google",
		AccessToken: "fresh-token",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	r := newRefresher(store, nil, discardLogger())

	tok, err := r.AccessToken(context.Background(), "t1", "google")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "fresh-token" {
		t.Fatalf("expected stored token, got %q", tok)
	}
}

func TestAccessToken_RefreshPersistsAndPreservesRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// No refresh_token in the response: the stored one must survive.
		_, _ = w.Write([]byte(`{"access_token":"new-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	store := newMemStore()
	store.creds["t1/google"] = Credential{
		TenantID:     "t1",
		Provider:     "google",
		AccessToken:  "stale-token",
		RefreshToken: "rt-original",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	r := newRefresher(store, map[string]OAuthApp{
		"google": {ClientID: "cid", ClientSecret: "secret", TokenURL: srv.URL + "/token"},
	}, discardLogger())

	tok, err := r.AccessToken(context.Background(), "t1", "google")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "new-token" {
		t.Fatalf("expected refreshed token, got %q", tok)
	}
	stored := store.creds["t1/google"]
	if stored.AccessToken != "new-token" {
		t.Fatalf("refreshed token not persisted, got %q", stored.AccessToken)
	}
	if stored.RefreshToken != "rt-original" {
		t.Fatalf("refresh token must be preserved, got %q", stored.RefreshToken)
	}
}

func TestAccessToken_RejectedRefreshIsReauthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	store := newMemStore()
	store.creds["t1/google"] = Credential{
		TenantID:     "t1",
		Provider:     "google",
		AccessToken:  "stale-token",
		RefreshToken: "rt-revoked",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	r := newRefresher(store, map[string]OAuthApp{
		"google": {ClientID: "cid", ClientSecret: "secret", TokenURL: srv.URL + "/token"},
	}, discardLogger())

	_, err := r.AccessToken(context.Background(), "t1", "google")
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired, got %v", err)
	}
}

func TestAccessToken_TokenEndpointDownIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := newMemStore()
	store.creds["t1/google"] = Credential{
		TenantID:     "t1",
		Provider:     "google",
		AccessToken:  "stale-token",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	r := newRefresher(store, map[string]OAuthApp{
		"google": {ClientID: "cid", ClientSecret: "secret", TokenURL: srv.URL + "/token"},
	}, discardLogger())

	_, err := r.AccessToken(context.Background(), "t1", "google")
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("expected provider.ErrUnavailable, got %v", err)
	}
}

func TestAccessToken_MissingCredentialIsReauthRequired(t *testing.T) {
	r := newRefresher(newMemStore(), nil, discardLogger())
	_, err := r.AccessToken(context.Background(), "t1", "google")
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired, got %v", err)
	}
}
