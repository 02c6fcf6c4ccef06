package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/provider"
)

// ErrReauthRequired means the tenant must go back through OAuth consent:
// there is no usable refresh token, or the provider rejected it outright.
var ErrReauthRequired = errors.New("reauthorization required")

// OAuthApp is the client registration for one provider's token endpoint.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

type credentialStore interface {
	Get(ctx context.Context, tenantID, provider string) (Credential, bool, error)
	Upsert(ctx context.Context, c Credential) error
}

// Refresher hands out valid access tokens, transparently refreshing and
// persisting near-expiry grants.
type Refresher struct {
	store  credentialStore
	apps   map[string]OAuthApp
	skew   time.Duration
	logger *slog.Logger
}

func NewRefresher(store *Store, apps map[string]OAuthApp, logger *slog.Logger) *Refresher {
	return newRefresher(store, apps, logger)
}

func newRefresher(store credentialStore, apps map[string]OAuthApp, logger *slog.Logger) *Refresher {
	return &Refresher{
		store:  store,
		apps:   apps,
		skew:   2 * time.Minute,
		logger: logger,
	}
}

// AccessToken returns a token valid for at least the refresh skew. It returns
// ErrReauthRequired when only user consent can fix the connection, and
// provider.ErrUnavailable for transient token-endpoint failures.
func (r *Refresher) AccessToken(ctx context.Context, tenantID, providerName string) (string, error) {
	cred, ok, err := r.store.Get(ctx, tenantID, providerName)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: no credential for tenant %s provider %s", ErrReauthRequired, tenantID, providerName)
	}

	if time.Until(cred.ExpiresAt) > r.skew {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return "", fmt.Errorf("%w: refresh token missing", ErrReauthRequired)
	}

	app, ok := r.apps[providerName]
	if !ok {
		return "", fmt.Errorf("%w: provider %s not configured", ErrReauthRequired, providerName)
	}

	conf := &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: app.TokenURL},
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			(retrieveErr.Response.StatusCode == http.StatusBadRequest || retrieveErr.Response.StatusCode == http.StatusUnauthorized) {
			return "", fmt.Errorf("%w: provider rejected refresh token", ErrReauthRequired)
		}
		return "", fmt.Errorf("%w: token refresh: %v", provider.ErrUnavailable, err)
	}

	cred.AccessToken = tok.AccessToken
	cred.RefreshToken = tok.RefreshToken // empty keeps the stored one
	cred.ExpiresAt = tok.Expiry
	if err := r.store.Upsert(ctx, cred); err != nil {
		return "", err
	}
	r.logger.Info("access token refreshed", "tenant_id", tenantID, "provider", providerName, "expires_at", tok.Expiry.UTC().Format(time.RFC3339))
	return tok.AccessToken, nil
}
