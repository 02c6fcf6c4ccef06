package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/billingclient"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/pricing"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/storage"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/subscriptions"
)

type Handler struct {
	repo    *storage.Repository
	subSvc  *subscriptions.Service
	client  *billingclient.Client
	catalog pricing.Catalog
	logger  *slog.Logger

	stripeWebhookSecret    string
	stripeWebhookTolerance time.Duration
}

type Config struct {
	StripeWebhookSecret    string
	StripeWebhookTolerance time.Duration
}

// New builds the handler set. client may be nil when no provider key is
// configured; seat mutations then skip the async push.
func New(repo *storage.Repository, subSvc *subscriptions.Service, client *billingclient.Client, catalog pricing.Catalog, logger *slog.Logger, cfg Config) *Handler {
	tolerance := cfg.StripeWebhookTolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Handler{
		repo:                   repo,
		subSvc:                 subSvc,
		client:                 client,
		catalog:                catalog,
		logger:                 logger,
		stripeWebhookSecret:    cfg.StripeWebhookSecret,
		stripeWebhookTolerance: tolerance,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
