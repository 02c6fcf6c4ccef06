package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/pricing"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/seats"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/storage"
)

type seatRequest struct {
	TenantID    string `json:"tenant_id"`
	MemberID    string `json:"member_id"`
	InviteToken string `json:"invite_token"`
	Tier        string `json:"tier"`
}

// AddSeat creates (or revives) a seat and returns the recomputed pricing
// breakdown. The provider push runs asynchronously: its failure must not
// fail the mutation, the next webhook or reconcile cycle closes the gap.
func (h *Handler) AddSeat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSeatRequest(w, r, true)
	if !ok {
		return
	}

	status := seats.StatusActive
	if strings.TrimSpace(req.InviteToken) != "" {
		status = seats.StatusPending
	}

	err := h.inTx(r.Context(), func(tx pgx.Tx) error {
		return h.repo.UpsertSeat(r.Context(), tx, seats.Record{
			TenantID:    req.TenantID,
			MemberID:    req.MemberID,
			InviteToken: req.InviteToken,
			Tier:        pricing.Tier(req.Tier),
			Status:      status,
		})
	})
	if err != nil {
		h.logger.Error("failed to add seat", "tenant_id", req.TenantID, "err", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	h.logger.Info("seat added", "tenant_id", req.TenantID, "member_id", req.MemberID, "tier", req.Tier, "seat_status", string(status))
	h.respondWithBreakdown(w, r, req.TenantID, http.StatusCreated)
}

// UpdateSeatTier moves one seat to another tier.
func (h *Handler) UpdateSeatTier(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSeatRequest(w, r, true)
	if !ok {
		return
	}

	err := h.inTx(r.Context(), func(tx pgx.Tx) error {
		return h.repo.UpdateSeatTier(r.Context(), tx, req.TenantID, req.MemberID, pricing.Tier(req.Tier))
	})
	if err != nil {
		if errors.Is(err, storage.ErrSeatNotFound) {
			http.Error(w, "seat not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to update seat tier", "tenant_id", req.TenantID, "err", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	h.logger.Info("seat tier updated", "tenant_id", req.TenantID, "member_id", req.MemberID, "tier", req.Tier)
	h.respondWithBreakdown(w, r, req.TenantID, http.StatusOK)
}

// RemoveSeat marks the seat removed; the row stays for billing history.
func (h *Handler) RemoveSeat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSeatRequest(w, r, false)
	if !ok {
		return
	}

	err := h.inTx(r.Context(), func(tx pgx.Tx) error {
		return h.repo.RemoveSeat(r.Context(), tx, req.TenantID, req.MemberID)
	})
	if err != nil {
		if errors.Is(err, storage.ErrSeatNotFound) {
			http.Error(w, "seat not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to remove seat", "tenant_id", req.TenantID, "err", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	h.logger.Info("seat removed", "tenant_id", req.TenantID, "member_id", req.MemberID)
	h.respondWithBreakdown(w, r, req.TenantID, http.StatusOK)
}

// PreviewPricing returns the breakdown for the tenant's current seats
// without mutating anything.
func (h *Handler) PreviewPricing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenantID == "" {
		http.Error(w, "tenant_id query parameter is required", http.StatusBadRequest)
		return
	}

	breakdown, _, err := h.breakdownForTenant(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to compute pricing preview", "tenant_id", tenantID, "err", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

func (h *Handler) decodeSeatRequest(w http.ResponseWriter, r *http.Request, needTier bool) (seatRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return seatRequest{}, false
	}

	var req seatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return seatRequest{}, false
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.MemberID = strings.TrimSpace(req.MemberID)
	req.Tier = strings.TrimSpace(strings.ToLower(req.Tier))
	if req.TenantID == "" || req.MemberID == "" {
		http.Error(w, "tenant_id and member_id are required", http.StatusBadRequest)
		return seatRequest{}, false
	}
	if needTier && !pricing.ValidTier(pricing.Tier(req.Tier)) {
		http.Error(w, "unknown tier", http.StatusBadRequest)
		return seatRequest{}, false
	}
	return req, true
}

func (h *Handler) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// respondWithBreakdown answers the committed mutation with fresh pricing and
// kicks off the best-effort provider push.
func (h *Handler) respondWithBreakdown(w http.ResponseWriter, r *http.Request, tenantID string, code int) {
	breakdown, quantities, err := h.breakdownForTenant(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to compute pricing breakdown", "tenant_id", tenantID, "err", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	h.pushSeatsAsync(tenantID, quantities)
	writeJSON(w, code, breakdown)
}

func (h *Handler) breakdownForTenant(ctx context.Context, tenantID string) (pricing.Breakdown, map[pricing.Tier]int, error) {
	records, err := h.repo.ListSeats(ctx, tenantID)
	if err != nil {
		return pricing.Breakdown{}, nil, err
	}
	quantities := seats.Aggregate(records)
	breakdown, err := pricing.Price(h.catalog, quantities)
	if err != nil {
		return pricing.Breakdown{}, nil, err
	}
	return breakdown, quantities, nil
}

// pushSeatsAsync mirrors the tenant's seat counts to the provider's line
// items. Failures are logged only; the seat mutation already committed.
func (h *Handler) pushSeatsAsync(tenantID string, quantities map[pricing.Tier]int) {
	if h.client == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sub, err := h.repo.GetSubscription(ctx, tenantID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				h.logger.Info("seat push skipped, tenant has no subscription", "tenant_id", tenantID)
				return
			}
			h.logger.Warn("seat push skipped, subscription lookup failed", "tenant_id", tenantID, "err", err)
			return
		}
		if strings.TrimSpace(sub.StripeSubscriptionID) == "" {
			h.logger.Info("seat push skipped, subscription not provider-backed", "tenant_id", tenantID)
			return
		}

		if err := h.client.PushSeatCounts(ctx, sub.StripeSubscriptionID, quantities); err != nil {
			h.logger.Warn("seat push failed, reconcile will converge", "tenant_id", tenantID, "err", err)
		}
	}()
}
