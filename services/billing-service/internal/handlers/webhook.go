package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v79/webhook"
)

// StripeWebhook ingests provider events. Signature verification is the auth;
// the gateway exposes this path publicly. A rejected signature is final: the
// payload is untrusted and must never be applied or retried locally.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if strings.TrimSpace(h.stripeWebhookSecret) == "" {
		http.Error(w, "stripe webhook not configured", http.StatusServiceUnavailable)
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.stripeWebhookSecret, h.stripeWebhookTolerance)
	if err != nil {
		h.logger.Warn("webhook signature rejected", "err", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	outcome, err := h.subSvc.ProcessEvent(r.Context(), evt)
	if err != nil {
		h.logger.Error("webhook processing failed", "event_id", evt.ID, "event_type", string(evt.Type), "err", err)
		// 5xx makes the provider redeliver; the ledger makes redelivery safe.
		http.Error(w, "failed to process event", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": string(outcome), "received": true})
}
