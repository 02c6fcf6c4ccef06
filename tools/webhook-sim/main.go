package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"
)

func main() {
	var (
		baseURL = flag.String("base-url", getenv("BASE_URL", "http://localhost:8087"), "billing service base url")
		evtType = flag.String("type", getenv("STRIPE_EVENT_TYPE", "checkout.session.completed"), "stripe event type")
		tenant  = flag.String("tenant-id", getenv("TENANT_ID", ""), "tenant_id metadata")
		tier    = flag.String("tier", getenv("TIER", "basic"), "tier metadata")
		priceID = flag.String("price-id", getenv("STRIPE_PRICE_ID", ""), "price ID on the subscription item")
		status  = flag.String("status", getenv("SUBSCRIPTION_STATUS", "active"), "subscription status for subscription events")
		secret  = flag.String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*tenant) == "" {
		fatal("TENANT_ID is required")
	}

	now := time.Now().UTC()
	eventID := fmt.Sprintf("evt_test_%d", now.UnixNano())

	payload, err := buildEventJSON(eventID, *evtType, now, *tenant, *tier, *priceID, *status)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/billing/webhook", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	fmt.Printf("event_id=%s status=%d\n", eventID, resp.StatusCode)
}

func buildEventJSON(eventID, eventType string, t time.Time, tenantID, tier, priceID, status string) ([]byte, error) {
	created := t.Unix()
	envelope := func(object map[string]any) ([]byte, error) {
		return json.Marshal(map[string]any{
			"id":          eventID,
			"object":      "event",
			"created":     created,
			"type":        eventType,
			"api_version": "2024-06-20",
			"data":        map[string]any{"object": object},
		})
	}

	switch eventType {
	case "checkout.session.completed":
		return envelope(map[string]any{
			"id":                  "cs_test_123",
			"object":              "checkout.session",
			"client_reference_id": tenantID,
			"customer":            "cus_test_123",
			"subscription":        "sub_test_123",
			"metadata": map[string]any{
				"tenant_id": tenantID,
				"tier":      tier,
			},
		})
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		object := map[string]any{
			"id":       "sub_test_123",
			"object":   "subscription",
			"status":   status,
			"customer": "cus_test_123",
			"metadata": map[string]any{"tenant_id": tenantID},
		}
		if strings.TrimSpace(priceID) != "" {
			object["items"] = map[string]any{
				"data": []any{
					map[string]any{"id": "si_test_123", "price": map[string]any{"id": priceID}, "quantity": 1},
				},
			}
		}
		return envelope(object)
	case "invoice.paid", "invoice.payment_failed":
		return envelope(map[string]any{
			"id":           "in_test_123",
			"object":       "invoice",
			"subscription": "sub_test_123",
			"metadata":     map[string]any{"tenant_id": tenantID},
		})
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
