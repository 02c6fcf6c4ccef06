package billingclient

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/subscription"
	"github.com/stripe/stripe-go/v79/subscriptionitem"

	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/pricing"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/billing-service/internal/seats"
)

// Client pushes seat quantities to the provider's subscription line items.
// One line item per tier; the provider handles proration on quantity changes.
type Client struct {
	priceByTier map[pricing.Tier]string
	tierByPrice map[string]pricing.Tier
	logger      *slog.Logger
}

// NewClient builds a Client from the price-ID-to-tier configuration.
func NewClient(priceTiers map[string]pricing.Tier, logger *slog.Logger) *Client {
	c := &Client{
		priceByTier: map[pricing.Tier]string{},
		tierByPrice: map[string]pricing.Tier{},
		logger:      logger,
	}
	for priceID, tier := range priceTiers {
		c.priceByTier[tier] = priceID
		c.tierByPrice[priceID] = tier
	}
	return c
}

// CurrentQuantities reads the subscription's line items and returns the
// quantity and item ID per configured tier. Items with unconfigured prices
// are logged and skipped.
func (c *Client) CurrentQuantities(ctx context.Context, stripeSubscriptionID string) (map[pricing.Tier]int, map[pricing.Tier]string, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(stripeSubscriptionID, params)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch subscription %s: %w", stripeSubscriptionID, err)
	}

	quantities := map[pricing.Tier]int{}
	itemIDs := map[pricing.Tier]string{}
	if sub.Items == nil {
		return quantities, itemIDs, nil
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		tier, ok := c.tierByPrice[item.Price.ID]
		if !ok {
			c.logger.Warn("subscription item has unconfigured price, skipping",
				"stripe_subscription_id", stripeSubscriptionID, "price_id", item.Price.ID)
			continue
		}
		quantities[tier] = int(item.Quantity)
		itemIDs[tier] = item.ID
	}
	return quantities, itemIDs, nil
}

// PushSeatCounts diffs desired per-tier quantities against the provider's
// current line items and applies the create/update/delete operations.
// Callers treat failures as eventual-consistency gaps, not mutation errors.
func (c *Client) PushSeatCounts(ctx context.Context, stripeSubscriptionID string, desired map[pricing.Tier]int) error {
	current, itemIDs, err := c.CurrentQuantities(ctx, stripeSubscriptionID)
	if err != nil {
		return err
	}

	diff := seats.DiffQuantities(current, desired)
	if diff.Empty() {
		return nil
	}

	for tier, quantity := range diff.ToCreate {
		priceID, ok := c.priceByTier[tier]
		if !ok {
			return fmt.Errorf("no price configured for tier %s", tier)
		}
		params := &stripe.SubscriptionItemParams{
			Subscription: stripe.String(stripeSubscriptionID),
			Price:        stripe.String(priceID),
			Quantity:     stripe.Int64(int64(quantity)),
		}
		params.Context = ctx
		if _, err := subscriptionitem.New(params); err != nil {
			return fmt.Errorf("create line item for tier %s: %w", tier, err)
		}
	}

	for tier, quantity := range diff.ToUpdate {
		params := &stripe.SubscriptionItemParams{
			Quantity: stripe.Int64(int64(quantity)),
		}
		params.Context = ctx
		if _, err := subscriptionitem.Update(itemIDs[tier], params); err != nil {
			return fmt.Errorf("update line item for tier %s: %w", tier, err)
		}
	}

	for _, tier := range diff.ToDelete {
		params := &stripe.SubscriptionItemParams{}
		params.Context = ctx
		if _, err := subscriptionitem.Del(itemIDs[tier], params); err != nil {
			return fmt.Errorf("delete line item for tier %s: %w", tier, err)
		}
	}

	c.logger.Info("seat quantities pushed",
		"stripe_subscription_id", stripeSubscriptionID,
		"created", len(diff.ToCreate),
		"updated", len(diff.ToUpdate),
		"deleted", len(diff.ToDelete),
	)
	return nil
}
