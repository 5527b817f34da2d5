package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/skycaster/metering/pkg/billing"
	"github.com/skycaster/metering/pkg/billing/internal"
	"github.com/skycaster/metering/pkg/metering"
)

const maxWebhookBody = 256 * 1024

// handleWebhook processes incoming Stripe webhook events.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		p.logger.Error("webhook processing failed",
			metering.Field{Key: "event_type", Value: eventType},
			metering.Field{Key: "error", Value: err.Error()})
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent dispatches a verified event to its handler. Unknown
// event types are acknowledged and ignored.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	eventTimestamp := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return p.handleSubscriptionChanged(ctx, event, eventTimestamp)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event, eventTimestamp)
	case "invoice.payment_succeeded":
		return p.handleInvoicePaymentSucceeded(ctx, event, eventTimestamp)
	case "invoice.payment_failed":
		return p.handleInvoicePaymentFailed(event)
	case "checkout.session.completed":
		return p.handleCheckoutSessionCompleted(ctx, event, eventTimestamp)
	default:
		return nil
	}
}

// handleSubscriptionChanged processes created and updated subscription
// events, which carry the full subscription object.
func (p *Provider) handleSubscriptionChanged(ctx context.Context, event *stripe.Event, eventTimestamp time.Time) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	userID, err := p.extractUserID(ctx, &sub)
	if err != nil {
		return err
	}

	return p.applySubscription(ctx, userID, &sub, string(event.Type), eventTimestamp)
}

// handleSubscriptionDeleted re-syncs the user instead of dropping straight
// to the free tier: the user may have another active subscription.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event, eventTimestamp time.Time) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	userID, err := p.extractUserID(ctx, &sub)
	if err != nil {
		return err
	}

	existing, err := p.getExisting(ctx, userID)
	if err != nil {
		return err
	}
	if existing != nil && !eventTimestamp.After(existing.UpdatedAt) {
		// Stale or duplicate delivery.
		return nil
	}

	_, err = p.SyncUser(ctx, userID)
	return err
}

// handleInvoicePaymentSucceeded refreshes the subscription after a renewal
// payment. The invoice payload references the subscription by ID only.
func (p *Provider) handleInvoicePaymentSucceeded(ctx context.Context, event *stripe.Event, eventTimestamp time.Time) error {
	subscriptionID := subscriptionIDFromInvoice(event.Data.Raw)
	if subscriptionID == "" {
		// Not a subscription invoice.
		return nil
	}

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return fmt.Errorf("%w: fetch subscription: %v", billing.ErrProviderAPIError, err)
	}

	userID, err := p.extractUserID(ctx, sub)
	if err != nil {
		return err
	}

	return p.applySubscription(ctx, userID, sub, string(event.Type), eventTimestamp)
}

// handleInvoicePaymentFailed records the failure but leaves the subscription
// untouched: Stripe retries, and the subscription stays active until it is
// actually cancelled.
func (p *Provider) handleInvoicePaymentFailed(event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	p.logger.Warn("invoice payment failed",
		metering.Field{Key: "invoice_id", Value: invoice.ID})
	p.metrics.RecordWebhookEvent(providerName, "invoice.payment_failed", "warning")
	return nil
}

// handleCheckoutSessionCompleted activates the plan immediately after
// checkout instead of waiting for the subscription webhook, patching the
// user_id onto the Stripe subscription metadata if checkout did not.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event, eventTimestamp time.Time) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	userID := ""
	if session.Metadata != nil {
		userID = session.Metadata["user_id"]
	}
	if userID == "" {
		return fmt.Errorf("%w: metadata.user_id missing on checkout session %s",
			billing.ErrInvalidWebhookPayload, session.ID)
	}

	if session.Subscription == nil || session.Subscription.ID == "" {
		// One-time payment checkout, nothing to sync.
		return nil
	}

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, session.Subscription.ID, nil)
	if err != nil {
		return fmt.Errorf("%w: fetch subscription: %v", billing.ErrProviderAPIError, err)
	}

	if sub.Metadata == nil || sub.Metadata["user_id"] == "" {
		params := &stripe.SubscriptionUpdateParams{}
		params.AddMetadata("user_id", userID)
		sub, err = p.stripeClient.V1Subscriptions.Update(ctx, sub.ID, params)
		if err != nil {
			return fmt.Errorf("%w: patch subscription metadata: %v", billing.ErrProviderAPIError, err)
		}
	}

	return p.applySubscription(ctx, userID, sub, string(event.Type), eventTimestamp)
}

// applySubscription writes a Stripe subscription into the metering store
// with timestamp-based idempotency: stale or duplicate events are dropped.
func (p *Provider) applySubscription(
	ctx context.Context, userID string, sub *stripe.Subscription, eventType string, eventTimestamp time.Time,
) error {
	existing, err := p.getExisting(ctx, userID)
	if err != nil {
		return err
	}
	if existing != nil && !eventTimestamp.After(existing.UpdatedAt) {
		return nil
	}

	plan := p.resolvePlanFromItems(sub)
	status := mapSubscriptionStatus(string(sub.Status))

	previousPlan := metering.TierFree
	if existing != nil {
		previousPlan = existing.Plan
	}

	record := p.buildSubscription(userID, plan, status, sub, existing, eventTimestamp)
	if err := p.store.SetSubscription(ctx, record); err != nil {
		return fmt.Errorf("set subscription: %w", err)
	}

	if previousPlan != plan {
		p.metrics.RecordPlanChange(providerName, string(previousPlan), string(plan))
		if p.onPlanChange != nil {
			p.onPlanChange(billing.WebhookEvent{
				UserID:         userID,
				PreviousPlan:   previousPlan,
				NewPlan:        plan,
				Provider:       providerName,
				EventType:      eventType,
				EventTimestamp: eventTimestamp,
			})
		}
	}

	return nil
}

// buildSubscription maps a Stripe subscription onto the store record. The
// billing period is derived from the subscription's creation anniversary,
// and month-to-date usage carries over from the existing record.
func (p *Provider) buildSubscription(
	userID string, plan metering.PlanTier, status metering.SubscriptionStatus,
	sub *stripe.Subscription, existing *metering.Subscription, eventTimestamp time.Time,
) *metering.Subscription {
	anchor := time.Unix(sub.Created, 0).UTC()
	if existing != nil && !existing.CurrentPeriodStart.IsZero() && existing.StripeSubID == sub.ID {
		anchor = existing.CurrentPeriodStart
	}
	periodStart, periodEnd := metering.BillingCycle(anchor, time.Now().UTC())

	record := &metering.Subscription{
		UserID:             userID,
		Plan:               plan,
		Status:             status,
		StripeSubID:        sub.ID,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		UpdatedAt:          eventTimestamp,
	}
	if sub.Customer != nil {
		record.StripeCustomerID = sub.Customer.ID
	}
	if existing != nil {
		record.ID = existing.ID
		record.CurrentMonthUsage = existing.CurrentMonthUsage
		if record.StripeCustomerID == "" {
			record.StripeCustomerID = existing.StripeCustomerID
		}
	}
	return record
}

// resolvePlanFromItems picks the highest-ranked plan across the
// subscription's line items. Inactive subscriptions always resolve to free.
func (p *Provider) resolvePlanFromItems(sub *stripe.Subscription) metering.PlanTier {
	if string(sub.Status) != subscriptionStatusActive && string(sub.Status) != "trialing" {
		return metering.TierFree
	}

	best := metering.TierFree
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price == nil {
				continue
			}
			if plan := p.MapPriceToPlan(item.Price.ID); plan.Rank() > best.Rank() {
				best = plan
			}
		}
	}
	return best
}

// extractUserID finds the internal user ID on the subscription metadata,
// falling back to the customer's metadata.
func (p *Provider) extractUserID(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if sub.Metadata != nil {
		if userID := sub.Metadata["user_id"]; userID != "" {
			return userID, nil
		}
	}

	if sub.Customer != nil && sub.Customer.ID != "" {
		cust, err := p.stripeClient.V1Customers.Retrieve(ctx, sub.Customer.ID, nil)
		if err == nil && cust.Metadata != nil {
			if userID := cust.Metadata["user_id"]; userID != "" {
				return userID, nil
			}
		}
	}

	return "", fmt.Errorf("%w: metadata.user_id missing on subscription %s", billing.ErrUserNotFound, sub.ID)
}

// getExisting fetches the user's current subscription, treating a missing
// record as nil.
func (p *Provider) getExisting(ctx context.Context, userID string) (*metering.Subscription, error) {
	existing, err := p.store.GetSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, metering.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return existing, nil
}

// subscriptionIDFromInvoice digs the subscription reference out of the raw
// invoice JSON: depending on expansion it arrives as an ID string or an
// embedded object.
func subscriptionIDFromInvoice(raw json.RawMessage) string {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return ""
	}
	switch v := data["subscription"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

func mapSubscriptionStatus(status string) metering.SubscriptionStatus {
	switch status {
	case "active":
		return metering.SubscriptionActive
	case "trialing":
		return metering.SubscriptionTrialing
	case "past_due":
		return metering.SubscriptionPastDue
	default:
		return metering.SubscriptionCancelled
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
