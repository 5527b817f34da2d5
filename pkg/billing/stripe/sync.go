package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/skycaster/metering/pkg/billing"
	"github.com/skycaster/metering/pkg/metering"
)

// syncUserFromAPI reconciles a user's subscription against the Stripe API.
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (metering.PlanTier, error) {
	startTime := time.Now()

	var customerID string
	var err error

	// Fast path: the application knows the customer ID.
	if p.customerIDResolver != nil {
		customerID, err = p.customerIDResolver(ctx, userID)
		if err != nil {
			p.logger.Warn("customer ID resolver failed, falling back to search",
				metering.Field{Key: "user_id", Value: userID},
				metering.Field{Key: "error", Value: err.Error()})
			customerID = ""
		}
	}

	// Slow path: Stripe Search API. Eventually consistent and slow, but it
	// needs no application-side mapping.
	if customerID == "" {
		p.metrics.RecordAPICall(providerName, "/customers/search", "slow_path")
		customerID, err = p.searchCustomerByMetadata(ctx, userID)
		if err != nil {
			// No Stripe customer at all means free tier.
			return p.syncToFreeTier(ctx, userID, startTime)
		}
	}

	return p.syncCustomer(ctx, customerID, userID, startTime)
}

// searchCustomerByMetadata finds a customer by user_id metadata.
func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['user_id']:'%s'", userID)

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("%w: customer search: %v", billing.ErrProviderAPIError, err)
		}
		// The Search API can return partial matches; require exact.
		if cust.Metadata != nil && cust.Metadata["user_id"] == userID {
			return cust.ID, nil
		}
	}

	return "", billing.ErrUserNotFound
}

// syncCustomer lists the customer's active subscriptions and applies the
// highest-ranked plan among them.
func (p *Provider) syncCustomer(ctx context.Context, customerID, userID string, startTime time.Time) (metering.PlanTier, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String(subscriptionStatusActive)

	var best *stripe.Subscription
	bestPlan := metering.TierFree

	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
			p.recordSyncResult("error", startTime)
			return metering.TierFree, fmt.Errorf("%w: list subscriptions: %v", billing.ErrProviderAPIError, err)
		}
		if string(sub.Status) != subscriptionStatusActive {
			continue
		}
		plan := p.resolvePlanFromItems(sub)
		// Highest rank wins; on a tie the most recently created
		// subscription does.
		if best == nil || plan.Rank() > bestPlan.Rank() ||
			(plan.Rank() == bestPlan.Rank() && sub.Created > best.Created) {
			best = sub
			bestPlan = plan
		}
	}

	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "200")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/list", time.Since(startTime))

	if best == nil {
		return p.syncToFreeTier(ctx, userID, startTime)
	}

	if err := p.applySubscription(ctx, userID, best, "sync", time.Now().UTC()); err != nil {
		p.recordSyncResult("error", startTime)
		return bestPlan, err
	}

	p.recordSyncResult("success", startTime)
	return bestPlan, nil
}

// syncToFreeTier records the user on the free tier when Stripe has no
// active subscription for them.
func (p *Provider) syncToFreeTier(ctx context.Context, userID string, startTime time.Time) (metering.PlanTier, error) {
	now := time.Now().UTC()

	existing, err := p.getExisting(ctx, userID)
	if err != nil {
		p.recordSyncResult("error", startTime)
		return metering.TierFree, err
	}
	if existing == nil {
		// Nothing stored and nothing in Stripe; the resolver already
		// defaults missing subscriptions to free.
		p.recordSyncResult("success", startTime)
		return metering.TierFree, nil
	}

	previousPlan := existing.Plan
	periodStart, periodEnd := metering.BillingCycle(now, now)
	record := &metering.Subscription{
		ID:                 existing.ID,
		UserID:             userID,
		Plan:               metering.TierFree,
		Status:             metering.SubscriptionCancelled,
		StripeCustomerID:   existing.StripeCustomerID,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		CurrentMonthUsage:  existing.CurrentMonthUsage,
		UpdatedAt:          now,
	}

	if err := p.store.SetSubscription(ctx, record); err != nil {
		p.recordSyncResult("error", startTime)
		return metering.TierFree, fmt.Errorf("set subscription: %w", err)
	}

	if previousPlan != metering.TierFree {
		p.metrics.RecordPlanChange(providerName, string(previousPlan), string(metering.TierFree))
		if p.onPlanChange != nil {
			p.onPlanChange(billing.WebhookEvent{
				UserID:         userID,
				PreviousPlan:   previousPlan,
				NewPlan:        metering.TierFree,
				Provider:       providerName,
				EventType:      "sync",
				EventTimestamp: now,
			})
		}
	}

	p.recordSyncResult("success", startTime)
	return metering.TierFree, nil
}

func (p *Provider) recordSyncResult(status string, startTime time.Time) {
	p.metrics.RecordUserSync(providerName, status)
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
}
