// Package stripe implements the billing.Provider interface on top of the
// Stripe API. Webhooks keep the metering store's subscriptions in sync in
// real time; SyncUser reconciles a single user on demand.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/skycaster/metering/pkg/billing"
	"github.com/skycaster/metering/pkg/billing/internal"
	"github.com/skycaster/metering/pkg/metering"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	subscriptionStatusActive = "active"
)

// Config extends billing.Config with Stripe-specific options.
type Config struct {
	billing.Config

	// StripeAPIKey is the secret API key (sk_live_... / sk_test_...).
	// Falls back to billing.Config.APIKey when empty.
	StripeAPIKey string

	// StripeWebhookSecret is the signing secret for the webhook endpoint
	// (whsec_...). Falls back to billing.Config.WebhookSecret when empty.
	StripeWebhookSecret string

	// CustomerIDResolver, when set, maps an internal user ID to a Stripe
	// customer ID without hitting the Stripe Search API. SyncUser uses it
	// as the fast path and only falls back to Search when it fails.
	CustomerIDResolver func(ctx context.Context, userID string) (string, error)
}

// Provider implements billing.Provider for Stripe.
type Provider struct {
	store              metering.Store
	config             Config
	rateLimiter        *internal.RateLimiter
	planMapping        map[string]metering.PlanTier
	webhookSecret      []byte
	apiKey             string
	stripeClient       *stripe.Client
	customerIDResolver func(ctx context.Context, userID string) (string, error)
	onPlanChange       func(billing.WebhookEvent)
	metrics            billing.Metrics
	logger             metering.Logger
}

// NewProvider creates a Stripe billing provider.
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	webhookSecret := strings.TrimSpace(config.StripeWebhookSecret)
	if webhookSecret == "" {
		webhookSecret = strings.TrimSpace(config.WebhookSecret)
	}

	// Price IDs are matched case-insensitively.
	planMapping := make(map[string]metering.PlanTier, len(config.PlanMapping))
	for priceID, plan := range config.PlanMapping {
		planMapping[strings.ToLower(strings.TrimSpace(priceID))] = plan
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &metering.NoopLogger{}
	}

	return &Provider{
		store:              config.Store,
		config:             config,
		rateLimiter:        internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		planMapping:        planMapping,
		webhookSecret:      []byte(webhookSecret),
		apiKey:             apiKey,
		stripeClient:       stripe.NewClient(apiKey),
		customerIDResolver: config.CustomerIDResolver,
		onPlanChange:       config.OnPlanChange,
		metrics:            metrics,
		logger:             logger,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks, wrapped with
// per-IP rate limiting.
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// SyncUser synchronizes a user's subscription from the Stripe API.
func (p *Provider) SyncUser(ctx context.Context, userID string) (metering.PlanTier, error) {
	return p.syncUserFromAPI(ctx, userID)
}

// MapPriceToPlan maps a Stripe price ID to a plan tier. Unmapped prices
// resolve to the free tier.
func (p *Provider) MapPriceToPlan(priceID string) metering.PlanTier {
	key := strings.ToLower(strings.TrimSpace(priceID))
	if plan, ok := p.planMapping[key]; ok {
		return plan
	}
	return metering.TierFree
}

// priceIDForPlan is the reverse of MapPriceToPlan. When several prices map
// to the same plan (monthly and yearly), the first match wins.
func (p *Provider) priceIDForPlan(plan metering.PlanTier) string {
	for priceID, mapped := range p.planMapping {
		if mapped == plan {
			return priceID
		}
	}
	return ""
}
