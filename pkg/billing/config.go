package billing

import (
	"net/http"

	"github.com/skycaster/metering/pkg/metering"
)

// Config defines the standard configuration all providers accept.
type Config struct {
	// Store receives subscription updates as billing events arrive.
	Store metering.Store

	// PlanMapping maps provider price or product IDs to plan tiers.
	// For example: map[string]metering.PlanTier{"price_1ABC": metering.TierDeveloper}.
	PlanMapping map[string]metering.PlanTier

	// WebhookSecret is used to verify incoming webhook requests.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider
	// (e.g. SyncUser).
	APIKey string

	// HTTPClient is an optional HTTP client for API calls. If nil, a
	// default client with a 10s timeout is used.
	HTTPClient *http.Client

	// OnPlanChange, when set, is called after a webhook has successfully
	// updated a subscription. Use it for cache invalidation or alerting.
	OnPlanChange func(event WebhookEvent)

	// Metrics is an optional collector for billing operations. If nil,
	// metrics are silently dropped.
	Metrics Metrics

	Logger metering.Logger
}
