package billing

import (
	"time"

	"github.com/skycaster/metering/pkg/metering"
)

// WebhookEvent describes a successfully processed billing event. It is passed
// to Config.OnPlanChange after the subscription has been written to the
// store.
type WebhookEvent struct {
	// UserID is the internal user identifier.
	UserID string

	// PreviousPlan is the plan before the update (empty for new users).
	PreviousPlan metering.PlanTier

	// NewPlan is the plan after the update.
	NewPlan metering.PlanTier

	// Provider is the billing provider name ("stripe").
	Provider string

	// EventType is the provider-specific event type, e.g.
	// "customer.subscription.updated".
	EventType string

	// EventTimestamp is when the event occurred, per the provider.
	EventTimestamp time.Time
}
