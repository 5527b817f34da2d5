// Package billing defines the provider-agnostic surface for subscription
// billing. Providers translate the billing backend's events into plan
// changes on the metering store; the pipeline itself never talks to a
// billing backend.
package billing

import (
	"context"
	"net/http"

	"github.com/skycaster/metering/pkg/metering"
)

// Provider is the interface a billing backend integration must implement.
type Provider interface {
	// Name returns the provider name (e.g., "stripe").
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time
	// events. The implementation handles validation, parsing, and
	// subscription updates internally.
	WebhookHandler() http.Handler

	// SyncUser forces a synchronization of the user's subscription from
	// the provider into the metering store. Used for "restore purchases"
	// flows and nightly reconciliation jobs. Returns the detected plan.
	SyncUser(ctx context.Context, userID string) (metering.PlanTier, error)
}
