package metering

import "context"

// DispatchRequest carries one upstream weather-data request, with variables
// already grouped by endpoint family.
type DispatchRequest struct {
	// Groups maps endpoint family (omega, nova, arc) to the variables
	// routed there.
	Groups map[string][]string

	// Locations are [lat, lon] pairs.
	Locations [][2]float64

	Timestamp string
	Timezone  string
}

// Payload is the merged upstream response: location key ("lat,lon") to
// variable name to value.
type Payload map[string]map[string]any

// Provider dispatches grouped variables to the upstream weather-data
// service. Retry and backoff policy belongs to the provider client; the
// pipeline treats any returned error as terminal for the request.
type Provider interface {
	Dispatch(ctx context.Context, req DispatchRequest) (Payload, error)
}
