package metering

import "errors"

var (
	// ErrUnauthenticated is returned when no identity can be resolved from
	// the request credentials
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden is returned when the resolved identity or its owning
	// user is inactive
	ErrForbidden = errors.New("identity inactive")

	// ErrUnknownVariable is returned when no active pricing entry exists
	// for a requested variable
	ErrUnknownVariable = errors.New("unknown variable")

	// ErrUnknownCurrency is returned when a currency code has no active
	// entry in the exchange-rate table
	ErrUnknownCurrency = errors.New("unknown currency")

	// ErrRateLimited is returned when a plan's fixed-window limit is
	// exhausted; the retry-after hint travels on the pipeline Result
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrProviderFailure is returned when the upstream weather provider
	// dispatch fails; provider internals are never leaked to callers
	ErrProviderFailure = errors.New("upstream provider failure")

	// ErrCounterUnavailable is returned by counter stores when the backing
	// service is unreachable
	ErrCounterUnavailable = errors.New("counter store unavailable")

	// ErrNotFound is returned by stores for missing rows
	ErrNotFound = errors.New("not found")
)
