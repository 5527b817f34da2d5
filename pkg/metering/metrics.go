package metering

import "time"

// Metrics defines the interface for tracking metering operations.
type Metrics interface {
	// RecordRequest records a completed pipeline run.
	RecordRequest(endpoint string, tier PlanTier, success bool, duration time.Duration)

	// RecordRateLimit records a rate-limit decision. failedOpen marks
	// decisions taken while the counter store was unreachable.
	RecordRateLimit(window Window, allowed, failedOpen bool)

	// RecordPriceResolution records the duration of a price lookup.
	RecordPriceResolution(variable string, duration time.Duration)

	// RecordDispatch records an upstream provider call.
	RecordDispatch(family string, duration time.Duration, err error)

	// RecordStoreOperation records the duration and status of a store operation.
	RecordStoreOperation(operation string, duration time.Duration, err error)

	// RecordMeteringFailure records a usage-record persistence failure that
	// was absorbed rather than surfaced to the caller.
	RecordMeteringFailure(operation string)

	// RecordCatalogCache records a reference-data cache hit or miss.
	RecordCatalogCache(table string, hit bool)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordRequest(endpoint string, tier PlanTier, success bool, duration time.Duration) {
}
func (n *NoopMetrics) RecordRateLimit(window Window, allowed, failedOpen bool)               {}
func (n *NoopMetrics) RecordPriceResolution(variable string, duration time.Duration)        {}
func (n *NoopMetrics) RecordDispatch(family string, duration time.Duration, err error)      {}
func (n *NoopMetrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
}
func (n *NoopMetrics) RecordMeteringFailure(operation string) {}
func (n *NoopMetrics) RecordCatalogCache(table string, hit bool) {}
