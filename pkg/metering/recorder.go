package metering

import (
	"context"
	"time"
)

// Recorder persists usage records. It is invoked for every request that
// reaches authorization, including rate-limit denials and provider failures,
// and it never fails in a way that aborts the caller's response: persistence
// errors are logged to the operational error channel and swallowed.
type Recorder struct {
	store   Store
	logger  Logger
	metrics Metrics
}

// NewRecorder creates a usage recorder. Nil logger and metrics default to
// no-ops.
func NewRecorder(store Store, logger Logger, metrics Metrics) *Recorder {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Recorder{store: store, logger: logger, metrics: metrics}
}

// Record writes one usage record and increments the API-key and subscription
// counters. Returns the record ID, or an empty string when persistence
// failed; a metering failure must not turn a successful weather-data
// response into a user-visible error.
func (r *Recorder) Record(ctx context.Context, rec *UsageRecord) string {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	id, err := r.store.RecordUsage(ctx, rec)
	r.metrics.RecordStoreOperation("record_usage", time.Since(start), err)
	if err != nil {
		r.metrics.RecordMeteringFailure("record_usage")
		r.logger.Error("usage record lost",
			Field{"userId", rec.UserID},
			Field{"apiKeyId", rec.APIKeyID},
			Field{"endpoint", rec.Endpoint},
			Field{"success", rec.Success},
			Field{"cost", rec.Cost},
			Field{"error", err},
		)
		return ""
	}

	return id
}
