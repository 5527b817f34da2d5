package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skycaster/metering/pkg/metering"
)

// Metrics implements metering.Metrics using Prometheus.
type Metrics struct {
	requestsTotal        *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	rateLimitTotal       *prometheus.CounterVec
	rateLimitFailOpen    *prometheus.CounterVec
	priceResolveDuration *prometheus.HistogramVec
	dispatchDuration     *prometheus.HistogramVec
	dispatchErrors       *prometheus.CounterVec
	storeOpsDuration     *prometheus.HistogramVec
	storeOpsErrors       *prometheus.CounterVec
	meteringFailures     *prometheus.CounterVec
	catalogCacheHits     *prometheus.CounterVec
	catalogCacheMisses   *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of metered requests.",
		}, []string{"endpoint", "tier", "success"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end latency of metered requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		rateLimitTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Total number of rate limit decisions.",
		}, []string{"window", "allowed"}),

		rateLimitFailOpen: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_fail_open_total",
			Help:      "Requests allowed while the counter store was unreachable.",
		}, []string{"window"}),

		priceResolveDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "price_resolution_duration_seconds",
			Help:      "Latency of price resolutions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"variable"}),

		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Latency of upstream provider dispatches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"family"}),

		dispatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Total number of failed upstream dispatches.",
		}, []string{"family"}),

		storeOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storeOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operation_errors_total",
			Help:      "Total number of store operation errors.",
		}, []string{"operation"}),

		meteringFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metering_failures_total",
			Help:      "Usage-record persistence failures absorbed by the recorder.",
		}, []string{"operation"}),

		catalogCacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_cache_hits_total",
			Help:      "Total number of reference-data cache hits.",
		}, []string{"table"}),

		catalogCacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_cache_misses_total",
			Help:      "Total number of reference-data cache misses.",
		}, []string{"table"}),
	}
}

func (m *Metrics) RecordRequest(endpoint string, tier metering.PlanTier, success bool, duration time.Duration) {
	m.requestsTotal.WithLabelValues(endpoint, string(tier), strconv.FormatBool(success)).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordRateLimit(window metering.Window, allowed, failedOpen bool) {
	m.rateLimitTotal.WithLabelValues(string(window), strconv.FormatBool(allowed)).Inc()
	if failedOpen {
		m.rateLimitFailOpen.WithLabelValues(string(window)).Inc()
	}
}

func (m *Metrics) RecordPriceResolution(variable string, duration time.Duration) {
	m.priceResolveDuration.WithLabelValues(variable).Observe(duration.Seconds())
}

func (m *Metrics) RecordDispatch(family string, duration time.Duration, err error) {
	m.dispatchDuration.WithLabelValues(family).Observe(duration.Seconds())
	if err != nil {
		m.dispatchErrors.WithLabelValues(family).Inc()
	}
}

func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordMeteringFailure(operation string) {
	m.meteringFailures.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordCatalogCache(table string, hit bool) {
	if hit {
		m.catalogCacheHits.WithLabelValues(table).Inc()
		return
	}
	m.catalogCacheMisses.WithLabelValues(table).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
