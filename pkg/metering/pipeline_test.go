package metering_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/skycaster/metering/pkg/metering"
	"github.com/skycaster/metering/storage/memory"
)

// scriptedProvider returns a canned payload or error and remembers the
// dispatches it received.
type scriptedProvider struct {
	payload    metering.Payload
	err        error
	dispatches []metering.DispatchRequest
}

func (p *scriptedProvider) Dispatch(_ context.Context, req metering.DispatchRequest) (metering.Payload, error) {
	p.dispatches = append(p.dispatches, req)
	if p.err != nil {
		return nil, p.err
	}
	return p.payload, nil
}

type pipelineFixture struct {
	pipeline *metering.Pipeline
	store    *memory.Store
	provider *scriptedProvider
}

func newPipelineFixture(t *testing.T, limits map[metering.PlanTier]metering.PlanLimits) *pipelineFixture {
	t.Helper()
	store := memory.New()
	store.CreateUser("user1", true)
	store.CreateAPIKey("sk_live_good", "user1", true)
	store.CreateUser("user2", true)
	inactiveKey := "sk_live_revoked"
	store.CreateAPIKey(inactiveKey, "user2", true)
	store.DeactivateAPIKey(inactiveKey)

	ctx := context.Background()
	seedCurrencies(t, store)
	entries := []*metering.PricingEntry{
		{VariableName: "ambient_temp", EndpointFamily: "omega", BasePrice: 1.18, Currency: "INR", Active: true},
		{VariableName: "wind_10m", EndpointFamily: "nova", BasePrice: 0.50, Currency: "INR", Active: true},
	}
	for _, e := range entries {
		if err := store.UpsertPricingEntry(ctx, e); err != nil {
			t.Fatalf("UpsertPricingEntry: %v", err)
		}
	}
	mappings := []*metering.VariableMapping{
		{VariableName: "ambient_temp", EndpointFamily: "omega", Unit: "K", Active: true},
		{VariableName: "wind_10m", EndpointFamily: "nova", Unit: "m/s", Active: true},
	}
	for _, m := range mappings {
		if err := store.UpsertVariableMapping(ctx, m); err != nil {
			t.Fatalf("UpsertVariableMapping: %v", err)
		}
	}

	catalog := metering.NewCachedCatalog(store, time.Minute, nil)
	converter := metering.NewConverter(catalog)
	pricing := metering.NewPricingResolver(catalog, converter, nil)
	limiter := metering.NewRateLimiter(store, metering.RateLimiterConfig{Limits: limits})
	recorder := metering.NewRecorder(store, nil, nil)
	provider := &scriptedProvider{payload: metering.Payload{"12.97,77.59": map[string]any{"ambient_temp": 298.15}}}

	pipeline, err := metering.NewPipeline(store, catalog, pricing, limiter, recorder, provider, metering.PipelineConfig{})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return &pipelineFixture{pipeline: pipeline, store: store, provider: provider}
}

func forecastRequest(key string, variables ...string) metering.Request {
	return metering.Request{
		APIKey:    key,
		Variables: variables,
		Locations: [][2]float64{{12.97, 77.59}},
		Endpoint:  "/v1/forecast",
	}
}

func TestPipeline_Success(t *testing.T) {
	f := newPipelineFixture(t, nil)

	res, err := f.pipeline.Process(context.Background(), forecastRequest("sk_live_good", "ambient_temp"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Payload == nil {
		t.Fatal("expected a payload")
	}
	if res.Cost.Amount != 1.18 || res.Cost.Currency != "INR" {
		t.Errorf("cost = %+v, want 1.18 INR", res.Cost)
	}
	if res.RecordID == "" {
		t.Error("expected a usage record ID")
	}

	records := f.store.Records("user1")
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 usage record, got %d", len(records))
	}
	rec := records[0]
	if !rec.Success || rec.Status != http.StatusOK {
		t.Errorf("record success=%v status=%d", rec.Success, rec.Status)
	}
	if rec.Cost != 1.18 {
		t.Errorf("record cost = %v", rec.Cost)
	}
}

func TestPipeline_CostScalesWithLocations(t *testing.T) {
	f := newPipelineFixture(t, nil)

	req := forecastRequest("sk_live_good", "ambient_temp", "wind_10m")
	req.Locations = [][2]float64{{12.97, 77.59}, {28.61, 77.20}, {19.07, 72.87}}

	res, err := f.pipeline.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	// (1.18 + 0.50) per location, 3 locations.
	if res.Cost.Amount != 5.04 {
		t.Errorf("cost = %v, want 5.04", res.Cost.Amount)
	}

	// Variables grouped by endpoint family for dispatch.
	if len(f.provider.dispatches) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(f.provider.dispatches))
	}
	groups := f.provider.dispatches[0].Groups
	if len(groups["omega"]) != 1 || len(groups["nova"]) != 1 {
		t.Errorf("dispatch groups = %v", groups)
	}
}

func TestPipeline_CurrencyConversionRoundsAtDisplay(t *testing.T) {
	f := newPipelineFixture(t, nil)

	req := forecastRequest("sk_live_good", "ambient_temp")
	req.Currency = "USD"

	res, err := f.pipeline.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	// 1.18 INR at 0.012 = 0.01416 USD, rounded half-even to 0.01.
	if res.Cost.Amount != 0.01 {
		t.Errorf("cost = %v, want 0.01", res.Cost.Amount)
	}
	if res.Cost.Currency != "USD" {
		t.Errorf("currency = %q, want USD", res.Cost.Currency)
	}
}

func TestPipeline_MissingKey(t *testing.T) {
	f := newPipelineFixture(t, nil)

	_, err := f.pipeline.Process(context.Background(), forecastRequest("", "ambient_temp"))
	if !errors.Is(err, metering.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
	if len(f.store.Records("user1")) != 0 {
		t.Error("unauthenticated request must not produce a usage record")
	}
}

func TestPipeline_UnknownKey(t *testing.T) {
	f := newPipelineFixture(t, nil)

	_, err := f.pipeline.Process(context.Background(), forecastRequest("sk_live_nope", "ambient_temp"))
	if !errors.Is(err, metering.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestPipeline_RevokedKey(t *testing.T) {
	f := newPipelineFixture(t, nil)

	_, err := f.pipeline.Process(context.Background(), forecastRequest("sk_live_revoked", "ambient_temp"))
	if !errors.Is(err, metering.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if len(f.store.Records("user2")) != 0 {
		t.Error("forbidden request must not produce a usage record")
	}
}

func TestPipeline_RateLimitDenialIsRecorded(t *testing.T) {
	f := newPipelineFixture(t, map[metering.PlanTier]metering.PlanLimits{
		metering.TierFree: {PerMinute: 1, PerMonth: 100},
	})
	ctx := context.Background()

	if _, err := f.pipeline.Process(ctx, forecastRequest("sk_live_good", "ambient_temp")); err != nil {
		t.Fatalf("first request: %v", err)
	}

	res, err := f.pipeline.Process(ctx, forecastRequest("sk_live_good", "ambient_temp"))
	if !errors.Is(err, metering.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if res.Rate.RetryAfter <= 0 {
		t.Errorf("retry-after = %v, want positive", res.Rate.RetryAfter)
	}

	records := f.store.Records("user1")
	if len(records) != 2 {
		t.Fatalf("expected 2 usage records, got %d", len(records))
	}
	var denial *metering.UsageRecord
	for _, rec := range records {
		if !rec.Success {
			denial = rec
		}
	}
	if denial == nil {
		t.Fatal("denial was not recorded")
	}
	if denial.Status != http.StatusTooManyRequests || denial.Cost != 0 {
		t.Errorf("denial record status=%d cost=%v, want 429 and zero cost", denial.Status, denial.Cost)
	}
}

func TestPipeline_CounterOutageFailsOpen(t *testing.T) {
	f := newPipelineFixture(t, nil)

	// Rebuild the pipeline with an unreachable counter store; the default
	// policy lets the request through and records it normally.
	catalog := metering.NewCachedCatalog(f.store, time.Minute, nil)
	converter := metering.NewConverter(catalog)
	pricing := metering.NewPricingResolver(catalog, converter, nil)
	limiter := metering.NewRateLimiter(brokenCounter{}, metering.RateLimiterConfig{})
	recorder := metering.NewRecorder(f.store, nil, nil)

	pipeline, err := metering.NewPipeline(f.store, catalog, pricing, limiter, recorder, f.provider, metering.PipelineConfig{})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	res, err := pipeline.Process(context.Background(), forecastRequest("sk_live_good", "ambient_temp"))
	if err != nil {
		t.Fatalf("Process should fail open during a counter outage: %v", err)
	}
	if !res.Rate.FailedOpen {
		t.Error("decision should be marked as failed open")
	}
	if res.Payload == nil {
		t.Error("payload should still be delivered")
	}

	records := f.store.Records("user1")
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 usage record, got %d", len(records))
	}
	if !records[0].Success || records[0].Status != http.StatusOK {
		t.Errorf("record success=%v status=%d, want successful 200", records[0].Success, records[0].Status)
	}
}

// captureMetrics records the metric calls the pipeline makes.
type captureMetrics struct {
	metering.NoopMetrics
	requestSuccess []bool
	dispatches     []string
}

func (m *captureMetrics) RecordRequest(_ string, _ metering.PlanTier, success bool, _ time.Duration) {
	m.requestSuccess = append(m.requestSuccess, success)
}

func (m *captureMetrics) RecordDispatch(family string, _ time.Duration, _ error) {
	m.dispatches = append(m.dispatches, family)
}

func TestPipeline_MetricsCoverEveryOutcome(t *testing.T) {
	f := newPipelineFixture(t, nil)

	cm := &captureMetrics{}
	catalog := metering.NewCachedCatalog(f.store, time.Minute, nil)
	converter := metering.NewConverter(catalog)
	pricing := metering.NewPricingResolver(catalog, converter, nil)
	limiter := metering.NewRateLimiter(f.store, metering.RateLimiterConfig{
		Limits: map[metering.PlanTier]metering.PlanLimits{
			metering.TierFree: {PerMinute: 2, PerMonth: 100},
		},
	})
	recorder := metering.NewRecorder(f.store, nil, nil)

	pipeline, err := metering.NewPipeline(f.store, catalog, pricing, limiter, recorder, f.provider, metering.PipelineConfig{Metrics: cm})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	ctx := context.Background()
	if _, err := pipeline.Process(ctx, forecastRequest("sk_live_good", "ambient_temp")); err != nil {
		t.Fatalf("successful request: %v", err)
	}
	if _, err := pipeline.Process(ctx, forecastRequest("sk_live_good", "no_such_variable")); !errors.Is(err, metering.ErrUnknownVariable) {
		t.Fatalf("expected ErrUnknownVariable, got %v", err)
	}
	if _, err := pipeline.Process(ctx, forecastRequest("sk_live_good", "ambient_temp")); !errors.Is(err, metering.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Every recorded request carries a metric, not just the happy path.
	want := []bool{true, false, false}
	if len(cm.requestSuccess) != len(want) {
		t.Fatalf("RecordRequest called %d times, want %d", len(cm.requestSuccess), len(want))
	}
	for i, success := range want {
		if cm.requestSuccess[i] != success {
			t.Errorf("request %d success = %v, want %v", i, cm.requestSuccess[i], success)
		}
	}

	// Only the successful request reached the provider.
	if len(cm.dispatches) != 1 || cm.dispatches[0] != "omega" {
		t.Errorf("dispatches = %v, want [omega]", cm.dispatches)
	}
}

func TestPipeline_UnknownVariableSkipsDispatch(t *testing.T) {
	f := newPipelineFixture(t, nil)

	_, err := f.pipeline.Process(context.Background(), forecastRequest("sk_live_good", "soil_moisture"))
	if !errors.Is(err, metering.ErrUnknownVariable) {
		t.Fatalf("expected ErrUnknownVariable, got %v", err)
	}
	if len(f.provider.dispatches) != 0 {
		t.Error("unknown variable must not reach the provider")
	}

	records := f.store.Records("user1")
	if len(records) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(records))
	}
	if records[0].Success || records[0].Status != http.StatusBadRequest || records[0].Cost != 0 {
		t.Errorf("record = success=%v status=%d cost=%v, want failed 400 zero-cost",
			records[0].Success, records[0].Status, records[0].Cost)
	}
}

func TestPipeline_ProviderFailureIsOpaque(t *testing.T) {
	f := newPipelineFixture(t, nil)
	f.provider.err = errors.New("connect timeout to 10.1.2.3:8443")

	res, err := f.pipeline.Process(context.Background(), forecastRequest("sk_live_good", "ambient_temp"))
	if !errors.Is(err, metering.ErrProviderFailure) {
		t.Fatalf("expected ErrProviderFailure, got %v", err)
	}
	// The provider's internal error text must not surface.
	if err.Error() != metering.ErrProviderFailure.Error() {
		t.Errorf("provider internals leaked: %q", err.Error())
	}
	if res.Payload != nil {
		t.Error("failed dispatch must not return a payload")
	}

	records := f.store.Records("user1")
	if len(records) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(records))
	}
	if records[0].Status != http.StatusBadGateway || records[0].Cost != 0 {
		t.Errorf("record status=%d cost=%v, want 502 zero-cost", records[0].Status, records[0].Cost)
	}
}

func TestPipeline_ExactlyOneRecordPerRequest(t *testing.T) {
	f := newPipelineFixture(t, map[metering.PlanTier]metering.PlanLimits{
		metering.TierFree: {PerMinute: 2, PerMonth: 100},
	})
	ctx := context.Background()

	// Success, unknown variable, success, rate-limit denial: four requests
	// past authorization, four records.
	_, _ = f.pipeline.Process(ctx, forecastRequest("sk_live_good", "ambient_temp"))
	_, _ = f.pipeline.Process(ctx, forecastRequest("sk_live_good", "soil_moisture"))
	_, _ = f.pipeline.Process(ctx, forecastRequest("sk_live_good", "ambient_temp"))
	_, _ = f.pipeline.Process(ctx, forecastRequest("sk_live_good", "ambient_temp"))

	if got := len(f.store.Records("user1")); got != 4 {
		t.Errorf("expected exactly 4 usage records, got %d", got)
	}
}

func TestPipeline_RecorderFailureDoesNotFailRequest(t *testing.T) {
	f := newPipelineFixture(t, nil)

	// Rebuild the pipeline with a recorder whose store drops writes.
	catalog := metering.NewCachedCatalog(f.store, time.Minute, nil)
	converter := metering.NewConverter(catalog)
	pricing := metering.NewPricingResolver(catalog, converter, nil)
	limiter := metering.NewRateLimiter(f.store, metering.RateLimiterConfig{})
	recorder := metering.NewRecorder(brokenStore{}, nil, nil)

	pipeline, err := metering.NewPipeline(f.store, catalog, pricing, limiter, recorder, f.provider, metering.PipelineConfig{})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	res, err := pipeline.Process(context.Background(), forecastRequest("sk_live_good", "ambient_temp"))
	if err != nil {
		t.Fatalf("Process should succeed despite record loss: %v", err)
	}
	if res.RecordID != "" {
		t.Errorf("lost record should yield an empty record ID, got %q", res.RecordID)
	}
	if res.Payload == nil {
		t.Error("payload should still be delivered")
	}
}

func TestNewPipeline_RequiresCollaborators(t *testing.T) {
	_, err := metering.NewPipeline(nil, nil, nil, nil, nil, nil, metering.PipelineConfig{})
	if err == nil {
		t.Fatal("expected an error when collaborators are missing")
	}
}
