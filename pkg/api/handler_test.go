package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skycaster/metering/pkg/metering"
	"github.com/skycaster/metering/storage/memory"
)

type stubProvider struct {
	err error
}

func (p *stubProvider) Dispatch(ctx context.Context, req metering.DispatchRequest) (metering.Payload, error) {
	if p.err != nil {
		return nil, p.err
	}
	payload := make(metering.Payload, len(req.Locations))
	for _, loc := range req.Locations {
		values := make(map[string]any)
		for _, variables := range req.Groups {
			for _, variable := range variables {
				values[variable] = 1.0
			}
		}
		payload[locationKeyFor(loc)] = values
	}
	return payload, nil
}

func locationKeyFor(loc [2]float64) string {
	b, _ := json.Marshal(loc[0])
	c, _ := json.Marshal(loc[1])
	return string(b) + "," + string(c)
}

func setupHandler(t *testing.T, provider metering.Provider) (*Handler, *memory.Store) {
	t.Helper()

	store := memory.New()
	store.CreateUser("user1", true)
	store.CreateAPIKey("sk_live_test", "user1", true)

	ctx := context.Background()
	seedCatalog(t, ctx, store)

	catalog := metering.NewCachedCatalog(store, time.Minute, nil)
	converter := metering.NewConverter(catalog)
	pricing := metering.NewPricingResolver(catalog, converter, nil)
	limiter := metering.NewRateLimiter(store, metering.RateLimiterConfig{})
	recorder := metering.NewRecorder(store, nil, nil)

	pipeline, err := metering.NewPipeline(store, catalog, pricing, limiter, recorder, provider, metering.PipelineConfig{})
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	handler, err := NewHandler(Config{Pipeline: pipeline, Store: store})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return handler, store
}

func seedCatalog(t *testing.T, ctx context.Context, store *memory.Store) {
	t.Helper()

	if err := store.UpsertPricingEntry(ctx, &metering.PricingEntry{
		VariableName:   "ambient_temp(K)",
		EndpointFamily: "omega",
		BasePrice:      1.18,
		Currency:       "INR",
		Active:         true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertVariableMapping(ctx, &metering.VariableMapping{
		VariableName:   "ambient_temp(K)",
		EndpointFamily: "omega",
		Active:         true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertCurrencyEntry(ctx, &metering.CurrencyEntry{
		Code: "INR", Rate: 1.0, Active: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertCurrencyEntry(ctx, &metering.CurrencyEntry{
		Code: "USD", Rate: 0.012, Active: true,
	}); err != nil {
		t.Fatal(err)
	}
}

func forecastBody(t *testing.T, currency string) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(ForecastRequest{
		Locations: [][2]float64{{12.97, 77.59}},
		Variables: []string{"ambient_temp(K)"},
		Timestamp: "2026-09-01 12:00:00",
		Timezone:  "Asia/Kolkata",
		Currency:  currency,
	})
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewBuffer(body)
}

func TestForecast_Success(t *testing.T) {
	handler, store := setupHandler(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodPost, "/v1/forecast", forecastBody(t, ""))
	req.Header.Set("X-API-Key", "sk_live_test")
	rec := httptest.NewRecorder()
	handler.Forecast(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp ForecastResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Metadata.TotalCost != 1.18 {
		t.Errorf("expected cost 1.18, got %v", resp.Metadata.TotalCost)
	}
	if resp.Metadata.Currency != "INR" {
		t.Errorf("expected INR, got %q", resp.Metadata.Currency)
	}
	if resp.Metadata.RecordID == "" {
		t.Error("expected a record id")
	}
	if len(store.Records("user1")) != 1 {
		t.Errorf("expected exactly one usage record, got %d", len(store.Records("user1")))
	}
}

func TestForecast_CurrencyConversion(t *testing.T) {
	handler, _ := setupHandler(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodPost, "/v1/forecast", forecastBody(t, "USD"))
	req.Header.Set("X-API-Key", "sk_live_test")
	rec := httptest.NewRecorder()
	handler.Forecast(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp ForecastResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	// 1.18 INR * 0.012 = 0.01416, displayed as 0.01.
	if resp.Metadata.TotalCost != 0.01 {
		t.Errorf("expected cost 0.01 USD, got %v", resp.Metadata.TotalCost)
	}
}

func TestForecast_MissingKey(t *testing.T) {
	handler, _ := setupHandler(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodPost, "/v1/forecast", forecastBody(t, ""))
	rec := httptest.NewRecorder()
	handler.Forecast(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestForecast_UnknownVariable(t *testing.T) {
	handler, store := setupHandler(t, &stubProvider{})

	body, _ := json.Marshal(ForecastRequest{
		Locations: [][2]float64{{12.97, 77.59}},
		Variables: []string{"made_up_variable"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/forecast", bytes.NewBuffer(body))
	req.Header.Set("X-API-Key", "sk_live_test")
	rec := httptest.NewRecorder()
	handler.Forecast(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	// The rejection is still metered.
	records := store.Records("user1")
	if len(records) != 1 {
		t.Fatalf("expected one usage record, got %d", len(records))
	}
	if records[0].Success {
		t.Error("expected failed record")
	}
	if records[0].Cost != 0 {
		t.Errorf("expected zero cost, got %v", records[0].Cost)
	}
}

func TestForecast_ProviderFailure(t *testing.T) {
	handler, store := setupHandler(t, &stubProvider{err: context.DeadlineExceeded})

	req := httptest.NewRequest(http.MethodPost, "/v1/forecast", forecastBody(t, ""))
	req.Header.Set("X-API-Key", "sk_live_test")
	rec := httptest.NewRecorder()
	handler.Forecast(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	// Provider internals must not leak.
	if resp["error"] != metering.ErrProviderFailure.Error() {
		t.Errorf("unexpected error body: %q", resp["error"])
	}

	records := store.Records("user1")
	if len(records) != 1 || records[0].Status != http.StatusBadGateway {
		t.Errorf("expected one 502 record, got %+v", records)
	}
}

func TestForecast_EmptyVariables(t *testing.T) {
	handler, _ := setupHandler(t, &stubProvider{})

	body, _ := json.Marshal(ForecastRequest{Locations: [][2]float64{{12.97, 77.59}}})
	req := httptest.NewRequest(http.MethodPost, "/v1/forecast", bytes.NewBuffer(body))
	req.Header.Set("X-API-Key", "sk_live_test")
	rec := httptest.NewRecorder()
	handler.Forecast(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestUsage(t *testing.T) {
	handler, _ := setupHandler(t, &stubProvider{})

	// Produce one billable request first.
	req := httptest.NewRequest(http.MethodPost, "/v1/forecast", forecastBody(t, ""))
	req.Header.Set("X-API-Key", "sk_live_test")
	rec := httptest.NewRecorder()
	handler.Forecast(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("forecast failed: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("X-API-Key", "sk_live_test")
	rec = httptest.NewRecorder()
	handler.Usage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp UsageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.UserID != "user1" {
		t.Errorf("expected user1, got %q", resp.UserID)
	}
	if resp.Tier != "free" {
		t.Errorf("expected free tier, got %q", resp.Tier)
	}
	if resp.TotalRequests != 1 || resp.SuccessfulRequests != 1 {
		t.Errorf("expected 1 successful request, got %+v", resp)
	}
	if resp.MonthlyLimit != 5000 {
		t.Errorf("expected free monthly limit 5000, got %d", resp.MonthlyLimit)
	}
}

func TestUsage_InvalidKey(t *testing.T) {
	handler, _ := setupHandler(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("X-API-Key", "sk_live_bogus")
	rec := httptest.NewRecorder()
	handler.Usage(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestNewHandler_Validation(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Error("expected error for missing pipeline")
	}
	if _, err := NewHandler(Config{Store: memory.New()}); err == nil {
		t.Error("expected error for missing pipeline")
	}
}
