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

func setupAdmin(t *testing.T) (*AdminHandler, *metering.CachedCatalog, *memory.Store) {
	t.Helper()

	store := memory.New()
	cache := metering.NewCachedCatalog(store, time.Minute, nil)
	handler, err := NewAdminHandler(AdminConfig{Catalog: store, Cache: cache})
	if err != nil {
		t.Fatalf("NewAdminHandler failed: %v", err)
	}
	return handler, cache, store
}

func TestAdmin_PricingUpsertAndGet(t *testing.T) {
	handler, _, _ := setupAdmin(t)

	body, _ := json.Marshal(PricingEntryPayload{
		VariableName:   "ambient_temp(K)",
		EndpointFamily: "omega",
		BasePrice:      1.18,
		Currency:       "INR",
		TaxRate:        18.0,
		TaxEnabled:     true,
		TierOverrides:  map[string]float64{"business": 0.9},
		Active:         true,
	})
	req := httptest.NewRequest(http.MethodPut, "/admin/pricing", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	handler.Pricing(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/pricing?variable=ambient_temp(K)", nil)
	rec = httptest.NewRecorder()
	handler.Pricing(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var got PricingEntryPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.BasePrice != 1.18 || got.TierOverrides["business"] != 0.9 {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestAdmin_PricingValidation(t *testing.T) {
	handler, _, _ := setupAdmin(t)

	body, _ := json.Marshal(PricingEntryPayload{EndpointFamily: "omega", BasePrice: 1})
	req := httptest.NewRequest(http.MethodPut, "/admin/pricing", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	handler.Pricing(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing variable_name, got %d", rec.Code)
	}

	body, _ = json.Marshal(PricingEntryPayload{VariableName: "x", BasePrice: -1})
	req = httptest.NewRequest(http.MethodPut, "/admin/pricing", bytes.NewBuffer(body))
	rec = httptest.NewRecorder()
	handler.Pricing(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative price, got %d", rec.Code)
	}
}

func TestAdmin_PricingNotFound(t *testing.T) {
	handler, _, _ := setupAdmin(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/pricing?variable=missing", nil)
	rec := httptest.NewRecorder()
	handler.Pricing(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAdmin_CurrencyUpsertInvalidatesCache(t *testing.T) {
	handler, cache, store := setupAdmin(t)
	ctx := context.Background()

	if err := store.UpsertCurrencyEntry(ctx, &metering.CurrencyEntry{
		Code: "USD", Rate: 0.012, Active: true,
	}); err != nil {
		t.Fatal(err)
	}

	// Warm the cache.
	entry, err := cache.CurrencyEntry(ctx, "USD")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Rate != 0.012 {
		t.Fatalf("unexpected rate %v", entry.Rate)
	}

	body, _ := json.Marshal(CurrencyEntryPayload{Code: "usd", Rate: 0.013, Active: true})
	req := httptest.NewRequest(http.MethodPut, "/admin/currencies", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	handler.Currencies(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// The write must be visible immediately, not after the TTL.
	entry, err = cache.CurrencyEntry(ctx, "USD")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Rate != 0.013 {
		t.Errorf("expected cache to observe new rate 0.013, got %v", entry.Rate)
	}
}

func TestAdmin_CurrencyValidation(t *testing.T) {
	handler, _, _ := setupAdmin(t)

	body, _ := json.Marshal(CurrencyEntryPayload{Code: "USD", Rate: 0})
	req := httptest.NewRequest(http.MethodPut, "/admin/currencies", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	handler.Currencies(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero rate, got %d", rec.Code)
	}
}

func TestAdmin_VariableMappingList(t *testing.T) {
	handler, _, _ := setupAdmin(t)

	body, _ := json.Marshal(VariableMappingPayload{
		VariableName:   "ct",
		EndpointFamily: "arc",
		Active:         true,
	})
	req := httptest.NewRequest(http.MethodPut, "/admin/variables", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	handler.Variables(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/variables", nil)
	rec = httptest.NewRecorder()
	handler.Variables(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var mappings []VariableMappingPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &mappings); err != nil {
		t.Fatal(err)
	}
	if len(mappings) != 1 || mappings[0].EndpointFamily != "arc" {
		t.Errorf("unexpected list: %+v", mappings)
	}
}

func TestNewAdminHandler_RequiresCatalog(t *testing.T) {
	if _, err := NewAdminHandler(AdminConfig{}); err == nil {
		t.Error("expected error for missing catalog")
	}
}
