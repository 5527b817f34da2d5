package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/skycaster/metering/pkg/metering"
)

const testProjectID = "test-project"

// setupTestStore connects to the Firestore emulator, skipping the test when
// one is not reachable. Collection names are unique per test so runs do not
// interfere.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "localhost:8080")
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProjectID)
	if err != nil {
		t.Skipf("Skipping test: failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	suffix := fmt.Sprintf("%s_%d", t.Name(), time.Now().UnixNano())
	store, err := New(client, Config{
		PricingCollection:  "test_pricing_" + suffix,
		CurrencyCollection: "test_currency_" + suffix,
		VariableCollection: "test_variable_" + suffix,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Probe the emulator; a read against a fresh collection should return
	// NotFound quickly when the emulator is up.
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := store.GetPricingEntry(probeCtx, "probe"); err != metering.ErrNotFound {
		t.Skipf("Skipping test: Firestore emulator not available: %v", err)
	}

	return store
}

func TestNew_RequiresClient(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestPricingEntryRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entry := &metering.PricingEntry{
		VariableName:   "temperature_2m",
		EndpointFamily: "omega",
		BasePrice:      1.18,
		Currency:       "INR",
		TaxRate:        18.0,
		TaxEnabled:     true,
		HSNCode:        "998319",
		TierOverrides:  map[metering.PlanTier]float64{metering.TierEnterprise: 0.75},
		Active:         true,
	}
	if err := store.UpsertPricingEntry(ctx, entry); err != nil {
		t.Fatalf("UpsertPricingEntry failed: %v", err)
	}

	got, err := store.GetPricingEntry(ctx, "temperature_2m")
	if err != nil {
		t.Fatalf("GetPricingEntry failed: %v", err)
	}
	if got.BasePrice != 1.18 {
		t.Errorf("BasePrice mismatch: got %v, want 1.18", got.BasePrice)
	}
	if got.TierOverrides[metering.TierEnterprise] != 0.75 {
		t.Errorf("TierOverride mismatch: got %v, want 0.75", got.TierOverrides[metering.TierEnterprise])
	}
	if !got.TaxEnabled {
		t.Error("TaxEnabled not persisted")
	}

	entries, err := store.ListPricingEntries(ctx)
	if err != nil {
		t.Fatalf("ListPricingEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}
}

func TestCurrencyEntryRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.UpsertCurrencyEntry(ctx, &metering.CurrencyEntry{
		Code: "USD", Symbol: "$", Name: "US Dollar", Rate: 0.012, Active: true,
	}); err != nil {
		t.Fatalf("UpsertCurrencyEntry failed: %v", err)
	}

	got, err := store.GetCurrencyEntry(ctx, "USD")
	if err != nil {
		t.Fatalf("GetCurrencyEntry failed: %v", err)
	}
	if got.Rate != 0.012 {
		t.Errorf("Rate mismatch: got %v, want 0.012", got.Rate)
	}

	if _, err := store.GetCurrencyEntry(ctx, "XYZ"); err != metering.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestVariableMappingRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.UpsertVariableMapping(ctx, &metering.VariableMapping{
		VariableName:   "precipitation",
		EndpointFamily: "arc",
		EndpointURL:    "https://api.upstream.example/arc",
		Unit:           "mm",
		DataType:       "float",
		Active:         true,
	}); err != nil {
		t.Fatalf("UpsertVariableMapping failed: %v", err)
	}

	got, err := store.GetVariableMapping(ctx, "precipitation")
	if err != nil {
		t.Fatalf("GetVariableMapping failed: %v", err)
	}
	if got.EndpointFamily != "arc" {
		t.Errorf("EndpointFamily mismatch: got %q, want arc", got.EndpointFamily)
	}

	mappings, err := store.ListVariableMappings(ctx)
	if err != nil {
		t.Fatalf("ListVariableMappings failed: %v", err)
	}
	if len(mappings) != 1 {
		t.Errorf("expected 1 mapping, got %d", len(mappings))
	}
}
