// Package firestore provides a Firestore implementation of the
// metering.CatalogStore interface. Deployments that keep their pricing and
// currency reference data in Firestore (typically edited from an admin
// console) can serve the metering pipeline from it through a CachedCatalog.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/skycaster/metering/pkg/metering"
)

// Store implements metering.CatalogStore using Google Cloud Firestore.
type Store struct {
	client             *firestore.Client
	pricingCollection  string
	currencyCollection string
	variableCollection string
}

// Config holds Firestore catalog configuration.
type Config struct {
	// PricingCollection is the collection for per-variable pricing entries.
	// Default: "pricing_config"
	PricingCollection string

	// CurrencyCollection is the collection for currency exchange rates.
	// Default: "currency_config"
	CurrencyCollection string

	// VariableCollection is the collection for variable-to-endpoint mappings.
	// Default: "variable_mapping"
	VariableCollection string
}

// New creates a new Firestore catalog store.
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.PricingCollection == "" {
		config.PricingCollection = "pricing_config"
	}
	if config.CurrencyCollection == "" {
		config.CurrencyCollection = "currency_config"
	}
	if config.VariableCollection == "" {
		config.VariableCollection = "variable_mapping"
	}

	return &Store{
		client:             client,
		pricingCollection:  config.PricingCollection,
		currencyCollection: config.CurrencyCollection,
		variableCollection: config.VariableCollection,
	}, nil
}

// GetPricingEntry implements metering.CatalogStore.
func (s *Store) GetPricingEntry(ctx context.Context, variable string) (*metering.PricingEntry, error) {
	snap, err := s.client.Collection(s.pricingCollection).Doc(variable).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, metering.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pricing entry: %w", err)
	}
	return pricingFromDoc(variable, snap.Data()), nil
}

// ListPricingEntries implements metering.CatalogStore.
func (s *Store) ListPricingEntries(ctx context.Context) ([]*metering.PricingEntry, error) {
	iter := s.client.Collection(s.pricingCollection).Documents(ctx)
	defer iter.Stop()

	var entries []*metering.PricingEntry
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list pricing entries: %w", err)
		}
		entries = append(entries, pricingFromDoc(snap.Ref.ID, snap.Data()))
	}
	return entries, nil
}

// UpsertPricingEntry implements metering.CatalogStore. The variable name is
// the document ID so entries stay unique per variable.
func (s *Store) UpsertPricingEntry(ctx context.Context, entry *metering.PricingEntry) error {
	if entry == nil || entry.VariableName == "" {
		return fmt.Errorf("invalid pricing entry")
	}

	overrides := make(map[string]float64, len(entry.TierOverrides))
	for tier, price := range entry.TierOverrides {
		overrides[string(tier)] = price
	}

	data := map[string]interface{}{
		"endpointFamily": entry.EndpointFamily,
		"basePrice":      entry.BasePrice,
		"currency":       entry.Currency,
		"taxRate":        entry.TaxRate,
		"taxEnabled":     entry.TaxEnabled,
		"hsnCode":        entry.HSNCode,
		"tierOverrides":  overrides,
		"isActive":       entry.Active,
		"updatedAt":      time.Now().UTC(),
	}

	_, err := s.client.Collection(s.pricingCollection).Doc(entry.VariableName).Set(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to upsert pricing entry: %w", err)
	}
	return nil
}

// GetCurrencyEntry implements metering.CatalogStore.
func (s *Store) GetCurrencyEntry(ctx context.Context, code string) (*metering.CurrencyEntry, error) {
	snap, err := s.client.Collection(s.currencyCollection).Doc(code).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, metering.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get currency entry: %w", err)
	}
	return currencyFromDoc(code, snap.Data()), nil
}

// ListCurrencyEntries implements metering.CatalogStore.
func (s *Store) ListCurrencyEntries(ctx context.Context) ([]*metering.CurrencyEntry, error) {
	iter := s.client.Collection(s.currencyCollection).Documents(ctx)
	defer iter.Stop()

	var entries []*metering.CurrencyEntry
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list currency entries: %w", err)
		}
		entries = append(entries, currencyFromDoc(snap.Ref.ID, snap.Data()))
	}
	return entries, nil
}

// UpsertCurrencyEntry implements metering.CatalogStore.
func (s *Store) UpsertCurrencyEntry(ctx context.Context, entry *metering.CurrencyEntry) error {
	if entry == nil || entry.Code == "" {
		return fmt.Errorf("invalid currency entry")
	}

	data := map[string]interface{}{
		"symbol":    entry.Symbol,
		"name":      entry.Name,
		"rate":      entry.Rate,
		"isActive":  entry.Active,
		"updatedAt": time.Now().UTC(),
	}

	_, err := s.client.Collection(s.currencyCollection).Doc(entry.Code).Set(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to upsert currency entry: %w", err)
	}
	return nil
}

// GetVariableMapping implements metering.CatalogStore.
func (s *Store) GetVariableMapping(ctx context.Context, variable string) (*metering.VariableMapping, error) {
	snap, err := s.client.Collection(s.variableCollection).Doc(variable).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, metering.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get variable mapping: %w", err)
	}
	return mappingFromDoc(variable, snap.Data()), nil
}

// ListVariableMappings implements metering.CatalogStore.
func (s *Store) ListVariableMappings(ctx context.Context) ([]*metering.VariableMapping, error) {
	iter := s.client.Collection(s.variableCollection).Documents(ctx)
	defer iter.Stop()

	var mappings []*metering.VariableMapping
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list variable mappings: %w", err)
		}
		mappings = append(mappings, mappingFromDoc(snap.Ref.ID, snap.Data()))
	}
	return mappings, nil
}

// UpsertVariableMapping implements metering.CatalogStore.
func (s *Store) UpsertVariableMapping(ctx context.Context, mapping *metering.VariableMapping) error {
	if mapping == nil || mapping.VariableName == "" {
		return fmt.Errorf("invalid variable mapping")
	}

	data := map[string]interface{}{
		"endpointFamily": mapping.EndpointFamily,
		"endpointUrl":    mapping.EndpointURL,
		"unit":           mapping.Unit,
		"dataType":       mapping.DataType,
		"isActive":       mapping.Active,
		"updatedAt":      time.Now().UTC(),
	}

	_, err := s.client.Collection(s.variableCollection).Doc(mapping.VariableName).Set(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to upsert variable mapping: %w", err)
	}
	return nil
}

func pricingFromDoc(variable string, data map[string]interface{}) *metering.PricingEntry {
	entry := &metering.PricingEntry{
		VariableName:   variable,
		EndpointFamily: getString(data, "endpointFamily"),
		BasePrice:      getFloat(data, "basePrice"),
		Currency:       getString(data, "currency"),
		TaxRate:        getFloat(data, "taxRate"),
		TaxEnabled:     getBool(data, "taxEnabled"),
		HSNCode:        getString(data, "hsnCode"),
		Active:         getBool(data, "isActive"),
		UpdatedAt:      getTime(data, "updatedAt"),
	}

	if raw, ok := data["tierOverrides"].(map[string]interface{}); ok && len(raw) > 0 {
		entry.TierOverrides = make(map[metering.PlanTier]float64, len(raw))
		for tier, v := range raw {
			if price, ok := v.(float64); ok {
				entry.TierOverrides[metering.PlanTier(tier)] = price
			}
		}
	}
	return entry
}

func currencyFromDoc(code string, data map[string]interface{}) *metering.CurrencyEntry {
	return &metering.CurrencyEntry{
		Code:      code,
		Symbol:    getString(data, "symbol"),
		Name:      getString(data, "name"),
		Rate:      getFloat(data, "rate"),
		Active:    getBool(data, "isActive"),
		UpdatedAt: getTime(data, "updatedAt"),
	}
}

func mappingFromDoc(variable string, data map[string]interface{}) *metering.VariableMapping {
	return &metering.VariableMapping{
		VariableName:   variable,
		EndpointFamily: getString(data, "endpointFamily"),
		EndpointURL:    getString(data, "endpointUrl"),
		Unit:           getString(data, "unit"),
		DataType:       getString(data, "dataType"),
		Active:         getBool(data, "isActive"),
		UpdatedAt:      getTime(data, "updatedAt"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
