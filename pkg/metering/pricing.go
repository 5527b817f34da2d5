package metering

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PricingResolver resolves the authoritative price for one variable given a
// plan tier and a requested currency. It is a pure read of reference data
// plus arithmetic; it has no side effects.
type PricingResolver struct {
	catalog   Catalog
	converter *Converter
	metrics   Metrics
}

// NewPricingResolver creates a pricing resolver. A nil metrics defaults to
// NoopMetrics.
func NewPricingResolver(catalog Catalog, converter *Converter, metrics Metrics) *PricingResolver {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &PricingResolver{catalog: catalog, converter: converter, metrics: metrics}
}

// ResolvePrice returns the unit price for variable under tier, expressed in
// the requested currency. Price selection: the tier-specific override when
// present, else the base price; the override always wins regardless of which
// is lower. Tax is amount * rate/100 when the entry has tax enabled, else
// zero. An empty currency means the entry's native currency.
//
// Returns ErrUnknownVariable when no active pricing entry exists, and
// ErrUnknownCurrency when the requested currency is not on the rate table.
func (r *PricingResolver) ResolvePrice(ctx context.Context, variable string, tier PlanTier, currency string) (Price, error) {
	start := time.Now()
	defer func() {
		r.metrics.RecordPriceResolution(variable, time.Since(start))
	}()

	entry, err := r.catalog.PricingEntry(ctx, variable)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Price{}, fmt.Errorf("%w: %s", ErrUnknownVariable, variable)
		}
		return Price{}, err
	}
	if !entry.Active {
		return Price{}, fmt.Errorf("%w: %s", ErrUnknownVariable, variable)
	}

	amount := entry.PriceFor(tier)

	var tax float64
	if entry.TaxEnabled {
		tax = amount * entry.TaxRate / 100
	}

	if currency == "" || currency == entry.Currency {
		return Price{Amount: amount, Tax: tax, Currency: entry.Currency}, nil
	}

	converted, err := r.converter.Convert(ctx, amount, entry.Currency, currency)
	if err != nil {
		return Price{}, err
	}
	convertedTax, err := r.converter.Convert(ctx, tax, entry.Currency, currency)
	if err != nil {
		return Price{}, err
	}

	return Price{Amount: converted, Tax: convertedTax, Currency: currency}, nil
}
