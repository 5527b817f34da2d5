package metering

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Converter converts amounts between currencies using the stored
// exchange-rate table. Rates are expressed relative to BaseCurrency, so a
// conversion is amount / fromRate * toRate. No rounding happens here; Round2
// is applied once at the final display step.
type Converter struct {
	catalog Catalog
}

// NewConverter creates a currency converter backed by the given catalog.
func NewConverter(catalog Catalog) *Converter {
	return &Converter{catalog: catalog}
}

// Convert converts amount from one currency to another. Identity conversions
// return the input unchanged, which guards against rate-table drift for the
// base entry. Returns ErrUnknownCurrency when either code has no active entry.
func (c *Converter) Convert(ctx context.Context, amount float64, from, to string) (float64, error) {
	if from == to {
		return amount, nil
	}

	fromEntry, err := c.lookup(ctx, from)
	if err != nil {
		return 0, err
	}
	toEntry, err := c.lookup(ctx, to)
	if err != nil {
		return 0, err
	}

	return amount / fromEntry.Rate * toEntry.Rate, nil
}

func (c *Converter) lookup(ctx context.Context, code string) (*CurrencyEntry, error) {
	entry, err := c.catalog.CurrencyEntry(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, code)
		}
		return nil, err
	}
	if !entry.Active {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, code)
	}
	return entry, nil
}

// Round2 rounds a monetary amount to 2 decimal places using round-half-even
// (banker's rounding). Applied only at the display boundary.
func Round2(amount float64) float64 {
	return math.RoundToEven(amount*100) / 100
}
