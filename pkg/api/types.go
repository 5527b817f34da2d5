package api

import "github.com/skycaster/metering/pkg/metering"

// ForecastRequest is the inbound body for the forecast endpoint.
type ForecastRequest struct {
	// Locations are [lat, lon] pairs.
	Locations [][2]float64 `json:"locations"`
	Variables []string     `json:"variables"`
	Timestamp string       `json:"timestamp"`
	Timezone  string       `json:"timezone"`
	Currency  string       `json:"currency,omitempty"`
}

// ForecastResponse is the unified weather response with pricing metadata.
type ForecastResponse struct {
	LocationData metering.Payload `json:"location_data"`
	Metadata     ForecastMetadata `json:"metadata"`
}

// ForecastMetadata carries request echo and the resolved charge.
type ForecastMetadata struct {
	Timestamp          string   `json:"timestamp"`
	Timezone           string   `json:"timezone"`
	VariablesRequested []string `json:"variables_requested"`
	LocationsCount     int      `json:"locations_count"`
	TotalCost          float64  `json:"total_cost"`
	TaxAmount          float64  `json:"tax_amount"`
	Currency           string   `json:"currency"`
	RecordID           string   `json:"record_id,omitempty"`
}

// UsageResponse summarizes a caller's recorded usage and plan standing.
type UsageResponse struct {
	UserID             string           `json:"user_id"`
	Tier               string           `json:"tier"`
	CurrentMonthUsage  int64            `json:"current_month_usage"`
	MonthlyLimit       int              `json:"monthly_limit"`
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	FailedRequests     int64            `json:"failed_requests"`
	TotalCost          float64          `json:"total_cost"`
	AvgDurationMs      float64          `json:"avg_duration_ms"`
	ByEndpoint         map[string]int64 `json:"by_endpoint"`
}

// PricingEntryPayload is the admin wire format for a pricing entry.
type PricingEntryPayload struct {
	VariableName   string             `json:"variable_name"`
	EndpointFamily string             `json:"endpoint_family"`
	BasePrice      float64            `json:"base_price"`
	Currency       string             `json:"currency"`
	TaxRate        float64            `json:"tax_rate"`
	TaxEnabled     bool               `json:"tax_enabled"`
	HSNCode        string             `json:"hsn_code,omitempty"`
	TierOverrides  map[string]float64 `json:"tier_overrides,omitempty"`
	Active         bool               `json:"is_active"`
}

// CurrencyEntryPayload is the admin wire format for a currency entry.
type CurrencyEntryPayload struct {
	Code   string  `json:"code"`
	Symbol string  `json:"symbol,omitempty"`
	Name   string  `json:"name,omitempty"`
	Rate   float64 `json:"rate"`
	Active bool    `json:"is_active"`
}

// VariableMappingPayload is the admin wire format for a variable mapping.
type VariableMappingPayload struct {
	VariableName   string `json:"variable_name"`
	EndpointFamily string `json:"endpoint_family"`
	EndpointURL    string `json:"endpoint_url,omitempty"`
	Unit           string `json:"unit,omitempty"`
	DataType       string `json:"data_type,omitempty"`
	Active         bool   `json:"is_active"`
}

func pricingToPayload(e *metering.PricingEntry) PricingEntryPayload {
	p := PricingEntryPayload{
		VariableName:   e.VariableName,
		EndpointFamily: e.EndpointFamily,
		BasePrice:      e.BasePrice,
		Currency:       e.Currency,
		TaxRate:        e.TaxRate,
		TaxEnabled:     e.TaxEnabled,
		HSNCode:        e.HSNCode,
		Active:         e.Active,
	}
	if len(e.TierOverrides) > 0 {
		p.TierOverrides = make(map[string]float64, len(e.TierOverrides))
		for tier, price := range e.TierOverrides {
			p.TierOverrides[string(tier)] = price
		}
	}
	return p
}

func pricingFromPayload(p PricingEntryPayload) *metering.PricingEntry {
	e := &metering.PricingEntry{
		VariableName:   p.VariableName,
		EndpointFamily: p.EndpointFamily,
		BasePrice:      p.BasePrice,
		Currency:       p.Currency,
		TaxRate:        p.TaxRate,
		TaxEnabled:     p.TaxEnabled,
		HSNCode:        p.HSNCode,
		Active:         p.Active,
	}
	if len(p.TierOverrides) > 0 {
		e.TierOverrides = make(map[metering.PlanTier]float64, len(p.TierOverrides))
		for tier, price := range p.TierOverrides {
			e.TierOverrides[metering.PlanTier(tier)] = price
		}
	}
	return e
}
