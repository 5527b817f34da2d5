package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/skycaster/metering/pkg/metering"
)

// AdminConfig holds configuration for the catalog admin handler. Callers are
// expected to mount it behind their own operator authentication.
type AdminConfig struct {
	// Catalog is the reference-data store the handlers mutate (required).
	Catalog metering.CatalogStore

	// Cache, when set, is invalidated after every successful write so the
	// pipeline observes changes within one request rather than one TTL.
	Cache *metering.CachedCatalog

	Logger metering.Logger
}

// AdminHandler provides CRUD endpoints for the pricing catalog: pricing
// entries, currency rates, and variable mappings.
type AdminHandler struct {
	config AdminConfig
}

// NewAdminHandler creates a catalog admin handler.
func NewAdminHandler(config AdminConfig) (*AdminHandler, error) {
	if config.Catalog == nil {
		return nil, fmt.Errorf("catalog store is required")
	}
	if config.Logger == nil {
		config.Logger = &metering.NoopLogger{}
	}
	return &AdminHandler{config: config}, nil
}

// Pricing handles GET (list or ?variable= lookup) and PUT (upsert) for
// pricing entries.
func (h *AdminHandler) Pricing(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if variable := r.URL.Query().Get("variable"); variable != "" {
			entry, err := h.config.Catalog.GetPricingEntry(r.Context(), variable)
			if err != nil {
				h.writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, pricingToPayload(entry))
			return
		}
		entries, err := h.config.Catalog.ListPricingEntries(r.Context())
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		payloads := make([]PricingEntryPayload, 0, len(entries))
		for _, entry := range entries {
			payloads = append(payloads, pricingToPayload(entry))
		}
		writeJSON(w, http.StatusOK, payloads)

	case http.MethodPut, http.MethodPost:
		var payload PricingEntryPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
		if payload.VariableName == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "variable_name is required"})
			return
		}
		if payload.BasePrice < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "base_price must not be negative"})
			return
		}
		if err := h.config.Catalog.UpsertPricingEntry(r.Context(), pricingFromPayload(payload)); err != nil {
			h.writeStoreError(w, err)
			return
		}
		h.invalidate("pricing", payload.VariableName)
		writeJSON(w, http.StatusOK, payload)

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// Currencies handles GET (list or ?code= lookup) and PUT (upsert) for
// currency entries.
func (h *AdminHandler) Currencies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if code := r.URL.Query().Get("code"); code != "" {
			entry, err := h.config.Catalog.GetCurrencyEntry(r.Context(), strings.ToUpper(code))
			if err != nil {
				h.writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, currencyToPayload(entry))
			return
		}
		entries, err := h.config.Catalog.ListCurrencyEntries(r.Context())
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		payloads := make([]CurrencyEntryPayload, 0, len(entries))
		for _, entry := range entries {
			payloads = append(payloads, currencyToPayload(entry))
		}
		writeJSON(w, http.StatusOK, payloads)

	case http.MethodPut, http.MethodPost:
		var payload CurrencyEntryPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
		if payload.Code == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "code is required"})
			return
		}
		if payload.Rate <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "rate must be positive"})
			return
		}
		payload.Code = strings.ToUpper(payload.Code)
		if err := h.config.Catalog.UpsertCurrencyEntry(r.Context(), &metering.CurrencyEntry{
			Code:   payload.Code,
			Symbol: payload.Symbol,
			Name:   payload.Name,
			Rate:   payload.Rate,
			Active: payload.Active,
		}); err != nil {
			h.writeStoreError(w, err)
			return
		}
		h.invalidate("currency", payload.Code)
		writeJSON(w, http.StatusOK, payload)

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// Variables handles GET (list or ?variable= lookup) and PUT (upsert) for
// variable mappings.
func (h *AdminHandler) Variables(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if variable := r.URL.Query().Get("variable"); variable != "" {
			mapping, err := h.config.Catalog.GetVariableMapping(r.Context(), variable)
			if err != nil {
				h.writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, mappingToPayload(mapping))
			return
		}
		mappings, err := h.config.Catalog.ListVariableMappings(r.Context())
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		payloads := make([]VariableMappingPayload, 0, len(mappings))
		for _, mapping := range mappings {
			payloads = append(payloads, mappingToPayload(mapping))
		}
		writeJSON(w, http.StatusOK, payloads)

	case http.MethodPut, http.MethodPost:
		var payload VariableMappingPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
		if payload.VariableName == "" || payload.EndpointFamily == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "variable_name and endpoint_family are required"})
			return
		}
		if err := h.config.Catalog.UpsertVariableMapping(r.Context(), &metering.VariableMapping{
			VariableName:   payload.VariableName,
			EndpointFamily: payload.EndpointFamily,
			EndpointURL:    payload.EndpointURL,
			Unit:           payload.Unit,
			DataType:       payload.DataType,
			Active:         payload.Active,
		}); err != nil {
			h.writeStoreError(w, err)
			return
		}
		h.invalidate("variable", payload.VariableName)
		writeJSON(w, http.StatusOK, payload)

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (h *AdminHandler) invalidate(kind, name string) {
	if h.config.Cache != nil {
		h.config.Cache.Invalidate()
	}
	h.config.Logger.Info("catalog updated",
		metering.Field{Key: "kind", Value: kind},
		metering.Field{Key: "name", Value: name},
	)
}

func (h *AdminHandler) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, metering.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func currencyToPayload(e *metering.CurrencyEntry) CurrencyEntryPayload {
	return CurrencyEntryPayload{
		Code:   e.Code,
		Symbol: e.Symbol,
		Name:   e.Name,
		Rate:   e.Rate,
		Active: e.Active,
	}
}

func mappingToPayload(m *metering.VariableMapping) VariableMappingPayload {
	return VariableMappingPayload{
		VariableName:   m.VariableName,
		EndpointFamily: m.EndpointFamily,
		EndpointURL:    m.EndpointURL,
		Unit:           m.Unit,
		DataType:       m.DataType,
		Active:         m.Active,
	}
}
