// Package api provides plain net/http handlers for the metering service: the
// billable forecast endpoint, a usage summary endpoint, and admin CRUD for
// the pricing catalog. Handlers are framework-agnostic; mount them on any
// router.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/skycaster/metering/pkg/metering"
)

const maxForecastBody = 1 << 20

// Handler provides HTTP endpoints for metered weather-data access.
type Handler struct {
	config Config
}

// Forecast handles POST forecast requests: the whole metering pipeline runs
// for each call and the response carries the merged weather payload plus the
// resolved charge.
func (h *Handler) Forecast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	var body ForecastRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxForecastBody)).Decode(&body); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if len(body.Variables) == 0 {
		h.handleError(w, r, fmt.Errorf("at least one variable is required"), http.StatusBadRequest)
		return
	}
	if len(body.Locations) == 0 {
		h.handleError(w, r, fmt.Errorf("at least one location is required"), http.StatusBadRequest)
		return
	}

	res, err := h.config.Pipeline.Process(r.Context(), metering.Request{
		APIKey:    h.config.GetAPIKey(r),
		Variables: body.Variables,
		Locations: body.Locations,
		Timestamp: body.Timestamp,
		Timezone:  body.Timezone,
		Currency:  body.Currency,
		Endpoint:  r.URL.Path,
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.handlePipelineError(w, r, res, err)
		return
	}

	writeJSON(w, http.StatusOK, ForecastResponse{
		LocationData: res.Payload,
		Metadata: ForecastMetadata{
			Timestamp:          body.Timestamp,
			Timezone:           body.Timezone,
			VariablesRequested: body.Variables,
			LocationsCount:     len(body.Locations),
			TotalCost:          res.Cost.Amount,
			TaxAmount:          res.Cost.Tax,
			Currency:           res.Cost.Currency,
			RecordID:           res.RecordID,
		},
	})
}

// Usage returns the caller's plan standing and aggregated usage for the
// trailing 30 days.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key := h.config.GetAPIKey(r)
	if key == "" {
		h.handleError(w, r, fmt.Errorf("missing api key"), http.StatusUnauthorized)
		return
	}
	id, err := h.config.Store.ResolveAPIKey(ctx, key)
	if err != nil {
		if errors.Is(err, metering.ErrNotFound) {
			h.handleError(w, r, fmt.Errorf("invalid api key"), http.StatusUnauthorized)
			return
		}
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}
	if !id.Active {
		h.handleError(w, r, fmt.Errorf("api key inactive"), http.StatusForbidden)
		return
	}

	resp := UsageResponse{
		UserID: id.UserID,
		Tier:   string(id.Tier),
	}
	if limits, ok := h.config.Limits[id.Tier]; ok {
		resp.MonthlyLimit = limits.PerMonth
	}

	sub, err := h.config.Store.GetSubscription(ctx, id.UserID)
	if err == nil {
		resp.CurrentMonthUsage = sub.CurrentMonthUsage
	} else if !errors.Is(err, metering.ErrNotFound) {
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}

	stats, err := h.config.Store.UsageStats(ctx, id.UserID, time.Now().UTC().AddDate(0, 0, -30))
	if err != nil {
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}
	resp.TotalRequests = stats.TotalRequests
	resp.SuccessfulRequests = stats.SuccessfulRequests
	resp.FailedRequests = stats.FailedRequests
	resp.TotalCost = metering.Round2(stats.TotalCost)
	resp.AvgDurationMs = float64(stats.AvgDuration) / float64(time.Millisecond)
	resp.ByEndpoint = stats.ByEndpoint

	writeJSON(w, http.StatusOK, resp)
}

// handlePipelineError maps the pipeline error taxonomy onto HTTP statuses.
// Rate denials carry Retry-After from the binding window.
func (h *Handler) handlePipelineError(w http.ResponseWriter, r *http.Request, res *metering.Result, err error) {
	switch {
	case errors.Is(err, metering.ErrUnauthenticated):
		h.handleError(w, r, err, http.StatusUnauthorized)
	case errors.Is(err, metering.ErrForbidden):
		h.handleError(w, r, err, http.StatusForbidden)
	case errors.Is(err, metering.ErrRateLimited):
		if res != nil && res.Rate.RetryAfter > 0 {
			seconds := int(res.Rate.RetryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
		h.handleError(w, r, err, http.StatusTooManyRequests)
	case errors.Is(err, metering.ErrUnknownVariable), errors.Is(err, metering.ErrUnknownCurrency):
		h.handleError(w, r, err, http.StatusBadRequest)
	case errors.Is(err, metering.ErrProviderFailure):
		h.handleError(w, r, err, http.StatusBadGateway)
	default:
		h.handleError(w, r, err, http.StatusInternalServerError)
	}
}

// handleError handles errors with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
