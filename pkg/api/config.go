package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/skycaster/metering/pkg/metering"
)

// Config holds configuration for the metering API handler.
type Config struct {
	// Pipeline processes billable forecast requests (required).
	Pipeline *metering.Pipeline

	// Store serves usage stats and subscription lookups (required).
	Store metering.Store

	// Limits resolves the monthly limit shown in usage responses.
	// Defaults to metering.DefaultPlanLimits().
	Limits map[metering.PlanTier]metering.PlanLimits

	// GetAPIKey extracts the raw API key from a request.
	// Default: X-API-Key header, falling back to a bearer token.
	GetAPIKey func(*http.Request) string

	// OnError handles internal errors. If nil, a JSON error body is
	// written with the mapped status code.
	OnError func(http.ResponseWriter, *http.Request, error)

	Logger metering.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Pipeline == nil {
		return fmt.Errorf("pipeline is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	return nil
}

// NewHandler creates a new metering API handler.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetAPIKey == nil {
		config.GetAPIKey = KeyFromHeaderOrBearer()
	}
	if config.Limits == nil {
		config.Limits = metering.DefaultPlanLimits()
	}
	if config.Logger == nil {
		config.Logger = &metering.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// KeyFromHeader returns a key extractor reading a fixed header.
func KeyFromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// KeyFromHeaderOrBearer returns the default extractor: X-API-Key first, then
// an Authorization bearer token.
func KeyFromHeaderOrBearer() func(*http.Request) string {
	return func(r *http.Request) string {
		if key := r.Header.Get("X-API-Key"); key != "" {
			return key
		}
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return ""
	}
}
