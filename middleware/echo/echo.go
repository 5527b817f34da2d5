// Package echo provides Echo middleware for API key authentication and
// plan-based rate limiting.
package echo

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/skycaster/metering/pkg/metering"
)

// KeyExtractor extracts the raw API key from an Echo context. Return empty
// string when the request carries no credentials.
type KeyExtractor func(c echo.Context) string

// IdentityKey is the Echo context key the resolved identity is stored under.
const IdentityKey = "metering:identity"

// Config holds middleware configuration.
type Config struct {
	// Store resolves API keys to identities (required).
	Store metering.Store

	// Limiter enforces per-plan windows. Optional; when nil the middleware
	// only authenticates.
	Limiter *metering.RateLimiter

	// GetAPIKey extracts the key from the request.
	// Default: X-API-Key header, falling back to a bearer token.
	GetAPIKey KeyExtractor

	// OnUnauthorized is called when no identity resolves. If nil, returns
	// a 401 JSON error.
	OnUnauthorized func(c echo.Context) error

	// OnForbidden is called when the identity is inactive. If nil, returns
	// a 403 JSON error.
	OnForbidden func(c echo.Context) error

	// OnRateLimited is called when a window is exhausted. If nil, returns
	// a 429 JSON error with Retry-After set.
	OnRateLimited func(c echo.Context, decision metering.RateDecision) error

	// OnError is called when the store fails. If nil, returns a 500 JSON
	// error.
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that authenticates the API key and
// enforces the caller's plan limits.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Fail fast on misconfiguration.
	if cfg.Store == nil {
		panic("metering/echo: Config.Store is required")
	}
	if cfg.GetAPIKey == nil {
		cfg.GetAPIKey = HeaderOrBearer()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := cfg.GetAPIKey(c)
			if key == "" {
				return unauthorized(cfg, c)
			}

			id, err := cfg.Store.ResolveAPIKey(c.Request().Context(), key)
			if err != nil {
				if errors.Is(err, metering.ErrNotFound) {
					return unauthorized(cfg, c)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{
					"error": "internal server error",
				})
			}
			if !id.Active {
				if cfg.OnForbidden != nil {
					return cfg.OnForbidden(c)
				}
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "api key inactive",
				})
			}

			if cfg.Limiter != nil {
				decision := cfg.Limiter.CheckAndIncrement(c.Request().Context(), *id)
				c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
				c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
				if !decision.Allowed {
					if cfg.OnRateLimited != nil {
						return cfg.OnRateLimited(c, decision)
					}
					seconds := int(decision.RetryAfter.Seconds())
					if seconds < 1 {
						seconds = 1
					}
					c.Response().Header().Set("Retry-After", strconv.Itoa(seconds))
					return c.JSON(http.StatusTooManyRequests, map[string]any{
						"error":       "rate limit exceeded",
						"window":      string(decision.Window),
						"retry_after": seconds,
					})
				}
			}

			c.Set(IdentityKey, id)
			return next(c)
		}
	}
}

func unauthorized(cfg Config, c echo.Context) error {
	if cfg.OnUnauthorized != nil {
		return cfg.OnUnauthorized(c)
	}
	return c.JSON(http.StatusUnauthorized, map[string]string{
		"error": "invalid or missing api key",
	})
}

// IdentityFromContext returns the identity stored by the middleware, or nil.
func IdentityFromContext(c echo.Context) *metering.Identity {
	if id, ok := c.Get(IdentityKey).(*metering.Identity); ok {
		return id
	}
	return nil
}

// Common extractors for convenience

// FromHeader returns a KeyExtractor that reads the key from a header.
func FromHeader(headerName string) KeyExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromQuery returns a KeyExtractor that reads the key from a query parameter.
func FromQuery(param string) KeyExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(param)
	}
}

// HeaderOrBearer returns the default extractor: X-API-Key first, then an
// Authorization bearer token.
func HeaderOrBearer() KeyExtractor {
	return func(c echo.Context) string {
		if key := c.Request().Header.Get("X-API-Key"); key != "" {
			return key
		}
		auth := c.Request().Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return ""
	}
}
