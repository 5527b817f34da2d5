// Package gin provides Gin middleware for API key authentication and
// plan-based rate limiting.
package gin

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	gongin "github.com/gin-gonic/gin"

	"github.com/skycaster/metering/pkg/metering"
)

// KeyExtractor extracts the raw API key from a Gin context. Return empty
// string when the request carries no credentials.
type KeyExtractor func(c *gongin.Context) string

// IdentityKey is the Gin context key the resolved identity is stored under.
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
	OnUnauthorized func(c *gongin.Context)

	// OnForbidden is called when the identity is inactive. If nil, returns
	// a 403 JSON error.
	OnForbidden func(c *gongin.Context)

	// OnRateLimited is called when a window is exhausted. If nil, returns
	// a 429 JSON error with Retry-After set.
	OnRateLimited func(c *gongin.Context, decision metering.RateDecision)

	// OnError is called when the store fails. If nil, returns a 500 JSON
	// error.
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that authenticates the API key and
// enforces the caller's plan limits.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Fail fast on misconfiguration.
	if cfg.Store == nil {
		panic("metering/gin: Config.Store is required")
	}
	if cfg.GetAPIKey == nil {
		cfg.GetAPIKey = HeaderOrBearer()
	}

	return func(c *gongin.Context) {
		key := cfg.GetAPIKey(c)
		if key == "" {
			unauthorized(cfg, c)
			return
		}

		id, err := cfg.Store.ResolveAPIKey(c.Request.Context(), key)
		if err != nil {
			if errors.Is(err, metering.ErrNotFound) {
				unauthorized(cfg, c)
				return
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{
					"error": "internal server error",
				})
			}
			return
		}
		if !id.Active {
			if cfg.OnForbidden != nil {
				cfg.OnForbidden(c)
			} else {
				c.AbortWithStatusJSON(http.StatusForbidden, gongin.H{
					"error": "api key inactive",
				})
			}
			return
		}

		if cfg.Limiter != nil {
			decision := cfg.Limiter.CheckAndIncrement(c.Request.Context(), *id)
			c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				if cfg.OnRateLimited != nil {
					cfg.OnRateLimited(c, decision)
					return
				}
				seconds := int(decision.RetryAfter.Seconds())
				if seconds < 1 {
					seconds = 1
				}
				c.Header("Retry-After", strconv.Itoa(seconds))
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gongin.H{
					"error":       "rate limit exceeded",
					"window":      string(decision.Window),
					"retry_after": seconds,
				})
				return
			}
		}

		c.Set(IdentityKey, id)
		c.Next()
	}
}

func unauthorized(cfg Config, c *gongin.Context) {
	if cfg.OnUnauthorized != nil {
		cfg.OnUnauthorized(c)
		return
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{
		"error": "invalid or missing api key",
	})
}

// IdentityFromContext returns the identity stored by the middleware, or nil.
func IdentityFromContext(c *gongin.Context) *metering.Identity {
	if v, ok := c.Get(IdentityKey); ok {
		if id, ok := v.(*metering.Identity); ok {
			return id
		}
	}
	return nil
}

// Common extractors for convenience

// FromHeader returns a KeyExtractor that reads the key from a header.
func FromHeader(headerName string) KeyExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromQuery returns a KeyExtractor that reads the key from a query parameter.
func FromQuery(param string) KeyExtractor {
	return func(c *gongin.Context) string {
		return c.Query(param)
	}
}

// HeaderOrBearer returns the default extractor: X-API-Key first, then an
// Authorization bearer token.
func HeaderOrBearer() KeyExtractor {
	return func(c *gongin.Context) string {
		if key := c.GetHeader("X-API-Key"); key != "" {
			return key
		}
		auth := c.GetHeader("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return ""
	}
}
