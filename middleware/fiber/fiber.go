// Package fiber provides Fiber middleware for API key authentication and
// plan-based rate limiting.
package fiber

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/skycaster/metering/pkg/metering"
)

// KeyExtractor extracts the raw API key from a Fiber context. Return empty
// string when the request carries no credentials.
type KeyExtractor func(c *fiber.Ctx) string

// IdentityKey is the Fiber locals key the resolved identity is stored under.
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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnForbidden is called when the identity is inactive. If nil, returns
	// a 403 JSON error.
	OnForbidden func(c *fiber.Ctx) error

	// OnRateLimited is called when a window is exhausted. If nil, returns
	// a 429 JSON error with Retry-After set.
	OnRateLimited func(c *fiber.Ctx, decision metering.RateDecision) error

	// OnError is called when the store fails. If nil, returns a 500 JSON
	// error.
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that authenticates the API key and
// enforces the caller's plan limits.
func Middleware(cfg Config) fiber.Handler {
	// Fail fast on misconfiguration.
	if cfg.Store == nil {
		panic("metering/fiber: Config.Store is required")
	}
	if cfg.GetAPIKey == nil {
		cfg.GetAPIKey = HeaderOrBearer()
	}

	return func(c *fiber.Ctx) error {
		key := cfg.GetAPIKey(c)
		if key == "" {
			return unauthorized(cfg, c)
		}

		id, err := cfg.Store.ResolveAPIKey(c.UserContext(), key)
		if err != nil {
			if errors.Is(err, metering.ErrNotFound) {
				return unauthorized(cfg, c)
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "internal server error",
			})
		}
		if !id.Active {
			if cfg.OnForbidden != nil {
				return cfg.OnForbidden(c)
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "api key inactive",
			})
		}

		if cfg.Limiter != nil {
			decision := cfg.Limiter.CheckAndIncrement(c.UserContext(), *id)
			c.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			c.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				if cfg.OnRateLimited != nil {
					return cfg.OnRateLimited(c, decision)
				}
				seconds := int(decision.RetryAfter.Seconds())
				if seconds < 1 {
					seconds = 1
				}
				c.Set("Retry-After", strconv.Itoa(seconds))
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error":       "rate limit exceeded",
					"window":      string(decision.Window),
					"retry_after": seconds,
				})
			}
		}

		c.Locals(IdentityKey, id)
		return c.Next()
	}
}

func unauthorized(cfg Config, c *fiber.Ctx) error {
	if cfg.OnUnauthorized != nil {
		return cfg.OnUnauthorized(c)
	}
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": "invalid or missing api key",
	})
}

// IdentityFromContext returns the identity stored by the middleware, or nil.
func IdentityFromContext(c *fiber.Ctx) *metering.Identity {
	if id, ok := c.Locals(IdentityKey).(*metering.Identity); ok {
		return id
	}
	return nil
}

// Common extractors for convenience

// FromHeader returns a KeyExtractor that reads the key from a header.
func FromHeader(headerName string) KeyExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromQuery returns a KeyExtractor that reads the key from a query parameter.
func FromQuery(param string) KeyExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(param)
	}
}

// HeaderOrBearer returns the default extractor: X-API-Key first, then an
// Authorization bearer token.
func HeaderOrBearer() KeyExtractor {
	return func(c *fiber.Ctx) string {
		if key := c.Get("X-API-Key"); key != "" {
			return key
		}
		auth := c.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return ""
	}
}
