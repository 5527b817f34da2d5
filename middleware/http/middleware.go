// Package http provides net/http middleware for API key authentication and
// plan-based rate limiting. The resolved identity travels on the request
// context so downstream handlers can meter without re-resolving the key.
package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/skycaster/metering/pkg/metering"
)

// KeyExtractor extracts the raw API key from an HTTP request. Return empty
// string when the request carries no credentials.
type KeyExtractor func(r *http.Request) string

// Config holds middleware configuration.
type Config struct {
	// Store resolves API keys to identities (required).
	Store metering.Store

	// Limiter enforces the per-plan windows. Optional; when nil the
	// middleware only authenticates.
	Limiter *metering.RateLimiter

	// GetAPIKey extracts the key from the request.
	// Default: X-API-Key header, falling back to a bearer token.
	GetAPIKey KeyExtractor

	// OnUnauthorized is called when no identity resolves for the request.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnForbidden is called when the identity or its owning user is
	// inactive. If nil, returns 403 Forbidden.
	OnForbidden func(w http.ResponseWriter, r *http.Request)

	// OnRateLimited is called when a window is exhausted. If nil, returns
	// 429 Too Many Requests with Retry-After set.
	OnRateLimited func(w http.ResponseWriter, r *http.Request, decision metering.RateDecision)

	// OnError is called when the store fails. If nil, returns 500.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that authenticates the API key and
// enforces the caller's plan limits.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.GetAPIKey == nil {
		config.GetAPIKey = HeaderOrBearer()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := config.GetAPIKey(r)
			if key == "" {
				unauthorized(config, w, r)
				return
			}

			id, err := config.Store.ResolveAPIKey(r.Context(), key)
			if err != nil {
				if errors.Is(err, metering.ErrNotFound) {
					unauthorized(config, w, r)
					return
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}
			if !id.Active {
				if config.OnForbidden != nil {
					config.OnForbidden(w, r)
				} else {
					http.Error(w, "Forbidden", http.StatusForbidden)
				}
				return
			}

			if config.Limiter != nil {
				decision := config.Limiter.CheckAndIncrement(r.Context(), *id)
				setRateHeaders(w, decision)
				if !decision.Allowed {
					if config.OnRateLimited != nil {
						config.OnRateLimited(w, r, decision)
					} else {
						http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
					}
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// HandlerFunc creates the middleware in http.HandlerFunc form.
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func unauthorized(config Config, w http.ResponseWriter, r *http.Request) {
	if config.OnUnauthorized != nil {
		config.OnUnauthorized(w, r)
		return
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

func setRateHeaders(w http.ResponseWriter, decision metering.RateDecision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if !decision.Allowed && decision.RetryAfter > 0 {
		seconds := int(decision.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
}

// Common extractors for convenience

// APIKeyHeader is the default header carrying the key.
const APIKeyHeader = "X-API-Key"

// FromHeader returns a KeyExtractor that reads the key from a header.
func FromHeader(headerName string) KeyExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromQuery returns a KeyExtractor that reads the key from a query parameter.
func FromQuery(param string) KeyExtractor {
	return func(r *http.Request) string {
		return r.URL.Query().Get(param)
	}
}

// HeaderOrBearer returns the default extractor: X-API-Key first, then an
// Authorization bearer token.
func HeaderOrBearer() KeyExtractor {
	return func(r *http.Request) string {
		if key := r.Header.Get(APIKeyHeader); key != "" {
			return key
		}
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return ""
	}
}

// ContextKey is a type for context keys.
type ContextKey string

// IdentityKey is the context key the resolved identity is stored under.
const IdentityKey ContextKey = "metering:identity"

// WithIdentity adds a resolved identity to the context.
func WithIdentity(ctx context.Context, id *metering.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// IdentityFromContext returns the identity stored by the middleware, or nil.
func IdentityFromContext(ctx context.Context) *metering.Identity {
	if id, ok := ctx.Value(IdentityKey).(*metering.Identity); ok {
		return id
	}
	return nil
}
