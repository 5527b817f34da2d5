package gin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	gongin "github.com/gin-gonic/gin"

	"github.com/skycaster/metering/pkg/metering"
	"github.com/skycaster/metering/storage/memory"
)

func setupRouter(t *testing.T, limiter *metering.RateLimiter) (*gongin.Engine, string) {
	t.Helper()
	gongin.SetMode(gongin.TestMode)

	store := memory.New()
	store.CreateUser("user1", true)
	store.CreateAPIKey("sk_live_test", "user1", true)

	router := gongin.New()
	router.Use(Middleware(Config{Store: store, Limiter: limiter}))
	router.GET("/v1/forecast", func(c *gongin.Context) {
		if IdentityFromContext(c) == nil {
			t.Error("expected identity in context")
		}
		c.Status(http.StatusOK)
	})
	return router, "sk_live_test"
}

func TestMiddleware_Authenticates(t *testing.T) {
	router, key := setupRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/forecast", nil)
	req.Header.Set("X-API-Key", key)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMiddleware_MissingKey(t *testing.T) {
	router, _ := setupRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/forecast", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_RateLimits(t *testing.T) {
	store := memory.New()
	store.CreateUser("user1", true)
	store.CreateAPIKey("sk_live_test", "user1", true)

	limiter := metering.NewRateLimiter(store, metering.RateLimiterConfig{
		Limits: map[metering.PlanTier]metering.PlanLimits{
			metering.TierFree: {PerMinute: 1, PerMonth: 100},
		},
	})

	gongin.SetMode(gongin.TestMode)
	router := gongin.New()
	router.Use(Middleware(Config{Store: store, Limiter: limiter}))
	router.GET("/v1/forecast", func(c *gongin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/v1/forecast", nil)
	req.Header.Set("X-API-Key", "sk_live_test")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}
