package internal

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if limiter.allow("10.0.0.1") {
		t.Error("4th request should be denied")
	}
	// Other IPs have their own bucket.
	if !limiter.allow("10.0.0.2") {
		t.Error("different IP should be allowed")
	}
}

func TestRateLimiter_WindowResets(t *testing.T) {
	window := 50 * time.Millisecond
	limiter := NewRateLimiter(1, window)

	if !limiter.allow("10.0.0.1") {
		t.Fatal("first request should be allowed")
	}
	if limiter.allow("10.0.0.1") {
		t.Fatal("second request should be denied")
	}

	time.Sleep(window + 20*time.Millisecond)

	if !limiter.allow("10.0.0.1") {
		t.Error("request after window expiry should be allowed")
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	limiter := NewRateLimiter(10, time.Minute)

	now := time.Now()
	limiter.requests["expired"] = &bucket{count: 5, resetAt: now.Add(-time.Second)}
	limiter.requests["active"] = &bucket{count: 3, resetAt: now.Add(time.Minute)}

	limiter.cleanupExpired(now)

	if _, exists := limiter.requests["expired"]; exists {
		t.Error("expired entry should have been removed")
	}
	if _, exists := limiter.requests["active"]; !exists {
		t.Error("active entry should not have been removed")
	}
}

func TestRateLimiter_CleanupKeepsMapBounded(t *testing.T) {
	window := 50 * time.Millisecond
	limiter := NewRateLimiter(10, window)

	for i := 0; i < 300; i++ {
		limiter.allow("172.16.0." + string(rune(i%256)))
	}

	time.Sleep(window + 20*time.Millisecond)

	// Opportunistic cleanup runs every 100 requests.
	for i := 0; i < 100; i++ {
		limiter.allow("10.0.0.1")
	}

	if len(limiter.requests) > 50 {
		t.Errorf("map size %d suggests expired entries are not being swept", len(limiter.requests))
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(remoteAddr string) int {
		req := httptest.NewRequest("POST", "/webhooks/stripe", http.NoBody)
		req.RemoteAddr = remoteAddr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := do("192.0.2.1:1234"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := do("192.0.2.1:1234"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := do("192.0.2.1:1234"); code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", code)
	}
}

func TestGetClientIP_PrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest("POST", "/", http.NoBody)
	req.RemoteAddr = "10.0.0.1:5000"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if ip := GetClientIP(req); ip != "203.0.113.7" {
		t.Errorf("expected forwarded IP, got %q", ip)
	}

	req.Header.Del("X-Forwarded-For")
	if ip := GetClientIP(req); ip != "10.0.0.1:5000" {
		t.Errorf("expected RemoteAddr fallback, got %q", ip)
	}
}
