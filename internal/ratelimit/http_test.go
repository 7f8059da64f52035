package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dskow/resiliency-core/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func burstConfig(limit int) config.RateLimitConfig {
	return config.RateLimitConfig{
		LimitForPeriod:     limit,
		LimitRefreshPeriod: time.Minute,
		TimeoutDuration:    0,
	}
}

func TestClientLimiter_AllowsUpToLimit(t *testing.T) {
	cl := NewClientLimiter(burstConfig(5), nil, nil, nil)
	defer cl.Stop()

	handler := cl.Middleware()(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestClientLimiter_BlocksAfterLimit(t *testing.T) {
	cl := NewClientLimiter(burstConfig(2), nil, nil, nil)
	defer cl.Stop()

	handler := cl.Middleware()(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.2:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "10.0.0.2:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestClientLimiter_PerClientIsolation(t *testing.T) {
	cl := NewClientLimiter(burstConfig(1), nil, nil, nil)
	defer cl.Stop()

	handler := cl.Middleware()(okHandler())

	req1 := httptest.NewRequest("GET", "/test", nil)
	req1.RemoteAddr = "10.0.0.1:12345"
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	req1b := httptest.NewRequest("GET", "/test", nil)
	req1b.RemoteAddr = "10.0.0.1:12345"
	rec1b := httptest.NewRecorder()
	handler.ServeHTTP(rec1b, req1b)
	if rec1b.Code != http.StatusTooManyRequests {
		t.Errorf("client 1 should be rate limited, got %d", rec1b.Code)
	}

	req2 := httptest.NewRequest("GET", "/test", nil)
	req2.RemoteAddr = "10.0.0.2:12345"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusOK {
		t.Errorf("client 2 should be allowed, got %d", rec2.Code)
	}
}

func TestClientLimiter_XForwardedFor_NoTrustedProxies(t *testing.T) {
	cl := NewClientLimiter(burstConfig(1), nil, nil, nil)
	defer cl.Stop()

	handler := cl.Middleware()(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "10.0.0.50:8080"
	req.Header.Set("X-Forwarded-For", "192.168.1.100")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	req2 := httptest.NewRequest("GET", "/test", nil)
	req2.RemoteAddr = "10.0.0.50:8080"
	req2.Header.Set("X-Forwarded-For", "192.168.1.200")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 (XFF ignored without trusted proxies), got %d", rec2.Code)
	}
}

func TestClientLimiter_XForwardedFor_TrustedProxy(t *testing.T) {
	cl := NewClientLimiter(burstConfig(1), nil, []string{"10.0.0.0/8"}, nil)
	defer cl.Stop()

	handler := cl.Middleware()(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "10.0.0.1:8080"
	req.Header.Set("X-Forwarded-For", "203.0.113.50")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	req2 := httptest.NewRequest("GET", "/test", nil)
	req2.RemoteAddr = "10.0.0.1:8080"
	req2.Header.Set("X-Forwarded-For", "203.0.113.50")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 for same XFF IP via trusted proxy, got %d", rec2.Code)
	}
}

func TestClientLimiter_XForwardedFor_UntrustedPeer(t *testing.T) {
	cl := NewClientLimiter(burstConfig(1), nil, []string{"10.0.0.0/8"}, nil)
	defer cl.Stop()

	handler := cl.Middleware()(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "203.0.113.99:12345"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	req2 := httptest.NewRequest("GET", "/test", nil)
	req2.RemoteAddr = "203.0.113.99:12345"
	req2.Header.Set("X-Forwarded-For", "5.6.7.8")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 (spoofed XFF from untrusted peer ignored), got %d", rec2.Code)
	}
}

func TestClientLimiter_PerRouteOverride(t *testing.T) {
	routes := []config.RouteConfig{
		{
			PathPrefix:   "/limited",
			RateOverride: &config.RateLimitConfig{LimitForPeriod: 1, LimitRefreshPeriod: time.Minute, TimeoutDuration: 0},
		},
	}
	cl := NewClientLimiter(burstConfig(100), routes, nil, nil)
	defer cl.Stop()

	handler := cl.Middleware()(okHandler())

	req1 := httptest.NewRequest("GET", "/limited/test", nil)
	req1.RemoteAddr = "10.0.0.5:12345"
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest("GET", "/limited/test", nil)
	req2.RemoteAddr = "10.0.0.5:12345"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec2.Code)
	}
}

func TestClientLimiter_ResponseBody(t *testing.T) {
	cl := NewClientLimiter(burstConfig(1), nil, nil, nil)
	defer cl.Stop()

	handler := cl.Middleware()(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "10.0.0.10:12345"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	req2 := httptest.NewRequest("GET", "/test", nil)
	req2.RemoteAddr = "10.0.0.10:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req2)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
}

func TestClientLimiter_UpdateConfigClearsExistingClients(t *testing.T) {
	cl := NewClientLimiter(burstConfig(1), nil, nil, nil)
	defer cl.Stop()

	handler := cl.Middleware()(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "10.0.0.20:12345"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	cl.UpdateConfig(burstConfig(5), nil)

	req2 := httptest.NewRequest("GET", "/test", nil)
	req2.RemoteAddr = "10.0.0.20:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req2)
	if rec.Code != http.StatusOK {
		t.Errorf("expected fresh limiter after UpdateConfig, got %d", rec.Code)
	}
}
