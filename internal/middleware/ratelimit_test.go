package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"teth/internal/config"
)

func newLimiter(t *testing.T, cfg config.RateLimitConfig) *RateLimiter {
	t.Helper()
	limiter := NewRateLimiter(cfg, slog.Default())
	t.Cleanup(limiter.Stop)
	return limiter
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_Allow(t *testing.T) {
	limiter := newLimiter(t, config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 10,
		WindowSize:    time.Minute,
		BurstSize:     2,
	})

	ip := "192.168.1.100"

	// First 12 requests succeed (10 + 2 burst)
	for i := 0; i < 12; i++ {
		allowed, remaining, _ := limiter.Allow(ip)
		if !allowed {
			t.Errorf("request %d should be allowed, but was denied", i+1)
		}
		if want := 12 - i - 1; remaining != want {
			t.Errorf("request %d: expected remaining=%d, got %d", i+1, want, remaining)
		}
	}

	allowed, remaining, resetTime := limiter.Allow(ip)
	if allowed {
		t.Error("request 13 should be denied, but was allowed")
	}
	if remaining != 0 {
		t.Errorf("expected remaining=0, got %d", remaining)
	}
	if resetTime.Before(time.Now()) {
		t.Error("reset time should be in the future")
	}

	stats := limiter.Stats()
	if stats.Allowed != 12 || stats.Limited != 1 || stats.TrackedIPs != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	limiter := newLimiter(t, config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 5,
		WindowSize:    100 * time.Millisecond,
	})

	ip := "192.168.1.101"
	for i := 0; i < 5; i++ {
		if allowed, _, _ := limiter.Allow(ip); !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if allowed, _, _ := limiter.Allow(ip); allowed {
		t.Error("request should be denied before window reset")
	}

	time.Sleep(150 * time.Millisecond)

	allowed, remaining, _ := limiter.Allow(ip)
	if !allowed {
		t.Error("request should be allowed after window reset")
	}
	if remaining != 4 {
		t.Errorf("expected remaining=4 after reset, got %d", remaining)
	}
}

func TestRateLimiter_MultipleIPs(t *testing.T) {
	limiter := newLimiter(t, config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 3,
		WindowSize:    time.Minute,
	})

	for _, ip := range []string{"192.168.1.1", "192.168.1.2", "192.168.1.3"} {
		for i := 0; i < 3; i++ {
			if allowed, _, _ := limiter.Allow(ip); !allowed {
				t.Errorf("IP %s: request %d should be allowed", ip, i+1)
			}
		}
		if allowed, _, _ := limiter.Allow(ip); allowed {
			t.Errorf("IP %s: request 4 should be denied", ip)
		}
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := newLimiter(t, config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 10,
		WindowSize:    time.Minute,
		CleanupPeriod: time.Hour,
	})

	for i := 0; i < 5; i++ {
		limiter.Allow(fmt.Sprintf("192.168.1.%d", i))
	}
	if got := limiter.Stats().TrackedIPs; got != 5 {
		t.Fatalf("expected 5 tracked IPs, got %d", got)
	}

	limiter.cleanup(time.Now().Add(30 * time.Second))
	if got := limiter.Stats().TrackedIPs; got != 5 {
		t.Errorf("live windows must survive cleanup, got %d", got)
	}

	limiter.cleanup(time.Now().Add(3 * time.Minute))
	if got := limiter.Stats().TrackedIPs; got != 0 {
		t.Errorf("expected 0 tracked IPs after cleanup, got %d", got)
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	limiter := NewRateLimiter(config.RateLimitConfig{WindowSize: time.Minute}, nil)
	limiter.Stop()
	limiter.Stop()
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := newLimiter(t, config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 5,
		WindowSize:    time.Minute,
		ExemptPaths:   []string{"/health"},
	})
	wrappedHandler := RateLimit(limiter)(okHandler())

	t.Run("allows requests within limit", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			req := httptest.NewRequest("POST", "/api/v1/ingest/tool", nil)
			req.RemoteAddr = "192.168.1.100:12345"
			w := httptest.NewRecorder()

			wrappedHandler.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("request %d: expected status 200, got %d", i+1, w.Code)
			}
			for _, h := range []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"} {
				if w.Header().Get(h) == "" {
					t.Errorf("missing %s header", h)
				}
			}
		}
	})

	t.Run("blocks requests over limit", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/ingest/tool", nil)
		req.RemoteAddr = "192.168.1.100:12345"
		w := httptest.NewRecorder()

		wrappedHandler.ServeHTTP(w, req)

		if w.Code != http.StatusTooManyRequests {
			t.Errorf("expected status 429, got %d", w.Code)
		}
		if w.Header().Get("Retry-After") == "" {
			t.Error("missing Retry-After header")
		}

		var response map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to parse JSON response: %v", err)
		}
		if response["code"] != "RATE_LIMITED" {
			t.Errorf("expected code RATE_LIMITED, got %v", response["code"])
		}
	})

	t.Run("exempts configured paths", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "192.168.1.100:12345"
		w := httptest.NewRecorder()

		wrappedHandler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected exempt path to return 200, got %d", w.Code)
		}
	})

	t.Run("separate limits for different IPs", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/ingest/tool", nil)
		req.RemoteAddr = "192.168.1.200:12345"
		w := httptest.NewRecorder()

		wrappedHandler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("new IP should be allowed, got status %d", w.Code)
		}
	})
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	limiter := newLimiter(t, config.RateLimitConfig{
		Enabled:       false,
		RequestsPerIP: 1,
		WindowSize:    time.Minute,
	})
	wrappedHandler := RateLimit(limiter)(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/stats", nil)
		w := httptest.NewRecorder()
		wrappedHandler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 with limiting disabled, got %d", i+1, w.Code)
		}
	}
}

func TestRateLimitMiddleware_Concurrent(t *testing.T) {
	limiter := newLimiter(t, config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 100,
		WindowSize:    time.Minute,
		BurstSize:     50,
	})
	wrappedHandler := RateLimit(limiter)(okHandler())

	var wg sync.WaitGroup
	var successCount, rateLimitedCount atomic.Int32

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			req := httptest.NewRequest("POST", "/api/v1/ingest/tool", nil)
			req.RemoteAddr = "192.168.1.100:12345"
			w := httptest.NewRecorder()

			wrappedHandler.ServeHTTP(w, req)

			switch w.Code {
			case http.StatusOK:
				successCount.Add(1)
			case http.StatusTooManyRequests:
				rateLimitedCount.Add(1)
			}
		}()
	}
	wg.Wait()

	// Exactly 150 successes (100 + 50 burst) and 50 rate limited
	if got := successCount.Load(); got != 150 {
		t.Errorf("expected 150 successful requests, got %d", got)
	}
	if got := rateLimitedCount.Load(); got != 50 {
		t.Errorf("expected 50 rate limited requests, got %d", got)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		trustProxy bool
		expected   string
	}{
		{"basic RemoteAddr", "192.168.1.100:12345", "", "", false, "192.168.1.100"},
		{"X-Forwarded-For when trust proxy", "127.0.0.1:12345", "203.0.113.100", "", true, "203.0.113.100"},
		{"X-Forwarded-For ignored when not trust proxy", "192.168.1.100:12345", "203.0.113.100", "", false, "192.168.1.100"},
		{"X-Forwarded-For rightmost entry", "127.0.0.1:12345", "203.0.113.100, 198.51.100.50", "", true, "198.51.100.50"},
		{"X-Real-IP when trust proxy", "127.0.0.1:12345", "", "203.0.113.200", true, "203.0.113.200"},
		{"X-Forwarded-For beats X-Real-IP", "127.0.0.1:12345", "203.0.113.100", "203.0.113.200", true, "203.0.113.100"},
		{"RemoteAddr without port", "192.168.1.7", "", "", false, "192.168.1.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}

			if got := getClientIP(req, tt.trustProxy); got != tt.expected {
				t.Errorf("expected IP %q, got %q", tt.expected, got)
			}
		})
	}
}

func BenchmarkRateLimiter_Allow(b *testing.B) {
	limiter := NewRateLimiter(config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 1000,
		WindowSize:    time.Minute,
		BurstSize:     100,
	}, slog.Default())
	defer limiter.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow("192.168.1.100")
	}
}
