package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := New(cfg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterAllow(t *testing.T) {
	limiter, now := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})

	key := "test-ip"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	// Next request should be denied
	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// One second refills one token at 60/min
	*now = now.Add(time.Second)

	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
	if limiter.Allow(key) {
		t.Error("Only one token should have been refilled")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})

	for i := 0; i < 2; i++ {
		limiter.Allow("client-a")
	}
	if limiter.Allow("client-a") {
		t.Error("client-a should be limited")
	}
	if !limiter.Allow("client-b") {
		t.Error("client-b should have its own bucket")
	}
}

func TestLimiterBurstCap(t *testing.T) {
	limiter, now := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	limiter.Allow("k")
	*now = now.Add(time.Hour)

	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow("k") {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("expected refill capped at burst 3, got %d", allowed)
	}
}

func TestMiddleware_KeysByAuthAddr(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if a := c.GetHeader("X-Auth-Addr"); a != "" {
			c.Set("authAddr", a)
		}
		c.Next()
	})
	r.Use(limiter.Middleware())
	r.GET("/escrows", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/escrows", nil)
		if addr != "" {
			req.Header.Set("X-Auth-Addr", addr)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := do("arbiter-1"); w.Code != http.StatusOK {
		t.Fatalf("first request: got %d", w.Code)
	}
	w := do("arbiter-1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header not set")
	}
	if w := do("arbiter-2"); w.Code != http.StatusOK {
		t.Errorf("other address should not share the bucket, got %d", w.Code)
	}
}

func TestDefaultConfig(t *testing.T) {
	l := New(Config{})
	if l.cfg != DefaultConfig() {
		t.Errorf("zero config should take defaults, got %+v", l.cfg)
	}
}
