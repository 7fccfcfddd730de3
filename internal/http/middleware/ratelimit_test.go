package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func testContext(remote string, hdr map[string]string) *gin.Context {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = net.JoinHostPort(remote, "12345")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	return c
}

func TestKeyFuncs(t *testing.T) {
	gin.SetMode(gin.TestMode)

	if got := KeyByClientIP()(testContext("203.0.113.9", nil)); got != "ip:203.0.113.9" {
		t.Fatalf("KeyByClientIP = %q", got)
	}
	kf := KeyByHeaderOrIP("X-Client-ID")
	if got := kf(testContext("203.0.113.9", map[string]string{"X-Client-ID": "acme"})); got != "client:acme" {
		t.Fatalf("header key = %q", got)
	}
	if got := kf(testContext("203.0.113.9", nil)); got != "ip:203.0.113.9" {
		t.Fatalf("fallback key = %q", got)
	}
}

func TestNewRateLimiter_BurstCoercionAndReuse(t *testing.T) {
	rl := NewRateLimiter(2, 0, KeyByClientIP())
	if rl.burst != 1 {
		t.Fatalf("burst = %d; want 1", rl.burst)
	}
	lim := rl.limiterFor("k1")
	if lim == nil || rl.limiterFor("k1") != lim {
		t.Fatal("expected the same limiter for the same key")
	}
}

func TestRateLimiter_SweepsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 1, KeyByClientIP())
	rl.ttl = time.Nanosecond

	rl.mu.Lock()
	rl.buckets["old"] = &bucket{limiter: rate.NewLimiter(1, 1), lastSeen: time.Now().Add(-time.Hour)}
	rl.lookups = rl.sweepEvery - 1
	rl.mu.Unlock()

	_ = rl.limiterFor("new")

	rl.mu.Lock()
	_, hasOld := rl.buckets["old"]
	_, hasNew := rl.buckets["new"]
	rl.mu.Unlock()
	if hasOld || !hasNew {
		t.Fatalf("old evicted=%v new created=%v", !hasOld, hasNew)
	}
}

func TestRateLimiter_Handler_DenyAndExempt(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rl := NewRateLimiter(1, 1, KeyByClientIP(), "/health")
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Header(requestIDHeader, "rid-1"); c.Next() })
	r.Use(rl.Handler())
	r.POST("/transactions", func(c *gin.Context) { c.Status(http.StatusCreated) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	if w := serve(r, http.MethodPost, "/transactions", nil); w.Code != http.StatusCreated {
		t.Fatalf("first request should pass, got %d", w.Code)
	}
	w := serve(r, http.MethodPost, "/transactions", nil)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "1" {
		t.Fatalf("second request should be limited, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["code"] != "too_many_requests" || body["request_id"] != "rid-1" {
		t.Fatalf("unexpected body: %v", body)
	}

	for i := 0; i < 5; i++ {
		if w := serve(r, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
			t.Fatalf("exempt route limited on call %d: %d", i, w.Code)
		}
	}
}
