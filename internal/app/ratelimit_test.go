package app

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterPerKey(t *testing.T) {
	limiter := newRateLimiter(1, 2)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	if !limiter.Allow("10.0.0.1") || !limiter.Allow("10.0.0.1") {
		t.Fatal("burst should be allowed")
	}
	if limiter.Allow("10.0.0.1") {
		t.Fatal("third request within the same instant should be limited")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Fatal("other clients have their own bucket")
	}

	now = now.Add(time.Second)
	if !limiter.Allow("10.0.0.1") {
		t.Fatal("token should refill after one second")
	}
}

func TestRateLimiterSweepsIdleClients(t *testing.T) {
	limiter := newRateLimiter(1, 1)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("10.0.0.1")
	now = now.Add(limiterIdleTTL + time.Minute)
	limiter.Allow("10.0.0.2")

	if _, ok := limiter.clients["10.0.0.1"]; ok {
		t.Fatal("idle client was not swept")
	}
	if len(limiter.clients) != 1 {
		t.Fatalf("clients = %d", len(limiter.clients))
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := newRateLimiter(0, 1)
	for i := 0; i < 100; i++ {
		if !limiter.Allow("10.0.0.1") {
			t.Fatalf("request %d limited with rate disabled", i)
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	if got := clientIP(req); got != "192.0.2.10" {
		t.Fatalf("clientIP = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.5" {
		t.Fatalf("clientIP with forwarded = %q", got)
	}
}
