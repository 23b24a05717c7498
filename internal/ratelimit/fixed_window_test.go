package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowLimiterRedis(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	defer limiter.Close()
	limiter.now = func() time.Time { return time.Unix(600, 0) }

	if !limiter.Allow("login:a@x.com") {
		t.Fatalf("first attempt should pass")
	}
	if !limiter.Allow("LOGIN:a@x.com ") {
		t.Fatalf("second attempt should pass")
	}
	if limiter.Allow("login:a@x.com") {
		t.Fatalf("third attempt should be blocked")
	}
	if !limiter.Allow("login:b@x.com") {
		t.Fatalf("other keys keep their own quota")
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 1, time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	redis.Close()
	if limiter.Allow("login:a@x.com") {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterRequiresRedisAddr(t *testing.T) {
	limiter, err := NewRedisFixedWindowLimiter("", "", "test:ratelimit", 1, time.Second)
	if err == nil || limiter != nil {
		t.Fatalf("expected error for empty redis addr")
	}
}

func TestMemoryFixedWindowLimiterResetsPerWindow(t *testing.T) {
	limiter, err := NewMemoryFixedWindowLimiter(1, time.Minute)
	if err != nil {
		t.Fatalf("new memory limiter: %v", err)
	}
	now := time.Unix(600, 0)
	limiter.now = func() time.Time { return now }

	if !limiter.Allow("login:a@x.com") {
		t.Fatalf("first attempt should pass")
	}
	if limiter.Allow("login:a@x.com") {
		t.Fatalf("second attempt in the same window should be blocked")
	}
	now = now.Add(time.Minute)
	if !limiter.Allow("login:a@x.com") {
		t.Fatalf("next window should pass")
	}
}

func TestNilLimiterRejects(t *testing.T) {
	var limiter *FixedWindowLimiter
	if limiter.Allow("x") {
		t.Fatalf("nil limiter should reject")
	}
}
