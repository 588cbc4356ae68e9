package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := OpenRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rdb.Close()

	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error without addr")
	}
}

func TestOpenRedis_PingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := OpenRedis(context.Background(), RedisConfig{Addr: addr, DialTimeout: 200 * time.Millisecond, PingTimeout: 500 * time.Millisecond}); err == nil {
		t.Fatalf("expected ping failure")
	}
}

func TestAllowInWindow_LimitsAndResets(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := OpenRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rdb.Close()

	ctx := context.Background()
	l := NewWindowLimiter(rdb, "portal:login", 2, time.Minute)
	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "1.2.3.4")
		if err != nil || !ok {
			t.Fatalf("hit %d: expected allowed, got %v %v", i, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, "1.2.3.4"); ok {
		t.Fatalf("third hit must be rejected")
	}
	if ok, _ := l.Allow(ctx, "5.6.7.8"); !ok {
		t.Fatalf("other keys are independent")
	}
	if ttl := mr.TTL("portal:login:1.2.3.4"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected window ttl, got %v", ttl)
	}

	mr.FastForward(time.Minute + time.Second)
	if ok, _ := l.Allow(ctx, "1.2.3.4"); !ok {
		t.Fatalf("expected a fresh window")
	}
}

func TestAllowInWindow_ValidatesInput(t *testing.T) {
	ctx := context.Background()
	if _, err := AllowInWindow(ctx, nil, "k", 1, time.Second); err == nil {
		t.Fatalf("expected nil client error")
	}
	mr := miniredis.RunT(t)
	rdb, _ := OpenRedis(ctx, RedisConfig{Addr: mr.Addr()})
	defer rdb.Close()
	if _, err := AllowInWindow(ctx, rdb, "", 1, time.Second); err == nil {
		t.Fatalf("expected key error")
	}
	if _, err := AllowInWindow(ctx, rdb, "k", 0, time.Second); err == nil {
		t.Fatalf("expected limit error")
	}
	if _, err := AllowInWindow(ctx, rdb, "k", 1, 0); err == nil {
		t.Fatalf("expected window error")
	}
}
