package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, window time.Duration) *SlidingWindow {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewSlidingWindow(redis.NewClient(&redis.Options{Addr: mr.Addr()}), window)
}

func TestSlidingWindowRejectsOverLimit(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t, time.Minute)

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, "rl:client", 3, fmt.Sprintf("req-%d", i))
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	d, err := limiter.Allow(ctx, "rl:client", 3, "req-over")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("request over the limit should be rejected")
	}
	if d.Count != 3 {
		t.Fatalf("expected window count 3, got %d", d.Count)
	}
	if d.ResetAt.Before(time.Now()) {
		t.Fatalf("reset time should be in the future, got %s", d.ResetAt)
	}
}

func TestSlidingWindowRecovers(t *testing.T) {
	// The Lua script takes its clock from the caller, so a short real
	// window is the only way to observe recovery.
	ctx := context.Background()
	limiter := newTestLimiter(t, 100*time.Millisecond)

	for i := 0; i < 2; i++ {
		if d, _ := limiter.Allow(ctx, "rl:burst", 2, fmt.Sprintf("req-%d", i)); !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if d, _ := limiter.Allow(ctx, "rl:burst", 2, "req-rejected"); d.Allowed {
		t.Fatalf("third request inside the window should be rejected")
	}

	time.Sleep(150 * time.Millisecond)

	d, err := limiter.Allow(ctx, "rl:burst", 2, "req-after")
	if err != nil {
		t.Fatalf("allow after window: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("request after window elapsed should be allowed")
	}
}

func TestRejectionsDoNotExtendWindow(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t, time.Minute)

	if d, _ := limiter.Allow(ctx, "rl:one", 1, "req-0"); !d.Allowed {
		t.Fatalf("first request should be allowed")
	}
	for i := 0; i < 5; i++ {
		if d, _ := limiter.Allow(ctx, "rl:one", 1, fmt.Sprintf("rej-%d", i)); d.Allowed {
			t.Fatalf("rejected request %d should stay rejected", i)
		}
	}

	usage, err := limiter.Usage(ctx, "rl:one", 1)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.Count != 1 {
		t.Fatalf("rejections must not be counted, got %d", usage.Count)
	}
}
