package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestLimiter_NilRedis_FailOpen(t *testing.T) {
	l := NewLimiter(nil)
	result, err := l.Check(context.Background(), "free:10.0.0.1", 60, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Error("expected allowed when Redis is nil")
	}
	if result.Remaining != 59 {
		t.Errorf("expected remaining=59, got %d", result.Remaining)
	}
}

func TestLimiter_NilRedis_MultipleChecks(t *testing.T) {
	l := NewLimiter(nil)
	for i := 0; i < 100; i++ {
		result, _ := l.Check(context.Background(), "free:10.0.0.1", 10, time.Minute)
		if !result.Allowed {
			t.Fatalf("expected allowed on check %d", i)
		}
	}
}

func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestLimiter_UnreachableRedis_FailOpen(t *testing.T) {
	l := NewLimiter(unreachableRedis(t))
	result, err := l.Check(context.Background(), "free:10.0.0.1", 5, time.Minute)
	if err == nil {
		t.Error("expected error from unreachable Redis")
	}
	if !result.Allowed {
		t.Error("expected allowed when Redis is unreachable")
	}
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := time.Minute

	tests := []struct {
		name          string
		count         int64
		allowed       bool
		oldest        time.Time
		wantRemaining int64
		wantRetry     time.Duration
	}{
		{"first request", 1, true, time.Time{}, 9, 0},
		{"last allowed", 10, true, time.Time{}, 0, 0},
		{"denied, oldest 45s ago", 10, false, now.Add(-45 * time.Second), 0, 15 * time.Second},
		{"denied, oldest about to expire", 10, false, now.Add(-window + time.Millisecond), 0, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var oldest int64
			if !tt.oldest.IsZero() {
				oldest = tt.oldest.UnixMicro()
			}
			got := evaluate(now, 10, window, tt.count, tt.allowed, oldest)
			if got.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v", got.Allowed, tt.allowed)
			}
			if got.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", got.Remaining, tt.wantRemaining)
			}
			if got.RetryAfter != tt.wantRetry {
				t.Errorf("RetryAfter = %v, want %v", got.RetryAfter, tt.wantRetry)
			}
		})
	}
}

// Runs against a real Redis when TEST_REDIS_ADDR is set.
func TestLimiter_Redis_SlidingWindow(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	l := NewLimiter(rdb)
	key := "test:" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(context.Background(), keyPrefix+key) })

	for i := 0; i < 3; i++ {
		res, err := l.Check(context.Background(), key, 3, time.Minute)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("check %d denied", i)
		}
	}
	res, err := l.Check(context.Background(), key, 3, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Error("expected fourth request to be denied")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want within (0, 1m]", res.RetryAfter)
	}
}
