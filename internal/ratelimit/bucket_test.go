package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/maferick/corpaudit/internal/testutil"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *testutil.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := testutil.NewFakeClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	return NewTokenBucket(client, capacity, refill, time.Minute).WithClock(clock.Now), clock
}

func TestTokenBucket_Capacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "esi")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "esi")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "esi")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	allowed, _, _ = bucket.Allow(ctx, "other")
	if !allowed {
		t.Fatal("buckets must be independent per key")
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	ctx := context.Background()
	bucket, clock := newBucket(t, 1, 2)

	if ok, _, _ := bucket.Allow(ctx, "esi"); !ok {
		t.Fatal("expected first token")
	}
	if ok, _, _ := bucket.Allow(ctx, "esi"); ok {
		t.Fatal("bucket should be empty")
	}

	clock.Advance(500 * time.Millisecond)
	if ok, _, _ := bucket.Allow(ctx, "esi"); !ok {
		t.Fatal("expected a token after refill")
	}
}

func TestTokenBucket_WaitGivesUp(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 1)

	if err := bucket.Wait(ctx, "esi", time.Second); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	// The fake clock never moves, so the bucket cannot refill.
	if err := bucket.Wait(ctx, "esi", 500*time.Millisecond); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}
