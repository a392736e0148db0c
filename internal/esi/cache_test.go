package esi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/maferick/corpaudit/internal/domain"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis, *recordingSink) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	sink := &recordingSink{}
	return NewRedisCache(client).WithMetrics(sink), mr, sink
}

func TestCacheKey(t *testing.T) {
	a := CacheKey("/characters/1/wallet/", "1")
	if a != CacheKey("/characters/1/wallet/", "1") {
		t.Fatal("key not stable")
	}
	if a == CacheKey("/characters/1/wallet/", "2") {
		t.Fatal("identity not part of the key")
	}
	if len(a) != len(cacheKeyPrefix)+64 {
		t.Errorf("unexpected key %q", a)
	}
}

func TestRedisCache_HitWithinTTL(t *testing.T) {
	ctx := context.Background()
	cache, mr, sink := newTestCache(t)

	var calls int
	producer := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte(`{"total_sp":1}`), nil
	}

	for i := 0; i < 3; i++ {
		data, err := cache.GetCached(ctx, "/skills/", "1", time.Minute, producer)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != `{"total_sp":1}` {
			t.Fatalf("data = %s", data)
		}
	}
	if calls != 1 {
		t.Errorf("producer called %d times", calls)
	}
	if sink.hits != 2 || sink.misses != 1 {
		t.Errorf("hits=%d misses=%d", sink.hits, sink.misses)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := cache.GetCached(ctx, "/skills/", "1", time.Minute, producer); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("expired entry reused, calls = %d", calls)
	}
}

func TestRedisCache_ErrorsNotCached(t *testing.T) {
	ctx := context.Background()
	cache, mr, _ := newTestCache(t)

	boom := errors.New("esi down")
	_, err := cache.GetCached(ctx, "/wallet/", "1", time.Minute, func(ctx context.Context) ([]byte, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected producer error, got %v", err)
	}
	if mr.Exists(CacheKey("/wallet/", "1")) {
		t.Fatal("failed response was cached")
	}
}

func TestRedisCache_CollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(t)

	var calls atomic.Int32
	release := make(chan struct{})
	producer := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte(`[]`), nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.GetCached(ctx, "/assets/", "1", time.Minute, producer)
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	// Goroutines arriving after the first finished hit the cache instead.
	if n := calls.Load(); n != 1 {
		t.Errorf("producer called %d times", n)
	}
}

func TestRedisCache_CancelledCallerDoesNotFailOthers(t *testing.T) {
	cache, mr, _ := newTestCache(t)

	started := make(chan struct{})
	release := make(chan struct{})
	producer := func(ctx context.Context) ([]byte, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []byte(`{"solar_system_id":30000142}`), nil
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.GetCached(firstCtx, "/location/", "1", time.Minute, producer)
		firstErr <- err
	}()
	<-started

	second := make(chan error, 1)
	var secondData []byte
	go func() {
		data, err := cache.GetCached(context.Background(), "/location/", "1", time.Minute, producer)
		secondData = data
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("first caller: expected context.Canceled, got %v", err)
	}

	close(release)
	if err := <-second; err != nil {
		t.Fatalf("second caller: %v", err)
	}
	if string(secondData) != `{"solar_system_id":30000142}` {
		t.Errorf("data = %s", secondData)
	}
	if !mr.Exists(CacheKey("/location/", "1")) {
		t.Error("expected the shared result to be cached")
	}
}

func TestRedisCache_RedisDown(t *testing.T) {
	cache, mr, _ := newTestCache(t)
	mr.Close()

	_, err := cache.GetCached(context.Background(), "/wallet/", "1", time.Minute, func(ctx context.Context) ([]byte, error) {
		return []byte(`1`), nil
	})
	if err == nil {
		t.Fatal("expected cache error")
	}
}

func TestFetcher_UsesCharacterIdentity(t *testing.T) {
	var tokens []string
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		tokens = append(tokens, r.Header.Get("Authorization"))
		w.Write([]byte(`42.0`))
	})
	cache, _, _ := newTestCache(t)
	f := NewFetcher(c, cache, time.Minute)

	alpha := domain.Character{ID: 1, AccessToken: "a"}
	beta := domain.Character{ID: 2, AccessToken: "b"}
	ctx := context.Background()
	for _, ch := range []domain.Character{alpha, alpha, beta} {
		raw, err := f.Fetch(ctx, ch, "/characters/0/wallet/")
		if err != nil {
			t.Fatal(err)
		}
		if string(raw) != "42.0" {
			t.Errorf("payload = %s", raw)
		}
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
	if len(tokens) != 2 || tokens[0] != "Bearer a" || tokens[1] != "Bearer b" {
		t.Errorf("tokens = %v", tokens)
	}
}
