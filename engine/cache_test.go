package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mem "progresskit/adapters/memory"
	"progresskit/core"
)

func TestCacheSingleFlight(t *testing.T) {
	var fetches int32
	release := make(chan struct{})
	c := NewCache[int]("test", time.Minute, func(ctx context.Context, key string) (int, error) {
		atomic.AddInt32(&fetches, 1)
		<-release
		return 42, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(context.Background(), "k")
			if err != nil || v != 42 {
				t.Errorf("got %v %v", v, err)
			}
		}()
	}
	// give the callers time to pile up on the cold entry
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Fatalf("expected exactly 1 fetch, got %d", n)
	}
}

func TestCacheStaleTolerance(t *testing.T) {
	var fetches int32
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	c := NewCache[int]("test", time.Minute, func(ctx context.Context, key string) (int, error) {
		return int(atomic.AddInt32(&fetches, 1)), nil
	}, WithCacheClock[int](clock))

	ctx := context.Background()
	if _, err := c.Get(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := c.Get(ctx, "k"); err != nil {
			t.Fatal(err)
		}
	}
	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Fatalf("fresh entry triggered %d fetches", n)
	}
}

func TestCacheStaleWhileRevalidate(t *testing.T) {
	var fetches int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var mu sync.Mutex
	now := time.Now().UTC()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := NewCache[int]("test", time.Minute, func(ctx context.Context, key string) (int, error) {
		n := atomic.AddInt32(&fetches, 1)
		if n > 1 {
			started <- struct{}{}
			<-release
		}
		return int(n) * 10, nil
	}, WithCacheClock[int](clock))

	ctx := context.Background()
	if v, _ := c.Get(ctx, "k"); v != 10 {
		t.Fatalf("first value %d", v)
	}

	// expire the entry
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	// stale read returns the previous value immediately without blocking
	v, err := c.Get(ctx, "k")
	if err != nil || v != 10 {
		t.Fatalf("stale read got %v %v", v, err)
	}
	<-started
	close(release)

	// eventually the refreshed value lands
	deadline := time.After(time.Second)
	for {
		if v, _ := c.Get(ctx, "k"); v == 20 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("refreshed value never landed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCacheForceRefreshSurfacesFailure(t *testing.T) {
	var fail atomic.Bool
	c := NewCache[int]("test", time.Minute, func(ctx context.Context, key string) (int, error) {
		if fail.Load() {
			return 0, errors.New("backend down")
		}
		return 7, nil
	})
	ctx := context.Background()

	if _, err := c.Get(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	fail.Store(true)
	v, err := c.ForceRefresh(ctx, "k")
	if !errors.Is(err, core.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	// the stale value survives the failed refresh
	if v != 7 {
		t.Fatalf("stale value lost: %d", v)
	}
	if got, err2 := c.Get(ctx, "k"); err2 != nil || got != 7 {
		t.Fatalf("passive caller affected by failure: %v %v", got, err2)
	}
}

func TestCacheColdFetchFailure(t *testing.T) {
	c := NewCache[int]("test", time.Minute, func(ctx context.Context, key string) (int, error) {
		return 0, errors.New("backend down")
	})
	_, err := c.Get(context.Background(), "k")
	if !errors.Is(err, core.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable on cold failure, got %v", err)
	}
}

func TestCacheInvalidateDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	c := NewCache[int]("test", time.Minute, func(ctx context.Context, key string) (int, error) {
		select {
		case <-release:
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
	ctx := context.Background()

	// start a cold fetch but abandon it
	go func() { _, _ = c.Get(ctx, "k") }()
	time.Sleep(10 * time.Millisecond)
	c.Invalidate("k")
	close(release)
	time.Sleep(20 * time.Millisecond)

	// the abandoned result must not have landed
	if _, ok := c.FetchedAt("k"); ok {
		t.Fatal("abandoned fetch result was applied")
	}
}

func TestCacheSnapshotPrimesAcrossRestart(t *testing.T) {
	store := mem.New()
	ctx := context.Background()
	var fetches int32
	fetch := func(fctx context.Context, key string) (int, error) {
		atomic.AddInt32(&fetches, 1)
		return 99, nil
	}

	c1 := NewCache[int]("boards", time.Minute, fetch, WithSnapshots[int](store, "snap"))
	if v, err := c1.Get(ctx, "page1"); err != nil || v != 99 {
		t.Fatalf("got %v %v", v, err)
	}
	// snapshot write is asynchronous
	deadline := time.After(time.Second)
	for {
		if _, _, ok, _ := store.GetSnapshot(ctx, "snap/page1"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("snapshot never persisted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// a fresh cache over the same store serves the snapshot with no fetch
	c2 := NewCache[int]("boards", time.Minute, fetch, WithSnapshots[int](store, "snap"))
	v, err := c2.Get(ctx, "page1")
	if err != nil || v != 99 {
		t.Fatalf("got %v %v", v, err)
	}
	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Fatalf("restart refetched despite fresh snapshot: %d fetches", n)
	}
}
