package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testKey string

func (k testKey) String() string { return string(k) }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2023, time.December, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestEntryExpired(t *testing.T) {
	t.Parallel()

	created := time.Date(2023, time.December, 1, 0, 0, 0, 0, time.UTC)
	e := &Entry[int]{Value: 1, CreatedAt: created}

	cases := []struct {
		name    string
		elapsed time.Duration
		ttl     time.Duration
		want    bool
	}{
		{"fresh", time.Second, DefaultTTL, false},
		{"exactly ttl", DefaultTTL, DefaultTTL, false},
		{"ttl plus 1ns", DefaultTTL + time.Nanosecond, DefaultTTL, true},
		{"901s", 901 * time.Second, DefaultTTL, true},
		{"no expiry", 1000 * time.Hour, 0, false},
	}
	for _, tc := range cases {
		if got := e.Expired(created.Add(tc.elapsed), tc.ttl); got != tc.want {
			t.Fatalf("%s: Expired = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestGetOrFetchServesFreshEntryWithoutFetching(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := New[testKey, int](DefaultTTL, WithClock(clk.Now))
	var calls atomic.Int32
	fetch := func(context.Context) (int, error) {
		calls.Add(1)
		return 42, nil
	}

	first, err := c.GetOrFetch(context.Background(), "k", false, fetch)
	if err != nil {
		t.Fatalf("GetOrFetch err = %v", err)
	}
	if !first.CreatedAt.Equal(clk.Now()) {
		t.Fatalf("CreatedAt = %v, want %v", first.CreatedAt, clk.Now())
	}

	clk.Advance(DefaultTTL)
	second, err := c.GetOrFetch(context.Background(), "k", false, fetch)
	if err != nil {
		t.Fatalf("GetOrFetch err = %v", err)
	}
	if second != first {
		t.Fatalf("second call returned a different entry")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("fetch calls = %d, want 1", got)
	}

	clk.Advance(time.Second)
	third, err := c.GetOrFetch(context.Background(), "k", false, fetch)
	if err != nil {
		t.Fatalf("GetOrFetch err = %v", err)
	}
	if third == first {
		t.Fatalf("expired entry was served")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("fetch calls = %d, want 2", got)
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 2 || st.Fetches != 2 || st.Entries != 1 {
		t.Fatalf("Stats = %+v", st)
	}
}

func TestGetOrFetchSingleFlight(t *testing.T) {
	t.Parallel()

	c := New[testKey, int](DefaultTTL)
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 7, nil
	}

	const n = 16
	var (
		started sync.WaitGroup
		done    sync.WaitGroup
		entries = make([]*Entry[int], n)
		errs    = make([]error, n)
	)
	started.Add(n)
	done.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			entries[i], errs[i] = c.GetOrFetch(context.Background(), "lb", false, fetch)
		}(i)
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("fetch calls = %d, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d err = %v", i, errs[i])
		}
		if entries[i] != entries[0] {
			t.Fatalf("caller %d observed a different entry", i)
		}
	}
}

func TestGetOrFetchSharesFailure(t *testing.T) {
	t.Parallel()

	c := New[testKey, int](DefaultTTL)
	boom := errors.New("boom")
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 0, boom
	}

	const n = 8
	var started, done sync.WaitGroup
	errs := make([]error, n)
	started.Add(n)
	done.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			_, errs[i] = c.GetOrFetch(context.Background(), "lb", false, fetch)
		}(i)
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("fetch calls = %d, want 1", got)
	}
	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("caller %d err = %v, want %v", i, err, boom)
		}
	}
	if c.Len() != 0 {
		t.Fatalf("failed fetch stored an entry")
	}
}

func TestGetOrFetchFailureKeepsPreviousEntry(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := New[testKey, string](DefaultTTL, WithClock(clk.Now))
	old, err := c.GetOrFetch(context.Background(), "k", false, func(context.Context) (string, error) {
		return "old", nil
	})
	if err != nil {
		t.Fatalf("GetOrFetch err = %v", err)
	}

	clk.Advance(901 * time.Second)
	boom := errors.New("upstream down")
	if _, err := c.GetOrFetch(context.Background(), "k", false, func(context.Context) (string, error) {
		return "", boom
	}); !errors.Is(err, boom) {
		t.Fatalf("GetOrFetch err = %v, want %v", err, boom)
	}

	got, ok := c.Peek("k")
	if !ok || got != old {
		t.Fatalf("Peek = %v, %v; want previous entry", got, ok)
	}
	if st := c.Stats(); st.Failures != 1 {
		t.Fatalf("Failures = %d, want 1", st.Failures)
	}
}

func TestGetOrFetchForceRefresh(t *testing.T) {
	t.Parallel()

	c := New[testKey, int](DefaultTTL)
	var calls atomic.Int32
	fetch := func(context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}

	if _, err := c.GetOrFetch(context.Background(), "k", false, fetch); err != nil {
		t.Fatalf("GetOrFetch err = %v", err)
	}
	e, err := c.GetOrFetch(context.Background(), "k", true, fetch)
	if err != nil {
		t.Fatalf("GetOrFetch(force) err = %v", err)
	}
	if e.Value != 2 || calls.Load() != 2 {
		t.Fatalf("force refresh value = %d calls = %d, want 2 and 2", e.Value, calls.Load())
	}
}

func TestGetOrFetchCallerCancelDoesNotAbortFetch(t *testing.T) {
	t.Parallel()

	c := New[testKey, int](DefaultTTL)
	release := make(chan struct{})
	fetched := make(chan struct{})
	fetch := func(ctx context.Context) (int, error) {
		<-release
		defer close(fetched)
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(ctx, "k", false, fetch)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("GetOrFetch err = %v, want context.Canceled", err)
	}

	close(release)
	<-fetched
	deadline := time.Now().Add(time.Second)
	for c.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := c.Peek("k"); !ok {
		t.Fatalf("detached fetch did not store its entry")
	}
}

func TestGetOrFetchRecoversPanic(t *testing.T) {
	t.Parallel()

	c := New[testKey, int](DefaultTTL)
	_, err := c.GetOrFetch(context.Background(), "k", false, func(context.Context) (int, error) {
		panic("kaboom")
	})
	if err == nil {
		t.Fatalf("GetOrFetch err = nil, want panic error")
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	c := New[testKey, int](DefaultTTL)
	_, _ = c.GetOrFetch(context.Background(), "k", false, func(context.Context) (int, error) { return 1, nil })
	c.Delete("k")
	if _, ok := c.Peek("k"); ok {
		t.Fatalf("Peek after Delete found an entry")
	}
}
