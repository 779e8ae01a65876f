package aoc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeFetcher struct {
	boards  atomic.Int32
	puzzles atomic.Int32
	lb      *Leaderboard
	err     error
}

func (f *fakeFetcher) FetchLeaderboard(_ context.Context, event string, _ Credential) (*Leaderboard, error) {
	f.boards.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.lb, nil
}

func (f *fakeFetcher) FetchPuzzle(_ context.Context, year, day int) (*Puzzle, error) {
	f.puzzles.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &Puzzle{Year: year, Day: day, Name: "Test"}, nil
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestServiceLeaderboardLifecycle(t *testing.T) {
	t.Parallel()

	clk := &stepClock{t: time.Date(2023, time.December, 3, 12, 0, 0, 0, time.UTC)}
	f := &fakeFetcher{lb: &Leaderboard{Event: "2023", Members: []Member{{ID: 1}, {ID: 2}, {ID: 3}}}}
	s := NewService(f, WithClock(clk.Now))
	cred := Credential{SessionToken: "s", LeaderboardID: "111"}

	first, err := s.Leaderboard(context.Background(), "2023", cred, false)
	if err != nil {
		t.Fatalf("Leaderboard err = %v", err)
	}
	if len(first.Value.Members) != 3 || !first.CreatedAt.Equal(clk.Now()) {
		t.Fatalf("entry = %+v", first)
	}

	clk.Advance(10 * time.Minute)
	second, err := s.Leaderboard(context.Background(), "2023", cred, false)
	if err != nil {
		t.Fatalf("Leaderboard err = %v", err)
	}
	if second != first || f.boards.Load() != 1 {
		t.Fatalf("second call fetched again (calls = %d)", f.boards.Load())
	}

	clk.Advance(901*time.Second - 10*time.Minute)
	third, err := s.Leaderboard(context.Background(), "2023", cred, false)
	if err != nil {
		t.Fatalf("Leaderboard err = %v", err)
	}
	if third == first || f.boards.Load() != 2 {
		t.Fatalf("call after 901s did not fetch (calls = %d)", f.boards.Load())
	}

	s.Invalidate("2023", "111")
	if _, err := s.Leaderboard(context.Background(), "2023", cred, false); err != nil {
		t.Fatalf("Leaderboard err = %v", err)
	}
	if f.boards.Load() != 3 {
		t.Fatalf("Invalidate did not force a fetch (calls = %d)", f.boards.Load())
	}
}

func TestServicePuzzleIsCachedForever(t *testing.T) {
	t.Parallel()

	clk := &stepClock{t: time.Date(2023, time.December, 3, 12, 0, 0, 0, time.UTC)}
	f := &fakeFetcher{}
	s := NewService(f, WithClock(clk.Now))

	for i := 0; i < 3; i++ {
		if _, err := s.Puzzle(context.Background(), 2023, 3); err != nil {
			t.Fatalf("Puzzle err = %v", err)
		}
		clk.Advance(24 * time.Hour)
	}
	if f.puzzles.Load() != 1 {
		t.Fatalf("puzzle fetches = %d, want 1", f.puzzles.Load())
	}
}

func TestServicePropagatesTypedErrors(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{err: &FetchError{Kind: KindNotFound, Op: "leaderboard", Status: 404}}
	s := NewService(f)
	_, err := s.Leaderboard(context.Background(), "2023", Credential{SessionToken: "s", LeaderboardID: "9"}, false)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}
