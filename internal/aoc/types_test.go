package aoc

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCurrentEvent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		now  time.Time
		want int
	}{
		{time.Date(2023, time.December, 1, 5, 0, 0, 0, time.UTC), 2023},
		{time.Date(2023, time.December, 1, 4, 59, 0, 0, time.UTC), 2022},
		{time.Date(2024, time.January, 3, 0, 0, 0, 0, time.UTC), 2023},
		{time.Date(2024, time.July, 3, 0, 0, 0, 0, time.UTC), 2023},
	}
	for _, tc := range cases {
		if got := CurrentEvent(tc.now); got != tc.want {
			t.Fatalf("CurrentEvent(%v) = %d, want %d", tc.now, got, tc.want)
		}
	}
}

func TestPuzzleUnlocked(t *testing.T) {
	t.Parallel()

	now := time.Date(2023, time.December, 5, 5, 0, 0, 0, time.UTC) // midnight EST on the 5th
	cases := []struct {
		year, day int
		want      bool
	}{
		{2023, 5, true},
		{2023, 6, false},
		{2022, 25, true},
		{2014, 1, false},
		{2023, 0, false},
		{2023, 26, false},
	}
	for _, tc := range cases {
		if got := PuzzleUnlocked(tc.year, tc.day, now); got != tc.want {
			t.Fatalf("PuzzleUnlocked(%d, %d) = %v, want %v", tc.year, tc.day, got, tc.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("tick: %w", &FetchError{Kind: KindUnauthorized, Op: "leaderboard", Status: 403})
	if KindOf(wrapped) != KindUnauthorized {
		t.Fatalf("KindOf(wrapped) = %v", KindOf(wrapped))
	}
	if !errors.Is(wrapped, ErrUnauthorized) || errors.Is(wrapped, ErrNotFound) {
		t.Fatalf("errors.Is mismatch for %v", wrapped)
	}
	if KindOf(errors.New("other")) != KindTransient {
		t.Fatalf("unknown errors should be transient")
	}
	if KindOf(ErrNotFound) != KindNotFound {
		t.Fatalf("KindOf(ErrNotFound) = %v", KindOf(ErrNotFound))
	}
}
