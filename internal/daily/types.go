package daily

import (
	"context"
	"time"

	"aocbot/internal/aoc"
	"aocbot/internal/cache"
	"aocbot/internal/storage"
	kit "aocbot/internal/transport"
)

// LeaderboardSource serves leaderboards through the shared cache.
type LeaderboardSource interface {
	Leaderboard(ctx context.Context, event string, cred aoc.Credential, force bool) (*cache.Entry[*aoc.Leaderboard], error)
}

// PuzzleSource serves puzzle metadata.
type PuzzleSource interface {
	Puzzle(ctx context.Context, year, day int) (*cache.Entry[*aoc.Puzzle], error)
}

type CredentialStore interface {
	Lookup(ctx context.Context, tenantID string) (aoc.Credential, bool, error)
}

type SubscriptionStore interface {
	LeaderboardSubscriptionsAt(ctx context.Context, hour int) ([]storage.LeaderboardSubscription, error)
	PuzzleSubscriptionsAt(ctx context.Context, hour int) ([]storage.PuzzleSubscription, error)
}

// Delivery posts one message. Errors are reported per subscription and never stop a tick.
type Delivery interface {
	Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error
}

// ActivityReporter shows a short status line. It must not block.
type ActivityReporter interface {
	SetStatus(ctx context.Context, text string)
}

type Category string

const (
	CategoryLeaderboard Category = "leaderboard"
	CategoryPuzzle      Category = "puzzle"
)

// Failure is one subscription that could not be served in a tick.
type Failure struct {
	Category Category
	Target   kit.ChatTarget
	TenantID string
	Err      error
}

// Report summarizes one tick.
type Report struct {
	At      time.Time // wall clock in the scheduler zone
	Event   int
	Day     int
	Hour    int
	Skipped bool // outside the posting month

	LeaderboardsDue       int
	LeaderboardsDelivered int
	PuzzlesDue            int
	PuzzlesDelivered      int

	Failures []Failure
	// Errors are category level failures (store unreadable) that skipped a whole category.
	Errors []error
	Took   time.Duration
}

// OK reports whether every due subscription was delivered.
func (r Report) OK() bool { return len(r.Failures) == 0 && len(r.Errors) == 0 }
