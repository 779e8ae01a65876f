package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aocbot/internal/aoc"
	"aocbot/internal/ranking"
	kit "aocbot/internal/transport"
)

var (
	ErrClosed      = errors.New("storage closed")
	ErrInvalidHour = errors.New("hour must be between 0 and 23")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Tenant is one registered space (Telegram chat or Discord guild).
type Tenant struct {
	ID           string
	Credential   aoc.Credential
	RegisteredBy int64
	UpdatedAt    time.Time
}

// LeaderboardSubscription posts the tenant's leaderboard to Target every day at Hour.
type LeaderboardSubscription struct {
	Target    kit.ChatTarget
	TenantID  string
	Hour      int
	Ordering  ranking.Ordering
	CreatedAt time.Time
}

// PuzzleSubscription posts the newly unlocked puzzle to Target every day at Hour.
type PuzzleSubscription struct {
	Target    kit.ChatTarget
	TenantID  string
	Hour      int
	CreatedAt time.Time
}

// AuditEntry records a state-changing command.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	Platform      string
	ChatID        int64
	ThreadID      int
	Action        string
	Target        string
	OK            bool
	Error         string
	MetaJSON      string
}

// Store is the persistence API used by the scheduler and the command layer.
type Store interface {
	// Lookup returns the credential registered for tenantID.
	Lookup(ctx context.Context, tenantID string) (aoc.Credential, bool, error)
	GetTenant(ctx context.Context, tenantID string) (Tenant, bool, error)
	PutTenant(ctx context.Context, t Tenant) error
	// DeleteTenant removes the tenant and every subscription it owns.
	DeleteTenant(ctx context.Context, tenantID string) (bool, error)

	PutLeaderboardSubscription(ctx context.Context, s LeaderboardSubscription) error
	PutPuzzleSubscription(ctx context.Context, s PuzzleSubscription) error
	DeleteLeaderboardSubscription(ctx context.Context, target kit.ChatTarget) (bool, error)
	DeletePuzzleSubscription(ctx context.Context, target kit.ChatTarget) (bool, error)

	// LeaderboardSubscriptionsAt and PuzzleSubscriptionsAt return the
	// subscriptions due at hour, ordered by target.
	LeaderboardSubscriptionsAt(ctx context.Context, hour int) ([]LeaderboardSubscription, error)
	PuzzleSubscriptionsAt(ctx context.Context, hour int) ([]PuzzleSubscription, error)
	TenantSubscriptions(ctx context.Context, tenantID string) ([]LeaderboardSubscription, []PuzzleSubscription, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

func validHour(h int) error {
	if h < 0 || h > 23 {
		return fmt.Errorf("%w: %d", ErrInvalidHour, h)
	}
	return nil
}

func targetLess(a, b kit.ChatTarget) bool {
	if a.Platform != b.Platform {
		return a.Platform < b.Platform
	}
	if a.ChatID != b.ChatID {
		return a.ChatID < b.ChatID
	}
	return a.ThreadID < b.ThreadID
}
