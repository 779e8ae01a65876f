package aoc

import (
	"context"
	"strconv"
	"time"

	"aocbot/internal/cache"
	"aocbot/pkg/logx"
)

// Fetcher is the network boundary. *Client implements it.
type Fetcher interface {
	FetchLeaderboard(ctx context.Context, event string, cred Credential) (*Leaderboard, error)
	FetchPuzzle(ctx context.Context, year, day int) (*Puzzle, error)
}

type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	ttl   time.Duration
	clock func() time.Time
	log   logx.Logger
}

// WithTTL overrides cache.DefaultTTL for leaderboards.
func WithTTL(ttl time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(o *serviceOptions) { o.clock = now }
}

func WithServiceLogger(log logx.Logger) ServiceOption {
	return func(o *serviceOptions) { o.log = log }
}

// Service is the shared read path for leaderboards and puzzles. It is owned by
// the app and handed to both the scheduler and the command router.
type Service struct {
	fetch   Fetcher
	boards  *cache.Cache[CacheKey, *Leaderboard]
	puzzles *cache.Cache[PuzzleKey, *Puzzle]
	log     logx.Logger
}

func NewService(f Fetcher, opts ...ServiceOption) *Service {
	o := serviceOptions{ttl: cache.DefaultTTL, clock: time.Now, log: logx.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Service{
		fetch:   f,
		boards:  cache.New[CacheKey, *Leaderboard](o.ttl, cache.WithClock(o.clock)),
		puzzles: cache.New[PuzzleKey, *Puzzle](0, cache.WithClock(o.clock)),
		log:     o.log,
	}
}

// Leaderboard returns the cached leaderboard of cred for event, fetching it when
// missing, older than the TTL, or when force is set.
func (s *Service) Leaderboard(ctx context.Context, event string, cred Credential, force bool) (*cache.Entry[*Leaderboard], error) {
	key := CacheKey{Event: event, LeaderboardID: cred.LeaderboardID}
	return s.boards.GetOrFetch(ctx, key, force, func(ctx context.Context) (*Leaderboard, error) {
		start := time.Now()
		lb, err := s.fetch.FetchLeaderboard(ctx, event, cred)
		fields := []logx.Field{
			logx.String("key", key.String()),
			logx.Bool("force", force),
			logx.Duration("took", time.Since(start)),
		}
		if err != nil {
			s.log.Warn("leaderboard fetch failed", append(fields, logx.String("kind", KindOf(err).String()), logx.Err(err))...)
			return nil, err
		}
		s.log.Info("leaderboard fetched", append(fields, logx.Int("members", len(lb.Members)))...)
		return lb, nil
	})
}

// Puzzle returns the puzzle metadata for (year, day). Puzzles never change, so
// a successful fetch is kept for the life of the process.
func (s *Service) Puzzle(ctx context.Context, year, day int) (*cache.Entry[*Puzzle], error) {
	key := PuzzleKey{Year: year, Day: day}
	return s.puzzles.GetOrFetch(ctx, key, false, func(ctx context.Context) (*Puzzle, error) {
		p, err := s.fetch.FetchPuzzle(ctx, year, day)
		if err != nil {
			s.log.Warn("puzzle fetch failed",
				logx.String("key", key.String()),
				logx.String("kind", KindOf(err).String()),
				logx.Err(err),
			)
			return nil, err
		}
		return p, nil
	})
}

// Invalidate drops the cached leaderboard so the next request fetches it again.
func (s *Service) Invalidate(event, leaderboardID string) {
	s.boards.Delete(CacheKey{Event: event, LeaderboardID: leaderboardID})
}

// InvalidateAll drops every cached event of leaderboardID from FirstEvent to lastEvent.
func (s *Service) InvalidateAll(leaderboardID string, lastEvent int) {
	for y := FirstEvent; y <= lastEvent; y++ {
		s.Invalidate(strconv.Itoa(y), leaderboardID)
	}
}

func (s *Service) LeaderboardStats() cache.Stats { return s.boards.Stats() }
func (s *Service) PuzzleStats() cache.Stats      { return s.puzzles.Stats() }

// Now is the clock the caches use.
func (s *Service) Now() time.Time { return s.boards.Now() }
