// Package daily runs the hourly posting loop.
//
// The loop sleeps until the top of the next hour in a fixed zone (EST by
// default), and during the posting month delivers every leaderboard and puzzle
// subscription due at that hour. Each subscription is isolated: a failed fetch
// or send is recorded in the tick's Report and the rest of the batch continues.
package daily

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"aocbot/internal/aoc"
	"aocbot/internal/cache"
	"aocbot/internal/eventbus"
	"aocbot/internal/format"
	"aocbot/internal/ranking"
	"aocbot/internal/storage"
	kit "aocbot/internal/transport"
	"aocbot/pkg/logx"
)

// ErrNoCredential is recorded for leaderboard subscriptions whose tenant has unregistered.
var ErrNoCredential = errors.New("tenant has no registered credential")

// ErrPanic wraps a panic recovered from one subscription's work.
var ErrPanic = errors.New("panic in subscription work")

const IdleStatus = "Waiting for Advent of Code"

// ActiveStatus is the status shown during the posting month.
func ActiveStatus(day int) string { return "Advent of Code Day " + strconv.Itoa(day) }

var topOfHour = mustParse("0 * * * *")

func mustParse(spec string) cron.Schedule {
	s, err := cron.ParseStandard(spec)
	if err != nil {
		panic(err)
	}
	return s
}

type Config struct {
	// Zone ticks are evaluated in. Nil means aoc.EST.
	Zone *time.Location
	// Month is the posting month. Zero means December.
	Month time.Month
	// Workers bounds concurrent fetches and sends within a category.
	Workers int
	// TickTimeout bounds one tick. Zero means 10 minutes.
	TickTimeout time.Duration
}

type Deps struct {
	Leaderboards  LeaderboardSource
	Puzzles       PuzzleSource
	Credentials   CredentialStore
	Subscriptions SubscriptionStore
	Delivery      Delivery
	Status        ActivityReporter
	Bus           eventbus.Bus
	Log           logx.Logger

	LeaderboardURL func(event, leaderboardID string) string
	PuzzleURL      func(year, day int) string

	Now   func() time.Time
	After func(d time.Duration) <-chan time.Time
}

type Scheduler struct {
	cfg  Config
	zone *time.Location
	d    Deps
	log  logx.Logger

	last atomic.Pointer[Report]
}

func New(cfg Config, d Deps) (*Scheduler, error) {
	switch {
	case d.Leaderboards == nil, d.Puzzles == nil:
		return nil, errors.New("daily: leaderboard and puzzle sources are required")
	case d.Credentials == nil, d.Subscriptions == nil:
		return nil, errors.New("daily: credential and subscription stores are required")
	case d.Delivery == nil:
		return nil, errors.New("daily: delivery is required")
	}
	if cfg.Zone == nil {
		cfg.Zone = aoc.EST
	}
	if cfg.Month == 0 {
		cfg.Month = time.December
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 10 * time.Minute
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.After == nil {
		d.After = time.After
	}
	if d.LeaderboardURL == nil {
		d.LeaderboardURL = func(string, string) string { return "" }
	}
	if d.PuzzleURL == nil {
		d.PuzzleURL = func(int, int) string { return "" }
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:  cfg,
		zone: cfg.Zone,
		d:    d,
		log:  log.With(logx.String("comp", "daily")),
	}, nil
}

func (s *Scheduler) Zone() *time.Location { return s.zone }

// NextHour returns the first top of the hour strictly after now.
func (s *Scheduler) NextHour(now time.Time) time.Time {
	return topOfHour.Next(now.In(s.zone))
}

// LastReport returns the report of the most recent tick.
func (s *Scheduler) LastReport() (Report, bool) {
	r := s.last.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

// Run blocks until ctx is done, ticking at every top of the hour.
// It only returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	s.setStatus(ctx, s.d.Now().In(s.zone))
	for {
		now := s.d.Now()
		next := s.NextHour(now)
		s.log.Debug("sleeping until next hour", logx.Time("next", next), logx.Duration("in", next.Sub(now)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.d.After(next.Sub(now)):
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		at := s.d.Now()
		if at.Before(next) {
			at = next
		}
		s.safeTick(ctx, at)
	}
}

func (s *Scheduler) safeTick(ctx context.Context, at time.Time) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("daily tick panicked",
				logx.Any("panic", p),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	s.Tick(ctx, at)
}

// Tick runs the work due at now. Outside the posting month it only updates the
// status line: no fetches, no deliveries.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) Report {
	start := time.Now()
	now = now.In(s.zone)
	r := Report{At: now, Event: now.Year(), Day: now.Day(), Hour: now.Hour()}

	s.setStatus(ctx, now)
	if now.Month() != s.cfg.Month {
		r.Skipped = true
		s.finish(r, start)
		return r
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()

	var (
		wg     sync.WaitGroup
		lb, pz categoryResult
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		lb = s.runLeaderboards(ctx, now)
	}()
	go func() {
		defer wg.Done()
		pz = s.runPuzzles(ctx, now)
	}()
	wg.Wait()

	r.LeaderboardsDue, r.LeaderboardsDelivered = lb.due, lb.delivered
	r.PuzzlesDue, r.PuzzlesDelivered = pz.due, pz.delivered
	r.Failures = append(lb.failures, pz.failures...)
	for _, err := range []error{lb.err, pz.err} {
		if err != nil {
			r.Errors = append(r.Errors, err)
		}
	}
	s.finish(r, start)
	return r
}

func (s *Scheduler) setStatus(ctx context.Context, now time.Time) {
	if s.d.Status == nil {
		return
	}
	now = now.In(s.zone)
	if now.Month() != s.cfg.Month {
		s.d.Status.SetStatus(ctx, IdleStatus)
		return
	}
	s.d.Status.SetStatus(ctx, ActiveStatus(now.Day()))
}

func (s *Scheduler) finish(r Report, start time.Time) {
	r.Took = time.Since(start)
	s.last.Store(&r)

	for _, f := range r.Failures {
		s.log.Warn("daily delivery failed",
			logx.String("category", string(f.Category)),
			logx.Stringer("target", f.Target),
			logx.String("tenant", f.TenantID),
			logx.Err(f.Err),
		)
	}
	for _, err := range r.Errors {
		s.log.Error("daily category aborted", logx.Err(err))
	}
	fields := []logx.Field{
		logx.Int("hour", r.Hour),
		logx.Bool("skipped", r.Skipped),
		logx.Int("leaderboards_due", r.LeaderboardsDue),
		logx.Int("leaderboards_delivered", r.LeaderboardsDelivered),
		logx.Int("puzzles_due", r.PuzzlesDue),
		logx.Int("puzzles_delivered", r.PuzzlesDelivered),
		logx.Int("failures", len(r.Failures)),
		logx.Duration("took", r.Took),
	}
	if r.Skipped {
		s.log.Debug("daily tick skipped", fields...)
	} else {
		s.log.Info("daily tick done", fields...)
	}
	if s.d.Bus != nil {
		s.d.Bus.Publish(eventbus.Event{Type: eventbus.TopicDailyTick, Data: r})
	}
}

type categoryResult struct {
	due       int
	delivered int
	failures  []Failure
	err       error
}

// collector gathers per-subscription outcomes from concurrent workers.
type collector struct {
	mu  sync.Mutex
	res categoryResult
}

func (c *collector) ok() {
	c.mu.Lock()
	c.res.delivered++
	c.mu.Unlock()
}

func (c *collector) fail(f Failure) {
	c.mu.Lock()
	c.res.failures = append(c.res.failures, f)
	c.mu.Unlock()
}

// guard runs fn and reports a panic as an error wrapping ErrPanic.
func (s *Scheduler) guard(what string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("daily work panicked",
				logx.String("work", what),
				logx.Any("panic", p),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()
	return fn()
}

type tenantBoard struct {
	cred  aoc.Credential
	entry *cache.Entry[*aoc.Leaderboard]
	err   error
}

func (s *Scheduler) runLeaderboards(ctx context.Context, now time.Time) categoryResult {
	subs, err := s.d.Subscriptions.LeaderboardSubscriptionsAt(ctx, now.Hour())
	if err != nil {
		return categoryResult{err: fmt.Errorf("read leaderboard subscriptions: %w", err)}
	}
	if len(subs) == 0 {
		return categoryResult{}
	}
	event := strconv.Itoa(now.Year())

	// One credential lookup and one cache request per tenant.
	boards := make(map[string]*tenantBoard)
	var tenants []string
	for _, sub := range subs {
		if _, ok := boards[sub.TenantID]; !ok {
			boards[sub.TenantID] = &tenantBoard{}
			tenants = append(tenants, sub.TenantID)
		}
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, tenant := range tenants {
		tb := boards[tenant]
		g.Go(func() error {
			tb.err = s.guard("resolve", func() error {
				var err error
				tb.cred, tb.entry, err = s.resolve(ctx, tenant, event)
				return err
			})
			return nil
		})
	}
	_ = g.Wait()

	c := &collector{res: categoryResult{due: len(subs)}}
	for _, sub := range subs {
		tb := boards[sub.TenantID]
		g.Go(func() error {
			err := s.guard("leaderboard", func() error {
				if tb.err != nil {
					return tb.err
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				m := format.For(sub.Target.Platform)
				text := format.Leaderboard(m, format.LeaderboardPost{
					Event:     event,
					URL:       s.d.LeaderboardURL(event, tb.cred.LeaderboardID),
					View:      ranking.Rank(tb.entry.Value.Members, sub.Ordering),
					FetchedAt: tb.entry.CreatedAt,
					Now:       now,
				})
				return s.d.Delivery.Send(ctx, sub.Target, text, &kit.SendOptions{ParseMode: m.ParseMode(), DisablePreview: true})
			})
			if err != nil {
				c.fail(Failure{Category: CategoryLeaderboard, Target: sub.Target, TenantID: sub.TenantID, Err: err})
				return nil
			}
			c.ok()
			return nil
		})
	}
	_ = g.Wait()
	return c.res
}

func (s *Scheduler) resolve(ctx context.Context, tenant, event string) (aoc.Credential, *cache.Entry[*aoc.Leaderboard], error) {
	if err := ctx.Err(); err != nil {
		return aoc.Credential{}, nil, err
	}
	cred, ok, err := s.d.Credentials.Lookup(ctx, tenant)
	if err != nil {
		return aoc.Credential{}, nil, fmt.Errorf("lookup credential: %w", err)
	}
	if !ok {
		return aoc.Credential{}, nil, ErrNoCredential
	}
	entry, err := s.d.Leaderboards.Leaderboard(ctx, event, cred, false)
	if err != nil {
		return cred, nil, fmt.Errorf("fetch leaderboard %s: %w", cred.LeaderboardID, err)
	}
	return cred, entry, nil
}

func (s *Scheduler) runPuzzles(ctx context.Context, now time.Time) categoryResult {
	year, day := now.Year(), now.Day()
	if day > aoc.LastDay {
		return categoryResult{}
	}
	subs, err := s.d.Subscriptions.PuzzleSubscriptionsAt(ctx, now.Hour())
	if err != nil {
		return categoryResult{err: fmt.Errorf("read puzzle subscriptions: %w", err)}
	}
	if len(subs) == 0 {
		return categoryResult{}
	}

	// The post goes out without a title if the page cannot be read.
	var puzzle *aoc.Puzzle
	if entry, err := s.d.Puzzles.Puzzle(ctx, year, day); err != nil {
		s.log.Warn("puzzle metadata unavailable", logx.Int("year", year), logx.Int("day", day), logx.Err(err))
	} else {
		puzzle = entry.Value
	}
	url := s.d.PuzzleURL(year, day)

	c := &collector{res: categoryResult{due: len(subs)}}
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, sub := range subs {
		g.Go(func() error {
			err := s.guard("puzzle", func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				m := format.For(sub.Target.Platform)
				text := format.Puzzle(m, year, day, puzzle, url)
				return s.d.Delivery.Send(ctx, sub.Target, text, &kit.SendOptions{ParseMode: m.ParseMode()})
			})
			if err != nil {
				c.fail(Failure{Category: CategoryPuzzle, Target: sub.Target, TenantID: sub.TenantID, Err: err})
				return nil
			}
			c.ok()
			return nil
		})
	}
	_ = g.Wait()
	return c.res
}

var _ SubscriptionStore = (storage.Store)(nil)
