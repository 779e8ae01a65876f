// Package app wires configuration, transports, the upstream cache, the
// daily scheduler and the command router into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gobreaker "github.com/sony/gobreaker/v2"

	"aocbot/internal/aoc"
	"aocbot/internal/cache"
	"aocbot/internal/config"
	"aocbot/internal/daily"
	"aocbot/internal/eventbus"
	"aocbot/internal/metrics"
	"aocbot/internal/notifier"
	"aocbot/internal/observability"
	"aocbot/internal/runtime/supervisor"
	"aocbot/internal/storage"
	kit "aocbot/internal/transport"
	"aocbot/internal/transport/discord"
	telegram "aocbot/internal/transport/telegram/adapter"
	"aocbot/internal/transport/router"
	"aocbot/pkg/logx"
	"aocbot/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	events *eventbus.Recorder
	store  storage.Store

	mux    *kit.Mux
	client *aoc.Client
	boards *aoc.Service
	notif  *notifier.Service
	daily  *daily.Scheduler
	router *router.Router
	http   *observability.Server
	sd     *systemd.Notifier

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The chat sink gets its sender once the transports exist.
	logSvc, root := logx.New(mapLogConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		events:  eventbus.NewRecorder(),
		sd:      systemd.NewNotifier(root),
		updates: make(chan kit.Update, 256),
	}

	adapters, err := newAdapters(cfg, root)
	if err != nil {
		return nil, err
	}
	a.mux = kit.NewMux(adapters...)
	logSvc.SetSender(a.mux)

	sc := mapStorageConfig(cfg)
	a.store, err = storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a.client = aoc.NewClient(mapClientConfig(cfg),
		aoc.WithLogger(root.With(logx.String("comp", "aoc"))),
		aoc.WithFetchObserver(metrics.RecordFetchFailure),
		aoc.WithBreakerObserver(func(name string, to gobreaker.State) {
			a.bus.Publish(eventbus.Event{Type: eventbus.TopicBreakerState, Time: time.Now(), Data: aoc.BreakerEvent{Name: name, State: to.String()}})
		}),
	)
	a.boards = aoc.NewService(a.client,
		aoc.WithTTL(cacheTTL(cfg)),
		aoc.WithServiceLogger(root.With(logx.String("comp", "cache"))),
	)
	if err := prometheus.Register(metrics.NewCacheCollector(map[string]func() cache.Stats{
		"leaderboard": a.boards.LeaderboardStats,
		"puzzle":      a.boards.PuzzleStats,
	})); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
	}

	a.notif = notifier.New(mapNotifierConfig(cfg), a.mux, root, a.bus)

	dcfg := mapDailyConfig(cfg)
	if cfg.Daily.IsEnabled() {
		a.daily, err = daily.New(dcfg, daily.Deps{
			Leaderboards:   a.boards,
			Puzzles:        a.boards,
			Credentials:    a.store,
			Subscriptions:  a.store,
			Delivery:       a.notif,
			Status:         newStatusReporter(a.mux, root),
			Bus:            a.bus,
			Log:            root,
			LeaderboardURL: a.client.LeaderboardURL,
			PuzzleURL:      a.client.PuzzleURL,
		})
		if err != nil {
			return nil, err
		}
	}

	a.router = router.New(mapRouterConfig(cfg), a.mux, root, a.bus)
	a.router.SetRegistry(router.Commands(router.Deps{
		AoC:            a.boards,
		Store:          a.store,
		Events:         a.events,
		Bus:            a.bus,
		Deliveries:     a.notif,
		Runtime:        a.runtime,
		LeaderboardURL: a.client.LeaderboardURL,
		PuzzleURL:      a.client.PuzzleURL,
		Zone:           dcfg.Zone,
	}))
	for platform, ids := range owners(cfg) {
		a.router.SetOwners(platform, ids)
	}

	a.http = observability.New(observability.FromConfig(cfg.HTTP), a.health, root)
	return a, nil
}

func newAdapters(cfg *config.Config, log logx.Logger) ([]kit.Adapter, error) {
	var out []kit.Adapter
	if tok := strings.TrimSpace(cfg.Telegram.Token); tok != "" {
		tg, err := telegram.New(telegram.Config{
			Token:       tok,
			PollTimeout: config.DurationOr(cfg.Telegram.PollTimeout, 10*time.Second),
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		out = append(out, tg)
	}
	if cfg.Discord != nil && strings.TrimSpace(cfg.Discord.Token) != "" {
		dc, err := discord.New(discord.Config{Token: cfg.Discord.Token, Prefix: cfg.Discord.Prefix}, log)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		out = append(out, dc)
	}
	if len(out) == 0 {
		return nil, errors.New("no transport configured")
	}
	return out, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	sup := a.sup

	sup.Go("events.record", func(c context.Context) error {
		a.events.Run(c, a.bus)
		return nil
	})
	sup.Go("metrics.consume", func(c context.Context) error {
		metrics.Consume(c, a.bus)
		return nil
	})

	if err := a.mux.Start(sup.Context(), a.updates); err != nil {
		sup.Cancel()
		return err
	}
	sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	sup.Go("router.menu", func(c context.Context) error {
		// A stale menu is cosmetic; the error was already logged.
		_ = a.router.SyncMenu(c)
		return nil
	})

	if a.daily != nil {
		sup.Go("daily.scheduler", a.daily.Run)
	} else {
		a.log.Info("daily posts disabled")
	}

	a.http.Start(sup.Context())

	sub := a.cfgm.Subscribe(8)
	sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	sup.Go("config.watch", a.cfgm.Watch)

	if a.sd.Ready() {
		a.sd.Status("serving " + strings.Join(a.mux.Platforms(), ", "))
	}
	sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})

	a.log.Info("app started", logx.Strings("platforms", a.mux.Platforms()))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the live-reloadable sections to their components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.sd.Reloading()
	defer a.sd.Ready()

	a.logs.Apply(mapLogConfig(next))
	for platform, ids := range owners(next) {
		a.router.SetOwners(platform, ids)
	}
	a.notif.Apply(mapNotifierConfig(next))
	a.http.Reconfigure(ctx, observability.FromConfig(next.HTTP))

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfigReloaded, Time: time.Now(), Data: sections})

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// runtime merges the app supervisor with the component supervisors.
func (a *App) runtime() supervisor.Snapshot {
	if a.sup == nil {
		return supervisor.Snapshot{}
	}
	snap := a.sup.Snapshot()
	for _, s := range []*supervisor.Supervisor{a.router.Supervisor(), a.http.Supervisor()} {
		if s == nil {
			continue
		}
		sub := s.Snapshot()
		snap.Active += sub.Active
		snap.Tasks = append(snap.Tasks, sub.Tasks...)
	}
	return snap
}

func (a *App) health() (any, error) {
	snap := a.runtime()
	detail := map[string]any{
		"active_tasks":  snap.Active,
		"breaker":       a.client.BreakerState(),
		"platforms":     a.mux.Platforms(),
		"notifications": a.notif.Stats(),
		"cache_entries": a.boards.LeaderboardStats().Entries,
		"daily_enabled": a.daily != nil,
	}
	if a.daily != nil {
		if r, ok := a.daily.LastReport(); ok {
			detail["last_tick"] = r.At
		}
	}
	if snap.FirstError != "" {
		return detail, errors.New(snap.FirstError)
	}
	return detail, nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("adapters", 3*time.Second, a.mux.Stop)
	step("supervisor", 4*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
