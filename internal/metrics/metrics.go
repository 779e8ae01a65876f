// Package metrics exposes Prometheus counters for the bot.
//
// Collectors are package level and registered on the default registry.
// Most of them are fed from the event bus by Consume, so producers stay
// unaware of Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"aocbot/internal/aoc"
	"aocbot/internal/cache"
	"aocbot/internal/daily"
	"aocbot/internal/eventbus"
	"aocbot/internal/notifier"
	"aocbot/internal/transport/router"
)

var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aocbot_commands_total",
			Help: "Chat commands executed, by command and result",
		},
		[]string{"command", "result"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aocbot_command_duration_seconds",
			Help:    "Chat command latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"command"},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aocbot_deliveries_total",
			Help: "Outgoing messages by platform and result",
		},
		[]string{"platform", "result"},
	)

	DeliveryAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aocbot_delivery_attempts",
			Help:    "Send attempts needed per outgoing message",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	DailyTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aocbot_daily_ticks_total",
			Help: "Hourly scheduler ticks, by whether the tick was skipped",
		},
		[]string{"skipped"},
	)

	DailyTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aocbot_daily_tick_duration_seconds",
			Help:    "Time spent serving one hourly tick",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	DailyPostsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aocbot_daily_posts_total",
			Help: "Scheduled posts by category and result",
		},
		[]string{"category", "result"},
	)

	TenantChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aocbot_tenant_changes_total",
			Help: "Tenant registrations and removals",
		},
		[]string{"action"},
	)

	ConfigReloadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aocbot_config_reloads_total",
			Help: "Configuration reloads applied",
		},
	)

	FetchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aocbot_upstream_failures_total",
			Help: "Failed Advent of Code requests by operation and failure kind",
		},
		[]string{"op", "kind"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aocbot_upstream_breaker_state",
			Help: "Upstream circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"breaker"},
	)
)

// RecordCommand records one executed chat command.
func RecordCommand(command string, took time.Duration, failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	CommandsTotal.WithLabelValues(command, result).Inc()
	CommandDuration.WithLabelValues(command).Observe(took.Seconds())
}

// RecordDelivery records the outcome of one outgoing message.
func RecordDelivery(platform string, attempts int, failed bool) {
	result := "sent"
	if failed {
		result = "failed"
	}
	DeliveriesTotal.WithLabelValues(platform, result).Inc()
	if attempts > 0 {
		DeliveryAttempts.Observe(float64(attempts))
	}
}

// RecordTick records a finished hourly tick.
func RecordTick(r daily.Report) {
	if r.Skipped {
		DailyTicksTotal.WithLabelValues("true").Inc()
		return
	}
	DailyTicksTotal.WithLabelValues("false").Inc()
	DailyTickDuration.Observe(r.Took.Seconds())

	lbFailed := r.LeaderboardsDue - r.LeaderboardsDelivered
	pzFailed := r.PuzzlesDue - r.PuzzlesDelivered
	DailyPostsTotal.WithLabelValues(string(daily.CategoryLeaderboard), "delivered").Add(float64(r.LeaderboardsDelivered))
	DailyPostsTotal.WithLabelValues(string(daily.CategoryLeaderboard), "failed").Add(float64(max(0, lbFailed)))
	DailyPostsTotal.WithLabelValues(string(daily.CategoryPuzzle), "delivered").Add(float64(r.PuzzlesDelivered))
	DailyPostsTotal.WithLabelValues(string(daily.CategoryPuzzle), "failed").Add(float64(max(0, pzFailed)))
}

// RecordFetchFailure records one failed upstream request.
func RecordFetchFailure(op string, err error) {
	FetchFailuresTotal.WithLabelValues(op, aoc.KindOf(err).String()).Inc()
}

// RecordBreakerState maps a breaker state name to the gauge value.
func RecordBreakerState(name, state string) {
	v := 0.0
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	BreakerState.WithLabelValues(name).Set(v)
}

// Observe routes one bus event to its recorder. Unknown events are ignored.
func Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TopicCommandExecuted:
		if ev, ok := e.Data.(router.CommandEvent); ok {
			RecordCommand(ev.Command, ev.Took, ev.Error != "")
		}
	case eventbus.TopicNotifySent, eventbus.TopicNotifyFailed:
		if ev, ok := e.Data.(notifier.Event); ok {
			RecordDelivery(ev.Platform, ev.Attempts, e.Type == eventbus.TopicNotifyFailed)
		}
	case eventbus.TopicDailyTick:
		if r, ok := e.Data.(daily.Report); ok {
			RecordTick(r)
		}
	case eventbus.TopicTenantChanged:
		if ev, ok := e.Data.(router.TenantEvent); ok {
			TenantChangesTotal.WithLabelValues(ev.Action).Inc()
		}
	case eventbus.TopicConfigReloaded:
		ConfigReloadsTotal.Inc()
	case eventbus.TopicBreakerState:
		if ev, ok := e.Data.(aoc.BreakerEvent); ok {
			RecordBreakerState(ev.Name, ev.State)
		}
	}
}

// Consume feeds bus events into the collectors until ctx is done.
func Consume(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			Observe(e)
		}
	}
}

// CacheCollector exports the counters of the upstream caches.
type CacheCollector struct {
	sources map[string]func() cache.Stats

	hits, misses, fetches, failures, entries *prometheus.Desc
}

// NewCacheCollector reads stats from each named source at scrape time.
func NewCacheCollector(sources map[string]func() cache.Stats) *CacheCollector {
	labels := []string{"cache"}
	return &CacheCollector{
		sources:  sources,
		hits:     prometheus.NewDesc("aocbot_cache_hits_total", "Cache lookups served from a fresh entry", labels, nil),
		misses:   prometheus.NewDesc("aocbot_cache_misses_total", "Cache lookups that needed an upstream fetch", labels, nil),
		fetches:  prometheus.NewDesc("aocbot_cache_fetches_total", "Upstream fetches started by the cache", labels, nil),
		failures: prometheus.NewDesc("aocbot_cache_fetch_failures_total", "Upstream fetches that failed", labels, nil),
		entries:  prometheus.NewDesc("aocbot_cache_entries", "Entries currently held", labels, nil),
	}
}

func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.fetches
	ch <- c.failures
	ch <- c.entries
}

func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	for name, fn := range c.sources {
		if fn == nil {
			continue
		}
		s := fn()
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits), name)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses), name)
		ch <- prometheus.MustNewConstMetric(c.fetches, prometheus.CounterValue, float64(s.Fetches), name)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(s.Failures), name)
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries), name)
	}
}
