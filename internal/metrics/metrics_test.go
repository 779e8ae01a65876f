package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"aocbot/internal/aoc"
	"aocbot/internal/cache"
	"aocbot/internal/daily"
	"aocbot/internal/eventbus"
	"aocbot/internal/notifier"
	"aocbot/internal/transport/router"
)

// Collectors are global, so these tests compare deltas and do not run in parallel.

func TestRecordCommand(t *testing.T) {
	ok := testutil.ToFloat64(CommandsTotal.WithLabelValues("leaderboard", "ok"))
	failed := testutil.ToFloat64(CommandsTotal.WithLabelValues("leaderboard", "error"))

	RecordCommand("leaderboard", 120*time.Millisecond, false)
	RecordCommand("leaderboard", time.Second, true)
	RecordCommand("leaderboard", 10*time.Millisecond, false)

	if got := testutil.ToFloat64(CommandsTotal.WithLabelValues("leaderboard", "ok")) - ok; got != 2 {
		t.Fatalf("ok delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(CommandsTotal.WithLabelValues("leaderboard", "error")) - failed; got != 1 {
		t.Fatalf("error delta = %v, want 1", got)
	}
}

func TestRecordTick(t *testing.T) {
	skipped := testutil.ToFloat64(DailyTicksTotal.WithLabelValues("true"))
	ran := testutil.ToFloat64(DailyTicksTotal.WithLabelValues("false"))
	lbFailed := testutil.ToFloat64(DailyPostsTotal.WithLabelValues("leaderboard", "failed"))
	pzSent := testutil.ToFloat64(DailyPostsTotal.WithLabelValues("puzzle", "delivered"))

	RecordTick(daily.Report{Skipped: true})
	RecordTick(daily.Report{
		LeaderboardsDue:       3,
		LeaderboardsDelivered: 1,
		PuzzlesDue:            2,
		PuzzlesDelivered:      2,
		Took:                  300 * time.Millisecond,
	})

	tests := []struct {
		name string
		c    prometheus.Collector
		base float64
		want float64
	}{
		{"skipped ticks", DailyTicksTotal.WithLabelValues("true"), skipped, 1},
		{"served ticks", DailyTicksTotal.WithLabelValues("false"), ran, 1},
		{"leaderboard failures", DailyPostsTotal.WithLabelValues("leaderboard", "failed"), lbFailed, 2},
		{"puzzle deliveries", DailyPostsTotal.WithLabelValues("puzzle", "delivered"), pzSent, 2},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c) - tt.base; got != tt.want {
			t.Errorf("%s delta = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRecordBreakerState(t *testing.T) {
	for _, tt := range []struct {
		state string
		want  float64
	}{
		{"open", 2},
		{"half-open", 1},
		{"closed", 0},
	} {
		RecordBreakerState("test", tt.state)
		if got := testutil.ToFloat64(BreakerState.WithLabelValues("test")); got != tt.want {
			t.Fatalf("state %q = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestRecordFetchFailure(t *testing.T) {
	base := testutil.ToFloat64(FetchFailuresTotal.WithLabelValues("leaderboard", "unauthorized"))
	RecordFetchFailure("leaderboard", &aoc.FetchError{Kind: aoc.KindUnauthorized, Op: "leaderboard", Status: 403})
	if got := testutil.ToFloat64(FetchFailuresTotal.WithLabelValues("leaderboard", "unauthorized")) - base; got != 1 {
		t.Fatalf("unauthorized delta = %v, want 1", got)
	}
}

func TestConsumeRoutesBusEvents(t *testing.T) {
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Consume(ctx, bus)
	}()

	sent := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("discord", "sent"))
	failed := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("discord", "failed"))
	registered := testutil.ToFloat64(TenantChangesTotal.WithLabelValues("register"))
	reloads := testutil.ToFloat64(ConfigReloadsTotal)

	// Consume subscribes asynchronously; publish until the first event lands.
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(ConfigReloadsTotal) == reloads {
		if time.Now().After(deadline) {
			t.Fatalf("consumer never saw an event")
		}
		bus.Publish(eventbus.Event{Type: eventbus.TopicConfigReloaded})
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(eventbus.Event{Type: eventbus.TopicNotifySent, Data: notifier.Event{Platform: "discord", Attempts: 1}})
	bus.Publish(eventbus.Event{Type: eventbus.TopicNotifyFailed, Data: notifier.Event{Platform: "discord", Attempts: 3}})
	bus.Publish(eventbus.Event{Type: eventbus.TopicTenantChanged, Data: router.TenantEvent{Tenant: "discord:1", Action: "register"}})
	bus.Publish(eventbus.Event{Type: eventbus.TopicBreakerState, Data: aoc.BreakerEvent{Name: "consume", State: "open"}})
	bus.Publish(eventbus.Event{Type: "unrelated", Data: 42})

	for time.Now().Before(deadline) {
		if testutil.ToFloat64(BreakerState.WithLabelValues("consume")) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("discord", "sent")) - sent; got != 1 {
		t.Fatalf("sent delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("discord", "failed")) - failed; got != 1 {
		t.Fatalf("failed delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(TenantChangesTotal.WithLabelValues("register")) - registered; got != 1 {
		t.Fatalf("register delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(BreakerState.WithLabelValues("consume")); got != 2 {
		t.Fatalf("breaker gauge = %v, want 2", got)
	}
}

func TestCacheCollector(t *testing.T) {
	c := NewCacheCollector(map[string]func() cache.Stats{
		"leaderboard": func() cache.Stats { return cache.Stats{Hits: 3, Misses: 2, Fetches: 2, Failures: 1, Entries: 1} },
	})

	if n := testutil.CollectAndCount(c); n != 5 {
		t.Fatalf("metric count = %d, want 5", n)
	}

	const want = `
# HELP aocbot_cache_hits_total Cache lookups served from a fresh entry
# TYPE aocbot_cache_hits_total counter
aocbot_cache_hits_total{cache="leaderboard"} 3
# HELP aocbot_cache_fetch_failures_total Upstream fetches that failed
# TYPE aocbot_cache_fetch_failures_total counter
aocbot_cache_fetch_failures_total{cache="leaderboard"} 1
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(want), "aocbot_cache_hits_total", "aocbot_cache_fetch_failures_total"); err != nil {
		t.Fatalf("CollectAndCompare: %v", err)
	}

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
}
