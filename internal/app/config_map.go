package app

import (
	"fmt"
	"strings"
	"time"

	"aocbot/internal/aoc"
	"aocbot/internal/cache"
	"aocbot/internal/config"
	"aocbot/internal/daily"
	"aocbot/internal/notifier"
	"aocbot/internal/storage"
	kit "aocbot/internal/transport"
	"aocbot/internal/transport/router"
	"aocbot/pkg/logx"
)

// Durations below were checked by config.Validate, so parse errors fall back to defaults.

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if id, ok, _ := cfg.Telegram.LogChat(); ok {
		lc.Chat.Target = kit.ChatTarget{Platform: kit.PlatformTelegram, ChatID: id, ThreadID: cfg.Logging.Telegram.ThreadID}
	} else {
		lc.Chat.Enabled = false
	}
	return lc
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	if cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: "./data/aocbot.db", BusyTimeout: time.Second}
	}
	sc := storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, time.Second),
	}
	if sc.Path == "" {
		switch sc.Driver {
		case "", "sqlite", "sqlite3":
			sc.Path = "./data/aocbot.db"
		case "file":
			sc.Path = "./data/aocbot.json"
		}
	}
	return sc
}

func mapClientConfig(cfg *config.Config) aoc.ClientConfig {
	c := cfg.AoC
	rps := c.RatePerSec
	if rps == 0 {
		rps = 1
	}
	burst := c.Burst
	if burst == 0 {
		burst = 2
	}
	return aoc.ClientConfig{
		BaseURL:    c.BaseURL,
		UserAgent:  c.UserAgent,
		Timeout:    config.DurationOr(c.RequestTimeout, 10*time.Second),
		RatePerSec: rps,
		Burst:      burst,
		Breaker: aoc.BreakerConfig{
			MaxRequests:         c.Breaker.MaxRequests,
			Interval:            config.DurationOr(c.Breaker.Interval, 0),
			Timeout:             config.DurationOr(c.Breaker.Timeout, time.Minute),
			ConsecutiveFailures: c.Breaker.ConsecutiveFailures,
		},
	}
}

func cacheTTL(cfg *config.Config) time.Duration {
	return config.DurationOr(cfg.Cache.TTL, cache.DefaultTTL)
}

func mapDailyConfig(cfg *config.Config) daily.Config {
	d := cfg.Daily
	return daily.Config{
		Zone:        dailyZone(d),
		Month:       time.Month(d.Month),
		Workers:     d.Workers,
		TickTimeout: config.DurationOr(d.TickTimeout, 10*time.Minute),
	}
}

// dailyZone is the fixed offset daily hours are expressed in.
func dailyZone(d config.DailyConfig) *time.Location {
	off, err := d.Offset()
	if err != nil || off == -5*time.Hour && strings.TrimSpace(d.ZoneName) == "" {
		return aoc.EST
	}
	name := strings.TrimSpace(d.ZoneName)
	if name == "" {
		mins := int(off / time.Minute)
		sign := "+"
		if mins < 0 {
			sign, mins = "-", -mins
		}
		name = fmt.Sprintf("UTC%s%02d:%02d", sign, mins/60, mins%60)
	}
	return time.FixedZone(name, int(off/time.Second))
}

func mapRouterConfig(cfg *config.Config) router.Config {
	return router.Config{
		Workers:        cfg.Router.Workers,
		QueueSize:      cfg.Router.QueueSize,
		CommandTimeout: config.DurationOr(cfg.Router.CommandTimeout, 30*time.Second),
	}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	if cfg.Notifier == nil {
		return notifier.Config{RetryMax: 3}
	}
	n := cfg.Notifier
	return notifier.Config{
		RatePerSec:    n.RatePerSec,
		Burst:         n.Burst,
		RetryMax:      n.RetryMax,
		RetryBase:     config.DurationOr(n.RetryBase, 500*time.Millisecond),
		RetryMaxDelay: config.DurationOr(n.RetryMaxDelay, 10*time.Second),
		SendTimeout:   config.DurationOr(n.SendTimeout, 15*time.Second),
		HistorySize:   n.HistorySize,
	}
}

// owners returns the owner ids per platform.
func owners(cfg *config.Config) map[string][]int64 {
	out := map[string][]int64{kit.PlatformTelegram: cfg.Telegram.OwnerUserIDs}
	if cfg.Discord != nil {
		out[kit.PlatformDiscord] = cfg.Discord.OwnerUserIDs
	}
	return out
}
