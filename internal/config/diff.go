package config

import (
	"reflect"
	"sort"
	"strings"

	"aocbot/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and returns log fields
// describing the new values. Tokens and session secrets are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) || strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	od, nd := derefDiscord(oldCfg.Discord), derefDiscord(newCfg.Discord)
	if !reflect.DeepEqual(od, nd) {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.enabled", nd.Token != ""),
			logx.Bool("discord.token_changed", od.Token != nd.Token),
			logx.String("discord.prefix", nd.Prefix),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.AoC, newCfg.AoC) {
		changed = append(changed, "aoc")
		attrs = append(attrs,
			logx.String("aoc.base_url", newCfg.AoC.BaseURL),
			logx.String("aoc.request_timeout", newCfg.AoC.RequestTimeout),
			logx.Any("aoc.rate_per_sec", newCfg.AoC.RatePerSec),
		)
	}

	if oldCfg.Cache != newCfg.Cache {
		changed = append(changed, "cache")
		attrs = append(attrs, logx.String("cache.ttl", newCfg.Cache.TTL))
	}

	if !reflect.DeepEqual(oldCfg.Daily, newCfg.Daily) {
		changed = append(changed, "daily")
		attrs = append(attrs,
			logx.Bool("daily.enabled", newCfg.Daily.IsEnabled()),
			logx.String("daily.utc_offset", newCfg.Daily.UTCOffset),
			logx.Int("daily.workers", newCfg.Daily.Workers),
		)
	}

	if oldCfg.Router != newCfg.Router {
		changed = append(changed, "router")
		attrs = append(attrs,
			logx.Int("router.workers", newCfg.Router.Workers),
			logx.String("router.command_timeout", newCfg.Router.CommandTimeout),
		)
	}

	on, nn := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if on != nn {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Any("notifier.rate_per_sec", nn.RatePerSec),
			logx.Int("notifier.retry_max", nn.RetryMax),
		)
	}

	ost, nst := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if ost != nst {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nst.Driver),
			logx.Bool("storage.path_set", nst.Path != ""),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh != nh {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", nh.Addr),
			logx.Bool("http.token_set", nh.Token != ""),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefDiscord(d *DiscordConfig) DiscordConfig {
	if d == nil {
		return DiscordConfig{}
	}
	return *d
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

// RestartRequired lists changed sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "discord", "storage", "aoc", "cache", "daily", "router":
			out = append(out, s)
		}
	}
	return out
}
