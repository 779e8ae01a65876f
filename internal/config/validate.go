package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Validate checks the fields a reload could break. It never mutates cfg.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(c.Telegram.Token) == "" && (c.Discord == nil || strings.TrimSpace(c.Discord.Token) == "") {
		add(errors.New("telegram.token or discord.token is required"))
	}
	if _, _, err := c.Telegram.LogChat(); err != nil {
		add(err)
	}
	dur("telegram.poll_timeout", c.Telegram.PollTimeout)

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	dur("aoc.request_timeout", c.AoC.RequestTimeout)
	dur("aoc.breaker.interval", c.AoC.Breaker.Interval)
	dur("aoc.breaker.timeout", c.AoC.Breaker.Timeout)
	if c.AoC.RatePerSec < 0 || c.AoC.Burst < 0 {
		add(errors.New("aoc.rate_per_sec and aoc.burst must be >= 0"))
	}
	dur("cache.ttl", c.Cache.TTL)

	if _, err := c.Daily.Offset(); err != nil {
		add(err)
	}
	if c.Daily.Month < 0 || c.Daily.Month > 12 {
		add(fmt.Errorf("daily.month: %d is not a month", c.Daily.Month))
	}
	if c.Daily.Workers < 0 {
		add(errors.New("daily.workers must be >= 0"))
	}
	dur("daily.tick_timeout", c.Daily.TickTimeout)

	dur("router.command_timeout", c.Router.CommandTimeout)

	if n := c.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.send_timeout", n.SendTimeout)
		if n.RatePerSec < 0 || n.RetryMax < 0 {
			add(errors.New("notifier.rate_per_sec and notifier.retry_max must be >= 0"))
		}
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "sqlite", "sqlite3", "file", "memory":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)
	dur("http.idle_timeout", c.HTTP.IdleTimeout)
	if c.HTTP.Enabled && c.HTTP.Token == "" && !c.HTTP.AllowInsecure && !IsLoopbackAddr(c.HTTP.Addr) {
		add(fmt.Errorf("http.addr %q is not loopback: set http.token or http.allow_insecure", c.HTTP.Addr))
	}

	return errors.Join(errs...)
}

// LogChat returns the chat id in telegram.group_log. ok is false when unset.
func (t TelegramConfig) LogChat() (id int64, ok bool, err error) {
	raw := strings.TrimSpace(t.GroupLog)
	if raw == "" {
		return 0, false, nil
	}
	id, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("telegram.group_log: invalid chat id %q", t.GroupLog)
	}
	return id, true, nil
}

// Offset parses daily.utc_offset. Empty means -5h.
func (d DailyConfig) Offset() (time.Duration, error) {
	raw := strings.TrimSpace(d.UTCOffset)
	if raw == "" {
		return -5 * time.Hour, nil
	}
	off, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("daily.utc_offset: invalid duration %q: %w", raw, err)
	}
	if off < -14*time.Hour || off > 14*time.Hour || off%time.Minute != 0 {
		return 0, fmt.Errorf("daily.utc_offset: %s is not a UTC offset", off)
	}
	return off, nil
}

// IsLoopbackAddr reports whether addr binds to a loopback interface only.
// An empty addr uses the loopback default.
func IsLoopbackAddr(addr string) bool {
	if strings.TrimSpace(addr) == "" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
