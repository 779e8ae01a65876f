package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1h"); an empty string selects the default.
type Config struct {
	Telegram TelegramConfig  `json:"telegram"`
	Discord  *DiscordConfig  `json:"discord,omitempty"`
	Logging  LoggingConfig   `json:"logging"`
	AoC      AoCConfig       `json:"aoc"`
	Cache    CacheConfig     `json:"cache"`
	Daily    DailyConfig     `json:"daily"`
	Router   RouterConfig    `json:"router"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	HTTP     HTTPConfig      `json:"http"`
}

// TelegramConfig enables the Telegram adapter when Token is set.
type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id that receives forwarded log lines.
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
}

// DiscordConfig enables the Discord adapter when Token is set.
type DiscordConfig struct {
	Token        string  `json:"token"`
	Prefix       string  `json:"prefix,omitempty"` // default "!"
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warnings and errors to telegram.group_log.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// AoCConfig controls outbound requests to adventofcode.com.
//
// Defaults: base_url "https://adventofcode.com", request_timeout "10s",
// rate_per_sec 1, burst 2, breaker 5 consecutive failures opening for "1m".
type AoCConfig struct {
	BaseURL        string        `json:"base_url,omitempty"`
	UserAgent      string        `json:"user_agent,omitempty"`
	RequestTimeout string        `json:"request_timeout,omitempty"`
	RatePerSec     float64       `json:"rate_per_sec,omitempty"`
	Burst          int           `json:"burst,omitempty"`
	Breaker        BreakerConfig `json:"breaker"`
}

type BreakerConfig struct {
	ConsecutiveFailures uint32 `json:"consecutive_failures,omitempty"`
	MaxRequests         uint32 `json:"max_requests,omitempty"`
	Interval            string `json:"interval,omitempty"`
	Timeout             string `json:"timeout,omitempty"`
}

// CacheConfig sets the leaderboard TTL. Default "15m".
type CacheConfig struct {
	TTL string `json:"ttl,omitempty"`
}

// DailyConfig controls the hourly poster.
//
// utc_offset is a duration ("-5h"); month is 1..12 (default 12).
type DailyConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	UTCOffset   string `json:"utc_offset,omitempty"`
	ZoneName    string `json:"zone_name,omitempty"`
	Month       int    `json:"month,omitempty"`
	Workers     int    `json:"workers,omitempty"`
	TickTimeout string `json:"tick_timeout,omitempty"`
}

// IsEnabled defaults to true when the key is omitted.
func (d DailyConfig) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

// RouterConfig controls command dispatch.
type RouterConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
}

// NotifierConfig controls outbound posts. If the section is omitted, defaults apply.
type NotifierConfig struct {
	RatePerSec    float64 `json:"rate_per_sec"`
	Burst         int     `json:"burst,omitempty"`
	RetryMax      int     `json:"retry_max"`
	RetryBase     string  `json:"retry_base"`
	RetryMaxDelay string  `json:"retry_max_delay"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
	HistorySize   int     `json:"history_size,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/aocbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// HTTPConfig controls the operator HTTP server (/healthz, /metrics, pprof).
//
// Prefer a loopback address. A non-loopback addr needs a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:9090"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
