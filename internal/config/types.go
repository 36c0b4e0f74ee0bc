package config

// Config is the on-disk configuration document.
//
// All durations are Go duration strings (e.g. "500ms", "15s", "5m").
// Omitted/zero values fall back to the defaults documented per field.
type Config struct {
	API      APIConfig      `json:"api"`
	Poller   PollerConfig   `json:"poller"`
	Dedup    DedupConfig    `json:"dedup"`
	Slots    SlotsConfig    `json:"slots"`
	Auth     AuthConfig     `json:"auth"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Logging  LoggingConfig  `json:"logging"`
	Control  ControlConfig  `json:"control,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Systemd  SystemdConfig  `json:"systemd,omitempty"`
}

// APIConfig controls the outbound platform client.
//
// Defaults:
//   - base_url: "https://api.vrchat.cloud/api/1"
//   - request_timeout: "15s"
//   - rate_per_sec: 2, burst: 4
//   - max_retries: 3, retry_base: "1s"
//
// api_key and user_agent may be overridden by VRC_API_KEY / VRC_USER_AGENT.
type APIConfig struct {
	BaseURL        string  `json:"base_url,omitempty"`
	APIKey         string  `json:"api_key,omitempty"`
	UserAgent      string  `json:"user_agent,omitempty"`
	RequestTimeout string  `json:"request_timeout,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
	MaxRetries     int     `json:"max_retries,omitempty"`
	RetryBase      string  `json:"retry_base,omitempty"`
}

// PollerConfig controls the sleep-mode notification poller.
//
// Defaults: poll_interval "15s", min_poll_interval "10s", location_retry_window "30m".
// AutoStart starts polling as soon as the process is up.
type PollerConfig struct {
	PollInterval        string `json:"poll_interval,omitempty"`
	MinPollInterval     string `json:"min_poll_interval,omitempty"`
	LocationRetryWindow string `json:"location_retry_window,omitempty"`
	AutoStart           bool   `json:"auto_start,omitempty"`
}

// DedupConfig bounds the handled-id sets. Defaults: 1000 / 500 / "5m".
type DedupConfig struct {
	MaxNotifications int    `json:"max_notifications,omitempty"`
	MaxSenders       int    `json:"max_senders,omitempty"`
	CleanupInterval  string `json:"cleanup_interval,omitempty"`
}

// SlotsConfig controls the message slot batch fetch. Defaults: 3 / "200ms".
type SlotsConfig struct {
	BatchSize  int    `json:"batch_size,omitempty"`
	BatchDelay string `json:"batch_delay,omitempty"`
}

// AuthConfig points at the saved session document written by the login flow.
type AuthConfig struct {
	SessionFile string `json:"session_file,omitempty"` // default: "./data/auth.json"
}

// StorageConfig controls the persistence layer for whitelist/settings/slot cache.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/sleepchat.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	SettingsTTL string `json:"settings_ttl,omitempty"` // default "5s"
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ControlConfig controls the local HTTP control API.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:7171").
//   - A non-loopback address requires a token or allow_insecure.
type ControlConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// TelegramConfig controls operator alerts forwarded to a Telegram chat.
type TelegramConfig struct {
	Enabled     bool     `json:"enabled"`
	Token       string   `json:"token,omitempty"` // do not log
	ChatID      int64    `json:"chat_id,omitempty"`
	ThreadID    int      `json:"thread_id,omitempty"`
	RatePerSec  int      `json:"rate_per_sec,omitempty"`
	RetryMax    int      `json:"retry_max,omitempty"`
	RetryBase   string   `json:"retry_base,omitempty"`
	DedupWindow string   `json:"dedup_window,omitempty"`
	Events      []string `json:"events,omitempty"`
}

// SystemdConfig toggles sd_notify readiness and watchdog pings.
type SystemdConfig struct {
	Notify bool `json:"notify"`
}
