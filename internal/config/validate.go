package config

import (
	"fmt"
	"strings"
)

// Validate performs static checks that don't need any running component.
// Durations are parsed here so a bad hot-reload is rejected before commit.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	durations := []struct{ path, raw string }{
		{"api.request_timeout", cfg.API.RequestTimeout},
		{"api.retry_base", cfg.API.RetryBase},
		{"poller.poll_interval", cfg.Poller.PollInterval},
		{"poller.min_poll_interval", cfg.Poller.MinPollInterval},
		{"poller.location_retry_window", cfg.Poller.LocationRetryWindow},
		{"dedup.cleanup_interval", cfg.Dedup.CleanupInterval},
		{"slots.batch_delay", cfg.Slots.BatchDelay},
		{"control.read_timeout", cfg.Control.ReadTimeout},
		{"control.write_timeout", cfg.Control.WriteTimeout},
		{"control.idle_timeout", cfg.Control.IdleTimeout},
		{"telegram.retry_base", cfg.Telegram.RetryBase},
		{"telegram.dedup_window", cfg.Telegram.DedupWindow},
	}
	if cfg.Storage != nil {
		durations = append(durations,
			struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout},
			struct{ path, raw string }{"storage.settings_ttl", cfg.Storage.SettingsTTL},
		)
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	ints := []struct {
		path string
		v    int
	}{
		{"api.burst", cfg.API.Burst},
		{"api.max_retries", cfg.API.MaxRetries},
		{"dedup.max_notifications", cfg.Dedup.MaxNotifications},
		{"dedup.max_senders", cfg.Dedup.MaxSenders},
		{"slots.batch_size", cfg.Slots.BatchSize},
		{"telegram.rate_per_sec", cfg.Telegram.RatePerSec},
		{"telegram.retry_max", cfg.Telegram.RetryMax},
	}
	for _, it := range ints {
		if it.v < 0 {
			return fmt.Errorf("%s must be >= 0", it.path)
		}
	}
	if cfg.API.RatePerSec < 0 {
		return fmt.Errorf("api.rate_per_sec must be >= 0")
	}
	if u := strings.TrimSpace(cfg.API.BaseURL); u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("api.base_url: must be an http(s) URL, got %q", u)
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "memory", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
		}
	}

	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is required when telegram.enabled=true")
		}
		if cfg.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram.enabled=true")
		}
	}
	return nil
}
