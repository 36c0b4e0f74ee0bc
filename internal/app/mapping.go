package app

import (
	"fmt"
	"strings"
	"time"

	"sleepchat/internal/control"
	"sleepchat/internal/notifier"
	"sleepchat/internal/poller"
	"sleepchat/internal/slots"
	"sleepchat/internal/storage"
	"sleepchat/internal/vrc"
	logx "sleepchat/pkg/logx"
)

const defaultSessionFile = "./data/auth.json"

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig returns the store config and the settings cache TTL.
// An omitted storage section means the file driver under ./data.
func mapStorageConfig(cfg *Config) (storage.Config, time.Duration, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "file", Path: storage.DefaultPath}, storage.DefaultSettingsTTL, nil
	}
	sc := cfg.Storage
	ttl, err := parseDurationOrDefault("storage.settings_ttl", sc.SettingsTTL, storage.DefaultSettingsTTL)
	if err != nil {
		return storage.Config{}, 0, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "file":
		return storage.Config{Driver: "file", Path: path}, ttl, nil
	case "none", "memory":
		return storage.Config{Driver: "memory"}, ttl, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, 0, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, 0, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, ttl, nil
	default:
		return storage.Config{}, 0, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapAPIConfig(cfg *Config) (vrc.Config, error) {
	timeout, err := parseDurationField("api.request_timeout", cfg.API.RequestTimeout)
	if err != nil {
		return vrc.Config{}, err
	}
	retryBase, err := parseDurationField("api.retry_base", cfg.API.RetryBase)
	if err != nil {
		return vrc.Config{}, err
	}
	rps := cfg.API.RatePerSec
	if rps == 0 {
		rps = 2
	}
	burst := cfg.API.Burst
	if burst == 0 {
		burst = 4
	}
	// zero values fall back to vrc defaults
	return vrc.Config{
		BaseURL:    strings.TrimSpace(cfg.API.BaseURL),
		APIKey:     strings.TrimSpace(cfg.API.APIKey),
		UserAgent:  strings.TrimSpace(cfg.API.UserAgent),
		Timeout:    timeout,
		RatePerSec: rps,
		Burst:      burst,
		MaxRetries: cfg.API.MaxRetries,
		RetryBase:  retryBase,
	}, nil
}

func mapPollerConfig(cfg *Config) (poller.Config, error) {
	interval, err := parseDurationField("poller.poll_interval", cfg.Poller.PollInterval)
	if err != nil {
		return poller.Config{}, err
	}
	floor, err := parseDurationField("poller.min_poll_interval", cfg.Poller.MinPollInterval)
	if err != nil {
		return poller.Config{}, err
	}
	window, err := parseDurationField("poller.location_retry_window", cfg.Poller.LocationRetryWindow)
	if err != nil {
		return poller.Config{}, err
	}
	cleanup, err := parseDurationField("dedup.cleanup_interval", cfg.Dedup.CleanupInterval)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{
		PollInterval:        interval,
		MinPollInterval:     floor,
		LocationRetryWindow: window,
		CleanupInterval:     cleanup,
	}, nil
}

func mapSlotsBatch(cfg *Config) (int, time.Duration, error) {
	delay, err := parseDurationOrDefault("slots.batch_delay", cfg.Slots.BatchDelay, slots.DefaultBatchDelay)
	if err != nil {
		return 0, 0, err
	}
	size := cfg.Slots.BatchSize
	if size <= 0 {
		size = slots.DefaultBatchSize
	}
	return size, delay, nil
}

func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	tc := cfg.Telegram
	retryBase, err := parseDurationOrDefault("telegram.retry_base", tc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := parseDurationOrDefault("telegram.dedup_window", tc.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	if tc.Enabled && (strings.TrimSpace(tc.Token) == "" || tc.ChatID == 0) {
		return notifier.Config{}, fmt.Errorf("telegram.token and telegram.chat_id are required when telegram.enabled=true")
	}
	rps := tc.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	retryMax := tc.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	return notifier.Config{
		Enabled:       tc.Enabled,
		Workers:       1,
		QueueSize:     128,
		RatePerSec:    rps,
		RetryMax:      retryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: 30 * time.Second,
		DedupWindow:   window,
		PersistDedup:  true,
		Events:        append([]string(nil), tc.Events...),
	}, nil
}

// newAlertSender returns nil when Telegram alerts are disabled.
func newAlertSender(cfg *Config) (notifier.Sender, error) {
	tc := cfg.Telegram
	if !tc.Enabled {
		return nil, nil
	}
	s, err := notifier.NewTelegramSender(tc.Token, tc.ChatID, tc.ThreadID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func mapControlConfig(cfg *Config) (control.Config, error) {
	cc := cfg.Control
	rt, err := parseDurationOrDefault("control.read_timeout", cc.ReadTimeout, 10*time.Second)
	if err != nil {
		return control.Config{}, err
	}
	wt, err := parseDurationOrDefault("control.write_timeout", cc.WriteTimeout, 60*time.Second)
	if err != nil {
		return control.Config{}, err
	}
	it, err := parseDurationOrDefault("control.idle_timeout", cc.IdleTimeout, 60*time.Second)
	if err != nil {
		return control.Config{}, err
	}
	return control.Config{
		Enabled:       cc.Enabled,
		Addr:          strings.TrimSpace(cc.Addr),
		Token:         strings.TrimSpace(cc.Token),
		AllowInsecure: cc.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

func sessionPath(cfg *Config) string {
	if p := strings.TrimSpace(cfg.Auth.SessionFile); p != "" {
		return p
	}
	return defaultSessionFile
}
