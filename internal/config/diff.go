package config

import (
	"reflect"
	"strings"

	logx "sleepchat/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (api key, tokens) are never included,
// only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.String("api.base_url", newCfg.API.BaseURL),
			logx.Bool("api.api_key_set", strings.TrimSpace(newCfg.API.APIKey) != ""),
			logx.Int("api.max_retries", newCfg.API.MaxRetries),
		)
	}
	if !reflect.DeepEqual(oldCfg.Poller, newCfg.Poller) {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.String("poller.poll_interval", newCfg.Poller.PollInterval),
			logx.String("poller.min_poll_interval", newCfg.Poller.MinPollInterval),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dedup, newCfg.Dedup) {
		changed = append(changed, "dedup")
	}
	if !reflect.DeepEqual(oldCfg.Slots, newCfg.Slots) {
		changed = append(changed, "slots")
	}
	if oldCfg.Auth != newCfg.Auth {
		changed = append(changed, "auth")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Control != newCfg.Control {
		changed = append(changed, "control")
		attrs = append(attrs,
			logx.Bool("control.enabled", newCfg.Control.Enabled),
			logx.String("control.addr", newCfg.Control.Addr),
			logx.Bool("control.token_set", strings.TrimSpace(newCfg.Control.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}
	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}
	return changed, attrs
}
