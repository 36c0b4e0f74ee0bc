package app

import (
	"time"

	"sleepchat/internal/config"
	"sleepchat/internal/runtime/supervisor"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

var SummarizeConfigChange = config.SummarizeConfigChange

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

var NewSupervisor = supervisor.New

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError

// StopReason is logged on shutdown.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)
