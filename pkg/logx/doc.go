// Package logx configures sleepchat's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Sinks hot-swappable on config reload without replacing loggers
package logx
