// Package storage persists the small documents the engine keeps across
// restarts: the whitelist, user settings and the message slot cache
// (texts + per-slot unlock timestamps). It also keeps an operator audit
// log and the alert dedup state.
//
// Drivers: "file" (one JSON document per file in a directory), "sqlite"
// (modernc.org/sqlite, pure Go) and "memory" (tests, ephemeral runs).
package storage
