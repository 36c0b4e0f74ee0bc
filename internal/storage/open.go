package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "sleepchat/pkg/logx"
)

// Store is the persistence API used by the engine and the control surface.
type Store interface {
	Whitelist(ctx context.Context) ([]string, error)
	SetWhitelist(ctx context.Context, list []string) error

	Settings(ctx context.Context) (Settings, error)
	SetSettings(ctx context.Context, s Settings) error

	SlotCache(ctx context.Context) (SlotCache, error)
	SaveSlotCache(ctx context.Context, c SlotCache) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

const DefaultPath = "./data"

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		if strings.TrimSpace(cfg.Path) == "" {
			cfg.Path = DefaultPath
		}
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "none":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// NormalizeWhitelist trims entries and drops empties and case-insensitive duplicates,
// keeping first-seen order.
func NormalizeWhitelist(list []string) []string {
	out := make([]string, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, v := range list {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		k := strings.ToLower(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}
