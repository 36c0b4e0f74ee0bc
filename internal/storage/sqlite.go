package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "sleepchat/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 200}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("sqlite storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// getDoc decodes the named document into out; a missing row leaves out untouched.
func (s *sqliteStore) getDoc(ctx context.Context, name string, out any) error {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE name = ?`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		s.log.Warn("ignoring unreadable document", logx.String("name", name), logx.Err(err))
	}
	return nil
}

func (s *sqliteStore) putDoc(ctx context.Context, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents(name, body, updated_at) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		name, string(b), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Whitelist(ctx context.Context) ([]string, error) {
	var list []string
	if err := s.getDoc(ctx, "whitelist", &list); err != nil {
		return nil, err
	}
	return NormalizeWhitelist(list), nil
}

func (s *sqliteStore) SetWhitelist(ctx context.Context, list []string) error {
	return s.putDoc(ctx, "whitelist", NormalizeWhitelist(list))
}

func (s *sqliteStore) Settings(ctx context.Context) (Settings, error) {
	st := DefaultSettings()
	if err := s.getDoc(ctx, "settings", &st); err != nil {
		return DefaultSettings(), err
	}
	return st, nil
}

func (s *sqliteStore) SetSettings(ctx context.Context, st Settings) error {
	return s.putDoc(ctx, "settings", st)
}

func (s *sqliteStore) SlotCache(ctx context.Context) (SlotCache, error) {
	var c SlotCache
	if err := s.getDoc(ctx, "message_slots", &c); err != nil {
		return SlotCache{}, err
	}
	return c.Clone(), nil
}

func (s *sqliteStore) SaveSlotCache(ctx context.Context, c SlotCache) error {
	return s.putDoc(ctx, "message_slots", c)
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, remote, action, target, ok, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.Remote), e.Action, nullStr(e.Target),
		ok, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM alert_dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM alert_dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
