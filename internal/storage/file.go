package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "sleepchat/pkg/logx"
)

// fileStore keeps each document in its own JSON file under one directory.
//
// Files:
//   - settings.json, whitelist.json, message-slots.json (rewritten atomically)
//   - audit.jsonl                       (append-only JSON Lines)
//   - alert-dedup.snapshot.json         (periodic snapshot)
//   - alert-dedup.journal.jsonl         (append-only journal)
//
// The dedup journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger
	dir string

	mu sync.Mutex

	auditFile *os.File

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli

	dedupWrites int
}

const (
	settingsFile  = "settings.json"
	whitelistFile = "whitelist.json"
	slotsFile     = "message-slots.json"
)

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := filepath.Join(dir, "alert-dedup.snapshot.json")
	journalPath := filepath.Join(dir, "alert-dedup.journal.jsonl")

	dedup := map[string]int64{}
	_ = loadDedupSnapshot(snapPath, dedup)
	_ = replayDedupJournal(journalPath, dedup)
	pruneExpiredDedup(dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	log.Debug("file storage opened", logx.String("dir", dir), logx.Int("dedup_keys", len(dedup)))
	return &fileStore{
		log:               log,
		dir:               dir,
		auditFile:         af,
		dedupSnapshotPath: snapPath,
		dedupJournalFile:  jf,
		dedup:             dedup,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.dedupJournalFile != nil {
		err2 = s.dedupJournalFile.Close()
		s.dedupJournalFile = nil
	}
	return errors.Join(err1, err2)
}

// readDoc decodes name into out. A missing file leaves out untouched.
// A corrupt file is logged and also leaves out untouched.
func (s *fileStore) readDoc(name string, out any) error {
	b, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		s.log.Warn("ignoring unreadable document", logx.String("file", name), logx.Err(err))
	}
	return nil
}

func (s *fileStore) writeDoc(name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.dir, name), b, 0o600)
}

func writeFileAtomic(path string, b []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) Whitelist(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []string
	if err := s.readDoc(whitelistFile, &list); err != nil {
		return nil, err
	}
	return NormalizeWhitelist(list), nil
}

func (s *fileStore) SetWhitelist(ctx context.Context, list []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDoc(whitelistFile, NormalizeWhitelist(list))
}

func (s *fileStore) Settings(ctx context.Context) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := DefaultSettings()
	if err := s.readDoc(settingsFile, &st); err != nil {
		return DefaultSettings(), err
	}
	return st, nil
}

func (s *fileStore) SetSettings(ctx context.Context, st Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDoc(settingsFile, st)
}

func (s *fileStore) SlotCache(ctx context.Context) (SlotCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c SlotCache
	if err := s.readDoc(slotsFile, &c); err != nil {
		return SlotCache{}, err
	}
	return c.Clone(), nil
}

func (s *fileStore) SaveSlotCache(ctx context.Context, c SlotCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDoc(slotsFile, c)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return ErrClosed
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%500 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)

	b, err := json.Marshal(s.dedup)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.dedupSnapshotPath, b, 0o600); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
