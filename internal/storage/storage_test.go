package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "sleepchat/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"memory": NewMemory()}

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "files")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	out["file"] = fs

	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "db", "sleepchat.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	out["sqlite"] = sq

	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func TestStore_Documents(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			got, err := st.Settings(ctx)
			if err != nil {
				t.Fatalf("Settings: %v", err)
			}
			if got != DefaultSettings() {
				t.Fatalf("default settings = %+v", got)
			}

			want := DefaultSettings()
			want.AutoStatusEnabled = true
			want.SleepStatus = "busy"
			if err := st.SetSettings(ctx, want); err != nil {
				t.Fatalf("SetSettings: %v", err)
			}
			if got, _ := st.Settings(ctx); got != want {
				t.Fatalf("settings = %+v, want %+v", got, want)
			}

			if err := st.SetWhitelist(ctx, []string{" Alice ", "alice", "", "usr_b"}); err != nil {
				t.Fatalf("SetWhitelist: %v", err)
			}
			wl, _ := st.Whitelist(ctx)
			if len(wl) != 2 || wl[0] != "Alice" || wl[1] != "usr_b" {
				t.Fatalf("whitelist = %q", wl)
			}

			cache := SlotCache{
				Slots:     map[string][]string{"message": {"a", "b"}},
				Cooldowns: map[string]map[int]int64{"message": {1: 12345}},
			}
			if err := st.SaveSlotCache(ctx, cache); err != nil {
				t.Fatalf("SaveSlotCache: %v", err)
			}
			gotCache, _ := st.SlotCache(ctx)
			if gotCache.Slots["message"][1] != "b" || gotCache.Cooldowns["message"][1] != 12345 {
				t.Fatalf("slot cache = %+v", gotCache)
			}
		})
	}
}

func TestStore_DedupAndAudit(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "invite.sent:usr_a", until); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "invite.sent:usr_a")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("GetDedup = %v, %v, %v", got, ok, err)
			}
			if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
				t.Fatalf("unexpected dedup hit")
			}
			if err := st.AppendAudit(ctx, AuditEntry{Action: "poll.start", OK: true}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
		})
	}
}

func TestFileStore_SettingsMergeWithDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, settingsFile), []byte(`{"autoStatusEnabled":true}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	got, err := st.Settings(context.Background())
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if !got.AutoStatusEnabled || got.SleepStatus != "none" || got.InviteMessageType != "message" {
		t.Fatalf("merged settings = %+v", got)
	}
}

func TestFileStore_DedupSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = st.PutDedup(context.Background(), "k", time.Now().Add(time.Hour))
	_ = st.PutDedup(context.Background(), "old", time.Now().Add(-time.Hour))
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if _, ok, _ := st.GetDedup(context.Background(), "k"); !ok {
		t.Fatalf("dedup key lost across reopen")
	}
	if _, ok, _ := st.GetDedup(context.Background(), "old"); ok {
		t.Fatalf("expired key should be pruned on open")
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSettingsCache_TTLAndWriteThrough(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	c := NewSettingsCache(mem, time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	if s, _ := c.Get(ctx); s.AutoStatusEnabled {
		t.Fatalf("unexpected initial settings")
	}

	changed := DefaultSettings()
	changed.AutoStatusEnabled = true
	_ = mem.SetSettings(ctx, changed)

	if s, _ := c.Get(ctx); s.AutoStatusEnabled {
		t.Fatalf("cache should still serve the old value within ttl")
	}
	now = now.Add(2 * time.Minute)
	if s, _ := c.Get(ctx); !s.AutoStatusEnabled {
		t.Fatalf("expired entry should reload")
	}

	if err := c.Set(ctx, DefaultSettings()); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if s, _ := c.Get(ctx); s.AutoStatusEnabled {
		t.Fatalf("write should refresh the cached value")
	}
	if s, _ := mem.Settings(ctx); s.AutoStatusEnabled {
		t.Fatalf("write should reach the store")
	}
}
