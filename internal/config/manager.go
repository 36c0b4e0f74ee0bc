package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "sleepchat/pkg/logx"
)

// Environment overrides applied on every parse.
const (
	EnvAPIKey    = "VRC_API_KEY"
	EnvUserAgent = "VRC_USER_AGENT"
)

type ConfigManager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards subscribers and ensures we never send on a channel
	// that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	// lastHash tracks the last committed content so editor write bursts
	// without content changes don't republish.
	lastHash uint64
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop()}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a validation hook used by Load() and Watch() before committing.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return ParseBytes(m.path, b)
}

// ParseBytes decodes a config document; path is only used to pick the format.
func ParseBytes(path string, b []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	applyEnv(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvAPIKey)); v != "" {
		cfg.API.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvUserAgent)); v != "" {
		cfg.API.UserAgent = v
	}
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		// Latest config wins: if the subscriber is behind, drop one stale item.
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// reload parses, validates and publishes the file if its content changed.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}

	if err := Validate(cfg); err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
}

// Watch reloads the config file whenever it changes, until ctx ends.
// The directory is watched rather than the file so rename-on-save editors
// are seen. A broken watcher is recreated after a growing pause.
func (m *ConfigManager) Watch(ctx context.Context) error {
	pause := watchRetryMin
	for ctx.Err() == nil {
		began := time.Now()
		err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(began) > watchRetryMax {
			pause = watchRetryMin
		}
		m.log.Warn("config watcher stopped; retrying",
			logx.String("path", m.path),
			logx.Duration("in", pause),
			logx.Err(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pause):
		}
		pause = min(pause*2, watchRetryMax)
	}
	return nil
}

const (
	watchRetryMin  = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
	reloadDebounce = 250 * time.Millisecond

	watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
)

var errWatcherClosed = errors.New("watcher closed")

// watchOnce runs one fsnotify session. Bursts of events are folded into a
// single reload once the file has been quiet for reloadDebounce.
func (m *ConfigManager) watchOnce(ctx context.Context) error {
	dir, name := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("watching config", logx.String("path", m.path))

	quiet := time.NewTimer(reloadDebounce)
	quiet.Stop()
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-quiet.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if ev.Op&watchedOps != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				quiet.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errWatcherClosed
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// events were lost; the file may have changed
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				quiet.Reset(reloadDebounce)
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
