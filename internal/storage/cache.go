package storage

import (
	"context"
	"sync"
	"time"
)

const DefaultSettingsTTL = 5 * time.Second

// SettingsCache fronts Store.Settings with a short TTL so per-cycle reads
// don't hit the disk. Writes go through and refresh the cached value.
type SettingsCache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	mu    sync.Mutex
	val   Settings
	at    time.Time
	valid bool
}

func NewSettingsCache(store Store, ttl time.Duration) *SettingsCache {
	if ttl <= 0 {
		ttl = DefaultSettingsTTL
	}
	return &SettingsCache{store: store, ttl: ttl, now: time.Now}
}

func (c *SettingsCache) Get(ctx context.Context) (Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.now().Sub(c.at) < c.ttl {
		return c.val, nil
	}
	s, err := c.store.Settings(ctx)
	if err != nil {
		return s, err
	}
	c.val, c.at, c.valid = s, c.now(), true
	return s, nil
}

func (c *SettingsCache) Set(ctx context.Context, s Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.SetSettings(ctx, s); err != nil {
		c.valid = false
		return err
	}
	c.val, c.at, c.valid = s, c.now(), true
	return nil
}
