// Package slots keeps the local cache of message slot texts and cooldowns
// in step with the server.
//
// Server cooldowns are reported in whole minutes, so the cached unlock time
// is only moved when it disagrees with the server by more than a minute.
// That keeps a running countdown from jumping every time the server rounds.
package slots

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"sleepchat/internal/auth"
	"sleepchat/internal/eventbus"
	"sleepchat/internal/storage"
	"sleepchat/internal/vrc"
	logx "sleepchat/pkg/logx"
)

// API is the subset of the platform client the synchronizer uses.
type API interface {
	GetMessageSlot(ctx context.Context, userID, messageType string, slot int) (vrc.SlotResult, error)
	SetMessageSlot(ctx context.Context, userID, messageType string, slot int, text string) ([]vrc.SlotResult, error)
}

// Identity yields the current user.
type Identity interface {
	Status() auth.Status
}

const (
	DefaultBatchSize  = 3
	DefaultBatchDelay = 200 * time.Millisecond

	persistTimeout = 5 * time.Second
)

type Synchronizer struct {
	api   API
	ident Identity
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	batchSize  int
	batchDelay time.Duration

	mu     sync.RWMutex
	texts  map[Category][]string
	unlock map[Category]map[int]int64 // epoch ms, 0 = unlocked

	// persistMu orders snapshot+save pairs so an older snapshot never lands last.
	persistMu sync.Mutex
}

type Option func(*Synchronizer)

func WithLogger(l logx.Logger) Option { return func(s *Synchronizer) { s.log = l } }
func WithBus(b eventbus.Bus) Option {
	return func(s *Synchronizer) {
		if b != nil {
			s.bus = b
		}
	}
}
func WithClock(now func() time.Time) Option { return func(s *Synchronizer) { s.now = now } }
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Synchronizer) { s.sleep = fn }
}

// WithBatch sets the FetchAll concurrency and the pause between batches.
func WithBatch(size int, delay time.Duration) Option {
	return func(s *Synchronizer) {
		if size > 0 {
			s.batchSize = size
		}
		if delay >= 0 {
			s.batchDelay = delay
		}
	}
}

func New(api API, ident Identity, store storage.Store, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		api:        api,
		ident:      ident,
		store:      store,
		bus:        eventbus.Nop(),
		log:        logx.Nop(),
		now:        time.Now,
		sleep:      vrc.SleepContext,
		batchSize:  DefaultBatchSize,
		batchDelay: DefaultBatchDelay,
		texts:      map[Category][]string{},
		unlock:     map[Category]map[int]int64{},
	}
	for _, o := range opts {
		o(s)
	}
	for _, c := range Categories {
		s.texts[c] = make([]string, PerCategory)
		s.unlock[c] = map[int]int64{}
	}
	return s
}

// Load seeds the cache from the store.
func (s *Synchronizer) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	c, err := s.store.SlotCache(ctx)
	if err != nil {
		return fmt.Errorf("load slot cache: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cat := range Categories {
		for i, t := range c.Slots[string(cat)] {
			if i < PerCategory {
				s.texts[cat][i] = t
			}
		}
		for i, ts := range c.Cooldowns[string(cat)] {
			if i >= 0 && i < PerCategory {
				s.unlock[cat][i] = ts
			}
		}
	}
	return nil
}

func (s *Synchronizer) userID() (string, error) {
	if s.ident == nil {
		return "", vrc.ErrAuth
	}
	st := s.ident.Status()
	if !st.Authenticated || st.UserID == "" {
		return "", vrc.ErrAuth
	}
	return st.UserID, nil
}

// FetchSlot reads one slot from the server, caches its text and syncs its cooldown.
func (s *Synchronizer) FetchSlot(ctx context.Context, cat Category, idx int) (vrc.SlotResult, error) {
	if err := checkSlot(cat, idx); err != nil {
		return vrc.SlotResult{}, err
	}
	uid, err := s.userID()
	if err != nil {
		return vrc.SlotResult{}, err
	}
	res, err := s.api.GetMessageSlot(ctx, uid, string(cat), idx)
	if err != nil {
		return vrc.SlotResult{}, err
	}
	res.Index = idx

	s.mu.Lock()
	s.setTextLocked(cat, idx, res.Message)
	if res.CooldownKnown {
		s.syncLocked(cat, idx, res.RemainingCooldownMinutes)
	}
	s.mu.Unlock()

	s.persist()
	return res, nil
}

// FetchAll reads every slot of cat in small concurrent batches. Slots that
// fail come back empty and keep their cached state; the result always has
// PerCategory entries ordered by index.
func (s *Synchronizer) FetchAll(ctx context.Context, cat Category) ([]vrc.SlotResult, error) {
	if err := checkSlot(cat, 0); err != nil {
		return nil, err
	}
	uid, err := s.userID()
	if err != nil {
		return nil, err
	}

	results := make([]vrc.SlotResult, PerCategory)
	ok := make([]bool, PerCategory)
	for start := 0; start < PerCategory; start += s.batchSize {
		end := min(start+s.batchSize, PerCategory)

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				res, err := s.api.GetMessageSlot(ctx, uid, string(cat), i)
				if err != nil {
					s.log.Warn("slot fetch failed", logx.String("category", string(cat)), logx.Int("slot", i), logx.Err(err))
					results[i] = vrc.SlotResult{Index: i}
					return nil
				}
				res.Index = i
				results[i] = res
				ok[i] = true
				return nil
			})
		}
		_ = g.Wait()

		if end < PerCategory && s.batchDelay > 0 {
			if err := s.sleep(ctx, s.batchDelay); err != nil {
				// fill the rest with defaults so the shape holds
				for i := end; i < PerCategory; i++ {
					results[i] = vrc.SlotResult{Index: i}
				}
				break
			}
		}
	}

	s.mu.Lock()
	for i, res := range results {
		if !ok[i] {
			continue
		}
		s.setTextLocked(cat, i, res.Message)
		if res.CooldownKnown {
			s.syncLocked(cat, i, res.RemainingCooldownMinutes)
		}
	}
	s.mu.Unlock()

	s.persist()
	return results, nil
}

// SyncCooldown reconciles the cached unlock time of a slot with the server's
// remaining minutes. It reports whether the cache changed.
func (s *Synchronizer) SyncCooldown(cat Category, idx, serverMinutes int) (bool, error) {
	if err := checkSlot(cat, idx); err != nil {
		return false, err
	}
	s.mu.Lock()
	changed := s.syncLocked(cat, idx, serverMinutes)
	s.mu.Unlock()
	if changed {
		s.persist()
	}
	return changed, nil
}

func (s *Synchronizer) syncLocked(cat Category, idx, serverMinutes int) bool {
	serverMinutes = max(serverMinutes, 0)
	nowMs := s.now().UnixMilli()
	ts, recorded := s.unlock[cat][idx]

	local := 0
	if ts > nowMs {
		local = int((ts - nowMs + 59_999) / 60_000)
	}

	diff := local - serverMinutes
	if diff < 0 {
		diff = -diff
	}
	update := diff > 1 ||
		(local == 0 && serverMinutes > 0) ||
		(serverMinutes == 0 && !recorded)
	if !update {
		return false
	}

	var next int64
	if serverMinutes > 0 {
		next = nowMs + int64(serverMinutes)*60_000
	}
	s.unlock[cat][idx] = next
	s.bus.Publish(eventbus.Event{Type: eventbus.SlotCooldown, Data: eventbus.SlotPayload{
		Category: string(cat), Slot: idx, UnlockAt: next,
	}})
	return true
}

func (s *Synchronizer) setTextLocked(cat Category, idx int, text string) {
	if s.texts[cat][idx] == text {
		return
	}
	s.texts[cat][idx] = text
	s.bus.Publish(eventbus.Event{Type: eventbus.SlotUpdated, Data: eventbus.SlotPayload{
		Category: string(cat), Slot: idx, Message: text,
	}})
}

// WriteSlot submits new text for a slot. On success the server returns every
// slot of the category and the cache is refreshed from it. A 429 that says
// how long to wait locks the slot locally for that long plus one minute.
func (s *Synchronizer) WriteSlot(ctx context.Context, cat Category, idx int, text string) ([]vrc.SlotResult, error) {
	if err := checkSlot(cat, idx); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if n := utf8.RuneCountInString(text); n > MaxTextLen {
		return nil, fmt.Errorf("%w: slot text is %d characters, max %d", vrc.ErrValidation, n, MaxTextLen)
	}
	uid, err := s.userID()
	if err != nil {
		return nil, err
	}

	results, err := s.api.SetMessageSlot(ctx, uid, string(cat), idx, text)
	if err != nil {
		s.handleWriteError(cat, idx, err)
		return nil, err
	}

	s.mu.Lock()
	if len(results) == 0 {
		s.setTextLocked(cat, idx, text)
	}
	for _, r := range results {
		if r.Index < 0 || r.Index >= PerCategory {
			continue
		}
		s.setTextLocked(cat, r.Index, r.Message)
		if r.CooldownKnown {
			s.syncLocked(cat, r.Index, r.RemainingCooldownMinutes)
		}
	}
	s.mu.Unlock()

	s.persist()
	s.log.Info("slot written", logx.String("category", string(cat)), logx.Int("slot", idx))
	return results, nil
}

func (s *Synchronizer) handleWriteError(cat Category, idx int, err error) {
	payload := eventbus.SlotPayload{Category: string(cat), Slot: idx, Err: err.Error()}
	defer func() {
		s.bus.Publish(eventbus.Event{Type: eventbus.SlotWriteRejected, Data: payload})
	}()

	mins, ok := vrc.CooldownMinutes(err)
	if !ok {
		return
	}
	// one extra minute absorbs the server's sub-minute rounding
	unlockAt := s.now().Add(time.Duration(mins+1) * time.Minute).UnixMilli()

	s.mu.Lock()
	s.unlock[cat][idx] = unlockAt
	s.mu.Unlock()
	payload.UnlockAt = unlockAt

	s.log.Warn("slot on cooldown",
		logx.String("category", string(cat)),
		logx.Int("slot", idx),
		logx.Int("wait_minutes", mins),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.SlotCooldown, Data: eventbus.SlotPayload{
		Category: string(cat), Slot: idx, UnlockAt: unlockAt,
	}})
	s.persist()
}

// SetCooldownOverride sets a slot's unlock time (epoch ms) verbatim.
func (s *Synchronizer) SetCooldownOverride(cat Category, idx int, unlockMs int64) error {
	if err := checkSlot(cat, idx); err != nil {
		return err
	}
	if unlockMs < 0 {
		return fmt.Errorf("%w: negative unlock timestamp", vrc.ErrValidation)
	}
	s.mu.Lock()
	s.unlock[cat][idx] = unlockMs
	s.mu.Unlock()
	s.persist()
	return nil
}

// CachedSlots returns a copy of the cached texts keyed by message type.
func (s *Synchronizer) CachedSlots() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.texts))
	for c, v := range s.texts {
		out[string(c)] = append([]string(nil), v...)
	}
	return out
}

// Cooldowns returns a copy of the unlock times keyed by message type then slot.
func (s *Synchronizer) Cooldowns() map[string]map[int]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cooldownsLocked()
}

func (s *Synchronizer) cooldownsLocked() map[string]map[int]int64 {
	out := make(map[string]map[int]int64, len(s.unlock))
	for c, m := range s.unlock {
		cp := make(map[int]int64, len(m))
		for i, ts := range m {
			cp[i] = ts
		}
		out[string(c)] = cp
	}
	return out
}

// UnlockAt returns the cached unlock time for one slot.
func (s *Synchronizer) UnlockAt(cat Category, idx int) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unlock[cat][idx]
}

func (s *Synchronizer) persist() {
	if s.store == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	snap := storage.SlotCache{Slots: make(map[string][]string, len(s.texts)), Cooldowns: s.cooldownsLocked()}
	for c, v := range s.texts {
		snap.Slots[string(c)] = append([]string(nil), v...)
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.SaveSlotCache(ctx, snap); err != nil {
		s.log.Warn("slot cache persist failed", logx.Err(err))
	}
}
