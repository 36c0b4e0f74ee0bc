// Package poller runs sleep mode: it polls pending invite requests, invites
// whitelisted senders back into the current instance and remembers what it
// has already handled.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"sleepchat/internal/dedup"
	"sleepchat/internal/eventbus"
	"sleepchat/internal/runtime/supervisor"
	"sleepchat/internal/storage"
	"sleepchat/internal/vrc"
	logx "sleepchat/pkg/logx"
)

// API is the subset of the platform client the poller drives.
type API interface {
	ListInviteNotifications(ctx context.Context) ([]vrc.InviteNotification, error)
	CurrentUser(ctx context.Context) (*vrc.CurrentUser, error)
	SendInvite(ctx context.Context, userID, location string, opts vrc.InviteOptions) error
	HideNotification(ctx context.Context, notificationID string) error
	UpdateStatus(ctx context.Context, userID, status, description string) error
}

type WhitelistSource interface {
	Whitelist(ctx context.Context) ([]string, error)
}

type SettingsSource interface {
	Get(ctx context.Context) (storage.Settings, error)
}

const (
	DefaultPollInterval        = 15 * time.Second
	DefaultMinPollInterval     = 10 * time.Second
	DefaultLocationRetryWindow = 30 * time.Minute
	DefaultCleanupInterval     = 5 * time.Minute

	restoreTimeout = 10 * time.Second
)

// ErrTickInFlight is returned by RunOnce while another cycle is running.
var ErrTickInFlight = errors.New("poll cycle already in progress")

type Config struct {
	PollInterval    time.Duration
	MinPollInterval time.Duration
	// LocationRetryWindow bounds how long a whitelisted request is retried
	// while the user has no joinable location. 0 means the default.
	LocationRetryWindow time.Duration
	CleanupInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MinPollInterval <= 0 {
		c.MinPollInterval = DefaultMinPollInterval
	}
	if c.LocationRetryWindow <= 0 {
		c.LocationRetryWindow = DefaultLocationRetryWindow
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

// Interval is the effective tick interval, never below the floor.
func (c Config) Interval() time.Duration {
	c = c.withDefaults()
	return max(c.PollInterval, c.MinPollInterval)
}

// State is a snapshot of the poller.
type State struct {
	Running    bool        `json:"running"`
	LastPollAt time.Time   `json:"lastPollAt"`
	LastError  string      `json:"lastError,omitempty"`
	Cycles     uint64      `json:"cycles"`
	Deferred   int         `json:"deferred"`
	Handled    dedup.Stats `json:"handled"`
}

// CycleResult summarizes one poll cycle.
type CycleResult = eventbus.PollPayload

type Poller struct {
	api       API
	whitelist WhitelistSource
	settings  SettingsSource
	tracker   *dedup.Tracker
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time

	cfgMu sync.RWMutex
	cfg   Config
	reset chan struct{}

	// mu guards the lifecycle fields below.
	mu   sync.Mutex
	sup  *supervisor.Supervisor
	cron *cron.Cron

	statusMu   sync.Mutex
	prevStatus *savedStatus

	ticking atomic.Bool

	stateMu sync.RWMutex
	state   State

	deferMu  sync.Mutex
	deferred map[string]time.Time // notification id -> first LocationUnresolved
}

type Option func(*Poller)

func WithLogger(l logx.Logger) Option { return func(p *Poller) { p.log = l } }
func WithBus(b eventbus.Bus) Option {
	return func(p *Poller) {
		if b != nil {
			p.bus = b
		}
	}
}
func WithClock(now func() time.Time) Option { return func(p *Poller) { p.now = now } }

func New(cfg Config, api API, whitelist WhitelistSource, settings SettingsSource, tracker *dedup.Tracker, opts ...Option) *Poller {
	if tracker == nil {
		tracker = dedup.NewTracker(0, 0)
	}
	p := &Poller{
		api:       api,
		whitelist: whitelist,
		settings:  settings,
		tracker:   tracker,
		bus:       eventbus.Nop(),
		log:       logx.Nop(),
		now:       time.Now,
		cfg:       cfg.withDefaults(),
		reset:     make(chan struct{}, 1),
		deferred:  map[string]time.Time{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Poller) config() Config {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

// SetConfig applies new timing settings. A running loop picks up the new
// interval immediately.
func (p *Poller) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	p.cfgMu.Lock()
	old := p.cfg
	p.cfg = cfg
	p.cfgMu.Unlock()
	if old.Interval() != cfg.Interval() {
		select {
		case p.reset <- struct{}{}:
		default:
		}
	}
}

func (p *Poller) Tracker() *dedup.Tracker { return p.tracker }

// Start begins polling: one cycle right away, then one per interval.
// ctx bounds the whole polling session, not just this call.
// Calling Start while running is a no-op.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil {
		return nil
	}

	cfg := p.config()
	c := cron.New()
	if _, err := c.AddFunc("@every "+cfg.CleanupInterval.String(), p.tracker.Cleanup); err != nil {
		return err
	}
	c.Start()
	p.cron = c

	sup := supervisor.New(ctx, supervisor.WithLogger(p.log))
	p.sup = sup
	// Cycles run on ctx rather than the loop context so Stop lets an
	// in-flight cycle finish.
	sup.Go0("poller.loop", func(loopCtx context.Context) { p.loop(loopCtx, ctx) })

	p.setRunning(true)
	p.log.Info("sleep mode started", logx.Duration("interval", cfg.Interval()))
	p.bus.Publish(eventbus.Event{Type: eventbus.PollStarted})
	return nil
}

// Stop cancels the schedule and waits for an in-flight cycle to finish.
// Calling Stop while idle is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup == nil {
		return
	}
	_ = p.sup.Stop(context.Background())
	p.sup = nil
	<-p.cron.Stop().Done()
	p.cron = nil

	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	p.restoreStatus(ctx)
	cancel()

	p.setRunning(false)
	p.log.Info("sleep mode stopped")
	p.bus.Publish(eventbus.Event{Type: eventbus.PollStopped})
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sup != nil
}

func (p *Poller) loop(loopCtx, cycleCtx context.Context) {
	if st, err := p.loadSettings(cycleCtx); err == nil {
		p.applySleepStatus(cycleCtx, st)
	}
	// Stop may have been called while the status update was in flight.
	if loopCtx.Err() != nil {
		return
	}

	p.tick(cycleCtx)

	t := time.NewTicker(p.config().Interval())
	defer t.Stop()
	for {
		select {
		case <-loopCtx.Done():
			return
		case <-p.reset:
			t.Reset(p.config().Interval())
		case <-t.C:
			if loopCtx.Err() != nil {
				return
			}
			p.tick(cycleCtx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if !p.ticking.CompareAndSwap(false, true) {
		p.log.Debug("skipping tick: previous cycle still running")
		return
	}
	defer p.ticking.Store(false)
	_, _ = p.cycle(ctx)
}

// RunOnce runs a single cycle now, independent of the schedule.
func (p *Poller) RunOnce(ctx context.Context) (CycleResult, error) {
	if !p.ticking.CompareAndSwap(false, true) {
		return CycleResult{}, ErrTickInFlight
	}
	defer p.ticking.Store(false)
	return p.cycle(ctx)
}

// Status returns a copy of the current state.
func (p *Poller) Status() State {
	p.stateMu.RLock()
	st := p.state
	p.stateMu.RUnlock()
	st.Handled = p.tracker.Stats()
	p.deferMu.Lock()
	st.Deferred = len(p.deferred)
	p.deferMu.Unlock()
	return st
}

func (p *Poller) setRunning(v bool) {
	p.stateMu.Lock()
	p.state.Running = v
	p.stateMu.Unlock()
}

func (p *Poller) finishCycle(err error) {
	p.stateMu.Lock()
	p.state.LastPollAt = p.now()
	p.state.Cycles++
	if err != nil {
		p.state.LastError = err.Error()
	} else {
		p.state.LastError = ""
	}
	p.stateMu.Unlock()
}

func (p *Poller) loadSettings(ctx context.Context) (storage.Settings, error) {
	if p.settings == nil {
		return storage.DefaultSettings(), nil
	}
	st, err := p.settings.Get(ctx)
	if err != nil {
		p.log.Warn("settings read failed; using defaults", logx.Err(err))
		return storage.DefaultSettings(), err
	}
	return st, nil
}

func inviteOptions(st storage.Settings) vrc.InviteOptions {
	if !st.InviteMessageEnabled {
		return vrc.InviteOptions{}
	}
	slot := st.InviteMessageSlot
	return vrc.InviteOptions{Slot: &slot, MessageType: st.InviteMessageType}
}

// cycle runs one list/filter/act/record pass. The error is the cycle-level
// failure, if any; per-notification failures are only counted.
func (p *Poller) cycle(ctx context.Context) (CycleResult, error) {
	start := p.now()
	res := CycleResult{CycleID: uuid.NewString()}
	log := p.log.With(logx.String("cycle", res.CycleID))

	fail := func(err error) (CycleResult, error) {
		res.Err = err.Error()
		res.Took = p.now().Sub(start)
		p.finishCycle(err)
		log.Warn("poll cycle failed", logx.Err(err))
		p.bus.Publish(eventbus.Event{Type: eventbus.PollError, Data: res})
		return res, err
	}

	list, err := p.api.ListInviteNotifications(ctx)
	if err != nil {
		return fail(err)
	}
	res.Listed = len(list)

	whitelist, err := p.whitelist.Whitelist(ctx)
	if err != nil {
		return fail(err)
	}
	settings, _ := p.loadSettings(ctx)
	window := p.config().LocationRetryWindow

	// The user's location is looked up at most once per cycle.
	var (
		locDone  bool
		location string
		locErr   error
	)
	resolveLocation := func() (string, error) {
		if !locDone {
			locDone = true
			u, err := p.api.CurrentUser(ctx)
			if err != nil {
				locErr = err
			} else {
				location, locErr = vrc.ResolveLocation(u)
			}
		}
		return location, locErr
	}

	seen := make(map[string]struct{}, len(list))
	for _, n := range list {
		seen[n.ID] = struct{}{}
		if n.ID == "" || p.tracker.Notifications.Contains(n.ID) {
			continue
		}
		ev := eventbus.InvitePayload{
			CycleID:        res.CycleID,
			NotificationID: n.ID,
			SenderID:       n.SenderID,
			SenderName:     n.SenderDisplayName,
		}
		nlog := log.With(logx.String("notification", n.ID), logx.String("sender", n.SenderID))

		if !Whitelisted(whitelist, n.SenderID, n.SenderDisplayName) {
			p.tracker.Notifications.Insert(n.ID)
			res.Ignored++
			nlog.Debug("sender not whitelisted")
			p.bus.Publish(eventbus.Event{Type: eventbus.InviteIgnored, Data: ev})
			continue
		}

		loc, err := resolveLocation()
		if err == nil {
			ev.Location = loc
			err = p.api.SendInvite(ctx, n.SenderID, loc, inviteOptions(settings))
		}
		switch {
		case err == nil:
		case errors.Is(err, vrc.ErrLocationUnresolved):
			if p.deferInvite(n.ID, window) {
				p.tracker.Notifications.Insert(n.ID)
				res.Failed++
				ev.Reason = "no joinable location within " + window.String()
				nlog.Warn("invite request expired without a location")
				p.bus.Publish(eventbus.Event{Type: eventbus.InviteExpired, Data: ev})
			} else {
				res.Deferred++
				ev.Reason = err.Error()
				nlog.Info("invite deferred: no joinable location")
				p.bus.Publish(eventbus.Event{Type: eventbus.InviteDeferred, Data: ev})
			}
			continue
		case errors.Is(err, vrc.ErrValidation):
			// retrying cannot fix a malformed notification
			p.tracker.Notifications.Insert(n.ID)
			res.Failed++
			nlog.Warn("invite rejected", logx.Err(err))
			continue
		default:
			res.Failed++
			nlog.Warn("invite failed", logx.Err(err))
			continue
		}

		// The invite is out; never send it twice, even if hiding fails.
		if err := p.api.HideNotification(ctx, n.ID); err != nil {
			nlog.Warn("dismiss failed", logx.Err(err))
		}
		p.tracker.Notifications.Insert(n.ID)
		p.tracker.Senders.Insert(n.SenderID)
		p.clearDeferred(n.ID)
		res.Invited++
		nlog.Info("invite sent", logx.String("name", n.SenderDisplayName), logx.String("location", loc))
		p.bus.Publish(eventbus.Event{Type: eventbus.InviteSent, Data: ev})
	}
	p.pruneDeferred(seen)

	res.Took = p.now().Sub(start)
	p.finishCycle(nil)
	log.Debug("poll cycle done",
		logx.Int("listed", res.Listed),
		logx.Int("invited", res.Invited),
		logx.Int("ignored", res.Ignored),
		logx.Int("deferred", res.Deferred),
		logx.Int("failed", res.Failed),
	)
	p.bus.Publish(eventbus.Event{Type: eventbus.PollCycle, Data: res})
	return res, nil
}

// deferInvite records a location failure for id and reports whether its
// retry window has run out.
func (p *Poller) deferInvite(id string, window time.Duration) bool {
	now := p.now()
	p.deferMu.Lock()
	defer p.deferMu.Unlock()
	first, ok := p.deferred[id]
	if !ok {
		p.deferred[id] = now
		return false
	}
	if now.Sub(first) >= window {
		delete(p.deferred, id)
		return true
	}
	return false
}

func (p *Poller) clearDeferred(id string) {
	p.deferMu.Lock()
	delete(p.deferred, id)
	p.deferMu.Unlock()
}

// pruneDeferred forgets deferred ids that are no longer pending.
func (p *Poller) pruneDeferred(seen map[string]struct{}) {
	p.deferMu.Lock()
	defer p.deferMu.Unlock()
	for id := range p.deferred {
		if _, ok := seen[id]; !ok {
			delete(p.deferred, id)
		}
	}
}
