package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"sleepchat/internal/auth"
	"sleepchat/internal/config"
	"sleepchat/internal/control"
	"sleepchat/internal/dedup"
	"sleepchat/internal/eventbus"
	"sleepchat/internal/notifier"
	"sleepchat/internal/poller"
	"sleepchat/internal/slots"
	"sleepchat/internal/storage"
	"sleepchat/internal/vrc"
	logx "sleepchat/pkg/logx"
)

type App struct {
	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	session  *auth.Session
	client   *vrc.Client
	settings *storage.SettingsCache
	poll     *poller.Poller
	slots    *slots.Synchronizer
	notif    *notifier.Service
	ctl      *control.Service

	startedAt time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.Component("app"))

	sc, ttl, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.Component("storage")))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	// everything below owns nothing yet; close the store on any failure
	fail := func(err error) (*App, error) {
		_ = store.Close()
		return nil, err
	}

	session, err := auth.LoadSession(sessionPath(cfg), log.With(logx.Component("auth")))
	if err != nil {
		return fail(err)
	}

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return fail(err)
	}
	client := vrc.New(apiCfg, session, vrc.WithLogger(log.With(logx.Component("vrc"))))
	appLog.Info("api client ready",
		logx.String("base_url", client.BaseURL()),
		logx.Secret("api_key", apiCfg.APIKey),
		logx.Float64("rate_per_sec", apiCfg.RatePerSec),
	)

	bus := eventbus.New()
	settings := storage.NewSettingsCache(store, ttl)

	pcfg, err := mapPollerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	tracker := dedup.NewTracker(cfg.Dedup.MaxNotifications, cfg.Dedup.MaxSenders)
	poll := poller.New(pcfg, client, store, settings, tracker,
		poller.WithLogger(log.With(logx.Component("poller"))),
		poller.WithBus(bus),
	)

	batch, delay, err := mapSlotsBatch(cfg)
	if err != nil {
		return fail(err)
	}
	syncer := slots.New(client, session, store,
		slots.WithLogger(log.With(logx.Component("slots"))),
		slots.WithBus(bus),
		slots.WithBatch(batch, delay),
	)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	sender, err := newAlertSender(cfg)
	if err != nil {
		return fail(err)
	}
	notif := notifier.New(ncfg, sender, log.With(logx.Component("notifier")), store)

	ccfg, err := mapControlConfig(cfg)
	if err != nil {
		return fail(err)
	}

	a := &App{
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		session:  session,
		client:   client,
		settings: settings,
		poll:     poll,
		slots:    syncer,
		notif:    notif,
	}
	a.ctl = control.New(ccfg, a, store, log.With(logx.Component("control")))
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) pollInterval() time.Duration {
	pc, err := mapPollerConfig(a.cfgm.Get())
	if err != nil {
		return poller.DefaultPollInterval
	}
	return pc.Interval()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.startedAt = time.Now()
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapControlConfig(cfg); err != nil {
			return err
		}
		_, _, err := mapStorageConfig(cfg)
		return err
	})

	loadCtx, cancel := context.WithTimeout(runCtx, 5*time.Second)
	if err := a.slots.Load(loadCtx); err != nil {
		a.log.Warn("slot cache not loaded", logx.Err(err))
	}
	cancel()

	idCtx, cancel := context.WithTimeout(runCtx, identifyTimeout)
	if err := a.identify(idCtx); err != nil {
		a.log.Warn("session user lookup failed", logx.Err(err))
	}
	cancel()

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.sup.Go("notifier.forward", func(c context.Context) error {
		return a.notif.Forward(c, a.bus)
	})

	if a.ctl.Enabled() {
		a.ctl.Start(runCtx)
	}

	// event log for debugging; components subscribe themselves for real work
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.cfgm.Get().Poller.AutoStart {
		if err := a.StartPolling(runCtx); err != nil {
			a.log.Warn("auto start skipped", logx.Err(err))
		}
	}

	a.sdNotify(daemon.SdNotifyReady)
	a.startWatchdog()

	st := a.session.Status()
	a.log.Info("app started",
		logx.Bool("authenticated", st.Authenticated),
		logx.String("user", st.DisplayName),
		logx.Bool("alerts", a.notif.Enabled()),
		logx.Bool("control", a.ctl.Enabled()),
	)
	return nil
}

// applyConfig applies the live-reloadable sections of newCfg.
func (a *App) applyConfig(ctx context.Context, prev, newCfg *Config) {
	a.sdNotify(daemon.SdNotifyReloading)
	defer a.sdNotify(daemon.SdNotifyReady)

	sections, attrs := SummarizeConfigChange(prev, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "api", "storage", "auth", "dedup", "slots":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if pc, err := mapPollerConfig(newCfg); err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
	} else {
		a.poll.SetConfig(pc)
	}

	if slices.Contains(sections, "telegram") {
		a.applyTelegram(ctx, newCfg)
	}

	if ccfg, err := mapControlConfig(newCfg); err != nil {
		a.log.Warn("invalid control config; keeping previous", logx.Err(err))
	} else {
		a.ctl.Reconfigure(ctx, ccfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyTelegram restarts the alert pipeline with the new settings.
func (a *App) applyTelegram(ctx context.Context, newCfg *Config) {
	ncfg, err := mapNotifierConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid telegram config; keeping previous", logx.Err(err))
		return
	}
	sender, err := newAlertSender(newCfg)
	if err != nil {
		a.log.Warn("telegram sender init failed; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.notif.Enabled()
	if wasEnabled {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	}
	a.notif.Apply(ncfg, sender)
	if a.notif.Enabled() {
		a.notif.Start(ctx)
	}
	if wasEnabled != a.notif.Enabled() {
		a.log.Info("telegram alerts toggled via config", logx.Bool("enabled", a.notif.Enabled()))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Poller first: it restores the user's status, which needs a live context.
	a.step(ctx, "poller", 10*time.Second, func(c context.Context) error { a.poll.Stop(); return nil })

	a.sup.Cancel()

	a.step(ctx, "control", 2*time.Second, func(c context.Context) error { a.ctl.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
