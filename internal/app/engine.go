package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"sleepchat/internal/auth"
	"sleepchat/internal/control"
	"sleepchat/internal/notifier"
	"sleepchat/internal/poller"
	"sleepchat/internal/slots"
	"sleepchat/internal/storage"
	"sleepchat/internal/vrc"
	logx "sleepchat/pkg/logx"
)

// App implements control.Engine.
var _ control.Engine = (*App)(nil)

// sleepStatuses are the statuses the platform accepts, plus "none" for "leave as is".
var sleepStatuses = []string{"none", "join me", "active", "ask me", "busy"}

const identifyTimeout = 10 * time.Second

func (a *App) Status(ctx context.Context) control.Status {
	return control.Status{
		StartedAt:     a.startedAt,
		Poller:        a.poll.Status(),
		Auth:          a.session.Status(),
		AlertsEnabled: a.notif.Enabled(),
		EventsDropped: a.bus.Dropped(),
		Tasks:         a.sup.Snapshot(),
	}
}

// runCtx outlives any single control request.
func (a *App) runCtx() context.Context {
	if a.sup == nil {
		return context.Background()
	}
	return a.sup.Context()
}

func (a *App) StartPolling(ctx context.Context) error {
	if !a.session.Status().Authenticated {
		return fmt.Errorf("%w: no saved session", vrc.ErrAuth)
	}
	return a.poll.Start(a.runCtx())
}

func (a *App) StopPolling(ctx context.Context) error {
	a.poll.Stop()
	return nil
}

func (a *App) RunCycle(ctx context.Context) (poller.CycleResult, error) {
	return a.poll.RunOnce(ctx)
}

func (a *App) CachedSlots() map[string][]string { return a.slots.CachedSlots() }

func (a *App) SlotCooldowns() map[string]map[int]int64 { return a.slots.Cooldowns() }

func (a *App) FetchSlots(ctx context.Context, category string) ([]vrc.SlotResult, error) {
	cat, err := slots.ParseCategory(category)
	if err != nil {
		return nil, err
	}
	return a.slots.FetchAll(ctx, cat)
}

func (a *App) FetchSlot(ctx context.Context, category string, idx int) (vrc.SlotResult, error) {
	cat, err := slots.ParseCategory(category)
	if err != nil {
		return vrc.SlotResult{}, err
	}
	return a.slots.FetchSlot(ctx, cat, idx)
}

func (a *App) WriteSlot(ctx context.Context, category string, idx int, text string) ([]vrc.SlotResult, error) {
	cat, err := slots.ParseCategory(category)
	if err != nil {
		return nil, err
	}
	return a.slots.WriteSlot(ctx, cat, idx, text)
}

func (a *App) SetCooldownOverride(category string, idx int, unlockMs int64) error {
	cat, err := slots.ParseCategory(category)
	if err != nil {
		return err
	}
	return a.slots.SetCooldownOverride(cat, idx, unlockMs)
}

func (a *App) Whitelist(ctx context.Context) ([]string, error) {
	list, err := a.store.Whitelist(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}

func (a *App) SetWhitelist(ctx context.Context, list []string) ([]string, error) {
	list = storage.NormalizeWhitelist(list)
	if err := a.store.SetWhitelist(ctx, list); err != nil {
		return nil, err
	}
	a.log.Info("whitelist updated", logx.Int("entries", len(list)))
	return list, nil
}

func (a *App) Settings(ctx context.Context) (storage.Settings, error) {
	return a.settings.Get(ctx)
}

func (a *App) UpdateSettings(ctx context.Context, patch storage.SettingsPatch) (storage.Settings, error) {
	cur, err := a.settings.Get(ctx)
	if err != nil {
		return storage.Settings{}, err
	}
	next := patch.Apply(cur)
	next.SleepStatus = strings.ToLower(strings.TrimSpace(next.SleepStatus))
	next.SleepStatusDescription = strings.TrimSpace(next.SleepStatusDescription)
	if err := validateSettings(next); err != nil {
		return storage.Settings{}, err
	}
	if err := a.settings.Set(ctx, next); err != nil {
		return storage.Settings{}, err
	}
	return next, nil
}

func validateSettings(s storage.Settings) error {
	if s.SleepStatus != "" && !slices.Contains(sleepStatuses, s.SleepStatus) {
		return fmt.Errorf("%w: sleepStatus must be one of %s", vrc.ErrValidation, strings.Join(sleepStatuses, ", "))
	}
	if _, err := slots.ParseCategory(s.InviteMessageType); err != nil {
		return err
	}
	if s.InviteMessageSlot < 0 || s.InviteMessageSlot >= slots.PerCategory {
		return fmt.Errorf("%w: inviteMessageSlot must be in [0,%d)", vrc.ErrValidation, slots.PerCategory)
	}
	return nil
}

func (a *App) Friends(ctx context.Context) ([]vrc.Friend, error) {
	return a.client.Friends(ctx)
}

func (a *App) Alerts() []notifier.HistoryItem { return a.notif.History() }

func (a *App) AuthStatus() auth.Status { return a.session.Status() }

func (a *App) ReloadAuth() error {
	if err := a.session.Reload(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(a.runCtx(), identifyTimeout)
	defer cancel()
	if err := a.identify(ctx); err != nil {
		a.log.Warn("session user lookup failed", logx.Err(err))
	}
	st := a.session.Status()
	a.log.Info("session reloaded", logx.Bool("authenticated", st.Authenticated), logx.String("user", st.UserID))
	return nil
}

// identify fills in the session's user id when the saved document lacks one.
// Slot operations and auto status need it.
func (a *App) identify(ctx context.Context) error {
	st := a.session.Status()
	if !st.Authenticated || st.UserID != "" {
		return nil
	}
	u, err := a.client.CurrentUser(ctx)
	if err != nil {
		return err
	}
	return a.session.Identify(u.ID, u.DisplayName)
}

// Logout drops the saved session and stops sleep mode, which cannot run without one.
func (a *App) Logout() error {
	a.poll.Stop()
	if err := a.session.Logout(); err != nil {
		return err
	}
	a.log.Info("logged out")
	return nil
}
