package poller

import (
	"context"
	"strings"

	"sleepchat/internal/storage"
	logx "sleepchat/pkg/logx"
)

type savedStatus struct {
	userID      string
	status      string
	description string
}

// applySleepStatus switches the user's status to the configured sleep status
// and remembers the previous one. Failures are logged only.
func (p *Poller) applySleepStatus(ctx context.Context, st storage.Settings) {
	if !st.AutoStatusEnabled {
		return
	}
	sleep := strings.TrimSpace(st.SleepStatus)
	if sleep == "" || sleep == "none" {
		return
	}
	u, err := p.api.CurrentUser(ctx)
	if err != nil {
		p.log.Warn("auto status: current user lookup failed", logx.Err(err))
		return
	}
	if err := p.api.UpdateStatus(ctx, u.ID, sleep, st.SleepStatusDescription); err != nil {
		p.log.Warn("auto status: update failed", logx.Err(err))
		return
	}
	p.statusMu.Lock()
	p.prevStatus = &savedStatus{userID: u.ID, status: u.Status, description: u.StatusDescription}
	p.statusMu.Unlock()
	p.log.Info("auto status applied", logx.String("status", sleep))
}

func (p *Poller) restoreStatus(ctx context.Context) {
	p.statusMu.Lock()
	prev := p.prevStatus
	p.prevStatus = nil
	p.statusMu.Unlock()
	if prev == nil {
		return
	}
	if err := p.api.UpdateStatus(ctx, prev.userID, prev.status, prev.description); err != nil {
		p.log.Warn("auto status: restore failed", logx.Err(err))
		return
	}
	p.log.Info("auto status restored", logx.String("status", prev.status))
}
