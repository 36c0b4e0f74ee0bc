package notifier

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"sleepchat/internal/eventbus"
	logx "sleepchat/pkg/logx"
)

// DefaultEvents are forwarded when Config.Events is empty.
var DefaultEvents = []string{eventbus.InviteSent, eventbus.InviteExpired, eventbus.PollError}

// Forward subscribes to bus and turns matching events into alerts until ctx
// is done. It never blocks the publisher.
func (s *Service) Forward(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if !s.wants(e.Type) {
				continue
			}
			n, ok := Render(e)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, n); err != nil && !errors.Is(err, ErrDisabled) && !errors.Is(err, ErrStopped) {
				s.log.Debug("alert not queued", logx.String("kind", n.Kind), logx.Err(err))
			}
		}
	}
}

func (s *Service) wants(kind string) bool {
	s.mu.Lock()
	events := s.cfg.Events
	s.mu.Unlock()
	if len(events) == 0 {
		events = DefaultEvents
	}
	return slices.Contains(events, kind)
}

// Render formats an engine event as an operator alert.
func Render(e eventbus.Event) (Notification, bool) {
	switch p := e.Data.(type) {
	case eventbus.InvitePayload:
		who := p.SenderName
		if who == "" {
			who = p.SenderID
		}
		switch e.Type {
		case eventbus.InviteSent:
			return Notification{Kind: e.Type, Priority: 5, Text: fmt.Sprintf("Invited %s to %s", who, p.Location)}, true
		case eventbus.InviteExpired:
			return Notification{Kind: e.Type, Priority: 7, Text: fmt.Sprintf("Gave up inviting %s: %s", who, p.Reason)}, true
		case eventbus.InviteDeferred:
			return Notification{Kind: e.Type, Priority: 3, Text: fmt.Sprintf("Invite for %s waiting: %s", who, p.Reason)}, true
		case eventbus.InviteIgnored:
			return Notification{Kind: e.Type, Priority: 1, Text: fmt.Sprintf("Ignored invite request from %s", who)}, true
		}
	case eventbus.PollPayload:
		if e.Type == eventbus.PollError {
			return Notification{Kind: e.Type, Priority: 9, Text: "Poll cycle failed: " + p.Err}, true
		}
	case eventbus.SlotPayload:
		if e.Type == eventbus.SlotWriteRejected {
			return Notification{Kind: e.Type, Priority: 5, Text: fmt.Sprintf("Slot %s/%d write rejected: %s", p.Category, p.Slot, p.Err)}, true
		}
	}
	switch e.Type {
	case eventbus.PollStarted:
		return Notification{Kind: e.Type, Priority: 3, Text: "Sleep mode started"}, true
	case eventbus.PollStopped:
		return Notification{Kind: e.Type, Priority: 3, Text: "Sleep mode stopped"}, true
	}
	return Notification{}, false
}
