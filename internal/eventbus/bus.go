package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal published by the poller and the
// slot synchronizer for whoever hosts them (control API, alerting, UI).
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Event types.
const (
	PollStarted       = "poll.started"
	PollStopped       = "poll.stopped"
	PollCycle         = "poll.cycle"
	PollError         = "poll.error"
	InviteSent        = "invite.sent"
	InviteIgnored     = "invite.ignored"
	InviteDeferred    = "invite.deferred"
	InviteExpired     = "invite.expired"
	SlotUpdated       = "slot.updated"
	SlotCooldown      = "slot.cooldown"
	SlotWriteRejected = "slot.write_rejected"
)

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that discards everything.
func Nop() Bus { return nopBus{} }

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch; recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
func (nopBus) Dropped() uint64 { return 0 }

// Payloads carried in Event.Data.

type InvitePayload struct {
	CycleID        string `json:"cycle_id"`
	NotificationID string `json:"notification_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	Location       string `json:"location,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type PollPayload struct {
	CycleID  string        `json:"cycle_id"`
	Listed   int           `json:"listed"`
	Invited  int           `json:"invited"`
	Ignored  int           `json:"ignored"`
	Deferred int           `json:"deferred"`
	Failed   int           `json:"failed"`
	Took     time.Duration `json:"took"`
	Err      string        `json:"error,omitempty"`
}

type SlotPayload struct {
	Category string `json:"category"`
	Slot     int    `json:"slot"`
	Message  string `json:"message,omitempty"`
	UnlockAt int64  `json:"unlock_at,omitempty"`
	Err      string `json:"error,omitempty"`
}
