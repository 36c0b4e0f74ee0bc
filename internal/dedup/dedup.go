// Package dedup holds the bounded, insertion-ordered id sets that stop the
// poller from handling the same notification or sender twice.
//
// Entries have no expiry; they leave only when newer inserts push them out.
package dedup

import "sync"

const (
	DefaultMaxNotifications = 1000
	DefaultMaxSenders       = 500
)

// Set is a FIFO-evicting ordered set of strings with a fixed capacity.
type Set struct {
	mu    sync.RWMutex
	cap   int
	order []string
	index map[string]struct{}
}

func NewSet(capacity int) *Set {
	if capacity <= 0 {
		capacity = 1
	}
	return &Set{cap: capacity, index: make(map[string]struct{}, capacity)}
}

// Insert appends id. Re-inserting a present id is a no-op.
func (s *Set) Insert(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; ok {
		return
	}
	s.order = append(s.order, id)
	s.index[id] = struct{}{}
	s.enforceLocked()
}

func (s *Set) Contains(id string) bool {
	s.mu.RLock()
	_, ok := s.index[id]
	s.mu.RUnlock()
	return ok
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Set) Cap() int { return s.cap }

// Enforce trims the set back to its capacity.
func (s *Set) Enforce() {
	s.mu.Lock()
	s.enforceLocked()
	s.mu.Unlock()
}

func (s *Set) enforceLocked() {
	over := len(s.order) - s.cap
	if over <= 0 {
		return
	}
	for _, id := range s.order[:over] {
		delete(s.index, id)
	}
	// copy so the evicted prefix can be collected
	s.order = append([]string(nil), s.order[over:]...)
}

// Snapshot returns the ids oldest first.
func (s *Set) Snapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Tracker pairs the handled-notification and handled-sender sets.
type Tracker struct {
	Notifications *Set
	Senders       *Set
}

func NewTracker(maxNotifications, maxSenders int) *Tracker {
	if maxNotifications <= 0 {
		maxNotifications = DefaultMaxNotifications
	}
	if maxSenders <= 0 {
		maxSenders = DefaultMaxSenders
	}
	return &Tracker{
		Notifications: NewSet(maxNotifications),
		Senders:       NewSet(maxSenders),
	}
}

// Cleanup re-enforces both capacity bounds.
func (t *Tracker) Cleanup() {
	t.Notifications.Enforce()
	t.Senders.Enforce()
}

// Stats is a point-in-time view of the tracker sizes.
type Stats struct {
	Notifications int `json:"notifications"`
	Senders       int `json:"senders"`
}

func (t *Tracker) Stats() Stats {
	return Stats{Notifications: t.Notifications.Len(), Senders: t.Senders.Len()}
}
