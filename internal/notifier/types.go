package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	// Events lists the event types forwarded by Forward. Empty means DefaultEvents.
	Events []string
}

// Notification is one operator alert.
type Notification struct {
	Kind     string
	Text     string
	Priority int
}

// Sender delivers rendered alert text.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) SendText(ctx context.Context, text string) error { return f(ctx, text) }

type HistoryItem struct {
	At   time.Time `json:"at"`
	Kind string    `json:"kind"`
	Text string    `json:"text"`
}
