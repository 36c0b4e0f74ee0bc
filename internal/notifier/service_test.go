package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sleepchat/internal/eventbus"
	"sleepchat/internal/storage"
	logx "sleepchat/pkg/logx"
)

type recordSender struct {
	mu    sync.Mutex
	texts []string
	fails int
}

func (r *recordSender) SendText(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("temporary")
	}
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testConfig() Config {
	return Config{Enabled: true, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func TestService_RetriesThenDelivers(t *testing.T) {
	snd := &recordSender{fails: 2}
	s := New(testConfig(), snd, logx.Nop(), nil)
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	if err := s.Notify(ctx, Notification{Kind: "x", Text: "hello"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return len(snd.sent()) == 1 })
	if h := s.History(); len(h) != 1 || h[0].Text != "hello" {
		t.Fatalf("history = %+v", h)
	}
}

func TestService_DedupWindowPersisted(t *testing.T) {
	snd := &recordSender{}
	mem := storage.NewMemory()
	cfg := testConfig()
	cfg.DedupWindow = time.Hour
	cfg.PersistDedup = true
	s := New(cfg, snd, logx.Nop(), mem)
	ctx := context.Background()
	s.Start(ctx)

	n := Notification{Kind: eventbus.PollError, Text: "Poll cycle failed: boom", Priority: 9}
	_ = s.Notify(ctx, n)
	_ = s.Notify(ctx, n)
	waitFor(t, func() bool { return len(snd.sent()) == 1 })
	s.Stop(ctx)

	if _, ok, _ := mem.GetDedup(ctx, dedupKey(n)); !ok {
		t.Fatalf("dedup key not persisted")
	}

	// a fresh service sharing the store keeps suppressing
	snd2 := &recordSender{}
	s2 := New(cfg, snd2, logx.Nop(), mem)
	s2.Start(ctx)
	defer s2.Stop(ctx)
	_ = s2.Notify(ctx, n)
	_ = s2.Notify(ctx, Notification{Kind: "other", Text: "different"})
	waitFor(t, func() bool { return len(snd2.sent()) == 1 })
	if got := snd2.sent()[0]; got != "different" {
		t.Fatalf("sent = %q", got)
	}
}

func TestService_DisabledAndStopped(t *testing.T) {
	ctx := context.Background()
	s := New(Config{}, &recordSender{}, logx.Nop(), nil)
	if err := s.Notify(ctx, Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	s2 := New(testConfig(), &recordSender{}, logx.Nop(), nil)
	if err := s2.Notify(ctx, Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestForward_FiltersAndRenders(t *testing.T) {
	snd := &recordSender{}
	s := New(testConfig(), snd, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	bus := eventbus.New()
	done := make(chan struct{})
	go func() { _ = s.Forward(ctx, bus); close(done) }()

	waitFor(t, func() bool {
		// wait until Forward has subscribed
		bus.Publish(eventbus.Event{Type: eventbus.InviteIgnored, Data: eventbus.InvitePayload{SenderID: "usr_b"}})
		bus.Publish(eventbus.Event{Type: eventbus.InviteSent, Data: eventbus.InvitePayload{SenderName: "Alice", Location: "wrld_A:1"}})
		return len(snd.sent()) > 0
	})
	for _, txt := range snd.sent() {
		if txt != "ℹ️ Invited Alice to wrld_A:1" {
			t.Fatalf("unexpected alert %q", txt)
		}
	}
	cancel()
	<-done
}

func TestRender(t *testing.T) {
	n, ok := Render(eventbus.Event{Type: eventbus.PollError, Data: eventbus.PollPayload{Err: "401"}})
	if !ok || n.Priority != 9 || n.Text != "Poll cycle failed: 401" {
		t.Fatalf("render = %+v, %v", n, ok)
	}
	if _, ok := Render(eventbus.Event{Type: "unknown"}); ok {
		t.Fatalf("unknown events should not render")
	}
}
