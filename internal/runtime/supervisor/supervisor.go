// Package supervisor runs the engine's long-lived goroutines under one
// context, recovering panics and restarting the ones that should come back.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "sleepchat/pkg/logx"
)

// healthyRun is how long a restarted task must stay up before its backoff
// starts over from the minimum.
const healthyRun = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg      sync.WaitGroup
	started atomic.Uint64
	running atomic.Int64

	errMu    sync.Mutex
	firstErr error
	restarts map[string]int

	waitOnce sync.Once
	done     chan struct{}
}

type Option func(*Supervisor)

// Counters is a point-in-time view for status output.
type Counters struct {
	Running  int64          `json:"running"`
	Started  uint64         `json:"started"`
	Restarts map[string]int `json:"restarts,omitempty"`
	FirstErr string         `json:"firstError,omitempty"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first task failure.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:      ctx,
		cancel:   cancel,
		log:      logx.Nop(),
		restarts: map[string]int{},
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context and returns without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first task failure, if any.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

// Snapshot is nil-safe so callers can report before Start.
func (s *Supervisor) Snapshot() Counters {
	if s == nil {
		return Counters{}
	}
	c := Counters{Running: s.running.Load(), Started: s.started.Load()}
	s.errMu.Lock()
	if s.firstErr != nil {
		c.FirstErr = s.firstErr.Error()
	}
	if len(s.restarts) > 0 {
		c.Restarts = maps.Clone(s.restarts)
	}
	s.errMu.Unlock()
	return c
}

// Go runs fn once. A non-nil error other than cancellation is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.running.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Add(-1)
		s.log.Debug("task started", logx.String("task", name))

		err := s.protect(name, func() error { return fn(s.ctx) })
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("task stopped", logx.String("task", name))
	}()
}

// Go0 is Go for tasks that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// protect turns a panic in fn into an error.
func (s *Supervisor) protect(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked",
				logx.String("task", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

type RestartOption func(*backoff)

type backoff struct {
	min, max time.Duration
}

// WithRestartBackoff bounds the wait between restarts. Zero keeps the default.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(b *backoff) {
		if min > 0 {
			b.min = min
		}
		if max > 0 {
			b.max = max
		}
	}
}

// GoRestart keeps fn running until the context ends. A failure or panic is
// recorded and fn is started again after an exponential, jittered wait.
// A nil return ends the task for good.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	b := backoff{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&b)
	}
	b.max = max(b.max, b.min)

	s.Go0(name, func(ctx context.Context) {
		wait := b.min
		for ctx.Err() == nil {
			began := time.Now()
			err := s.protect(name, func() error { return fn(ctx) })
			if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}

			s.errMu.Lock()
			s.restarts[name]++
			n := s.restarts[name]
			if s.firstErr == nil {
				s.firstErr = fmt.Errorf("%s: %w", name, err)
			}
			s.errMu.Unlock()

			if time.Since(began) >= healthyRun {
				wait = b.min
			}
			d := wait + jitter(wait)
			s.log.Warn("task failed; restarting",
				logx.String("task", name),
				logx.Int("restarts", n),
				logx.Duration("backoff", d),
				logx.Err(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
			wait = min(wait*2, b.max)
		}
	})
}

// jitter is up to a fifth of d.
func jitter(d time.Duration) time.Duration {
	j := int64(d) / 5
	if j <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() % (j + 1))
}

// Stop cancels the context and waits for every task, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every task has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}
