package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"maps"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	rtsup "sleepchat/internal/runtime/supervisor"
	"sleepchat/internal/storage"
	logx "sleepchat/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	sendTimeout        = 10 * time.Second
	dedupLookupTimeout = 25 * time.Millisecond
	persistTimeout     = 250 * time.Millisecond
	historyLimit       = 100
)

type job struct {
	n        Notification
	dedupKey string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service is an async alert pipeline: queue + worker pool + rate limit +
// retry + dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	store  storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue     chan job
	persistCh chan dedupWrite
	sup       *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log,
		store:  store,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Apply swaps the config. Worker count and queue size take effect on the next Start.
func (s *Service) Apply(cfg Config, sender Sender) {
	s.mu.Lock()
	s.applyLocked(cfg)
	if sender != nil {
		s.sender = sender
	}
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 1000
	}
	s.cfg = cfg
	// burst = rate so a short spike of alerts doesn't block
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 256)
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup, q, pch, workers := s.sup, s.queue, s.persistCh, s.cfg.Workers
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("notifier.persist", func(c context.Context) error {
			s.persistLoop(c, pch)
			return nil
		})
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// Stop stops intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue, s.persistCh, s.sup = nil, nil, nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// wait for in-flight Notify calls before closing the queue
		s.sendWG.Wait()
		close(q)
		if pch != nil {
			close(pch)
		}
		_ = sup.Wait(context.Background())
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify enqueues n. Suppressed duplicates return nil.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, pch, cfg := s.queue, s.persistCh, s.cfg
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(n)
	if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, key, cfg, pch) {
		s.log.Debug("alert suppressed (dedup)", logx.String("kind", n.Kind))
		return nil
	}

	select {
	case q <- job{n: n, dedupKey: key}:
		return nil
	default:
		s.log.Warn("alert dropped", logx.String("kind", n.Kind), logx.Err(ErrQueueFull))
		return ErrQueueFull
	}
}

// History returns recently delivered alerts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(n Notification, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Kind: n.Kind, Text: text})
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, persistTimeout)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("alert dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

// sendWithRetry delivers one alert, waiting on the rate limiter before each
// attempt and backing off between failures.
func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	text := prefixForPriority(j.n.Priority) + j.n.Text
	attempts := cfg.RetryMax + 1
	var err error
	for attempt := range attempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay(cfg, attempt)):
			}
		}
		if lim.Wait(ctx) != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err = sender.SendText(callCtx, text)
		cancel()
		if err == nil {
			s.appendHistory(j.n, text)
			return
		}
		s.log.Debug("alert send failed", logx.Int("attempt", attempt+1), logx.Int("of", attempts), logx.Err(err))
	}
	s.log.Warn("alert undeliverable", logx.String("kind", j.n.Kind), logx.Err(err))
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	}
	return ""
}

// dedupKey identifies an alert by kind and text.
func dedupKey(n Notification) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%s", n.Kind, n.Text)
	return fmt.Sprintf("alert:%x", h.Sum64())
}

// dedupAllow reports whether key may be sent now and, if so, opens its
// suppression window. The persisted window is checked too, so a restart
// does not repeat an alert the operator has just seen.
func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config, pch chan<- dedupWrite) bool {
	now := time.Now()
	if s.suppressed(key, now) {
		return false
	}
	if cfg.PersistDedup && s.store != nil {
		lctx, cancel := context.WithTimeout(ctx, dedupLookupTimeout)
		until, ok, err := s.store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.remember(key, until, now, cfg.DedupMaxEntries)
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.remember(key, until, now, cfg.DedupMaxEntries)
	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func (s *Service) suppressed(key string, now time.Time) bool {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	until, ok := s.dedup[key]
	return ok && now.Before(until)
}

// remember records key and trims expired entries, then the soonest to
// expire while over limit.
func (s *Service) remember(key string, until, now time.Time, limit int) {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	s.dedup[key] = until
	maps.DeleteFunc(s.dedup, func(_ string, t time.Time) bool { return !now.Before(t) })
	for len(s.dedup) > limit {
		oldest := ""
		for k, t := range s.dedup {
			if oldest == "" || t.Before(s.dedup[oldest]) {
				oldest = k
			}
		}
		delete(s.dedup, oldest)
	}
}

// retryDelay doubles RetryBase per attempt up to RetryMaxDelay, then
// scales by a random factor in [0.7, 1.3).
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(min(d, cfg.RetryMaxDelay)) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
