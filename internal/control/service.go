// Package control serves the local HTTP control API.
package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "sleepchat/internal/runtime/supervisor"
	logx "sleepchat/pkg/logx"
)

const DefaultAddr = "127.0.0.1:7171"

// Config controls the control HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	engine Engine
	audit  AuditSink

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, engine Engine, audit AuditSink, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, engine: engine, audit: audit, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Addr returns the bound listener address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and starts/stops/restarts the server if needed.
// Safe to call during hot-reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		if running {
			s.Stop(ctx)
		}
		return
	}
	if !running {
		s.Start(ctx)
		return
	}
	if needsRestart(prev, cfg) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

// Start is idempotent. The server runs under a restart loop.
func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			// the control API is optional; never take the app down with it
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("control.serve", s.serveOnce,
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("control api stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	log := s.log
	s.mu.Unlock()

	if !cur.Enabled {
		return nil
	}

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = DefaultAddr
	}

	// refuse public exposure without auth
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		log.Error("control api refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", addr),
		)
		return errors.New("control api refused to start: insecure bind")
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		log.Warn("control api running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("control api listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.Handler(cur.Token),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	log.Info("control api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""))

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("control api server exited unexpectedly")
	}
	return err
}

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Authorization: Bearer <token>, or ?token=<token>
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h.ServeHTTP(w, r)
				return
			}
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
