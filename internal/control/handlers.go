package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sleepchat/internal/auth"
	"sleepchat/internal/notifier"
	"sleepchat/internal/poller"
	rtsup "sleepchat/internal/runtime/supervisor"
	"sleepchat/internal/storage"
	"sleepchat/internal/vrc"
	logx "sleepchat/pkg/logx"
)

// Engine is the set of operations exposed over HTTP.
type Engine interface {
	Status(ctx context.Context) Status

	StartPolling(ctx context.Context) error
	StopPolling(ctx context.Context) error
	RunCycle(ctx context.Context) (poller.CycleResult, error)

	CachedSlots() map[string][]string
	SlotCooldowns() map[string]map[int]int64
	FetchSlots(ctx context.Context, category string) ([]vrc.SlotResult, error)
	FetchSlot(ctx context.Context, category string, idx int) (vrc.SlotResult, error)
	WriteSlot(ctx context.Context, category string, idx int, text string) ([]vrc.SlotResult, error)
	SetCooldownOverride(category string, idx int, unlockMs int64) error

	Whitelist(ctx context.Context) ([]string, error)
	SetWhitelist(ctx context.Context, list []string) ([]string, error)
	Settings(ctx context.Context) (storage.Settings, error)
	UpdateSettings(ctx context.Context, patch storage.SettingsPatch) (storage.Settings, error)
	Friends(ctx context.Context) ([]vrc.Friend, error)
	Alerts() []notifier.HistoryItem

	AuthStatus() auth.Status
	ReloadAuth() error
	Logout() error
}

// AuditSink records mutating control requests.
type AuditSink interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Status is the GET /v1/status document.
type Status struct {
	StartedAt     time.Time      `json:"startedAt"`
	Poller        poller.State   `json:"poller"`
	Auth          auth.Status    `json:"auth"`
	AlertsEnabled bool           `json:"alertsEnabled"`
	EventsDropped uint64         `json:"eventsDropped"`
	Tasks         rtsup.Counters `json:"tasks"`
}

const maxBody = 64 << 10

// Handler builds the routed API. An empty token disables auth.
func (s *Service) Handler(token string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.engine.Status(r.Context()))
	})

	mux.HandleFunc("POST /v1/poll/start", s.audited("poll.start", func(w http.ResponseWriter, r *http.Request) error {
		if err := s.engine.StartPolling(r.Context()); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, s.engine.Status(r.Context()).Poller)
		return nil
	}))
	mux.HandleFunc("POST /v1/poll/stop", s.audited("poll.stop", func(w http.ResponseWriter, r *http.Request) error {
		if err := s.engine.StopPolling(r.Context()); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, s.engine.Status(r.Context()).Poller)
		return nil
	}))
	mux.HandleFunc("POST /v1/poll/run", s.audited("poll.run", func(w http.ResponseWriter, r *http.Request) error {
		res, err := s.engine.RunCycle(r.Context())
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, res)
		return nil
	}))

	mux.HandleFunc("GET /v1/slots", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.engine.CachedSlots())
	})
	mux.HandleFunc("GET /v1/slots/cooldowns", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.engine.SlotCooldowns())
	})
	mux.HandleFunc("GET /v1/slots/{type}", s.handle(func(w http.ResponseWriter, r *http.Request) error {
		res, err := s.engine.FetchSlots(r.Context(), r.PathValue("type"))
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, res)
		return nil
	}))
	mux.HandleFunc("GET /v1/slots/{type}/{slot}", s.handle(func(w http.ResponseWriter, r *http.Request) error {
		idx, err := slotIndex(r)
		if err != nil {
			return err
		}
		res, err := s.engine.FetchSlot(r.Context(), r.PathValue("type"), idx)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, res)
		return nil
	}))
	mux.HandleFunc("PUT /v1/slots/{type}/{slot}", s.audited("slot.write", func(w http.ResponseWriter, r *http.Request) error {
		idx, err := slotIndex(r)
		if err != nil {
			return err
		}
		var body struct {
			Message string `json:"message"`
		}
		if err := readJSON(r, &body); err != nil {
			return err
		}
		res, err := s.engine.WriteSlot(r.Context(), r.PathValue("type"), idx, body.Message)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, res)
		return nil
	}))
	mux.HandleFunc("PUT /v1/slots/{type}/{slot}/cooldown", s.audited("slot.cooldown", func(w http.ResponseWriter, r *http.Request) error {
		idx, err := slotIndex(r)
		if err != nil {
			return err
		}
		var body struct {
			UnlockAt int64 `json:"unlockAt"`
		}
		if err := readJSON(r, &body); err != nil {
			return err
		}
		if err := s.engine.SetCooldownOverride(r.PathValue("type"), idx, body.UnlockAt); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, s.engine.SlotCooldowns())
		return nil
	}))

	mux.HandleFunc("GET /v1/whitelist", s.handle(func(w http.ResponseWriter, r *http.Request) error {
		list, err := s.engine.Whitelist(r.Context())
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, list)
		return nil
	}))
	mux.HandleFunc("PUT /v1/whitelist", s.audited("whitelist.set", func(w http.ResponseWriter, r *http.Request) error {
		var list []string
		if err := readJSON(r, &list); err != nil {
			return err
		}
		out, err := s.engine.SetWhitelist(r.Context(), list)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, out)
		return nil
	}))
	mux.HandleFunc("GET /v1/settings", s.handle(func(w http.ResponseWriter, r *http.Request) error {
		st, err := s.engine.Settings(r.Context())
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, st)
		return nil
	}))
	mux.HandleFunc("PUT /v1/settings", s.audited("settings.update", func(w http.ResponseWriter, r *http.Request) error {
		var patch storage.SettingsPatch
		if err := readJSON(r, &patch); err != nil {
			return err
		}
		st, err := s.engine.UpdateSettings(r.Context(), patch)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, st)
		return nil
	}))
	mux.HandleFunc("GET /v1/friends", s.handle(func(w http.ResponseWriter, r *http.Request) error {
		list, err := s.engine.Friends(r.Context())
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, list)
		return nil
	}))

	mux.HandleFunc("GET /v1/alerts", func(w http.ResponseWriter, r *http.Request) {
		items := s.engine.Alerts()
		if items == nil {
			items = []notifier.HistoryItem{}
		}
		writeJSON(w, http.StatusOK, items)
	})

	mux.HandleFunc("GET /v1/auth", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.engine.AuthStatus())
	})
	mux.HandleFunc("POST /v1/auth/reload", s.audited("auth.reload", func(w http.ResponseWriter, r *http.Request) error {
		if err := s.engine.ReloadAuth(); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, s.engine.AuthStatus())
		return nil
	}))
	mux.HandleFunc("POST /v1/auth/logout", s.audited("auth.logout", func(w http.ResponseWriter, r *http.Request) error {
		if err := s.engine.Logout(); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, s.engine.AuthStatus())
		return nil
	}))

	return withAuth(token, mux)
}

type errHandler func(w http.ResponseWriter, r *http.Request) error

func (s *Service) handle(h errHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			s.writeErr(w, r, err)
		}
	}
}

// audited runs h and appends an audit record with its outcome.
func (s *Service) audited(action string, h errHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		err := h(w, r)
		if err != nil {
			s.writeErr(w, r, err)
		}
		if s.audit == nil {
			return
		}
		e := storage.AuditEntry{
			At:     start.UTC(),
			Remote: r.RemoteAddr,
			Action: action,
			Target: strings.Trim(r.PathValue("type")+"/"+r.PathValue("slot"), "/"),
			OK:     err == nil,
			TookMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			e.Error = err.Error()
		}
		// request ctx may already be done once the response is written
		actx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
		defer cancel()
		if aerr := s.audit.AppendAudit(actx, e); aerr != nil {
			s.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
		}
	}
}

var errBadRequest = errors.New("bad request")

func slotIndex(r *http.Request) (int, error) {
	idx, err := strconv.Atoi(r.PathValue("slot"))
	if err != nil {
		return 0, fmt.Errorf("%w: slot must be an integer", errBadRequest)
	}
	return idx, nil
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Service) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.log.Warn("control request failed", logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, vrc.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, vrc.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, vrc.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, vrc.ErrLocationUnresolved), errors.Is(err, poller.ErrTickInFlight):
		return http.StatusConflict
	case errors.Is(err, vrc.ErrServiceUnavailable), errors.Is(err, vrc.ErrNetwork):
		return http.StatusBadGateway
	case vrc.StatusOf(err) != 0:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
