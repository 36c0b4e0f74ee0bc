package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sleepchat/internal/auth"
	"sleepchat/internal/notifier"
	"sleepchat/internal/poller"
	"sleepchat/internal/storage"
	"sleepchat/internal/vrc"
	logx "sleepchat/pkg/logx"
)

type fakeEngine struct {
	running   bool
	settings  storage.Settings
	whitelist []string
	writes    []string
	writeErr  error
	overrides map[string]int64
	alerts    []notifier.HistoryItem
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{settings: storage.DefaultSettings(), overrides: map[string]int64{}}
}

func (f *fakeEngine) Status(ctx context.Context) Status {
	return Status{Poller: poller.State{Running: f.running}}
}
func (f *fakeEngine) StartPolling(ctx context.Context) error { f.running = true; return nil }
func (f *fakeEngine) StopPolling(ctx context.Context) error  { f.running = false; return nil }
func (f *fakeEngine) RunCycle(ctx context.Context) (poller.CycleResult, error) {
	return poller.CycleResult{}, poller.ErrTickInFlight
}
func (f *fakeEngine) CachedSlots() map[string][]string {
	return map[string][]string{"message": {"hi"}}
}
func (f *fakeEngine) SlotCooldowns() map[string]map[int]int64 {
	out := map[string]map[int]int64{}
	for k, v := range f.overrides {
		out[k] = map[int]int64{0: v}
	}
	return out
}
func (f *fakeEngine) FetchSlots(ctx context.Context, category string) ([]vrc.SlotResult, error) {
	if category != "message" {
		return nil, fmt.Errorf("%w: unknown category %q", vrc.ErrValidation, category)
	}
	return []vrc.SlotResult{{Index: 0, Message: "hi"}}, nil
}
func (f *fakeEngine) FetchSlot(ctx context.Context, category string, idx int) (vrc.SlotResult, error) {
	return vrc.SlotResult{Index: idx, Message: "hi"}, nil
}
func (f *fakeEngine) WriteSlot(ctx context.Context, category string, idx int, text string) ([]vrc.SlotResult, error) {
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	f.writes = append(f.writes, fmt.Sprintf("%s/%d=%s", category, idx, text))
	return []vrc.SlotResult{{Index: idx, Message: text}}, nil
}
func (f *fakeEngine) SetCooldownOverride(category string, idx int, unlockMs int64) error {
	f.overrides[category] = unlockMs
	return nil
}
func (f *fakeEngine) Whitelist(ctx context.Context) ([]string, error) { return f.whitelist, nil }
func (f *fakeEngine) SetWhitelist(ctx context.Context, list []string) ([]string, error) {
	f.whitelist = storage.NormalizeWhitelist(list)
	return f.whitelist, nil
}
func (f *fakeEngine) Settings(ctx context.Context) (storage.Settings, error) { return f.settings, nil }
func (f *fakeEngine) UpdateSettings(ctx context.Context, p storage.SettingsPatch) (storage.Settings, error) {
	f.settings = p.Apply(f.settings)
	return f.settings, nil
}
func (f *fakeEngine) Friends(ctx context.Context) ([]vrc.Friend, error) {
	return nil, &vrc.APIError{Status: http.StatusServiceUnavailable, Message: "down"}
}
func (f *fakeEngine) Alerts() []notifier.HistoryItem { return f.alerts }
func (f *fakeEngine) AuthStatus() auth.Status {
	return auth.Status{Authenticated: true, UserID: "usr_me"}
}
func (f *fakeEngine) ReloadAuth() error { return nil }
func (f *fakeEngine) Logout() error     { return nil }

func newTestServer(t *testing.T, token string) (*fakeEngine, *storage.Memory, *httptest.Server) {
	t.Helper()
	eng := newFakeEngine()
	mem := storage.NewMemory()
	svc := New(Config{Enabled: true}, eng, mem, logx.Nop())
	ts := httptest.NewServer(svc.Handler(token))
	t.Cleanup(ts.Close)
	return eng, mem, ts
}

func do(t *testing.T, method, url, body string, hdr ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHandler_PollStartStopAndAudit(t *testing.T) {
	eng, mem, ts := newTestServer(t, "")

	resp := do(t, http.MethodPost, ts.URL+"/v1/poll/start", "")
	if resp.StatusCode != http.StatusOK || !eng.running {
		t.Fatalf("start: code=%d running=%v", resp.StatusCode, eng.running)
	}
	var st poller.State
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil || !st.Running {
		t.Fatalf("state = %+v, err=%v", st, err)
	}
	do(t, http.MethodPost, ts.URL+"/v1/poll/stop", "")
	if eng.running {
		t.Fatalf("still running after stop")
	}

	audit := mem.Audit()
	if len(audit) != 2 || audit[0].Action != "poll.start" || !audit[1].OK {
		t.Fatalf("audit = %+v", audit)
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	_, mem, ts := newTestServer(t, "")

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/v1/poll/run", "", http.StatusConflict},
		{http.MethodGet, "/v1/slots/bogus", "", http.StatusBadRequest},
		{http.MethodGet, "/v1/slots/message/x", "", http.StatusBadRequest},
		{http.MethodPut, "/v1/slots/message/1", `{"nope":1}`, http.StatusBadRequest},
		{http.MethodGet, "/v1/friends", "", http.StatusBadGateway},
		{http.MethodGet, "/v1/slots/cooldowns", "", http.StatusOK},
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodDelete, "/v1/settings", "", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		resp := do(t, tc.method, ts.URL+tc.path, tc.body)
		if resp.StatusCode != tc.want {
			t.Fatalf("%s %s: code=%d want %d", tc.method, tc.path, resp.StatusCode, tc.want)
		}
	}

	audit := mem.Audit()
	if len(audit) != 2 {
		t.Fatalf("audit entries = %d, want 2 (poll.run + slot.write)", len(audit))
	}
	if audit[1].Action != "slot.write" || audit[1].OK || audit[1].Target != "message/1" {
		t.Fatalf("slot.write audit = %+v", audit[1])
	}
}

func TestHandler_SlotWriteAndCooldown(t *testing.T) {
	eng, _, ts := newTestServer(t, "")

	resp := do(t, http.MethodPut, ts.URL+"/v1/slots/message/3", `{"message":"asleep"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("write code=%d", resp.StatusCode)
	}
	if len(eng.writes) != 1 || eng.writes[0] != "message/3=asleep" {
		t.Fatalf("writes = %v", eng.writes)
	}

	eng.writeErr = &vrc.APIError{Status: http.StatusTooManyRequests, Message: "wait 5 more minutes"}
	resp = do(t, http.MethodPut, ts.URL+"/v1/slots/message/3", `{"message":"again"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("rate-limited write code=%d", resp.StatusCode)
	}

	resp = do(t, http.MethodPut, ts.URL+"/v1/slots/request/2/cooldown", `{"unlockAt":12345}`)
	if resp.StatusCode != http.StatusOK || eng.overrides["request"] != 12345 {
		t.Fatalf("override code=%d overrides=%v", resp.StatusCode, eng.overrides)
	}
}

func TestHandler_SettingsPatchAndWhitelist(t *testing.T) {
	eng, _, ts := newTestServer(t, "")

	resp := do(t, http.MethodPut, ts.URL+"/v1/settings", `{"sleepStatus":"busy","inviteMessageSlot":4}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("settings code=%d", resp.StatusCode)
	}
	if eng.settings.SleepStatus != "busy" || eng.settings.InviteMessageSlot != 4 || eng.settings.InviteMessageType != "message" {
		t.Fatalf("settings = %+v", eng.settings)
	}

	resp = do(t, http.MethodPut, ts.URL+"/v1/whitelist", `[" Alice ","alice","usr_b"]`)
	var got []string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0] != "Alice" || got[1] != "usr_b" {
		t.Fatalf("whitelist = %v", got)
	}
}

func TestHandler_Alerts(t *testing.T) {
	eng, _, ts := newTestServer(t, "")

	resp := do(t, http.MethodGet, ts.URL+"/v1/alerts", "")
	var got []notifier.HistoryItem
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil || got == nil || len(got) != 0 {
		t.Fatalf("empty alerts = %#v, err = %v", got, err)
	}

	eng.alerts = []notifier.HistoryItem{{Kind: "invite.sent", Text: "Invited Alice"}}
	resp = do(t, http.MethodGet, ts.URL+"/v1/alerts", "")
	got = nil
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil || len(got) != 1 || got[0].Kind != "invite.sent" {
		t.Fatalf("alerts = %+v, err = %v", got, err)
	}
}

func TestHandler_Token(t *testing.T) {
	_, _, ts := newTestServer(t, "s3cret")

	if resp := do(t, http.MethodGet, ts.URL+"/v1/status", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: code=%d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, ts.URL+"/v1/status", "", "Authorization", "Bearer wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: code=%d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, ts.URL+"/v1/status", "", "Authorization", "Bearer s3cret"); resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer: code=%d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, ts.URL+"/v1/auth?token=s3cret", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("query token: code=%d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{vrc.ErrAuth, http.StatusUnauthorized},
		{fmt.Errorf("wrap: %w", vrc.ErrLocationUnresolved), http.StatusConflict},
		{&vrc.APIError{Status: 404}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:7171": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":7171":          false,
		"0.0.0.0:7171":   false,
		"10.0.0.2:80":    false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestService_StartStop(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, newFakeEngine(), nil, logx.Nop())
	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop(ctx)

	var addr string
	for i := 0; i < 200 && addr == ""; i++ {
		addr = svc.Addr()
		if addr == "" {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if addr == "" {
		t.Fatalf("server never bound")
	}
	resp := do(t, http.MethodGet, "http://"+addr+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz code=%d", resp.StatusCode)
	}
}
