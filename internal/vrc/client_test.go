package vrc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

type staticAuth http.Header

func (a staticAuth) AuthHeaders() http.Header { return http.Header(a) }

func testAuth() staticAuth {
	return staticAuth{"Cookie": []string{"auth=abc"}}
}

func newTestClient(t *testing.T, h http.Handler, cfg Config, sleeps *[]time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	return New(cfg, testAuth(), WithSleep(func(ctx context.Context, d time.Duration) error {
		if sleeps != nil {
			*sleeps = append(*sleeps, d)
		}
		return nil
	}))
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name string
		key  string
		path string
		want string
	}{
		{"no key", "", "/auth/user", "https://api.test/auth/user"},
		{"key no query", "k 1", "/auth/user", "https://api.test/auth/user?apiKey=k+1"},
		{"key with query", "k", "/auth/user/friends?n=100", "https://api.test/auth/user/friends?n=100&apiKey=k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Config{BaseURL: "https://api.test/", APIKey: tt.key}, testAuth())
			if got := c.BuildURL(tt.path); got != tt.want {
				t.Fatalf("BuildURL(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestRetry_SucceedsAfterThrottling(t *testing.T) {
	var hits atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","status_code":429}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"usr_me","displayName":"Me"}`))
	})
	var sleeps []time.Duration
	c := newTestClient(t, h, Config{MaxRetries: 3, RetryBase: time.Second}, &sleeps)

	u, err := c.CurrentUser(context.Background())
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if u.ID != "usr_me" {
		t.Fatalf("id = %q", u.ID)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if fmt.Sprint(sleeps) != fmt.Sprint(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	if hits.Load() != 3 {
		t.Fatalf("hits = %d, want 3", hits.Load())
	}
}

func TestRetry_ExhaustsAfterMaxAttempts(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			var hits atomic.Int32
			h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(status)
			})
			var sleeps []time.Duration
			c := newTestClient(t, h, Config{MaxRetries: 3, RetryBase: time.Second}, &sleeps)

			_, err := c.CurrentUser(context.Background())
			if StatusOf(err) != status {
				t.Fatalf("err = %v, want status %d", err, status)
			}
			if hits.Load() != 3 {
				t.Fatalf("hits = %d, want exactly 3", hits.Load())
			}
			if len(sleeps) != 2 {
				t.Fatalf("sleeps = %v, want 2 waits", sleeps)
			}
		})
	}
}

func TestRetry_NonRetryableFailsFast(t *testing.T) {
	var hits atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":{"message":"bad"}}`, http.StatusBadRequest)
	})
	c := newTestClient(t, h, Config{MaxRetries: 3}, nil)

	_, err := c.CurrentUser(context.Background())
	var ae *APIError
	if !errors.As(err, &ae) || ae.Status != http.StatusBadRequest || ae.Message != "bad" {
		t.Fatalf("err = %#v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestDo_ReturnsLastErrorUnchanged(t *testing.T) {
	sentinel := &APIError{Status: http.StatusTooManyRequests, Message: "wait 3 more minutes"}
	calls := 0
	_, err := Do(context.Background(), Backoff{Base: time.Millisecond, MaxRetries: 4, Sleep: func(context.Context, time.Duration) error { return nil }},
		func(context.Context) (int, error) {
			calls++
			return 0, sentinel
		})
	if err != sentinel {
		t.Fatalf("err identity not preserved: %v", err)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited match")
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
}

func TestNoSessionFailsWithoutRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, staticAuth(nil))
	_, err := c.ListInviteNotifications(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("request issued without session")
	}
}

func TestRequestHeaders(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "auth=abc" {
			t.Errorf("cookie = %q", r.Header.Get("Cookie"))
		}
		if r.Header.Get("User-Agent") != "ua-test" {
			t.Errorf("user agent = %q", r.Header.Get("User-Agent"))
		}
		if r.URL.Query().Get("apiKey") != "key" {
			t.Errorf("apiKey = %q", r.URL.Query().Get("apiKey"))
		}
		_, _ = w.Write([]byte(`{}`))
	})
	c := newTestClient(t, h, Config{UserAgent: "ua-test", APIKey: "key"}, nil)
	if _, err := c.CurrentUser(context.Background()); err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
}

func TestListInviteNotifications_Filters(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/user/notifications" || r.URL.Query().Get("n") != "50" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_, _ = w.Write([]byte(`[
			{"id":"not_1","type":"requestInvite","senderUserId":"usr_a","senderUsername":"Alice"},
			{"_id":"not_2","type":"requestInvite","senderUserId":"usr_b","senderDisplayName":"Bob"},
			{"id":"not_3","type":"friendRequest","senderUserId":"usr_c"},
			{"id":"not_4","type":"requestInvite"}
		]`))
	})
	c := newTestClient(t, h, Config{}, nil)
	got, err := c.ListInviteNotifications(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []InviteNotification{
		{ID: "not_1", SenderID: "usr_a", SenderDisplayName: "Alice"},
		{ID: "not_2", SenderID: "usr_b", SenderDisplayName: "Bob"},
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestFriends_Paginates(t *testing.T) {
	const total = 250
	var calls atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		n, _ := strconv.Atoi(r.URL.Query().Get("n"))
		off, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		var page []map[string]string
		for i := off; i < min(off+n, total); i++ {
			page = append(page, map[string]string{"id": fmt.Sprintf("usr_%d", i), "displayName": "f"})
		}
		_ = json.NewEncoder(w).Encode(page)
	})
	c := newTestClient(t, h, Config{}, nil)
	friends, err := c.Friends(context.Background())
	if err != nil {
		t.Fatalf("Friends: %v", err)
	}
	if len(friends) != total {
		t.Fatalf("len = %d, want %d", len(friends), total)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if friends[0].Status != "offline" {
		t.Fatalf("default status = %q", friends[0].Status)
	}
}

func TestSendInvite_Body(t *testing.T) {
	var got inviteBody
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/invite/usr_a" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{}`))
	})
	c := newTestClient(t, h, Config{}, nil)
	slot := 4
	if err := c.SendInvite(context.Background(), "usr_a", "wrld_A:1", InviteOptions{Slot: &slot}); err != nil {
		t.Fatalf("SendInvite: %v", err)
	}
	if got.InstanceID != "wrld_A:1" || got.MessageSlot == nil || *got.MessageSlot != 4 || got.MessageType != "message" {
		t.Fatalf("body = %+v", got)
	}

	if err := c.SendInvite(context.Background(), "", "wrld_A:1", InviteOptions{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing user: err = %v", err)
	}
}

func TestResolveLocation(t *testing.T) {
	tests := []struct {
		name    string
		user    *CurrentUser
		want    string
		wantErr bool
	}{
		{"presence pair", &CurrentUser{Location: "offline", Presence: &Presence{World: "wrld_A", Instance: "12345"}}, "wrld_A:12345", false},
		{"private instance", &CurrentUser{Presence: &Presence{Instance: "wrld_B:1~private(usr_x)"}}, "wrld_B:1~private(usr_x)", false},
		{"plain location", &CurrentUser{Location: "wrld_C:9"}, "wrld_C:9", false},
		{"offline", &CurrentUser{Location: "offline"}, "", true},
		{"instance without marker", &CurrentUser{Location: "offline", Presence: &Presence{Instance: "123"}}, "", true},
		{"nil", nil, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveLocation(tt.user)
			if tt.wantErr {
				if !errors.Is(err, ErrLocationUnresolved) {
					t.Fatalf("err = %v, want ErrLocationUnresolved", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("got %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestNormalizeSlot(t *testing.T) {
	tests := []struct {
		name string
		body string
		want SlotResult
	}{
		{"string", `"hello"`, SlotResult{Index: 2, Message: "hello"}},
		{"object", `{"slot":2,"message":"hi","remainingCooldownMinutes":5}`, SlotResult{Index: 2, Message: "hi", RemainingCooldownMinutes: 5, CooldownKnown: true}},
		{"fractional cooldown", `{"message":"hi","remainingCooldownMinutes":4.2}`, SlotResult{Index: 2, Message: "hi", RemainingCooldownMinutes: 5, CooldownKnown: true}},
		{"array", `[{"slot":1,"message":"a"},{"slot":2,"message":"b","remainingCooldownMinutes":0}]`, SlotResult{Index: 2, Message: "b", CooldownKnown: true}},
		{"array missing", `[{"slot":1,"message":"a"}]`, SlotResult{Index: 2, CooldownKnown: true}},
		{"null", `null`, SlotResult{Index: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeSlot(2, json.RawMessage(tt.body))
			if err != nil {
				t.Fatalf("NormalizeSlot: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSetMessageSlot_CooldownNotRetried(t *testing.T) {
	var hits atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"You must wait 12 more minutes before updating this slot","status_code":429}}`))
	})
	var sleeps []time.Duration
	c := newTestClient(t, h, Config{MaxRetries: 3, RetryBase: time.Second}, &sleeps)

	_, err := c.SetMessageSlot(context.Background(), "usr_me", "message", 2, "zzz")
	if mins, ok := CooldownMinutes(err); !ok || mins != 12 {
		t.Fatalf("CooldownMinutes(%v) = %d, %v", err, mins, ok)
	}
	if hits.Load() != 1 || len(sleeps) != 0 {
		t.Fatalf("hits = %d sleeps = %v, want one attempt and no backoff", hits.Load(), sleeps)
	}
}

func TestSetMessageSlot_PlainThrottleRetried(t *testing.T) {
	var hits atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[{"slot":2,"message":"zzz"}]`))
	})
	var sleeps []time.Duration
	c := newTestClient(t, h, Config{MaxRetries: 3, RetryBase: time.Second}, &sleeps)

	if _, err := c.SetMessageSlot(context.Background(), "usr_me", "message", 2, "zzz"); err != nil {
		t.Fatalf("SetMessageSlot: %v", err)
	}
	if hits.Load() != 2 || len(sleeps) != 1 {
		t.Fatalf("hits = %d sleeps = %v", hits.Load(), sleeps)
	}
}

func TestCooldownMinutes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		ok   bool
	}{
		{"message", &APIError{Status: http.StatusTooManyRequests, Message: "Wait 5 more minutes"}, 5, true},
		{"body only", &APIError{Status: http.StatusTooManyRequests, Body: `you must wait 1 more minute`}, 1, true},
		{"wrapped", fmt.Errorf("write: %w", &APIError{Status: http.StatusTooManyRequests, Message: "wait 30 more minutes"}), 30, true},
		{"other status", &APIError{Status: http.StatusBadRequest, Message: "wait 3 more minutes"}, 0, false},
		{"no wait", &APIError{Status: http.StatusTooManyRequests, Message: "slow down"}, 0, false},
		{"nil", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CooldownMinutes(tt.err)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("CooldownMinutes = %d, %v; want %d, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}
