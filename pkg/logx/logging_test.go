package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogger_WithAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(Component("poller"))
	log.Info("cycle done", Int("listed", 2), Err(errors.New("boom")), Secret("cookie", "authcookie_abcd1234"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["comp"] != "poller" || rec["message"] != "cycle done" || rec["listed"] != float64(2) {
		t.Fatalf("record = %v", rec)
	}
	if rec["cookie"] != "****1234" {
		t.Fatalf("cookie not masked: %v", rec["cookie"])
	}
}

func TestLogger_LevelAndNop(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	if log.Enabled(zerolog.DebugLevel) || !log.Enabled(zerolog.ErrorLevel) {
		t.Fatalf("Enabled mismatch")
	}

	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	zero.Error("no panic")
	Nop().Error("no panic")
}

func TestMask(t *testing.T) {
	cases := map[string]string{"": "", "abc": "****", "  abcdefgh ": "****efgh"}
	for in, want := range cases {
		if got := mask(in); got != want {
			t.Fatalf("mask(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestService_ApplySwapsFileSink(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "logs", "a.log")
	second := filepath.Join(dir, "b.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	defer func() { _ = svc.Close() }()
	log = log.With(Component("test"))
	log.Info("to a")
	log.Debug("filtered")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}})
	log.Debug("to b")

	a, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("read a: %v", err)
	}
	if !strings.Contains(string(a), "to a") || strings.Contains(string(a), "filtered") || strings.Contains(string(a), "to b") {
		t.Fatalf("a.log = %q", a)
	}
	b, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("read b: %v", err)
	}
	if !strings.Contains(string(b), "to b") || !strings.Contains(string(b), `"comp":"test"`) {
		t.Fatalf("b.log = %q", b)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"TRACE": zerolog.TraceLevel, " warning ": zerolog.WarnLevel, "off": zerolog.Disabled, "bogus": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
