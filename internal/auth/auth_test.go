package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	logx "sleepchat/pkg/logx"
)

func TestSession_MissingFileIsUnauthenticated(t *testing.T) {
	s, err := LoadSession(filepath.Join(t.TempDir(), "auth.json"), logx.Nop())
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if s.AuthHeaders() != nil {
		t.Fatalf("expected nil headers without a session")
	}
	if s.Status().Authenticated {
		t.Fatalf("expected unauthenticated")
	}
}

func TestSession_LoadHeadersLogout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	doc := `{"authCookie":"authcookie_1","twoFactorAuthCookie":"tf_2","userId":"usr_me","displayName":"Me"}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := LoadSession(path, logx.Nop())
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}

	if got := s.AuthHeaders().Get("Cookie"); got != "auth=authcookie_1; twoFactorAuth=tf_2" {
		t.Fatalf("cookie = %q", got)
	}
	st := s.Status()
	if !st.Authenticated || st.UserID != "usr_me" || st.DisplayName != "Me" {
		t.Fatalf("status = %+v", st)
	}

	if err := s.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if s.AuthHeaders() != nil || s.Status().Authenticated {
		t.Fatalf("session should be cleared")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("session file should be removed, stat err = %v", err)
	}
}

func TestSession_IdentifyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	if err := os.WriteFile(path, []byte(`{"authCookie":"c","twoFactorAuthCookie":"tf"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := LoadSession(path, logx.Nop())
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if err := s.Identify("usr_x", "X"); err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if st := s.Status(); st.UserID != "usr_x" || st.DisplayName != "X" {
		t.Fatalf("status = %+v", st)
	}

	other, err := LoadSession(path, logx.Nop())
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if other.Status().UserID != "usr_x" {
		t.Fatalf("status = %+v", other.Status())
	}
	if got := other.AuthHeaders().Get("Cookie"); got != "auth=c; twoFactorAuth=tf" {
		t.Fatalf("cookies lost on save: %q", got)
	}
}

func TestSession_IdentifyWithoutSession(t *testing.T) {
	s, _ := LoadSession(filepath.Join(t.TempDir(), "auth.json"), logx.Nop())
	if err := s.Identify("usr_x", "X"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestSession_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	_ = os.WriteFile(path, []byte("{not json"), 0o600)
	if _, err := LoadSession(path, logx.Nop()); err == nil {
		t.Fatalf("expected parse error")
	}
}
