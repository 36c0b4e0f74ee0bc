// Package auth exposes the saved platform session to the API client.
//
// Logging in (password + two-factor) happens elsewhere; this package only
// reads the session document it leaves behind, and can forget it.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "sleepchat/pkg/logx"
)

// ErrNoSession is returned when an operation needs a saved session.
var ErrNoSession = errors.New("no saved session")

type Status struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"userId,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
}

// Credentials is the on-disk session document.
type Credentials struct {
	AuthCookie          string `json:"authCookie"`
	TwoFactorAuthCookie string `json:"twoFactorAuthCookie,omitempty"`
	UserID              string `json:"userId,omitempty"`
	DisplayName         string `json:"displayName,omitempty"`
}

func (c Credentials) valid() bool { return strings.TrimSpace(c.AuthCookie) != "" }

// Session is the saved session document, safe for concurrent use.
type Session struct {
	path string
	log  logx.Logger

	mu    sync.RWMutex
	creds Credentials
}

// LoadSession reads path. A missing file yields an unauthenticated session.
func LoadSession(path string, log logx.Logger) (*Session, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Session{path: path, log: log}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the session file.
func (s *Session) Reload() error {
	var c Credentials
	b, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read session: %w", err)
	default:
		if err := json.Unmarshal(b, &c); err != nil {
			return fmt.Errorf("parse session %s: %w", s.path, err)
		}
	}

	s.mu.Lock()
	s.creds = c
	s.mu.Unlock()

	s.log.Debug("session loaded",
		logx.String("path", s.path),
		logx.Bool("authenticated", c.valid()),
		logx.String("user_id", c.UserID),
		logx.Secret("auth_cookie", c.AuthCookie),
	)
	return nil
}

// Identify records who the session belongs to and writes the document back.
// Session files written without a user id get one on first contact.
func (s *Session) Identify(userID, displayName string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("identify: empty user id")
	}
	s.mu.RLock()
	c := s.creds
	s.mu.RUnlock()
	if !c.valid() {
		return ErrNoSession
	}
	c.UserID, c.DisplayName = userID, displayName
	if err := s.save(c); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.log.Info("session identified", logx.String("user_id", userID))
	return nil
}

func (s *Session) save(c Credentials) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.mu.Lock()
	s.creds = c
	s.mu.Unlock()
	return nil
}

// Logout forgets the session and removes the file.
func (s *Session) Logout() error {
	s.mu.Lock()
	s.creds = Credentials{}
	s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.log.Info("session cleared", logx.String("path", s.path))
	return nil
}

// AuthHeaders returns the cookie header for the session, or nil without one.
func (s *Session) AuthHeaders() http.Header {
	s.mu.RLock()
	c := s.creds
	s.mu.RUnlock()
	if !c.valid() {
		return nil
	}
	cookie := "auth=" + c.AuthCookie
	if c.TwoFactorAuthCookie != "" {
		cookie += "; twoFactorAuth=" + c.TwoFactorAuthCookie
	}
	return http.Header{"Cookie": []string{cookie}}
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Authenticated: s.creds.valid(),
		UserID:        s.creds.UserID,
		DisplayName:   s.creds.DisplayName,
	}
}
