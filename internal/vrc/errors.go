package vrc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// Error taxonomy. Status-carrying failures are *APIError values that match
// the status sentinels through errors.Is.
var (
	ErrAuth               = errors.New("not authenticated")
	ErrNetwork            = errors.New("network error")
	ErrRateLimited        = errors.New("rate limited")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrLocationUnresolved = errors.New("cannot send invite: no valid world location found")
	ErrValidation         = errors.New("validation failed")
)

// APIError is a non-2xx response from the remote API.
type APIError struct {
	Status  int
	Message string
	Body    string
	Method  string
	Path    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, msg)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	case ErrServiceUnavailable:
		return e.Status == http.StatusServiceUnavailable
	case ErrAuth:
		return e.Status == http.StatusUnauthorized
	}
	return false
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}

// Retryable reports whether err should be retried with backoff (429 or 503).
func Retryable(err error) bool {
	s := StatusOf(err)
	return s == http.StatusTooManyRequests || s == http.StatusServiceUnavailable
}

var waitMinutesRE = regexp.MustCompile(`(?i)wait (\d+) more minute`)

// CooldownMinutes reports the wait from a 429 whose message reads
// "wait N more minutes".
func CooldownMinutes(err error) (int, bool) {
	var ae *APIError
	if !errors.As(err, &ae) || ae.Status != http.StatusTooManyRequests {
		return 0, false
	}
	m := waitMinutesRE.FindStringSubmatch(ae.Message)
	if m == nil {
		m = waitMinutesRE.FindStringSubmatch(ae.Body)
	}
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// newAPIError extracts the human message from the usual
// {"error":{"message":...,"status_code":...}} envelope, falling back to the raw body.
func newAPIError(method, path string, status int, body []byte) *APIError {
	e := &APIError{Status: status, Method: method, Path: path, Body: string(body)}

	var env struct {
		Error json.RawMessage `json:"error"`
		Msg   string          `json:"message"`
	}
	if json.Unmarshal(body, &env) == nil {
		var inner struct {
			Message string `json:"message"`
		}
		var plain string
		switch {
		case len(env.Error) > 0 && json.Unmarshal(env.Error, &inner) == nil && inner.Message != "":
			e.Message = inner.Message
		case len(env.Error) > 0 && json.Unmarshal(env.Error, &plain) == nil && plain != "":
			e.Message = plain
		case env.Msg != "":
			e.Message = env.Msg
		}
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
		if len(e.Message) > 200 {
			e.Message = e.Message[:200]
		}
	}
	return e
}
