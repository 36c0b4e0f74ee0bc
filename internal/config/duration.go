package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField parses a config duration. Empty means zero. Besides Go
// duration strings ("15s", "1m30s") a bare integer is read as seconds, which
// is what hand-edited settings usually contain.
func ParseDurationField(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration (want e.g. 15s or 2m)", field, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for an
// empty or zero value.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	switch {
	case err != nil:
		return 0, err
	case d == 0:
		return def, nil
	}
	return d, nil
}
