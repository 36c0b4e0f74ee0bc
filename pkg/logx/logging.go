// Package logx is a small structured logging layer over zerolog whose sinks
// can be swapped at runtime when the config file changes.
package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultLogFile  = "./data/sleepchat.log"
	callerSkipFrame = 2
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Field adds one key to an event. Later fields overwrite earlier ones.
type Field func(e *zerolog.Event)

func String(k, v string) Field                 { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field                { return func(e *zerolog.Event) { e.Int(k, v) } }
func Bool(k string, v bool) Field              { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field        { return func(e *zerolog.Event) { e.Float64(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field         { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field                { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Component tags a logger with the subsystem that owns it.
func Component(name string) Field { return String("comp", name) }

// Secret logs only the last four characters of v.
func Secret(k, v string) Field {
	return func(e *zerolog.Event) { e.Str(k, mask(v)) }
}

func mask(v string) string {
	r := []rune(strings.TrimSpace(v))
	switch {
	case len(r) == 0:
		return ""
	case len(r) <= 4:
		return "****"
	}
	return "****" + string(r[len(r)-4:])
}

// Logger is passed by value. One obtained from a Service follows every
// Service.Apply; the zero value discards everything.
type Logger struct {
	svc    *Service
	fixed  *zerolog.Logger
	fields []Field
}

// Nop returns a logger that never writes.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{fixed: &zl}
}

// NewWriter returns a JSON logger on w, independent of any Service.
func NewWriter(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(parseLevel(level, zerolog.DebugLevel)).With().Timestamp().Logger()
	return Logger{fixed: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.fixed == nil && len(l.fields) == 0 }

func (l Logger) target() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.fixed != nil:
		return *l.fixed
	}
	return zerolog.Nop()
}

// Enabled reports whether a message at level would be written.
func (l Logger) Enabled(level zerolog.Level) bool {
	return level >= l.target().GetLevel()
}

// With returns a logger that adds fields to every message.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append([]Field(nil), l.fields...), fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.write(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l Logger) write(level zerolog.Level, msg string, fields []Field) {
	zl := l.target()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(callerSkipFrame); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, group := range [][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// Service owns the sinks. Apply rebuilds them; loggers created from the
// service pick up the change on their next write.
type Service struct {
	mu   sync.Mutex
	file *os.File
	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"

	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply swaps level and sinks. Console output is used when nothing else
// is configured or the log file cannot be opened.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	var next *os.File
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v; logging to console\n", err)
		} else {
			next = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = next
}

// Close releases the log file, if one is open.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	}
	return def
}
