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
	"golang.org/x/time/rate"
)

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultLogPath  = "./tzrecur.log"
	defaultDiagRate = 5
)

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

type Config struct {
	Level   string
	Console bool
	File    FileConfig

	// DiagRatePerSec bounds loggers derived with Limited(0) from the
	// Service. 0 means 5/s.
	DiagRatePerSec int
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Field sets one key on an event. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field    { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field   { return func(e *zerolog.Event) { e.Int(k, v) } }
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Logger writes structured events. A Logger taken from a Service follows
// later Service.Apply calls. The zero value discards.
type Logger struct {
	svc  *Service
	base *zerolog.Logger

	fields  []Field
	limiter *rate.Limiter
}

// Nop returns a logger that never writes. Unlike the zero value it is not
// IsZero, so constructors keep it instead of substituting their default.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{base: &zl}
}

// NewConsole returns a standalone console logger writing to w. Used where
// no Service exists, such as pure CLI commands.
func NewConsole(w io.Writer, level string) Logger {
	zl := zerolog.New(consoleWriter(w)).Level(parseLevel(level)).With().Timestamp().Logger()
	return Logger{base: &zl}
}

// NewFrom wraps an existing zerolog logger.
func NewFrom(zl zerolog.Logger) Logger { return Logger{base: &zl} }

func (l Logger) IsZero() bool { return l.svc == nil && l.base == nil && len(l.fields) == 0 }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

// Limited returns a logger that emits at most rps events per second below
// Warn and drops the rest. rps <= 0 takes the Service's rate, or 5/s.
func (l Logger) Limited(rps int) Logger {
	if rps <= 0 {
		rps = defaultDiagRate
		if l.svc != nil {
			rps = l.svc.diagRate()
		}
	}
	cp := l
	cp.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	return cp
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) target() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.base != nil:
		return *l.base
	default:
		return zerolog.Nop()
	}
}

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.target()
	if level < zl.GetLevel() || level < zerolog.GlobalLevel() {
		return
	}
	if l.limiter != nil && level < zerolog.WarnLevel && !l.limiter.Allow() {
		return
	}
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// file:line of the Trace/Debug/... caller.
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range l.fields {
		if set != nil {
			set(e)
		}
	}
	for _, set := range fields {
		if set != nil {
			set(e)
		}
	}
	e.Msg(msg)
}

// Service owns the log sinks and lets them be swapped at runtime.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	root atomic.Pointer[zerolog.Logger]
}

// New builds the Service from cfg and returns it with its root Logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) diagRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.DiagRatePerSec <= 0 {
		return defaultDiagRate
	}
	return s.cfg.DiagRatePerSec
}

// Apply replaces sinks and level. Loggers already handed out pick up the
// change on their next event.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	s.cfg = cfg

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stderr))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	// Never go silent because of a bad file path.
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stderr))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	s.root.Store(&zl)
}

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
		path = defaultLogPath
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		FormatCaller: func(i interface{}) string {
			s, _ := i.(string)
			return s
		},
	}
}

// parseLevel maps a config level name to zerolog. Unknown names are info.
func parseLevel(s string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
