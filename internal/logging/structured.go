// Package logging provides structured JSON logging for kado components.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents log severity.
type Level string

const (
	LevelTrace Level = "trace"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levelRank = map[Level]int{
	LevelTrace: 0,
	LevelDebug: 1,
	LevelInfo:  2,
	LevelWarn:  3,
	LevelError: 4,
}

// ParseLevel accepts trace, debug, info, warn or error (case-insensitive).
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if l == "warning" {
		l = LevelWarn
	}
	if _, ok := levelRank[l]; !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// Enabled reports whether l is at or above min.
func (l Level) Enabled(min Level) bool {
	return levelRank[l] >= levelRank[min]
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelTrace:
		return zerolog.TraceLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Sink receives every entry at or above its minimum level, e.g. to feed
// the event bus.
type Sink interface {
	Log(level Level, source, message string, data map[string]any)
}

// Options configures the process-wide output.
type Options struct {
	Level string
	// Writer defaults to stderr.
	Writer io.Writer
	// Dir, when set, also appends JSON lines to Dir/kado-<date>.log.
	Dir     string
	Console bool
}

var (
	mu      sync.RWMutex
	base    = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	sink    Sink
	sinkMin = LevelInfo
)

// Setup replaces the process-wide logger. The returned func closes the log
// file, if any.
func Setup(opts Options) (func(), error) {
	closer := func() {}

	lvl := LevelInfo
	if opts.Level != "" {
		parsed, err := ParseLevel(opts.Level)
		if err != nil {
			return closer, err
		}
		lvl = parsed
	}

	var out io.Writer = os.Stderr
	if opts.Writer != nil {
		out = opts.Writer
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return closer, fmt.Errorf("create logs dir: %w", err)
		}
		name := fmt.Sprintf("kado-%s.log", time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(opts.Dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return closer, fmt.Errorf("open log file: %w", err)
		}
		closer = func() { _ = f.Close() }
		out = zerolog.MultiLevelWriter(out, f)
	}

	// Log file failures must never surface to callers.
	zerolog.ErrorHandler = func(error) {}

	mu.Lock()
	base = zerolog.New(out).With().Timestamp().Logger().Level(lvl.zerolog())
	mu.Unlock()
	return closer, nil
}

// SetSink installs s to receive entries at or above min. Pass nil to detach.
func SetSink(s Sink, min Level) {
	mu.Lock()
	defer mu.Unlock()
	sink = s
	sinkMin = min
}

// Logger provides structured logging for one component.
type Logger struct {
	component string
	project   string
	agent     string
	requestID string
}

// New creates a new logger for a component.
func New(component string) *Logger {
	return &Logger{component: component}
}

// Child derives a logger whose component is "parent:name".
func (l *Logger) Child(name string) *Logger {
	c := *l
	c.component = l.component + ":" + name
	return &c
}

// WithProject sets the project context.
func (l *Logger) WithProject(project string) *Logger {
	c := *l
	c.project = project
	return &c
}

// WithAgent sets the subagent context.
func (l *Logger) WithAgent(agentID string) *Logger {
	c := *l
	c.agent = agentID
	return &c
}

// Component returns the source label.
func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) log(level Level, event string, extra map[string]any, err error, dur time.Duration) {
	mu.RLock()
	zl := base
	s, min := sink, sinkMin
	mu.RUnlock()

	if e := zl.WithLevel(level.zerolog()); e != nil {
		e = e.Str("component", l.component)
		if l.project != "" {
			e = e.Str("project", l.project)
		}
		if l.agent != "" {
			e = e.Str("agent", l.agent)
		}
		if l.requestID != "" {
			e = e.Str("request_id", l.requestID)
		}
		if dur > 0 {
			e = e.Int64("duration_ms", dur.Milliseconds())
		}
		if len(extra) > 0 {
			e = e.Fields(extra)
		}
		if err != nil {
			e = e.Err(err)
		}
		e.Msg(event)
	}

	if s != nil && level.Enabled(min) {
		data := extra
		if err != nil {
			data = make(map[string]any, len(extra)+1)
			for k, v := range extra {
				data[k] = v
			}
			data["error"] = err.Error()
		}
		s.Log(level, l.component, event, data)
	}
}

// Trace logs a trace event
func (l *Logger) Trace(event string, extra map[string]any) {
	l.log(LevelTrace, event, extra, nil, 0)
}

// Debug logs a debug event
func (l *Logger) Debug(event string, extra map[string]any) {
	l.log(LevelDebug, event, extra, nil, 0)
}

// Info logs an info event
func (l *Logger) Info(event string, extra map[string]any) {
	l.log(LevelInfo, event, extra, nil, 0)
}

// Warn logs a warning event
func (l *Logger) Warn(event string, extra map[string]any, err error) {
	l.log(LevelWarn, event, extra, err, 0)
}

// Error logs an error event
func (l *Logger) Error(event string, extra map[string]any, err error) {
	l.log(LevelError, event, extra, err, 0)
}

// TimedEvent logs an info event with the elapsed time since start.
func (l *Logger) TimedEvent(event string, start time.Time, extra map[string]any) {
	d := time.Since(start)
	if d <= 0 {
		d = time.Nanosecond
	}
	l.log(LevelInfo, event, extra, nil, d)
}
