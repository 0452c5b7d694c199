package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joss/kado/internal/logging"
)

// maxLine bounds a single JSONL record when reading back.
const maxLine = 1 << 20

// Logger appends entries to a JSONL file. Appends are serialised and synced
// before Log returns, so a logged decision survives a crash of the caller.
type Logger struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
	log  *logging.Logger
}

// LoggerOption configures the logger.
type LoggerOption func(*Logger)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) LoggerOption {
	return func(l *Logger) { l.now = now }
}

// NewLogger creates a logger writing to path. The file is created lazily.
func NewLogger(path string, opts ...LoggerOption) *Logger {
	l := &Logger{
		path: path,
		now:  time.Now,
		log:  logging.New("audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the backing file.
func (l *Logger) Path() string {
	return l.path
}

// Log fills in ID and Timestamp when missing and appends e.
func (l *Logger) Log(e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if !e.Result.Valid() {
		return e, fmt.Errorf("audit: invalid result %q", e.Result)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return e, fmt.Errorf("marshal entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return e, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return e, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return e, fmt.Errorf("append audit entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return e, fmt.Errorf("sync audit log: %w", err)
	}
	return e, nil
}

// Record is a convenience for Log with the common fields.
func (l *Logger) Record(agentID, action, resource string, result Result, details map[string]any) error {
	_, err := l.Log(Entry{
		AgentID:  agentID,
		Action:   action,
		Resource: resource,
		Result:   result,
		Details:  details,
	})
	return err
}

// Entries returns matching entries ordered by timestamp. A missing or
// unreadable log yields no entries; malformed lines are skipped.
func (l *Logger) Entries(f Filter) []Entry {
	l.mu.Lock()
	data, err := os.ReadFile(l.path)
	l.mu.Unlock()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.log.Warn("read_failed", map[string]any{"path": l.path}, err)
		}
		return nil
	}

	entries, _ := decode(bytes.NewReader(data), l.log)
	out := entries[:0]
	for _, e := range entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Clear truncates the log.
func (l *Logger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	if err := os.WriteFile(l.path, nil, 0o600); err != nil {
		return fmt.Errorf("truncate audit log: %w", err)
	}
	return nil
}

// decode reads JSONL from r and returns the parsed entries plus the number
// of bytes consumed up to the last complete line.
func decode(r io.Reader, log *logging.Logger) ([]Entry, int64) {
	var entries []Entry
	var consumed int64

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			consumed += int64(len(line))
			line = bytes.TrimSpace(line)
			if len(line) > 0 && len(line) <= maxLine {
				var e Entry
				if jerr := json.Unmarshal(line, &e); jerr != nil {
					log.Debug("malformed_line", map[string]any{"error": jerr.Error()})
				} else {
					entries = append(entries, e)
				}
			}
		} else if len(line) > 0 && err == io.EOF {
			// Trailing record without newline: accept it if it parses.
			var e Entry
			if json.Unmarshal(bytes.TrimSpace(line), &e) == nil {
				entries = append(entries, e)
				consumed += int64(len(line))
			}
		}
		if err != nil {
			break
		}
	}
	return entries, consumed
}
