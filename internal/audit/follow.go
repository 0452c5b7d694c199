package audit

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// pollInterval catches writes that fsnotify coalesced or missed.
const pollInterval = time.Second

// Follow calls fn for every entry appended after the call starts, until ctx
// is done. A truncation (Clear) restarts reading from the top of the file.
func (l *Logger) Follow(ctx context.Context, fn func(Entry)) error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so the file may be created or replaced later.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var offset int64
	if st, err := os.Stat(l.path); err == nil {
		offset = st.Size()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(l.path) {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				offset = 0
				continue
			}
			offset = l.readFrom(offset, fn)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Warn("watch_error", nil, werr)
		case <-ticker.C:
			offset = l.readFrom(offset, fn)
		}
	}
}

// readFrom delivers complete entries past offset and returns the new offset.
func (l *Logger) readFrom(offset int64, fn func(Entry)) int64 {
	f, err := os.Open(l.path)
	if err != nil {
		return 0
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return offset
	}
	if st.Size() < offset {
		offset = 0
	}
	if st.Size() == offset {
		return offset
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}

	entries, consumed := decode(io.LimitReader(f, st.Size()-offset), l.log)
	for _, e := range entries {
		fn(e)
	}
	return offset + consumed
}
