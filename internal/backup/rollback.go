// Package backup snapshots files before guarded mutations and restores them
// on demand.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joss/kado/internal/logging"
)

const metaFile = "meta.json"

// ErrNotFound is returned for unknown backup ids.
var ErrNotFound = errors.New("backup not found")

// Entry is the metadata stored next to each backup payload.
type Entry struct {
	ID           string      `json:"id"`
	OriginalPath string      `json:"originalPath"`
	BackupPath   string      `json:"backupPath"`
	Timestamp    time.Time   `json:"timestamp"`
	Size         int64       `json:"size"`
	Mode         os.FileMode `json:"mode,omitempty"`
}

// Manager stores one directory per backup id under dir:
//
//	<dir>/<id>/meta.json
//	<dir>/<id>/<base>-<unixms><ext>
type Manager struct {
	project string
	dir     string
	now     func() time.Time
	log     *logging.Logger
}

// NewManager creates a manager for project. An empty dir defaults to
// <project>/.kado/backups.
func NewManager(project, dir string) *Manager {
	project, _ = filepath.Abs(project)
	if dir == "" {
		dir = filepath.Join(project, ".kado", "backups")
	}
	return &Manager{
		project: project,
		dir:     dir,
		now:     time.Now,
		log:     logging.New("backup"),
	}
}

// Dir returns the backup root.
func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(m.project, path)
}

// Backup copies the current content of path and returns the new backup id.
func (m *Manager) Backup(path string) (string, error) {
	src := m.resolve(path)
	st, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", src, err)
	}
	if st.IsDir() {
		return "", fmt.Errorf("backup %s: is a directory", src)
	}

	id := uuid.New().String()
	ts := m.now()
	ext := filepath.Ext(src)
	base := strings.TrimSuffix(filepath.Base(src), ext)
	dst := filepath.Join(m.dir, id, fmt.Sprintf("%s-%d%s", base, ts.UnixMilli(), ext))

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	if err := copyFile(src, dst, 0o600); err != nil {
		_ = os.RemoveAll(filepath.Dir(dst))
		return "", err
	}

	entry := Entry{
		ID:           id,
		OriginalPath: src,
		BackupPath:   dst,
		Timestamp:    ts,
		Size:         st.Size(),
		Mode:         st.Mode().Perm(),
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal backup meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, id, metaFile), data, 0o600); err != nil {
		_ = os.RemoveAll(filepath.Dir(dst))
		return "", fmt.Errorf("write backup meta: %w", err)
	}

	m.log.Debug("backup_created", map[string]any{"id": id, "path": src, "size": st.Size()})
	return id, nil
}

// Get reads the metadata for id.
func (m *Manager) Get(id string) (Entry, error) {
	var e Entry
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return e, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	data, err := os.ReadFile(filepath.Join(m.dir, id, metaFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return e, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return e, fmt.Errorf("read backup meta: %w", err)
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("parse backup meta %s: %w", id, err)
	}
	return e, nil
}

// Rollback copies the backup over the original path. It does not check
// whether the original changed after the backup was taken.
func (m *Manager) Rollback(id string) error {
	e, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(e.OriginalPath), 0o755); err != nil {
		return fmt.Errorf("recreate parent of %s: %w", e.OriginalPath, err)
	}
	mode := e.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := copyFile(e.BackupPath, e.OriginalPath, mode); err != nil {
		return err
	}
	m.log.Info("backup_restored", map[string]any{"id": id, "path": e.OriginalPath})
	return nil
}

// RollbackAll restores ids in reverse order, so the oldest snapshot of a
// file that was backed up twice wins.
func (m *Manager) RollbackAll(ids []string) error {
	var errs []error
	for i := len(ids) - 1; i >= 0; i-- {
		if err := m.Rollback(ids[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Content returns the backed-up bytes.
func (m *Manager) Content(id string) ([]byte, error) {
	e, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(e.BackupPath)
	if err != nil {
		return nil, fmt.Errorf("read backup payload: %w", err)
	}
	return data, nil
}

// List returns backups newest first. A non-empty path keeps only backups of
// that path or of files below it. Unreadable entries are skipped.
func (m *Manager) List(path string) []Entry {
	dirents, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}

	var filter string
	if path != "" {
		filter = m.resolve(path)
	}

	var out []Entry
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		e, err := m.Get(d.Name())
		if err != nil {
			continue
		}
		if filter != "" && e.OriginalPath != filter &&
			!strings.HasPrefix(e.OriginalPath, filter+string(filepath.Separator)) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Prune removes backups older than maxAge and returns how many went.
// Original files are never touched.
func (m *Manager) Prune(maxAge time.Duration) (int, error) {
	cutoff := m.now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, e := range m.List("") {
		if !e.Timestamp.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.dir, e.ID)); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.log.Info("backups_pruned", map[string]any{"removed": removed, "max_age": maxAge.String()})
	}
	return removed, errors.Join(errs...)
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}
