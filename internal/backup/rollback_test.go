package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Manager, string) {
	t.Helper()
	project := t.TempDir()
	return NewManager(project, ""), project
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestBackupAndRollbackRoundTrip(t *testing.T) {
	m, project := setup(t)
	file := filepath.Join(project, "src", "main.go")
	original := "package main\n\nfunc main() {}\n"
	write(t, file, original)

	id, err := m.Backup("src/main.go")
	require.NoError(t, err)

	write(t, file, "corrupted")
	require.NoError(t, m.Rollback(id))

	got, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, original, string(got))
}

func TestBackupLayout(t *testing.T) {
	m, project := setup(t)
	file := filepath.Join(project, "notes.txt")
	write(t, file, "hello")

	fixed := time.UnixMilli(1700000000123)
	m.now = func() time.Time { return fixed }

	id, err := m.Backup(file)
	require.NoError(t, err)

	e, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, file, e.OriginalPath)
	assert.Equal(t, filepath.Join(m.Dir(), id, "notes-1700000000123.txt"), e.BackupPath)
	assert.Equal(t, int64(5), e.Size)
	assert.FileExists(t, filepath.Join(m.Dir(), id, "meta.json"))
	assert.Equal(t, filepath.Join(project, ".kado", "backups"), m.Dir())
}

func TestRollbackRecreatesDeletedFile(t *testing.T) {
	m, project := setup(t)
	file := filepath.Join(project, "pkg", "a.go")
	write(t, file, "a")

	id, err := m.Backup(file)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(project, "pkg")))

	require.NoError(t, m.Rollback(id))
	got, _ := os.ReadFile(file)
	assert.Equal(t, "a", string(got))
}

func TestRollbackAllRestoresOldest(t *testing.T) {
	m, project := setup(t)
	file := filepath.Join(project, "x.txt")
	write(t, file, "v1")
	id1, err := m.Backup(file)
	require.NoError(t, err)
	write(t, file, "v2")
	id2, err := m.Backup(file)
	require.NoError(t, err)
	write(t, file, "v3")

	require.NoError(t, m.RollbackAll([]string{id1, id2}))
	got, _ := os.ReadFile(file)
	assert.Equal(t, "v1", string(got))
}

func TestBackupErrors(t *testing.T) {
	m, project := setup(t)

	_, err := m.Backup("missing.txt")
	assert.Error(t, err)

	_, err = m.Backup(project)
	assert.Error(t, err)

	assert.ErrorIs(t, m.Rollback("nope"), ErrNotFound)
	_, err = m.Get("../escape")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContent(t *testing.T) {
	m, project := setup(t)
	file := filepath.Join(project, "c.txt")
	write(t, file, "payload")
	id, err := m.Backup(file)
	require.NoError(t, err)

	write(t, file, "changed")
	data, err := m.Content(id)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestListFilterAndOrder(t *testing.T) {
	m, project := setup(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	write(t, filepath.Join(project, "src", "a.go"), "a")
	write(t, filepath.Join(project, "src", "sub", "b.go"), "b")
	write(t, filepath.Join(project, "srcx", "c.go"), "c")

	idA, _ := m.Backup("src/a.go")
	idB, _ := m.Backup("src/sub/b.go")
	idC, _ := m.Backup("srcx/c.go")

	all := m.List("")
	require.Len(t, all, 3)
	assert.Equal(t, []string{idC, idB, idA}, []string{all[0].ID, all[1].ID, all[2].ID})

	src := m.List("src")
	require.Len(t, src, 2)
	assert.Equal(t, idB, src[0].ID)

	exact := m.List(filepath.Join(project, "src", "a.go"))
	require.Len(t, exact, 1)
	assert.Equal(t, idA, exact[0].ID)
}

func TestListEmpty(t *testing.T) {
	m, _ := setup(t)
	assert.Empty(t, m.List(""))
}

func TestPrune(t *testing.T) {
	m, project := setup(t)
	file := filepath.Join(project, "p.txt")
	write(t, file, "keep me")

	now := time.Now()
	m.now = func() time.Time { return now.Add(-48 * time.Hour) }
	oldID, err := m.Backup(file)
	require.NoError(t, err)

	m.now = func() time.Time { return now }
	newID, err := m.Backup(file)
	require.NoError(t, err)

	n, err := m.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.Get(oldID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(newID)
	assert.NoError(t, err)
	assert.FileExists(t, file)
}

func TestExportImport(t *testing.T) {
	m, project := setup(t)
	file := filepath.Join(project, "e.txt")
	write(t, file, "exported")
	id, err := m.Backup(file)
	require.NoError(t, err)

	archive := filepath.Join(t.TempDir(), "backups.tar.gz")
	n, err := m.Export(archive)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	other := NewManager(project, t.TempDir())
	n, err = other.Import(archive)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, err := other.Content(id)
	require.NoError(t, err)
	assert.Equal(t, "exported", string(data))

	// Importing again skips existing ids.
	n, err = other.Import(archive)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSplitMember(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"abc/meta.json", true},
		{"../meta.json", false},
		{"/abs/meta.json", false},
		{"abc/../../x", false},
		{"abc/def/ghi", false},
		{"meta.json", false},
	}
	for _, tt := range tests {
		_, _, ok := splitMember(tt.name)
		if ok != tt.ok {
			t.Errorf("splitMember(%q) ok=%v, want %v", tt.name, ok, tt.ok)
		}
	}
}
