package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	ResetEnv()
	t.Setenv("KADO_HOME", t.TempDir())
	for _, k := range []string{"KADO_LOG_LEVEL", "KADO_MODEL", "KADO_PROVIDER", "KADO_MAX_AGENTS", "KADO_TIMEOUT", "KADO_VECTOR_URL", "KADO_ALLOWED_PATHS"} {
		t.Setenv(k, "")
	}
	t.Cleanup(ResetEnv)
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 30*time.Second, cfg.Sandbox.Timeout.Duration)
	assert.Equal(t, 4, cfg.Agents.MaxConcurrent)
	assert.Equal(t, 2, cfg.Loop.MaxStepAttempts)
	assert.Equal(t, 1, cfg.Loop.MaxExecuteRetries)
	assert.Equal(t, 1, cfg.Loop.MaxReplans)
	assert.Contains(t, cfg.Sandbox.AllowedHosts, "api.anthropic.com")
	assert.NoError(t, cfg.Validate())
}

func TestLoadProjectFile(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".kado"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".kado", FileName), []byte(`
[sandbox]
timeout = "5s"
allowed_hosts = ["example.com"]

[agents]
max_concurrent = 2

[project]
allowed_paths = ["/opt/reference"]
`), 0o644))

	cfg, err := Load(root)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Sandbox.Timeout.Duration)
	assert.Equal(t, []string{"example.com"}, cfg.Sandbox.AllowedHosts)
	assert.Equal(t, 2, cfg.Agents.MaxConcurrent)
	assert.Equal(t, []string{"/opt/reference"}, cfg.Project.AllowedPaths)
	assert.Equal(t, root, cfg.Project.Root)
	assert.Equal(t, filepath.Join(root, ".kado", "audit.jsonl"), cfg.Storage.AuditPath)
	assert.Equal(t, filepath.Join(root, ".kado", "backups"), cfg.Storage.BackupDir)
	assert.Equal(t, filepath.Join(root, ".kado", "worktrees"), cfg.Storage.WorktreeDir)
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	t.Setenv("KADO_MAX_AGENTS", "7")
	t.Setenv("KADO_TIMEOUT", "90s")
	t.Setenv("KADO_LOG_LEVEL", "trace")

	cfg, err := Load(root)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Agents.MaxConcurrent)
	assert.Equal(t, 90*time.Second, cfg.Sandbox.Timeout.Duration)
	assert.Equal(t, "trace", cfg.Log.Level)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".kado"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".kado", FileName), []byte("[agents\n"), 0o644))

	_, err := Load(root)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Agents.MaxConcurrent = 0
	cfg.Loop.MaxStepAttempts = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent")
	assert.Contains(t, err.Error(), "max_step_attempts")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	cfg := Default()
	cfg.Sandbox.Timeout = Duration{12 * time.Second}
	cfg.Log.Level = "warn"

	require.NoError(t, cfg.Save(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 12*time.Second, loaded.Sandbox.Timeout.Duration)
	assert.Equal(t, "warn", loaded.Log.Level)
}
