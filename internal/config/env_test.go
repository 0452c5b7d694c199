package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnv(t *testing.T) {
	ResetEnv()
	t.Setenv("KADO_LOG_LEVEL", "debug")
	t.Setenv("KADO_MODEL", "test-model")
	t.Setenv("KADO_MAX_AGENTS", "2")
	defer ResetEnv()

	e := Env()

	assert.Equal(t, "debug", e.LogLevel)
	assert.Equal(t, "test-model", e.Model)
	assert.Equal(t, "2", e.MaxAgents)
}

func TestEnvSingleton(t *testing.T) {
	ResetEnv()
	defer ResetEnv()

	assert.Same(t, Env(), Env())
}

func TestGetPathsHonoursKadoHome(t *testing.T) {
	home := t.TempDir()
	ResetEnv()
	t.Setenv("KADO_HOME", home)
	defer ResetEnv()

	p := GetPaths()
	assert.Equal(t, home, p.Home)
	assert.Equal(t, filepath.Join(home, "logs"), p.Logs)
	assert.Equal(t, filepath.Join(home, "permissions"), p.Permissions)
	assert.Equal(t, filepath.Join(home, "a", "b"), Path("a", "b"))
}
