package config

import (
	"os"
	"path/filepath"
	"sync"
)

// KadoEnv holds the environment variables kado reads.
type KadoEnv struct {
	// LogLevel overrides log.level (KADO_LOG_LEVEL)
	LogLevel string

	// Model overrides llm.model (KADO_MODEL)
	Model string

	// Provider overrides llm.provider (KADO_PROVIDER)
	Provider string

	// MaxAgents overrides agents.max_concurrent (KADO_MAX_AGENTS)
	MaxAgents string

	// Timeout overrides sandbox.timeout, e.g. "45s" (KADO_TIMEOUT)
	Timeout string

	// VectorURL overrides vector.url (KADO_VECTOR_URL)
	VectorURL string

	// AllowedPaths appends read-only roots, list-separated (KADO_ALLOWED_PATHS)
	AllowedPaths string

	// Home relocates ~/.kado (KADO_HOME)
	Home string

	// AnthropicBaseURL overrides the Anthropic API base URL (ANTHROPIC_BASE_URL)
	AnthropicBaseURL string
}

var (
	env     *KadoEnv
	envOnce sync.Once
)

// Env returns the cached environment. Loads once on first call.
func Env() *KadoEnv {
	envOnce.Do(func() {
		env = &KadoEnv{
			LogLevel:         os.Getenv("KADO_LOG_LEVEL"),
			Model:            os.Getenv("KADO_MODEL"),
			Provider:         os.Getenv("KADO_PROVIDER"),
			MaxAgents:        os.Getenv("KADO_MAX_AGENTS"),
			Timeout:          os.Getenv("KADO_TIMEOUT"),
			VectorURL:        os.Getenv("KADO_VECTOR_URL"),
			AllowedPaths:     os.Getenv("KADO_ALLOWED_PATHS"),
			Home:             os.Getenv("KADO_HOME"),
			AnthropicBaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		}
	})
	return env
}

// ResetEnv drops the cached environment and paths.
func ResetEnv() {
	envOnce = sync.Once{}
	env = nil
	pathsOnce = sync.Once{}
	paths = nil
}

// Paths holds the user-level kado directories.
type Paths struct {
	// Home is the kado home directory (~/.kado)
	Home string

	// Logs holds daily JSONL log files (~/.kado/logs)
	Logs string

	// Permissions holds per-project decisions (~/.kado/permissions)
	Permissions string

	// Config is the user config file (~/.kado/config.toml)
	Config string
}

var (
	paths     *Paths
	pathsOnce sync.Once
)

// GetPaths returns the cached user paths.
func GetPaths() *Paths {
	pathsOnce.Do(func() {
		home := Env().Home
		if home == "" {
			userHome, err := os.UserHomeDir()
			if err != nil {
				userHome = "."
			}
			home = filepath.Join(userHome, ".kado")
		}

		paths = &Paths{
			Home:        home,
			Logs:        filepath.Join(home, "logs"),
			Permissions: filepath.Join(home, "permissions"),
			Config:      filepath.Join(home, FileName),
		}
	})
	return paths
}

// Path returns a path under the kado home directory.
func Path(parts ...string) string {
	all := append([]string{GetPaths().Home}, parts...)
	return filepath.Join(all...)
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}
