// Package config loads kado settings from TOML files, .env and KADO_*
// environment variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// FileName is the config file looked up under .kado/ in the project and home.
const FileName = "config.toml"

// Duration is a time.Duration that reads and writes as "30s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full runtime configuration.
type Config struct {
	Project ProjectConfig `toml:"project"`
	Sandbox SandboxConfig `toml:"sandbox"`
	Agents  AgentsConfig  `toml:"agents"`
	Loop    LoopConfig    `toml:"loop"`
	Verify  VerifyConfig  `toml:"verify"`
	LLM     LLMConfig     `toml:"llm"`
	Vector  VectorConfig  `toml:"vector"`
	Log     LogConfig     `toml:"log"`
	Storage StorageConfig `toml:"storage"`
}

// ProjectConfig scopes filesystem access.
type ProjectConfig struct {
	Root string `toml:"root"`
	// AllowedPaths are extra read-only roots (reference material).
	AllowedPaths []string `toml:"allowed_paths"`
	// AutoApprove grants low-risk actions without prompting.
	AutoApprove bool `toml:"auto_approve"`
}

// SandboxConfig controls command execution and egress.
type SandboxConfig struct {
	Timeout         Duration `toml:"timeout"`
	BlockedCommands []string `toml:"blocked_commands"`
	ExtraPatterns   []string `toml:"extra_patterns"`
	AllowedHosts    []string `toml:"allowed_hosts"`
	CriticalPaths   []string `toml:"critical_paths"`
}

// AgentsConfig sizes the subagent pool.
type AgentsConfig struct {
	MaxConcurrent int `toml:"max_concurrent"`
	MaxTokens     int `toml:"max_tokens"`
}

// LoopConfig bounds the plan/execute/verify loop.
type LoopConfig struct {
	MaxStepAttempts   int `toml:"max_step_attempts"`
	MaxExecuteRetries int `toml:"max_execute_retries"`
	MaxReplans        int `toml:"max_replans"`
}

// VerifyConfig toggles post-execution checks.
type VerifyConfig struct {
	Build bool `toml:"build"`
	Lint  bool `toml:"lint"`
	Test  bool `toml:"test"`
}

// LLMConfig selects the model provider.
type LLMConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	BaseURL   string `toml:"base_url"`
	MaxTokens int    `toml:"max_tokens"`
}

// VectorConfig points at the embedding service.
type VectorConfig struct {
	URL string `toml:"url"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"`
	// Console renders human-readable lines instead of JSON on stderr.
	Console bool `toml:"console"`
}

// StorageConfig locates persisted state. Empty fields derive from the
// project root.
type StorageConfig struct {
	AuditPath      string `toml:"audit_path"`
	BackupDir      string `toml:"backup_dir"`
	PermissionsDir string `toml:"permissions_dir"`
	ArchivePath    string `toml:"archive_path"`
	// WorktreeDir holds the git worktrees of isolated requests.
	WorktreeDir string `toml:"worktree_dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			Timeout:      Duration{30 * time.Second},
			AllowedHosts: []string{"localhost", "127.0.0.1", "api.openai.com", "api.anthropic.com"},
		},
		Agents: AgentsConfig{
			MaxConcurrent: 4,
			MaxTokens:     4096,
		},
		Loop: LoopConfig{
			MaxStepAttempts:   2,
			MaxExecuteRetries: 1,
			MaxReplans:        1,
		},
		Verify: VerifyConfig{Build: true, Lint: true, Test: true},
		LLM: LLMConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-20250514",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			MaxTokens: 8192,
		},
		Vector: VectorConfig{URL: "http://localhost:8100"},
		Log:    LogConfig{Level: "info"},
	}
}

// LoadFile decodes path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := decodeInto(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeInto(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Load builds the configuration for projectRoot:
// defaults, ~/.kado/config.toml, <root>/.kado/config.toml, <root>/.env,
// then KADO_* variables.
func Load(projectRoot string) (*Config, error) {
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	cfg := Default()
	for _, p := range []string{Path(FileName), filepath.Join(root, ".kado", FileName)} {
		if _, statErr := os.Stat(p); statErr != nil {
			continue
		}
		if err := decodeInto(cfg, p); err != nil {
			return nil, err
		}
	}

	// A missing .env is normal; only malformed files are reported.
	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	ResetEnv()

	if cfg.Project.Root == "" {
		cfg.Project.Root = root
	}
	cfg.applyEnv(Env())
	cfg.fillStorage()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(e *KadoEnv) {
	if e.LogLevel != "" {
		c.Log.Level = e.LogLevel
	}
	if e.Model != "" {
		c.LLM.Model = e.Model
	}
	if e.Provider != "" {
		c.LLM.Provider = e.Provider
	}
	if e.VectorURL != "" {
		c.Vector.URL = e.VectorURL
	}
	if e.AnthropicBaseURL != "" {
		c.LLM.BaseURL = e.AnthropicBaseURL
	}
	if n, err := strconv.Atoi(e.MaxAgents); err == nil && n > 0 {
		c.Agents.MaxConcurrent = n
	}
	if d, err := time.ParseDuration(e.Timeout); err == nil && d > 0 {
		c.Sandbox.Timeout = Duration{d}
	}
	if e.AllowedPaths != "" {
		c.Project.AllowedPaths = append(c.Project.AllowedPaths, filepath.SplitList(e.AllowedPaths)...)
	}
}

func (c *Config) fillStorage() {
	state := filepath.Join(c.Project.Root, ".kado")
	if c.Storage.AuditPath == "" {
		c.Storage.AuditPath = filepath.Join(state, "audit.jsonl")
	}
	if c.Storage.BackupDir == "" {
		c.Storage.BackupDir = filepath.Join(state, "backups")
	}
	if c.Storage.PermissionsDir == "" {
		c.Storage.PermissionsDir = Path("permissions")
	}
	if c.Storage.ArchivePath == "" {
		c.Storage.ArchivePath = filepath.Join(state, "plans.db")
	}
	if c.Storage.WorktreeDir == "" {
		c.Storage.WorktreeDir = filepath.Join(state, "worktrees")
	}
	if c.Log.Dir == "" {
		c.Log.Dir = Path("logs")
	}
}

// Validate rejects settings that would disable the loop bounds.
func (c *Config) Validate() error {
	var problems []string
	if c.Agents.MaxConcurrent < 1 {
		problems = append(problems, "agents.max_concurrent must be at least 1")
	}
	if c.Loop.MaxStepAttempts < 1 {
		problems = append(problems, "loop.max_step_attempts must be at least 1")
	}
	if c.Loop.MaxExecuteRetries < 0 || c.Loop.MaxReplans < 0 {
		problems = append(problems, "loop retry bounds must not be negative")
	}
	if c.Sandbox.Timeout.Duration <= 0 {
		problems = append(problems, "sandbox.timeout must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// APIKey resolves the provider key from the configured variable.
func (c *Config) APIKey() string {
	name := c.LLM.APIKeyEnv
	if name == "" {
		name = "ANTHROPIC_API_KEY"
	}
	return os.Getenv(name)
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
