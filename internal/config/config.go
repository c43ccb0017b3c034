// Package config loads noetik's file configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/noetik/internal/agent"
	"github.com/felixgeelhaar/noetik/internal/guard"
)

// Config holds all noetik configuration.
type Config struct {
	DataDir string        `yaml:"data_dir" json:"data_dir"`
	Log     LogConfig     `yaml:"log" json:"log"`
	Planner PlannerConfig `yaml:"planner" json:"planner"`
	Agent   agent.Config  `yaml:"agent" json:"agent"`
	Memory  MemoryConfig  `yaml:"memory" json:"memory"`
	Server  ServerConfig  `yaml:"server" json:"server"`
	Tools   ToolsConfig   `yaml:"tools" json:"tools"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
	// Format is console or json.
	Format string `yaml:"format" json:"format"`
}

type PlannerConfig struct {
	Provider   string `yaml:"provider" json:"provider"`
	Model      string `yaml:"model" json:"model"`
	EmbedModel string `yaml:"embed_model" json:"embed_model"`
	BaseURL    string `yaml:"base_url" json:"base_url"`
	// NativeTools sends the tool catalog through the provider's function
	// calling API in addition to the text prompt.
	NativeTools bool `yaml:"native_tools" json:"native_tools"`
	// RateLimit caps oracle requests per second; zero disables it.
	RateLimit    float64 `yaml:"rate_limit" json:"rate_limit"`
	Burst        int     `yaml:"burst" json:"burst"`
	SystemPrompt string  `yaml:"system_prompt" json:"system_prompt"`
}

type MemoryConfig struct {
	// Backend stores transcripts: sqlite, redis or memory.
	Backend       string `yaml:"backend" json:"backend"`
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix" json:"redis_prefix"`
	// Vector enables retrieval and archiving through the embedding provider.
	Vector bool `yaml:"vector" json:"vector"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

type ToolsConfig struct {
	Policy  guard.Policy `yaml:"policy" json:"policy"`
	WorkDir string       `yaml:"work_dir" json:"work_dir"`
	// Plugins are executables serving additional tools.
	Plugins []string `yaml:"plugins" json:"plugins"`
}

// ValidationResult represents the outcome of a validation pass.
type ValidationResult struct {
	Valid    bool
	Warnings []string
	Errors   []string
}

var (
	knownProviders = []string{"openai", "ollama", "gemini", "anthropic", "cli", "stub"}
	knownBackends  = []string{"sqlite", "redis", "memory"}
	knownLevels    = []string{"debug", "info", "warn", "error"}
	knownFormats   = []string{"console", "json"}
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir: "~/.noetik",
		Log:     LogConfig{Level: "warn", Format: "console"},
		Planner: PlannerConfig{
			Provider:    "ollama",
			NativeTools: true,
		},
		Agent: agent.DefaultConfig(),
		Memory: MemoryConfig{
			Backend:     "sqlite",
			RedisPrefix: "noetik",
			Vector:      true,
		},
		Server: ServerConfig{Addr: ":8080"},
		Tools:  ToolsConfig{Policy: guard.DefaultPolicy},
	}
}

// DefaultSearchPaths returns the config file search order.
func DefaultSearchPaths() []string {
	paths := []string{"noetik.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".noetik", "config.yaml"))
	}
	return paths
}

// FindConfig locates a config file. An explicit path must exist; otherwise
// the first existing search path is returned, or "" if there is none.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// Load reads a YAML or JSON file over Default and applies environment
// overrides. An empty path yields the defaults with overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml", ".json":
			// JSON is a subset of YAML.
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		default:
			return nil, fmt.Errorf("unsupported config format: %s (use .yaml or .json)", ext)
		}
	}
	cfg.applyEnv(os.Getenv)
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Planner.Provider, "NOETIK_PROVIDER")
	set(&c.Planner.Model, "NOETIK_MODEL")
	set(&c.DataDir, "NOETIK_DATA_DIR")
	set(&c.Server.Addr, "NOETIK_API_ADDR")
	set(&c.Log.Level, "NOETIK_LOG_LEVEL")
	if v := getenv("NOETIK_REDIS_ADDR"); v != "" {
		c.Memory.RedisAddr = v
		c.Memory.Backend = "redis"
	}
	if v := getenv("NOETIK_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Agent.MaxSteps = n
		}
	}
	if c.Planner.Provider == "ollama" {
		set(&c.Planner.BaseURL, "OLLAMA_HOST")
	}
}

// ResolveDataDir expands a leading "~" in DataDir.
func (c *Config) ResolveDataDir() (string, error) {
	dir := c.DataDir
	if dir == "" {
		dir = "~/.noetik"
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return dir, nil
}

// Validate checks the configuration for completeness and consistency.
func (c *Config) Validate() ValidationResult {
	res := ValidationResult{
		Valid:    true,
		Warnings: []string{},
		Errors:   []string{},
	}
	fail := func(format string, args ...any) {
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}
	warn := func(format string, args ...any) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
	}

	if !oneOf(c.Planner.Provider, knownProviders) {
		fail("planner.provider %q is not one of %s", c.Planner.Provider, strings.Join(knownProviders, ", "))
	}
	if c.Planner.RateLimit < 0 {
		fail("planner.rate_limit must not be negative")
	}
	if c.Planner.RateLimit > 0 && c.Planner.Burst <= 0 {
		warn("planner.burst is unset; a burst of 1 is used")
	}

	if c.Agent.MaxSteps <= 0 {
		fail("agent.max_steps must be positive")
	}
	if c.Agent.MaxPlannerRetries < 0 {
		fail("agent.max_planner_retries must not be negative")
	} else if c.Agent.MaxPlannerRetries == 0 {
		warn("agent.max_planner_retries is 0; one malformed planner reply aborts the request")
	}
	if c.Agent.PlannerTimeout < 0 || c.Agent.ToolTimeout < 0 {
		fail("agent timeouts must not be negative")
	}
	if c.Agent.PlannerTimeout == 0 {
		warn("agent.planner_timeout is 0; a hung model blocks the request indefinitely")
	}

	if !oneOf(c.Memory.Backend, knownBackends) {
		fail("memory.backend %q is not one of %s", c.Memory.Backend, strings.Join(knownBackends, ", "))
	}
	if c.Memory.Backend == "redis" && c.Memory.RedisAddr == "" {
		fail("memory.redis_addr is required for the redis backend")
	}
	if c.Memory.Backend == "memory" {
		warn("memory.backend is memory; transcripts are lost on exit")
	}

	if !oneOf(c.Log.Level, knownLevels) {
		fail("log.level %q is not one of %s", c.Log.Level, strings.Join(knownLevels, ", "))
	}
	if !oneOf(c.Log.Format, knownFormats) {
		fail("log.format %q is not one of %s", c.Log.Format, strings.Join(knownFormats, ", "))
	}

	if c.Server.Addr == "" {
		fail("server.addr is required")
	}

	if len(c.Tools.Policy.AllowedTools) == 0 {
		warn("tools.policy.allowed_tools is empty; the planner can only answer directly")
	}
	if len(c.Tools.Policy.AllowedCommands) == 0 && guard.New(c.Tools.Policy).AllowsTool("run_shell") {
		warn("tools.policy.allowed_commands is empty; run_shell rejects every command")
	}
	for _, p := range c.Tools.Plugins {
		if _, err := os.Stat(p); err != nil {
			warn("tool plugin %s not found", p)
		}
	}

	return res
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
