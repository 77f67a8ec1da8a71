// Package config loads the taskrelay YAML configuration.
//
// Values come from Default, then the file, then a small set of environment
// variables for secrets. ${VAR} and ${VAR:-default} are expanded in path and
// command fields after the file is read.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ricochet1k/taskrelay/internal/provider/acp"
)

// Environment variables that override file values.
const (
	EnvConfig    = "TASKRELAY_CONFIG"
	EnvAuthToken = "TASKRELAY_AUTH_TOKEN"
	EnvOpenAIKey = "OPENAI_API_KEY"
	EnvGeminiKey = "GEMINI_API_KEY"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Router       RouterConfig       `yaml:"router"`
	Logging      LoggingConfig      `yaml:"logging"`

	// DataDir holds transcripts written by adapters that own them.
	DataDir string `yaml:"data_dir"`

	Providers ProvidersConfig `yaml:"providers"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
	// PingInterval is how often task WebSockets receive a ping event.
	PingInterval time.Duration `yaml:"ping_interval"`
	// ReplayLimit bounds the replay when a client omits ?limit. Zero replays all.
	ReplayLimit     int           `yaml:"replay_limit"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type OrchestratorConfig struct {
	DefaultProvider string `yaml:"default_provider"`
	// MaxTasks bounds non-terminal tasks. Zero disables the limit.
	MaxTasks      int           `yaml:"max_tasks"`
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type RouterConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// Watch nudges the poll loop when transcript files change.
	Watch bool `yaml:"watch"`
}

type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is console or json.
	Format  string `yaml:"format"`
	NoColor bool   `yaml:"no_color"`
}

type ProvidersConfig struct {
	Echo   EchoConfig   `yaml:"echo"`
	Claude ClaudeConfig `yaml:"claude"`
	ACP    ACPConfig    `yaml:"acp"`
	OpenAI OpenAIConfig `yaml:"openai"`
	Gemini GeminiConfig `yaml:"gemini"`
}

type EchoConfig struct {
	Delay time.Duration `yaml:"delay"`
}

type ClaudeConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Command     string            `yaml:"command"`
	ExtraArgs   []string          `yaml:"extra_args"`
	Environment map[string]string `yaml:"environment"`
	ProjectsDir string            `yaml:"projects_dir"`
}

type ACPConfig struct {
	// Name is the provider name clients select. Defaults to "acp".
	Name        string            `yaml:"name"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Environment map[string]string `yaml:"environment"`
	MCPServers  []acp.MCPServer   `yaml:"mcp_servers"`
	IdleTimeout time.Duration     `yaml:"idle_timeout"`
}

type OpenAIConfig struct {
	APIKey           string `yaml:"api_key"`
	BaseURL          string `yaml:"base_url"`
	Model            string `yaml:"model"`
	Instructions     string `yaml:"instructions"`
	ReasoningSummary bool   `yaml:"reasoning_summary"`
	MaxRetries       int    `yaml:"max_retries"`
}

type GeminiConfig struct {
	APIKey            string `yaml:"api_key"`
	BaseURL           string `yaml:"base_url"`
	Model             string `yaml:"model"`
	SystemInstruction string `yaml:"system_instruction"`
	IncludeThoughts   bool   `yaml:"include_thoughts"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8420",
			PingInterval:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			DefaultProvider: "echo",
			MaxTasks:        32,
			IdleTTL:         30 * time.Minute,
			SweepInterval:   time.Minute,
		},
		Router: RouterConfig{
			PollInterval: 200 * time.Millisecond,
			Watch:        true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		DataDir: "${HOME}/.taskrelay",
		Providers: ProvidersConfig{
			Claude: ClaudeConfig{Enabled: true, Command: "claude"},
			OpenAI: OpenAIConfig{MaxRetries: 2},
			Gemini: GeminiConfig{IncludeThoughts: true},
		},
	}
}

// Load reads the file named by TASKRELAY_CONFIG, or returns the defaults
// with environment overrides when it is unset.
func Load() (*Config, error) {
	if path := os.Getenv(EnvConfig); path != "" {
		return LoadFile(path)
	}
	cfg := Default()
	cfg.applyEnv()
	cfg.expandVariables()
	return cfg, nil
}

// LoadFile reads path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.parse(data); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	cfg.applyEnv()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) parse(data []byte) error {
	return yaml.Unmarshal(data, c)
}

// applyEnv fills secrets the file left empty.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAuthToken); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv(EnvOpenAIKey); v != "" && c.Providers.OpenAI.APIKey == "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv(EnvGeminiKey); v != "" && c.Providers.Gemini.APIKey == "" {
		c.Providers.Gemini.APIKey = v
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	if vars["HOME"] == "" {
		if home, err := os.UserHomeDir(); err == nil {
			vars["HOME"] = home
		}
	}

	c.DataDir = expandVars(c.DataDir, vars)
	vars["TASKRELAY_DATA"] = c.DataDir

	c.Server.AuthToken = expandVars(c.Server.AuthToken, vars)
	c.Providers.Claude.Command = expandVars(c.Providers.Claude.Command, vars)
	c.Providers.Claude.ProjectsDir = expandVars(c.Providers.Claude.ProjectsDir, vars)
	c.Providers.ACP.Command = expandVars(c.Providers.ACP.Command, vars)
	for i, a := range c.Providers.ACP.Args {
		c.Providers.ACP.Args[i] = expandVars(a, vars)
	}
	for i := range c.Providers.ACP.MCPServers {
		c.Providers.ACP.MCPServers[i].Command = expandVars(c.Providers.ACP.MCPServers[i].Command, vars)
	}
	c.Providers.OpenAI.APIKey = expandVars(c.Providers.OpenAI.APIKey, vars)
	c.Providers.Gemini.APIKey = expandVars(c.Providers.Gemini.APIKey, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}. vars wins over the
// process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, def := parts[1], parts[2]
		if v, ok := vars[name]; ok && v != "" {
			return v
		}
		if v := os.Getenv(name); v != "" {
			return v
		}
		return def
	})
}

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"console", "json"}
)

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.ReplayLimit < 0 {
		errs = append(errs, errors.New("server.replay_limit must not be negative"))
	}
	if c.Server.PingInterval <= 0 {
		errs = append(errs, errors.New("server.ping_interval must be positive"))
	}
	if c.Orchestrator.DefaultProvider == "" {
		errs = append(errs, errors.New("orchestrator.default_provider is required"))
	} else if !slices.Contains(c.ProviderNames(), c.Orchestrator.DefaultProvider) {
		errs = append(errs, fmt.Errorf("orchestrator.default_provider %q is not enabled", c.Orchestrator.DefaultProvider))
	}
	if c.Orchestrator.IdleTTL <= 0 {
		errs = append(errs, errors.New("orchestrator.idle_ttl must be positive"))
	}
	if c.Orchestrator.SweepInterval <= 0 {
		errs = append(errs, errors.New("orchestrator.sweep_interval must be positive"))
	}
	if c.Router.PollInterval <= 0 {
		errs = append(errs, errors.New("router.poll_interval must be positive"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if !slices.Contains(logLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be one of: %v", logLevels))
	}
	if !slices.Contains(logFormats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format must be one of: %v", logFormats))
	}
	for i, s := range c.Providers.ACP.MCPServers {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("providers.acp.mcp_servers[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// ProviderNames lists the adapters this configuration enables, echo first.
func (c *Config) ProviderNames() []string {
	names := []string{"echo"}
	p := c.Providers
	if p.Claude.Enabled {
		names = append(names, "claude")
	}
	if p.ACP.Command != "" {
		name := p.ACP.Name
		if name == "" {
			name = acp.DefaultName
		}
		names = append(names, name)
	}
	if p.OpenAI.APIKey != "" {
		names = append(names, "openai")
	}
	if p.Gemini.APIKey != "" {
		names = append(names, "gemini")
	}
	return names
}
