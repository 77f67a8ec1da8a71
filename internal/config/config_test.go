package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ricochet1k/taskrelay/internal/provider/acp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskrelay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvConfig, EnvAuthToken, EnvOpenAIKey, EnvGeminiKey} {
		t.Setenv(k, "")
	}
}

func TestDefaultIsValid(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if strings.Contains(cfg.DataDir, "${") {
		t.Errorf("DataDir not expanded: %q", cfg.DataDir)
	}
	if diff := cmp.Diff([]string{"echo", "claude"}, cfg.ProviderNames()); diff != "" {
		t.Errorf("ProviderNames mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", "/home/tester")
	path := writeConfig(t, `
server:
  addr: ":9000"
  replay_limit: 50
orchestrator:
  default_provider: acp
  idle_ttl: 5m
data_dir: ${TASKRELAY_TEST_DIR:-/srv/relay}
providers:
  claude:
    enabled: false
  acp:
    command: ${HOME}/bin/agent
    args: ["--stdio"]
    mcp_servers:
      - name: files
        command: /usr/bin/mcp-files
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Server.Addr != ":9000" || cfg.Server.ReplayLimit != 50 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.PingInterval != 30*time.Second {
		t.Errorf("unset field lost its default: ping_interval = %v", cfg.Server.PingInterval)
	}
	if cfg.Orchestrator.IdleTTL != 5*time.Minute {
		t.Errorf("idle_ttl = %v", cfg.Orchestrator.IdleTTL)
	}
	if cfg.DataDir != "/srv/relay" {
		t.Errorf("data_dir = %q, want the expansion default", cfg.DataDir)
	}
	if cfg.Providers.ACP.Command != "/home/tester/bin/agent" {
		t.Errorf("acp command = %q", cfg.Providers.ACP.Command)
	}
	if diff := cmp.Diff([]string{"echo", "acp"}, cfg.ProviderNames()); diff != "" {
		t.Errorf("ProviderNames mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvAuthToken, "secret")
	t.Setenv(EnvOpenAIKey, "sk-env")
	t.Setenv(EnvGeminiKey, "g-env")
	path := writeConfig(t, `
server:
  auth_token: from-file
providers:
  openai:
    api_key: sk-file
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Server.AuthToken != "secret" {
		t.Errorf("auth token = %q, env should win", cfg.Server.AuthToken)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-file" {
		t.Errorf("openai key = %q, file value should be kept", cfg.Providers.OpenAI.APIKey)
	}
	if cfg.Providers.Gemini.APIKey != "g-env" {
		t.Errorf("gemini key = %q", cfg.Providers.Gemini.APIKey)
	}
}

func TestLoadUsesConfigEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvConfig, writeConfig(t, "server:\n  addr: \":7000\"\n"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
}

func TestLoadFileErrors(t *testing.T) {
	clearEnv(t)
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file: expected error")
	}
	if _, err := LoadFile(writeConfig(t, "server: [not a map")); err == nil {
		t.Error("bad yaml: expected error")
	}
	if _, err := LoadFile(writeConfig(t, "orchestrator:\n  idle_ttl: soon\n")); err == nil {
		t.Error("bad duration: expected error")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = ""
	cfg.Orchestrator.DefaultProvider = "openai"
	cfg.Logging.Level = "loud"
	cfg.Providers.ACP.Command = "/bin/agent"
	cfg.Providers.ACP.MCPServers = []acp.MCPServer{{Name: "x", Command: "relative"}}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"server.addr", "default_provider \"openai\"", "logging.level", "mcp_servers[0]"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("TASKRELAY_X", "from-env")
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${A}/x", "a-val/x"},
		{"${TASKRELAY_X}", "from-env"},
		{"${TASKRELAY_UNSET_VAR:-fallback}", "fallback"},
		{"${TASKRELAY_UNSET_VAR}", ""},
	}
	vars := map[string]string{"A": "a-val"}
	for _, tt := range tests {
		if got := expandVars(tt.in, vars); got != tt.want {
			t.Errorf("expandVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
