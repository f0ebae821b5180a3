// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

sessions:
  max_backends: 8
  turn_timeout: "2m"

agents:
  default: "assistant"
  command_prefix: "/agent"
  profiles:
    assistant:
      provider: "anthropic"
      model: "claude-sonnet-4"
      runner: "proxy"
      base_url: "http://localhost:9090"
    coder:
      provider: "opencode"
      runner: "local"
      command: ["opencode", "serve", "--stdio"]
      workspace: "/srv/work"

frontends:
  matrix:
    enabled: false
    homeserver: "https://matrix.org"
    user_id: "@bot:matrix.org"
    access_token: "matrix-token"

stream:
  edit_interval: "500ms"

logging:
  level: "debug"
  format: "json"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("HTTPAddr = %q, want 0.0.0.0:8080", cfg.Server.HTTPAddr)
	}
	if cfg.Sessions.MaxBackends != 8 {
		t.Errorf("MaxBackends = %d, want 8", cfg.Sessions.MaxBackends)
	}
	if cfg.Sessions.TurnTimeout != 2*time.Minute {
		t.Errorf("TurnTimeout = %v, want 2m", cfg.Sessions.TurnTimeout)
	}
	if cfg.Stream.EditInterval != 500*time.Millisecond {
		t.Errorf("EditInterval = %v, want 500ms", cfg.Stream.EditInterval)
	}
	if cfg.Agents.Default != "assistant" {
		t.Errorf("Default = %q, want assistant", cfg.Agents.Default)
	}
	if len(cfg.Agents.Profiles) != 2 {
		t.Errorf("Profiles = %d entries, want 2", len(cfg.Agents.Profiles))
	}
	coder := cfg.Agents.Profiles["coder"]
	if coder.Runner != "local" || len(coder.Command) != 3 {
		t.Errorf("coder profile parsed incorrectly: %+v", coder)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("HEARTH_TEST_KEY", "sk-from-env")

	content := strings.Replace(validConfig,
		`model: "claude-sonnet-4"`,
		"model: \"claude-sonnet-4\"\n      api_key: \"${HEARTH_TEST_KEY}\"", 1)

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.Agents.Profiles["assistant"].APIKey; got != "sk-from-env" {
		t.Errorf("APIKey = %q, want sk-from-env", got)
	}
}

func TestLoad_EnvVarUnsetExpandsEmpty(t *testing.T) {
	content := strings.Replace(validConfig,
		`path: "./test.db"`,
		`path: "./test.db${HEARTH_DEFINITELY_UNSET_VAR}"`, 1)

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Path = %q, want ./test.db", cfg.Database.Path)
	}
}

func TestLoad_Defaults(t *testing.T) {
	content := `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
agents:
  default: "assistant"
  profiles:
    assistant:
      provider: "anthropic"
      runner: "proxy"
      base_url: "http://localhost:9090"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agents.CommandPrefix != "/agent" {
		t.Errorf("CommandPrefix default = %q, want /agent", cfg.Agents.CommandPrefix)
	}
	if cfg.Stream.EditInterval != 700*time.Millisecond {
		t.Errorf("EditInterval default = %v, want 700ms", cfg.Stream.EditInterval)
	}
	if cfg.Sessions.TurnTimeout != 5*time.Minute {
		t.Errorf("TurnTimeout default = %v, want 5m", cfg.Sessions.TurnTimeout)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	content := strings.Replace(validConfig, `turn_timeout: "2m"`, `turn_timeout: "not-a-duration"`, 1)
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "turn_timeout") {
		t.Errorf("error should mention turn_timeout, got: %v", err)
	}
}

func TestValidate_MissingHTTPAddr(t *testing.T) {
	content := strings.Replace(validConfig, `http_addr: "0.0.0.0:8080"`, `http_addr: ""`, 1)
	_, err := Load(writeConfig(t, content))
	if err == nil || !strings.Contains(err.Error(), "http_addr") {
		t.Errorf("expected http_addr validation error, got: %v", err)
	}
}

func TestValidate_DefaultAgentWithoutProfile(t *testing.T) {
	content := strings.Replace(validConfig, `default: "assistant"`, `default: "ghost"`, 1)
	_, err := Load(writeConfig(t, content))
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Errorf("expected error about unknown default agent, got: %v", err)
	}
}

func TestValidate_LocalRunnerRequiresCommand(t *testing.T) {
	content := strings.Replace(validConfig, `command: ["opencode", "serve", "--stdio"]`, ``, 1)
	_, err := Load(writeConfig(t, content))
	if err == nil || !strings.Contains(err.Error(), "command") {
		t.Errorf("expected error about missing command, got: %v", err)
	}
}

func TestValidate_MatrixEnabledRequiresHomeserver(t *testing.T) {
	content := strings.Replace(validConfig, "enabled: false", "enabled: true", 1)
	content = strings.Replace(content, `homeserver: "https://matrix.org"`, `homeserver: ""`, 1)
	_, err := Load(writeConfig(t, content))
	if err == nil || !strings.Contains(err.Error(), "homeserver") {
		t.Errorf("expected error about matrix homeserver, got: %v", err)
	}
}
