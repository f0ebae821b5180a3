// ABOUTME: Starter config generation for hearth-gateway
// ABOUTME: Writes a commented gateway.yaml to the XDG config path

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
)

const starterConfig = `# hearth-gateway configuration

server:
  http_addr: "127.0.0.1:8080"

database:
  path: "${HOME}/.local/share/hearth/gateway.db"

sessions:
  # Oldest idle backend is evicted when the cap is reached. 0 = unlimited.
  max_backends: 16
  turn_timeout: "5m"

agents:
  default: "helper"
  command_prefix: "/agent"
  profiles:
    helper:
      provider: "anthropic"
      model: "claude-sonnet-4-20250514"
      runner: "proxy"
      base_url: "http://localhost:9100"
      system_prompt: "You are a helpful assistant."
      # api_key defaults to the stored credential, then ANTHROPIC_API_KEY
      # tool_servers: ["http://localhost:9200"]

stream:
  # Minimum gap between streaming edits sent to a channel.
  edit_interval: "700ms"

frontends:
  matrix:
    enabled: false
    homeserver: "https://matrix.org"
    user_id: "@hearth:matrix.org"
    access_token: "${MATRIX_ACCESS_TOKEN}"
    allowed_rooms: []

logging:
  level: "info"
  format: "text"
`

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(starterConfig), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("    ✓ Config written to %s\n", configPath)
	fmt.Println()
	fmt.Println("    Edit the agent profiles, then run: hearth-gateway serve")
	return nil
}
