// ABOUTME: Entry point for the hearth-matrix bridge
// ABOUTME: Connects Matrix rooms to a remote hearth-gateway over WebSocket

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/fernworks/hearth/internal/channel"
	"github.com/fernworks/hearth/internal/client"
	"github.com/fernworks/hearth/internal/dedupe"
	"github.com/fernworks/hearth/internal/transport/matrix"
)

const banner = `
 _                     _   _                             _        _
| |__   ___  __ _ _ __| |_| |__        _ __ ___   __ _| |_ _ __(_)_  __
| '_ \ / _ \/ _' | '__| __| '_ \ _____| '_ ' _ \ / _' | __| '__| \ \/ /
| | | |  __/ (_| | |  | |_| | | |_____| | | | | | (_| | |_| |  | |>  <
|_| |_|\___|\__,_|_|   \__|_| |_|     |_| |_| |_|\__,_|\__|_|  |_/_/\_\
`

// getConfigPath returns the path to the bridge config file.
// Priority: HEARTH_MATRIX_CONFIG env var > XDG_CONFIG_HOME/hearth/matrix-bridge.toml > ~/.config/hearth/matrix-bridge.toml
func getConfigPath() string {
	if envPath := os.Getenv("HEARTH_MATRIX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "matrix-bridge.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "hearth", "matrix-bridge.toml")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging.Level)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("User:       %s\n", cfg.Matrix.UserID)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:    %s\n", cfg.Gateway.URL)
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gw, err := client.Dial(ctx, cfg.Gateway.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to gateway: %w", err)
	}
	defer gw.Close()

	adapter, err := matrix.New(matrix.Config{
		Homeserver:      cfg.Matrix.Homeserver,
		UserID:          cfg.Matrix.UserID,
		AccessToken:     cfg.Matrix.AccessToken,
		AllowedRooms:    cfg.Bridge.AllowedRooms,
		TypingIndicator: cfg.Bridge.TypingIndicator,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating matrix adapter: %w", err)
	}

	cache := dedupe.New(10*time.Minute, 10000)
	defer cache.Close()

	// The gateway owns bindings and history; the bridge router runs
	// stateless and lets the remote side persist.
	router := channel.NewRouter(channel.Config{
		Invoker:       gw,
		Dedupe:        cache,
		DefaultAgent:  cfg.Bridge.DefaultAgent,
		KnownAgents:   cfg.Bridge.Agents,
		CommandPrefix: cfg.Bridge.CommandPrefix,
		EditInterval:  cfg.Bridge.EditInterval,
		Logger:        logger,
	})

	logger.Info("starting bridge")
	return adapter.Run(ctx, router.Handle)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}
