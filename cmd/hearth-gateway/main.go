// ABOUTME: Entry point for the hearth-gateway server
// ABOUTME: Wires store, backends, session registry, and frontends together

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/fernworks/hearth/internal/backend"
	"github.com/fernworks/hearth/internal/channel"
	"github.com/fernworks/hearth/internal/config"
	"github.com/fernworks/hearth/internal/dedupe"
	"github.com/fernworks/hearth/internal/gateway"
	"github.com/fernworks/hearth/internal/session"
	"github.com/fernworks/hearth/internal/store"
	"github.com/fernworks/hearth/internal/transport/matrix"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                     _   _
| |__   ___  __ _ _ __| |_| |__
| '_ \ / _ \/ _' | '__| __| '_ \
| | | |  __/ (_| | |  | |_| | | |
|_| |_|\___|\__,_|_|   \__|_| |_|
`

// dedupeWindow covers platform redelivery of inbound messages.
const dedupeWindow = 10 * time.Minute

// getConfigPath returns the path to the gateway config file.
// Priority: HEARTH_CONFIG env var > XDG_CONFIG_HOME/hearth/gateway.yaml > ~/.config/hearth/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("HEARTH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "hearth", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: hearth-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the gateway server")
		fmt.Println("  init     Write a starter config file")
		fmt.Println("  health   Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Agents:   %d (default %s)\n", len(cfg.Agents.Profiles), cfg.Agents.Default)
	if cfg.Frontends.Matrix.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Matrix:   %s\n", cfg.Frontends.Matrix.Homeserver)
	}
	fmt.Println()

	logger.Info("starting hearth-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	provisioner := backend.NewStaticProvisioner(cfg.Agents.Profiles, st, logger)
	provision := func(ctx context.Context, businessID, agentID string, hints session.Hints) (backend.Backend, error) {
		profile, err := provisioner.Provision(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if hints.APIKeyOverride != "" {
			profile.APIKey = hints.APIKeyOverride
		}
		if hints.Workspace != "" {
			profile.Workspace = hints.Workspace
		}
		profile.CompactionSummary = hints.CompactionSummary
		return backend.New(ctx, profile, logger)
	}

	registry := session.NewRegistry(cfg.Sessions.MaxBackends, provision, logger)
	svc := session.NewService(registry, cfg.Sessions.TurnTimeout, logger)
	srv := gateway.New(cfg, svc, st, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })

	if cfg.Frontends.Matrix.Enabled {
		adapter, err := matrix.New(matrix.Config{
			Homeserver:      cfg.Frontends.Matrix.Homeserver,
			UserID:          cfg.Frontends.Matrix.UserID,
			AccessToken:     cfg.Frontends.Matrix.AccessToken,
			AllowedRooms:    cfg.Frontends.Matrix.AllowedRooms,
			TypingIndicator: true,
		}, logger)
		if err != nil {
			return fmt.Errorf("creating matrix frontend: %w", err)
		}

		cache := dedupe.New(dedupeWindow, 10000)
		defer cache.Close()

		defaultAgent := cfg.Frontends.Matrix.DefaultAgent
		if defaultAgent == "" {
			defaultAgent = cfg.Agents.Default
		}
		router := channel.NewRouter(channel.Config{
			Invoker:       svc,
			Store:         st,
			Dedupe:        cache,
			DefaultAgent:  defaultAgent,
			KnownAgents:   agentNames(cfg),
			CommandPrefix: cfg.Agents.CommandPrefix,
			EditInterval:  cfg.Stream.EditInterval,
			Logger:        logger,
		})

		g.Go(func() error { return adapter.Run(ctx, router.Handle) })
	}

	return g.Wait()
}

// agentNames lists the configured agent ids for command handling.
func agentNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Agents.Profiles))
	for name := range cfg.Agents.Profiles {
		names = append(names, name)
	}
	return names
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
