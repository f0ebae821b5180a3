// ABOUTME: Provisioning profiles and API-key resolution for backend construction.
// ABOUTME: Resolves keys through override, stored credential, then environment.

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fernworks/hearth/internal/config"
	"github.com/fernworks/hearth/internal/store"
)

// RunnerKind distinguishes a locally hosted child process from a proxied
// external service.
type RunnerKind string

const (
	RunnerLocal RunnerKind = "local"
	RunnerProxy RunnerKind = "proxy"
)

// Profile holds everything needed to construct one backend instance.
type Profile struct {
	AgentID      string
	Provider     string
	Model        string
	APIKey       string
	Runner       RunnerKind
	Workspace    string
	SystemPrompt string

	// CompactionSummary is an optional summary of earlier conversation
	// for this business session, injected into the system prompt.
	CompactionSummary string

	// BaseURL is the proxy runner's service endpoint.
	BaseURL string
	// Command is the local runner's argv.
	Command []string

	ToolServers []string
	// Tools are the tool names gathered from reachable tool servers.
	Tools []string
}

// MissingCredentialError means no API key could be resolved for a
// provider. Its message tells the user how to fix it.
type MissingCredentialError struct {
	Provider string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("no API key available for provider %q: pass one explicitly, store a credential, or set %s",
		e.Provider, envKeyName(e.Provider))
}

// CredentialSource looks up stored provider credentials. *store.SQLiteStore
// satisfies it.
type CredentialSource interface {
	GetCredential(ctx context.Context, provider string) (*store.Credential, error)
}

// envKeyName maps a provider name to its conventional environment
// variable, e.g. "anthropic" to ANTHROPIC_API_KEY.
func envKeyName(provider string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '-' || r == '.' || r == ' ' {
			return '_'
		}
		return r
	}, strings.ToUpper(provider))
	return cleaned + "_API_KEY"
}

// ResolveAPIKey resolves a provider key through the fallback chain:
// explicit override, stored credential, then environment variable.
// Returns MissingCredentialError when the chain is exhausted.
func ResolveAPIKey(ctx context.Context, provider, override string, creds CredentialSource) (string, error) {
	if override != "" {
		return override, nil
	}

	if creds != nil {
		cred, err := creds.GetCredential(ctx, provider)
		if err == nil && cred.APIKey != "" {
			return cred.APIKey, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("looking up credential for %q: %w", provider, err)
		}
	}

	if key := os.Getenv(envKeyName(provider)); key != "" {
		return key, nil
	}

	return "", &MissingCredentialError{Provider: provider}
}

// Provisioner resolves an agent id to a construction profile.
type Provisioner interface {
	Provision(ctx context.Context, agentID string) (*Profile, error)
}

// StaticProvisioner builds profiles from configured agent entries,
// resolving credentials through the fallback chain and gathering tools
// from the profile's tool servers.
type StaticProvisioner struct {
	profiles map[string]config.AgentProfile
	creds    CredentialSource
	client   *http.Client
	logger   *slog.Logger
}

// NewStaticProvisioner creates a provisioner over the configured agent
// profiles. creds may be nil.
func NewStaticProvisioner(profiles map[string]config.AgentProfile, creds CredentialSource, logger *slog.Logger) *StaticProvisioner {
	return &StaticProvisioner{
		profiles: profiles,
		creds:    creds,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger.With("component", "provisioner"),
	}
}

// Provision resolves the profile for agentID. A tool server that cannot
// be reached or listed is logged and skipped; the profile still builds.
func (p *StaticProvisioner) Provision(ctx context.Context, agentID string) (*Profile, error) {
	cfg, ok := p.profiles[agentID]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}

	profile := &Profile{
		AgentID:      agentID,
		Provider:     cfg.Provider,
		Model:        cfg.Model,
		Runner:       RunnerKind(cfg.Runner),
		Workspace:    cfg.Workspace,
		SystemPrompt: cfg.SystemPrompt,
		BaseURL:      cfg.BaseURL,
		Command:      cfg.Command,
		ToolServers:  cfg.ToolServers,
	}

	key, err := ResolveAPIKey(ctx, cfg.Provider, cfg.APIKey, p.creds)
	if err != nil {
		return nil, err
	}
	profile.APIKey = key

	profile.Tools = p.gatherTools(ctx, cfg.ToolServers)

	return profile, nil
}

// toolListResponse is the listing shape a tool server returns.
type toolListResponse struct {
	Tools []struct {
		Name string `json:"name"`
	} `json:"tools"`
}

// gatherTools queries each tool server for its tool names. Failures are
// logged and the server skipped, so one bad server never blocks a run.
func (p *StaticProvisioner) gatherTools(ctx context.Context, servers []string) []string {
	var tools []string
	for _, base := range servers {
		names, err := p.listTools(ctx, base)
		if err != nil {
			p.logger.Warn("tool server unavailable, skipping",
				"server", base, "error", err)
			continue
		}
		tools = append(tools, names...)
	}
	return tools
}

func (p *StaticProvisioner) listTools(ctx context.Context, base string) ([]string, error) {
	url := strings.TrimSuffix(base, "/") + "/tools"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tool server returned %d: %s", resp.StatusCode, string(body))
	}

	var listing toolListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decoding tool listing: %w", err)
	}

	names := make([]string, 0, len(listing.Tools))
	for _, t := range listing.Tools {
		names = append(names, t.Name)
	}
	return names, nil
}
