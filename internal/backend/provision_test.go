// ABOUTME: Tests for API-key resolution and profile provisioning.
// ABOUTME: Covers the override/stored/env fallback chain and tool-server skipping.

package backend

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernworks/hearth/internal/config"
	"github.com/fernworks/hearth/internal/store"
)

type fakeCreds struct {
	keys map[string]string
}

func (f *fakeCreds) GetCredential(_ context.Context, provider string) (*store.Credential, error) {
	key, ok := f.keys[provider]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.Credential{Provider: provider, APIKey: key}, nil
}

func TestEnvKeyName(t *testing.T) {
	assert.Equal(t, "ANTHROPIC_API_KEY", envKeyName("anthropic"))
	assert.Equal(t, "OPEN_AI_API_KEY", envKeyName("open-ai"))
}

func TestResolveAPIKeyOverrideWins(t *testing.T) {
	creds := &fakeCreds{keys: map[string]string{"anthropic": "sk-stored"}}
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")

	key, err := ResolveAPIKey(context.Background(), "anthropic", "sk-override", creds)
	require.NoError(t, err)
	assert.Equal(t, "sk-override", key)
}

func TestResolveAPIKeyStoredBeforeEnv(t *testing.T) {
	creds := &fakeCreds{keys: map[string]string{"anthropic": "sk-stored"}}
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")

	key, err := ResolveAPIKey(context.Background(), "anthropic", "", creds)
	require.NoError(t, err)
	assert.Equal(t, "sk-stored", key)
}

func TestResolveAPIKeyEnvFallback(t *testing.T) {
	creds := &fakeCreds{keys: map[string]string{}}
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")

	key, err := ResolveAPIKey(context.Background(), "anthropic", "", creds)
	require.NoError(t, err)
	assert.Equal(t, "sk-env", key)
}

func TestResolveAPIKeyMissing(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := ResolveAPIKey(context.Background(), "anthropic", "", &fakeCreds{})
	require.Error(t, err)

	var missing *MissingCredentialError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "anthropic", missing.Provider)
	assert.Contains(t, missing.Error(), "ANTHROPIC_API_KEY")
}

func TestProvisionUnknownAgent(t *testing.T) {
	p := NewStaticProvisioner(map[string]config.AgentProfile{}, nil, slog.Default())

	_, err := p.Provision(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestProvisionGathersToolsAndSkipsDeadServers(t *testing.T) {
	alive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tools", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tools":[{"name":"search"},{"name":"fetch"}]}`))
	}))
	defer alive.Close()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer dead.Close()

	profiles := map[string]config.AgentProfile{
		"helper": {
			Provider:    "anthropic",
			Model:       "claude-sonnet",
			APIKey:      "sk-inline",
			Runner:      "proxy",
			BaseURL:     "http://localhost:9",
			ToolServers: []string{alive.URL, dead.URL, "http://127.0.0.1:1/nope"},
		},
	}
	p := NewStaticProvisioner(profiles, nil, slog.Default())

	profile, err := p.Provision(context.Background(), "helper")
	require.NoError(t, err)
	assert.Equal(t, "sk-inline", profile.APIKey)
	assert.Equal(t, RunnerProxy, profile.Runner)
	assert.Equal(t, []string{"search", "fetch"}, profile.Tools)
}

func TestProvisionMissingCredentialAborts(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	profiles := map[string]config.AgentProfile{
		"helper": {Provider: "anthropic", Runner: "proxy", BaseURL: "http://localhost:9"},
	}
	p := NewStaticProvisioner(profiles, &fakeCreds{}, slog.Default())

	_, err := p.Provision(context.Background(), "helper")
	var missing *MissingCredentialError
	assert.ErrorAs(t, err, &missing)
}
