package app

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/sleuth/internal/config"
	"github.com/harun/sleuth/internal/observability"
	"github.com/harun/sleuth/pkg/llm"
	"github.com/harun/sleuth/pkg/taskhub"
	"github.com/harun/sleuth/pkg/workflow"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	return cfg
}

func simpleProvider() llm.Provider {
	return llm.ProviderFunc(func(_ context.Context, prompt string, _ llm.GenerateOptions) (string, error) {
		if strings.HasPrefix(prompt, "Classify") {
			return `{"route": "simple", "reasoning": "greeting"}`, nil
		}
		return "Hello there.", nil
	})
}

func TestNew_RunsAQuery(t *testing.T) {
	var audit bytes.Buffer
	a, err := New(testConfig(t), zerolog.Nop(),
		WithProvider(simpleProvider()),
		WithAuditLogger(observability.NewAuditLogger(&audit)),
	)
	require.NoError(t, err)
	defer a.Close(context.Background())

	id, res, err := a.Service.Start(context.Background(), "hi", "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, workflow.OutcomeCompleted, res.Outcome)
	assert.Equal(t, "Hello there.", res.FinalReport)

	err = a.Service.Cancel(id, "late")
	assert.ErrorIs(t, err, taskhub.ErrTaskTerminal)
	assert.Contains(t, audit.String(), id)
	assert.Contains(t, audit.String(), "rejected")
}

func TestNew_NoProfiles(t *testing.T) {
	_, err := New(testConfig(t), zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrNoProviders)
}

func TestNew_FromProfiles(t *testing.T) {
	cfg := testConfig(t)
	cfg.AI.Profiles = []config.AIProfile{
		{ID: "main", Provider: "openai", Model: "gpt-4o-mini", APIKey: "sk-test"},
	}

	a, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close(context.Background())

	assert.NotNil(t, a.Provider)
	assert.True(t, a.Registry.Has("stash_read"))
}

func TestNewToolRegistry(t *testing.T) {
	reg, err := NewToolRegistry(testConfig(t), nil, zerolog.Nop())
	require.NoError(t, err)

	assert.True(t, reg.Has("http_fetch"))
	assert.True(t, reg.Has("current_time"))
	assert.True(t, reg.Has("ask_user"))
	assert.False(t, reg.Has("stash_read"))
}

func TestStartMetrics(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		a, err := New(testConfig(t), zerolog.Nop(), WithProvider(simpleProvider()))
		require.NoError(t, err)
		defer a.Close(context.Background())

		addr, err := a.StartMetrics()
		require.NoError(t, err)
		assert.Empty(t, addr)
	})

	t.Run("serves metrics", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddr = "127.0.0.1:0"

		a, err := New(cfg, zerolog.Nop(), WithProvider(simpleProvider()))
		require.NoError(t, err)

		addr, err := a.StartMetrics()
		require.NoError(t, err)
		require.NotEmpty(t, addr)

		_, _, err = a.Service.Start(context.Background(), "hi", "")
		require.NoError(t, err)

		resp, err := http.Get("http://" + addr + "/metrics")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "sleuth_")

		require.NoError(t, a.Close(context.Background()))
		require.NoError(t, a.Close(context.Background()))

		_, err = http.Get("http://" + addr + "/metrics")
		assert.Error(t, err)
	})
}
