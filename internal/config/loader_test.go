package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/insightengine/orchestrator/internal/sources"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "research.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("Default configuration", func(t *testing.T) {
		t.Setenv("CONFIG_PATH", "")
		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, ":8000", cfg.Server.Addr)
		assert.Equal(t, BackendMemory, cfg.Store.Backend)
		assert.Equal(t, "gpt-4o", cfg.LLM.Model)
		assert.Equal(t, sources.ProviderDuckDuckGo, cfg.Sources.Search.Provider)
		assert.Equal(t, 1.0, cfg.Sources.RateLimit)
		assert.Equal(t, 3, cfg.Pipeline.SourcesPerSection)
		assert.Equal(t, 1, cfg.Pipeline.MaxRevisions)
		assert.Equal(t, time.Hour, cfg.Pipeline.ApprovalTimeout)
		assert.False(t, cfg.UsesRedis())
	})

	t.Run("File values", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), `
server:
  addr: ":9100"
store:
  backend: redis
redis:
  addr: redis:6379
pipeline:
  max_revisions: 3
  approval_timeout: 10m
  replan_on_reject: true
llm:
  model: gpt-4o-mini
  base_url: http://llm.local/v1
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, ":9100", cfg.Server.Addr)
		assert.Equal(t, BackendRedis, cfg.Store.Backend)
		assert.Equal(t, "redis:6379", cfg.Redis.Addr)
		assert.Equal(t, 3, cfg.Pipeline.MaxRevisions)
		assert.Equal(t, 10*time.Minute, cfg.Pipeline.ApprovalTimeout)
		assert.True(t, cfg.Pipeline.ReplanOnReject)
		assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
		assert.Equal(t, "http://llm.local/v1", cfg.LLM.BaseURL)
		// untouched keys keep defaults
		assert.Equal(t, 3, cfg.Pipeline.SourcesPerSection)
		assert.True(t, cfg.UsesRedis())
	})

	t.Run("Environment variable override", func(t *testing.T) {
		t.Setenv("RESEARCH_LOGGING_LEVEL", "debug")
		t.Setenv("RESEARCH_PIPELINE_SOURCES_PER_SECTION", "5")
		t.Setenv("RESEARCH_DATABASE_HOST", "testhost")
		t.Setenv("OPENAI_API_KEY", "sk-test")
		path := writeFile(t, t.TempDir(), "pipeline:\n  sources_per_section: 2\n")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 5, cfg.Pipeline.SourcesPerSection)
		assert.Equal(t, "testhost", cfg.Database.Host)
		assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	})

	t.Run("CONFIG_PATH", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "render:\n  dir: /tmp/out\n")
		t.Setenv("CONFIG_PATH", path)
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "/tmp/out", cfg.Render.Dir)
	})

	t.Run("Missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown backend", "store:\n  backend: mongo\n"},
		{"bad level", "logging:\n  level: loud\n"},
		{"bad format", "logging:\n  format: xml\n"},
		{"zero sources", "pipeline:\n  sources_per_section: 0\n"},
		{"negative revisions", "pipeline:\n  max_revisions: -1\n"},
		{"upload without public url", "render:\n  upload_url: http://store.local\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, t.TempDir(), tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, lvl, err := NewLogger(LoggingConfig{Level: "warn", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.Equal(t, "warn", lvl.Level().String())

	_, _, err = NewLogger(LoggingConfig{Level: "nope", Format: "json"})
	assert.Error(t, err)
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pipeline:\n  max_revisions: 1\n")
	w, err := NewWatcher(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, w.Config().Pipeline.MaxRevisions)

	var got []*Config
	w.OnChange(func(c *Config) { got = append(got, c) })

	writeFile(t, dir, "pipeline:\n  max_revisions: 4\n")
	require.NoError(t, w.v.ReadInConfig())
	w.reload(path)
	require.Len(t, got, 1)
	assert.Equal(t, 4, w.Config().Pipeline.MaxRevisions)

	// An invalid edit keeps the previous configuration.
	writeFile(t, dir, "pipeline:\n  max_revisions: -2\n")
	require.NoError(t, w.v.ReadInConfig())
	w.reload(path)
	assert.Len(t, got, 1)
	assert.Equal(t, 4, w.Config().Pipeline.MaxRevisions)
}

func TestWatcherLogsReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pipeline:\n  max_revisions: 1\n")
	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	core, logs := observer.New(zap.InfoLevel)
	w.SetLogger(zap.New(core))

	writeFile(t, dir, "pipeline:\n  max_revisions: -2\n")
	require.NoError(t, w.v.ReadInConfig())
	w.reload(path)
	assert.Equal(t, 1, logs.FilterMessage("Ignoring invalid configuration change").Len())

	writeFile(t, dir, "pipeline:\n  max_revisions: 2\n")
	require.NoError(t, w.v.ReadInConfig())
	w.reload(path)
	assert.Equal(t, 1, logs.FilterMessage("Configuration reloaded").Len())
}
