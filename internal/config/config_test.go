package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return newFileBackend(path)
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	b := writeTempConfig(t, "# empty\n")

	cfg, err := loadWith(b)
	require.NoError(t, err)

	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.InDelta(t, 0.6, cfg.Matcher.FuzzyThreshold, 1e-9)
	assert.InDelta(t, 0.75, cfg.Matcher.RoutingThreshold, 1e-9)
	assert.Equal(t, 5, cfg.Matcher.MaxResults)
	assert.True(t, cfg.Patterns.Watch)
	assert.Equal(t, 64<<20, cfg.Cache.MemoryBytes)
	assert.Equal(t, 24, cfg.Cache.DefaultTTLHours)
	assert.Equal(t, "lru", cfg.Cache.Policy)
	assert.Equal(t, "10m", cfg.Cache.SweepInterval)
	assert.Equal(t, 100000, cfg.Budget.DailyLimit)
}

// TestYAMLParsing verifies that typed fields are read from a YAML file.
func TestYAMLParsing(t *testing.T) {
	b := writeTempConfig(t, `
server.port: 5000
storage.data_dir: /tmp/qroute-test
matcher.fuzzy_threshold: 0.5
matcher.routing_threshold: 0.9
patterns.watch: false
cache.policy: fifo
cache.memory_bytes: 1024
budget.daily_limit: 250
`)

	cfg, err := loadWith(b)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "/tmp/qroute-test", cfg.Storage.DataDir)
	assert.InDelta(t, 0.5, cfg.Matcher.FuzzyThreshold, 1e-9)
	assert.InDelta(t, 0.9, cfg.Matcher.RoutingThreshold, 1e-9)
	assert.False(t, cfg.Patterns.Watch)
	assert.Equal(t, "fifo", cfg.Cache.Policy)
	assert.Equal(t, 1024, cfg.Cache.MemoryBytes)
	assert.Equal(t, 250, cfg.Budget.DailyLimit)
}

// TestEnvOverride verifies that environment variables override file values.
func TestEnvOverride(t *testing.T) {
	b := writeTempConfig(t, "budget.daily_limit: 10\n")

	t.Setenv("QROUTE_BUDGET_DAILY_LIMIT", "777")
	t.Setenv("QROUTE_FALLBACK_API_KEY", "env-key")
	t.Setenv("QROUTE_MATCHER_MAX_RESULTS", "not-a-number")

	cfg, err := loadWith(b)
	require.NoError(t, err)

	assert.Equal(t, 777, cfg.Budget.DailyLimit)
	assert.Equal(t, "env-key", cfg.Fallback.APIKey)
	assert.Equal(t, 5, cfg.Matcher.MaxResults, "unparsable env value keeps the default")
}

func TestSecretNotReadFromFile(t *testing.T) {
	b := writeTempConfig(t, "fallback.api_key: leaked\n")
	t.Setenv("QROUTE_FALLBACK_API_KEY", "")

	cfg, err := loadWith(b)
	require.NoError(t, err)
	assert.Empty(t, cfg.Fallback.APIKey)
}

func TestValidationRejectsBadThresholds(t *testing.T) {
	b := writeTempConfig(t, "matcher.fuzzy_threshold: 0.8\nmatcher.routing_threshold: 0.5\n")

	_, err := loadWith(b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "routing_threshold")
}

func TestValidationRejectsUnknownPolicy(t *testing.T) {
	b := writeTempConfig(t, "cache.policy: random\n")

	_, err := loadWith(b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.policy")
}

func TestSetKey(t *testing.T) {
	b := writeTempConfig(t, "")

	require.NoError(t, setKey(b, "budget.daily_limit", "42"))
	require.NoError(t, setKey(b, "matcher.routing_threshold", "0.8"))
	require.NoError(t, setKey(b, "patterns.watch", "false"))

	assert.Error(t, setKey(b, "budget.daily_limit", "lots"))
	assert.Error(t, setKey(b, "fallback.api_key", "secret"))
	assert.Error(t, setKey(b, "no.such.key", "x"))

	// Reload from disk to confirm persistence.
	cfg, err := loadWith(newFileBackend(b.path))
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Budget.DailyLimit)
	assert.InDelta(t, 0.8, cfg.Matcher.RoutingThreshold, 1e-9)
	assert.False(t, cfg.Patterns.Watch)
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Fallback.APIKey = "secret"

	for _, ki := range ShowAll(cfg) {
		assert.NotEqual(t, "fallback.api_key", ki.Key)
	}
	assert.NotContains(t, ValidKeys(), "fallback.api_key")
	assert.Contains(t, ValidKeys(), "cache.policy")
}

func TestGetAPITokenStable(t *testing.T) {
	dir := t.TempDir()

	first, err := GetAPIToken(dir)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := GetAPIToken(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFallbackProvider(t *testing.T) {
	b := writeTempConfig(t, "fallback.provider: ollama\nfallback.ollama_url: http://gpu-box:11434\n")

	cfg, err := loadWith(b)
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.Fallback.Provider)
	assert.Equal(t, "http://gpu-box:11434", cfg.Fallback.OllamaURL)
	assert.Equal(t, "llama3.1:8b", cfg.Fallback.OllamaModel)

	_, err = loadWith(writeTempConfig(t, "fallback.provider: bedrock\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fallback.provider")
}
