package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)

	assert.Equal(t, 8192, cfg.Agent.MaxTokens)
	assert.Equal(t, 20, cfg.Agent.MaxIterations)
	assert.Equal(t, 50, cfg.Agent.MemoryWindow)
	assert.InDelta(t, 0.7, cfg.Agent.Temperature, 1e-9)
	assert.Equal(t, 60, cfg.Tools.ShellTimeout)
	assert.False(t, cfg.Tools.RestrictToWorkspace)
	assert.Equal(t, "gpt-4o-mini", cfg.Provider.Model)
	assert.Equal(t, ":8000", cfg.Gateway.HTTPAddr)
	assert.Equal(t, ":8001", cfg.Gateway.WSAddr)
	assert.Equal(t, ":9090", cfg.Gateway.MetricsAddr)
	assert.Equal(t, "file", cfg.Memory.Backend)
	assert.Equal(t, filepath.Join(cfg.Agent.Workspace, "memory", "longterm.jsonl"), cfg.Memory.Path)
}

func TestLoadReadsTOMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[agent]
model = "gpt-4o"
max_iterations = 5
memory_window = 12
workspace = "ws"

[tools]
shell_timeout = 3
restrict_to_workspace = true

[memory]
backend = "sqlite"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("SANTOSOBOT_PROVIDER_API_KEY", "sk-test")
	t.Setenv("SANTOSOBOT_AGENT_MAX_ITERATIONS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", cfg.Agent.Model)
	assert.Equal(t, "gpt-4o", cfg.Provider.Model)
	assert.Equal(t, 7, cfg.Agent.MaxIterations)
	assert.Equal(t, 12, cfg.Agent.MemoryWindow)
	assert.Equal(t, 3, cfg.Tools.ShellTimeout)
	assert.True(t, cfg.Tools.RestrictToWorkspace)
	assert.Equal(t, "sk-test", cfg.Provider.APIKey)
	assert.Equal(t, "sqlite", cfg.Memory.Backend)
	assert.Equal(t, filepath.Join(dir, "ws"), cfg.Agent.Workspace)
	assert.Equal(t, filepath.Join(dir, "ws", "memory", "longterm.db"), cfg.Memory.Path)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SANTOSOBOT_CHANNELS_TELEGRAM_TOKEN=bot-token\n"), 0o600))
	t.Setenv("SANTOSOBOT_CHANNELS_TELEGRAM_TOKEN", "")
	os.Unsetenv("SANTOSOBOT_CHANNELS_TELEGRAM_TOKEN")

	cfg, err := Load(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, "bot-token", cfg.Channels.Telegram.Token)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Memory.Backend = "mysql"
	cfg.Bus.Driver = "kafka"
	cfg.Agent.MaxIterations = 0
	cfg.Channels.Telegram.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_iterations")
	assert.Contains(t, err.Error(), "memory.dsn")
	assert.Contains(t, err.Error(), "bus.driver")
	assert.Contains(t, err.Error(), "telegram.token")
}

func TestValidateMemoryWindowHoldsPromptAndUser(t *testing.T) {
	cfg := Default()
	cfg.Agent.MemoryWindow = 1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory_window")

	cfg.Agent.MemoryWindow = 2
	assert.NoError(t, cfg.Validate())
}

func TestWriteDefaultThenLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.toml")
	require.NoError(t, WriteDefault(path))
	assert.ErrorIs(t, WriteDefault(path), ErrConfigExists)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Agent.MaxIterations, cfg.Agent.MaxIterations)
	assert.Equal(t, Default().Gateway.ModelID, cfg.Gateway.ModelID)
}
