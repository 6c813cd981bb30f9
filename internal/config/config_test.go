package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutEnvFile(t *testing.T) {
	t.Setenv("PROSPER_BACKEND", "")
	cfg, err := Load(nil, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, BackendOpenAI, cfg.Backend)
	assert.Equal(t, "call", cfg.Variant)
	assert.Equal(t, "en-GB", cfg.Language)
	assert.Equal(t, "en-GB-Chirp3-HD-Sulafat", cfg.VoiceID)
}

func TestLoad_EnvFileAndFlags(t *testing.T) {
	env := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(env, []byte("PROSPER_BACKEND=anthropic\nANTHROPIC_API_KEY=sk-test\n"), 0o600))
	t.Setenv("PROSPER_BACKEND", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	// godotenv does not override variables already set, so unset them.
	require.NoError(t, os.Unsetenv("PROSPER_BACKEND"))
	require.NoError(t, os.Unsetenv("ANTHROPIC_API_KEY"))

	cfg, err := Load([]string{"-variant", "text", "-debug"}, env)
	require.NoError(t, err)

	assert.Equal(t, BackendAnthropic, cfg.Backend)
	assert.Equal(t, "sk-test", cfg.AnthropicKey)
	assert.Equal(t, "text", cfg.Variant)
	assert.True(t, cfg.Debug)
}

func TestLoad_UnknownBackend(t *testing.T) {
	_, err := Load([]string{"-backend", "bard"}, filepath.Join(t.TempDir(), "missing.env"))
	require.ErrorIs(t, err, ErrUnknownBackend)
}

func TestWithBackend_ClearsModelOverride(t *testing.T) {
	cfg := Default()
	cfg.Model = "gpt-4o"

	assert.Equal(t, "gpt-4o", cfg.ModelFor(BackendOpenAI))
	assert.Empty(t, cfg.ModelFor(BackendOllama))

	switched, err := cfg.WithBackend(BackendOllama)
	require.NoError(t, err)
	assert.Equal(t, BackendOllama, switched.Backend)
	assert.Empty(t, switched.Model)

	_, err = cfg.WithBackend("bard")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}
