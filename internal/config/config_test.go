package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "api_key: test-key\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:8080/", cfg.APIUrl)
	require.Equal(t, "normal", cfg.BouncingLevel)
	require.Equal(t, "file", cfg.CacheBackend)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeTempConfig(t, "api_key: test-key\napi_url: http://lapi:8080/\nbouncing_level: flex\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://lapi:8080/", cfg.APIUrl)
	require.Equal(t, "flex", cfg.BouncingLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "path", cfgErr.Field)
}

func TestValidateRequiresCredential(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "api_key", cfgErr.Field)
}

func TestValidateRejectsUnknownBouncingLevel(t *testing.T) {
	cfg := Defaults()
	cfg.APIKey = "test-key"
	cfg.BouncingLevel = "bogus"

	err := cfg.Validate()
	require.Error(t, err)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "bouncing_level", cfgErr.Field)
}

func TestValidateRequiresDSNForNonFileBackend(t *testing.T) {
	cfg := Defaults()
	cfg.APIKey = "test-key"
	cfg.CacheBackend = "redis"

	err := cfg.Validate()
	require.Error(t, err)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "cache_dsn", cfgErr.Field)
}

func TestIsStreamingEnabledDefaultsTrue(t *testing.T) {
	cfg := Defaults()
	require.True(t, cfg.IsStreamingEnabled())

	disabled := false
	cfg.EnableStreaming = &disabled
	require.False(t, cfg.IsStreamingEnabled())
}

func TestShouldFailHardDefaultsFalse(t *testing.T) {
	cfg := Defaults()
	require.False(t, cfg.ShouldFailHard())

	enabled := true
	cfg.EnableHardFails = &enabled
	require.True(t, cfg.ShouldFailHard())
}
