package tenancy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tablehouse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := writeConfig(t, `
identity_aliases:
  Alice.Work@Corp.com: alice@example.com
  same@example.com: SAME@example.com
`)

	cfg, err := LoadConfig(path)

	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice.work@corp.com": "alice@example.com"}, cfg.IdentityAliases)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg, err := LoadConfig("/nonexistent/path/tablehouse.yaml")

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.IdentityAliases)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg, err := LoadConfig(writeConfig(t, "identity_aliases: [broken\n"))

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.IdentityAliases)
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg, err := LoadConfig(writeConfig(t, ""))

	require.NoError(t, err)
	assert.NotNil(t, cfg.IdentityAliases)
}

func TestLoadConfigFromEnv(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := writeConfig(t, "identity_aliases:\n  b@x.com: a@x.com\n")
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := LoadConfigFromEnv()

	require.NoError(t, err)
	assert.Equal(t, "a@x.com", cfg.IdentityAliases["b@x.com"])
}
