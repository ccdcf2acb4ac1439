package tenancy

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tablehouse-io/tablehouse/internal/config"
)

const (
	// DefaultConfigPath is the default location of the tenancy configuration file.
	DefaultConfigPath = ".tablehouse.yaml"

	// ConfigPathEnvVar overrides DefaultConfigPath.
	ConfigPathEnvVar = "TABLEHOUSE_TENANCY_CONFIG"
)

// Config holds tenancy settings loaded from .tablehouse.yaml.
type Config struct {
	// IdentityAliases maps an alternate address to the canonical identity whose
	// namespace it should share.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	IdentityAliases map[string]string `yaml:"identity_aliases"`
}

// LoadConfig reads the tenancy configuration at path.
//
// Aliases are optional. A missing, unreadable or invalid file yields an empty
// config and no error; problems other than a missing file are logged as warnings.
// Alias keys and values are normalized like identities.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{IdentityAliases: make(map[string]string)}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Tenancy config not found, continuing without aliases",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read tenancy config, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	var raw Config
	if err := yaml.Unmarshal(data, &raw); err != nil {
		slog.Warn("Failed to parse tenancy config, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	for alias, canonical := range raw.IdentityAliases {
		alias, canonical = NormalizeIdentity(alias), NormalizeIdentity(canonical)
		if alias == "" || canonical == "" || alias == canonical {
			continue
		}

		cfg.IdentityAliases[alias] = canonical
	}

	return cfg, nil
}

// LoadConfigFromEnv loads the file named by TABLEHOUSE_TENANCY_CONFIG,
// falling back to .tablehouse.yaml in the working directory.
func LoadConfigFromEnv() (*Config, error) {
	return LoadConfig(config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath))
}
