// Package api provides the HTTP server of Tablehouse: spreadsheet uploads, job status
// and the tenant's table log, behind API key authentication.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tablehouse-io/tablehouse/internal/config"
)

const (
	defaultPort          int    = 8080
	maxPort              int    = 65535
	defaultHost          string = "0.0.0.0"
	defaultCORSMaxAge    int    = 86400
	defaultTimeout              = 30 * time.Second
	defaultUploadTimeout        = 5 * time.Minute
	defaultLogLevel             = slog.LevelInfo
	defaultMaxUploadSize int64  = 100 << 20 // 100 MiB per request
	defaultMaxFiles      int    = 20
	defaultStagingDir    string = "/var/lib/tablehouse/staging"
)

var (
	// ErrInvalidPort indicates the port number is outside valid range (1-65535).
	ErrInvalidPort = errors.New("invalid port")

	// ErrEmptyHost indicates the server host address is empty.
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrInvalidTimeout indicates a read, write or shutdown timeout is not positive.
	ErrInvalidTimeout = errors.New("timeout must be positive")

	// ErrInvalidMaxUploadSize indicates the upload size limit is zero or negative.
	ErrInvalidMaxUploadSize = errors.New("max upload size must be positive")

	// ErrInvalidMaxFiles indicates the per-upload file limit is zero or negative.
	ErrInvalidMaxFiles = errors.New("max files per upload must be positive")

	// ErrEmptyStagingDir indicates no staging directory is configured.
	ErrEmptyStagingDir = errors.New("staging directory cannot be empty")
)

type (
	// ServerConfig holds HTTP server configuration. No runtime dependencies.
	ServerConfig struct {
		Port            int
		Host            string
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		ShutdownTimeout time.Duration
		LogLevel        slog.Level

		// MaxUploadSize caps the body of one upload request in bytes.
		MaxUploadSize int64
		MaxFiles      int
		// StagingDir receives uploaded files under <StagingDir>/<jobID>/. Workers must
		// see the same path.
		StagingDir string

		CORSAllowedOrigins []string
		CORSAllowedMethods []string
		CORSAllowedHeaders []string
		CORSMaxAge         int
	}

	// CORSConfig implements middleware.CORSPolicy.
	CORSConfig struct {
		AllowedOrigins []string
		AllowedMethods []string
		AllowedHeaders []string
		MaxAge         int
	}
)

// LoadServerConfig loads server configuration from environment variables with defaults.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            config.GetEnvInt("TABLEHOUSE_SERVER_PORT", defaultPort),
		Host:            config.GetEnvStr("TABLEHOUSE_SERVER_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("TABLEHOUSE_SERVER_READ_TIMEOUT", defaultUploadTimeout),
		WriteTimeout:    config.GetEnvDuration("TABLEHOUSE_SERVER_WRITE_TIMEOUT", defaultTimeout),
		ShutdownTimeout: config.GetEnvDuration("TABLEHOUSE_SERVER_SHUTDOWN_TIMEOUT", defaultTimeout),
		LogLevel:        config.GetEnvLogLevel("LOG_LEVEL", defaultLogLevel),
		MaxUploadSize:   config.GetEnvInt64("TABLEHOUSE_MAX_UPLOAD_SIZE", defaultMaxUploadSize),
		MaxFiles:        config.GetEnvInt("TABLEHOUSE_MAX_FILES", defaultMaxFiles),
		StagingDir:      config.GetEnvStr("TABLEHOUSE_STAGING_DIR", defaultStagingDir),
		CORSAllowedOrigins: config.ParseCommaSeparatedList(
			config.GetEnvStr("TABLEHOUSE_CORS_ALLOWED_ORIGINS", "*"),
		),
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("TABLEHOUSE_CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"),
		),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr(
				"TABLEHOUSE_CORS_ALLOWED_HEADERS",
				"Content-Type,Authorization,X-Correlation-ID,X-API-Key",
			),
		),
		CORSMaxAge: config.GetEnvInt("TABLEHOUSE_CORS_MAX_AGE", defaultCORSMaxAge),
	}
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCORSConfig extracts the CORS policy.
func (c *ServerConfig) ToCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// GetAllowedOrigins returns the allowed origins for CORS.
func (c *CORSConfig) GetAllowedOrigins() []string {
	return c.AllowedOrigins
}

// GetAllowedMethods returns the allowed methods for CORS.
func (c *CORSConfig) GetAllowedMethods() []string {
	return c.AllowedMethods
}

// GetAllowedHeaders returns the allowed headers for CORS.
func (c *CORSConfig) GetAllowedHeaders() []string {
	return c.AllowedHeaders
}

// GetMaxAge returns the max age for CORS preflight cache.
func (c *CORSConfig) GetMaxAge() int {
	return c.MaxAge
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > maxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	for name, d := range map[string]time.Duration{
		"read":     c.ReadTimeout,
		"write":    c.WriteTimeout,
		"shutdown": c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s timeout %v", ErrInvalidTimeout, name, d)
		}
	}

	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxUploadSize, c.MaxUploadSize)
	}

	if c.MaxFiles <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxFiles, c.MaxFiles)
	}

	if c.StagingDir == "" {
		return ErrEmptyStagingDir
	}

	return nil
}
