package ingestion

import (
	"errors"
	"fmt"

	"github.com/tablehouse-io/tablehouse/internal/config"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid ingestion configuration")

// Config holds ingestion tuning.
type Config struct {
	// PreviewRows is the number of rows logged per sheet at debug level.
	PreviewRows int

	// InferSampleRows is the number of rows column types are inferred from.
	InferSampleRows int
}

// LoadConfig reads TABLEHOUSE_PREVIEW_ROWS and TABLEHOUSE_INFER_SAMPLE_ROWS.
func LoadConfig() *Config {
	return &Config{
		PreviewRows:     config.GetEnvInt("TABLEHOUSE_PREVIEW_ROWS", 5), //nolint:mnd
		InferSampleRows: config.GetEnvInt("TABLEHOUSE_INFER_SAMPLE_ROWS", DefaultInferSampleRows),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.PreviewRows < 0 {
		return fmt.Errorf("%w: preview rows must be >= 0, got %d", ErrInvalidConfig, c.PreviewRows)
	}

	if c.InferSampleRows < 1 {
		return fmt.Errorf("%w: infer sample rows must be >= 1, got %d", ErrInvalidConfig, c.InferSampleRows)
	}

	return nil
}
