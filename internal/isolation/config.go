package isolation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tablehouse-io/tablehouse/internal/config"
)

const (
	defaultRunnerPath  = "tablehouse-ingest-runner"
	defaultFileTimeout = 300 * time.Second
	defaultWaitDelay   = 5 * time.Second
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid isolation config")

// defaultPassEnv lists the variables a runner inherits. Everything else, including
// API secrets, stays in the parent.
var defaultPassEnv = []string{
	"DATABASE_URL",
	"PATH",
	"HOME",
	"LOG_LEVEL",
	"TZ",
	"TABLEHOUSE_PREVIEW_ROWS",
	"TABLEHOUSE_INFER_SAMPLE_ROWS",
}

// Config controls how runner processes are started.
type Config struct {
	RunnerPath  string
	FileTimeout time.Duration
	// WaitDelay bounds how long Run waits for output pipes after the runner is killed.
	WaitDelay time.Duration
	// PassEnv names the environment variables copied into the runner.
	PassEnv []string
}

// LoadConfig reads TABLEHOUSE_RUNNER_PATH, TABLEHOUSE_FILE_TIMEOUT,
// TABLEHOUSE_RUNNER_WAIT_DELAY and TABLEHOUSE_RUNNER_PASS_ENV (extra variable names,
// comma separated).
func LoadConfig() Config {
	passEnv := append([]string(nil), defaultPassEnv...)
	passEnv = append(passEnv, config.ParseCommaSeparatedList(config.GetEnvStr("TABLEHOUSE_RUNNER_PASS_ENV", ""))...)

	return Config{
		RunnerPath:  config.GetEnvStr("TABLEHOUSE_RUNNER_PATH", defaultRunnerPath),
		FileTimeout: config.GetEnvDuration("TABLEHOUSE_FILE_TIMEOUT", defaultFileTimeout),
		WaitDelay:   config.GetEnvDuration("TABLEHOUSE_RUNNER_WAIT_DELAY", defaultWaitDelay),
		PassEnv:     passEnv,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.RunnerPath) == "" {
		return fmt.Errorf("%w: runner path is empty", ErrInvalidConfig)
	}

	if c.FileTimeout <= 0 {
		return fmt.Errorf("%w: file timeout must be positive, got %s", ErrInvalidConfig, c.FileTimeout)
	}

	if c.WaitDelay < 0 {
		return fmt.Errorf("%w: wait delay cannot be negative", ErrInvalidConfig)
	}

	return nil
}
