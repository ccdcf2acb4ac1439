// Package isolation runs each file ingestion in a separate OS process so that a
// crash, leak or hang in spreadsheet parsing cannot take the worker down with it.
//
// The runner (cmd/ingest-runner) receives the namespace, file path and identity as
// flags and reports exactly one jobs.FileResult on stdout using the frame format in
// frame.go. Its stderr is kept for diagnostics.
package isolation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tablehouse-io/tablehouse/internal/jobs"
)

// stderrTailSize is how much of a failed runner's stderr ends up in FileResult.Error.
const stderrTailSize = 2048

// maxStdoutSize is the most runner stdout kept: one maximal frame plus a byte, so
// oversized output is still detected as malformed.
const maxStdoutSize = frameHeaderSize + MaxFrameSize + 1

// Request identifies one file to ingest into one tenant's namespace.
type Request struct {
	Namespace string
	File      string
	Identity  string
}

// ProcessExecutor starts one runner process per Request.
type ProcessExecutor struct {
	cfg         Config
	logger      *slog.Logger
	stdoutLimit int
}

// NewProcessExecutor validates cfg and returns an executor.
func NewProcessExecutor(cfg Config, logger *slog.Logger) (*ProcessExecutor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &ProcessExecutor{cfg: cfg, logger: logger, stdoutLimit: maxStdoutSize}, nil
}

// FileTimeout is the wall-clock limit applied to each runner.
func (e *ProcessExecutor) FileTimeout() time.Duration {
	return e.cfg.FileTimeout
}

// Run ingests req.File in a fresh runner process and returns its result. It never
// returns an error: start failures, timeouts, crashes and bad output all become a
// failed FileResult.
func (e *ProcessExecutor) Run(ctx context.Context, req Request) jobs.FileResult {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.FileTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.cfg.RunnerPath, //nolint:gosec // path comes from operator config
		"-namespace", req.Namespace,
		"-file", req.File,
		"-identity", req.Identity,
	)
	cmd.Env = e.environ()
	cmd.WaitDelay = e.cfg.WaitDelay

	var (
		stdout = &headBuffer{limit: e.stdoutLimit}
		stderr = &tailBuffer{limit: stderrTailSize}
	)

	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	logger := e.logger.With(
		slog.String("namespace", req.Namespace),
		slog.String("file", filepath.Base(req.File)),
		slog.Duration("duration", elapsed),
	)

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		logger.Warn("Runner timed out", slog.Duration("timeout", e.cfg.FileTimeout))

		return jobs.FailedResult(req.File, fmt.Sprintf("timed out after %s", e.cfg.FileTimeout))

	case ctx.Err() != nil:
		logger.Warn("Runner cancelled", slog.String("error", ctx.Err().Error()))

		return jobs.FailedResult(req.File, "cancelled: "+ctx.Err().Error())

	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := fmt.Sprintf("runner exited with code %d", exitErr.ExitCode())
			if tail := strings.TrimSpace(stderr.String()); tail != "" {
				msg += ": " + tail
			}

			logger.Warn("Runner failed", slog.Int("exit_code", exitErr.ExitCode()))

			return jobs.FailedResult(req.File, msg)
		}

		logger.Error("Failed to start runner", slog.String("error", err.Error()))

		return jobs.FailedResult(req.File, "failed to start runner: "+err.Error())
	}

	if stdout.overflow {
		logger.Warn("Runner output exceeded limit", slog.Int("limit", e.stdoutLimit))

		return jobs.FailedResult(req.File,
			fmt.Sprintf("malformed runner output: %v: more than %d bytes", ErrMalformedFrame, e.stdoutLimit))
	}

	result, err := ReadResult(bytes.NewReader(stdout.buf))
	if err != nil {
		logger.Warn("Runner produced malformed output", slog.String("error", err.Error()))

		return jobs.FailedResult(req.File, "malformed runner output: "+err.Error())
	}

	if result.File == "" {
		result.File = filepath.Base(req.File)
	}

	if result.TablesCreated == nil {
		result.TablesCreated = []string{}
	}

	logger.Debug("Runner finished",
		slog.Bool("success", result.Success),
		slog.Int64("rows", result.TotalRows))

	return result
}

func (e *ProcessExecutor) environ() []string {
	env := make([]string, 0, len(e.cfg.PassEnv))

	for _, name := range e.cfg.PassEnv {
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}

	return env
}

// headBuffer keeps the first limit bytes written to it and drops the rest. Writes
// never fail, so a chatty runner is not killed by a broken pipe.
type headBuffer struct {
	limit    int
	buf      []byte
	overflow bool
}

func (b *headBuffer) Write(p []byte) (int, error) {
	if room := b.limit - len(b.buf); room < len(p) {
		b.buf = append(b.buf, p[:max(room, 0)]...)
		b.overflow = true

		return len(p), nil
	}

	b.buf = append(b.buf, p...)

	return len(p), nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}

	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
