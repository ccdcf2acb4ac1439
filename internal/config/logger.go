package config

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultLogFileMaxSizeMB  = 100
	defaultLogFileMaxBackups = 5
	defaultLogFileMaxAgeDays = 14
)

// NewLogger builds the JSON slog logger every Tablehouse component uses.
//
// Logs always go to stdout. When TABLEHOUSE_LOG_FILE is set, they are also written to a
// size-rotated file (TABLEHOUSE_LOG_FILE_MAX_SIZE_MB, TABLEHOUSE_LOG_FILE_MAX_BACKUPS,
// TABLEHOUSE_LOG_FILE_MAX_AGE_DAYS).
func NewLogger(level slog.Level) *slog.Logger {
	return NewLoggerWithOutput(os.Stdout, level)
}

// NewLoggerWithOutput is NewLogger writing to out instead of stdout. The ingest runner
// uses it with os.Stderr because its stdout carries the result frame.
func NewLoggerWithOutput(out io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(logWriter(out), &slog.HandlerOptions{Level: level}))
}

// NewLoggerFromEnv is NewLogger with the level read from LOG_LEVEL (default info).
func NewLoggerFromEnv() *slog.Logger {
	return NewLogger(GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo))
}

func logWriter(out io.Writer) io.Writer {
	path := GetEnvStr("TABLEHOUSE_LOG_FILE", "")
	if path == "" {
		return out
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    GetEnvInt("TABLEHOUSE_LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSizeMB),
		MaxBackups: GetEnvInt("TABLEHOUSE_LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups),
		MaxAge:     GetEnvInt("TABLEHOUSE_LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAgeDays),
		Compress:   true,
	}

	return io.MultiWriter(out, rotator)
}
