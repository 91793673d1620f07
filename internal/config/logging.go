package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFileName is the per-command log file, e.g. logs/acme_redirects.log.
func LogFileName(dir, org, command string) string {
	org = strings.TrimPrefix(org, "sandbox.")
	if org == "" {
		org = "arcaudit"
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s.log", org, strings.ReplaceAll(command, " ", "_")))
}

// SetupLogger creates a dual-output logger: text to stderr, JSON appended to logFile.
// The returned cleanup closes the file.
func SetupLogger(logFile string, level slog.Level) (*slog.Logger, func() error) {
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		l := slog.New(stderrHandler)
		l.Error("Failed to create log directory, using stderr only.", "error", err, "file", logFile)
		return l, func() error { return nil }
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l := slog.New(stderrHandler)
		l.Error("Failed to open log file, using stderr only.", "error", err, "file", logFile)
		return l, func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler)), file.Close
}

// SetupLoggerWithWriters creates the same fanout over arbitrary writers.
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
}
