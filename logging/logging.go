// Package logging sets up slog backends writing to the data directory and
// hands out per-subsystem loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/decred/slog"
)

// LogBackend owns the log file and creates subsystem loggers.
type LogBackend struct {
	backend *slog.Backend
	file    *os.File
	level   slog.Level
}

// NewLogBackend opens (appending) the log file under dir and parses the
// debug level.
func NewLogBackend(dir, levelStr string) (*LogBackend, error) {
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "logs", "gun.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	level, ok := slog.LevelFromString(levelStr)
	if !ok {
		f.Close()
		return nil, fmt.Errorf("unknown log level %q", levelStr)
	}
	return &LogBackend{
		backend: slog.NewBackend(io.MultiWriter(f, os.Stderr)),
		file:    f,
		level:   level,
	}, nil
}

// Logger returns a logger for a subsystem tag.
func (b *LogBackend) Logger(subsystem string) slog.Logger {
	log := b.backend.Logger(subsystem)
	log.SetLevel(b.level)
	return log
}

// Close flushes and closes the log file.
func (b *LogBackend) Close() error {
	return b.file.Close()
}
