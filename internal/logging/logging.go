// Package logging builds the daemon's slog tree: one root logger configured
// once at boot, child loggers tagged per component (node, radio, peers,
// persistence, bus).
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"meshsync/internal/config"
)

// Manager holds the configured root logger and the optional log file.
type Manager struct {
	root *slog.Logger
	file *os.File
}

// Setup configures logging from the daemon config. Output always goes to
// stdout; with LogToFile set it additionally appends to filePath, and the
// file is the authoritative sink: a broken stdout must not lose records of
// what the device did on the mesh.
func Setup(cfg config.LoggingConfig, filePath string) (*Manager, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	m := &Manager{}
	writer := io.Writer(os.Stdout)
	if cfg.LogToFile {
		cleanPath := filepath.Clean(filePath)
		// #nosec G304 -- path comes from the daemon's own config.
		file, err := os.OpenFile(cleanPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		m.file = file
		writer = teeWriter{primary: file, secondary: os.Stdout}
	}

	m.root = slog.New(slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(m.root)
	return m, nil
}

// Logger returns a child logger tagged with the component name.
func (m *Manager) Logger(component string) *slog.Logger {
	return m.root.With("component", component)
}

func (m *Manager) Close() error {
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

func parseLevel(raw string) (slog.Leveler, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return nil, fmt.Errorf("unsupported log level: %q", raw)
	}
}

// teeWriter duplicates records to a best-effort secondary sink. Only the
// primary's result counts; secondary failures are swallowed.
type teeWriter struct {
	primary   io.Writer
	secondary io.Writer
}

func (w teeWriter) Write(p []byte) (int, error) {
	if w.secondary != nil {
		_, _ = w.secondary.Write(p)
	}
	return w.primary.Write(p)
}
