// Package logging builds the process-wide slog logger from config.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mama165/sdk-go/logs"
)

// New returns a logger at the given level. Format "json" writes JSON lines
// to w; anything else uses the shared text logger.
func New(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(format) {
	case "json":
		if w == nil {
			w = os.Stdout
		}
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	case "", "text":
		return logs.GetLoggerFromLevel(lvl), nil
	}
	return nil, fmt.Errorf("logging: unknown format %q", format)
}

// Setup builds the logger, installs it as the slog default (which also
// routes the standard log package through it) and tags it with service.
func Setup(service, level, format string) (*slog.Logger, error) {
	logger, err := New(level, format, os.Stdout)
	if err != nil {
		return nil, err
	}
	logger = logger.With("service", service)
	slog.SetDefault(logger)
	return logger, nil
}

// ParseLevel accepts debug, info, warn/warning and error in any case.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
}
