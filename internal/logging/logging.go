// Package logging wires the process-wide slog logger: colored output on stdout
// and a plain text copy in a log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/cardsync/internal/utils"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// File receives a copy of every record. Empty disables the file output.
	File string
	// Stdout defaults to os.Stdout.
	Stdout io.Writer
}

// ParseLevel maps a config string to a slog level, falling back to info.
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

// Setup installs the default logger. The returned closer flushes the log file.
func Setup(opts Options) (io.Closer, error) {
	level := ParseLevel(opts.Level)

	stdout := opts.Stdout
	noColor := true
	if stdout == nil {
		stdout = os.Stdout
		noColor = !isatty.IsTerminal(os.Stdout.Fd())
	}

	handlers := []slog.Handler{
		tint.NewHandler(stdout, &tint.Options{
			Level:      level,
			TimeFormat: timeFormat,
			NoColor:    noColor,
		}),
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := utils.EnsureParent(opts.File); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewTextHandler(file, &slog.HandlerOptions{Level: level}))
		closer = file
	}

	slog.SetDefault(slog.New(NewFanoutHandler(handlers...)))
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
