// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	console "github.com/phsym/console-slog"

	"github.com/ffutop/modbus-controller/internal/config"
)

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// newHandler builds the handler for format: text (default), json or console.
func newHandler(out io.Writer, format string, level slog.Level) slog.Handler {
	switch format {
	case "json":
		return slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					a.Key = "ts"
				}
				return a
			},
		})
	case "console":
		return console.NewHandler(out, &console.HandlerOptions{
			AddSource: level == slog.LevelDebug,
			Level:     level,
		})
	default:
		return slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}
}

// setupLogger installs the default logger and returns a func releasing the
// log file.
func setupLogger(cfg config.LogConfig) func() {
	level := parseLevel(cfg.Level)

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
		} else {
			out = f
			closeFn = func() { f.Close() }
		}
	}
	slog.SetDefault(slog.New(newHandler(out, cfg.Format, level)))
	return closeFn
}
