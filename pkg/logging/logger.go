// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging builds the healer's structured loggers.
//
// Output follows Unix CLI conventions: human-readable text on stderr by
// default, with an optional daily JSON log file for later inspection of
// what the healer observed and changed. File logs are always JSON;
// they exist to be grepped and parsed, not read live.
//
// # Basic Usage
//
//	log, err := logging.New(logging.Options{
//	    Level:   "info",
//	    Dir:     "~/.asahi-healer/logs",
//	    Service: "healer",
//	})
//	if err != nil { ... }
//	defer log.Close()
//	log.Info("scan started", "scanners", 4)
//
// # Thread Safety
//
// The returned Logger is safe for concurrent use; slog handlers
// serialize their own writes.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Options configures logger construction. The zero value logs Info and
// above to stderr as text.
type Options struct {
	// Level is one of "debug", "info", "warn", "error". Unknown values
	// fall back to info.
	Level string

	// Dir enables file logging when non-empty. The file is named
	// "{Service}_{YYYY-MM-DD}.log" and always JSON-formatted. Supports
	// a leading ~ for the home directory.
	Dir string

	// Service is attached to every record as the "service" attribute.
	Service string

	// JSON switches the stderr stream to JSON as well, for running
	// under a log collector.
	JSON bool

	// Quiet drops the stderr stream entirely; useful for timer units
	// where only the file log matters.
	Quiet bool
}

// Logger is a *slog.Logger plus ownership of the backing log file.
type Logger struct {
	*slog.Logger
	file *os.File
}

// New builds a logger per the options.
//
// A file that cannot be opened degrades to stderr-only logging with an
// error return so the caller can decide whether that is fatal.
func New(opts Options) (*Logger, error) {
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}

	var handlers []slog.Handler
	if !opts.Quiet {
		if opts.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, handlerOpts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, handlerOpts))
		}
	}

	logger := &Logger{}
	var fileErr error
	if opts.Dir != "" {
		dir := expandPath(opts.Dir)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			fileErr = fmt.Errorf("failed to create log directory: %w", err)
		} else {
			service := opts.Service
			if service == "" {
				service = "healer"
			}
			name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
			f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
			if err != nil {
				fileErr = fmt.Errorf("failed to open log file: %w", err)
			} else {
				logger.file = f
				handlers = append(handlers, slog.NewJSONHandler(f, handlerOpts))
			}
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if opts.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", opts.Service)})
	}

	logger.Logger = slog.New(handler)
	return logger, fileErr
}

// Close syncs and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	return l.file.Close()
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// multiHandler fans one record out to several handlers, so stderr can
// stay human-readable while the file stays JSON.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
