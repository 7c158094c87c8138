// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the safety policy when the file changes on disk.
//
// # Description
//
// The deny/allow lists are update-managed configuration, not an
// in-process mutation API: edits land in the policy file, and the
// watcher swaps the parsed document into the validator atomically. A
// file that fails to parse is logged and ignored; the previous policy
// stays active, because running without a deny-list is worse than
// running with a stale one.
type Watcher struct {
	path      string
	validator *Validator
	watcher   *fsnotify.Watcher
	logger    *slog.Logger
}

// NewWatcher creates a watcher for the policy file at path.
func NewWatcher(path string, validator *Validator, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating policy watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files by
	// rename, which drops a watch on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching policy directory: %w", err)
	}
	return &Watcher{
		path:      path,
		validator: validator,
		watcher:   fw,
		logger:    logger.With("component", "safety.Watcher"),
	}, nil
}

// Run processes file events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	policy, err := LoadPolicy(w.path)
	if err != nil {
		w.logger.Warn("ignoring unparseable safety policy update",
			"path", w.path,
			"error", err)
		return
	}
	old := w.validator.PolicyVersion()
	w.validator.SetPolicy(policy)
	w.logger.Info("safety policy reloaded",
		"path", w.path,
		"old_version", old,
		"new_version", policy.Version)
}
