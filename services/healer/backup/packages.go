// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// PackageTool captures and restores installed-package state.
//
// Package state cannot be restored by file copy: rolling back a package
// operation means issuing explicit inverse operations against the
// package manager. Implementations must be safe for concurrent use;
// the executor's scope locks already serialize fixes that share the
// package database, but Query may be called for disjoint packages in
// parallel.
type PackageTool interface {
	// Query returns the installed version of a package, or
	// installed=false if it is not present.
	Query(ctx context.Context, name string) (version string, installed bool, err error)

	// Restore brings the package back to the recorded pre-fix state:
	// reinstall at the given version if it was installed, remove it if
	// it was not.
	Restore(ctx context.Context, name, version string, installed bool) error
}

// queryTimeout bounds the pacman database read; it should be quick.
const queryTimeout = 15 * time.Second

// PacmanTool implements PackageTool against pacman, the package manager
// of Asahi's Arch-based reference distribution.
type PacmanTool struct{}

// Query runs "pacman -Q <name>".
func (PacmanTool) Query(ctx context.Context, name string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "pacman", "-Q", name).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			// pacman -Q exits 1 for "package not found".
			return "", false, nil
		}
		return "", false, fmt.Errorf("pacman -Q %s: %w", name, err)
	}

	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) != 2 {
		return "", false, fmt.Errorf("unexpected pacman -Q output for %s: %q", name, string(out))
	}
	return fields[1], true, nil
}

// Restore reinstalls or removes a package to match the recorded state.
//
// Reinstallation prefers the exact versioned archive from the package
// cache; if the cache no longer has it, the current repository version
// is installed and the mismatch is reported as an error so the caller
// surfaces a partial rollback rather than a silent substitution.
func (PacmanTool) Restore(ctx context.Context, name, version string, installed bool) error {
	if !installed {
		out, err := exec.CommandContext(ctx, "pacman", "-R", "--noconfirm", name).CombinedOutput()
		if err != nil {
			if strings.Contains(string(out), "target not found") {
				return nil // already absent
			}
			return fmt.Errorf("pacman -R %s: %w: %s", name, err, firstLine(out))
		}
		return nil
	}

	archive := fmt.Sprintf("/var/cache/pacman/pkg/%s-%s-*.pkg.tar.zst", name, version)
	matches, _ := filepath.Glob(archive)
	if len(matches) > 0 {
		out, err := exec.CommandContext(ctx, "pacman", "-U", "--noconfirm", matches[0]).CombinedOutput()
		if err != nil {
			return fmt.Errorf("pacman -U %s: %w: %s", matches[0], err, firstLine(out))
		}
		return nil
	}

	out, err := exec.CommandContext(ctx, "pacman", "-S", "--noconfirm", name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pacman -S %s: %w: %s", name, err, firstLine(out))
	}
	current, ok, err := PacmanTool{}.Query(ctx, name)
	if err != nil || !ok {
		return fmt.Errorf("reinstalled %s but could not confirm version", name)
	}
	if current != version {
		return fmt.Errorf("reinstalled %s at %s, not the recorded %s (cache archive missing)",
			name, current, version)
	}
	return nil
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
