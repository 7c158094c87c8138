// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify confirms that a fix achieved its intended effect.
//
// Verification runs a fix's declared probe, a read-only command paired
// with an expected-output predicate. Probes must be idempotent: running
// one twice observes the same system state and yields the same verdict.
// A fix without a probe is considered verified once its commands exit
// cleanly.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

// Runner executes a probe command. Satisfied by executor.ExecRunner.
type Runner interface {
	Run(ctx context.Context, spec datatypes.CommandSpec) (datatypes.CommandResult, error)
}

// Engine evaluates fix probes.
//
// # Thread Safety
//
// Safe for concurrent use; the engine holds no mutable state.
type Engine struct {
	runner Runner
	logger *slog.Logger
}

// NewEngine creates a verification engine backed by the given runner.
func NewEngine(runner Runner, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		runner: runner,
		logger: logger.With("component", "verify.Engine"),
	}
}

// Verify runs the fix's probe and evaluates its predicate.
//
// # Outputs
//
//   - passed: Whether the probe's predicate held.
//   - detail: Human-readable explanation when passed is false.
//   - err: Probe spawn failure, or an unexpected nonzero exit from a
//     probe that declares zero as healthy; the caller cannot
//     distinguish "fix ineffective" from "probe broken" in that case,
//     so it is surfaced as an error rather than a clean verdict.
//     Probes with a nonzero ExpectExit get a failed verdict instead.
func (e *Engine) Verify(ctx context.Context, fix *datatypes.Fix) (bool, string, error) {
	if fix.Probe == nil {
		return true, "", nil
	}
	probe := fix.Probe

	result, err := e.runner.Run(ctx, probe.Command)
	if err != nil {
		return false, "", fmt.Errorf("probe spawn failed: %w", err)
	}
	if result.TimedOut {
		return false, "", fmt.Errorf("probe timed out after %s", result.Duration)
	}
	if result.ExitCode != probe.ExpectExit {
		if probe.ExpectExit != 0 {
			// The probe encodes state in its exit code; a mismatch is
			// the symptom persisting, not a broken probe.
			detail := fmt.Sprintf("probe exited %d, want %d", result.ExitCode, probe.ExpectExit)
			e.logger.Warn("verification failed", "fix_id", fix.ID, "detail", detail)
			return false, detail, nil
		}
		return false, "", fmt.Errorf("probe exited %d: %s", result.ExitCode, firstLine(result.Stderr))
	}

	if probe.ExpectSubstring != "" {
		found := strings.Contains(result.Stdout, probe.ExpectSubstring)
		if probe.ExpectAbsent && found {
			detail := fmt.Sprintf("probe output still contains %q", probe.ExpectSubstring)
			e.logger.Warn("verification failed", "fix_id", fix.ID, "detail", detail)
			return false, detail, nil
		}
		if !probe.ExpectAbsent && !found {
			detail := fmt.Sprintf("probe output missing %q", probe.ExpectSubstring)
			e.logger.Warn("verification failed", "fix_id", fix.ID, "detail", detail)
			return false, detail, nil
		}
	}

	e.logger.Debug("verification passed", "fix_id", fix.ID)
	return true, "", nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
