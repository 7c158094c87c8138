// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

// Runner executes a single command and reports its outcome.
//
// The returned error is reserved for spawn-level failures (program not
// found, fork failure); a nonzero exit or timeout is a normal outcome
// carried in the CommandResult. The verification engine shares this
// abstraction, which is also what makes dry-run previews possible.
type Runner interface {
	Run(ctx context.Context, spec datatypes.CommandSpec) (datatypes.CommandResult, error)
}

// DefaultMaxOutput caps captured output per stream. Bounded capture
// keeps a chatty pacman transcript from growing without limit in
// memory and in the audit log.
const DefaultMaxOutput = 64 * 1024

// ExecRunner runs commands as real subprocesses.
//
// The subprocess environment is built once from an explicit allow-list
// of variable names; the parent environment is never inherited
// wholesale.
type ExecRunner struct {
	defaultTimeout time.Duration
	env            []string
	maxOutput      int
	logger         *slog.Logger
}

// NewExecRunner creates a subprocess runner.
//
// # Inputs
//
//   - defaultTimeout: Applied to commands without their own Timeout.
//   - envAllowlist: Names of environment variables to pass through.
//   - logger: Destination for per-command logs. Nil uses slog.Default().
func NewExecRunner(defaultTimeout time.Duration, envAllowlist []string, logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	env := make([]string, 0, len(envAllowlist))
	for _, name := range envAllowlist {
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	return &ExecRunner{
		defaultTimeout: defaultTimeout,
		env:            env,
		maxOutput:      DefaultMaxOutput,
		logger:         logger.With("component", "executor.ExecRunner"),
	}
}

// Run executes the command with a hard deadline and bounded output
// capture.
func (r *ExecRunner) Run(ctx context.Context, spec datatypes.CommandSpec) (datatypes.CommandResult, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newBoundedBuffer(r.maxOutput)
	stderr := newBoundedBuffer(r.maxOutput)

	cmd := exec.CommandContext(runCtx, spec.Program, spec.Args...)
	cmd.Env = r.env
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	result := datatypes.CommandResult{
		Command:   spec.String(),
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  time.Since(start),
		Attempts:  1,
	}

	switch {
	case err == nil:
		result.ExitCode = 0

	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitCode = -1
		r.logger.Warn("command timed out",
			"command", spec.String(),
			"timeout", timeout)

	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// Spawn failure: the command never ran.
			result.ExitCode = -1
			return result, err
		}
	}

	r.logger.Debug("command finished",
		"command", spec.String(),
		"exit_code", result.ExitCode,
		"duration", result.Duration)
	return result, nil
}

// DryRunner predicts command outcomes without touching the system.
// Every prediction succeeds; dry-run mode never produces execution
// errors, only predicted results.
type DryRunner struct{}

func (DryRunner) Run(_ context.Context, spec datatypes.CommandSpec) (datatypes.CommandResult, error) {
	return datatypes.CommandResult{
		Command:   spec.String(),
		ExitCode:  0,
		Stdout:    "dry-run: would execute: " + spec.String(),
		Attempts:  1,
		Predicted: true,
	}, nil
}

// boundedBuffer keeps at most max bytes and records whether anything
// was dropped.
type boundedBuffer struct {
	b         strings.Builder
	max       int
	truncated bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - b.b.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.b.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.b.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string   { return b.b.String() }
func (b *boundedBuffer) Truncated() bool  { return b.truncated }
