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
	"strings"
	"testing"
	"time"

	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

func TestExecRunner(t *testing.T) {
	runner := NewExecRunner(5*time.Second, []string{"PATH"}, nil)
	ctx := context.Background()

	t.Run("captures stdout and exit code", func(t *testing.T) {
		result, err := runner.Run(ctx, datatypes.CommandSpec{
			Program: "sh", Args: []string{"-c", "echo hello; exit 0"},
		})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if result.ExitCode != 0 {
			t.Errorf("expected exit 0, got %d", result.ExitCode)
		}
		if strings.TrimSpace(result.Stdout) != "hello" {
			t.Errorf("expected stdout 'hello', got %q", result.Stdout)
		}
		if result.TimedOut {
			t.Error("unexpected timeout")
		}
	})

	t.Run("nonzero exit is a result, not an error", func(t *testing.T) {
		result, err := runner.Run(ctx, datatypes.CommandSpec{
			Program: "sh", Args: []string{"-c", "echo oops >&2; exit 3"},
		})
		if err != nil {
			t.Fatalf("nonzero exit must not be a spawn error: %v", err)
		}
		if result.ExitCode != 3 {
			t.Errorf("expected exit 3, got %d", result.ExitCode)
		}
		if !strings.Contains(result.Stderr, "oops") {
			t.Errorf("expected stderr captured, got %q", result.Stderr)
		}
	})

	t.Run("missing program is a spawn error", func(t *testing.T) {
		_, err := runner.Run(ctx, datatypes.CommandSpec{Program: "definitely-not-a-real-binary"})
		if err == nil {
			t.Fatal("expected spawn error")
		}
	})

	t.Run("per-command timeout overrides default", func(t *testing.T) {
		start := time.Now()
		result, err := runner.Run(ctx, datatypes.CommandSpec{
			Program: "sleep", Args: []string{"5"},
			Timeout: 100 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if !result.TimedOut {
			t.Error("expected TimedOut to be set")
		}
		if elapsed := time.Since(start); elapsed > 3*time.Second {
			t.Errorf("timeout did not cut execution short, took %s", elapsed)
		}
	})

	t.Run("output is truncated at the cap", func(t *testing.T) {
		result, err := runner.Run(ctx, datatypes.CommandSpec{
			Program: "sh", Args: []string{"-c", "head -c 200000 /dev/zero | tr '\\0' 'x'"},
		})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if !result.Truncated {
			t.Error("expected truncation to be flagged")
		}
		if len(result.Stdout) > DefaultMaxOutput {
			t.Errorf("stdout exceeds cap: %d bytes", len(result.Stdout))
		}
	})

	t.Run("environment is restricted to the allowlist", func(t *testing.T) {
		t.Setenv("HEALER_TEST_SECRET", "do-not-leak")
		restricted := NewExecRunner(5*time.Second, []string{"PATH"}, nil)
		result, err := restricted.Run(ctx, datatypes.CommandSpec{
			Program: "sh", Args: []string{"-c", "env"},
		})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if strings.Contains(result.Stdout, "HEALER_TEST_SECRET") {
			t.Error("parent environment must not leak into fix subprocesses")
		}
	})
}

func TestDryRunner(t *testing.T) {
	result, err := DryRunner{}.Run(context.Background(), datatypes.CommandSpec{
		Program: "pacman", Args: []string{"-Syu"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Predicted {
		t.Error("dry-run result must be marked predicted")
	}
	if result.ExitCode != 0 {
		t.Errorf("predictions succeed, got exit %d", result.ExitCode)
	}
	if !strings.Contains(result.Stdout, "pacman -Syu") {
		t.Errorf("prediction should echo the command, got %q", result.Stdout)
	}
}

func TestBoundedBuffer(t *testing.T) {
	buf := newBoundedBuffer(8)
	n, err := buf.Write([]byte("0123456789"))
	if err != nil || n != 10 {
		t.Fatalf("Write = (%d, %v), want (10, nil)", n, err)
	}
	if buf.String() != "01234567" {
		t.Errorf("expected capped content, got %q", buf.String())
	}
	if !buf.Truncated() {
		t.Error("expected truncation flag")
	}
	// Further writes are swallowed but reported as written.
	if n, _ := buf.Write([]byte("abc")); n != 3 {
		t.Errorf("short-circuit write returned %d", n)
	}
}
