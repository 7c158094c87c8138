// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
)

// Error taxonomy for the repair pipeline.
//
// ValidationError and BackupError occur before any mutation; they abort
// the fix and require no recovery beyond reporting. ExecutionError and
// VerificationError occur during or after the mutation phase and trigger
// an automatic rollback attempt when a backup exists and the fix is
// reversible. RollbackError is the only class treated as fatal to the
// enclosing batch: an incomplete rollback can leave inconsistent state
// that must not be silently retried.

// ValidationError reports a command blocked by the safety validator.
type ValidationError struct {
	FixID   string
	Command string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("fix %s: command blocked: %s (%s)", e.FixID, e.Command, e.Reason)
}

// BackupError reports a snapshot that could not be committed.
type BackupError struct {
	FixID string
	Err   error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("fix %s: backup failed: %v", e.FixID, e.Err)
}

func (e *BackupError) Unwrap() error { return e.Err }

// ExecutionError reports a nonzero exit or timeout during the mutation
// phase. Transient marks failures worth retrying (repository network
// timeouts, package-database lock contention).
type ExecutionError struct {
	FixID     string
	Command   string
	ExitCode  int
	Transient bool
	TimedOut  bool
	Err       error
}

func (e *ExecutionError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("fix %s: command timed out: %s", e.FixID, e.Command)
	case e.Err != nil:
		return fmt.Sprintf("fix %s: command failed: %s: %v", e.FixID, e.Command, e.Err)
	default:
		return fmt.Sprintf("fix %s: command exited %d: %s", e.FixID, e.ExitCode, e.Command)
	}
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// VerificationError reports commands that exited zero but whose intended
// effect could not be confirmed.
type VerificationError struct {
	FixID  string
	Detail string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("fix %s: verification failed: %s", e.FixID, e.Detail)
}

// RollbackError reports a restoration that failed fully or partially.
// Failures lists the per-path errors; a partially failed rollback is
// surfaced as such, never treated as success.
type RollbackError struct {
	FixID      string
	ManifestID string
	Failures   []string
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("fix %s: rollback of manifest %s failed for %d path(s)",
		e.FixID, e.ManifestID, len(e.Failures))
}

// IsBatchFatal reports whether err must abort the enclosing batch.
func IsBatchFatal(err error) bool {
	var re *RollbackError
	return errors.As(err, &re)
}
