// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor runs validated fixes under bounded concurrency.
//
// Each fix moves through an explicit state machine:
//
//	PENDING → VALIDATING → BACKING_UP → EXECUTING → VERIFYING
//	        → SUCCEEDED | FAILED | ROLLED_BACK
//
// Batches are dependency-ordered; independent fixes run in parallel up
// to the configured worker limit, and fixes with intersecting scope
// paths are serialized by the scope table regardless of their declared
// dependencies. Retry with exponential backoff is confined to the
// EXECUTING state and a bounded counter.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jasonpit/asahi-health-manager/services/healer/backup"
	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
	"github.com/jasonpit/asahi-health-manager/services/healer/safety"
)

// Validator gatekeeps commands. Implemented by safety.Validator.
type Validator interface {
	Validate(cmd datatypes.CommandSpec, risk datatypes.Severity) safety.Decision
}

// BackupStore snapshots and restores fix scopes. Implemented by
// backup.Manager.
type BackupStore interface {
	Create(ctx context.Context, fix *datatypes.Fix) (*backup.Manifest, error)
	Rollback(ctx context.Context, manifestID string) (*backup.RollbackResult, error)
	RecordOutcome(manifestID string, status datatypes.FixStatus) error
}

// Verifier confirms a fix's intended effect. Implemented by
// verify.Engine.
type Verifier interface {
	Verify(ctx context.Context, fix *datatypes.Fix) (passed bool, detail string, err error)
}

// Options configures an Executor. The value is copied at construction;
// nothing mutates it afterwards.
type Options struct {
	MaxConcurrency int
	MaxRetries     int

	// CreateBackups opts the mutation phase into snapshot-first
	// execution. Turning it off is the caller's explicit opt-out from
	// the no-mutation-without-manifest invariant.
	CreateBackups bool

	// DryRun produces the full state transition sequence and a
	// predicted result without backing up or executing anything.
	DryRun bool

	// OnResult, when set, receives every terminal FixResult as it is
	// produced. The orchestrator uses it to feed the audit stream.
	OnResult func(*datatypes.FixResult)
}

// Executor applies fixes.
//
// # Thread Safety
//
// Safe for concurrent use; a single Executor may run multiple batches,
// and the shared scope table keeps their fixes serialized correctly.
type Executor struct {
	validator Validator
	backups   BackupStore
	verifier  Verifier
	runner    Runner
	opts      Options
	locks     *ScopeTable
	sem       *semaphore.Weighted
	logger    *slog.Logger
}

// New creates an executor.
func New(validator Validator, backups BackupStore, verifier Verifier, runner Runner, opts Options, logger *slog.Logger) (*Executor, error) {
	if validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if opts.CreateBackups && backups == nil {
		return nil, fmt.Errorf("backup store is required when backups are enabled")
	}
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		validator: validator,
		backups:   backups,
		verifier:  verifier,
		runner:    runner,
		opts:      opts,
		locks:     NewScopeTable(),
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		logger:    logger.With("component", "executor.Executor"),
	}, nil
}

// Apply runs a single fix through the full state machine, holding its
// scope locks for the duration.
func (e *Executor) Apply(ctx context.Context, fix *datatypes.Fix) (*datatypes.FixResult, error) {
	if err := e.locks.Acquire(ctx, fix.ID, fix.ScopePaths); err != nil {
		return e.skipResult(fix, "cancelled before scope lock"), nil
	}
	defer e.locks.Release(fix.ID)
	return e.apply(ctx, fix)
}

// ApplyBatch runs a batch of fixes respecting the dependency graph.
//
// # Description
//
// The batch is rejected outright — nothing runs — if it contains a
// dependency cycle, a duplicate ID, or a reference to a fix outside the
// batch. Otherwise a ready queue of fixes whose dependencies have
// succeeded is drained by up to MaxConcurrency workers. A dependent of
// a fix that did not succeed is reported as skipped, never failed.
// Cancellation stops scheduling; in-flight fixes finish their current
// command, and already-succeeded fixes are not rolled back. A rollback
// failure aborts scheduling of the rest of the batch.
func (e *Executor) ApplyBatch(ctx context.Context, fixes []*datatypes.Fix) ([]*datatypes.FixResult, error) {
	graph, err := newBatchGraph(fixes)
	if err != nil {
		return nil, err
	}

	type workerDone struct {
		id     string
		result *datatypes.FixResult
		err    error
	}

	results := make(map[string]*datatypes.FixResult, len(fixes))
	started := make(map[string]bool, len(fixes))
	doneCh := make(chan workerDone)
	inflight := 0
	aborted := false

	finish := func(id string, result *datatypes.FixResult) {
		results[id] = result
		e.emit(result)
	}

	depsSucceeded := func(fix *datatypes.Fix) bool {
		for _, dep := range fix.DependsOn {
			r, ok := results[dep]
			if !ok || r.Status != datatypes.StatusSucceeded {
				return false
			}
		}
		return true
	}

	for len(results) < len(fixes) {
		// Propagate skips: a fix whose dependency reached any terminal
		// state other than SUCCEEDED will never become ready.
		for progressed := true; progressed; {
			progressed = false
			for _, id := range graph.order {
				if results[id] != nil || started[id] {
					continue
				}
				fix := graph.fixes[id]
				for _, dep := range fix.DependsOn {
					if r := results[dep]; r != nil && r.Status != datatypes.StatusSucceeded {
						finish(id, e.skipResult(fix,
							fmt.Sprintf("dependency %s %s", dep, r.Status)))
						progressed = true
						break
					}
				}
			}
		}
		if len(results) == len(fixes) {
			break
		}

		stopping := aborted || ctx.Err() != nil
		if stopping {
			reason := "batch cancelled"
			if aborted {
				reason = "batch aborted after rollback failure"
			}
			for _, id := range graph.order {
				if results[id] == nil && !started[id] {
					finish(id, e.skipResult(graph.fixes[id], reason))
				}
			}
			if inflight == 0 {
				break
			}
		} else {
			for _, id := range graph.order {
				if started[id] || results[id] != nil || !depsSucceeded(graph.fixes[id]) {
					continue
				}
				if !e.sem.TryAcquire(1) {
					break
				}
				started[id] = true
				inflight++
				go func(fix *datatypes.Fix) {
					defer e.sem.Release(1)
					if err := e.locks.Acquire(ctx, fix.ID, fix.ScopePaths); err != nil {
						doneCh <- workerDone{fix.ID, e.skipResult(fix, "cancelled before scope lock"), nil}
						return
					}
					defer e.locks.Release(fix.ID)
					result, err := e.apply(ctx, fix)
					doneCh <- workerDone{fix.ID, result, err}
				}(graph.fixes[id])
			}
		}

		if inflight > 0 {
			d := <-doneCh
			inflight--
			finish(d.id, d.result)
			if d.err != nil && datatypes.IsBatchFatal(d.err) {
				e.logger.Error("rollback failure aborts batch", "fix_id", d.id, "error", d.err)
				aborted = true
			}
		} else if !stopping {
			// Nothing ready, nothing running, batch not finished:
			// unreachable with a validated acyclic graph.
			for _, id := range graph.order {
				if results[id] == nil {
					finish(id, e.skipResult(graph.fixes[id], "unschedulable"))
				}
			}
		}
	}

	ordered := make([]*datatypes.FixResult, 0, len(fixes))
	for _, id := range graph.order {
		ordered = append(ordered, results[id])
	}
	return ordered, nil
}

// apply drives one fix through the state machine. The returned error is
// non-nil only for rollback failures, which the batch loop treats as
// fatal.
func (e *Executor) apply(ctx context.Context, fix *datatypes.Fix) (*datatypes.FixResult, error) {
	result := &datatypes.FixResult{
		FixID:     fix.ID,
		IssueID:   fix.IssueID,
		Status:    datatypes.StatusPending,
		DryRun:    e.opts.DryRun,
		StartedAt: time.Now().UTC(),
	}
	addActive(ctx, 1)
	defer func() {
		result.FinishedAt = time.Now().UTC()
		addActive(ctx, -1)
		recordFix(ctx, string(result.Status), result.FinishedAt.Sub(result.StartedAt))
	}()

	// VALIDATING. Every command, including the verification probe, is
	// checked before anything else happens.
	e.transition(result, fix, datatypes.StatusValidating)
	if verr := e.validateFix(fix); verr != nil {
		result.Status = datatypes.StatusFailed
		result.Error = verr.Error()
		result.Reason = "blocked by safety validator"
		return result, nil
	}

	// BACKING_UP.
	var manifest *backup.Manifest
	e.transition(result, fix, datatypes.StatusBackingUp)
	if e.opts.CreateBackups && !e.opts.DryRun {
		m, err := e.backups.Create(ctx, fix)
		if err != nil {
			result.Status = datatypes.StatusFailed
			result.Error = err.Error()
			result.Reason = "backup could not be committed"
			return result, nil
		}
		manifest = m
		result.BackupID = m.ID
	}

	// EXECUTING.
	e.transition(result, fix, datatypes.StatusExecuting)
	result.ExecStarted = time.Now().UTC()
	execErr := e.executeCommands(ctx, fix, result)
	result.ExecFinished = time.Now().UTC()
	if execErr != nil {
		return e.failWith(ctx, fix, result, manifest, execErr)
	}

	// VERIFYING.
	e.transition(result, fix, datatypes.StatusVerifying)
	if fix.Probe != nil && e.verifier != nil && !e.opts.DryRun {
		passed, detail, err := e.verifier.Verify(ctx, fix)
		if err != nil {
			return e.failWith(ctx, fix, result, manifest,
				&datatypes.VerificationError{FixID: fix.ID, Detail: err.Error()})
		}
		if !passed {
			return e.failWith(ctx, fix, result, manifest,
				&datatypes.VerificationError{FixID: fix.ID, Detail: detail})
		}
	}

	result.Status = datatypes.StatusSucceeded
	if e.opts.DryRun {
		result.Reason = "dry-run: predicted outcome, no changes applied"
	}
	if manifest != nil {
		e.recordOutcome(manifest.ID, datatypes.StatusSucceeded)
	}
	e.logger.Info("fix succeeded", "fix_id", fix.ID, "dry_run", e.opts.DryRun)
	return result, nil
}

// validateFix runs every command through the safety validator. The
// first blocked command rejects the fix; a rejected command never
// reaches execution.
func (e *Executor) validateFix(fix *datatypes.Fix) error {
	commands := fix.Commands
	if fix.Probe != nil {
		commands = append(commands[:len(commands):len(commands)], fix.Probe.Command)
	}
	for _, cmd := range commands {
		decision := e.validator.Validate(cmd, fix.RiskLevel)
		if !decision.Allowed {
			e.logger.Warn("command blocked",
				"fix_id", fix.ID,
				"command", cmd.String(),
				"reason", decision.Reason,
				"policy_version", decision.PolicyVersion)
			return &datatypes.ValidationError{
				FixID:   fix.ID,
				Command: cmd.String(),
				Reason:  decision.Reason,
			}
		}
	}
	return nil
}

// executeCommands runs the fix's commands in order, retrying transient
// failures with exponential backoff.
//
// Command execution deliberately detaches from batch cancellation: an
// in-flight command is allowed to finish rather than being hard-killed
// mid-mutation. Cancellation is honored between commands.
func (e *Executor) executeCommands(ctx context.Context, fix *datatypes.Fix, result *datatypes.FixResult) error {
	runner := e.runner
	if e.opts.DryRun {
		runner = DryRunner{}
	}
	runCtx := context.WithoutCancel(ctx)

	for _, cmd := range fix.Commands {
		if err := ctx.Err(); err != nil && !e.opts.DryRun {
			return &datatypes.ExecutionError{FixID: fix.ID, Command: cmd.String(), Err: err}
		}

		var cmdResult datatypes.CommandResult
		for attempt := 0; ; attempt++ {
			r, err := runner.Run(runCtx, cmd)
			r.Attempts = attempt + 1
			cmdResult = r
			if err != nil {
				result.Commands = append(result.Commands, cmdResult)
				return &datatypes.ExecutionError{FixID: fix.ID, Command: cmd.String(), ExitCode: r.ExitCode, Err: err}
			}
			if r.ExitCode == 0 || !isTransient(r) || attempt >= e.opts.MaxRetries {
				break
			}
			recordRetry(ctx)
			e.logger.Warn("transient failure, retrying",
				"fix_id", fix.ID,
				"command", cmd.String(),
				"attempt", attempt+1,
				"exit_code", r.ExitCode)
			if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
				break
			}
		}
		result.Commands = append(result.Commands, cmdResult)

		if cmdResult.TimedOut {
			return &datatypes.ExecutionError{FixID: fix.ID, Command: cmd.String(), ExitCode: cmdResult.ExitCode, TimedOut: true}
		}
		if cmdResult.ExitCode != 0 {
			return &datatypes.ExecutionError{
				FixID:     fix.ID,
				Command:   cmd.String(),
				ExitCode:  cmdResult.ExitCode,
				Transient: isTransient(cmdResult),
			}
		}
	}
	return nil
}

// failWith resolves a mutation-phase failure: automatic rollback when a
// backup exists and the fix is reversible, plain failure otherwise.
func (e *Executor) failWith(ctx context.Context, fix *datatypes.Fix, result *datatypes.FixResult, manifest *backup.Manifest, cause error) (*datatypes.FixResult, error) {
	result.Error = cause.Error()

	if manifest == nil || !fix.Reversible {
		result.Status = datatypes.StatusFailed
		if manifest == nil {
			result.Reason = "no backup available for rollback"
		} else {
			result.Reason = "fix is not reversible; manual intervention required"
			e.recordOutcome(manifest.ID, datatypes.StatusFailed)
		}
		e.logger.Error("fix failed", "fix_id", fix.ID, "error", cause)
		return result, nil
	}

	// Rollback runs detached from cancellation: once restoration has
	// started it must be allowed to complete.
	rollbackCtx := context.WithoutCancel(ctx)
	rb, err := e.backups.Rollback(rollbackCtx, manifest.ID)
	if err != nil {
		recordRollback(ctx, false)
		result.Status = datatypes.StatusFailed
		result.Reason = "rollback failed: " + err.Error()
		e.recordOutcome(manifest.ID, datatypes.StatusFailed)
		rbErr := &datatypes.RollbackError{FixID: fix.ID, ManifestID: manifest.ID, Failures: []string{err.Error()}}
		e.logger.Error("rollback failed", "fix_id", fix.ID, "manifest_id", manifest.ID, "error", err)
		return result, rbErr
	}
	if failures := rb.Failed(); len(failures) > 0 {
		recordRollback(ctx, false)
		result.Status = datatypes.StatusFailed
		result.Reason = fmt.Sprintf("rollback partially failed (%d of %d paths)", len(failures), len(rb.Entries))
		e.recordOutcome(manifest.ID, datatypes.StatusFailed)
		rbErr := &datatypes.RollbackError{FixID: fix.ID, ManifestID: manifest.ID, Failures: failures}
		e.logger.Error("rollback partially failed",
			"fix_id", fix.ID,
			"manifest_id", manifest.ID,
			"failed_paths", len(failures))
		return result, rbErr
	}

	recordRollback(ctx, true)
	result.Status = datatypes.StatusRolledBack
	result.Reason = "restored pre-fix state after failure"
	e.recordOutcome(manifest.ID, datatypes.StatusRolledBack)
	e.logger.Warn("fix rolled back", "fix_id", fix.ID, "manifest_id", manifest.ID, "cause", cause.Error())
	return result, nil
}

func (e *Executor) transition(result *datatypes.FixResult, fix *datatypes.Fix, status datatypes.FixStatus) {
	result.Status = status
	e.logger.Debug("fix state", "fix_id", fix.ID, "status", status)
}

func (e *Executor) skipResult(fix *datatypes.Fix, reason string) *datatypes.FixResult {
	now := time.Now().UTC()
	return &datatypes.FixResult{
		FixID:      fix.ID,
		IssueID:    fix.IssueID,
		Status:     datatypes.StatusSkipped,
		Reason:     reason,
		DryRun:     e.opts.DryRun,
		StartedAt:  now,
		FinishedAt: now,
	}
}

func (e *Executor) recordOutcome(manifestID string, status datatypes.FixStatus) {
	if err := e.backups.RecordOutcome(manifestID, status); err != nil {
		e.logger.Warn("failed to record backup outcome",
			"manifest_id", manifestID,
			"status", status,
			"error", err)
	}
}

func (e *Executor) emit(result *datatypes.FixResult) {
	if e.opts.OnResult != nil {
		e.opts.OnResult(result)
	}
}
