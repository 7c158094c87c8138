// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the records exchanged between the healer
// components: detected issues, fixes, execution results, and
// recommendations.
//
// Records are validated once, at the ingestion boundary (scanner output,
// AI output, catalog files), and treated as immutable afterwards. A fresh
// scan supersedes earlier issues; it never mutates them.
package datatypes

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Severity classifies how urgent a detected issue is.
//
// Severity is independent of the recommended action derived from it:
// a high-severity issue on an idle machine may still only warrant a
// scheduled fix.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// severityRank orders severities for sorting and ceiling checks.
// Lower rank means more urgent.
var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
}

// Rank returns the sort rank of the severity. Unknown severities sort
// after low.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return len(severityRank)
}

// AtMost reports whether s is no more severe than the ceiling.
func (s Severity) AtMost(ceiling Severity) bool {
	return s.Rank() >= ceiling.Rank()
}

// ParseSeverity normalizes a free-form severity string.
//
// Unknown values map to SeverityMedium, matching how scanner and AI
// output was treated by the original healer.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityMedium:
		return SeverityMedium
	case SeverityLow:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// SystemIssue is a single problem reported by a scanner.
//
// # Description
//
// Issues are immutable once created. Evidence carries the free-form
// diagnostic text that triggered the finding (e.g. "78.1% used" for a
// disk-space issue) so recommendations and audit entries can show the
// reader what was actually observed.
type SystemIssue struct {
	ID          string    `json:"id" yaml:"id" validate:"required"`
	Category    string    `json:"category" yaml:"category" validate:"required"`
	Severity    Severity  `json:"severity" yaml:"severity" validate:"required,oneof=critical high medium low"`
	Description string    `json:"description" yaml:"description" validate:"required"`
	DetectedAt  time.Time `json:"detected_at" yaml:"detected_at" validate:"required"`
	Evidence    string    `json:"evidence,omitempty" yaml:"evidence,omitempty"`

	// FixID optionally references a candidate fix for this issue,
	// typically a catalog entry keyed by category.
	FixID string `json:"fix_id,omitempty" yaml:"fix_id,omitempty"`
}

// CommandSpec is a program plus its argument list.
//
// Commands are never represented as raw shell strings: untrusted text is
// never interpolated into a shell invocation, which closes an injection
// path that a deny-list alone cannot cover.
type CommandSpec struct {
	Program string   `json:"program" yaml:"program" validate:"required"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Timeout overrides the configured per-command timeout when set.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// String renders the command for logs and display. The result is never
// passed to a shell.
func (c CommandSpec) String() string {
	if len(c.Args) == 0 {
		return c.Program
	}
	return c.Program + " " + strings.Join(c.Args, " ")
}

// Probe describes how to confirm a fix's intended effect.
//
// The probe is typically the same predicate that originally detected the
// issue. It must be idempotent and side-effect-free so verification can
// be re-run for diagnostics.
type Probe struct {
	Command CommandSpec `json:"command" yaml:"command" validate:"required"`

	// ExpectSubstring, when non-empty, must appear in the probe's
	// stdout for verification to pass. An empty value means a zero
	// exit code alone is sufficient.
	ExpectSubstring string `json:"expect_substring,omitempty" yaml:"expect_substring,omitempty"`

	// ExpectAbsent inverts ExpectSubstring: verification passes only
	// if the substring does NOT appear. Used for probes that reuse the
	// detection predicate (the symptom should be gone after the fix).
	ExpectAbsent bool `json:"expect_absent,omitempty" yaml:"expect_absent,omitempty"`

	// ExpectExit is the exit code the probe reports in the healthy
	// state. Some tools encode state in their exit code rather than
	// their output: "pacman -Qu" exits 1 once no updates remain. When
	// nonzero, any other exit code is a clean verification failure,
	// not a broken probe.
	ExpectExit int `json:"expect_exit,omitempty" yaml:"expect_exit,omitempty"`
}

// Fix is a validated, executable remediation for an issue.
//
// # Description
//
// A Fix comes either from the static YAML catalog or from an AI
// suggestion; both forms must satisfy this schema before entering the
// orchestrator. ScopePaths declares every resource the fix may touch:
// absolute filesystem paths, or logical scopes such as "pkg:linux-asahi"
// and "cache:pacman". Scopes drive both backup capture and execution
// serialization.
type Fix struct {
	ID          string        `json:"id" yaml:"id" validate:"required"`
	IssueID     string        `json:"issue_id" yaml:"issue_id" validate:"required"`
	Title       string        `json:"title,omitempty" yaml:"title,omitempty"`
	Commands    []CommandSpec `json:"commands" yaml:"commands" validate:"required,min=1,dive"`
	ScopePaths  []string      `json:"scope_paths" yaml:"scope_paths" validate:"required,min=1"`
	DependsOn   []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	RiskLevel   Severity      `json:"risk_level" yaml:"risk_level" validate:"required,oneof=critical high medium low"`
	Reversible  bool          `json:"reversible" yaml:"reversible"`
	Probe       *Probe        `json:"probe,omitempty" yaml:"probe,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
}

// FixStatus is a state in the per-fix state machine.
type FixStatus string

const (
	StatusPending    FixStatus = "pending"
	StatusValidating FixStatus = "validating"
	StatusBackingUp  FixStatus = "backing_up"
	StatusExecuting  FixStatus = "executing"
	StatusVerifying  FixStatus = "verifying"

	// Terminal states.
	StatusSucceeded  FixStatus = "succeeded"
	StatusFailed     FixStatus = "failed"
	StatusRolledBack FixStatus = "rolled_back"
	StatusSkipped    FixStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s FixStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRolledBack, StatusSkipped:
		return true
	}
	return false
}

// CommandResult records one command execution inside a fix.
type CommandResult struct {
	Command   string        `json:"command"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`
	Predicted bool          `json:"predicted,omitempty"`
}

// FixResult is the immutable outcome of one fix attempt.
//
// Results are appended to the audit stream and never mutated after
// creation. ExecStarted/ExecFinished bracket the EXECUTING phase only,
// so audit consumers can prove that fixes with intersecting scopes never
// ran concurrently.
type FixResult struct {
	FixID        string          `json:"fix_id"`
	IssueID      string          `json:"issue_id,omitempty"`
	Status       FixStatus       `json:"status"`
	Commands     []CommandResult `json:"commands,omitempty"`
	BackupID     string          `json:"backup_id,omitempty"`
	DryRun       bool            `json:"dry_run,omitempty"`
	Error        string          `json:"error,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	ExecStarted  time.Time       `json:"exec_started,omitempty"`
	ExecFinished time.Time       `json:"exec_finished,omitempty"`
}

// Priority classifies a recommendation's urgency.
type Priority = Severity

// RecommendedAction is the timing guidance attached to a recommendation.
type RecommendedAction string

const (
	ActionImmediate RecommendedAction = "immediate"
	ActionSoon      RecommendedAction = "soon"
	ActionScheduled RecommendedAction = "scheduled"
	ActionOptional  RecommendedAction = "optional"
)

// Recommendation is derived advice for one issue.
//
// Recommendations are recomputed from the current issue set each run;
// they are never persisted as source of truth. AINotes carries
// supplementary explanation from an external AI suggestion; it never
// changes the rule-based priority or ordering.
type Recommendation struct {
	IssueID            string            `json:"issue_id"`
	Priority           Priority          `json:"priority"`
	Action             RecommendedAction `json:"recommended_action"`
	Reasons            []string          `json:"reasons"`
	ScheduleSuggestion string            `json:"schedule_suggestion,omitempty"`
	EstimatedTime      string            `json:"estimated_time,omitempty"`
	AINotes            string            `json:"ai_notes,omitempty"`
}

// BatchSummary aggregates the results of one orchestrator run.
type BatchSummary struct {
	BatchID    string       `json:"batch_id"`
	Succeeded  int          `json:"succeeded"`
	Failed     int          `json:"failed"`
	RolledBack int          `json:"rolled_back"`
	Skipped    int          `json:"skipped"`
	DryRun     bool         `json:"dry_run,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Results    []*FixResult `json:"results"`
}

// validate is the shared validator instance. validator.New is expensive;
// the instance is safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateIssue checks a scanner-produced issue at the ingestion boundary.
func ValidateIssue(issue *SystemIssue) error {
	if err := validate.Struct(issue); err != nil {
		return fmt.Errorf("invalid issue %q: %w", issue.ID, err)
	}
	return nil
}

// ValidateFix checks a fix record at the ingestion boundary.
//
// Both catalog fixes and normalized AI suggestions go through this exact
// check before the orchestrator will accept them.
func ValidateFix(fix *Fix) error {
	if err := validate.Struct(fix); err != nil {
		return fmt.Errorf("invalid fix %q: %w", fix.ID, err)
	}
	for _, dep := range fix.DependsOn {
		if dep == fix.ID {
			return fmt.Errorf("invalid fix %q: depends on itself", fix.ID)
		}
	}
	return nil
}
