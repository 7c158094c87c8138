// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator wires the healer's components into the
// scan/recommend/fix workflows the CLI exposes.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jasonpit/asahi-health-manager/services/healer/ai"
	"github.com/jasonpit/asahi-health-manager/services/healer/audit"
	"github.com/jasonpit/asahi-health-manager/services/healer/backup"
	"github.com/jasonpit/asahi-health-manager/services/healer/catalog"
	"github.com/jasonpit/asahi-health-manager/services/healer/config"
	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
	"github.com/jasonpit/asahi-health-manager/services/healer/executor"
	"github.com/jasonpit/asahi-health-manager/services/healer/recommend"
	"github.com/jasonpit/asahi-health-manager/services/healer/safety"
	"github.com/jasonpit/asahi-health-manager/services/healer/scanner"
	"github.com/jasonpit/asahi-health-manager/services/healer/verify"
)

// Orchestrator owns the component graph for one process.
//
// # Thread Safety
//
// Safe for concurrent use. Batches run through per-call executors that
// share nothing but the backup store and audit sink, both of which are
// concurrency-safe.
type Orchestrator struct {
	cfg       config.Config
	validator *safety.Validator
	backups   *backup.Manager
	runner    *executor.ExecRunner
	verifier  *verify.Engine
	scanners  *scanner.Suite
	recomm    *recommend.Engine
	catalog   *catalog.Catalog
	suggester *ai.Suggester
	sink      audit.Sink
	logger    *slog.Logger

	watcherCancel context.CancelFunc
}

// New builds the full component graph from configuration.
func New(cfg config.Config, sink audit.Sink, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.NopSink{}
	}

	policy, err := safety.LoadPolicy(cfg.Safety.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("loading safety policy: %w", err)
	}
	validator := safety.NewValidator(policy)

	backups, err := backup.NewManager(backup.Config{
		Dir:      cfg.Fix.BackupDir,
		Aliases:  cfg.ScopeAliases,
		Packages: backup.PacmanTool{},
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating backup manager: %w", err)
	}

	runner := executor.NewExecRunner(cfg.Fix.CommandTimeout, cfg.Fix.EnvAllowlist, logger)

	cat, err := catalog.Load(cfg.Fix.CatalogPath, logger)
	if err != nil {
		return nil, fmt.Errorf("loading fix catalog: %w", err)
	}

	o := &Orchestrator{
		cfg:       cfg,
		validator: validator,
		backups:   backups,
		runner:    runner,
		verifier:  verify.NewEngine(runner, logger),
		scanners:  scanner.NewSuite(cfg.Scan, runner, logger),
		recomm:    recommend.NewEngine(logger),
		catalog:   cat,
		sink:      sink,
		logger:    logger.With("component", "orchestrator.Orchestrator"),
	}

	if cfg.AI.Enabled {
		s, err := ai.NewSuggester(cfg.AI, logger)
		if err != nil {
			return nil, fmt.Errorf("creating AI suggester: %w", err)
		}
		o.suggester = s
	}

	if cfg.Safety.WatchPolicy {
		watcher, err := safety.NewWatcher(cfg.Safety.PolicyPath, validator, logger)
		if err != nil {
			// Hot reload is a convenience; the loaded policy still
			// applies.
			o.logger.Warn("policy watching disabled", "error", err)
		} else {
			wctx, cancel := context.WithCancel(context.Background())
			o.watcherCancel = cancel
			go watcher.Run(wctx)
		}
	}
	return o, nil
}

// Close stops background work and flushes the audit stream.
func (o *Orchestrator) Close() error {
	if o.watcherCancel != nil {
		o.watcherCancel()
	}
	return o.sink.Close()
}

// Scan runs all configured scanners against the host.
func (o *Orchestrator) Scan(ctx context.Context) []*datatypes.SystemIssue {
	return o.scanners.Scan(ctx)
}

// Recommend classifies issues into prioritized advice. When AI is
// enabled, suggestion explanations are attached as notes; an AI failure
// degrades to rule-only output.
func (o *Orchestrator) Recommend(ctx context.Context, issues []*datatypes.SystemIssue, rctx recommend.Context) ([]*datatypes.Recommendation, []*datatypes.Fix) {
	recs := o.recomm.Classify(issues, rctx)

	var aiFixes []*datatypes.Fix
	if o.suggester != nil {
		fixes, notes, err := o.suggester.Suggest(ctx, issues)
		if err != nil {
			o.logger.Warn("AI suggestions unavailable", "error", err)
		} else {
			o.recomm.Attach(recs, notes)
			aiFixes = fixes
		}
	}
	return recs, aiFixes
}

// PlanFixes resolves catalog fixes for the given issues. Issues without
// a catalog entry are skipped silently; the recommendation output
// already tells the user what needs manual attention.
func (o *Orchestrator) PlanFixes(issues []*datatypes.SystemIssue) []*datatypes.Fix {
	var fixes []*datatypes.Fix
	for _, issue := range issues {
		fix, err := o.catalog.Resolve(issue)
		if err != nil {
			o.logger.Warn("catalog resolution failed", "issue_id", issue.ID, "error", err)
			continue
		}
		if fix != nil {
			fixes = append(fixes, fix)
		}
	}
	return fixes
}

// HostContext probes the environmental signals that modulate
// recommendations: a pending kernel reboot and battery power.
func (o *Orchestrator) HostContext(ctx context.Context) recommend.Context {
	return recommend.NewHostDetector(o.runner, o.logger).Detect(ctx)
}

// MergeFixes appends AI-suggested fixes for issues the catalog leaves
// uncovered. A catalog fix always wins: a suggestion for an issue that
// already has a planned fix is dropped. Suggested fixes still pass
// through the same safety validation and risk ceiling as any other.
func MergeFixes(planned, suggested []*datatypes.Fix) []*datatypes.Fix {
	covered := make(map[string]bool, len(planned))
	for _, fix := range planned {
		covered[fix.IssueID] = true
	}
	merged := planned
	for _, fix := range suggested {
		if covered[fix.IssueID] {
			continue
		}
		covered[fix.IssueID] = true
		merged = append(merged, fix)
	}
	return merged
}

// RunOptions adjusts one fix run.
type RunOptions struct {
	// DryRun previews the batch without mutating anything.
	DryRun bool

	// Approved lifts the auto-fix risk ceiling: the user explicitly
	// confirmed the batch, so high-risk fixes may run.
	Approved bool

	// MaxConcurrency overrides the configured worker count when > 0.
	MaxConcurrency int
}

// RunFixes executes a batch of fixes and records every outcome in the
// audit stream.
//
// # Description
//
// Fixes whose risk level exceeds the configured auto-fix ceiling are
// reported as skipped unless the run is Approved. The remaining fixes
// go through the executor's full state machine; results come back in
// batch order and are aggregated into a summary that is itself audited.
func (o *Orchestrator) RunFixes(ctx context.Context, fixes []*datatypes.Fix, opts RunOptions) (*datatypes.BatchSummary, error) {
	batchID := uuid.New().String()
	started := time.Now().UTC()

	ceiling := datatypes.ParseSeverity(o.cfg.Fix.AutoFixSeverityLimit)
	var runnable []*datatypes.Fix
	var withheld []*datatypes.FixResult
	for _, fix := range fixes {
		if !opts.Approved && !fix.RiskLevel.AtMost(ceiling) {
			now := time.Now().UTC()
			withheld = append(withheld, &datatypes.FixResult{
				FixID:      fix.ID,
				IssueID:    fix.IssueID,
				Status:     datatypes.StatusSkipped,
				Reason:     fmt.Sprintf("risk level %s exceeds auto-fix limit %s; re-run with approval", fix.RiskLevel, ceiling),
				DryRun:     opts.DryRun,
				StartedAt:  now,
				FinishedAt: now,
			})
			continue
		}
		runnable = append(runnable, fix)
	}

	concurrency := o.cfg.Fix.MaxConcurrency
	if opts.MaxConcurrency > 0 {
		concurrency = opts.MaxConcurrency
	}

	exec, err := executor.New(o.validator, o.backups, o.verifier, o.runner, executor.Options{
		MaxConcurrency: concurrency,
		MaxRetries:     o.cfg.Fix.MaxRetries,
		CreateBackups:  o.cfg.Fix.CreateBackups,
		DryRun:         opts.DryRun,
		OnResult: func(result *datatypes.FixResult) {
			if err := o.sink.Record(audit.Entry{
				Kind:    audit.KindFixResult,
				BatchID: batchID,
				Result:  result,
			}); err != nil {
				o.logger.Warn("failed to audit fix result", "fix_id", result.FixID, "error", err)
			}
		},
	}, o.logger)
	if err != nil {
		return nil, err
	}

	results, err := exec.ApplyBatch(ctx, runnable)
	if err != nil {
		return nil, fmt.Errorf("batch %s rejected: %w", batchID, err)
	}
	for _, result := range withheld {
		if err := o.sink.Record(audit.Entry{Kind: audit.KindFixResult, BatchID: batchID, Result: result}); err != nil {
			o.logger.Warn("failed to audit fix result", "fix_id", result.FixID, "error", err)
		}
	}
	results = append(results, withheld...)

	summary := &datatypes.BatchSummary{
		BatchID:    batchID,
		DryRun:     opts.DryRun,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Results:    results,
	}
	for _, r := range results {
		switch r.Status {
		case datatypes.StatusSucceeded:
			summary.Succeeded++
		case datatypes.StatusFailed:
			summary.Failed++
		case datatypes.StatusRolledBack:
			summary.RolledBack++
		case datatypes.StatusSkipped:
			summary.Skipped++
		}
	}
	if err := o.sink.Record(audit.Entry{Kind: audit.KindBatchSummary, BatchID: batchID, Summary: summary}); err != nil {
		o.logger.Warn("failed to audit batch summary", "batch_id", batchID, "error", err)
	}

	o.logger.Info("batch finished",
		"batch_id", batchID,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"rolled_back", summary.RolledBack,
		"skipped", summary.Skipped,
		"dry_run", opts.DryRun)
	return summary, nil
}

// Rollback restores the pre-fix state recorded in a manifest, on
// explicit operator request.
func (o *Orchestrator) Rollback(ctx context.Context, manifestID string) (*backup.RollbackResult, error) {
	result, err := o.backups.Rollback(ctx, manifestID)
	if err != nil {
		return nil, err
	}
	if err := o.sink.Record(audit.Entry{
		Kind:    audit.KindNote,
		Message: fmt.Sprintf("manual rollback of manifest %s: %d entries, %d failed", manifestID, len(result.Entries), len(result.Failed())),
	}); err != nil {
		o.logger.Warn("failed to audit rollback", "manifest_id", manifestID, "error", err)
	}
	return result, nil
}

// Backups lists stored manifests, newest first.
func (o *Orchestrator) Backups() ([]*backup.Manifest, error) {
	return o.backups.List()
}

// PruneBackups removes manifests past the configured retention window.
func (o *Orchestrator) PruneBackups(ctx context.Context) (int, error) {
	return o.backups.Prune(ctx, o.cfg.Fix.BackupRetentionDays)
}
