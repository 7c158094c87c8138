// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recommend derives prioritized, actionable advice from detected
// issues.
//
// The engine is deterministic and rule-based: the same issue set with
// the same context always yields the same recommendations in the same
// order. AI-provided text may be attached as supplementary notes but
// never changes a priority, an action, or the ordering.
package recommend

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

// Context carries environmental facts that modulate the rules.
type Context struct {
	// PendingReboot indicates a kernel or core-library update has been
	// applied but the running system predates it. Reboot-dependent
	// recommendations are elevated one urgency tier.
	PendingReboot bool

	// OnBattery suppresses long-running maintenance suggestions to the
	// scheduled tier.
	OnBattery bool
}

// rule is one classification entry. Category must match exactly;
// MinSeverity bounds the severities the rule claims.
type rule struct {
	Category    string
	MinSeverity datatypes.Severity
	Priority    datatypes.Priority
	Action      datatypes.RecommendedAction
	Reason      string
	Schedule    string
	Estimate    string
	// RebootBound marks recommendations whose effect depends on a
	// reboot having happened.
	RebootBound bool
}

// rules are evaluated in order; the first match wins. Later entries act
// as per-category defaults with MinSeverity low.
var rules = []rule{
	{
		Category:    "security_update",
		MinSeverity: datatypes.SeverityHigh,
		Priority:    datatypes.SeverityCritical,
		Action:      datatypes.ActionImmediate,
		Reason:      "security updates for exposed components should not wait",
		Estimate:    "5-15 minutes",
		RebootBound: true,
	},
	{
		Category:    "security_update",
		MinSeverity: datatypes.SeverityLow,
		Priority:    datatypes.SeverityHigh,
		Action:      datatypes.ActionSoon,
		Reason:      "security updates pending",
		Estimate:    "5-15 minutes",
		RebootBound: true,
	},
	{
		Category:    "disk_space",
		MinSeverity: datatypes.SeverityCritical,
		Priority:    datatypes.SeverityCritical,
		Action:      datatypes.ActionImmediate,
		Reason:      "filesystem nearly full; writes may start failing",
		Estimate:    "5 minutes",
	},
	{
		Category:    "disk_space",
		MinSeverity: datatypes.SeverityHigh,
		Priority:    datatypes.SeverityHigh,
		Action:      datatypes.ActionSoon,
		Reason:      "disk usage above threshold; clean package caches and logs",
		Schedule:    "within 24 hours",
		Estimate:    "5 minutes",
	},
	{
		Category:    "failed_service",
		MinSeverity: datatypes.SeverityHigh,
		Priority:    datatypes.SeverityHigh,
		Action:      datatypes.ActionSoon,
		Reason:      "a system service is in a failed state",
		Schedule:    "within 24 hours",
		Estimate:    "2-10 minutes",
	},
	{
		Category:    "failed_service",
		MinSeverity: datatypes.SeverityLow,
		Priority:    datatypes.SeverityMedium,
		Action:      datatypes.ActionScheduled,
		Reason:      "a non-critical service failed; restart during the next maintenance window",
		Schedule:    "next maintenance window",
		Estimate:    "2-10 minutes",
	},
	{
		Category:    "pending_updates",
		MinSeverity: datatypes.SeverityLow,
		Priority:    datatypes.SeverityMedium,
		Action:      datatypes.ActionScheduled,
		Reason:      "routine package updates are available",
		Schedule:    "next maintenance window",
		Estimate:    "10-30 minutes",
		RebootBound: true,
	},
	{
		Category:    "memory_pressure",
		MinSeverity: datatypes.SeverityHigh,
		Priority:    datatypes.SeverityHigh,
		Action:      datatypes.ActionSoon,
		Reason:      "sustained memory pressure degrades responsiveness",
		Estimate:    "1-5 minutes",
	},
}

// Engine classifies issues into recommendations.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a recommendation engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger.With("component", "recommend.Engine")}
}

// Classify produces one recommendation per issue, sorted by priority
// (highest first) with detection time and then issue ID as stable
// tie-breakers.
func (e *Engine) Classify(issues []*datatypes.SystemIssue, rctx Context) []*datatypes.Recommendation {
	recs := make([]*datatypes.Recommendation, 0, len(issues))
	for _, issue := range issues {
		recs = append(recs, e.classifyOne(issue, rctx))
	}
	sort.SliceStable(recs, func(i, j int) bool {
		// Rank orders by urgency: critical sorts first.
		ri, rj := recs[i].Priority.Rank(), recs[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		ii, ij := issueByID(issues, recs[i].IssueID), issueByID(issues, recs[j].IssueID)
		if !ii.DetectedAt.Equal(ij.DetectedAt) {
			return ii.DetectedAt.Before(ij.DetectedAt)
		}
		return recs[i].IssueID < recs[j].IssueID
	})
	return recs
}

func (e *Engine) classifyOne(issue *datatypes.SystemIssue, rctx Context) *datatypes.Recommendation {
	for _, r := range rules {
		if r.Category != issue.Category {
			continue
		}
		// Rank is ordered by urgency, so a higher rank number means a
		// milder severity than the rule's floor.
		if issue.Severity.Rank() > r.MinSeverity.Rank() {
			continue
		}
		rec := &datatypes.Recommendation{
			IssueID:            issue.ID,
			Priority:           r.Priority,
			Action:             r.Action,
			Reasons:            reasonsFor(issue, r.Reason),
			ScheduleSuggestion: r.Schedule,
			EstimatedTime:      r.Estimate,
		}
		if r.RebootBound && rctx.PendingReboot {
			rec.Priority, rec.Action = elevate(rec.Priority, rec.Action)
			rec.Reasons = append(rec.Reasons, "a reboot is already pending; batching avoids a second one")
		}
		if rctx.OnBattery && rec.Action == datatypes.ActionScheduled {
			rec.Reasons = append(rec.Reasons, "defer until on AC power")
		}
		return rec
	}

	// No category rule: fall back to the severity mapping.
	e.logger.Debug("no rule for category, using severity mapping",
		"issue_id", issue.ID, "category", issue.Category)
	priority, action := defaultMapping(issue.Severity)
	return &datatypes.Recommendation{
		IssueID:  issue.ID,
		Priority: priority,
		Action:   action,
		Reasons:  reasonsFor(issue, "classified by severity"),
	}
}

// Attach merges AI commentary into already-classified recommendations.
// Only AINotes is touched; a suggestion for an unknown issue is dropped.
func (e *Engine) Attach(recs []*datatypes.Recommendation, notes map[string]string) {
	for _, rec := range recs {
		if note, ok := notes[rec.IssueID]; ok && strings.TrimSpace(note) != "" {
			rec.AINotes = strings.TrimSpace(note)
		}
	}
}

func defaultMapping(severity datatypes.Severity) (datatypes.Priority, datatypes.RecommendedAction) {
	switch severity {
	case datatypes.SeverityCritical:
		return datatypes.SeverityCritical, datatypes.ActionImmediate
	case datatypes.SeverityHigh:
		return datatypes.SeverityHigh, datatypes.ActionSoon
	case datatypes.SeverityMedium:
		return datatypes.SeverityMedium, datatypes.ActionScheduled
	default:
		return datatypes.SeverityLow, datatypes.ActionOptional
	}
}

func elevate(p datatypes.Priority, a datatypes.RecommendedAction) (datatypes.Priority, datatypes.RecommendedAction) {
	switch p {
	case datatypes.SeverityLow:
		p = datatypes.SeverityMedium
	case datatypes.SeverityMedium:
		p = datatypes.SeverityHigh
	case datatypes.SeverityHigh:
		p = datatypes.SeverityCritical
	}
	switch a {
	case datatypes.ActionOptional:
		a = datatypes.ActionScheduled
	case datatypes.ActionScheduled:
		a = datatypes.ActionSoon
	case datatypes.ActionSoon:
		a = datatypes.ActionImmediate
	}
	return p, a
}

func reasonsFor(issue *datatypes.SystemIssue, base string) []string {
	reasons := []string{base}
	if issue.Evidence != "" {
		reasons = append(reasons, "observed: "+issue.Evidence)
	}
	return reasons
}

func issueByID(issues []*datatypes.SystemIssue, id string) *datatypes.SystemIssue {
	for _, issue := range issues {
		if issue.ID == id {
			return issue
		}
	}
	return &datatypes.SystemIssue{ID: id}
}
