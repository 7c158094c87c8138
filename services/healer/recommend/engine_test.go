// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recommend

import (
	"log/slog"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

func issue(id, category string, severity datatypes.Severity, detected time.Time) *datatypes.SystemIssue {
	return &datatypes.SystemIssue{
		ID:          id,
		Category:    category,
		Severity:    severity,
		Description: id,
		DetectedAt:  detected,
	}
}

func TestEngine_Classify(t *testing.T) {
	engine := NewEngine(slog.Default())
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	t.Run("category rules map severity to action", func(t *testing.T) {
		tests := []struct {
			name     string
			issue    *datatypes.SystemIssue
			priority datatypes.Priority
			action   datatypes.RecommendedAction
		}{
			{
				name:     "high security update is immediate",
				issue:    issue("sec-1", "security_update", datatypes.SeverityHigh, now),
				priority: datatypes.SeverityCritical,
				action:   datatypes.ActionImmediate,
			},
			{
				name:     "medium security update is soon",
				issue:    issue("sec-2", "security_update", datatypes.SeverityMedium, now),
				priority: datatypes.SeverityHigh,
				action:   datatypes.ActionSoon,
			},
			{
				name:     "critical disk is immediate",
				issue:    issue("disk-1", "disk_space", datatypes.SeverityCritical, now),
				priority: datatypes.SeverityCritical,
				action:   datatypes.ActionImmediate,
			},
			{
				name:     "high disk is soon",
				issue:    issue("disk-2", "disk_space", datatypes.SeverityHigh, now),
				priority: datatypes.SeverityHigh,
				action:   datatypes.ActionSoon,
			},
			{
				name:     "low failed service is scheduled",
				issue:    issue("svc-1", "failed_service", datatypes.SeverityLow, now),
				priority: datatypes.SeverityMedium,
				action:   datatypes.ActionScheduled,
			},
			{
				name:     "high failed service is soon",
				issue:    issue("svc-2", "failed_service", datatypes.SeverityHigh, now),
				priority: datatypes.SeverityHigh,
				action:   datatypes.ActionSoon,
			},
			{
				name:     "pending updates are scheduled",
				issue:    issue("upd-1", "pending_updates", datatypes.SeverityLow, now),
				priority: datatypes.SeverityMedium,
				action:   datatypes.ActionScheduled,
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				recs := engine.Classify([]*datatypes.SystemIssue{tt.issue}, Context{})
				if len(recs) != 1 {
					t.Fatalf("len(recs) = %d, want 1", len(recs))
				}
				rec := recs[0]
				if rec.IssueID != tt.issue.ID {
					t.Errorf("IssueID = %q, want %q", rec.IssueID, tt.issue.ID)
				}
				if rec.Priority != tt.priority {
					t.Errorf("Priority = %q, want %q", rec.Priority, tt.priority)
				}
				if rec.Action != tt.action {
					t.Errorf("Action = %q, want %q", rec.Action, tt.action)
				}
				if len(rec.Reasons) == 0 {
					t.Error("expected at least one reason")
				}
			})
		}
	})

	t.Run("unknown category falls back to severity mapping", func(t *testing.T) {
		recs := engine.Classify([]*datatypes.SystemIssue{
			issue("thermal-1", "thermal", datatypes.SeverityCritical, now),
		}, Context{})
		if recs[0].Priority != datatypes.SeverityCritical || recs[0].Action != datatypes.ActionImmediate {
			t.Errorf("got (%q, %q), want critical/immediate fallback", recs[0].Priority, recs[0].Action)
		}
	})

	t.Run("pending reboot elevates reboot-bound recommendations", func(t *testing.T) {
		recs := engine.Classify([]*datatypes.SystemIssue{
			issue("upd-1", "pending_updates", datatypes.SeverityLow, now),
			issue("disk-1", "disk_space", datatypes.SeverityHigh, now),
		}, Context{PendingReboot: true})

		var updates, disk *datatypes.Recommendation
		for _, rec := range recs {
			switch rec.IssueID {
			case "upd-1":
				updates = rec
			case "disk-1":
				disk = rec
			}
		}
		if updates.Priority != datatypes.SeverityHigh || updates.Action != datatypes.ActionSoon {
			t.Errorf("elevated updates = (%q, %q), want high/soon", updates.Priority, updates.Action)
		}
		found := false
		for _, reason := range updates.Reasons {
			if strings.Contains(reason, "reboot is already pending") {
				found = true
			}
		}
		if !found {
			t.Errorf("reasons = %v, want pending-reboot note", updates.Reasons)
		}
		// Disk cleanup does not depend on a reboot; unchanged.
		if disk.Priority != datatypes.SeverityHigh || disk.Action != datatypes.ActionSoon {
			t.Errorf("disk rec = (%q, %q), want unelevated high/soon", disk.Priority, disk.Action)
		}
	})

	t.Run("on battery annotates scheduled work", func(t *testing.T) {
		recs := engine.Classify([]*datatypes.SystemIssue{
			issue("upd-1", "pending_updates", datatypes.SeverityLow, now),
		}, Context{OnBattery: true})
		found := false
		for _, reason := range recs[0].Reasons {
			if strings.Contains(reason, "AC power") {
				found = true
			}
		}
		if !found {
			t.Errorf("reasons = %v, want battery deferral note", recs[0].Reasons)
		}
	})

	t.Run("ordering is by priority then detection time then ID", func(t *testing.T) {
		recs := engine.Classify([]*datatypes.SystemIssue{
			issue("upd-1", "pending_updates", datatypes.SeverityLow, now),
			issue("svc-b", "failed_service", datatypes.SeverityHigh, now.Add(time.Minute)),
			issue("disk-1", "disk_space", datatypes.SeverityCritical, now),
			issue("svc-a", "failed_service", datatypes.SeverityHigh, now),
		}, Context{})

		got := make([]string, len(recs))
		for i, rec := range recs {
			got[i] = rec.IssueID
		}
		want := []string{"disk-1", "svc-a", "svc-b", "upd-1"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("order = %v, want %v", got, want)
			}
		}
	})

	t.Run("same input same output", func(t *testing.T) {
		issues := []*datatypes.SystemIssue{
			issue("disk-1", "disk_space", datatypes.SeverityHigh, now),
			issue("svc-1", "failed_service", datatypes.SeverityMedium, now),
		}
		first := engine.Classify(issues, Context{})
		second := engine.Classify(issues, Context{})
		for i := range first {
			if first[i].IssueID != second[i].IssueID || first[i].Priority != second[i].Priority {
				t.Fatalf("classification not deterministic: %v vs %v", first[i], second[i])
			}
		}
	})

	t.Run("ordering is independent of input order", func(t *testing.T) {
		issues := []*datatypes.SystemIssue{
			issue("upd-1", "pending_updates", datatypes.SeverityLow, now),
			issue("svc-b", "failed_service", datatypes.SeverityHigh, now.Add(time.Minute)),
			issue("disk-1", "disk_space", datatypes.SeverityCritical, now),
			issue("svc-a", "failed_service", datatypes.SeverityHigh, now),
			issue("sec-1", "security_update", datatypes.SeverityMedium, now),
		}

		baseline := engine.Classify(issues, Context{})
		rng := rand.New(rand.NewSource(1))
		for round := 0; round < 10; round++ {
			shuffled := append([]*datatypes.SystemIssue(nil), issues...)
			rng.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			recs := engine.Classify(shuffled, Context{})
			if len(recs) != len(baseline) {
				t.Fatalf("round %d: got %d recommendations, want %d", round, len(recs), len(baseline))
			}
			for i := range recs {
				if recs[i].IssueID != baseline[i].IssueID {
					t.Fatalf("round %d: order diverged at %d: got %s, want %s",
						round, i, recs[i].IssueID, baseline[i].IssueID)
				}
			}
		}
	})
}

func TestEngine_Attach(t *testing.T) {
	engine := NewEngine(slog.Default())
	now := time.Now().UTC()
	recs := engine.Classify([]*datatypes.SystemIssue{
		issue("disk-1", "disk_space", datatypes.SeverityHigh, now),
		issue("svc-1", "failed_service", datatypes.SeverityHigh, now),
	}, Context{})

	priorityBefore := recs[0].Priority
	engine.Attach(recs, map[string]string{
		"disk-1":  "  old kernels in /boot account for most of the usage  ",
		"ghost-1": "suggestion for an issue that was never detected",
		"svc-1":   "   ",
	})

	var disk, svc *datatypes.Recommendation
	for _, rec := range recs {
		switch rec.IssueID {
		case "disk-1":
			disk = rec
		case "svc-1":
			svc = rec
		}
	}
	if disk.AINotes != "old kernels in /boot account for most of the usage" {
		t.Errorf("AINotes = %q, want trimmed note", disk.AINotes)
	}
	if svc.AINotes != "" {
		t.Errorf("blank note must not be attached, got %q", svc.AINotes)
	}
	if disk.Priority != priorityBefore {
		t.Error("Attach must never change a priority")
	}
}
