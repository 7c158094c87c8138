// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jasonpit/asahi-health-manager/pkg/ux"
	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the host for issues",
	Long: `Runs the read-only scanners (disk usage, memory pressure, failed
services, pending updates) and reports what they found. Nothing is
modified.`,
	RunE: runScan,
}

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Scan and recommend prioritized maintenance",
	RunE:  runRecommend,
}

// runScan is the handler for "asahi-healer scan".
//
// # Exit Codes
//
//   - 0: No issues found
//   - 1: Issues found
//   - 2: Scan could not run
func runScan(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		ux.Errorf("%v", err)
		return err
	}
	defer a.close()

	issues := a.orch.Scan(cmd.Context())

	if outputJSON {
		if err := printJSON(issues); err != nil {
			return err
		}
	} else {
		printIssues(issues)
	}
	if len(issues) > 0 {
		return exitFailure{}
	}
	return nil
}

// runRecommend scans and classifies in one pass.
func runRecommend(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		ux.Errorf("%v", err)
		return err
	}
	defer a.close()

	issues := a.orch.Scan(cmd.Context())
	rctx := a.orch.HostContext(cmd.Context())
	recs, suggested := a.orch.Recommend(cmd.Context(), issues, rctx)

	if outputJSON {
		return printJSON(struct {
			Issues          []*datatypes.SystemIssue    `json:"issues"`
			Recommendations []*datatypes.Recommendation `json:"recommendations"`
			SuggestedFixes  []*datatypes.Fix            `json:"suggested_fixes,omitempty"`
		}{issues, recs, suggested})
	}

	printIssues(issues)
	if len(recs) == 0 {
		return nil
	}
	fmt.Println()
	ux.Title("Recommendations")
	for _, rec := range recs {
		fmt.Printf("  %s %s %s (%s)\n",
			ux.Severity(string(rec.Priority)),
			ux.IconArrow,
			rec.IssueID,
			rec.Action)
		for _, reason := range rec.Reasons {
			ux.Mutedf("      %s", reason)
		}
		if rec.ScheduleSuggestion != "" {
			ux.Mutedf("      schedule: %s", rec.ScheduleSuggestion)
		}
		if rec.AINotes != "" {
			ux.Mutedf("      ai: %s", rec.AINotes)
		}
	}
	if len(suggested) > 0 {
		fmt.Println()
		ux.Title("AI-suggested fixes (run 'asahi-healer fix --yes' to include them)")
		printCandidates(suggested)
	}
	return nil
}

// printCandidates lists suggested fixes as commands, without running
// anything.
func printCandidates(fixes []*datatypes.Fix) {
	for _, fix := range fixes {
		fmt.Printf("  %s %s [%s risk]\n", ux.IconArrow, fix.Title, fix.RiskLevel)
		for _, spec := range fix.Commands {
			ux.Mutedf("      $ %s", spec.String())
		}
	}
}

func printIssues(issues []*datatypes.SystemIssue) {
	if len(issues) == 0 {
		ux.Successf("no issues detected")
		return
	}
	ux.Title(fmt.Sprintf("Detected %d issue(s)", len(issues)))
	for _, issue := range issues {
		fmt.Printf("  %s %s: %s\n",
			ux.Severity(string(issue.Severity)),
			issue.ID,
			issue.Description)
	}
}

// exitFailure signals exit code 1 without an error message; the report
// already printed.
type exitFailure struct{}

func (exitFailure) Error() string { return "issues found" }
