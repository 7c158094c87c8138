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
	"github.com/jasonpit/asahi-health-manager/services/healer/orchestrator"
)

var (
	fixDryRun      bool
	fixApply       bool
	fixYes         bool
	fixConcurrency int
)

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Scan and apply known fixes",
	Long: `Scans the host, resolves catalog fixes for what it finds, and runs
them through safety validation, backup, execution, and verification.

The configured default is a dry run; pass --apply to mutate the system.
Fixes above the configured risk limit are skipped unless --yes approves
them. A failed reversible fix is rolled back from its backup
automatically.`,
	RunE: runFix,
}

// runFix is the handler for "asahi-healer fix".
//
// # Exit Codes
//
//   - 0: All planned fixes succeeded (or nothing to do)
//   - 1: At least one fix failed or was rolled back
//   - 2: The batch could not run
func runFix(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		ux.Errorf("%v", err)
		return err
	}
	defer a.close()

	dryRun := a.cfg.Fix.DryRunByDefault
	if fixApply {
		dryRun = false
	}
	if fixDryRun {
		dryRun = true
	}

	issues := a.orch.Scan(cmd.Context())
	fixes := a.orch.PlanFixes(issues)

	// AI suggestions cover issues the catalog cannot. They only join
	// the batch under explicit approval; without --yes they are listed
	// as candidates instead.
	if a.cfg.AI.Enabled {
		_, suggested := a.orch.Recommend(cmd.Context(), issues, a.orch.HostContext(cmd.Context()))
		if fixYes {
			fixes = orchestrator.MergeFixes(fixes, suggested)
		} else if len(suggested) > 0 && !outputJSON {
			ux.Title(fmt.Sprintf("%d AI-suggested fix(es) available; re-run with --yes to include them", len(suggested)))
			printCandidates(suggested)
		}
	}

	if len(fixes) == 0 {
		if outputJSON {
			return printJSON(struct {
				Issues []*datatypes.SystemIssue `json:"issues"`
				Fixes  []*datatypes.Fix         `json:"fixes"`
			}{issues, nil})
		}
		if len(issues) == 0 {
			ux.Successf("no issues detected")
		} else {
			ux.Warnf("%d issue(s) found but no catalog fixes apply; see 'asahi-healer recommend'", len(issues))
		}
		return nil
	}

	if !outputJSON {
		mode := "applying"
		if dryRun {
			mode = "previewing"
		}
		ux.Title(fmt.Sprintf("%s %d fix(es) for %d issue(s)", mode, len(fixes), len(issues)))
	}

	summary, err := a.orch.RunFixes(cmd.Context(), fixes, orchestrator.RunOptions{
		DryRun:         dryRun,
		Approved:       fixYes,
		MaxConcurrency: fixConcurrency,
	})
	if err != nil {
		ux.Errorf("%v", err)
		return err
	}

	if outputJSON {
		if err := printJSON(summary); err != nil {
			return err
		}
	} else {
		printSummary(summary)
	}
	if summary.Failed > 0 || summary.RolledBack > 0 {
		return exitFailure{}
	}
	return nil
}

func printSummary(summary *datatypes.BatchSummary) {
	for _, result := range summary.Results {
		fmt.Printf("  %s  %s", ux.Status(string(result.Status)), result.FixID)
		if result.BackupID != "" {
			fmt.Printf("  %s", ux.Styles.Muted.Render("backup "+result.BackupID))
		}
		fmt.Println()
		if result.Reason != "" {
			ux.Mutedf("      %s", result.Reason)
		}
		if result.Error != "" {
			ux.Mutedf("      %s", result.Error)
		}
	}

	line := fmt.Sprintf("%d succeeded, %d failed, %d rolled back, %d skipped",
		summary.Succeeded, summary.Failed, summary.RolledBack, summary.Skipped)
	if summary.DryRun {
		line += "  (dry run)"
	}
	fmt.Println(ux.Styles.SummaryBox.Render(line))
}
