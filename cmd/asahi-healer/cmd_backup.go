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
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <manifest-id>",
	Short: "Restore the pre-fix state recorded in a backup manifest",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Inspect and prune stored backups",
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup manifests, newest first",
	RunE:  runBackupsList,
}

var backupsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove backups past the retention window",
	Long: `Removes backups older than the configured retention period. Only
backups whose fix is recorded as succeeded are eligible; backups for
failed or unresolved fixes are kept regardless of age.`,
	RunE: runBackupsPrune,
}

// runRollback is the handler for "asahi-healer rollback".
//
// # Exit Codes
//
//   - 0: Every entry restored
//   - 1: Some entries could not be restored
//   - 2: The manifest could not be loaded
func runRollback(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		ux.Errorf("%v", err)
		return err
	}
	defer a.close()

	result, err := a.orch.Rollback(cmd.Context(), args[0])
	if err != nil {
		ux.Errorf("%v", err)
		return err
	}

	if outputJSON {
		if err := printJSON(result); err != nil {
			return err
		}
	} else {
		for _, entry := range result.Entries {
			if entry.OK {
				ux.Successf("restored %s", entry.Scope)
			} else {
				ux.Errorf("failed to restore %s: %s", entry.Scope, entry.Error)
			}
		}
	}
	if len(result.Failed()) > 0 {
		return exitFailure{}
	}
	return nil
}

func runBackupsList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		ux.Errorf("%v", err)
		return err
	}
	defer a.close()

	manifests, err := a.orch.Backups()
	if err != nil {
		ux.Errorf("%v", err)
		return err
	}
	if outputJSON {
		return printJSON(manifests)
	}
	if len(manifests) == 0 {
		ux.Mutedf("no backups stored")
		return nil
	}
	for _, m := range manifests {
		fmt.Printf("  %s  %s  fix=%s  entries=%d\n",
			m.ID,
			m.CreatedAt.Format("2006-01-02 15:04"),
			m.FixID,
			len(m.Entries))
	}
	return nil
}

func runBackupsPrune(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		ux.Errorf("%v", err)
		return err
	}
	defer a.close()

	removed, err := a.orch.PruneBackups(cmd.Context())
	if err != nil {
		ux.Errorf("%v", err)
		return err
	}
	if outputJSON {
		return printJSON(struct {
			Removed int `json:"removed"`
		}{removed})
	}
	ux.Successf("removed %d backup(s)", removed)
	return nil
}
