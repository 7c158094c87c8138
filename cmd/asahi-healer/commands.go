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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jasonpit/asahi-health-manager/pkg/logging"
	"github.com/jasonpit/asahi-health-manager/services/healer/audit"
	"github.com/jasonpit/asahi-health-manager/services/healer/config"
	"github.com/jasonpit/asahi-health-manager/services/healer/orchestrator"
)

// Exit codes follow sysexits-style CLI conventions.
const (
	CLIExitSuccess = 0
	CLIExitFailure = 1 // the operation ran but found/produced failures
	CLIExitError   = 2 // the operation could not run
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	outputJSON bool

	rootCmd = &cobra.Command{
		Use:   "asahi-healer",
		Short: "Detect and repair common system issues on Asahi Linux hosts",
		Long: `asahi-healer scans the local machine for disk, memory, service, and
update problems, recommends prioritized maintenance, and applies known
fixes with safety validation, pre-fix backups, and automatic rollback.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override configured log level (debug/info/warn/error)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "emit machine-readable JSON on stdout")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(recommendCmd)
	rootCmd.AddCommand(fixCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(backupsCmd)
	backupsCmd.AddCommand(backupsListCmd)
	backupsCmd.AddCommand(backupsPruneCmd)

	fixCmd.Flags().BoolVar(&fixDryRun, "dry-run", false, "preview the batch without changing anything")
	fixCmd.Flags().BoolVar(&fixApply, "apply", false, "apply fixes even when dry-run is the configured default")
	fixCmd.Flags().BoolVar(&fixYes, "yes", false, "approve fixes above the auto-fix risk limit")
	fixCmd.Flags().IntVar(&fixConcurrency, "max-concurrency", 0, "override configured worker count")
}

// app bundles everything a command handler needs.
type app struct {
	cfg  config.Config
	log  *logging.Logger
	orch *orchestrator.Orchestrator
}

// newApp loads configuration and builds the component graph. Quiet
// logging is forced in JSON mode so stdout stays parseable.
func newApp() (*app, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}

	log, err := logging.New(logging.Options{
		Level:   level,
		Dir:     cfg.Log.Dir,
		Service: "healer",
		JSON:    cfg.Log.JSON,
	})
	if err != nil {
		// Degraded to stderr-only; not fatal for a CLI run.
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	var sink audit.Sink = audit.NopSink{}
	if cfg.AuditPath != "" {
		s, err := audit.NewJSONLSink(cfg.AuditPath, log.Logger)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		sink = s
	}

	orch, err := orchestrator.New(cfg, sink, log.Logger)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, orch: orch}, nil
}

func (a *app) close() {
	if err := a.orch.Close(); err != nil {
		a.log.Warn("shutdown error", "error", err)
	}
	a.log.Close()
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
