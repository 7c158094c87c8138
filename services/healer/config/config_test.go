// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if !cfg.Fix.DryRunByDefault {
			t.Error("default must be dry-run")
		}
		if cfg.Fix.AutoFixSeverityLimit != "low" {
			t.Errorf("AutoFixSeverityLimit = %q, want low", cfg.Fix.AutoFixSeverityLimit)
		}
		if !cfg.Fix.CreateBackups {
			t.Error("backups must default on")
		}
		if cfg.Fix.MaxConcurrency != 2 {
			t.Errorf("MaxConcurrency = %d, want 2", cfg.Fix.MaxConcurrency)
		}
		if alias := cfg.ScopeAliases["cache:pacman"]; alias != "/var/cache/pacman/pkg" {
			t.Errorf("cache:pacman alias = %q", alias)
		}
	})

	t.Run("file overrides defaults and keeps the rest", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		doc := `fix:
  max_concurrency: 4
  command_timeout: 45s
  dry_run_by_default: false
  create_backups: true
  backup_retention_days: 7
  auto_fix_severity_limit: medium
scan:
  disk_warn_percent: 80
ai:
  enabled: true
  model: local-llama
`
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Fix.MaxConcurrency != 4 {
			t.Errorf("MaxConcurrency = %d, want 4", cfg.Fix.MaxConcurrency)
		}
		if cfg.Fix.CommandTimeout != 45*time.Second {
			t.Errorf("CommandTimeout = %v, want 45s", cfg.Fix.CommandTimeout)
		}
		if cfg.Fix.DryRunByDefault {
			t.Error("dry_run_by_default override not applied")
		}
		if cfg.Fix.AutoFixSeverityLimit != "medium" {
			t.Errorf("AutoFixSeverityLimit = %q, want medium", cfg.Fix.AutoFixSeverityLimit)
		}
		if cfg.Scan.DiskWarnPercent != 80 {
			t.Errorf("DiskWarnPercent = %v, want 80", cfg.Scan.DiskWarnPercent)
		}
		if !cfg.AI.Enabled || cfg.AI.Model != "local-llama" {
			t.Errorf("AI = %+v, want enabled local-llama", cfg.AI)
		}
		// Untouched sections keep their defaults.
		if cfg.Scan.DiskCritPercent != 90 {
			t.Errorf("DiskCritPercent = %v, want default 90", cfg.Scan.DiskCritPercent)
		}
		if cfg.AI.APIKeyEnv != "OPENAI_API_KEY" {
			t.Errorf("APIKeyEnv = %q, want default", cfg.AI.APIKeyEnv)
		}
	})

	t.Run("malformed yaml is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("fix: [nope"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Fatal("expected parse error")
		}
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		tests := []struct {
			name string
			doc  string
			want string
		}{
			{"zero concurrency", "fix:\n  max_concurrency: 0\n", "max_concurrency"},
			{"negative retries", "fix:\n  max_retries: -1\n", "max_retries"},
			{"zero timeout", "fix:\n  command_timeout: 0s\n", "command_timeout"},
			{"zero retention", "fix:\n  backup_retention_days: 0\n", "backup_retention_days"},
			{"bad severity limit", "fix:\n  auto_fix_severity_limit: extreme\n", "auto_fix_severity_limit"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				path := filepath.Join(t.TempDir(), "config.yaml")
				if err := os.WriteFile(path, []byte(tt.doc), 0o644); err != nil {
					t.Fatalf("write: %v", err)
				}
				_, err := Load(path)
				if err == nil {
					t.Fatal("expected validation error")
				}
				if !strings.Contains(err.Error(), tt.want) {
					t.Errorf("err = %v, want mention of %s", err, tt.want)
				}
			})
		}
	})
}
