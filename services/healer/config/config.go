// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the healer configuration snapshot.
//
// The snapshot is consumed once, at orchestrator construction, and
// passed by value into every component constructor. Nothing mutates it
// at runtime and there is no process-wide settings singleton; a changed
// file takes effect on the next run. The one deliberately hot-reloadable
// document is the safety policy, which the safety package watches on its
// own (see safety.Watcher).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable configuration snapshot.
type Config struct {
	Log          LogConfig         `yaml:"log"`
	Scan         ScanConfig        `yaml:"scan"`
	Fix          FixConfig         `yaml:"fix"`
	Safety       SafetyConfig      `yaml:"safety"`
	AI           AIConfig          `yaml:"ai"`
	ScopeAliases map[string]string `yaml:"scope_aliases"`

	// AuditPath is the append-only JSON Lines record of every fix
	// outcome. Empty disables auditing.
	AuditPath string `yaml:"audit_path"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	Dir   string `yaml:"dir"`   // empty disables file logging
	JSON  bool   `yaml:"json"`
}

// ScanConfig controls the host scanners.
type ScanConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	IncludeUpdates   bool          `yaml:"include_updates"`
	DiskWarnPercent  float64       `yaml:"disk_warn_percent"`
	DiskCritPercent  float64       `yaml:"disk_crit_percent"`
	MemWarnPercent   float64       `yaml:"mem_warn_percent"`
	MountpointsLimit int           `yaml:"mountpoints_limit"`
}

// FixConfig controls the repair orchestrator.
type FixConfig struct {
	// AutoFixSeverityLimit is the highest risk level the orchestrator
	// will run without --yes. Fixes above it are reported as skipped.
	AutoFixSeverityLimit string `yaml:"auto_fix_severity_limit"`

	// CatalogPath points at an optional user fix catalog layered over
	// the built-in templates.
	CatalogPath string `yaml:"catalog_path"`

	CreateBackups       bool          `yaml:"create_backups"`
	BackupDir           string        `yaml:"backup_dir"`
	BackupRetentionDays int           `yaml:"backup_retention_days"`
	DryRunByDefault     bool          `yaml:"dry_run_by_default"`
	MaxConcurrency      int           `yaml:"max_concurrency"`
	CommandTimeout      time.Duration `yaml:"command_timeout"`
	MaxRetries          int           `yaml:"max_retries"`

	// EnvAllowlist is the explicit set of environment variables passed
	// to fix subprocesses. The parent environment is never inherited
	// wholesale.
	EnvAllowlist []string `yaml:"env_allowlist"`
}

// SafetyConfig points at the versioned safety policy document.
type SafetyConfig struct {
	PolicyPath string `yaml:"policy_path"`

	// WatchPolicy reloads the policy when the file changes on disk.
	WatchPolicy bool `yaml:"watch_policy"`
}

// AIConfig controls the optional AI fix-suggestion client.
type AIConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Model             string `yaml:"model"`
	BaseURL           string `yaml:"base_url"`
	APIKeyEnv         string `yaml:"api_key_env"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	MaxTokens         int    `yaml:"max_tokens"`
}

// Default returns the built-in configuration.
//
// The per-command timeout is deliberately short for interactive use:
// a hung pacman invocation should fail the fix and trigger rollback,
// not hold the menu for five minutes.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Log: LogConfig{
			Level: "info",
			Dir:   filepath.Join(home, ".asahi-healer", "logs"),
		},
		Scan: ScanConfig{
			Timeout:          60 * time.Second,
			IncludeUpdates:   true,
			DiskWarnPercent:  75,
			DiskCritPercent:  90,
			MemWarnPercent:   85,
			MountpointsLimit: 16,
		},
		Fix: FixConfig{
			AutoFixSeverityLimit: "low",
			CatalogPath:          filepath.Join(home, ".config", "asahi-healer", "fixes.yaml"),
			CreateBackups:        true,
			BackupDir:            filepath.Join(home, ".asahi-healer", "backups"),
			BackupRetentionDays:  30,
			DryRunByDefault:      true,
			MaxConcurrency:       2,
			CommandTimeout:       120 * time.Second,
			MaxRetries:           2,
			EnvAllowlist: []string{
				"PATH", "HOME", "LANG", "LC_ALL", "TERM", "USER",
			},
		},
		Safety: SafetyConfig{
			PolicyPath:  filepath.Join(home, ".config", "asahi-healer", "safety.yaml"),
			WatchPolicy: true,
		},
		AI: AIConfig{
			Enabled:           false,
			Model:             "gpt-4o-mini",
			APIKeyEnv:         "OPENAI_API_KEY",
			RequestsPerMinute: 6,
			MaxTokens:         2000,
		},
		ScopeAliases: map[string]string{
			"cache:pacman": "/var/cache/pacman/pkg",
		},
		AuditPath: filepath.Join(home, ".asahi-healer", "audit.jsonl"),
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "asahi-healer", "config.yaml")
}

// Load reads the YAML file at path on top of the defaults.
//
// A missing file is not an error: the defaults are returned so the tool
// works out of the box.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.check(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// check rejects values the orchestrator cannot run with.
func (c *Config) check() error {
	if c.Fix.MaxConcurrency < 1 {
		return fmt.Errorf("fix.max_concurrency must be >= 1, got %d", c.Fix.MaxConcurrency)
	}
	if c.Fix.CommandTimeout <= 0 {
		return fmt.Errorf("fix.command_timeout must be positive, got %s", c.Fix.CommandTimeout)
	}
	if c.Fix.MaxRetries < 0 {
		return fmt.Errorf("fix.max_retries must be >= 0, got %d", c.Fix.MaxRetries)
	}
	if c.Fix.BackupRetentionDays < 1 {
		return fmt.Errorf("fix.backup_retention_days must be >= 1, got %d", c.Fix.BackupRetentionDays)
	}
	switch c.Fix.AutoFixSeverityLimit {
	case "critical", "high", "medium", "low":
	default:
		return fmt.Errorf("fix.auto_fix_severity_limit must be one of critical/high/medium/low, got %q", c.Fix.AutoFixSeverityLimit)
	}
	return nil
}
