// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scanner detects system issues on the local host.
//
// Each scanner runs read-only probes through the shared command runner
// and reports schema-valid SystemIssues. Scanners never mutate state;
// a probe that fails to run produces a log entry, not an issue.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jasonpit/asahi-health-manager/services/healer/config"
	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

// Runner executes probe commands. Satisfied by executor.ExecRunner.
type Runner interface {
	Run(ctx context.Context, spec datatypes.CommandSpec) (datatypes.CommandResult, error)
}

// Scanner inspects one aspect of the host.
type Scanner interface {
	Name() string
	Scan(ctx context.Context) ([]*datatypes.SystemIssue, error)
}

// Suite runs a set of scanners and aggregates their findings.
type Suite struct {
	scanners []Scanner
	logger   *slog.Logger
}

// NewSuite assembles the default scanner set from configuration.
func NewSuite(cfg config.ScanConfig, runner Runner, logger *slog.Logger) *Suite {
	if logger == nil {
		logger = slog.Default()
	}
	scanners := []Scanner{
		&DiskScanner{runner: runner, warn: cfg.DiskWarnPercent, crit: cfg.DiskCritPercent, limit: cfg.MountpointsLimit, logger: logger},
		&MemoryScanner{runner: runner, warn: cfg.MemWarnPercent, logger: logger},
		&ServiceScanner{runner: runner, logger: logger},
	}
	if cfg.IncludeUpdates {
		scanners = append(scanners, &UpdateScanner{runner: runner, logger: logger})
	}
	return &Suite{
		scanners: scanners,
		logger:   logger.With("component", "scanner.Suite"),
	}
}

// Scan runs every scanner in order. A scanner error is logged and the
// remaining scanners still run; partial findings beat none.
func (s *Suite) Scan(ctx context.Context) []*datatypes.SystemIssue {
	var issues []*datatypes.SystemIssue
	for _, sc := range s.scanners {
		found, err := sc.Scan(ctx)
		if err != nil {
			s.logger.Warn("scanner failed", "scanner", sc.Name(), "error", err)
			continue
		}
		for _, issue := range found {
			if err := datatypes.ValidateIssue(issue); err != nil {
				s.logger.Warn("scanner produced invalid issue",
					"scanner", sc.Name(), "error", err)
				continue
			}
			issues = append(issues, issue)
		}
	}
	return issues
}

// ============================================================================
// Disk
// ============================================================================

// DiskScanner reports filesystems above the configured usage
// thresholds.
type DiskScanner struct {
	runner Runner
	warn   float64
	crit   float64
	limit  int
	logger *slog.Logger
}

func (d *DiskScanner) Name() string { return "disk" }

func (d *DiskScanner) Scan(ctx context.Context) ([]*datatypes.SystemIssue, error) {
	result, err := d.runner.Run(ctx, datatypes.CommandSpec{
		Program: "df",
		Args:    []string{"--output=target,pcent", "-x", "tmpfs", "-x", "devtmpfs"},
	})
	if err != nil {
		return nil, fmt.Errorf("df failed to run: %w", err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("df exited %d", result.ExitCode)
	}

	var issues []*datatypes.SystemIssue
	now := time.Now().UTC()
	lines := strings.Split(strings.TrimSpace(result.Stdout), "\n")
	for i, line := range lines {
		if i == 0 {
			continue // header
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		mount := fields[0]
		pct, err := strconv.ParseFloat(strings.TrimSuffix(fields[1], "%"), 64)
		if err != nil {
			continue
		}
		if pct < d.warn {
			continue
		}
		severity := datatypes.SeverityHigh
		if pct >= d.crit {
			severity = datatypes.SeverityCritical
		}
		issues = append(issues, &datatypes.SystemIssue{
			ID:          "disk-" + sanitizeID(mount),
			Category:    "disk_space",
			Severity:    severity,
			Description: fmt.Sprintf("filesystem %s is %.1f%% full", mount, pct),
			DetectedAt:  now,
			Evidence:    fmt.Sprintf("%s %.1f%% used", mount, pct),
		})
		if d.limit > 0 && len(issues) >= d.limit {
			break
		}
	}
	return issues, nil
}

// ============================================================================
// Memory
// ============================================================================

// MemoryScanner reports sustained memory pressure from /proc/meminfo.
type MemoryScanner struct {
	runner Runner
	warn   float64
	logger *slog.Logger
}

func (m *MemoryScanner) Name() string { return "memory" }

func (m *MemoryScanner) Scan(ctx context.Context) ([]*datatypes.SystemIssue, error) {
	result, err := m.runner.Run(ctx, datatypes.CommandSpec{
		Program: "cat",
		Args:    []string{"/proc/meminfo"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read meminfo: %w", err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("meminfo read exited %d", result.ExitCode)
	}

	total, avail := meminfoKB(result.Stdout, "MemTotal"), meminfoKB(result.Stdout, "MemAvailable")
	if total <= 0 || avail < 0 {
		return nil, fmt.Errorf("meminfo missing MemTotal/MemAvailable")
	}
	usedPct := 100.0 * float64(total-avail) / float64(total)
	if usedPct < m.warn {
		return nil, nil
	}
	return []*datatypes.SystemIssue{{
		ID:          "memory-pressure",
		Category:    "memory_pressure",
		Severity:    datatypes.SeverityHigh,
		Description: fmt.Sprintf("memory is %.1f%% used", usedPct),
		DetectedAt:  time.Now().UTC(),
		Evidence:    fmt.Sprintf("%.1f%% of %d kB in use", usedPct, total),
	}}, nil
}

func meminfoKB(out, key string) int64 {
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, key+":") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return -1
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return -1
		}
		return v
	}
	return -1
}

// ============================================================================
// Services
// ============================================================================

// ServiceScanner reports systemd units in the failed state. The issue's
// Evidence is the bare unit name so catalog templates can reference it.
type ServiceScanner struct {
	runner Runner
	logger *slog.Logger
}

func (s *ServiceScanner) Name() string { return "services" }

func (s *ServiceScanner) Scan(ctx context.Context) ([]*datatypes.SystemIssue, error) {
	result, err := s.runner.Run(ctx, datatypes.CommandSpec{
		Program: "systemctl",
		Args:    []string{"--failed", "--no-legend", "--plain"},
	})
	if err != nil {
		return nil, fmt.Errorf("systemctl failed to run: %w", err)
	}
	// systemctl --failed exits 0 whether or not units are failed.
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("systemctl exited %d", result.ExitCode)
	}

	var issues []*datatypes.SystemIssue
	now := time.Now().UTC()
	for _, line := range strings.Split(strings.TrimSpace(result.Stdout), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		unit := fields[0]
		severity := datatypes.SeverityMedium
		if isCriticalUnit(unit) {
			severity = datatypes.SeverityHigh
		}
		issues = append(issues, &datatypes.SystemIssue{
			ID:          "service-" + sanitizeID(unit),
			Category:    "failed_service",
			Severity:    severity,
			Description: fmt.Sprintf("systemd unit %s is in a failed state", unit),
			DetectedAt:  now,
			Evidence:    unit,
		})
	}
	return issues, nil
}

// isCriticalUnit flags units whose failure degrades the whole host
// rather than one workload.
func isCriticalUnit(unit string) bool {
	for _, prefix := range []string{"systemd-", "NetworkManager", "sshd", "dbus", "polkit"} {
		if strings.HasPrefix(unit, prefix) {
			return true
		}
	}
	return false
}

// ============================================================================
// Updates
// ============================================================================

// UpdateScanner reports pending pacman updates, classifying known
// security-sensitive packages separately.
type UpdateScanner struct {
	runner Runner
	logger *slog.Logger
}

func (u *UpdateScanner) Name() string { return "updates" }

// securityPackages get the security_update category when an update is
// pending. The list follows Arch's most commonly advisoried packages.
var securityPackages = map[string]bool{
	"openssl": true, "openssh": true, "glibc": true, "systemd": true,
	"curl": true, "sudo": true, "linux": true, "linux-asahi": true,
	"firefox": true, "chromium": true,
}

func (u *UpdateScanner) Scan(ctx context.Context) ([]*datatypes.SystemIssue, error) {
	// checkupdates never touches the live sync DB. Exit 2 means no
	// updates; exit 1 means it could not check.
	result, err := u.runner.Run(ctx, datatypes.CommandSpec{Program: "checkupdates"})
	if err != nil {
		return nil, fmt.Errorf("checkupdates failed to run: %w", err)
	}
	if result.ExitCode == 2 {
		return nil, nil
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("checkupdates exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	now := time.Now().UTC()
	var security []string
	total := 0
	for _, line := range strings.Split(strings.TrimSpace(result.Stdout), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		total++
		if securityPackages[fields[0]] {
			security = append(security, fields[0])
		}
	}
	if total == 0 {
		return nil, nil
	}

	var issues []*datatypes.SystemIssue
	if len(security) > 0 {
		issues = append(issues, &datatypes.SystemIssue{
			ID:          "security-updates",
			Category:    "security_update",
			Severity:    datatypes.SeverityHigh,
			Description: fmt.Sprintf("%d security-sensitive package(s) have pending updates", len(security)),
			DetectedAt:  now,
			Evidence:    strings.Join(security, ", "),
		})
	}
	issues = append(issues, &datatypes.SystemIssue{
		ID:          "pending-updates",
		Category:    "pending_updates",
		Severity:    datatypes.SeverityLow,
		Description: fmt.Sprintf("%d package update(s) available", total),
		DetectedAt:  now,
		Evidence:    fmt.Sprintf("%d packages", total),
	})
	return issues, nil
}

// sanitizeID turns a path or unit name into an ID-safe token.
func sanitizeID(s string) string {
	s = strings.Trim(s, "/")
	if s == "" {
		return "root"
	}
	return strings.NewReplacer("/", "-", ".", "-", "@", "-").Replace(s)
}
