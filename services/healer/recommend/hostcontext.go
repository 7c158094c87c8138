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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

// Runner executes a read-only probe command. Satisfied by
// executor.ExecRunner.
type Runner interface {
	Run(ctx context.Context, spec datatypes.CommandSpec) (datatypes.CommandResult, error)
}

// HostDetector derives a Context from the live host.
//
// Detection is best-effort: a signal that cannot be read reports false,
// so the rules fall back to their unmodulated defaults rather than
// failing the recommendation pass.
type HostDetector struct {
	runner         Runner
	powerSupplyDir string
	kernelPackages []string
	logger         *slog.Logger
}

// NewHostDetector creates a detector backed by the given runner.
func NewHostDetector(runner Runner, logger *slog.Logger) *HostDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostDetector{
		runner:         runner,
		powerSupplyDir: "/sys/class/power_supply",
		kernelPackages: []string{"linux-asahi", "linux"},
		logger:         logger.With("component", "recommend.HostDetector"),
	}
}

// Detect probes the signals Classify weighs.
func (d *HostDetector) Detect(ctx context.Context) Context {
	return Context{
		PendingReboot: d.pendingReboot(ctx),
		OnBattery:     d.onBattery(),
	}
}

// pendingReboot compares the running kernel release against the
// installed kernel package. A kernel upgrade that has been applied but
// not booted is the common reason the two diverge.
func (d *HostDetector) pendingReboot(ctx context.Context) bool {
	release, err := d.run(ctx, "uname", "-r")
	if err != nil || release == "" {
		return false
	}
	for _, pkg := range d.kernelPackages {
		out, err := d.run(ctx, "pacman", "-Q", pkg)
		if err != nil {
			continue
		}
		fields := strings.Fields(out)
		if len(fields) != 2 {
			continue
		}
		if kernelMatches(release, fields[1]) {
			return false
		}
		d.logger.Info("installed kernel differs from the running one",
			"package", pkg,
			"installed", fields[1],
			"running", release)
		return true
	}
	return false
}

// kernelMatches reports whether the running release corresponds to the
// installed package version. The release decorates the version
// ("6.8.1-1-asahi-ARCH" for package version "6.8.1-1") and separator
// conventions vary, so both sides are normalized for the prefix check.
func kernelMatches(release, version string) bool {
	norm := strings.NewReplacer("-", ".", "_", ".")
	return strings.HasPrefix(norm.Replace(release), norm.Replace(version))
}

// onBattery reads the AC adapter state from sysfs. A host with no
// Mains supply entry at all (a desktop) reads as mains-powered.
func (d *HostDetector) onBattery() bool {
	entries, err := os.ReadDir(d.powerSupplyDir)
	if err != nil {
		return false
	}
	sawMains := false
	for _, e := range entries {
		base := filepath.Join(d.powerSupplyDir, e.Name())
		typ, err := os.ReadFile(filepath.Join(base, "type"))
		if err != nil || strings.TrimSpace(string(typ)) != "Mains" {
			continue
		}
		sawMains = true
		online, err := os.ReadFile(filepath.Join(base, "online"))
		if err == nil && strings.TrimSpace(string(online)) == "1" {
			return false
		}
	}
	return sawMains
}

func (d *HostDetector) run(ctx context.Context, program string, args ...string) (string, error) {
	result, err := d.runner.Run(ctx, datatypes.CommandSpec{Program: program, Args: args})
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("%s exited %d", program, result.ExitCode)
	}
	return strings.TrimSpace(result.Stdout), nil
}
