// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog holds the static library of known fixes.
//
// Catalog entries are templates keyed by issue category. Resolving an
// entry against a concrete issue stamps out a validated Fix bound to
// that issue's ID. Entries come from a built-in table plus an optional
// user YAML file; user entries with a known category override the
// built-in one.
package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

// Template is a fix with the issue binding left open.
type Template struct {
	Category    string                  `yaml:"category"`
	Title       string                  `yaml:"title"`
	Commands    []datatypes.CommandSpec `yaml:"commands"`
	ScopePaths  []string                `yaml:"scope_paths"`
	RiskLevel   datatypes.Severity      `yaml:"risk_level"`
	Reversible  bool                    `yaml:"reversible"`
	Probe       *datatypes.Probe        `yaml:"probe,omitempty"`
	Description string                  `yaml:"description,omitempty"`
}

// builtins covers the categories the scanners can report.
var builtins = []Template{
	{
		Category:   "disk_space",
		Title:      "Clean package cache",
		Commands:   []datatypes.CommandSpec{{Program: "paccache", Args: []string{"-rk2"}}},
		ScopePaths: []string{"cache:pacman"},
		RiskLevel:  datatypes.SeverityLow,
		Reversible: false,
		Probe: &datatypes.Probe{
			Command: datatypes.CommandSpec{Program: "df", Args: []string{"--output=pcent", "/var"}},
		},
		Description: "Removes cached package archives, keeping the two most recent versions of each.",
	},
	{
		Category:   "failed_service",
		Title:      "Restart failed service",
		Commands:   []datatypes.CommandSpec{{Program: "systemctl", Args: []string{"restart", "{{unit}}"}}},
		ScopePaths: []string{"/run/systemd"},
		RiskLevel:  datatypes.SeverityMedium,
		Reversible: false,
		// "is-active" exits 0 exactly when the unit is healthy;
		// "is-failed" does the opposite, which would read a recovered
		// unit as a probe failure.
		Probe: &datatypes.Probe{
			Command:         datatypes.CommandSpec{Program: "systemctl", Args: []string{"is-active", "{{unit}}"}},
			ExpectSubstring: "active",
		},
		Description: "Restarts the failed unit and confirms it is active again.",
	},
	{
		Category:   "pending_updates",
		Title:      "Apply pending package updates",
		Commands:   []datatypes.CommandSpec{{Program: "pacman", Args: []string{"-Syu", "--noconfirm"}, Timeout: 30 * time.Minute}},
		ScopePaths: []string{"/var/lib/pacman", "cache:pacman"},
		RiskLevel:  datatypes.SeverityMedium,
		Reversible: true,
		// "pacman -Qu" exits 1 with no output once nothing is left to
		// upgrade; exit 0 means updates remain.
		Probe: &datatypes.Probe{
			Command:    datatypes.CommandSpec{Program: "pacman", Args: []string{"-Qu"}},
			ExpectExit: 1,
		},
		Description: "Full system upgrade. Package state is snapshotted so a failed upgrade can be rolled back.",
	},
	{
		Category:   "memory_pressure",
		Title:      "Drop reclaimable caches",
		Commands:   []datatypes.CommandSpec{{Program: "sync"}},
		ScopePaths: []string{"/proc/sys/vm"},
		RiskLevel:  datatypes.SeverityLow,
		Reversible: false,
		Description: "Flushes dirty pages; the kernel reclaims clean cache under pressure on its own.",
	},
}

// Catalog resolves issue categories to fix templates.
type Catalog struct {
	byCategory map[string]Template
	logger     *slog.Logger
}

// Load builds the catalog from the built-ins plus the optional user
// file. A missing user file is not an error; a malformed one is.
func Load(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		byCategory: make(map[string]Template, len(builtins)),
		logger:     logger.With("component", "catalog.Catalog"),
	}
	for _, t := range builtins {
		c.byCategory[t.Category] = t
	}

	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read fix catalog: %w", err)
	}
	var user struct {
		Fixes []Template `yaml:"fixes"`
	}
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to parse fix catalog %s: %w", path, err)
	}
	for _, t := range user.Fixes {
		if t.Category == "" {
			return nil, fmt.Errorf("fix catalog %s: entry %q has no category", path, t.Title)
		}
		c.byCategory[t.Category] = t
		c.logger.Debug("catalog entry loaded", "category", t.Category, "title", t.Title)
	}
	return c, nil
}

// Resolve stamps out a fix for the issue, or nil if no template covers
// its category. The returned fix has passed schema validation.
func (c *Catalog) Resolve(issue *datatypes.SystemIssue) (*datatypes.Fix, error) {
	t, ok := c.byCategory[issue.Category]
	if !ok {
		return nil, nil
	}
	fix := &datatypes.Fix{
		ID:          fmt.Sprintf("catalog-%s-%s", t.Category, issue.ID),
		IssueID:     issue.ID,
		Title:       t.Title,
		Commands:    expandCommands(t.Commands, issue),
		ScopePaths:  append([]string(nil), t.ScopePaths...),
		RiskLevel:   t.RiskLevel,
		Reversible:  t.Reversible,
		Probe:       expandProbe(t.Probe, issue),
		Description: t.Description,
	}
	if err := datatypes.ValidateFix(fix); err != nil {
		return nil, fmt.Errorf("catalog template %q produced an invalid fix: %w", t.Category, err)
	}
	return fix, nil
}

// Categories lists the categories the catalog can fix, for display.
func (c *Catalog) Categories() []string {
	out := make([]string, 0, len(c.byCategory))
	for cat := range c.byCategory {
		out = append(out, cat)
	}
	return out
}

// expandCommands substitutes the {{unit}} placeholder with the issue's
// evidence token. Only failed_service templates use it; the evidence
// for those issues is the unit name itself.
func expandCommands(commands []datatypes.CommandSpec, issue *datatypes.SystemIssue) []datatypes.CommandSpec {
	out := make([]datatypes.CommandSpec, len(commands))
	for i, cmd := range commands {
		out[i] = datatypes.CommandSpec{Program: cmd.Program, Timeout: cmd.Timeout}
		for _, arg := range cmd.Args {
			if arg == "{{unit}}" {
				arg = issue.Evidence
			}
			out[i].Args = append(out[i].Args, arg)
		}
	}
	return out
}

func expandProbe(probe *datatypes.Probe, issue *datatypes.SystemIssue) *datatypes.Probe {
	if probe == nil {
		return nil
	}
	expanded := *probe
	cmds := expandCommands([]datatypes.CommandSpec{probe.Command}, issue)
	expanded.Command = cmds[0]
	return &expanded
}
