// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety gatekeeps every command before it is allowed to run.
//
// The validator only accepts or rejects; it never rewrites or sanitizes
// a command. Its deny-list and allow-list come from a versioned YAML
// policy document rather than hard-coded constants, so the lists can
// evolve without code changes. A rejected command must never reach the
// executor.
package safety

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

// Policy is the versioned safety configuration.
type Policy struct {
	// Version identifies the policy revision. Must be >= 1; bump it on
	// every edit so audit entries can name the policy that allowed or
	// blocked a command.
	Version int `yaml:"version"`

	// Deny lists destructive command shapes. Checked first.
	Deny []DenyRule `yaml:"deny"`

	// AllowPathPrefixes is the prefix set every absolute path argument
	// must resolve under. The root "/" itself is never allowed: a
	// command that targets the whole filesystem has no business in an
	// automated fix.
	AllowPathPrefixes []string `yaml:"allow_path_prefixes"`

	// Escalation maps a fix's risk tier to whether privilege
	// escalation (sudo, doas, su, pkexec) is permitted for it.
	Escalation map[datatypes.Severity]bool `yaml:"escalation"`
}

// DenyRule describes one destructive command shape.
//
// A rule matches a command when ALL of its specified conditions hold.
// Matching is structural, against the argument list; no shell parsing
// is involved.
type DenyRule struct {
	Name string `yaml:"name"`

	// Programs are command basenames this rule applies to. Empty means
	// any program.
	Programs []string `yaml:"programs,omitempty"`

	// FlagsAll must all be present among the arguments. Single-letter
	// flags match inside clusters: "-rf" contains "-r" and "-f".
	FlagsAll []string `yaml:"flags_all,omitempty"`

	// PathMaxDepth triggers when any absolute path argument is at this
	// depth or shallower. Depth 0 is "/", depth 1 is "/etc".
	PathMaxDepth *int `yaml:"path_max_depth,omitempty"`

	// ArgSubstringAny triggers when any argument contains one of the
	// listed substrings.
	ArgSubstringAny []string `yaml:"arg_substring_any,omitempty"`
}

// DefaultPolicy returns the built-in policy shipped with the healer.
//
// It covers the four shapes that must never run unattended: recursive
// deletion of root-level paths, raw block-device writes, pipe-fetched
// script execution, and filesystem formatting.
func DefaultPolicy() *Policy {
	depth1 := 1
	return &Policy{
		Version: 1,
		Deny: []DenyRule{
			{
				Name:         "recursive-root-delete",
				Programs:     []string{"rm"},
				FlagsAll:     []string{"-r"},
				PathMaxDepth: &depth1,
			},
			{
				Name:            "raw-block-device-write",
				Programs:        []string{"dd"},
				ArgSubstringAny: []string{"of=/dev/"},
			},
			{
				Name:     "block-device-wipe",
				Programs: []string{"wipefs", "shred", "blkdiscard"},
			},
			{
				Name: "filesystem-format",
				Programs: []string{
					"mkfs", "mkfs.ext4", "mkfs.btrfs", "mkfs.xfs",
					"mkfs.vfat", "mkswap", "fdisk", "parted", "sfdisk",
				},
			},
			{
				Name:            "pipe-fetched-script",
				Programs:        []string{"sh", "bash", "zsh", "dash"},
				FlagsAll:        []string{"-c"},
				ArgSubstringAny: []string{"curl", "wget", "| sh", "|sh", "| bash", "|bash"},
			},
		},
		AllowPathPrefixes: []string{
			"/etc", "/var", "/boot", "/home", "/tmp", "/usr",
			"/opt", "/srv", "/run", "/proc", "/sys",
		},
		Escalation: map[datatypes.Severity]bool{
			datatypes.SeverityLow:      true,
			datatypes.SeverityMedium:   true,
			datatypes.SeverityHigh:     false,
			datatypes.SeverityCritical: false,
		},
	}
}

// LoadPolicy reads a policy document from path.
//
// A missing file returns the default policy so the healer is safe out
// of the box. An unreadable or invalid file is an error: running with
// no deny-list is not an acceptable fallback.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return nil, fmt.Errorf("reading safety policy %s: %w", path, err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing safety policy %s: %w", path, err)
	}
	if err := p.Check(); err != nil {
		return nil, fmt.Errorf("safety policy %s: %w", path, err)
	}
	return &p, nil
}

// Check validates policy structure.
func (p *Policy) Check() error {
	if p.Version < 1 {
		return fmt.Errorf("version must be >= 1, got %d", p.Version)
	}
	for i, r := range p.Deny {
		if r.Name == "" {
			return fmt.Errorf("deny rule %d has no name", i)
		}
		if len(r.Programs) == 0 && len(r.FlagsAll) == 0 &&
			r.PathMaxDepth == nil && len(r.ArgSubstringAny) == 0 {
			return fmt.Errorf("deny rule %q matches nothing", r.Name)
		}
	}
	for _, prefix := range p.AllowPathPrefixes {
		if prefix == "/" {
			return fmt.Errorf("allow_path_prefixes must not contain the filesystem root")
		}
	}
	return nil
}
