// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

// Decision is the validator's verdict on a single command.
type Decision struct {
	Allowed bool
	Reason  string

	// PolicyVersion names the policy revision that produced the
	// decision, for the audit trail.
	PolicyVersion int
}

// Validator checks commands against the active policy.
//
// # Thread Safety
//
// Validate may be called from any goroutine; SetPolicy swaps the active
// policy atomically, so a reload never observes a half-applied list.
type Validator struct {
	policy atomic.Pointer[Policy]
}

// NewValidator creates a validator with the given policy.
func NewValidator(p *Policy) *Validator {
	v := &Validator{}
	v.policy.Store(p)
	return v
}

// SetPolicy atomically replaces the active policy.
func (v *Validator) SetPolicy(p *Policy) {
	v.policy.Store(p)
}

// PolicyVersion returns the active policy revision.
func (v *Validator) PolicyVersion() int {
	return v.policy.Load().Version
}

// Validate decides whether a command may run for a fix of the given
// risk tier.
//
// # Description
//
// Checks run in order: deny-list shapes, path containment, privilege
// scope. The first failing check decides; the command is never rewritten.
//
// # Outputs
//
//   - Decision: Allowed=false carries the human-readable reason the
//     command was blocked.
func (v *Validator) Validate(cmd datatypes.CommandSpec, risk datatypes.Severity) Decision {
	p := v.policy.Load()
	deny := func(reason string) Decision {
		return Decision{Allowed: false, Reason: reason, PolicyVersion: p.Version}
	}

	program := filepath.Base(cmd.Program)
	if program == "" || program == "." || program == string(filepath.Separator) {
		return deny("empty program")
	}

	// 1. Deny-list shapes.
	for _, rule := range p.Deny {
		if ruleMatches(rule, program, cmd.Args) {
			return deny(fmt.Sprintf("matches deny rule %q", rule.Name))
		}
	}

	// 2. Path containment. Every absolute path argument must resolve
	// under an allow-listed prefix.
	for _, arg := range pathArgs(cmd.Args) {
		if !pathAllowed(arg, p.AllowPathPrefixes) {
			return deny(fmt.Sprintf("path %q is outside the allowed prefixes", arg))
		}
	}

	// 3. Privilege scope, and re-validation of the wrapped command.
	// "sudo rm -rf /" must be judged as rm, not as sudo.
	if isEscalation(program) {
		if !p.Escalation[risk] {
			return deny(fmt.Sprintf("privilege escalation not permitted at risk tier %q", risk))
		}
		if inner, ok := unwrapEscalation(cmd.Args); ok {
			return v.Validate(inner, risk)
		}
	}

	return Decision{Allowed: true, PolicyVersion: p.Version}
}

// unwrapEscalation strips an escalation wrapper's own flags and returns
// the inner command. Returns ok=false for a bare "sudo -v" style call
// with no wrapped command.
func unwrapEscalation(args []string) (datatypes.CommandSpec, bool) {
	for i, arg := range args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		return datatypes.CommandSpec{Program: arg, Args: args[i+1:]}, true
	}
	return datatypes.CommandSpec{}, false
}

// ruleMatches reports whether a deny rule matches the command. All
// specified conditions must hold.
func ruleMatches(rule DenyRule, program string, args []string) bool {
	if len(rule.Programs) > 0 {
		found := false
		for _, p := range rule.Programs {
			if p == program {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, flag := range rule.FlagsAll {
		if !hasFlag(args, flag) {
			return false
		}
	}

	if rule.PathMaxDepth != nil {
		found := false
		for _, arg := range pathArgs(args) {
			if pathDepth(arg) <= *rule.PathMaxDepth {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(rule.ArgSubstringAny) > 0 {
		found := false
		for _, arg := range args {
			for _, sub := range rule.ArgSubstringAny {
				if strings.Contains(arg, sub) {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// hasFlag reports whether the flag appears among the arguments.
// Single-letter flags also match inside clusters, so "-rf" carries
// "-r" and "-f". Long flags match exactly or as "--flag=value".
func hasFlag(args []string, flag string) bool {
	short := len(flag) == 2 && strings.HasPrefix(flag, "-") && !strings.HasPrefix(flag, "--")
	for _, arg := range args {
		if arg == flag {
			return true
		}
		if short && strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") {
			if strings.ContainsRune(arg[1:], rune(flag[1])) {
				return true
			}
		}
		if strings.HasPrefix(flag, "--") && strings.HasPrefix(arg, flag+"=") {
			return true
		}
	}
	return false
}

// pathArgs extracts the absolute path arguments, including paths
// embedded in key=value arguments like dd's "of=/dev/sda".
func pathArgs(args []string) []string {
	var paths []string
	for _, arg := range args {
		candidate := arg
		if i := strings.Index(arg, "="); i >= 0 && strings.HasPrefix(arg[i+1:], "/") {
			candidate = arg[i+1:]
		}
		if strings.HasPrefix(candidate, "/") {
			paths = append(paths, filepath.Clean(candidate))
		}
	}
	return paths
}

// pathDepth counts components below the root: "/" is 0, "/etc" is 1.
func pathDepth(path string) int {
	clean := filepath.Clean(path)
	if clean == "/" {
		return 0
	}
	return strings.Count(clean, "/")
}

// pathAllowed reports whether path resolves under any allowed prefix.
func pathAllowed(path string, prefixes []string) bool {
	clean := filepath.Clean(path)
	for _, prefix := range prefixes {
		prefix = filepath.Clean(prefix)
		if clean == prefix || strings.HasPrefix(clean, prefix+"/") {
			return true
		}
	}
	return false
}

// escalationPrograms are the privilege escalation front doors.
var escalationPrograms = map[string]bool{
	"sudo":   true,
	"doas":   true,
	"su":     true,
	"pkexec": true,
}

func isEscalation(program string) bool {
	return escalationPrograms[program]
}
