// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"strings"
	"time"
)

// SuggestedFix is the loosely-typed shape an AI integration produces.
//
// # Description
//
// The model is asked for structured JSON but its output is still
// untrusted input: fields may be missing, severities free-form, commands
// sloppy. NormalizeSuggestion converts a SuggestedFix into a Fix that
// satisfies the same schema as catalog fixes; nothing enters the
// orchestrator in this raw form. Safety validation happens later, per
// command, in the safety package — normalization never rewrites or
// sanitizes a command, it only rejects ones it cannot represent.
type SuggestedFix struct {
	IssueID     string             `json:"issue_id"`
	Title       string             `json:"title"`
	Explanation string             `json:"explanation"`
	Commands    []SuggestedCommand `json:"commands"`
	ScopePaths  []string           `json:"scope_paths"`
	RiskLevel   string             `json:"risk_level"`
	Reversible  *bool              `json:"reversible"`
	Probe       *Probe             `json:"probe"`
}

// SuggestedCommand is one command in an AI suggestion. Program and Args
// are kept separate in the prompt contract; a suggestion that collapses
// them into a shell string is rejected rather than re-split.
type SuggestedCommand struct {
	Program string   `json:"program"`
	Args    []string `json:"args"`
}

// NormalizeSuggestion converts an AI suggestion into a schema-valid Fix.
//
// # Outputs
//
//   - *Fix: Validated fix, ready for the orchestrator (and for the
//     safety validator, which still gatekeeps every command).
//   - error: Non-nil if the suggestion cannot be represented as a Fix.
func NormalizeSuggestion(s *SuggestedFix, now time.Time) (*Fix, error) {
	if s == nil {
		return nil, fmt.Errorf("nil suggestion")
	}
	if s.IssueID == "" {
		return nil, fmt.Errorf("suggestion missing issue_id")
	}

	commands := make([]CommandSpec, 0, len(s.Commands))
	for i, sc := range s.Commands {
		prog := strings.TrimSpace(sc.Program)
		if prog == "" {
			continue
		}
		// A "program" containing whitespace or shell metacharacters is
		// a collapsed shell string. Reject instead of re-splitting:
		// guessing at quoting rules is how injection bugs start.
		if strings.ContainsAny(prog, " \t|;&<>$`") {
			return nil, fmt.Errorf("suggestion command %d is not a structured program+args value: %q", i, prog)
		}
		commands = append(commands, CommandSpec{Program: prog, Args: sc.Args})
	}
	if len(commands) == 0 {
		return nil, fmt.Errorf("suggestion for issue %s has no usable commands", s.IssueID)
	}

	scopes := make([]string, 0, len(s.ScopePaths))
	for _, sp := range s.ScopePaths {
		sp = strings.TrimSpace(sp)
		if sp != "" {
			scopes = append(scopes, sp)
		}
	}
	if len(scopes) == 0 {
		return nil, fmt.Errorf("suggestion for issue %s declares no scope paths", s.IssueID)
	}

	// AI fixes default to non-reversible unless the suggestion says
	// otherwise: excluding them from automatic rollback is the safer
	// reading of a missing field.
	reversible := false
	if s.Reversible != nil {
		reversible = *s.Reversible
	}

	fix := &Fix{
		ID:          fmt.Sprintf("ai-%s-%s", s.IssueID, now.UTC().Format("20060102T150405")),
		IssueID:     s.IssueID,
		Title:       s.Title,
		Commands:    commands,
		ScopePaths:  scopes,
		RiskLevel:   ParseSeverity(s.RiskLevel),
		Reversible:  reversible,
		Probe:       s.Probe,
		Description: strings.TrimSpace(s.Explanation),
	}
	if err := ValidateFix(fix); err != nil {
		return nil, err
	}
	return fix, nil
}
