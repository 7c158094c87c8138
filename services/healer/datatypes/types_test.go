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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validFix() *Fix {
	return &Fix{
		ID:         "fix-1",
		IssueID:    "issue-1",
		Commands:   []CommandSpec{{Program: "paccache", Args: []string{"-rk2"}}},
		ScopePaths: []string{"cache:pacman"},
		RiskLevel:  SeverityLow,
	}
}

func TestSeverity(t *testing.T) {
	t.Run("ordering", func(t *testing.T) {
		// Lower rank sorts first: critical is most urgent.
		assert.Less(t, SeverityCritical.Rank(), SeverityHigh.Rank())
		assert.Less(t, SeverityHigh.Rank(), SeverityMedium.Rank())
		assert.Less(t, SeverityMedium.Rank(), SeverityLow.Rank())
	})

	t.Run("at most", func(t *testing.T) {
		assert.True(t, SeverityLow.AtMost(SeverityMedium))
		assert.True(t, SeverityMedium.AtMost(SeverityMedium))
		assert.False(t, SeverityHigh.AtMost(SeverityMedium))
	})

	t.Run("parse unknown defaults to medium", func(t *testing.T) {
		assert.Equal(t, SeverityMedium, ParseSeverity("bogus"))
		assert.Equal(t, SeverityCritical, ParseSeverity("critical"))
		assert.Equal(t, SeverityHigh, ParseSeverity("HIGH"))
	})
}

func TestCommandSpecString(t *testing.T) {
	assert.Equal(t, "pacman -Syu --noconfirm",
		CommandSpec{Program: "pacman", Args: []string{"-Syu", "--noconfirm"}}.String())
	assert.Equal(t, "sync", CommandSpec{Program: "sync"}.String())
}

func TestFixStatusTerminal(t *testing.T) {
	for _, s := range []FixStatus{StatusSucceeded, StatusFailed, StatusRolledBack, StatusSkipped} {
		assert.True(t, s.Terminal(), "status %s", s)
	}
	for _, s := range []FixStatus{StatusPending, StatusValidating, StatusBackingUp, StatusExecuting, StatusVerifying} {
		assert.False(t, s.Terminal(), "status %s", s)
	}
}

func TestValidateFix(t *testing.T) {
	t.Run("valid fix passes", func(t *testing.T) {
		require.NoError(t, ValidateFix(validFix()))
	})

	t.Run("missing commands rejected", func(t *testing.T) {
		fix := validFix()
		fix.Commands = nil
		assert.Error(t, ValidateFix(fix))
	})

	t.Run("missing scope rejected", func(t *testing.T) {
		fix := validFix()
		fix.ScopePaths = nil
		assert.Error(t, ValidateFix(fix))
	})

	t.Run("unknown risk level rejected", func(t *testing.T) {
		fix := validFix()
		fix.RiskLevel = "catastrophic"
		assert.Error(t, ValidateFix(fix))
	})

	t.Run("self dependency rejected", func(t *testing.T) {
		fix := validFix()
		fix.DependsOn = []string{fix.ID}
		assert.Error(t, ValidateFix(fix))
	})
}

func TestNormalizeSuggestion(t *testing.T) {
	now := time.Date(2025, 11, 2, 10, 0, 0, 0, time.UTC)

	t.Run("well-formed suggestion", func(t *testing.T) {
		fix, err := NormalizeSuggestion(&SuggestedFix{
			IssueID:     "disk-var",
			Title:       "Clean journal",
			Explanation: "The journal takes 4G.",
			Commands:    []SuggestedCommand{{Program: "journalctl", Args: []string{"--vacuum-size=500M"}}},
			ScopePaths:  []string{"/var/log/journal"},
			RiskLevel:   "low",
		}, now)
		require.NoError(t, err)
		assert.Equal(t, "disk-var", fix.IssueID)
		assert.Equal(t, SeverityLow, fix.RiskLevel)
		assert.False(t, fix.Reversible, "missing reversible must default to false")
		assert.Contains(t, fix.ID, "ai-disk-var-")
	})

	t.Run("collapsed shell string rejected", func(t *testing.T) {
		_, err := NormalizeSuggestion(&SuggestedFix{
			IssueID:    "disk-var",
			Commands:   []SuggestedCommand{{Program: "journalctl --vacuum-size=500M"}},
			ScopePaths: []string{"/var/log/journal"},
		}, now)
		assert.Error(t, err)
	})

	t.Run("shell metacharacters rejected", func(t *testing.T) {
		_, err := NormalizeSuggestion(&SuggestedFix{
			IssueID:    "x",
			Commands:   []SuggestedCommand{{Program: "sh|sh"}},
			ScopePaths: []string{"/tmp"},
		}, now)
		assert.Error(t, err)
	})

	t.Run("no scopes rejected", func(t *testing.T) {
		_, err := NormalizeSuggestion(&SuggestedFix{
			IssueID:  "x",
			Commands: []SuggestedCommand{{Program: "sync"}},
		}, now)
		assert.Error(t, err)
	})

	t.Run("nil and empty rejected", func(t *testing.T) {
		_, err := NormalizeSuggestion(nil, now)
		assert.Error(t, err)
		_, err = NormalizeSuggestion(&SuggestedFix{IssueID: "x", ScopePaths: []string{"/tmp"}}, now)
		assert.Error(t, err)
	})
}

func TestIsBatchFatal(t *testing.T) {
	rb := &RollbackError{FixID: "f", ManifestID: "m", Failures: []string{"x"}}
	assert.True(t, IsBatchFatal(rb))
	assert.False(t, IsBatchFatal(&ExecutionError{FixID: "f"}))
	assert.False(t, IsBatchFatal(errors.New("plain")))
	assert.False(t, IsBatchFatal(nil))
}
