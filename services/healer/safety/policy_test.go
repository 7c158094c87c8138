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
	"os"
	"path/filepath"
	"testing"

	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

func TestLoadPolicy(t *testing.T) {
	t.Run("missing file returns default policy", func(t *testing.T) {
		p, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
		if err != nil {
			t.Fatalf("LoadPolicy failed: %v", err)
		}
		if p.Version != 1 {
			t.Errorf("expected default version 1, got %d", p.Version)
		}
		if len(p.Deny) == 0 {
			t.Error("default policy must carry deny rules")
		}
	})

	t.Run("valid file loads", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		doc := `
version: 3
deny:
  - name: no-reboot
    programs: [reboot]
allow_path_prefixes: ["/etc", "/var"]
escalation:
  low: true
  medium: false
  high: false
  critical: false
`
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatal(err)
		}
		p, err := LoadPolicy(path)
		if err != nil {
			t.Fatalf("LoadPolicy failed: %v", err)
		}
		if p.Version != 3 {
			t.Errorf("expected version 3, got %d", p.Version)
		}
		if !p.Escalation[datatypes.SeverityLow] || p.Escalation[datatypes.SeverityMedium] {
			t.Error("escalation map not loaded correctly")
		}
	})

	t.Run("invalid file is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		if err := os.WriteFile(path, []byte("version: 0\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadPolicy(path); err == nil {
			t.Error("expected error for version 0")
		}
	})

	t.Run("root allow prefix rejected", func(t *testing.T) {
		p := DefaultPolicy()
		p.AllowPathPrefixes = append(p.AllowPathPrefixes, "/")
		if err := p.Check(); err == nil {
			t.Error("expected error for root allow prefix")
		}
	})

	t.Run("vacuous deny rule rejected", func(t *testing.T) {
		p := DefaultPolicy()
		p.Deny = append(p.Deny, DenyRule{Name: "matches-everything"})
		if err := p.Check(); err == nil {
			t.Error("expected error for deny rule with no conditions")
		}
	})
}

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")

	v := NewValidator(DefaultPolicy())
	w, err := NewWatcher(path, v, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.watcher.Close()

	t.Run("valid update swaps policy", func(t *testing.T) {
		doc := "version: 7\nallow_path_prefixes: [\"/etc\"]\n"
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatal(err)
		}
		w.reload()
		if got := v.PolicyVersion(); got != 7 {
			t.Errorf("expected version 7 after reload, got %d", got)
		}
	})

	t.Run("broken update keeps previous policy", func(t *testing.T) {
		if err := os.WriteFile(path, []byte("version: : nope"), 0o600); err != nil {
			t.Fatal(err)
		}
		w.reload()
		if got := v.PolicyVersion(); got != 7 {
			t.Errorf("broken file must not replace the policy, got version %d", got)
		}
	})
}
