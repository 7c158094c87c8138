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
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

// commandRunner serves scripted results keyed by "program arg...".
type commandRunner struct {
	results map[string]datatypes.CommandResult
}

func (r *commandRunner) Run(_ context.Context, spec datatypes.CommandSpec) (datatypes.CommandResult, error) {
	if result, ok := r.results[spec.String()]; ok {
		return result, nil
	}
	return datatypes.CommandResult{ExitCode: 127}, nil
}

func newTestDetector(runner Runner) *HostDetector {
	d := NewHostDetector(runner, slog.Default())
	// Point sysfs reads somewhere that does not exist unless the test
	// provides it.
	d.powerSupplyDir = filepath.Join(os.TempDir(), "no-such-power-supply")
	return d
}

func TestHostDetector_PendingReboot(t *testing.T) {
	ctx := context.Background()

	t.Run("running kernel matches installed package", func(t *testing.T) {
		d := newTestDetector(&commandRunner{results: map[string]datatypes.CommandResult{
			"uname -r":              {Stdout: "6.8.1-1-asahi-ARCH\n"},
			"pacman -Q linux-asahi": {Stdout: "linux-asahi 6.8.1-1\n"},
		}})
		if got := d.Detect(ctx); got.PendingReboot {
			t.Errorf("Detect = %+v, want no pending reboot", got)
		}
	})

	t.Run("installed kernel is newer than the running one", func(t *testing.T) {
		d := newTestDetector(&commandRunner{results: map[string]datatypes.CommandResult{
			"uname -r":              {Stdout: "6.8.1-1-asahi-ARCH\n"},
			"pacman -Q linux-asahi": {Stdout: "linux-asahi 6.9.2-1\n"},
		}})
		if got := d.Detect(ctx); !got.PendingReboot {
			t.Errorf("Detect = %+v, want pending reboot", got)
		}
	})

	t.Run("falls through to the next kernel package", func(t *testing.T) {
		d := newTestDetector(&commandRunner{results: map[string]datatypes.CommandResult{
			"uname -r":        {Stdout: "6.8.1.arch1-1\n"},
			"pacman -Q linux": {Stdout: "linux 6.8.1.arch1-1\n"},
		}})
		if got := d.Detect(ctx); got.PendingReboot {
			t.Errorf("Detect = %+v, want no pending reboot via the linux package", got)
		}
	})

	t.Run("unreadable signals report false", func(t *testing.T) {
		d := newTestDetector(&commandRunner{})
		got := d.Detect(ctx)
		if got.PendingReboot || got.OnBattery {
			t.Errorf("Detect = %+v, want all-false on a host that cannot be probed", got)
		}
	})
}

func TestHostDetector_OnBattery(t *testing.T) {
	writeSupply := func(t *testing.T, root, name, typ, online string) {
		t.Helper()
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "type"), []byte(typ+"\n"), 0o644); err != nil {
			t.Fatalf("write type: %v", err)
		}
		if online != "" {
			if err := os.WriteFile(filepath.Join(dir, "online"), []byte(online+"\n"), 0o644); err != nil {
				t.Fatalf("write online: %v", err)
			}
		}
	}

	t.Run("adapter offline means battery", func(t *testing.T) {
		root := t.TempDir()
		writeSupply(t, root, "macsmc-ac", "Mains", "0")
		writeSupply(t, root, "macsmc-battery", "Battery", "")

		d := newTestDetector(&commandRunner{})
		d.powerSupplyDir = root
		if !d.onBattery() {
			t.Error("expected on-battery with the adapter offline")
		}
	})

	t.Run("adapter online means mains", func(t *testing.T) {
		root := t.TempDir()
		writeSupply(t, root, "macsmc-ac", "Mains", "1")

		d := newTestDetector(&commandRunner{})
		d.powerSupplyDir = root
		if d.onBattery() {
			t.Error("expected mains power with the adapter online")
		}
	})

	t.Run("no adapter entry reads as mains", func(t *testing.T) {
		root := t.TempDir()
		writeSupply(t, root, "macsmc-battery", "Battery", "")

		d := newTestDetector(&commandRunner{})
		d.powerSupplyDir = root
		if d.onBattery() {
			t.Error("a host without a Mains supply must not read as on-battery")
		}
	})
}
