// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"errors"
	"testing"

	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

func TestNewBatchGraph(t *testing.T) {
	t.Run("valid graph keeps input order", func(t *testing.T) {
		g, err := newBatchGraph([]*datatypes.Fix{
			testFix("c", "a"),
			testFix("a"),
			testFix("b", "a", "c"),
		})
		if err != nil {
			t.Fatalf("newBatchGraph failed: %v", err)
		}
		want := []string{"c", "a", "b"}
		for i, id := range want {
			if g.order[i] != id {
				t.Errorf("order[%d] = %s, want %s", i, g.order[i], id)
			}
		}
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		_, err := newBatchGraph([]*datatypes.Fix{testFix("a"), testFix("a")})
		if !errors.Is(err, ErrDuplicateFix) {
			t.Errorf("expected ErrDuplicateFix, got %v", err)
		}
	})

	t.Run("unknown dependency rejected", func(t *testing.T) {
		_, err := newBatchGraph([]*datatypes.Fix{testFix("a", "missing")})
		if !errors.Is(err, ErrUnknownDependency) {
			t.Errorf("expected ErrUnknownDependency, got %v", err)
		}
	})

	t.Run("two-node cycle rejected", func(t *testing.T) {
		_, err := newBatchGraph([]*datatypes.Fix{testFix("a", "b"), testFix("b", "a")})
		if !errors.Is(err, ErrDependencyCycle) {
			t.Errorf("expected ErrDependencyCycle, got %v", err)
		}
	})

	t.Run("long cycle rejected", func(t *testing.T) {
		_, err := newBatchGraph([]*datatypes.Fix{
			testFix("a", "c"),
			testFix("b", "a"),
			testFix("c", "b"),
			testFix("d"),
		})
		if !errors.Is(err, ErrDependencyCycle) {
			t.Errorf("expected ErrDependencyCycle, got %v", err)
		}
	})

	t.Run("diamond is acyclic", func(t *testing.T) {
		_, err := newBatchGraph([]*datatypes.Fix{
			testFix("root"),
			testFix("left", "root"),
			testFix("right", "root"),
			testFix("sink", "left", "right"),
		})
		if err != nil {
			t.Errorf("diamond should be accepted: %v", err)
		}
	})
}
