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
	"context"
	"testing"
	"time"
)

func TestScopesIntersect(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"/etc", "/etc", true},
		{"/etc", "/etc/hosts", true},
		{"/etc/hosts", "/etc", true},
		{"/etc", "/etcetera", false},
		{"/etc", "/var", false},
		{"pkg:linux-asahi", "pkg:linux-asahi", true},
		{"pkg:linux-asahi", "pkg:mesa", false},
		{"cache:pacman", "/var/cache/pacman/pkg", false}, // aliases resolve before locking
	}
	for _, tt := range tests {
		if got := scopesIntersect(tt.a, tt.b); got != tt.want {
			t.Errorf("scopesIntersect(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestScopeTable(t *testing.T) {
	t.Run("disjoint scopes acquire immediately", func(t *testing.T) {
		table := NewScopeTable()
		ctx := context.Background()
		if err := table.Acquire(ctx, "a", []string{"/etc/a"}); err != nil {
			t.Fatal(err)
		}
		if err := table.Acquire(ctx, "b", []string{"/etc/b"}); err != nil {
			t.Fatal(err)
		}
		table.Release("a")
		table.Release("b")
	})

	t.Run("intersecting scopes serialize", func(t *testing.T) {
		table := NewScopeTable()
		ctx := context.Background()
		if err := table.Acquire(ctx, "holder", []string{"/etc"}); err != nil {
			t.Fatal(err)
		}

		acquired := make(chan struct{})
		go func() {
			if err := table.Acquire(ctx, "waiter", []string{"/etc/hosts"}); err == nil {
				close(acquired)
			}
		}()

		select {
		case <-acquired:
			t.Fatal("containment conflict must block acquisition")
		case <-time.After(50 * time.Millisecond):
		}

		table.Release("holder")
		select {
		case <-acquired:
		case <-time.After(2 * time.Second):
			t.Fatal("waiter was not woken by release")
		}
	})

	t.Run("cancelled waiter returns error", func(t *testing.T) {
		table := NewScopeTable()
		if err := table.Acquire(context.Background(), "holder", []string{"pkg:mesa"}); err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		if err := table.Acquire(ctx, "waiter", []string{"pkg:mesa"}); err == nil {
			t.Fatal("expected context error for cancelled waiter")
		}
	})

	t.Run("release of unknown holder is harmless", func(t *testing.T) {
		table := NewScopeTable()
		table.Release("ghost")
	})
}
