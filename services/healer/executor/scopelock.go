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
	"strings"
	"sync"
)

// ScopeTable serializes fixes whose declared scopes intersect.
//
// # Description
//
// Two fixes both touching "pkg:linux-asahi" must never execute
// concurrently: a shared package database tolerates exactly one writer.
// The table tracks which scope sets are currently held; an acquiring
// fix waits until no held set intersects its own. Fixes with disjoint
// scopes proceed in parallel.
//
// Intersection is containment-aware for filesystem scopes: "/etc" and
// "/etc/hosts" conflict even though the strings differ.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type ScopeTable struct {
	mu   sync.Mutex
	held map[string][]string // fix ID -> held scopes

	// waitCh is closed and replaced on every release, waking all
	// waiters to re-check for conflicts.
	waitCh chan struct{}
}

// NewScopeTable creates an empty scope table.
func NewScopeTable() *ScopeTable {
	return &ScopeTable{
		held:   make(map[string][]string),
		waitCh: make(chan struct{}),
	}
}

// Acquire blocks until no currently held scope set intersects scopes,
// then records the fix as holder. Returns the context error if the
// caller is cancelled while waiting.
func (t *ScopeTable) Acquire(ctx context.Context, fixID string, scopes []string) error {
	for {
		t.mu.Lock()
		if !t.conflicts(scopes) {
			t.held[fixID] = scopes
			t.mu.Unlock()
			return nil
		}
		ch := t.waitCh
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release drops the fix's scopes and wakes all waiters.
func (t *ScopeTable) Release(fixID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.held[fixID]; !ok {
		return
	}
	delete(t.held, fixID)
	close(t.waitCh)
	t.waitCh = make(chan struct{})
}

// conflicts reports whether scopes intersect any held set. Caller holds
// t.mu.
func (t *ScopeTable) conflicts(scopes []string) bool {
	for _, heldScopes := range t.held {
		for _, held := range heldScopes {
			for _, want := range scopes {
				if scopesIntersect(held, want) {
					return true
				}
			}
		}
	}
	return false
}

// scopesIntersect reports whether two scope declarations name
// overlapping resources.
func scopesIntersect(a, b string) bool {
	if a == b {
		return true
	}
	if strings.HasPrefix(a, "/") && strings.HasPrefix(b, "/") {
		return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
	}
	return false
}
