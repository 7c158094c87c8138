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
	"fmt"

	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

var (
	// ErrDependencyCycle is returned when a batch's dependency graph
	// contains a cycle. The whole batch is rejected; nothing runs.
	ErrDependencyCycle = errors.New("dependency cycle in fix batch")

	// ErrUnknownDependency is returned when a fix depends on an ID
	// that is not part of the batch.
	ErrUnknownDependency = errors.New("fix depends on unknown fix")

	// ErrDuplicateFix is returned when two fixes in a batch share an ID.
	ErrDuplicateFix = errors.New("duplicate fix id in batch")
)

// batchGraph indexes a batch's dependency structure.
type batchGraph struct {
	fixes map[string]*datatypes.Fix
	order []string // input order, for stable result ordering
}

// newBatchGraph validates batch structure: unique IDs, known
// dependencies, and an acyclic dependency graph (Kahn's algorithm).
func newBatchGraph(fixes []*datatypes.Fix) (*batchGraph, error) {
	g := &batchGraph{fixes: make(map[string]*datatypes.Fix, len(fixes))}
	for _, fix := range fixes {
		if _, exists := g.fixes[fix.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateFix, fix.ID)
		}
		g.fixes[fix.ID] = fix
		g.order = append(g.order, fix.ID)
	}

	indegree := make(map[string]int, len(fixes))
	dependents := make(map[string][]string)
	for _, fix := range fixes {
		for _, dep := range fix.DependsOn {
			if _, ok := g.fixes[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, fix.ID, dep)
			}
			indegree[fix.ID]++
			dependents[dep] = append(dependents[dep], fix.ID)
		}
	}

	queue := make([]string, 0, len(fixes))
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if visited != len(fixes) {
		return nil, ErrDependencyCycle
	}
	return g, nil
}
