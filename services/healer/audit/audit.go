// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit records every fix outcome to an append-only stream.
//
// Entries are JSON Lines, one object per record. The stream is the
// system of record for "what did the healer change and when"; nothing
// in the repo rewrites or truncates it.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

// Entry is one audit record.
type Entry struct {
	Kind      string                  `json:"kind"`
	Timestamp time.Time               `json:"timestamp"`
	BatchID   string                  `json:"batch_id,omitempty"`
	Result    *datatypes.FixResult    `json:"result,omitempty"`
	Summary   *datatypes.BatchSummary `json:"summary,omitempty"`
	Message   string                  `json:"message,omitempty"`
}

const (
	KindFixResult    = "fix_result"
	KindBatchSummary = "batch_summary"
	KindNote         = "note"
)

// Sink receives audit entries.
type Sink interface {
	Record(entry Entry) error
	Close() error
}

// JSONLSink appends entries to a JSON Lines file.
//
// # Thread Safety
//
// Safe for concurrent use; writes are serialized by an internal mutex
// so records from parallel fixes never interleave mid-line.
type JSONLSink struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewJSONLSink opens (creating if needed) the audit file in append mode.
func NewJSONLSink(path string, logger *slog.Logger) (*JSONLSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &JSONLSink{
		file:   f,
		logger: logger.With("component", "audit.JSONLSink"),
	}, nil
}

// Record appends one entry. The timestamp is filled in if unset.
func (s *JSONLSink) Record(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// NopSink discards entries. Used when auditing is disabled and in
// tests.
type NopSink struct{}

func (NopSink) Record(Entry) error { return nil }
func (NopSink) Close() error       { return nil }
