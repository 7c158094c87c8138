// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup snapshots the state a fix declares it will touch, and
// restores it on rollback.
//
// There is no transactional filesystem underneath: atomicity comes from
// the commit protocol. A backup is staged under "<id>.tmp", the manifest
// is written last, and the staging directory is renamed to "<id>" in one
// step. A later rollback can therefore never observe a half-written
// manifest — either the rename happened and every declared entry was
// captured, or the manifest does not exist.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

// Entry kinds in a manifest.
const (
	EntryFile     = "file"     // filesystem path captured under files/
	EntryDir      = "dir"      // directory scope root with its pre-fix child listing
	EntryPackage  = "package"  // installed-package state, restored via inverse ops
	EntryDeclared = "declared" // logical scope with no capturable state (lock-only)
)

// Entry is one captured snapshot item.
type Entry struct {
	Scope  string `json:"scope"`
	Kind   string `json:"kind"`
	Path   string `json:"path,omitempty"`   // original absolute path (file and dir entries)
	Stored string `json:"stored,omitempty"` // relative path under files/
	Digest string `json:"digest,omitempty"` // sha256 of the captured content

	// Children lists the paths under a directory scope at capture
	// time, relative to Path, with subdirectories suffixed "/".
	// Rollback removes anything under the scope that is not listed
	// here, so files the fix creates do not survive it.
	Children []string `json:"children,omitempty"`

	// Package state (package entries).
	Package   string `json:"package,omitempty"`
	Version   string `json:"version,omitempty"`
	Installed bool   `json:"installed,omitempty"`
}

// Manifest is the durable record of a backup.
type Manifest struct {
	ID        string    `json:"id"`
	FixID     string    `json:"fix_id"`
	CreatedAt time.Time `json:"created_at"`
	Entries   []Entry   `json:"entries"`
	Complete  bool      `json:"complete"`
}

// outcome is persisted next to the manifest once the fix reaches a
// terminal state. Pruning consults it: a manifest is never pruned while
// its fix's result is anything other than a confirmed success.
type outcome struct {
	Status     datatypes.FixStatus `json:"status"`
	RecordedAt time.Time           `json:"recorded_at"`
}

// RollbackEntry is the per-path result of a restoration attempt.
type RollbackEntry struct {
	Scope string `json:"scope"`
	Kind  string `json:"kind"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// RollbackResult reports a rollback item by item, never as a single
// boolean.
type RollbackResult struct {
	ManifestID string          `json:"manifest_id"`
	Entries    []RollbackEntry `json:"entries"`
}

// Failed returns the errors of the entries that could not be restored.
func (r *RollbackResult) Failed() []string {
	var failures []string
	for _, e := range r.Entries {
		if !e.OK {
			failures = append(failures, fmt.Sprintf("%s: %s", e.Scope, e.Error))
		}
	}
	return failures
}

const (
	manifestFile = "manifest.json"
	outcomeFile  = "outcome.json"
	filesSubdir  = "files"
	stagingExt   = ".tmp"
)

// Config configures the backup manager.
type Config struct {
	// Dir is the backup root. Each manifest gets its own subdirectory.
	Dir string

	// Aliases resolves logical scopes (e.g. "cache:pacman") to
	// filesystem paths. Unresolved logical scopes are recorded as
	// declared-only entries.
	Aliases map[string]string

	// Packages captures and restores installed-package state for
	// "pkg:" scopes. Required when any fix declares a package scope.
	Packages PackageTool

	Logger *slog.Logger
}

// Manager creates, restores, and prunes backups.
//
// # Thread Safety
//
// Distinct manifests may be created concurrently: each backup stages in
// its own directory and the backup root is append-only. Rollback and
// prune of the same manifest must not race; the orchestrator serializes
// them per fix.
type Manager struct {
	dir      string
	aliases  map[string]string
	packages PackageTool
	logger   *slog.Logger
}

// NewManager creates a backup manager rooted at config.Dir.
func NewManager(config Config) (*Manager, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("backup dir is required")
	}
	if err := os.MkdirAll(config.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating backup dir %s: %w", config.Dir, err)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:      config.Dir,
		aliases:  config.Aliases,
		packages: config.Packages,
		logger:   logger.With("component", "backup.Manager"),
	}, nil
}

// Create captures the state of every scope the fix declares.
//
// # Description
//
// All-or-nothing: either a fully verifiable manifest is committed
// (every declared scope captured, digests recorded, Complete=true) or
// the staging directory is removed and an error returned. For scopes
// whose state cannot be restored by file copy (removed packages), the
// pre-fix package version is recorded so rollback can issue explicit
// inverse package operations.
func (m *Manager) Create(ctx context.Context, fix *datatypes.Fix) (*Manifest, error) {
	id := uuid.New().String()
	staging := filepath.Join(m.dir, id+stagingExt)
	final := filepath.Join(m.dir, id)

	if err := os.MkdirAll(filepath.Join(staging, filesSubdir), 0o700); err != nil {
		return nil, &datatypes.BackupError{FixID: fix.ID, Err: err}
	}

	manifest := &Manifest{
		ID:        id,
		FixID:     fix.ID,
		CreatedAt: time.Now().UTC(),
	}

	for _, scope := range fix.ScopePaths {
		entries, err := m.captureScope(ctx, scope, staging)
		if err != nil {
			_ = os.RemoveAll(staging)
			return nil, &datatypes.BackupError{FixID: fix.ID, Err: fmt.Errorf("capturing %s: %w", scope, err)}
		}
		manifest.Entries = append(manifest.Entries, entries...)
	}
	manifest.Complete = true

	if err := writeJSON(filepath.Join(staging, manifestFile), manifest); err != nil {
		_ = os.RemoveAll(staging)
		return nil, &datatypes.BackupError{FixID: fix.ID, Err: err}
	}
	// Commit point.
	if err := os.Rename(staging, final); err != nil {
		_ = os.RemoveAll(staging)
		return nil, &datatypes.BackupError{FixID: fix.ID, Err: fmt.Errorf("committing manifest: %w", err)}
	}

	m.logger.Info("backup created",
		"manifest_id", id,
		"fix_id", fix.ID,
		"entries", len(manifest.Entries))
	return manifest, nil
}

// captureScope snapshots one scope into the staging directory.
func (m *Manager) captureScope(ctx context.Context, scope, staging string) ([]Entry, error) {
	if name, ok := strings.CutPrefix(scope, "pkg:"); ok {
		if m.packages == nil {
			return nil, fmt.Errorf("package scope %s declared but no package tool configured", scope)
		}
		version, installed, err := m.packages.Query(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("querying package %s: %w", name, err)
		}
		return []Entry{{
			Scope: scope, Kind: EntryPackage,
			Package: name, Version: version, Installed: installed,
		}}, nil
	}

	path := scope
	if alias, ok := m.aliases[scope]; ok {
		path = alias
	}
	if !strings.HasPrefix(path, "/") {
		// Logical scope with no mapping: nothing to capture. Recorded
		// so the manifest still accounts for every declared scope.
		return []Entry{{Scope: scope, Kind: EntryDeclared}}, nil
	}

	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Absent paths are part of the pre-fix state: rollback
			// must remove anything the fix created there.
			return []Entry{{Scope: scope, Kind: EntryFile, Path: path}}, nil
		}
		return nil, err
	}

	if info.IsDir() {
		// The dir entry records the full pre-fix listing so rollback
		// can remove paths the fix created, not just restore the ones
		// it modified. It precedes the file entries in the manifest:
		// the sweep runs first, the content restores after.
		dirEntry := Entry{Scope: scope, Kind: EntryDir, Path: path}
		var files []Entry
		err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p == path {
				return nil
			}
			rel, err := filepath.Rel(path, p)
			if err != nil {
				return err
			}
			if d.IsDir() {
				dirEntry.Children = append(dirEntry.Children, rel+"/")
				return nil
			}
			dirEntry.Children = append(dirEntry.Children, rel)
			if !d.Type().IsRegular() {
				return nil
			}
			entry, err := m.captureFile(scope, p, staging)
			if err != nil {
				return err
			}
			files = append(files, entry)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return append([]Entry{dirEntry}, files...), nil
	}

	entry, err := m.captureFile(scope, path, staging)
	if err != nil {
		return nil, err
	}
	return []Entry{entry}, nil
}

// captureFile copies one regular file into staging and records its
// digest.
func (m *Manager) captureFile(scope, path, staging string) (Entry, error) {
	stored := strings.TrimPrefix(filepath.Clean(path), "/")
	dst := filepath.Join(staging, filesSubdir, stored)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return Entry{}, err
	}
	digest, err := copyWithDigest(path, dst)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Scope:  scope,
		Kind:   EntryFile,
		Path:   path,
		Stored: stored,
		Digest: digest,
	}, nil
}

// Rollback restores every entry of the manifest, item by item.
//
// # Outputs
//
//   - *RollbackResult: Per-path success/failure list. Inspect Failed()
//     — a partially failed rollback is surfaced as such.
//   - error: Non-nil only when the manifest itself cannot be loaded.
func (m *Manager) Rollback(ctx context.Context, manifestID string) (*RollbackResult, error) {
	manifest, err := m.Load(manifestID)
	if err != nil {
		return nil, err
	}
	if !manifest.Complete {
		return nil, fmt.Errorf("manifest %s is not complete; refusing rollback", manifestID)
	}

	dir := filepath.Join(m.dir, manifestID)
	result := &RollbackResult{ManifestID: manifestID}

	for _, entry := range manifest.Entries {
		re := RollbackEntry{Scope: entry.Scope, Kind: entry.Kind, OK: true}
		if err := m.restoreEntry(ctx, dir, entry); err != nil {
			re.OK = false
			re.Error = err.Error()
		}
		result.Entries = append(result.Entries, re)
	}

	if failed := result.Failed(); len(failed) > 0 {
		m.logger.Error("rollback partially failed",
			"manifest_id", manifestID,
			"failed", len(failed),
			"total", len(result.Entries))
	} else {
		m.logger.Info("rollback complete",
			"manifest_id", manifestID,
			"entries", len(result.Entries))
	}
	return result, nil
}

func (m *Manager) restoreEntry(ctx context.Context, dir string, entry Entry) error {
	switch entry.Kind {
	case EntryDeclared:
		return nil

	case EntryDir:
		// Recreate the scope root and every pre-fix subdirectory, then
		// sweep out what the fix created. File contents are restored
		// by the scope's file entries, which follow in the manifest.
		if err := os.MkdirAll(entry.Path, 0o755); err != nil {
			return fmt.Errorf("recreating %s: %w", entry.Path, err)
		}
		known := make(map[string]struct{}, len(entry.Children))
		for _, child := range entry.Children {
			name := strings.TrimSuffix(child, "/")
			known[name] = struct{}{}
			if strings.HasSuffix(child, "/") {
				if err := os.MkdirAll(filepath.Join(entry.Path, name), 0o755); err != nil {
					return fmt.Errorf("recreating %s: %w", name, err)
				}
			}
		}
		return filepath.WalkDir(entry.Path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p == entry.Path {
				return nil
			}
			rel, err := filepath.Rel(entry.Path, p)
			if err != nil {
				return err
			}
			if _, ok := known[rel]; ok {
				return nil
			}
			if d.IsDir() {
				if err := os.RemoveAll(p); err != nil {
					return fmt.Errorf("removing %s: %w", p, err)
				}
				return filepath.SkipDir
			}
			if err := os.Remove(p); err != nil {
				return fmt.Errorf("removing %s: %w", p, err)
			}
			return nil
		})

	case EntryPackage:
		if m.packages == nil {
			return fmt.Errorf("no package tool configured")
		}
		return m.packages.Restore(ctx, entry.Package, entry.Version, entry.Installed)

	case EntryFile:
		if entry.Stored == "" {
			// Path did not exist pre-fix: remove whatever the fix left.
			if err := os.RemoveAll(entry.Path); err != nil {
				return fmt.Errorf("removing %s: %w", entry.Path, err)
			}
			return nil
		}
		src := filepath.Join(dir, filesSubdir, entry.Stored)
		if err := os.MkdirAll(filepath.Dir(entry.Path), 0o755); err != nil {
			return fmt.Errorf("recreating parent of %s: %w", entry.Path, err)
		}
		digest, err := copyWithDigest(src, entry.Path)
		if err != nil {
			return fmt.Errorf("restoring %s: %w", entry.Path, err)
		}
		if digest != entry.Digest {
			return fmt.Errorf("restored %s but digest mismatch (got %s, want %s)",
				entry.Path, digest, entry.Digest)
		}
		return nil

	default:
		return fmt.Errorf("unknown entry kind %q", entry.Kind)
	}
}

// Load reads a committed manifest by ID.
func (m *Manager) Load(manifestID string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, manifestID, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("loading manifest %s: %w", manifestID, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", manifestID, err)
	}
	return &manifest, nil
}

// List returns all committed manifests, newest first.
func (m *Manager) List() ([]*Manifest, error) {
	dirs, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("reading backup dir: %w", err)
	}
	var manifests []*Manifest
	for _, d := range dirs {
		if !d.IsDir() || strings.HasSuffix(d.Name(), stagingExt) {
			continue
		}
		manifest, err := m.Load(d.Name())
		if err != nil {
			m.logger.Warn("skipping unreadable manifest", "dir", d.Name(), "error", err)
			continue
		}
		manifests = append(manifests, manifest)
	}
	for i := 0; i < len(manifests); i++ {
		for j := i + 1; j < len(manifests); j++ {
			if manifests[j].CreatedAt.After(manifests[i].CreatedAt) {
				manifests[i], manifests[j] = manifests[j], manifests[i]
			}
		}
	}
	return manifests, nil
}

// RecordOutcome persists the fix's terminal status next to its
// manifest. Pruning depends on it.
func (m *Manager) RecordOutcome(manifestID string, status datatypes.FixStatus) error {
	return writeJSON(filepath.Join(m.dir, manifestID, outcomeFile), outcome{
		Status:     status,
		RecordedAt: time.Now().UTC(),
	})
}

// Prune removes manifests older than retentionDays whose fix reached a
// confirmed terminal success. Everything else is kept: a backup whose
// fix failed, rolled back, or has no recorded outcome may still be
// needed.
func (m *Manager) Prune(ctx context.Context, retentionDays int) (int, error) {
	manifests, err := m.List()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	pruned := 0
	for _, manifest := range manifests {
		if ctx.Err() != nil {
			return pruned, ctx.Err()
		}
		if manifest.CreatedAt.After(cutoff) {
			continue
		}
		var o outcome
		data, err := os.ReadFile(filepath.Join(m.dir, manifest.ID, outcomeFile))
		if err != nil || json.Unmarshal(data, &o) != nil {
			continue
		}
		if o.Status != datatypes.StatusSucceeded {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.dir, manifest.ID)); err != nil {
			m.logger.Warn("failed to prune backup", "manifest_id", manifest.ID, "error", err)
			continue
		}
		pruned++
		m.logger.Info("pruned expired backup",
			"manifest_id", manifest.ID,
			"created_at", manifest.CreatedAt.Format(time.RFC3339))
	}

	// Staging directories left by a crash mid-Create are garbage by
	// definition: the commit rename never happened.
	dirs, _ := os.ReadDir(m.dir)
	for _, d := range dirs {
		if d.IsDir() && strings.HasSuffix(d.Name(), stagingExt) {
			_ = os.RemoveAll(filepath.Join(m.dir, d.Name()))
		}
	}
	return pruned, nil
}

// copyWithDigest copies src to dst and returns the sha256 of the
// content. The destination is written via a temp file and rename so a
// crashed restore never leaves a torn file behind.
func copyWithDigest(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".restore-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), in); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
