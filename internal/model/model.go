// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

// Package model holds the plain data types shared by the migration engine:
// datasets, snapshots, the package manifest and the service binding table.
package model

import (
	"fmt"
	"strings"
	"time"
)

// SnapshotPrefix is prepended to every label the engine creates so that
// engine-owned snapshots can be told apart from operator snapshots.
const SnapshotPrefix = "migrate-"

// Dataset is an independently snapshot-able unit of the storage layer.
type Dataset struct {
	Name       string
	Mountpoint string
}

// Snapshot is an immutable point-in-time reference to a dataset.
type Snapshot struct {
	Dataset   string
	Label     string
	CreatedAt time.Time
}

// String returns the dataset@label representation.
func (s Snapshot) String() string {
	return fmt.Sprintf("%s@%s", s.Dataset, s.Label)
}

// ParseSnapshot splits a dataset@label identifier.
func ParseSnapshot(s string) (Snapshot, error) {
	ds, label, ok := strings.Cut(s, "@")
	if !ok || ds == "" || label == "" {
		return Snapshot{}, fmt.Errorf("invalid snapshot name %q", s)
	}
	return Snapshot{Dataset: ds, Label: label}, nil
}

// IsAncestor reports whether parent is a strict ancestor of child in the
// dataset hierarchy ("tank/a" is an ancestor of "tank/a/b").
func IsAncestor(parent, child string) bool {
	return strings.HasPrefix(child, parent+"/")
}

// UnitKind names what a UnitResult refers to.
type UnitKind string

const (
	UnitDataset UnitKind = "dataset"
	UnitService UnitKind = "service"
	UnitConfig  UnitKind = "config"
	UnitPackage UnitKind = "package"
)

// Status is the outcome of a single unit of work.
type Status string

const (
	StatusOK        Status = "ok"
	StatusCreated   Status = "created"
	StatusExisting  Status = "existing"
	StatusUnchanged Status = "unchanged"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// UnitResult is the per-dataset / per-service result aggregated into batch
// reports instead of relying on a blanket continue-on-error mode.
type UnitResult struct {
	Unit   string
	Kind   UnitKind
	Status Status
	Reason string
	Err    error
}

// Failed reports whether the unit did not succeed.
func (u UnitResult) Failed() bool { return u.Status == StatusFailed }
