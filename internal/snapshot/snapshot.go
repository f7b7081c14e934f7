// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

// Package snapshot creates, finds and prunes the engine's "migrate-" snapshots.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/toeirei/hostmove/internal/logging"
	"github.com/toeirei/hostmove/internal/model"
	"github.com/toeirei/hostmove/internal/storage"
)

// LabelLayout is the time layout of generated labels.
const LabelLayout = "20060102T150405Z"

// NewLabel derives a batch label from t, in UTC.
func NewLabel(t time.Time) string {
	return t.UTC().Format(LabelLayout)
}

// SnapshotError is returned when not a single dataset could be snapshotted.
type SnapshotError struct {
	Label string
	Units []model.UnitResult
}

func (e *SnapshotError) Error() string {
	var failed []string
	for _, u := range e.Units {
		if u.Failed() {
			failed = append(failed, fmt.Sprintf("%s (%s)", u.Unit, u.Reason))
		}
	}
	if len(failed) == 0 {
		return fmt.Sprintf("snapshot %s: no datasets selected", e.Label)
	}
	return fmt.Sprintf("snapshot %s: no dataset could be snapshotted: %s", e.Label, strings.Join(failed, ", "))
}

// Report is the outcome of one SnapshotAll batch.
type Report struct {
	Label     string
	Snapshots []model.Snapshot
	Units     []model.UnitResult
}

// Partial reports whether some, but not all, datasets failed.
func (r Report) Partial() bool {
	for _, u := range r.Units {
		if u.Failed() {
			return true
		}
	}
	return false
}

// Manager drives the storage adapter for snapshot batches.
type Manager struct {
	store storage.Adapter
}

// NewManager returns a Manager for store.
func NewManager(store storage.Adapter) *Manager {
	return &Manager{store: store}
}

// SnapshotAll creates <dataset>@migrate-<label> for every dataset. The label
// is shared by the whole batch. A snapshot that already exists is counted as
// usable so an interrupted run can simply be repeated.
func (m *Manager) SnapshotAll(ctx context.Context, datasets []string, label string) (Report, error) {
	if !storage.ValidLabel(label) {
		return Report{}, fmt.Errorf("invalid snapshot label %q", label)
	}
	full := label
	if !strings.HasPrefix(full, model.SnapshotPrefix) {
		full = model.SnapshotPrefix + label
	}
	rep := Report{Label: full}

	for _, ds := range datasets {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		snap := model.Snapshot{Dataset: ds, Label: full}
		unit := model.UnitResult{Unit: ds, Kind: model.UnitDataset}

		err := m.store.CreateSnapshot(ctx, ds, full)
		switch {
		case err == nil:
			unit.Status = model.StatusCreated
			logging.Infof("snapshot: created %s", snap)
		case errors.Is(err, storage.ErrExists):
			unit.Status = model.StatusExisting
			unit.Reason = "snapshot already exists"
			logging.Warnf("snapshot: %s already exists, reusing it", snap)
		default:
			unit.Status = model.StatusFailed
			unit.Reason = err.Error()
			unit.Err = err
			logging.Errorf("snapshot: %s failed: %v", snap, err)
		}
		rep.Units = append(rep.Units, unit)
		if !unit.Failed() {
			rep.Snapshots = append(rep.Snapshots, snap)
		}
	}

	if len(rep.Snapshots) == 0 {
		return rep, &SnapshotError{Label: full, Units: rep.Units}
	}
	return rep, nil
}

// Prune keeps the newest keep migrate- snapshots of every dataset and
// destroys the rest. Operator snapshots are never touched.
func (m *Manager) Prune(ctx context.Context, datasets []string, keep int) ([]model.UnitResult, error) {
	if keep < 1 {
		return nil, fmt.Errorf("prune: keep must be at least 1, got %d", keep)
	}
	var units []model.UnitResult
	for _, ds := range datasets {
		unit := model.UnitResult{Unit: ds, Kind: model.UnitDataset, Status: model.StatusUnchanged}
		snaps, err := m.store.ListSnapshots(ctx, ds)
		if err != nil {
			unit.Status, unit.Reason, unit.Err = model.StatusFailed, err.Error(), err
			units = append(units, unit)
			continue
		}
		owned := engineOwned(snaps)
		destroyed := 0
		for i := 0; i < len(owned)-keep; i++ {
			if err := m.store.DestroySnapshot(ctx, owned[i]); err != nil {
				logging.Errorf("snapshot: destroy %s: %v", owned[i], err)
				unit.Status, unit.Reason, unit.Err = model.StatusFailed, err.Error(), err
				break
			}
			destroyed++
			logging.Infof("snapshot: pruned %s", owned[i])
		}
		if !unit.Failed() && destroyed > 0 {
			unit.Status = model.StatusOK
			unit.Reason = fmt.Sprintf("pruned %d", destroyed)
		}
		units = append(units, unit)
	}
	return units, nil
}

// LatestCommon returns the newest migrate- snapshot of root whose label is
// also present on every member dataset.
func (m *Manager) LatestCommon(ctx context.Context, root string, members []string) (model.Snapshot, error) {
	rootSnaps, err := m.store.ListSnapshots(ctx, root)
	if err != nil {
		return model.Snapshot{}, err
	}
	present := make([]map[string]bool, 0, len(members))
	for _, ds := range members {
		if ds == root {
			continue
		}
		snaps, err := m.store.ListSnapshots(ctx, ds)
		if err != nil {
			return model.Snapshot{}, err
		}
		labels := map[string]bool{}
		for _, s := range snaps {
			labels[s.Label] = true
		}
		present = append(present, labels)
	}

	owned := engineOwned(rootSnaps)
	for i := len(owned) - 1; i >= 0; i-- {
		common := true
		for _, labels := range present {
			if !labels[owned[i].Label] {
				common = false
				break
			}
		}
		if common {
			return owned[i], nil
		}
	}
	return model.Snapshot{}, fmt.Errorf("no common migrate snapshot for %s: %w", root, storage.ErrNotFound)
}

func engineOwned(snaps []model.Snapshot) []model.Snapshot {
	var out []model.Snapshot
	for _, s := range snaps {
		if strings.HasPrefix(s.Label, model.SnapshotPrefix) {
			out = append(out, s)
		}
	}
	return out
}
