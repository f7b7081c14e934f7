// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/toeirei/hostmove/internal/model"
	"github.com/toeirei/hostmove/internal/storage"
)

func newFake(t *testing.T, datasets ...string) *storage.Fake {
	t.Helper()
	f := storage.NewFake("tank", nil)
	for _, ds := range datasets {
		if err := f.AddDataset(ds, "/"+ds); err != nil {
			t.Fatalf("add %s: %v", ds, err)
		}
	}
	return f
}

func TestNewLabel(t *testing.T) {
	loc := time.FixedZone("X", 2*3600)
	got := NewLabel(time.Date(2026, 3, 4, 7, 8, 9, 0, loc))
	if got != "20260304T050809Z" {
		t.Fatalf("unexpected label %q", got)
	}
}

func TestSnapshotAll_IdempotentSecondRun(t *testing.T) {
	ctx := context.Background()
	f := newFake(t, "tank/app")
	m := NewManager(f)

	first, err := m.SnapshotAll(ctx, []string{"tank/app"}, "L1")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Units[0].Status != model.StatusCreated {
		t.Fatalf("expected created, got %s", first.Units[0].Status)
	}

	second, err := m.SnapshotAll(ctx, []string{"tank/app"}, "L1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Units[0].Status != model.StatusExisting {
		t.Fatalf("expected existing, got %s", second.Units[0].Status)
	}
	if len(second.Snapshots) != 1 || second.Snapshots[0].String() != "tank/app@migrate-L1" {
		t.Fatalf("existing snapshot must stay usable: %+v", second.Snapshots)
	}
	snaps, _ := f.ListSnapshots(ctx, "tank/app")
	if len(snaps) != 1 {
		t.Fatalf("second run must not add snapshots, have %d", len(snaps))
	}
}

func TestSnapshotAll_PartialFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	f := newFake(t, "tank/a", "tank/b")
	f.FailSnapshot["tank/b"] = errors.New("permission denied")

	rep, err := NewManager(f).SnapshotAll(ctx, []string{"tank/a", "tank/b"}, "L")
	if err != nil {
		t.Fatalf("partial failure must not be fatal: %v", err)
	}
	if !rep.Partial() || len(rep.Snapshots) != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if !rep.Units[1].Failed() || rep.Units[1].Unit != "tank/b" {
		t.Fatalf("tank/b should be reported failed: %+v", rep.Units[1])
	}
}

func TestSnapshotAll_AllFailedIsSnapshotError(t *testing.T) {
	f := newFake(t, "tank/a")
	f.FailSnapshot["tank/a"] = errors.New("nope")
	_, err := NewManager(f).SnapshotAll(context.Background(), []string{"tank/a"}, "L")
	var se *SnapshotError
	if !errors.As(err, &se) {
		t.Fatalf("expected SnapshotError, got %v", err)
	}
}

func TestSnapshotAll_RejectsBadLabel(t *testing.T) {
	f := newFake(t, "tank/a")
	if _, err := NewManager(f).SnapshotAll(context.Background(), []string{"tank/a"}, "bad label"); err == nil {
		t.Fatal("expected error for invalid label")
	}
	if f.CreateCalls != 0 {
		t.Fatalf("storage must not be called, got %d calls", f.CreateCalls)
	}
}

func TestPrune_KeepsNewestAndOperatorSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newFake(t, "tank/a")
	for _, l := range []string{"migrate-1", "manual", "migrate-2", "migrate-3"} {
		if err := f.CreateSnapshot(ctx, "tank/a", l); err != nil {
			t.Fatal(err)
		}
	}
	units, err := NewManager(f).Prune(ctx, []string{"tank/a"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if units[0].Status != model.StatusOK {
		t.Fatalf("unexpected unit: %+v", units[0])
	}
	snaps, _ := f.ListSnapshots(ctx, "tank/a")
	var labels []string
	for _, s := range snaps {
		labels = append(labels, s.Label)
	}
	if len(labels) != 2 || labels[0] != "manual" || labels[1] != "migrate-3" {
		t.Fatalf("unexpected remaining snapshots %v", labels)
	}
}

func TestPrune_InvalidKeep(t *testing.T) {
	if _, err := NewManager(newFake(t)).Prune(context.Background(), nil, 0); err == nil {
		t.Fatal("expected error for keep=0")
	}
}

func TestLatestCommon(t *testing.T) {
	ctx := context.Background()
	f := newFake(t, "tank/a", "tank/a/b")
	for _, l := range []string{"migrate-1", "migrate-2"} {
		_ = f.CreateSnapshot(ctx, "tank/a", l)
	}
	_ = f.CreateSnapshot(ctx, "tank/a/b", "migrate-1")

	got, err := NewManager(f).LatestCommon(ctx, "tank/a", []string{"tank/a", "tank/a/b"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Label != "migrate-1" {
		t.Fatalf("expected migrate-1, got %s", got.Label)
	}

	if _, err := NewManager(f).LatestCommon(ctx, "tank", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
