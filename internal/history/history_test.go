// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

package history

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/toeirei/hostmove/internal/model"
)

func openTestStore(t *testing.T, name string) *Store {
	t.Helper()
	s, err := Open("sqlite", "file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	dbConn, err := sql.Open("sqlite", "file:hist_migrations?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	defer func() { _ = dbConn.Close() }()

	for i := 0; i < 2; i++ {
		if err := RunMigrations(dbConn, "sqlite"); err != nil {
			t.Fatalf("RunMigrations pass %d failed: %v", i, err)
		}
	}
	var n int
	if err := dbConn.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", "000001_create_runs").Scan(&n); err != nil {
		t.Fatalf("query schema_migrations failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected migration recorded once, got %d", n)
	}
}

func TestOpenRejectsUnknownType(t *testing.T) {
	if _, err := Open("oracle", "x"); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}

func TestRecordAndList(t *testing.T) {
	s := openTestStore(t, "hist_record")
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := s.Record(ctx, Run{
		Operation: OpExport,
		Label:     "migrate-20260301T120000Z",
		Status:    "success",
		StartedAt: base,
		Units: UnitsFrom([]model.UnitResult{
			{Unit: "tank/main", Kind: model.UnitDataset, Status: model.StatusCreated},
			{Unit: "tank/logs", Kind: model.UnitDataset, Status: model.StatusFailed, Err: errors.New("dataset is busy")},
		}),
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if first == "" {
		t.Fatalf("expected generated id")
	}
	if _, err := s.Record(ctx, Run{Operation: OpReconcile, Status: "partial", StartedAt: base.Add(time.Hour)}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	runs, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Operation != OpReconcile || runs[1].Operation != OpExport {
		t.Fatalf("expected newest first, got %s then %s", runs[0].Operation, runs[1].Operation)
	}
	if len(runs[1].Units) != 2 {
		t.Fatalf("expected 2 units on export run, got %d", len(runs[1].Units))
	}
	failed := runs[1].Failed()
	if len(failed) != 1 || failed[0].Name != "tank/logs" || failed[0].Reason != "dataset is busy" {
		t.Fatalf("unexpected failed units: %+v", failed)
	}

	limited, err := s.List(ctx, 1)
	if err != nil {
		t.Fatalf("List(1) failed: %v", err)
	}
	if len(limited) != 1 || limited[0].Operation != OpReconcile {
		t.Fatalf("unexpected limited list: %+v", limited)
	}
}

func TestGet(t *testing.T) {
	s := openTestStore(t, "hist_get")
	ctx := context.Background()

	id, err := s.Record(ctx, Run{
		Operation: OpImport,
		Status:    "success",
		Detail:    "/tmp/migrate-x.hostmove",
		Units:     []Unit{{Name: "docker", Kind: string(model.UnitService), Status: string(model.StatusOK)}},
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	run, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if run.Detail != "/tmp/migrate-x.hostmove" || len(run.Units) != 1 || run.Units[0].RunID != id {
		t.Fatalf("unexpected run: %+v", run)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("CREATE TABLE a (x INT);\n\n CREATE INDEX i ON a (x);\n")
	if len(got) != 2 || got[1] != "CREATE INDEX i ON a (x)" {
		t.Fatalf("unexpected statements: %q", got)
	}
}
