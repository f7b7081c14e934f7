// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/toeirei/hostmove/internal/archive"
	"github.com/toeirei/hostmove/internal/config"
	"github.com/toeirei/hostmove/internal/export"
	"github.com/toeirei/hostmove/internal/history"
	"github.com/toeirei/hostmove/internal/hostinfo"
	"github.com/toeirei/hostmove/internal/model"
	"github.com/toeirei/hostmove/internal/resolver"
	"github.com/toeirei/hostmove/internal/restore"
	"github.com/toeirei/hostmove/internal/service"
	"github.com/toeirei/hostmove/internal/snapshot"
	"github.com/toeirei/hostmove/internal/storage"
)

type memRecorder struct {
	runs []history.Run
	err  error
}

func (m *memRecorder) Record(ctx context.Context, run history.Run) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.runs = append(m.runs, run)
	return fmt.Sprintf("run-%d", len(m.runs)), nil
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig(outDir string) config.Config {
	var cfg config.Config
	cfg.Storage.Pool = "tank"
	cfg.Storage.Datasets = []string{"tank/app"}
	cfg.Base.PoolMount = "/data"
	cfg.Base.ServiceRoot = "/srv"
	cfg.Export.OutDir = outDir
	cfg.DisableDefaultBindings = true
	cfg.Bindings = []model.ServiceBinding{{
		ID:      "docker",
		Service: "docker",
		Files: []model.ConfigFile{{
			Path:   "/etc/docker/daemon.json",
			Format: model.FormatJSON,
			Fields: []model.PathField{{Key: "data-root", Suffix: "docker"}},
		}},
	}}
	return cfg
}

func newTestEngine(cfg config.Config, store *storage.Fake, rec *memRecorder) *Engine {
	return &Engine{
		Config:      cfg,
		Storage:     store,
		FS:          store.FS(),
		Services:    service.NewFake("docker"),
		History:     rec,
		ToolVersion: "test",
		Now:         func() time.Time { return fixedNow },
		HostFacts: func() hostinfo.Facts {
			return hostinfo.Facts{Hostname: "src01", OSVersion: "Debian 12", KernelVersion: "6.1.0"}
		},
	}
}

// sourceHost is a host with its data pool mounted at /data.
func sourceHost(t *testing.T) *storage.Fake {
	t.Helper()
	src := storage.NewFake("tank", nil)
	if err := src.AddDataset("tank/app", "/data/app"); err != nil {
		t.Fatal(err)
	}
	fs := src.FS()
	_ = afero.WriteFile(fs, "/data/app/db/state.json", []byte(`{"rows":3}`), 0o644)
	_ = afero.WriteFile(fs, "/etc/docker/daemon.json", []byte("{\n  \"data-root\": \"/data/docker\"\n}\n"), 0o644)
	return src
}

func exportPackage(t *testing.T) (string, *memRecorder) {
	t.Helper()
	rec := &memRecorder{}
	e := newTestEngine(testConfig(t.TempDir()), sourceHost(t), rec)
	sum := e.RunExport(context.Background(), ExportOptions{})
	if sum.Err != nil || sum.Status != StatusSuccess {
		t.Fatalf("export failed: %s %v %+v", sum.Status, sum.Err, sum.Failed())
	}
	return sum.Package, rec
}

func TestRunExport(t *testing.T) {
	pkg, rec := exportPackage(t)

	if !strings.HasSuffix(pkg, "migrate-20260301T120000Z.pkg") {
		t.Fatalf("unexpected package path %s", pkg)
	}
	m, err := archive.Verify(pkg)
	if err != nil {
		t.Fatalf("package does not verify: %v", err)
	}
	if m.SourceHost != "src01" || m.SourceBaseDir != "/data" || m.ToolVersion != "test" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if len(m.Streams) != 1 || m.Streams[0].Dataset != "tank/app" {
		t.Fatalf("unexpected streams: %+v", m.Streams)
	}
	if len(m.IncludedConfigs) != 1 || m.IncludedConfigs[0] != "/etc/docker/daemon.json" {
		t.Fatalf("unexpected configs: %v", m.IncludedConfigs)
	}
	if len(rec.runs) != 1 || rec.runs[0].Operation != history.OpExport || rec.runs[0].Status != string(StatusSuccess) {
		t.Fatalf("export run not recorded: %+v", rec.runs)
	}
}

func TestRunImport_RestoresAndReconciles(t *testing.T) {
	pkg, _ := exportPackage(t)

	dst := storage.NewFake("tank", nil)
	_ = afero.WriteFile(dst.FS(), "/etc/docker/daemon.json", []byte("{\n  \"data-root\": \"/var/lib/docker\"\n}\n"), 0o644)
	rec := &memRecorder{}
	e := newTestEngine(testConfig(t.TempDir()), dst, rec)
	ctl := e.Services.(*service.Fake)

	sum := e.RunImport(context.Background(), ImportOptions{Package: pkg})
	if sum.Err != nil || sum.Status != StatusSuccess {
		t.Fatalf("import failed: %s %v %+v", sum.Status, sum.Err, sum.Failed())
	}
	if sum.ExitCode() != ExitOK {
		t.Fatalf("expected exit 0, got %d", sum.ExitCode())
	}
	// /data is absent on the target, so the service root is used.
	if sum.BaseDir != "/srv" {
		t.Fatalf("expected base /srv, got %s", sum.BaseDir)
	}
	got, err := afero.ReadFile(dst.FS(), "/srv/imported/app/db/state.json")
	if err != nil || string(got) != `{"rows":3}` {
		t.Fatalf("dataset content not restored: %q %v", got, err)
	}
	daemon, _ := afero.ReadFile(dst.FS(), "/etc/docker/daemon.json")
	if !strings.Contains(string(daemon), `"/srv/docker"`) {
		t.Fatalf("daemon.json not reconciled: %s", daemon)
	}
	if len(ctl.Reloads) != 1 || ctl.Reloads[0] != "docker" {
		t.Fatalf("expected docker reload, got %v", ctl.Reloads)
	}
	if len(sum.Outcomes) != 1 || !sum.Outcomes[0].Reloaded {
		t.Fatalf("unexpected outcomes: %+v", sum.Outcomes)
	}
	if len(rec.runs) != 1 || rec.runs[0].Label != "migrate-20260301T120000Z" {
		t.Fatalf("import run not recorded: %+v", rec.runs)
	}
}

func TestRunImport_CorruptPackageIsIntegrityFailure(t *testing.T) {
	pkg, _ := exportPackage(t)
	fi, err := os.Stat(pkg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(pkg, fi.Size()/2); err != nil {
		t.Fatal(err)
	}

	dst := storage.NewFake("tank", nil)
	e := newTestEngine(testConfig(t.TempDir()), dst, &memRecorder{})
	sum := e.RunImport(context.Background(), ImportOptions{Package: pkg})
	if sum.Status != StatusFatal || sum.ExitCode() != ExitIntegrity {
		t.Fatalf("expected fatal integrity failure, got %s exit %d (%v)", sum.Status, sum.ExitCode(), sum.Err)
	}
	if dst.ReceiveCalls != 0 {
		t.Fatalf("storage was touched before verification: %d receives", dst.ReceiveCalls)
	}
}

func TestRunImport_MissingConfigIsPartialReconcile(t *testing.T) {
	pkg, _ := exportPackage(t)

	dst := storage.NewFake("tank", nil)
	e := newTestEngine(testConfig(t.TempDir()), dst, &memRecorder{})
	sum := e.RunImport(context.Background(), ImportOptions{Package: pkg, TargetBase: "/srv"})
	if sum.Status != StatusPartial {
		t.Fatalf("expected partial, got %s (%v)", sum.Status, sum.Err)
	}
	if sum.ExitCode() != ExitPartialReconcile {
		t.Fatalf("expected exit %d, got %d", ExitPartialReconcile, sum.ExitCode())
	}
	failed := sum.Failed()
	if len(failed) != 1 || failed[0].Unit != "docker" || failed[0].Reason != "missing file" {
		t.Fatalf("unexpected failed units: %+v", failed)
	}
}

func TestRunImport_NoReconcile(t *testing.T) {
	pkg, _ := exportPackage(t)

	dst := storage.NewFake("tank", nil)
	e := newTestEngine(testConfig(t.TempDir()), dst, &memRecorder{})
	sum := e.RunImport(context.Background(), ImportOptions{Package: pkg, TargetBase: "/srv", NoReconcile: true})
	if sum.Status != StatusSuccess || len(sum.Outcomes) != 0 {
		t.Fatalf("expected success without reconcile, got %s %+v", sum.Status, sum.Outcomes)
	}
}

func TestRunExport_PartialSnapshot(t *testing.T) {
	src := sourceHost(t)
	if err := src.AddDataset("tank/logs", "/data/logs"); err != nil {
		t.Fatal(err)
	}
	src.FailSnapshot["tank/logs"] = errors.New("dataset is busy")
	cfg := testConfig(t.TempDir())
	cfg.Storage.Datasets = []string{"tank/app", "tank/logs"}

	sum := newTestEngine(cfg, src, &memRecorder{}).RunExport(context.Background(), ExportOptions{Label: "nightly"})
	if sum.Status != StatusPartial || sum.Package == "" {
		t.Fatalf("expected partial export with a package, got %s %q (%v)", sum.Status, sum.Package, sum.Err)
	}
	if sum.ExitCode() != ExitStorage {
		t.Fatalf("expected exit %d, got %d", ExitStorage, sum.ExitCode())
	}
	if sum.Label != "migrate-nightly" {
		t.Fatalf("unexpected label %s", sum.Label)
	}
	failed := sum.Failed()
	if len(failed) != 1 || failed[0].Unit != "tank/logs" {
		t.Fatalf("unexpected failed units %+v", failed)
	}
}

func TestRunExport_AllSnapshotsFail(t *testing.T) {
	src := sourceHost(t)
	src.FailSnapshot["tank/app"] = errors.New("pool suspended")

	sum := newTestEngine(testConfig(t.TempDir()), src, &memRecorder{}).RunExport(context.Background(), ExportOptions{})
	var se *snapshot.SnapshotError
	if sum.Status != StatusFatal || !errors.As(sum.Err, &se) {
		t.Fatalf("expected SnapshotError, got %s %v", sum.Status, sum.Err)
	}
	if sum.ExitCode() != ExitStorage {
		t.Fatalf("expected exit %d, got %d", ExitStorage, sum.ExitCode())
	}
}

func TestRunExport_NeverOverwritesPackage(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e := newTestEngine(cfg, sourceHost(t), &memRecorder{})
	ctx := context.Background()

	if sum := e.RunExport(ctx, ExportOptions{Label: "once"}); sum.Err != nil {
		t.Fatalf("first export: %v", sum.Err)
	}
	sum := e.RunExport(ctx, ExportOptions{Label: "once"})
	var pe *export.PackageExistsError
	if !errors.As(sum.Err, &pe) || sum.ExitCode() != ExitStorage {
		t.Fatalf("expected PackageExistsError, got %v (exit %d)", sum.Err, sum.ExitCode())
	}
}

func TestRunExport_FromLatest(t *testing.T) {
	src := sourceHost(t)
	ctx := context.Background()
	for _, label := range []string{"migrate-a", "migrate-b"} {
		if err := src.CreateSnapshot(ctx, "tank", label); err != nil {
			t.Fatal(err)
		}
		if err := src.CreateSnapshot(ctx, "tank/app", label); err != nil {
			t.Fatal(err)
		}
	}
	before := src.CreateCalls

	sum := newTestEngine(testConfig(t.TempDir()), src, &memRecorder{}).RunExport(ctx, ExportOptions{FromLatest: true})
	if sum.Err != nil || sum.Label != "migrate-b" {
		t.Fatalf("expected export of migrate-b, got %q %v", sum.Label, sum.Err)
	}
	if src.CreateCalls != before {
		t.Fatalf("from-latest must not create snapshots")
	}
}

func TestRunExport_ResolutionFailure(t *testing.T) {
	src := sourceHost(t)
	src.PoolMissing = true
	cfg := testConfig(t.TempDir())
	cfg.Base.ServiceRoot = ""

	sum := newTestEngine(cfg, src, &memRecorder{}).RunExport(context.Background(), ExportOptions{})
	var re *resolver.ResolutionError
	if !errors.As(sum.Err, &re) || sum.ExitCode() != ExitStorage {
		t.Fatalf("expected ResolutionError with exit %d, got %v (exit %d)", ExitStorage, sum.Err, sum.ExitCode())
	}
	if src.CreateCalls != 0 {
		t.Fatalf("no snapshot may be taken without a base directory")
	}
}

func TestRunPrune(t *testing.T) {
	src := sourceHost(t)
	ctx := context.Background()
	for _, label := range []string{"migrate-1", "migrate-2", "migrate-3", "operator"} {
		if err := src.CreateSnapshot(ctx, "tank/app", label); err != nil {
			t.Fatal(err)
		}
	}
	sum := newTestEngine(testConfig(t.TempDir()), src, &memRecorder{}).RunPrune(ctx, 1)
	if sum.Status != StatusSuccess {
		t.Fatalf("prune failed: %s %v", sum.Status, sum.Err)
	}
	snaps, _ := src.ListSnapshots(ctx, "tank/app")
	var labels []string
	for _, s := range snaps {
		labels = append(labels, s.Label)
	}
	if strings.Join(labels, ",") != "migrate-3,operator" {
		t.Fatalf("unexpected remaining snapshots: %v", labels)
	}
}

func TestRunReconcile_ResolvesBase(t *testing.T) {
	dst := storage.NewFake("tank", nil)
	_ = afero.WriteFile(dst.FS(), "/etc/docker/daemon.json", []byte(`{"data-root":"/old/docker"}`), 0o644)
	_ = dst.FS().MkdirAll("/data", 0o755)
	e := newTestEngine(testConfig(t.TempDir()), dst, &memRecorder{})

	sum := e.RunReconcile(context.Background(), "")
	if sum.BaseDir != "/data" || sum.Status != StatusSuccess {
		t.Fatalf("unexpected summary: base %s status %s", sum.BaseDir, sum.Status)
	}
	daemon, _ := afero.ReadFile(dst.FS(), "/etc/docker/daemon.json")
	if !strings.Contains(string(daemon), `"/data/docker"`) {
		t.Fatalf("daemon.json not reconciled: %s", daemon)
	}
}

func TestRecord_HistoryFailureDoesNotChangeOutcome(t *testing.T) {
	rec := &memRecorder{err: errors.New("database is locked")}
	e := newTestEngine(testConfig(t.TempDir()), sourceHost(t), rec)
	sum := e.RunExport(context.Background(), ExportOptions{})
	if sum.Status != StatusSuccess || sum.RunID != "" {
		t.Fatalf("unexpected summary: %s run %q", sum.Status, sum.RunID)
	}
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		name string
		sum  Summary
		want int
	}{
		{"success", Summary{}, ExitOK},
		{"integrity", Summary{Err: fmt.Errorf("import: %w", &archive.IntegrityError{Path: "p", Reason: "truncated"})}, ExitIntegrity},
		{"restore", Summary{Err: &restore.RestoreError{Dataset: "tank/a", Target: "tank/imported/a", Err: errors.New("x")}}, ExitStorage},
		{"resolution", Summary{Err: &resolver.ResolutionError{Path: "/srv", Err: os.ErrPermission}}, ExitStorage},
		{"not found", Summary{Err: fmt.Errorf("x: %w", storage.ErrNotFound)}, ExitStorage},
		{"other", Summary{Err: errors.New("boom")}, ExitOther},
		{"partial reconcile", Summary{Units: []model.UnitResult{
			{Unit: "tank/a", Kind: model.UnitDataset, Status: model.StatusCreated},
			{Unit: "docker", Kind: model.UnitService, Status: model.StatusFailed},
		}}, ExitPartialReconcile},
		{"partial dataset", Summary{Units: []model.UnitResult{{Unit: "tank/a", Kind: model.UnitDataset, Status: model.StatusFailed}}}, ExitStorage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.sum.ExitCode(); got != tc.want {
				t.Fatalf("ExitCode() = %d, want %d", got, tc.want)
			}
		})
	}
}
