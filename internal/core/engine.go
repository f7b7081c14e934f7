// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

// Package core wires the migration components into the operations the CLI
// exposes. Facades never print; they return a Summary and record the run in
// the history store when one is configured.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/toeirei/hostmove/internal/archive"
	"github.com/toeirei/hostmove/internal/bindings"
	"github.com/toeirei/hostmove/internal/config"
	"github.com/toeirei/hostmove/internal/export"
	"github.com/toeirei/hostmove/internal/history"
	"github.com/toeirei/hostmove/internal/hostinfo"
	"github.com/toeirei/hostmove/internal/logging"
	"github.com/toeirei/hostmove/internal/model"
	"github.com/toeirei/hostmove/internal/reconcile"
	"github.com/toeirei/hostmove/internal/resolver"
	"github.com/toeirei/hostmove/internal/restore"
	"github.com/toeirei/hostmove/internal/service"
	"github.com/toeirei/hostmove/internal/snapshot"
	"github.com/toeirei/hostmove/internal/storage"
	"github.com/toeirei/hostmove/internal/transport"
)

// Recorder persists finished runs. *history.Store implements it.
type Recorder interface {
	Record(ctx context.Context, run history.Run) (string, error)
}

// Engine holds the dependencies shared by all facades.
type Engine struct {
	Config   config.Config
	Storage  storage.Adapter
	FS       afero.Fs
	Services service.Controller
	// History may be nil.
	History Recorder
	// ToolVersion is written into package manifests.
	ToolVersion string
	Now         func() time.Time
	// HostFacts defaults to hostinfo.Collect on FS.
	HostFacts func() hostinfo.Facts
	// Dial opens the SSH/SFTP session used by push.
	Dial func(ctx context.Context, t transport.Target, opts transport.Options) (*transport.Session, error)
}

// NewEngine returns an Engine for the host: OS filesystem, systemd and the
// SSH transport.
func NewEngine(cfg config.Config, store storage.Adapter) *Engine {
	return &Engine{
		Config:      cfg,
		Storage:     store,
		FS:          afero.NewOsFs(),
		Services:    service.NewSystemd(nil),
		ToolVersion: "dev",
		Now:         time.Now,
		Dial:        transport.Dial,
	}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Engine) facts() hostinfo.Facts {
	if e.HostFacts != nil {
		return e.HostFacts()
	}
	return hostinfo.Collect(e.FS)
}

func (e *Engine) bindings() []model.ServiceBinding {
	return bindings.Merge(bindings.Default(), e.Config.Bindings, e.Config.DisableDefaultBindings)
}

// ResolveBase picks the base directory for this host.
func (e *Engine) ResolveBase(ctx context.Context) (string, error) {
	imported, err := e.Storage.PoolExists(ctx)
	if err != nil {
		logging.Warnf("core: cannot determine whether pool %s is imported: %v", e.Config.Storage.Pool, err)
		imported = false
	}
	return resolver.Resolve(e.FS, resolver.Candidates{
		PoolMount:    e.Config.Base.PoolMount,
		PoolImported: imported,
		ServiceRoot:  e.Config.Base.ServiceRoot,
	})
}

// selectDatasets returns the configured datasets, or every dataset below
// the root when none are configured. Configured names that do not exist
// are reported as failed units.
func (e *Engine) selectDatasets(ctx context.Context) ([]string, []model.UnitResult, error) {
	all, err := e.Storage.ListDatasets(ctx, e.Config.DatasetRoot())
	if err != nil {
		return nil, nil, err
	}
	if len(e.Config.Storage.Datasets) == 0 {
		names := make([]string, 0, len(all))
		for _, d := range all {
			names = append(names, d.Name)
		}
		return names, nil, nil
	}
	known := make(map[string]bool, len(all))
	for _, d := range all {
		known[d.Name] = true
	}
	var names []string
	var missing []model.UnitResult
	for _, n := range e.Config.Storage.Datasets {
		if !known[n] {
			err := fmt.Errorf("dataset %s: %w", n, storage.ErrNotFound)
			missing = append(missing, model.UnitResult{Unit: n, Kind: model.UnitDataset, Status: model.StatusFailed, Reason: "dataset not found", Err: err})
			logging.Errorf("core: %v", err)
			continue
		}
		names = append(names, n)
	}
	return names, missing, nil
}

// ExportOptions controls RunExport.
type ExportOptions struct {
	// Label defaults to the current time.
	Label string
	// OutDir overrides export.out_dir.
	OutDir string
	// FromLatest packages the newest snapshot common to all datasets
	// instead of creating new ones.
	FromLatest bool
	// Push is an optional user@host:/dir destination.
	Push string
	// PruneKeep > 0 prunes old migrate- snapshots after a successful export.
	PruneKeep int
}

// RunExport resolves the base directory, snapshots the selected datasets
// with one shared label and writes the package.
func (e *Engine) RunExport(ctx context.Context, opts ExportOptions) (sum Summary) {
	started := e.now()
	sum = Summary{Operation: history.OpExport}
	defer e.record(ctx, &sum, started)

	base, err := e.ResolveBase(ctx)
	if err != nil {
		sum.Err = err
		return sum
	}
	sum.BaseDir = base

	datasets, units, err := e.selectDatasets(ctx)
	sum.Units = append(sum.Units, units...)
	if err != nil {
		sum.Err = err
		return sum
	}

	mgr := snapshot.NewManager(e.Storage)
	var snaps []model.Snapshot
	if opts.FromLatest {
		latest, err := mgr.LatestCommon(ctx, e.Config.DatasetRoot(), datasets)
		if err != nil {
			sum.Err = err
			return sum
		}
		sum.Label = latest.Label
		for _, ds := range datasets {
			snaps = append(snaps, model.Snapshot{Dataset: ds, Label: latest.Label})
			sum.Units = append(sum.Units, model.UnitResult{Unit: ds, Kind: model.UnitDataset, Status: model.StatusExisting})
		}
	} else {
		label := opts.Label
		if label == "" {
			label = snapshot.NewLabel(started)
		}
		rep, err := mgr.SnapshotAll(ctx, datasets, label)
		sum.Label = rep.Label
		sum.Units = append(sum.Units, rep.Units...)
		if err != nil {
			sum.Err = err
			return sum
		}
		snaps = rep.Snapshots
	}

	version, err := e.Storage.Version(ctx)
	if err != nil {
		sum.Warnings = append(sum.Warnings, fmt.Sprintf("cannot determine storage version: %v", err))
		version = "unknown"
	}
	facts := e.facts()

	outDir := opts.OutDir
	if outDir == "" {
		outDir = e.Config.Export.OutDir
	}
	pkgr := export.NewPackager(e.Storage, export.Options{
		OutDir:   outDir,
		Bindings: e.bindings(),
		ConfigFS: e.FS,
		Now:      e.Now,
	})
	pkg, err := pkgr.Export(ctx, snaps, export.ManifestInfo{
		Label:          sum.Label,
		SourceHost:     facts.Hostname,
		OSVersion:      facts.OSVersion,
		KernelVersion:  facts.KernelVersion,
		StorageVersion: version,
		ToolVersion:    e.ToolVersion,
		SourceBaseDir:  base,
	})
	if err != nil {
		sum.Err = err
		return sum
	}
	sum.Package = pkg.Path
	// Stream units repeat the dataset snapshot units; only configs are new.
	for _, u := range pkg.Units {
		if u.Kind != model.UnitDataset {
			sum.Units = append(sum.Units, u)
		}
	}

	if opts.Push != "" {
		sum.Units = append(sum.Units, e.push(ctx, pkg.Path, opts.Push))
	}

	keep := opts.PruneKeep
	if keep == 0 {
		keep = e.Config.Export.PruneKeep
	}
	if keep > 0 {
		pruned, err := mgr.Prune(ctx, datasets, keep)
		if err != nil {
			sum.Warnings = append(sum.Warnings, err.Error())
		}
		for _, u := range pruned {
			if u.Failed() {
				sum.Units = append(sum.Units, u)
			}
		}
	}
	return sum
}

// ImportOptions controls RunImport.
type ImportOptions struct {
	Package string
	// TargetBase defaults to the resolved base directory.
	TargetBase     string
	NoReconcile    bool
	RestoreConfigs bool
}

// RunImport verifies and restores a package and then reconciles the
// services on this host against the target base directory.
func (e *Engine) RunImport(ctx context.Context, opts ImportOptions) (sum Summary) {
	started := e.now()
	sum = Summary{Operation: history.OpImport, Package: opts.Package}
	defer e.record(ctx, &sum, started)

	base := opts.TargetBase
	if base == "" {
		b, err := e.ResolveBase(ctx)
		if err != nil {
			sum.Err = err
			return sum
		}
		base = b
	}
	sum.BaseDir = base

	eng := restore.NewEngine(e.Storage, restore.Options{
		Namespace:      e.Config.ImportNamespace(),
		RestoreConfigs: opts.RestoreConfigs || e.Config.Import.RestoreConfigs,
		FS:             e.FS,
	})
	res, err := eng.Import(ctx, opts.Package, base)
	if res != nil {
		sum.Units = append(sum.Units, res.Units...)
		sum.Warnings = append(sum.Warnings, res.Warnings...)
		if res.Manifest != nil {
			sum.Label = res.Manifest.Label
		}
	}
	if err != nil {
		sum.Err = err
		return sum
	}

	if opts.NoReconcile || e.Config.Import.NoReconcile {
		return sum
	}
	sum.Outcomes = e.reconcile(ctx, base)
	for _, o := range sum.Outcomes {
		sum.Units = append(sum.Units, o.Unit())
	}
	return sum
}

// RunReconcile repoints the bound services at base.
func (e *Engine) RunReconcile(ctx context.Context, base string) (sum Summary) {
	started := e.now()
	sum = Summary{Operation: history.OpReconcile}
	defer e.record(ctx, &sum, started)

	if base == "" {
		b, err := e.ResolveBase(ctx)
		if err != nil {
			sum.Err = err
			return sum
		}
		base = b
	}
	sum.BaseDir = base
	sum.Outcomes = e.reconcile(ctx, base)
	for _, o := range sum.Outcomes {
		sum.Units = append(sum.Units, o.Unit())
	}
	return sum
}

func (e *Engine) reconcile(ctx context.Context, base string) []model.ReconcileOutcome {
	return reconcile.New(e.FS, e.Services, e.bindings()).Reconcile(ctx, base)
}

// RunPrune keeps the newest keep migrate- snapshots of every selected dataset.
func (e *Engine) RunPrune(ctx context.Context, keep int) (sum Summary) {
	started := e.now()
	sum = Summary{Operation: history.OpPrune}
	defer e.record(ctx, &sum, started)

	datasets, units, err := e.selectDatasets(ctx)
	sum.Units = append(sum.Units, units...)
	if err != nil {
		sum.Err = err
		return sum
	}
	pruned, err := snapshot.NewManager(e.Storage).Prune(ctx, datasets, keep)
	sum.Units = append(sum.Units, pruned...)
	sum.Err = err
	return sum
}

// RunPush uploads an existing package to dest (user@host:/dir).
func (e *Engine) RunPush(ctx context.Context, pkgPath, dest string) (sum Summary) {
	started := e.now()
	sum = Summary{Operation: history.OpPush, Package: pkgPath}
	defer e.record(ctx, &sum, started)

	if _, err := archive.Verify(pkgPath); err != nil {
		sum.Err = err
		return sum
	}
	u := e.push(ctx, pkgPath, dest)
	if u.Failed() {
		sum.Err = u.Err
		return sum
	}
	sum.Units = append(sum.Units, u)
	return sum
}

func (e *Engine) push(ctx context.Context, pkgPath, dest string) model.UnitResult {
	unit := model.UnitResult{Unit: dest, Kind: model.UnitPackage}
	fail := func(err error) model.UnitResult {
		logging.Errorf("core: push to %s: %v", dest, err)
		unit.Status, unit.Reason, unit.Err = model.StatusFailed, err.Error(), err
		return unit
	}
	t, err := transport.ParseTarget(dest)
	if err != nil {
		return fail(err)
	}
	dial := e.Dial
	if dial == nil {
		dial = transport.Dial
	}
	sess, err := dial(ctx, t, transport.Options{
		IdentityFile: e.Config.Transport.IdentityFile,
		KnownHosts:   e.Config.Transport.KnownHosts,
		Timeout:      e.Config.Transport.Timeout,
	})
	if err != nil {
		return fail(err)
	}
	defer func() { _ = sess.Close() }()

	remote, err := transport.Push(ctx, sess.SFTP, pkgPath, t.Dir)
	if err != nil {
		return fail(err)
	}
	unit.Status, unit.Reason = model.StatusCreated, remote
	return unit
}

// Verify checks a package without touching storage.
func (e *Engine) Verify(pkgPath string) (*model.Manifest, Summary) {
	sum := Summary{Operation: history.OpVerify, Package: pkgPath}
	m, err := archive.Verify(pkgPath)
	if err != nil {
		sum.Err = err
	} else {
		sum.Label = m.Label
	}
	sum.finish()
	return m, sum
}

// record sets the final status and stores the run. History failures are
// logged only; they never change the outcome of the operation.
func (e *Engine) record(ctx context.Context, sum *Summary, started time.Time) {
	sum.finish()
	if e.History == nil {
		return
	}
	run := history.Run{
		Operation:  sum.Operation,
		Label:      sum.Label,
		Host:       e.facts().Hostname,
		Status:     string(sum.Status),
		Detail:     sum.Package,
		StartedAt:  started,
		FinishedAt: e.now(),
		Units:      history.UnitsFrom(sum.Units),
	}
	if sum.Err != nil {
		run.Detail = sum.Err.Error()
	}
	id, err := e.History.Record(context.WithoutCancel(ctx), run)
	if err != nil {
		logging.Warnf("core: failed to record %s run: %v", sum.Operation, err)
		return
	}
	sum.RunID = id
}
