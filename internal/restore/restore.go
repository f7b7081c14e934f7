// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

// Package restore imports migration packages into a fresh dataset namespace.
package restore

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
	"github.com/toeirei/hostmove/internal/archive"
	"github.com/toeirei/hostmove/internal/logging"
	"github.com/toeirei/hostmove/internal/model"
	"github.com/toeirei/hostmove/internal/storage"
)

// RestoreError reports a failed receive. The target dataset has been
// destroyed again when it is returned.
type RestoreError struct {
	Dataset string
	Target  string
	Err     error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore %s into %s: %v", e.Dataset, e.Target, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// ImportedDataset describes where one stream was received.
type ImportedDataset struct {
	Source     string
	Target     string
	Mountpoint string
	Status     model.Status
}

// Result is the outcome of Import.
type Result struct {
	Manifest  *model.Manifest
	Datasets  []ImportedDataset
	Units     []model.UnitResult
	Warnings  []string
	ConfigDir string
}

// Options configures an Engine.
type Options struct {
	// Namespace is the dataset the streams are received below,
	// e.g. "tank/imported".
	Namespace string
	// RestoreConfigs installs copied configs that are absent on this host.
	RestoreConfigs bool
	// FS is the target host filesystem; nil means the real one.
	FS afero.Fs
}

// Engine performs imports.
type Engine struct {
	store          storage.Adapter
	namespace      string
	restoreConfigs bool
	fs             afero.Fs
}

// NewEngine returns an Engine receiving into opts.Namespace.
func NewEngine(store storage.Adapter, opts Options) *Engine {
	e := &Engine{store: store, namespace: strings.TrimSuffix(opts.Namespace, "/"), restoreConfigs: opts.RestoreConfigs, fs: opts.FS}
	if e.fs == nil {
		e.fs = afero.NewOsFs()
	}
	return e
}

// Import verifies the package and only then receives every stream into
// <namespace>/<name>, mounted at <targetBase>/imported/<name>. A target
// that already holds the package snapshot counts as imported, so an
// interrupted import can be re-run.
func (e *Engine) Import(ctx context.Context, pkgPath, targetBase string) (*Result, error) {
	m, err := archive.Verify(pkgPath)
	if err != nil {
		return nil, err
	}
	res := &Result{Manifest: m}
	logging.Infof("restore: %s verified (label %s from %s)", pkgPath, m.Label, m.SourceHost)

	if v, err := e.store.Version(ctx); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("cannot determine storage version: %v", err))
	} else if v != m.StorageVersion {
		w := fmt.Sprintf("storage version differs: package %q, host %q", m.StorageVersion, v)
		logging.Warnf("restore: %s", w)
		res.Warnings = append(res.Warnings, w)
	}

	names := TargetNames(m.Streams)
	reader := archive.Open(pkgPath)
	for _, s := range m.Streams {
		ds := ImportedDataset{
			Source:     s.Dataset,
			Target:     e.namespace + "/" + names[s.Dataset],
			Mountpoint: path.Join(targetBase, "imported", names[s.Dataset]),
		}
		status, err := e.receive(ctx, reader, s, ds, m.Label)
		if err != nil {
			res.Units = append(res.Units, model.UnitResult{Unit: s.Dataset, Kind: model.UnitDataset, Status: model.StatusFailed, Reason: err.Error(), Err: err})
			return res, err
		}
		ds.Status = status
		res.Datasets = append(res.Datasets, ds)
		res.Units = append(res.Units, model.UnitResult{Unit: s.Dataset, Kind: model.UnitDataset, Status: status})
	}

	units, dir, err := e.extractConfigs(reader, m, targetBase)
	res.Units = append(res.Units, units...)
	res.ConfigDir = dir
	if err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) receive(ctx context.Context, reader *archive.Reader, s model.StreamEntry, ds ImportedDataset, label string) (model.Status, error) {
	exists, err := e.store.DatasetExists(ctx, ds.Target)
	if err != nil {
		return "", &RestoreError{Dataset: s.Dataset, Target: ds.Target, Err: err}
	}
	if exists {
		if e.holdsSnapshot(ctx, ds.Target, label) {
			logging.Infof("restore: %s already holds %s, skipping", ds.Target, label)
			return model.StatusExisting, nil
		}
		return "", &RestoreError{Dataset: s.Dataset, Target: ds.Target, Err: fmt.Errorf("target dataset already exists: %w", storage.ErrExists)}
	}

	mr, err := reader.Member(s.File)
	if err != nil {
		return "", &RestoreError{Dataset: s.Dataset, Target: ds.Target, Err: err}
	}
	defer func() { _ = mr.Close() }()

	recvErr := e.store.ReceiveStream(ctx, mr, ds.Target, ds.Mountpoint)
	if recvErr == nil {
		if _, err := io.Copy(io.Discard, mr); err != nil {
			recvErr = err
		} else if !mr.Matches(model.Member{Size: s.Size, SHA256: s.SHA256}) {
			recvErr = errors.New("stream checksum mismatch while receiving")
		}
	}
	if recvErr != nil {
		logging.Errorf("restore: receive %s failed, rolling back: %v", ds.Target, recvErr)
		if err := e.store.DestroyDataset(ctx, ds.Target); err != nil {
			return "", &RestoreError{Dataset: s.Dataset, Target: ds.Target, Err: fmt.Errorf("%v (rollback failed: %w)", recvErr, err)}
		}
		return "", &RestoreError{Dataset: s.Dataset, Target: ds.Target, Err: recvErr}
	}
	logging.Infof("restore: received %s into %s at %s", s.Dataset, ds.Target, ds.Mountpoint)
	return model.StatusCreated, nil
}

func (e *Engine) holdsSnapshot(ctx context.Context, dataset, label string) bool {
	snaps, err := e.store.ListSnapshots(ctx, dataset)
	if err != nil {
		return false
	}
	for _, s := range snaps {
		if s.Label == label {
			return true
		}
	}
	return false
}

// TargetNames maps each stream's dataset to the name it is received under:
// its last path element, or its pool-relative path when two streams would
// otherwise collide.
func TargetNames(streams []model.StreamEntry) map[string]string {
	count := map[string]int{}
	for _, s := range streams {
		count[path.Base(s.Dataset)]++
	}
	out := make(map[string]string, len(streams))
	for _, s := range streams {
		name := path.Base(s.Dataset)
		if count[name] > 1 {
			if _, rest, ok := strings.Cut(s.Dataset, "/"); ok {
				name = strings.ReplaceAll(rest, "/", "_")
			}
		}
		out[s.Dataset] = name
	}
	return out
}

// extractConfigs stores every copied config below
// <targetBase>/.hostmove/imports/<label>/configs and, when enabled, installs
// those that do not exist on this host yet.
func (e *Engine) extractConfigs(reader *archive.Reader, m *model.Manifest, targetBase string) ([]model.UnitResult, string, error) {
	if len(m.Configs) == 0 {
		return nil, "", nil
	}
	dir := path.Join(targetBase, ".hostmove", "imports", m.Label, "configs")
	byFile := make(map[string]model.ConfigEntry, len(m.Configs))
	for _, c := range m.Configs {
		byFile[c.File] = c
	}

	var units []model.UnitResult
	err := reader.Each("configs/", func(hdr *tar.Header, body io.Reader) error {
		c, ok := byFile[hdr.Name]
		if !ok {
			return nil
		}
		data, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		mode := os.FileMode(c.Mode).Perm()
		if mode == 0 {
			mode = 0o644
		}
		ref := path.Join(dir, strings.TrimPrefix(hdr.Name, "configs/"))
		if err := writeFile(e.fs, ref, data, mode); err != nil {
			return fmt.Errorf("extract %s: %w", c.Path, err)
		}
		if !e.restoreConfigs {
			return nil
		}
		unit := model.UnitResult{Unit: c.Path, Kind: model.UnitConfig}
		if exists, _ := afero.Exists(e.fs, c.Path); exists {
			unit.Status, unit.Reason = model.StatusSkipped, "present on target"
		} else if err := writeFile(e.fs, c.Path, data, mode); err != nil {
			unit.Status, unit.Reason, unit.Err = model.StatusFailed, err.Error(), err
			logging.Errorf("restore: install %s: %v", c.Path, err)
		} else {
			unit.Status = model.StatusCreated
			logging.Infof("restore: installed %s", c.Path)
		}
		units = append(units, unit)
		return nil
	})
	return units, dir, err
}

func writeFile(fs afero.Fs, p string, data []byte, mode os.FileMode) error {
	if err := fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fs, p, data, mode)
}
