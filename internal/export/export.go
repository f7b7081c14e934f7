// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

// Package export builds migration packages from a batch of snapshots.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/toeirei/hostmove/internal/archive"
	"github.com/toeirei/hostmove/internal/bindings"
	"github.com/toeirei/hostmove/internal/logging"
	"github.com/toeirei/hostmove/internal/model"
	"github.com/toeirei/hostmove/internal/storage"
)

// PackageExistsError is returned instead of overwriting a package.
type PackageExistsError struct {
	Path string
}

func (e *PackageExistsError) Error() string {
	return fmt.Sprintf("package %s already exists", e.Path)
}

// ManifestInfo is the host information recorded in the manifest.
type ManifestInfo struct {
	Label          string
	SourceHost     string
	OSVersion      string
	KernelVersion  string
	StorageVersion string
	ToolVersion    string
	SourceBaseDir  string
}

// Package is a finished migration package.
type Package struct {
	Path     string
	Manifest *model.Manifest
	// Units lists one result per top-level stream and per config path.
	Units []model.UnitResult
}

// Options configures a Packager.
type Options struct {
	// OutDir receives the package. It must be on the local filesystem.
	OutDir string
	// Bindings lists the configuration files copied into the package.
	Bindings []model.ServiceBinding
	// ConfigFS is where configuration files are read from; nil means the
	// host filesystem.
	ConfigFS afero.Fs
	Now      func() time.Time
}

// Packager writes packages.
type Packager struct {
	store    storage.Adapter
	outDir   string
	binds    []model.ServiceBinding
	configFS afero.Fs
	now      func() time.Time
}

// NewPackager returns a Packager reading streams from store.
func NewPackager(store storage.Adapter, opts Options) *Packager {
	p := &Packager{store: store, outDir: opts.OutDir, binds: opts.Bindings, configFS: opts.ConfigFS, now: opts.Now}
	if p.outDir == "" {
		p.outDir = "."
	}
	if p.configFS == nil {
		p.configFS = afero.NewOsFs()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// FileName returns the package file name for a batch label.
func FileName(label string) string {
	if !strings.HasPrefix(label, model.SnapshotPrefix) {
		label = model.SnapshotPrefix + label
	}
	return label + ".pkg"
}

// StreamFile returns the member name used for a dataset stream.
func StreamFile(dataset string) string {
	return "streams/" + url.PathEscape(dataset) + ".stream"
}

// TopLevel returns the snapshots whose dataset has no ancestor among the
// other snapshots, and whether each has selected descendants.
func TopLevel(snaps []model.Snapshot) (tops []model.Snapshot, recursive map[string]bool) {
	recursive = map[string]bool{}
	for _, s := range snaps {
		top := true
		for _, o := range snaps {
			if model.IsAncestor(o.Dataset, s.Dataset) {
				top = false
				recursive[o.Dataset] = true
			}
		}
		if top {
			tops = append(tops, s)
		}
	}
	sort.Slice(tops, func(i, j int) bool { return tops[i].Dataset < tops[j].Dataset })
	return tops, recursive
}

// Export writes migrate-<label>.pkg. Every top-level dataset becomes its own
// stream member, the binding configuration files are copied verbatim and
// the manifest is appended last. The package is assembled under a .partial
// name and only published when complete; an existing package is never
// replaced.
func (p *Packager) Export(ctx context.Context, snaps []model.Snapshot, info ManifestInfo) (*Package, error) {
	if len(snaps) == 0 {
		return nil, errors.New("export: no snapshots to package")
	}
	if info.Label == "" {
		info.Label = snaps[0].Label
	}
	if !model.ValidLabel(info.Label) {
		return nil, fmt.Errorf("export: invalid label %q", info.Label)
	}
	final := filepath.Join(p.outDir, FileName(info.Label))
	if _, err := os.Stat(final); err == nil {
		return nil, &PackageExistsError{Path: final}
	}
	if err := os.MkdirAll(p.outDir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create output directory: %w", err)
	}

	partial := final + ".partial"
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	published := false
	defer func() {
		_ = f.Close()
		if !published {
			_ = os.Remove(partial)
		}
	}()

	w, err := archive.NewWriter(f)
	if err != nil {
		return nil, err
	}

	now := p.now().UTC()
	m := &model.Manifest{
		FormatVersion:   model.ManifestFormatVersion,
		Label:           info.Label,
		CreatedAt:       now,
		SourceHost:      info.SourceHost,
		OSVersion:       info.OSVersion,
		KernelVersion:   info.KernelVersion,
		StorageVersion:  info.StorageVersion,
		ToolVersion:     info.ToolVersion,
		SourceBaseDir:   info.SourceBaseDir,
		IncludedConfigs: []string{},
		Streams:         []model.StreamEntry{},
		Configs:         []model.ConfigEntry{},
	}
	pkg := &Package{Manifest: m}

	tops, recursive := TopLevel(snaps)
	for _, snap := range tops {
		entry, err := p.addStream(ctx, w, snap, recursive[snap.Dataset], now)
		if err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("export: stream %s: %w", snap, err)
		}
		m.Streams = append(m.Streams, entry)
		pkg.Units = append(pkg.Units, model.UnitResult{Unit: snap.Dataset, Kind: model.UnitDataset, Status: model.StatusOK})
		logging.Infof("export: packaged %s (%d bytes)", snap, entry.Size)
	}

	units, err := p.addConfigs(w, m)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	pkg.Units = append(pkg.Units, units...)

	if err := w.WriteManifest(m); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("export: manifest: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("export: finish archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("export: sync: %w", err)
	}

	if err := publish(partial, final); err != nil {
		return nil, err
	}
	published = true
	pkg.Path = final
	logging.Infof("export: wrote %s", final)
	return pkg, nil
}

// addStream spools the send stream to a temporary file first: tar needs the
// member size up front.
func (p *Packager) addStream(ctx context.Context, w *archive.Writer, snap model.Snapshot, recursive bool, now time.Time) (model.StreamEntry, error) {
	rc, err := p.store.SendStream(ctx, snap, recursive)
	if err != nil {
		return model.StreamEntry{}, err
	}
	tmp, err := os.CreateTemp(p.outDir, ".hostmove-stream-*")
	if err != nil {
		_ = rc.Close()
		return model.StreamEntry{}, err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	size, copyErr := io.Copy(tmp, rc)
	// Close reports the exit status of the sending process.
	if closeErr := rc.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return model.StreamEntry{}, copyErr
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return model.StreamEntry{}, err
	}

	name := StreamFile(snap.Dataset)
	member, err := w.Add(name, tmp, size, 0o600, now)
	if err != nil {
		return model.StreamEntry{}, err
	}
	return model.StreamEntry{Dataset: snap.Dataset, Snapshot: snap.String(), File: name, Size: member.Size, SHA256: member.SHA256}, nil
}

func (p *Packager) addConfigs(w *archive.Writer, m *model.Manifest) ([]model.UnitResult, error) {
	var units []model.UnitResult
	for _, cp := range bindings.Files(p.configFS, p.binds) {
		if cp.Missing {
			units = append(units, model.UnitResult{Unit: cp.Pattern, Kind: model.UnitConfig, Status: model.StatusSkipped, Reason: "not present"})
			logging.Debugf("export: config %s not present, skipping", cp.Pattern)
			continue
		}
		entry, err := p.addConfig(w, cp.Path)
		if err != nil {
			return units, fmt.Errorf("export: config %s: %w", cp.Path, err)
		}
		m.Configs = append(m.Configs, entry)
		m.IncludedConfigs = append(m.IncludedConfigs, cp.Path)
		units = append(units, model.UnitResult{Unit: cp.Path, Kind: model.UnitConfig, Status: model.StatusOK})
	}
	return units, nil
}

func (p *Packager) addConfig(w *archive.Writer, abs string) (model.ConfigEntry, error) {
	f, err := p.configFS.Open(abs)
	if err != nil {
		return model.ConfigEntry{}, err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return model.ConfigEntry{}, err
	}
	name := ConfigMember(abs)
	member, err := w.Add(name, f, fi.Size(), fi.Mode(), fi.ModTime())
	if err != nil {
		return model.ConfigEntry{}, err
	}
	return model.ConfigEntry{Path: abs, File: name, Size: member.Size, SHA256: member.SHA256, Mode: uint32(fi.Mode().Perm())}, nil
}

// ConfigMember returns the member name of a copied configuration file.
func ConfigMember(abs string) string {
	return "configs/" + strings.TrimPrefix(path.Clean("/"+abs), "/")
}

// publish makes the complete package visible under its final name without
// ever replacing an existing file.
func publish(partial, final string) error {
	err := os.Link(partial, final)
	if err == nil {
		_ = os.Remove(partial)
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return &PackageExistsError{Path: final}
	}
	logging.Debugf("export: hard link unavailable (%v), falling back to rename", err)
	if _, statErr := os.Stat(final); statErr == nil {
		return &PackageExistsError{Path: final}
	}
	if err := os.Rename(partial, final); err != nil {
		return fmt.Errorf("export: publish %s: %w", final, err)
	}
	return nil
}
