// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

package storage

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/toeirei/hostmove/internal/model"
)

const (
	paxDataset = "HOSTMOVE.dataset"
	paxLabel   = "HOSTMOVE.label"
)

// Fake is an in-memory Adapter backed by an afero filesystem. Datasets are
// directories; a snapshot is a copy of the files below a dataset's
// mountpoint taken at CreateSnapshot time. Tests use it in place of a pool.
type Fake struct {
	mu       sync.Mutex
	pool     string
	fs       afero.Fs
	datasets map[string]*fakeDataset

	// Now stamps new snapshots. Defaults to time.Now.
	Now func() time.Time
	// VersionString is returned by Version.
	VersionString string
	// PoolMissing makes PoolExists report false.
	PoolMissing bool
	// FailSnapshot injects a CreateSnapshot error per dataset.
	FailSnapshot map[string]error
	// FailReceive, when set, is returned by ReceiveStream after the target
	// dataset has been created, leaving a partial dataset behind.
	FailReceive error

	CreateCalls  int
	ReceiveCalls int
	DestroyCalls int
}

type fakeDataset struct {
	mountpoint string
	snaps      []fakeSnapshot
}

type fakeSnapshot struct {
	label   string
	created time.Time
	files   map[string][]byte
}

// NewFake returns a Fake whose pool dataset is mounted at /<pool>. A nil fs
// selects a fresh afero.MemMapFs.
func NewFake(pool string, fs afero.Fs) *Fake {
	if fs == nil {
		fs = afero.NewMemMapFs()
	}
	f := &Fake{
		pool:          pool,
		fs:            fs,
		datasets:      map[string]*fakeDataset{},
		Now:           time.Now,
		VersionString: "zfs-2.2.2-fake",
		FailSnapshot:  map[string]error{},
	}
	_ = f.AddDataset(pool, "/"+pool)
	return f
}

// FS returns the filesystem datasets are mounted on.
func (f *Fake) FS() afero.Fs { return f.fs }

// AddDataset registers a dataset and creates its mountpoint directory.
func (f *Fake) AddDataset(name, mountpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.datasets[name]; ok {
		return fmt.Errorf("dataset %s: %w", name, ErrExists)
	}
	if err := f.fs.MkdirAll(mountpoint, 0o755); err != nil {
		return err
	}
	f.datasets[name] = &fakeDataset{mountpoint: mountpoint}
	return nil
}

func (f *Fake) PoolExists(ctx context.Context) (bool, error) {
	return !f.PoolMissing, nil
}

func (f *Fake) Version(ctx context.Context) (string, error) {
	return f.VersionString, nil
}

func (f *Fake) ListDatasets(ctx context.Context, root string) ([]model.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.datasets[root]; !ok {
		return nil, fmt.Errorf("dataset %s: %w", root, ErrNotFound)
	}
	var res []model.Dataset
	for name, ds := range f.datasets {
		if name == root || model.IsAncestor(root, name) {
			res = append(res, model.Dataset{Name: name, Mountpoint: ds.mountpoint})
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (f *Fake) DatasetExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.datasets[name]
	return ok, nil
}

func (f *Fake) CreateSnapshot(ctx context.Context, dataset, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if err := f.FailSnapshot[dataset]; err != nil {
		return err
	}
	ds, ok := f.datasets[dataset]
	if !ok {
		return fmt.Errorf("dataset %s: %w", dataset, ErrNotFound)
	}
	for _, s := range ds.snaps {
		if s.label == label {
			return fmt.Errorf("snapshot %s@%s: %w", dataset, label, ErrExists)
		}
	}
	files, err := f.captureLocked(dataset)
	if err != nil {
		return err
	}
	ds.snaps = append(ds.snaps, fakeSnapshot{label: label, created: f.Now().UTC(), files: files})
	return nil
}

// captureLocked copies the files owned by dataset, skipping anything that
// lives under a descendant dataset's mountpoint.
func (f *Fake) captureLocked(dataset string) (map[string][]byte, error) {
	ds := f.datasets[dataset]
	var nested []string
	for name, other := range f.datasets {
		if model.IsAncestor(dataset, name) {
			nested = append(nested, other.mountpoint)
		}
	}
	files := map[string][]byte{}
	err := afero.Walk(f.fs, ds.mountpoint, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		for _, n := range nested {
			if p == n || strings.HasPrefix(p, n+"/") {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		if info.IsDir() {
			return nil
		}
		data, err := afero.ReadFile(f.fs, p)
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, ds.mountpoint), "/")
		files[rel] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (f *Fake) ListSnapshots(ctx context.Context, dataset string) ([]model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.datasets[dataset]
	if !ok {
		return nil, fmt.Errorf("dataset %s: %w", dataset, ErrNotFound)
	}
	res := make([]model.Snapshot, 0, len(ds.snaps))
	for _, s := range ds.snaps {
		res = append(res, model.Snapshot{Dataset: dataset, Label: s.label, CreatedAt: s.created})
	}
	return res, nil
}

func (f *Fake) DestroySnapshot(ctx context.Context, snap model.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.datasets[snap.Dataset]
	if !ok {
		return fmt.Errorf("dataset %s: %w", snap.Dataset, ErrNotFound)
	}
	for i, s := range ds.snaps {
		if s.label == snap.Label {
			ds.snaps = append(ds.snaps[:i], ds.snaps[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("snapshot %s: %w", snap, ErrNotFound)
}

// SendStream encodes the snapshot as a tar stream. Each member carries the
// dataset path relative to the sent dataset in a PAX record.
func (f *Fake) SendStream(ctx context.Context, snap model.Snapshot, recursive bool) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var names []string
	for name := range f.datasets {
		if name == snap.Dataset || (recursive && model.IsAncestor(snap.Dataset, name)) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("dataset %s: %w", snap.Dataset, ErrNotFound)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		s, ok := f.datasets[name].find(snap.Label)
		if !ok {
			if name == snap.Dataset {
				return nil, fmt.Errorf("snapshot %s: %w", snap, ErrNotFound)
			}
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(name, snap.Dataset), "/")
		if rel == "" {
			rel = "."
		}
		pax := map[string]string{paxDataset: rel, paxLabel: snap.Label}
		if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: "./", Mode: 0o755, PAXRecords: pax}); err != nil {
			return nil, err
		}
		paths := make([]string, 0, len(s.files))
		for p := range s.files {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			data := s.files[p]
			hdr := &tar.Header{Typeflag: tar.TypeReg, Name: p, Mode: 0o644, Size: int64(len(data)), PAXRecords: pax}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, err
			}
			if _, err := tw.Write(data); err != nil {
				return nil, err
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (d *fakeDataset) find(label string) (fakeSnapshot, bool) {
	for _, s := range d.snaps {
		if s.label == label {
			return s, true
		}
	}
	return fakeSnapshot{}, false
}

// ReceiveStream recreates the datasets encoded by SendStream below target.
// The target dataset is registered before the stream is read, so a failing
// stream leaves a partial dataset like a real interrupted receive would.
func (f *Fake) ReceiveStream(ctx context.Context, r io.Reader, target, mountpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReceiveCalls++

	if _, ok := f.datasets[target]; ok {
		return fmt.Errorf("dataset %s: %w", target, ErrExists)
	}
	if mountpoint == "" {
		mountpoint = "/" + target
	}
	if err := f.fs.MkdirAll(mountpoint, 0o755); err != nil {
		return err
	}
	f.datasets[target] = &fakeDataset{mountpoint: mountpoint}
	if f.FailReceive != nil {
		return f.FailReceive
	}

	received := map[string]map[string][]byte{}
	labels := map[string]string{}
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("receive %s: %w", target, err)
		}
		rel := hdr.PAXRecords[paxDataset]
		name, mp := target, mountpoint
		if rel != "" && rel != "." {
			name, mp = target+"/"+rel, path.Join(mountpoint, rel)
		}
		if _, ok := f.datasets[name]; !ok {
			if err := f.fs.MkdirAll(mp, 0o755); err != nil {
				return err
			}
			f.datasets[name] = &fakeDataset{mountpoint: mp}
		}
		if received[name] == nil {
			received[name] = map[string][]byte{}
		}
		labels[name] = hdr.PAXRecords[paxLabel]
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("receive %s: %w", target, err)
		}
		dst := path.Join(mp, hdr.Name)
		if err := f.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := afero.WriteFile(f.fs, dst, data, 0o644); err != nil {
			return err
		}
		received[name][hdr.Name] = data
	}
	if len(received) == 0 {
		return fmt.Errorf("receive %s: empty stream", target)
	}
	for name, files := range received {
		if label := labels[name]; label != "" {
			f.datasets[name].snaps = append(f.datasets[name].snaps, fakeSnapshot{label: label, created: f.Now().UTC(), files: files})
		}
	}
	return nil
}

func (f *Fake) DestroyDataset(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DestroyCalls++
	for n, ds := range f.datasets {
		if n == name || model.IsAncestor(name, n) {
			_ = f.fs.RemoveAll(ds.mountpoint)
			delete(f.datasets, n)
		}
	}
	return nil
}
