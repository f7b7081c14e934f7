// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

// Package storage is the thin boundary between the migration engine and the
// snapshot-capable filesystem. The engine treats the storage layer as a black
// box and relies only on the operations declared by Adapter and on the
// "<dataset>@<label>" snapshot naming scheme.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/toeirei/hostmove/internal/model"
)

var (
	// ErrNotFound is returned when a dataset or snapshot does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating something that already exists.
	ErrExists = errors.New("already exists")
)

// Adapter is the storage-layer surface consumed by the engine.
type Adapter interface {
	// PoolExists reports whether the configured pool is imported on this host.
	PoolExists(ctx context.Context) (bool, error)
	// Version returns the storage layer's version string for the manifest.
	Version(ctx context.Context) (string, error)
	// ListDatasets returns root and every dataset below it.
	ListDatasets(ctx context.Context, root string) ([]model.Dataset, error)
	// DatasetExists reports whether the named dataset exists.
	DatasetExists(ctx context.Context, name string) (bool, error)
	// CreateSnapshot creates dataset@label. It returns ErrExists when the
	// snapshot is already present.
	CreateSnapshot(ctx context.Context, dataset, label string) error
	// ListSnapshots returns the snapshots of one dataset, oldest first.
	ListSnapshots(ctx context.Context, dataset string) ([]model.Snapshot, error)
	// DestroySnapshot removes a single snapshot.
	DestroySnapshot(ctx context.Context, snap model.Snapshot) error
	// SendStream serializes snap (and, when recursive, its descendants).
	SendStream(ctx context.Context, snap model.Snapshot, recursive bool) (io.ReadCloser, error)
	// ReceiveStream creates target from a stream produced by SendStream and
	// mounts it at mountpoint.
	ReceiveStream(ctx context.Context, r io.Reader, target, mountpoint string) error
	// DestroyDataset recursively removes a dataset. The engine only uses it
	// to roll back a failed receive.
	DestroyDataset(ctx context.Context, name string) error
}

// New returns the adapter for the configured backend.
func New(backend, pool string) (Adapter, error) {
	switch strings.ToLower(backend) {
	case "", "zfs":
		return NewZFS(pool, nil), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", backend)
	}
}

// ValidLabel reports whether s can be used as a snapshot label.
func ValidLabel(s string) bool {
	return model.ValidLabel(s)
}
