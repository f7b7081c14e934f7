// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import (
	"errors"

	"github.com/toeirei/hostmove/internal/archive"
	"github.com/toeirei/hostmove/internal/export"
	"github.com/toeirei/hostmove/internal/history"
	"github.com/toeirei/hostmove/internal/model"
	"github.com/toeirei/hostmove/internal/resolver"
	"github.com/toeirei/hostmove/internal/restore"
	"github.com/toeirei/hostmove/internal/snapshot"
	"github.com/toeirei/hostmove/internal/storage"
)

// Process exit codes.
const (
	ExitOK               = 0
	ExitOther            = 1
	ExitIntegrity        = 10
	ExitStorage          = 20
	ExitPartialReconcile = 30
)

// Status is the overall outcome of an operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFatal   Status = "fatal"
)

// Summary is what every facade returns and what the CLI prints last.
type Summary struct {
	Operation history.Operation
	Status    Status
	Label     string
	// Package is the package path written, read or pushed.
	Package  string
	BaseDir  string
	Units    []model.UnitResult
	Outcomes []model.ReconcileOutcome
	Warnings []string
	// Err is set when the operation aborted.
	Err error
	// RunID is the history id, empty when history is disabled.
	RunID string
}

// Failed returns the units that did not succeed.
func (s Summary) Failed() []model.UnitResult {
	var out []model.UnitResult
	for _, u := range s.Units {
		if u.Failed() {
			out = append(out, u)
		}
	}
	return out
}

// finish derives Status from Err and the unit results.
func (s *Summary) finish() {
	switch {
	case s.Err != nil:
		s.Status = StatusFatal
	case len(s.Failed()) > 0:
		s.Status = StatusPartial
	default:
		s.Status = StatusSuccess
	}
}

// ExitCode maps the summary onto the process exit code.
func (s Summary) ExitCode() int {
	if s.Err != nil {
		return exitCodeFor(s.Err)
	}
	failed := s.Failed()
	if len(failed) == 0 {
		return ExitOK
	}
	for _, u := range failed {
		if u.Kind == model.UnitService {
			return ExitPartialReconcile
		}
	}
	return ExitStorage
}

func exitCodeFor(err error) int {
	var (
		integrity  *archive.IntegrityError
		resolution *resolver.ResolutionError
		snap       *snapshot.SnapshotError
		rest       *restore.RestoreError
		exists     *export.PackageExistsError
		cmd        *storage.CommandError
	)
	switch {
	case errors.As(err, &integrity):
		return ExitIntegrity
	case errors.As(err, &resolution), errors.As(err, &snap), errors.As(err, &rest),
		errors.As(err, &exists), errors.As(err, &cmd),
		errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExists):
		return ExitStorage
	default:
		return ExitOther
	}
}
