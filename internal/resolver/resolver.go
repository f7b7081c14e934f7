// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

// Package resolver determines the base directory under which a host keeps
// its server state.
package resolver

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/toeirei/hostmove/internal/logging"
)

// Candidates are the base-directory candidates in priority order.
type Candidates struct {
	// PoolMount is the dedicated data-pool mount (e.g. /data).
	PoolMount string
	// PoolImported must be true for PoolMount to be considered at all; a
	// leftover directory without its pool is not a valid base.
	PoolImported bool
	// ServiceRoot is the conventional service root (e.g. /srv). It is
	// created when no candidate exists.
	ServiceRoot string
}

// ResolutionError reports that no base directory could be established.
type ResolutionError struct {
	Path string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot establish base directory %s: %v", e.Path, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Resolve returns exactly one base directory. It only creates ServiceRoot,
// and only when neither candidate exists.
func Resolve(fs afero.Fs, c Candidates) (string, error) {
	if c.PoolImported && c.PoolMount != "" && isDir(fs, c.PoolMount) {
		logging.Debugf("resolver: using pool mount %s", c.PoolMount)
		return c.PoolMount, nil
	}
	if c.ServiceRoot == "" {
		return "", &ResolutionError{Path: c.ServiceRoot, Err: fmt.Errorf("no service root configured")}
	}
	if isDir(fs, c.ServiceRoot) {
		logging.Debugf("resolver: using service root %s", c.ServiceRoot)
		return c.ServiceRoot, nil
	}
	if err := fs.MkdirAll(c.ServiceRoot, 0o755); err != nil {
		return "", &ResolutionError{Path: c.ServiceRoot, Err: err}
	}
	logging.Infof("resolver: created service root %s", c.ServiceRoot)
	return c.ServiceRoot, nil
}

func isDir(fs afero.Fs, p string) bool {
	fi, err := fs.Stat(p)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warnf("resolver: stat %s: %v", p, err)
		}
		return false
	}
	return fi.IsDir()
}
