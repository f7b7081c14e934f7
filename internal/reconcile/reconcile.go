// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

// Package reconcile repoints service configuration at a new base directory
// and reloads the services that read it.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/spf13/afero"
	"github.com/toeirei/hostmove/internal/bindings"
	"github.com/toeirei/hostmove/internal/logging"
	"github.com/toeirei/hostmove/internal/model"
	"github.com/toeirei/hostmove/internal/service"
)

// Reconciler applies a binding table to one host.
type Reconciler struct {
	fs       afero.Fs
	ctl      service.Controller
	bindings []model.ServiceBinding
}

// New returns a Reconciler. A nil fs means the host filesystem.
func New(fs afero.Fs, ctl service.Controller, bs []model.ServiceBinding) *Reconciler {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Reconciler{fs: fs, ctl: ctl, bindings: bs}
}

type pendingWrite struct {
	path string
	data []byte
	orig []byte
	mode os.FileMode
}

// Reconcile rewrites every binding for targetBase. Bindings are handled
// independently: a failure is recorded in its outcome and the remaining
// bindings are still processed. Running it twice with the same targetBase
// leaves the files as the first run wrote them.
func (r *Reconciler) Reconcile(ctx context.Context, targetBase string) []model.ReconcileOutcome {
	out := make([]model.ReconcileOutcome, 0, len(r.bindings))
	for _, b := range r.bindings {
		o := r.reconcileOne(ctx, b, targetBase)
		log := logging.With("binding", o.Binding, "service", o.Service, "status", o.Status)
		if o.Status == model.StatusFailed {
			log.Error("reconcile failed", "reason", o.Reason)
		} else {
			log.Info("reconciled", "changed", len(o.Changed))
		}
		out = append(out, o)
	}
	return out
}

func (r *Reconciler) reconcileOne(ctx context.Context, b model.ServiceBinding, base string) model.ReconcileOutcome {
	o := model.ReconcileOutcome{Binding: b.ID, Service: b.Service}
	fail := func(reason string) model.ReconcileOutcome {
		o.Status, o.Reason = model.StatusFailed, reason
		return o
	}

	if b.Service != "" && r.ctl != nil {
		installed, err := r.ctl.Exists(ctx, b.Service)
		if err != nil {
			logging.Warnf("reconcile: probe %s: %v", b.Service, err)
		}
		o.Installed = installed
	}

	// Every file is rewritten in memory first; nothing is written while any
	// file of the binding is missing or unparsable. If a write fails, the
	// files already replaced are put back.
	var writes []pendingWrite
	for _, cf := range b.Files {
		for _, m := range bindings.Expand(r.fs, cf.Path) {
			if m.Missing {
				return fail("missing file")
			}
			data, err := afero.ReadFile(r.fs, m.Path)
			if err != nil {
				return fail(fmt.Sprintf("read %s: %v", m.Path, err))
			}
			fi, err := r.fs.Stat(m.Path)
			if err != nil {
				return fail(fmt.Sprintf("stat %s: %v", m.Path, err))
			}
			next, changed, err := Rewrite(cf.Format, data, cf.Fields, base)
			if err != nil {
				return fail(fmt.Sprintf("%s: %v", m.Path, err))
			}
			if changed {
				writes = append(writes, pendingWrite{path: m.Path, data: next, orig: data, mode: fi.Mode().Perm()})
			}
		}
	}

	if len(writes) == 0 {
		o.Status = model.StatusUnchanged
		return o
	}
	for k, w := range writes {
		if err := writeAtomic(r.fs, w.path, w.data, w.mode); err != nil {
			r.restore(writes[:k])
			o.Changed = nil
			return fail(fmt.Sprintf("write %s: %v", w.path, err))
		}
		o.Changed = append(o.Changed, w.path)
	}

	o.Status = model.StatusOK
	if b.Service == "" || r.ctl == nil {
		return o
	}
	active, err := r.ctl.IsActive(ctx, b.Service)
	if err != nil {
		return fail(fmt.Sprintf("probe %s: %v", b.Service, err))
	}
	o.Active = active
	if !active {
		o.Reason = "service not active, reload skipped"
		return o
	}
	if err := r.ctl.Reload(ctx, b.Service); err != nil {
		return fail(fmt.Sprintf("reload failed: %v", err))
	}
	o.Reloaded = true
	return o
}

// restore puts back the original content of files written earlier in a
// binding whose later write failed.
func (r *Reconciler) restore(done []pendingWrite) {
	for i := len(done) - 1; i >= 0; i-- {
		w := done[i]
		if err := writeAtomic(r.fs, w.path, w.orig, w.mode); err != nil {
			logging.Errorf("reconcile: could not restore %s: %v", w.path, err)
		}
	}
}

// writeAtomic replaces p through a temporary file in the same directory,
// keeping mode.
func writeAtomic(fs afero.Fs, p string, data []byte, mode os.FileMode) error {
	tmp, err := afero.TempFile(fs, path.Dir(p), "."+path.Base(p)+".hostmove-")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(name)
		return err
	}
	if err := fs.Chmod(name, mode); err != nil {
		_ = fs.Remove(name)
		return err
	}
	if err := fs.Rename(name, p); err != nil {
		_ = fs.Remove(name)
		return err
	}
	return nil
}
