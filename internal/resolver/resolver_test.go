// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

package resolver

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
)

func TestResolve_PriorityOrder(t *testing.T) {
	tests := []struct {
		name     string
		existing []string
		pool     bool
		want     string
	}{
		{"pool mount wins over service root", []string{"/data", "/srv"}, true, "/data"},
		{"pool mount without pool is ignored", []string{"/data", "/srv"}, false, "/srv"},
		{"service root when no pool mount", []string{"/srv"}, true, "/srv"},
		{"fallback creates service root", nil, false, "/srv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			for _, d := range tt.existing {
				if err := fs.MkdirAll(d, 0o755); err != nil {
					t.Fatal(err)
				}
			}
			got, err := Resolve(fs, Candidates{PoolMount: "/data", PoolImported: tt.pool, ServiceRoot: "/srv"})
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestResolve_NeverCreatesCompetingCandidate(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = fs.MkdirAll("/data", 0o755)
	if _, err := Resolve(fs, Candidates{PoolMount: "/data", PoolImported: true, ServiceRoot: "/srv"}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := afero.DirExists(fs, "/srv"); ok {
		t.Fatal("service root must not be created when the pool mount exists")
	}
}

func TestResolve_ReadOnlyFallbackFails(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	_, err := Resolve(fs, Candidates{PoolMount: "/data", ServiceRoot: "/srv"})
	var re *ResolutionError
	if !errors.As(err, &re) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if re.Path != "/srv" {
		t.Fatalf("unexpected path %q", re.Path)
	}
}

func TestResolve_FileIsNotABase(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/data", []byte("x"), 0o644)
	_ = fs.MkdirAll("/srv", 0o755)
	got, err := Resolve(fs, Candidates{PoolMount: "/data", PoolImported: true, ServiceRoot: "/srv"})
	if err != nil || got != "/srv" {
		t.Fatalf("got %q, %v", got, err)
	}
}
