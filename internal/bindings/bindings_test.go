// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

package bindings

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/toeirei/hostmove/internal/model"
)

func TestMerge(t *testing.T) {
	extra := []model.ServiceBinding{
		{ID: "docker", Service: "dockerd"},
		{ID: "redis", Service: "redis-server"},
	}
	got := Merge(Default(), extra, false)
	if len(got) != len(Default())+1 {
		t.Fatalf("unexpected binding count %d", len(got))
	}
	if got[0].ID != "docker" || got[0].Service != "dockerd" {
		t.Fatalf("override not applied in place: %+v", got[0])
	}
	if got[len(got)-1].ID != "redis" {
		t.Fatalf("extra binding not appended: %+v", got[len(got)-1])
	}

	only := Merge(Default(), extra, true)
	if len(only) != 2 {
		t.Fatalf("disableDefaults should keep only configured bindings, got %d", len(only))
	}
}

func TestExpand(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/etc/rsyslog.d/20-b.conf", []byte("x"), 0o644)
	_ = afero.WriteFile(fs, "/etc/rsyslog.d/10-a.conf", []byte("x"), 0o644)
	_ = fs.MkdirAll("/etc/rsyslog.d/dir.conf", 0o755)

	got := Expand(fs, "/etc/rsyslog.d/*.conf")
	if len(got) != 2 || got[0].Path != "/etc/rsyslog.d/10-a.conf" || got[1].Path != "/etc/rsyslog.d/20-b.conf" {
		t.Fatalf("unexpected matches %+v", got)
	}

	missing := Expand(fs, "/etc/npmrc")
	if len(missing) != 1 || !missing[0].Missing {
		t.Fatalf("expected a single missing match, got %+v", missing)
	}
}

func TestFilesDeduplicates(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/etc/npmrc", []byte("x"), 0o644)
	bs := []model.ServiceBinding{
		{ID: "a", Files: []model.ConfigFile{{Path: "/etc/npmrc"}, {Path: "/etc/none"}}},
		{ID: "b", Files: []model.ConfigFile{{Path: "/etc/npmrc"}, {Path: "/etc/none"}}},
	}
	got := Files(fs, bs)
	if len(got) != 2 {
		t.Fatalf("expected 2 unique matches, got %+v", got)
	}
}
