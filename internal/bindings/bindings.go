// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

// Package bindings holds the static service binding table and expands the
// configuration paths it names.
package bindings

import (
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
	"github.com/toeirei/hostmove/internal/logging"
	"github.com/toeirei/hostmove/internal/model"
)

// Default returns the built-in binding table.
func Default() []model.ServiceBinding {
	return []model.ServiceBinding{
		{
			ID:      "docker",
			Service: "docker",
			Files: []model.ConfigFile{{
				Path:   "/etc/docker/daemon.json",
				Format: model.FormatJSON,
				Fields: []model.PathField{{Key: "data-root", Suffix: "docker"}},
			}},
		},
		{
			ID:      "rsyslog",
			Service: "rsyslog",
			Files: []model.ConfigFile{{
				Path:   "/etc/rsyslog.d/*.conf",
				Format: model.FormatDirective,
				Fields: []model.PathField{{Key: "$WorkDirectory", Separator: " ", Suffix: "rsyslog"}},
			}},
		},
		{
			// logrotate runs from a timer; there is no daemon to reload.
			ID: "logrotate",
			Files: []model.ConfigFile{{
				Path:   "/etc/logrotate.d/hostmove",
				Format: model.FormatStanza,
				Fields: []model.PathField{{Suffix: "logs/*.log"}},
			}},
		},
		{
			ID: "npm",
			Files: []model.ConfigFile{{
				Path:   "/etc/npmrc",
				Format: model.FormatINI,
				Fields: []model.PathField{{Key: "cache", Suffix: "npm-cache"}},
			}},
		},
	}
}

// Merge combines the defaults with configured bindings. A configured binding
// replaces the default with the same ID.
func Merge(defaults, extra []model.ServiceBinding, disableDefaults bool) []model.ServiceBinding {
	if disableDefaults {
		defaults = nil
	}
	out := make([]model.ServiceBinding, 0, len(defaults)+len(extra))
	override := map[string]model.ServiceBinding{}
	for _, b := range extra {
		override[b.ID] = b
	}
	for _, b := range defaults {
		if o, ok := override[b.ID]; ok {
			out = append(out, o)
			delete(override, b.ID)
			continue
		}
		out = append(out, b)
	}
	for _, b := range extra {
		if _, ok := override[b.ID]; ok {
			out = append(out, b)
		}
	}
	return out
}

// Match is one expanded configuration path.
type Match struct {
	Pattern string
	Path    string
	Missing bool
}

// Expand resolves a (possibly globbed) path against fsys. A pattern that
// matches no regular file yields a single Missing entry.
func Expand(fsys afero.Fs, pattern string) []Match {
	iofs := afero.NewIOFS(afero.NewBasePathFs(fsys, "/"))
	rel := strings.TrimPrefix(path.Clean("/"+pattern), "/")
	found, err := doublestar.Glob(iofs, rel, doublestar.WithFilesOnly())
	if err != nil {
		logging.Warnf("bindings: bad pattern %q: %v", pattern, err)
	}
	if len(found) == 0 {
		return []Match{{Pattern: pattern, Missing: true}}
	}
	sort.Strings(found)
	out := make([]Match, 0, len(found))
	for _, f := range found {
		out = append(out, Match{Pattern: pattern, Path: "/" + f})
	}
	return out
}

// Files expands every configuration path of every binding, dropping
// duplicates.
func Files(fsys afero.Fs, bs []model.ServiceBinding) []Match {
	seen := map[string]bool{}
	var out []Match
	for _, b := range bs {
		for _, cf := range b.Files {
			for _, m := range Expand(fsys, cf.Path) {
				key := m.Path
				if m.Missing {
					key = "missing:" + m.Pattern
				}
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, m)
			}
		}
	}
	return out
}
