// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.
package model

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ManifestFormatVersion is bumped whenever the package layout changes in a
// way older importers cannot read.
const ManifestFormatVersion = 1

// Manifest describes the contents and origin of a migration package. It is
// written last so its presence marks a complete package.
type Manifest struct {
	FormatVersion   int           `json:"format_version"`
	Label           string        `json:"label"`
	CreatedAt       time.Time     `json:"created_at"`
	SourceHost      string        `json:"source_host"`
	OSVersion       string        `json:"os_version"`
	KernelVersion   string        `json:"kernel_version,omitempty"`
	StorageVersion  string        `json:"storage_version"`
	ToolVersion     string        `json:"tool_version,omitempty"`
	SourceBaseDir   string        `json:"source_base_dir"`
	IncludedConfigs []string      `json:"included_configs"`
	Streams         []StreamEntry `json:"streams"`
	Configs         []ConfigEntry `json:"configs"`
}

// StreamEntry records one serialized dataset stream inside the package.
type StreamEntry struct {
	Dataset  string `json:"dataset"`
	Snapshot string `json:"snapshot"`
	File     string `json:"file"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
}

// ConfigEntry records one copied configuration file.
type ConfigEntry struct {
	Path   string `json:"path"`
	File   string `json:"file"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
	Mode   uint32 `json:"mode"`
}

// Validate checks the fields Import relies on before touching storage.
// Label, dataset names and config paths end up in filesystem paths on the
// target, so they must not be able to leave the directories they are joined
// to.
func (m *Manifest) Validate() error {
	switch {
	case m.FormatVersion == 0:
		return errors.New("manifest: missing format_version")
	case !ValidLabel(m.Label):
		return fmt.Errorf("manifest: invalid label %q", m.Label)
	case m.CreatedAt.IsZero():
		return errors.New("manifest: missing created_at")
	case m.SourceHost == "":
		return errors.New("manifest: missing source_host")
	case m.SourceBaseDir == "":
		return errors.New("manifest: missing source_base_dir")
	case len(m.Streams) == 0:
		return errors.New("manifest: no dataset streams")
	}
	for _, s := range m.Streams {
		if s.File == "" || s.SHA256 == "" || s.Dataset == "" {
			return errors.New("manifest: incomplete stream entry")
		}
		if !validDatasetName(s.Dataset) {
			return fmt.Errorf("manifest: invalid dataset name %q", s.Dataset)
		}
	}
	for _, c := range m.Configs {
		if !path.IsAbs(c.Path) || path.Clean(c.Path) != c.Path || c.Path == "/" {
			return fmt.Errorf("manifest: config path %q is not a clean absolute path", c.Path)
		}
	}
	return nil
}

// ValidLabel reports whether s can be used as a snapshot label: letters,
// digits and "-_.:" only, and never "." or "..".
func ValidLabel(s string) bool {
	if s == "" || len(s) > 200 || s == "." || s == ".." {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return false
		}
	}
	return true
}

func validDatasetName(name string) bool {
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, "@ \t\n") {
			return false
		}
	}
	return true
}

// Members returns the expected archive members keyed by file name.
func (m *Manifest) Members() map[string]Member {
	out := make(map[string]Member, len(m.Streams)+len(m.Configs))
	for _, s := range m.Streams {
		out[s.File] = Member{Size: s.Size, SHA256: s.SHA256}
	}
	for _, c := range m.Configs {
		out[c.File] = Member{Size: c.Size, SHA256: c.SHA256}
	}
	return out
}

// Member is the size/hash pair recorded for an archive member.
type Member struct {
	Size   int64
	SHA256 string
}
