// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.
package model

import (
	"fmt"
	"strings"
)

// ConfigFormat selects how path fields are located in a configuration file.
type ConfigFormat string

const (
	// FormatJSON rewrites a (dot separated) key in a JSON document.
	FormatJSON ConfigFormat = "json"
	// FormatDirective rewrites "<key><sep><value>" lines.
	FormatDirective ConfigFormat = "directive"
	// FormatStanza rewrites logrotate-style "<path> {" headers whose path
	// ends in the field suffix.
	FormatStanza ConfigFormat = "stanza"
	// FormatINI rewrites "key=value" entries of the default section.
	FormatINI ConfigFormat = "ini"
)

// UnmarshalText lets config decoding validate formats.
func (f *ConfigFormat) UnmarshalText(b []byte) error {
	switch v := ConfigFormat(strings.ToLower(strings.TrimSpace(string(b)))); v {
	case FormatJSON, FormatDirective, FormatStanza, FormatINI:
		*f = v
		return nil
	default:
		return fmt.Errorf("unknown config format %q", string(b))
	}
}

// PathField is one field that must track the base directory. Its desired
// value is the base directory joined with Suffix.
type PathField struct {
	Key       string `mapstructure:"key" yaml:"key"`
	Separator string `mapstructure:"separator" yaml:"separator,omitempty"`
	Suffix    string `mapstructure:"suffix" yaml:"suffix"`
}

// ConfigFile is a configuration file (or glob of files) read by a service.
type ConfigFile struct {
	Path   string       `mapstructure:"path" yaml:"path"`
	Format ConfigFormat `mapstructure:"format" yaml:"format"`
	Fields []PathField  `mapstructure:"fields" yaml:"fields"`
}

// ServiceBinding maps a service identifier to the configuration it reads.
// An empty Service means there is no daemon to reload.
type ServiceBinding struct {
	ID      string       `mapstructure:"id" yaml:"id"`
	Service string       `mapstructure:"service" yaml:"service,omitempty"`
	Files   []ConfigFile `mapstructure:"files" yaml:"files"`
}

// ReconcileOutcome is the per-binding result of a reconciliation run.
type ReconcileOutcome struct {
	Binding   string
	Service   string
	Status    Status
	Reason    string
	Installed bool
	Active    bool
	Reloaded  bool
	Changed   []string
}

// Unit converts the outcome into a generic UnitResult.
func (o ReconcileOutcome) Unit() UnitResult {
	return UnitResult{Unit: o.Binding, Kind: UnitService, Status: o.Status, Reason: o.Reason}
}
