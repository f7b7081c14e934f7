// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

// Package hostinfo collects the source host facts written into a package
// manifest.
package hostinfo

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// Facts describes the host an export runs on.
type Facts struct {
	Hostname      string
	OSVersion     string
	KernelVersion string
}

// Package-level hooks so tests can stub host lookups.
var (
	hostnameFunc = os.Hostname
	kernelFunc   = kernelRelease
)

// osReleasePaths are tried in order, as documented by os-release(5).
var osReleasePaths = []string{"/etc/os-release", "/usr/lib/os-release"}

// Collect gathers host facts. Lookups that fail leave their field set to
// "unknown"; a manifest is still written without them.
func Collect(fsys afero.Fs) Facts {
	f := Facts{Hostname: "unknown", OSVersion: "unknown", KernelVersion: "unknown"}
	if h, err := hostnameFunc(); err == nil && h != "" {
		f.Hostname = h
	}
	if v := OSVersion(fsys); v != "" {
		f.OSVersion = v
	}
	if k, err := kernelFunc(); err == nil && k != "" {
		f.KernelVersion = k
	}
	return f
}

// OSVersion returns PRETTY_NAME from os-release, falling back to
// NAME VERSION_ID. It returns "" when no file is readable.
func OSVersion(fsys afero.Fs) string {
	for _, p := range osReleasePaths {
		data, err := afero.ReadFile(fsys, p)
		if err != nil {
			continue
		}
		vals := parseOSRelease(data)
		if v := vals["PRETTY_NAME"]; v != "" {
			return v
		}
		return strings.TrimSpace(vals["NAME"] + " " + vals["VERSION_ID"])
	}
	return ""
}

func parseOSRelease(data []byte) map[string]string {
	vals := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if uq, err := strconv.Unquote(v); err == nil {
			v = uq
		} else {
			v = strings.Trim(v, `'"`)
		}
		vals[k] = v
	}
	return vals
}
