// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

// Package service is the service-control boundary used after configuration
// has been rewritten.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Controller probes and reloads services addressed by a stable identifier.
type Controller interface {
	Exists(ctx context.Context, name string) (bool, error)
	IsActive(ctx context.Context, name string) (bool, error)
	Reload(ctx context.Context, name string) error
}

// Runner runs a command and returns its combined output and exit code.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (out []byte, exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return buf.Bytes(), ee.ExitCode(), nil
	}
	if err != nil {
		return buf.Bytes(), -1, err
	}
	return buf.Bytes(), 0, nil
}

// Systemd controls units through systemctl.
type Systemd struct {
	runner Runner
}

// NewSystemd returns a systemd controller. A nil runner runs systemctl.
func NewSystemd(r Runner) *Systemd {
	if r == nil {
		r = execRunner{}
	}
	return &Systemd{runner: r}
}

func unit(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

func (s *Systemd) Exists(ctx context.Context, name string) (bool, error) {
	out, code, err := s.runner.Run(ctx, "systemctl", "list-unit-files", "--no-legend", unit(name))
	if err != nil {
		return false, err
	}
	return code == 0 && strings.TrimSpace(string(out)) != "", nil
}

func (s *Systemd) IsActive(ctx context.Context, name string) (bool, error) {
	_, code, err := s.runner.Run(ctx, "systemctl", "is-active", "--quiet", unit(name))
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

func (s *Systemd) Reload(ctx context.Context, name string) error {
	out, code, err := s.runner.Run(ctx, "systemctl", "reload-or-restart", unit(name))
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("systemctl reload-or-restart %s: exit %d: %s", unit(name), code, strings.TrimSpace(string(out)))
	}
	return nil
}

// Fake is an in-memory Controller for tests.
type Fake struct {
	mu         sync.Mutex
	Installed  map[string]bool
	Active     map[string]bool
	FailReload map[string]error
	Reloads    []string
}

// NewFake returns a Fake where the given services are installed and active.
func NewFake(active ...string) *Fake {
	f := &Fake{Installed: map[string]bool{}, Active: map[string]bool{}, FailReload: map[string]error{}}
	for _, s := range active {
		f.Installed[s] = true
		f.Active[s] = true
	}
	return f
}

func (f *Fake) Exists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Installed[name], nil
}

func (f *Fake) IsActive(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Active[name], nil
}

func (f *Fake) Reload(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailReload[name]; err != nil {
		return err
	}
	f.Reloads = append(f.Reloads, name)
	return nil
}
