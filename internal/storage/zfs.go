// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/toeirei/hostmove/internal/logging"
	"github.com/toeirei/hostmove/internal/model"
)

// Runner executes storage commands. It exists so the ZFS adapter can be
// tested without a pool.
type Runner interface {
	// Output runs a command and returns its stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// Stream starts a command and returns its stdout. Close waits for the
	// command and reports its exit status.
	Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, error)
	// Input runs a command with stdin fed from r.
	Input(ctx context.Context, r io.Reader, name string, args ...string) error
}

// CommandError carries the stderr of a failed storage command.
type CommandError struct {
	Cmd    string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: %v", e.Cmd, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Cmd, e.Err, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

type execRunner struct{}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, &CommandError{Cmd: name + " " + strings.Join(args, " "), Stderr: stderr.String(), Err: err}
	}
	return out, nil
}

func (execRunner) Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, &CommandError{Cmd: name, Stderr: stderr.String(), Err: err}
	}
	return &cmdStream{ReadCloser: stdout, cmd: cmd, stderr: stderr, desc: name + " " + strings.Join(args, " ")}, nil
}

func (execRunner) Input(ctx context.Context, r io.Reader, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stdin = r
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &CommandError{Cmd: name + " " + strings.Join(args, " "), Stderr: stderr.String(), Err: err}
	}
	return nil
}

type cmdStream struct {
	io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	desc   string
}

func (s *cmdStream) Close() error {
	_ = s.ReadCloser.Close()
	if err := s.cmd.Wait(); err != nil {
		return &CommandError{Cmd: s.desc, Stderr: s.stderr.String(), Err: err}
	}
	return nil
}

// ZFS drives the zfs/zpool command line tools.
type ZFS struct {
	pool   string
	runner Runner
}

// NewZFS returns a ZFS adapter for pool. A nil runner executes real commands.
func NewZFS(pool string, runner Runner) *ZFS {
	if runner == nil {
		runner = execRunner{}
	}
	return &ZFS{pool: pool, runner: runner}
}

func (z *ZFS) PoolExists(ctx context.Context) (bool, error) {
	_, err := z.runner.Output(ctx, "zpool", "list", "-H", "-o", "name", z.pool)
	if err == nil {
		return true, nil
	}
	if isMissing(err) {
		return false, nil
	}
	return false, err
}

func (z *ZFS) Version(ctx context.Context) (string, error) {
	out, err := z.runner.Output(ctx, "zfs", "version")
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(line), nil
}

func (z *ZFS) ListDatasets(ctx context.Context, root string) ([]model.Dataset, error) {
	out, err := z.runner.Output(ctx, "zfs", "list", "-H", "-p", "-o", "name,mountpoint", "-t", "filesystem", "-r", root)
	if err != nil {
		if isMissing(err) {
			return nil, fmt.Errorf("dataset %s: %w", root, ErrNotFound)
		}
		return nil, err
	}
	var res []model.Dataset
	for _, fields := range splitRows(out) {
		if len(fields) < 2 {
			continue
		}
		res = append(res, model.Dataset{Name: fields[0], Mountpoint: fields[1]})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (z *ZFS) DatasetExists(ctx context.Context, name string) (bool, error) {
	_, err := z.runner.Output(ctx, "zfs", "list", "-H", "-o", "name", name)
	if err == nil {
		return true, nil
	}
	if isMissing(err) {
		return false, nil
	}
	return false, err
}

func (z *ZFS) CreateSnapshot(ctx context.Context, dataset, label string) error {
	snap := model.Snapshot{Dataset: dataset, Label: label}
	_, err := z.runner.Output(ctx, "zfs", "snapshot", snap.String())
	if err != nil && strings.Contains(stderrOf(err), "already exists") {
		return fmt.Errorf("snapshot %s: %w", snap, ErrExists)
	}
	return err
}

func (z *ZFS) ListSnapshots(ctx context.Context, dataset string) ([]model.Snapshot, error) {
	out, err := z.runner.Output(ctx, "zfs", "list", "-H", "-p", "-o", "name,creation", "-t", "snapshot", "-d", "1", "-s", "creation", dataset)
	if err != nil {
		if isMissing(err) {
			return nil, fmt.Errorf("dataset %s: %w", dataset, ErrNotFound)
		}
		return nil, err
	}
	var res []model.Snapshot
	for _, fields := range splitRows(out) {
		snap, perr := model.ParseSnapshot(fields[0])
		if perr != nil {
			logging.Debugf("zfs: skipping unparsable snapshot line %q", strings.Join(fields, "\t"))
			continue
		}
		if len(fields) > 1 {
			if secs, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				snap.CreatedAt = time.Unix(secs, 0).UTC()
			}
		}
		res = append(res, snap)
	}
	return res, nil
}

func (z *ZFS) DestroySnapshot(ctx context.Context, snap model.Snapshot) error {
	_, err := z.runner.Output(ctx, "zfs", "destroy", snap.String())
	if err != nil && isMissing(err) {
		return fmt.Errorf("snapshot %s: %w", snap, ErrNotFound)
	}
	return err
}

func (z *ZFS) SendStream(ctx context.Context, snap model.Snapshot, recursive bool) (io.ReadCloser, error) {
	args := []string{"send"}
	if recursive {
		args = append(args, "-R")
	}
	args = append(args, snap.String())
	return z.runner.Stream(ctx, "zfs", args...)
}

func (z *ZFS) ReceiveStream(ctx context.Context, r io.Reader, target, mountpoint string) error {
	// zfs receive does not create missing parents of the target.
	if parent, _, ok := cutLast(target, "/"); ok {
		exists, err := z.DatasetExists(ctx, parent)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := z.runner.Output(ctx, "zfs", "create", "-p", "-o", "mountpoint=none", parent); err != nil {
				return err
			}
		}
	}
	args := []string{"receive"}
	if mountpoint != "" {
		args = append(args, "-o", "mountpoint="+mountpoint)
	}
	args = append(args, target)
	return z.runner.Input(ctx, r, "zfs", args...)
}

func (z *ZFS) DestroyDataset(ctx context.Context, name string) error {
	_, err := z.runner.Output(ctx, "zfs", "destroy", "-r", name)
	if err != nil && isMissing(err) {
		return nil
	}
	return err
}

func cutLast(s, sep string) (before, after string, found bool) {
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}

func splitRows(out []byte) [][]string {
	var rows [][]string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rows = append(rows, strings.Split(line, "\t"))
	}
	return rows
}

func stderrOf(err error) string {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Stderr
	}
	return err.Error()
}

func isMissing(err error) bool {
	s := stderrOf(err)
	return strings.Contains(s, "does not exist") || strings.Contains(s, "no such pool") || strings.Contains(s, "could not find")
}
