// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

// Package transport copies migration packages to the destination host over
// SSH/SFTP.
package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/toeirei/hostmove/internal/logging"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Target is a remote destination directory.
type Target struct {
	User string
	Host string
	Port int
	Dir  string
}

func (t Target) String() string {
	return fmt.Sprintf("%s@%s:%s", t.User, net.JoinHostPort(t.Host, strconv.Itoa(t.Port)), t.Dir)
}

// ParseTarget accepts "user@host:/dir" and "ssh://user@host[:port]/dir".
func ParseTarget(s string) (Target, error) {
	t := Target{Port: 22}
	if strings.HasPrefix(s, "ssh://") {
		u, err := url.Parse(s)
		if err != nil {
			return Target{}, fmt.Errorf("invalid target %q: %w", s, err)
		}
		if u.User != nil {
			t.User = u.User.Username()
		}
		t.Host = u.Hostname()
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return Target{}, fmt.Errorf("invalid port in %q", s)
			}
			t.Port = port
		}
		t.Dir = u.Path
	} else {
		userHost, dir, ok := strings.Cut(s, ":")
		if !ok {
			return Target{}, fmt.Errorf("invalid target %q: expected user@host:/dir", s)
		}
		t.Dir = dir
		if user, host, ok := strings.Cut(userHost, "@"); ok {
			t.User, t.Host = user, host
		} else {
			t.Host = userHost
		}
	}
	if t.Host == "" || t.Dir == "" {
		return Target{}, fmt.Errorf("invalid target %q: host and directory are required", s)
	}
	if t.User == "" {
		t.User = os.Getenv("USER")
	}
	return t, nil
}

// Options configures Dial.
type Options struct {
	// IdentityFile is an unencrypted private key; when empty or when it is
	// rejected the SSH agent is used.
	IdentityFile string
	// KnownHosts defaults to ~/.ssh/known_hosts. Unknown hosts are refused.
	KnownHosts string
	Timeout    time.Duration
}

// Session is an open SSH connection with an SFTP client on top.
type Session struct {
	ssh  *ssh.Client
	SFTP *sftp.Client
}

// Close closes the SFTP and SSH clients.
func (s *Session) Close() error {
	var errs []error
	if s.SFTP != nil {
		errs = append(errs, s.SFTP.Close())
	}
	if s.ssh != nil {
		errs = append(errs, s.ssh.Close())
	}
	return errors.Join(errs...)
}

// Dial opens an SSH connection to t and starts SFTP.
func Dial(ctx context.Context, t Target, opts Options) (*Session, error) {
	hostKeys, err := hostKeyCallback(opts.KnownHosts)
	if err != nil {
		return nil, err
	}
	auth, err := authMethods(opts.IdentityFile)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	addr := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	cfg := &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	sc, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create sftp client: %w", err)
	}
	logging.Debugf("transport: connected to %s as %s", addr, t.User)
	return &Session{ssh: client, SFTP: sc}, nil
}

func hostKeyCallback(file string) (ssh.HostKeyCallback, error) {
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", file, err)
	}
	return cb, nil
}

// authMethods offers the identity file first and the agent second.
func authMethods(identityFile string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if identityFile != "" {
		pem, err := os.ReadFile(identityFile)
		if err != nil {
			return nil, fmt.Errorf("read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		var missing *ssh.PassphraseMissingError
		switch {
		case errors.As(err, &missing):
			logging.Warnf("transport: %s is passphrase protected, relying on the ssh agent", identityFile)
		case err != nil:
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		default:
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	if ag := sshAgent(); ag != nil {
		methods = append(methods, ssh.PublicKeysCallback(ag.Signers))
	}
	if len(methods) == 0 {
		return nil, errors.New("no authentication method available (no usable identity file and no ssh agent found)")
	}
	return methods, nil
}

// RemoteFS is the part of an SFTP client Push needs.
type RemoteFS interface {
	MkdirAll(p string) error
	Stat(p string) (os.FileInfo, error)
	Create(p string) (*sftp.File, error)
	Open(p string) (*sftp.File, error)
	Chmod(p string, mode os.FileMode) error
	Rename(oldname, newname string) error
	Remove(p string) error
}

// Push uploads local into remoteDir under its base name. The upload goes to
// a temporary name, is read back and compared by size and sha256, and then
// renamed. An existing remote
// package is never replaced.
func Push(ctx context.Context, fs RemoteFS, local, remoteDir string) (string, error) {
	src, err := os.Open(local)
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Close() }()
	fi, err := src.Stat()
	if err != nil {
		return "", err
	}

	if err := fs.MkdirAll(remoteDir); err != nil {
		return "", fmt.Errorf("create remote directory %s: %w", remoteDir, err)
	}
	final := path.Join(remoteDir, filepath.Base(local))
	if _, err := fs.Stat(final); err == nil {
		return "", fmt.Errorf("remote package %s: %w", final, os.ErrExist)
	}

	tmp := fmt.Sprintf("%s.%s.partial", final, uuid.NewString())
	dst, err := fs.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file on remote: %w", err)
	}
	sum := sha256.New()
	n, err := io.Copy(dst, &ctxReader{ctx: ctx, r: io.TeeReader(src, sum)})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = fs.Remove(tmp)
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return "", fmt.Errorf("upload %s: %w", local, err)
	}

	st, err := fs.Stat(tmp)
	if err != nil || st.Size() != fi.Size() || n != fi.Size() {
		_ = fs.Remove(tmp)
		return "", fmt.Errorf("upload %s: remote size does not match local size %d", local, fi.Size())
	}
	remoteSum, err := remoteDigest(ctx, fs, tmp)
	if err != nil {
		_ = fs.Remove(tmp)
		return "", fmt.Errorf("upload %s: read back: %w", local, err)
	}
	if !bytes.Equal(remoteSum, sum.Sum(nil)) {
		_ = fs.Remove(tmp)
		return "", fmt.Errorf("upload %s: remote sha256 %x does not match local %x", local, remoteSum, sum.Sum(nil))
	}
	if err := fs.Chmod(tmp, 0o600); err != nil {
		_ = fs.Remove(tmp)
		return "", fmt.Errorf("failed to chmod temporary file: %w", err)
	}
	if _, err := fs.Stat(final); err == nil {
		_ = fs.Remove(tmp)
		return "", fmt.Errorf("remote package %s: %w", final, os.ErrExist)
	}
	if err := fs.Rename(tmp, final); err != nil {
		_ = fs.Remove(tmp)
		return "", fmt.Errorf("rename %s: %w", final, err)
	}
	logging.Infof("transport: uploaded %s (%d bytes)", final, n)
	return final, nil
}

func remoteDigest(ctx context.Context, fs RemoteFS, p string) ([]byte, error) {
	f, err := fs.Open(p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
