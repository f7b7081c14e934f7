// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/sftp"
)

// newMemSFTP starts an in-memory SFTP server and returns a client for it.
func newMemSFTP(t *testing.T) *sftp.Client {
	t.Helper()
	c1, c2 := net.Pipe()
	server := sftp.NewRequestServer(c1, sftp.InMemHandler())
	go func() { _ = server.Serve() }()
	client, err := sftp.NewClientPipe(c2, c2)
	if err != nil {
		t.Fatalf("sftp client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client
}

func writeLocal(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "migrate-L.pkg")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPush_UploadsAndRenames(t *testing.T) {
	client := newMemSFTP(t)
	local := writeLocal(t, "package bytes")

	got, err := Push(context.Background(), client, local, "/incoming")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got != "/incoming/migrate-L.pkg" {
		t.Fatalf("unexpected remote path %q", got)
	}
	f, err := client.Open(got)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	data, _ := io.ReadAll(f)
	if string(data) != "package bytes" {
		t.Fatalf("unexpected remote content %q", data)
	}
	entries, _ := client.ReadDir("/incoming")
	if len(entries) != 1 {
		t.Fatalf("temporary upload left behind: %d entries", len(entries))
	}
}

func TestPush_NeverOverwrites(t *testing.T) {
	client := newMemSFTP(t)
	local := writeLocal(t, "first")
	if _, err := Push(context.Background(), client, local, "/incoming"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(local, []byte("second"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Push(context.Background(), client, local, "/incoming"); !errors.Is(err, os.ErrExist) {
		t.Fatalf("expected ErrExist, got %v", err)
	}
}

func TestPush_CanceledContext(t *testing.T) {
	client := newMemSFTP(t)
	local := writeLocal(t, "data")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Push(ctx, client, local, "/incoming"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := client.Stat("/incoming/migrate-L.pkg"); err == nil {
		t.Fatal("canceled upload must not publish the package")
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    Target
		wantErr bool
	}{
		{"root@h2:/var/lib/hostmove", Target{User: "root", Host: "h2", Port: 22, Dir: "/var/lib/hostmove"}, false},
		{"ssh://ops@h2.example:2222/srv/in", Target{User: "ops", Host: "h2.example", Port: 2222, Dir: "/srv/in"}, false},
		{"h2", Target{}, true},
		{"root@h2:", Target{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTarget: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v want %+v", got, tt.want)
			}
		})
	}
}

func TestAuthMethods_RejectsGarbageIdentity(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	p := filepath.Join(t.TempDir(), "id")
	_ = os.WriteFile(p, []byte("not a key"), 0o600)
	if _, err := authMethods(p); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := authMethods(""); err == nil {
		t.Fatal("expected error without identity and agent")
	}
}

func TestHostKeyCallback_MissingFile(t *testing.T) {
	if _, err := hostKeyCallback(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing known_hosts")
	}
}

// corruptingFS flips the first byte of every temporary upload before it is
// read back.
type corruptingFS struct {
	*sftp.Client
}

func (c corruptingFS) Open(p string) (*sftp.File, error) {
	if strings.HasSuffix(p, ".partial") {
		f, err := c.Client.OpenFile(p, os.O_WRONLY)
		if err != nil {
			return nil, err
		}
		_, werr := f.Write([]byte("X"))
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return nil, werr
		}
	}
	return c.Client.Open(p)
}

func TestPush_RejectsContentMismatch(t *testing.T) {
	client := newMemSFTP(t)
	local := writeLocal(t, "package bytes")

	_, err := Push(context.Background(), corruptingFS{client}, local, "/incoming")
	if err == nil || !strings.Contains(err.Error(), "sha256") {
		t.Fatalf("expected sha256 mismatch, got %v", err)
	}
	if _, err := client.Stat("/incoming/migrate-L.pkg"); err == nil {
		t.Fatal("corrupted upload must not be published")
	}
	entries, _ := client.ReadDir("/incoming")
	if len(entries) != 0 {
		t.Fatalf("temporary upload left behind: %d entries", len(entries))
	}
}
