// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

// Package archive implements the migration package container: a tar stream
// compressed with zstd whose last member is manifest.json. The manifest
// records the size and sha256 of every other member, so a package can be
// verified end to end before anything is restored from it.
package archive

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/toeirei/hostmove/internal/model"
)

// ManifestName is the name of the manifest member.
const ManifestName = "manifest.json"

// IntegrityError reports a corrupt, truncated or incompatible package.
type IntegrityError struct {
	Path   string
	Member string
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	where := e.Path
	if e.Member != "" {
		where += ":" + e.Member
	}
	if e.Err != nil {
		return fmt.Sprintf("package %s failed integrity check: %s: %v", where, e.Reason, e.Err)
	}
	return fmt.Sprintf("package %s failed integrity check: %s", where, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Writer appends members to a package.
type Writer struct {
	zw       *zstd.Encoder
	tw       *tar.Writer
	manifest bool
}

// NewWriter starts a package on w. Close must be called to flush it.
func NewWriter(w io.Writer) (*Writer, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	return &Writer{zw: zw, tw: tar.NewWriter(zw)}, nil
}

// Add copies size bytes from r into member name and returns the recorded
// size and hash.
func (w *Writer) Add(name string, r io.Reader, size int64, mode os.FileMode, modTime time.Time) (model.Member, error) {
	if w.manifest {
		return model.Member{}, errors.New("archive: member added after manifest")
	}
	if err := checkName(name); err != nil {
		return model.Member{}, err
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     size,
		Mode:     int64(mode.Perm()),
		ModTime:  modTime,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return model.Member{}, fmt.Errorf("archive: header %s: %w", name, err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w.tw, h), r)
	if err != nil {
		return model.Member{}, fmt.Errorf("archive: write %s: %w", name, err)
	}
	if n != size {
		return model.Member{}, fmt.Errorf("archive: %s: wrote %d of %d bytes", name, n, size)
	}
	return model.Member{Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

// WriteManifest appends the manifest. No members may follow it.
func (w *Writer) WriteManifest(m *model.Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	hdr := &tar.Header{Typeflag: tar.TypeReg, Name: ManifestName, Size: int64(len(data)), Mode: 0o644, ModTime: m.CreatedAt}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := w.tw.Write(data); err != nil {
		return err
	}
	w.manifest = true
	return nil
}

// Close finishes the tar stream and the zstd frame.
func (w *Writer) Close() error {
	if err := w.tw.Close(); err != nil {
		_ = w.zw.Close()
		return err
	}
	return w.zw.Close()
}

// Verify reads the whole package, checks every member against the manifest
// and returns the manifest. Any failure is an *IntegrityError.
func Verify(pkgPath string) (*model.Manifest, error) {
	fail := func(member, reason string, err error) (*model.Manifest, error) {
		return nil, &IntegrityError{Path: pkgPath, Member: member, Reason: reason, Err: err}
	}

	f, err := os.Open(pkgPath)
	if err != nil {
		return fail("", "cannot open package", err)
	}
	defer func() { _ = f.Close() }()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fail("", "not a zstd stream", err)
	}
	defer zr.Close()

	seen := map[string]model.Member{}
	var manifest *model.Manifest
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail("", "corrupt or truncated archive", err)
		}
		if manifest != nil {
			return fail(hdr.Name, "member after manifest", nil)
		}
		if err := checkName(hdr.Name); err != nil {
			return fail(hdr.Name, "unsafe member name", err)
		}
		if hdr.Name == ManifestName {
			var m model.Manifest
			if err := json.NewDecoder(tr).Decode(&m); err != nil {
				return fail(hdr.Name, "manifest is not valid JSON", err)
			}
			manifest = &m
			continue
		}
		if _, dup := seen[hdr.Name]; dup {
			return fail(hdr.Name, "duplicate member", nil)
		}
		h := sha256.New()
		n, err := io.Copy(h, tr)
		if err != nil {
			return fail(hdr.Name, "corrupt or truncated member", err)
		}
		seen[hdr.Name] = model.Member{Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}
	}

	if manifest == nil {
		return fail(ManifestName, "manifest missing, package is incomplete", nil)
	}
	if manifest.FormatVersion > model.ManifestFormatVersion {
		return fail(ManifestName, fmt.Sprintf("unsupported format version %d", manifest.FormatVersion), nil)
	}
	if err := manifest.Validate(); err != nil {
		return fail(ManifestName, "invalid manifest", err)
	}
	for name, want := range manifest.Members() {
		got, ok := seen[name]
		switch {
		case !ok:
			return fail(name, "member listed in manifest is missing", nil)
		case got.Size != want.Size:
			return fail(name, fmt.Sprintf("size mismatch: have %d, manifest says %d", got.Size, want.Size), nil)
		case got.SHA256 != want.SHA256:
			return fail(name, "checksum mismatch", nil)
		}
		delete(seen, name)
	}
	for name := range seen {
		return fail(name, "member not listed in manifest", nil)
	}
	return manifest, nil
}

// Reader gives access to single members of a verified package.
type Reader struct {
	path string
}

// Open returns a Reader for pkgPath. It does not verify the package.
func Open(pkgPath string) *Reader {
	return &Reader{path: pkgPath}
}

// Member streams one member. The returned reader hashes what it yields; its
// Sum is only meaningful after reading to EOF.
func (r *Reader) Member(name string) (*MemberReader, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, err
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err != nil {
			zr.Close()
			_ = f.Close()
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("member %s: %w", name, os.ErrNotExist)
			}
			return nil, err
		}
		if hdr.Name == name {
			h := sha256.New()
			return &MemberReader{r: io.TeeReader(tr, h), h: h, size: hdr.Size, zr: zr, f: f}, nil
		}
	}
}

// Each calls fn for every member whose name starts with prefix.
func (r *Reader) Each(prefix string, fn func(hdr *tar.Header, body io.Reader) error) error {
	f, err := os.Open(r.path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.HasPrefix(hdr.Name, prefix) {
			if err := fn(hdr, tr); err != nil {
				return err
			}
		}
	}
}

// MemberReader streams a member and hashes it on the way through.
type MemberReader struct {
	r    io.Reader
	h    hash.Hash
	n    int64
	size int64
	zr   *zstd.Decoder
	f    *os.File
}

func (m *MemberReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	m.n += int64(n)
	return n, err
}

// Size is the member size from the tar header.
func (m *MemberReader) Size() int64 { return m.size }

// Matches reports whether the bytes read so far have the expected size and hash.
func (m *MemberReader) Matches(want model.Member) bool {
	return m.n == want.Size && hex.EncodeToString(m.h.Sum(nil)) == want.SHA256
}

func (m *MemberReader) Close() error {
	m.zr.Close()
	return m.f.Close()
}

func checkName(name string) error {
	clean := path.Clean(name)
	if name == "" || path.IsAbs(name) || clean != name || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("invalid member name %q", name)
	}
	return nil
}
