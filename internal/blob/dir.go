package blob

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const fallbackExtension = ".bin"

// Dir persists received payloads as files under Root, named
// `<unix>-<origin>-<name><ext>`. Handles are the absolute file paths.
// Release forgets a handle but keeps the file on disk.
type Dir struct {
	Root string
	now  func() time.Time

	mu    sync.Mutex
	metas map[Handle]Meta
}

func NewDir(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving receive directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating receive directory: %w", err)
	}
	return &Dir{Root: abs, now: time.Now, metas: make(map[Handle]Meta)}, nil
}

// Put writes data to a new file. A name already taken gets a `-<n>` suffix before the extension.
//
//nolint:errcheck
func (d *Dir) Put(meta Meta, data []byte) (Handle, error) {
	f, err := createUnique(d.Root, FileName(d.now(), meta))
	if err != nil {
		return "", fmt.Errorf("creating received file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing received file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing received file: %w", err)
	}
	meta.Size = int64(len(data))
	h := Handle(path)
	d.mu.Lock()
	d.metas[h] = meta
	d.mu.Unlock()
	return h, nil
}

func (d *Dir) PutFile(path string, meta Meta) (Handle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving file path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("referencing file: %w", err)
	}
	meta.Size = info.Size()
	h := Handle(abs)
	d.mu.Lock()
	d.metas[h] = meta
	d.mu.Unlock()
	return h, nil
}

func (d *Dir) Open(h Handle) (io.ReadCloser, Meta, error) {
	d.mu.Lock()
	meta, ok := d.metas[h]
	d.mu.Unlock()
	if !ok {
		return nil, Meta{}, ErrNotFound
	}
	f, err := os.Open(string(h))
	if err != nil {
		return nil, Meta{}, fmt.Errorf("opening file: %w", err)
	}
	return f, meta, nil
}

func (d *Dir) Release(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.metas[h]; !ok {
		return ErrNotFound
	}
	delete(d.metas, h)
	return nil
}

func createUnique(root, name string) (*os.File, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for n := 1; ; n++ {
		f, err := os.OpenFile(filepath.Join(root, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if !errors.Is(err, fs.ErrExist) {
			return f, err
		}
		candidate = fmt.Sprintf("%s-%d%s", stem, n, ext)
	}
}

// FileName builds the on-disk name for a received payload.
func FileName(at time.Time, meta Meta) string {
	origin := sanitize(meta.Origin)
	if origin == "" {
		origin = "unknown"
	}
	stem := sanitize(strings.TrimSuffix(meta.Name, filepath.Ext(meta.Name)))
	if stem == "" {
		stem = "data"
	}
	return fmt.Sprintf("%d-%s-%s%s", at.Unix(), origin, stem, Extension(meta.MimeType))
}

// Extension maps a MIME type to a file extension, falling back to .bin.
func Extension(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	base = strings.ToLower(strings.TrimSpace(base))
	if base == "" {
		return fallbackExtension
	}
	m := mimetype.Lookup(base)
	if m == nil || m.Extension() == "" {
		return fallbackExtension
	}
	return m.Extension()
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
}
