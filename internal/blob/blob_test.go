package blob_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/SpatiumPortae/roomshare/internal/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	t.Run("put copies data", func(t *testing.T) {
		m := blob.NewMemory()
		data := []byte("pixels")
		h, err := m.Put(blob.Meta{Name: "a.png", MimeType: "image/png"}, data)
		require.NoError(t, err)
		data[0] = 'X'

		rc, meta, err := m.Open(h)
		require.NoError(t, err)
		defer rc.Close()
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "pixels", string(b))
		assert.Equal(t, int64(6), meta.Size)
		assert.Equal(t, "image/png", meta.MimeType)
	})
	t.Run("put file references original", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cat.jpg")
		require.NoError(t, os.WriteFile(path, []byte("meow"), 0o644))

		m := blob.NewMemory()
		h, err := m.PutFile(path, blob.Meta{Name: "cat.jpg"})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte("purr"), 0o644))

		rc, _, err := m.Open(h)
		require.NoError(t, err)
		defer rc.Close()
		b, _ := io.ReadAll(rc)
		assert.Equal(t, "purr", string(b))
	})
	t.Run("release", func(t *testing.T) {
		m := blob.NewMemory()
		h, err := m.Put(blob.Meta{}, []byte{1})
		require.NoError(t, err)
		assert.Equal(t, 1, m.Len())
		assert.NoError(t, m.Release(h))
		assert.Equal(t, 0, m.Len())
		assert.ErrorIs(t, m.Release(h), blob.ErrNotFound)
		_, _, err = m.Open(h)
		assert.ErrorIs(t, err, blob.ErrNotFound)
	})
	t.Run("handles are unique", func(t *testing.T) {
		m := blob.NewMemory()
		h1, _ := m.Put(blob.Meta{}, nil)
		h2, _ := m.Put(blob.Meta{}, nil)
		assert.NotEqual(t, h1, h2)
	})
}

func TestDir(t *testing.T) {
	t.Run("put writes file", func(t *testing.T) {
		root := t.TempDir()
		d, err := blob.NewDir(filepath.Join(root, "received"))
		require.NoError(t, err)
		h, err := d.Put(blob.Meta{Name: "photo.jpeg", MimeType: "image/jpeg", Origin: "alice"}, []byte("jpeg"))
		require.NoError(t, err)

		assert.Equal(t, filepath.Join(root, "received"), filepath.Dir(string(h)))
		assert.Regexp(t, `^\d+-alice-photo\.jpg$`, filepath.Base(string(h)))
		b, err := os.ReadFile(string(h))
		require.NoError(t, err)
		assert.Equal(t, "jpeg", string(b))

		assert.NoError(t, d.Release(h))
		_, err = os.Stat(string(h))
		assert.NoError(t, err)
	})

	t.Run("same name in the same second", func(t *testing.T) {
		d, err := blob.NewDir(t.TempDir())
		require.NoError(t, err)
		at := time.Unix(1700000000, 0)
		d.SetClock(func() time.Time { return at })
		meta := blob.Meta{Name: "cat.png", MimeType: "image/png", Origin: "bob"}

		first, err := d.Put(meta, []byte("first"))
		require.NoError(t, err)
		second, err := d.Put(meta, []byte("second"))
		require.NoError(t, err)
		third, err := d.Put(meta, []byte("third"))
		require.NoError(t, err)

		assert.Equal(t, "1700000000-bob-cat.png", filepath.Base(string(first)))
		assert.Equal(t, "1700000000-bob-cat-1.png", filepath.Base(string(second)))
		assert.Equal(t, "1700000000-bob-cat-2.png", filepath.Base(string(third)))

		require.NoError(t, d.Release(first))
		rc, got, err := d.Open(second)
		require.NoError(t, err)
		defer rc.Close()
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "second", string(b))
		assert.Equal(t, int64(6), got.Size)

		b, err = os.ReadFile(string(first))
		require.NoError(t, err)
		assert.Equal(t, "first", string(b))
	})
}

func TestFileName(t *testing.T) {
	at := time.Unix(1700000000, 0)
	t.Run("defaults", func(t *testing.T) {
		assert.Equal(t, "1700000000-unknown-data.bin", blob.FileName(at, blob.Meta{}))
	})
	t.Run("sanitizes separators", func(t *testing.T) {
		assert.Equal(t, "1700000000-a_b-c_d.png", blob.FileName(at, blob.Meta{Origin: "a/b", Name: "c:d.png", MimeType: "image/png"}))
	})
}

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"image/jpeg":               ".jpg",
		"IMAGE/PNG":                ".png",
		"image/webp":               ".webp",
		"image/gif; charset=x":     ".gif",
		"application/octet-stream": ".bin",
		"":                         ".bin",
		"made/up":                  ".bin",
	}
	for mime, ext := range tests {
		t.Run(mime, func(t *testing.T) {
			assert.Equal(t, ext, blob.Extension(mime))
		})
	}
}
