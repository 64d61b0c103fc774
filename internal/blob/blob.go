// Package blob manages renderable resource handles for exchanged files. A handle stays valid
// until it is released.
package blob

import (
	"errors"
	"io"
)

const DefaultMimeType = "application/octet-stream"

var ErrNotFound = errors.New("no blob with the provided handle")

type Handle string

type Meta struct {
	Name     string
	MimeType string
	Size     int64
	Origin   string
}

// Store creates and resolves handles.
type Store interface {
	// Put stores a copy of data.
	Put(meta Meta, data []byte) (Handle, error)
	// PutFile references an existing file without copying it.
	PutFile(path string, meta Meta) (Handle, error)
	Open(h Handle) (io.ReadCloser, Meta, error)
	Release(h Handle) error
}
