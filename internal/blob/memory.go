package blob

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

type entry struct {
	meta Meta
	data []byte
	path string
}

// Memory keeps received payloads in memory and references local files by path.
type Memory struct {
	mu      sync.RWMutex
	entries map[Handle]entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[Handle]entry)}
}

func (m *Memory) Put(meta Meta, data []byte) (Handle, error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	meta.Size = int64(len(buf))
	return m.store(entry{meta: meta, data: buf}), nil
}

func (m *Memory) PutFile(path string, meta Meta) (Handle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("referencing file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("referencing file: %s is a directory", path)
	}
	meta.Size = info.Size()
	return m.store(entry{meta: meta, path: path}), nil
}

func (m *Memory) store(e entry) Handle {
	h := Handle("blob:" + uuid.NewString())
	m.mu.Lock()
	m.entries[h] = e
	m.mu.Unlock()
	return h
}

func (m *Memory) Open(h Handle) (io.ReadCloser, Meta, error) {
	m.mu.RLock()
	e, ok := m.entries[h]
	m.mu.RUnlock()
	if !ok {
		return nil, Meta{}, ErrNotFound
	}
	if e.path == "" {
		return io.NopCloser(bytes.NewReader(e.data)), e.meta, nil
	}
	f, err := os.Open(e.path)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("opening referenced file: %w", err)
	}
	return f, e.meta, nil
}

func (m *Memory) Release(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[h]; !ok {
		return ErrNotFound
	}
	delete(m.entries, h)
	return nil
}

// Len returns the number of live handles.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
