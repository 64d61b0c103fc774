package exchange_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/SpatiumPortae/roomshare/internal/blob"
	"github.com/SpatiumPortae/roomshare/internal/exchange"
	"github.com/SpatiumPortae/roomshare/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ------------------------------------------------------ Fakes --------------------------------------------------------

type fakeReader struct {
	info   transport.StreamInfo
	chunks chan []byte
	err    error
}

func newFakeReader(info transport.StreamInfo) *fakeReader {
	return &fakeReader{info: info, chunks: make(chan []byte, 16)}
}

func (r *fakeReader) Info() transport.StreamInfo { return r.info }
func (r *fakeReader) OnProgress(func(float64))   {}
func (r *fakeReader) Next() ([]byte, error) {
	chunk, ok := <-r.chunks
	if !ok {
		if r.err != nil {
			return nil, r.err
		}
		return nil, io.EOF
	}
	return chunk, nil
}

func (r *fakeReader) finish(err error) {
	r.err = err
	close(r.chunks)
}

type fakeParticipant struct {
	identity string
	send     func(ctx context.Context, path string, opts transport.SendOptions) (transport.StreamDescriptor, error)
}

func (p *fakeParticipant) Identity() string { return p.identity }
func (p *fakeParticipant) SendFile(ctx context.Context, path string, opts transport.SendOptions) (transport.StreamDescriptor, error) {
	return p.send(ctx, path, opts)
}

type fakeRoom struct {
	mu           sync.Mutex
	local        transport.LocalParticipant
	handlers     map[string]transport.StreamHandler
	unregistered int
}

func newFakeRoom(local transport.LocalParticipant) *fakeRoom {
	return &fakeRoom{local: local, handlers: make(map[string]transport.StreamHandler)}
}

func (r *fakeRoom) LocalParticipant() transport.LocalParticipant {
	if r.local == nil {
		return nil
	}
	return r.local
}

func (r *fakeRoom) RegisterStreamHandler(topic string, h transport.StreamHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[topic]; ok {
		return transport.ErrHandlerRegistered
	}
	r.handlers[topic] = h
	return nil
}

func (r *fakeRoom) UnregisterStreamHandler(topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered++
	if _, ok := r.handlers[topic]; !ok {
		return transport.ErrNoHandler
	}
	delete(r.handlers, topic)
	return nil
}

func (r *fakeRoom) StartAudio(context.Context) error { return nil }
func (r *fakeRoom) Disconnect()                      {}

// deliver runs the registered handler for topic the way a transport would, on its own goroutine.
func (r *fakeRoom) deliver(topic string, reader transport.StreamReader, sender string) <-chan struct{} {
	done := make(chan struct{})
	r.mu.Lock()
	h, ok := r.handlers[topic]
	r.mu.Unlock()
	if !ok {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		h(reader, transport.SenderInfo{Identity: sender})
	}()
	return done
}

func writeFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 13, 'I', 'H', 'D', 'R'}

// ------------------------------------------------------ Tests --------------------------------------------------------

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("empty selection is a no-op", func(t *testing.T) {
		called := false
		room := newFakeRoom(&fakeParticipant{send: func(context.Context, string, transport.SendOptions) (transport.StreamDescriptor, error) {
			called = true
			return transport.StreamDescriptor{}, nil
		}})
		c := exchange.New(room)
		defer c.Close()
		rec, err := c.Send(ctx, "")
		assert.NoError(t, err)
		assert.Nil(t, rec)
		assert.False(t, called)
	})

	t.Run("not connected", func(t *testing.T) {
		c := exchange.New(newFakeRoom(nil))
		defer c.Close()
		assert.False(t, c.CanSend())
		assert.ErrorIs(t, c.SendReady(), exchange.ErrNotConnected)
		assert.Empty(t, c.Identity())
		_, err := c.Send(ctx, writeFile(t, "a.png", pngBytes))
		assert.ErrorIs(t, err, exchange.ErrNotConnected)
	})

	t.Run("identity of local participant", func(t *testing.T) {
		c := exchange.New(newFakeRoom(&fakeParticipant{identity: "alice"}))
		defer c.Close()
		assert.Equal(t, "alice", c.Identity())
	})

	t.Run("success prepends local record", func(t *testing.T) {
		var got transport.SendOptions
		room := newFakeRoom(&fakeParticipant{send: func(_ context.Context, _ string, opts transport.SendOptions) (transport.StreamDescriptor, error) {
			got = opts
			opts.OnProgress(0.5)
			opts.OnProgress(1)
			return transport.StreamDescriptor{ID: "stream-1"}, nil
		}})
		store := blob.NewMemory()
		c := exchange.New(room, exchange.WithBlobStore(store))
		path := writeFile(t, "cat.png", pngBytes)

		rec, err := c.Send(ctx, path)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, exchange.Topic, got.Topic)
		assert.Equal(t, "image/png", got.MimeType)
		assert.Equal(t, "cat.png", got.Name)
		assert.Equal(t, "stream-1", rec.ID)
		assert.Equal(t, exchange.OriginLocal, rec.Origin)
		assert.True(t, rec.Local())
		assert.Equal(t, int64(len(pngBytes)), rec.Size)

		rc, _, err := store.Open(rec.Handle)
		require.NoError(t, err)
		b, _ := io.ReadAll(rc)
		rc.Close()
		assert.Equal(t, pngBytes, b)

		assert.Equal(t, []exchange.Record{*rec}, c.Records())
		_, active := c.Progress()
		assert.False(t, active)

		c.Close()
		assert.Equal(t, 0, store.Len())
	})

	t.Run("failure leaves no record and clears progress", func(t *testing.T) {
		sendErr := errors.New("boom")
		room := newFakeRoom(&fakeParticipant{send: func(_ context.Context, _ string, opts transport.SendOptions) (transport.StreamDescriptor, error) {
			opts.OnProgress(0.3)
			return transport.StreamDescriptor{}, sendErr
		}})
		c := exchange.New(room)
		defer c.Close()

		rec, err := c.Send(ctx, writeFile(t, "a.png", pngBytes))
		assert.ErrorIs(t, err, sendErr)
		assert.Nil(t, rec)
		assert.Empty(t, c.Records())
		_, active := c.Progress()
		assert.False(t, active)
	})

	t.Run("missing stream id adds no record", func(t *testing.T) {
		room := newFakeRoom(&fakeParticipant{send: func(context.Context, string, transport.SendOptions) (transport.StreamDescriptor, error) {
			return transport.StreamDescriptor{}, nil
		}})
		c := exchange.New(room)
		defer c.Close()
		rec, err := c.Send(ctx, writeFile(t, "a.png", pngBytes))
		assert.NoError(t, err)
		assert.Nil(t, rec)
		assert.Empty(t, c.Records())
	})

	t.Run("progress is monotonic", func(t *testing.T) {
		updates := make(chan interface{}, 32)
		room := newFakeRoom(&fakeParticipant{send: func(_ context.Context, _ string, opts transport.SendOptions) (transport.StreamDescriptor, error) {
			for _, f := range []float64{0.2, 0.6, 0.4, 0.8, 1.3} {
				opts.OnProgress(f)
			}
			return transport.StreamDescriptor{ID: "s"}, nil
		}})
		c := exchange.New(room, exchange.WithUpdates(updates))
		defer c.Close()
		_, err := c.Send(ctx, writeFile(t, "a.png", pngBytes))
		require.NoError(t, err)

		var fractions []float64
		var last exchange.ProgressMsg
	drain:
		for {
			select {
			case msg := <-updates:
				if p, ok := msg.(exchange.ProgressMsg); ok {
					last = p
					if p.Active {
						fractions = append(fractions, p.Fraction)
					}
				}
			default:
				break drain
			}
		}
		assert.Equal(t, []float64{0, 0.2, 0.6, 0.8, 1}, fractions)
		assert.False(t, last.Active)
	})

	t.Run("concurrent send rejected", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{})
		room := newFakeRoom(&fakeParticipant{send: func(context.Context, string, transport.SendOptions) (transport.StreamDescriptor, error) {
			close(started)
			<-release
			return transport.StreamDescriptor{ID: "s"}, nil
		}})
		c := exchange.New(room)
		defer c.Close()
		path := writeFile(t, "a.png", pngBytes)

		errC := make(chan error, 1)
		go func() {
			_, err := c.Send(ctx, path)
			errC <- err
		}()
		<-started
		assert.False(t, c.CanSend())
		assert.ErrorIs(t, c.SendReady(), exchange.ErrSendInProgress)
		_, err := c.Send(ctx, path)
		assert.ErrorIs(t, err, exchange.ErrSendInProgress)
		close(release)
		assert.NoError(t, <-errC)
		assert.True(t, c.CanSend())
		assert.NoError(t, c.SendReady())
	})
}

func TestReceive(t *testing.T) {
	t.Run("drains stream into record", func(t *testing.T) {
		room := newFakeRoom(nil)
		store := blob.NewMemory()
		c := exchange.New(room, exchange.WithBlobStore(store))
		defer c.Close()
		require.NoError(t, c.Open())

		r := newFakeReader(transport.StreamInfo{ID: "in-1", MimeType: "image/jpeg", Name: "x.jpg"})
		done := room.deliver(exchange.Topic, r, "agent")
		r.chunks <- []byte("hel")
		r.chunks <- []byte("lo")
		r.finish(nil)
		<-done

		records := c.Records()
		require.Len(t, records, 1)
		rec := records[0]
		assert.Equal(t, "in-1", rec.ID)
		assert.Equal(t, "agent", rec.Origin)
		assert.Equal(t, "x.jpg", rec.Name)
		assert.Equal(t, "image/jpeg", rec.MimeType)
		assert.Equal(t, int64(5), rec.Size)

		rc, _, err := store.Open(rec.Handle)
		require.NoError(t, err)
		b, _ := io.ReadAll(rc)
		assert.Equal(t, "hello", string(b))
	})

	t.Run("defaults for missing metadata", func(t *testing.T) {
		room := newFakeRoom(nil)
		c := exchange.New(room)
		defer c.Close()
		require.NoError(t, c.Open())

		r := newFakeReader(transport.StreamInfo{ID: "in-2"})
		r.finish(nil)
		<-room.deliver(exchange.Topic, r, "agent")

		records := c.Records()
		require.Len(t, records, 1)
		assert.Equal(t, "application/octet-stream", records[0].MimeType)
		assert.Equal(t, "file", records[0].Name)
		assert.Equal(t, int64(0), records[0].Size)
	})

	t.Run("failed stream is discarded", func(t *testing.T) {
		room := newFakeRoom(nil)
		store := blob.NewMemory()
		c := exchange.New(room, exchange.WithBlobStore(store))
		defer c.Close()
		require.NoError(t, c.Open())

		r := newFakeReader(transport.StreamInfo{ID: "in-3"})
		r.chunks <- []byte("partial")
		r.finish(errors.New("reset"))
		<-room.deliver(exchange.Topic, r, "agent")

		assert.Empty(t, c.Records())
		assert.Equal(t, 0, store.Len())
	})

	t.Run("interleaved streams keep separate buffers", func(t *testing.T) {
		room := newFakeRoom(nil)
		c := exchange.New(room)
		defer c.Close()
		require.NoError(t, c.Open())

		a := newFakeReader(transport.StreamInfo{ID: "a", Name: "a"})
		b := newFakeReader(transport.StreamInfo{ID: "b", Name: "b"})
		doneA := room.deliver(exchange.Topic, a, "p1")
		doneB := room.deliver(exchange.Topic, b, "p2")
		a.chunks <- []byte("A1")
		b.chunks <- []byte("B1")
		a.chunks <- []byte("A2")
		b.chunks <- []byte("B2")
		b.finish(nil)
		<-doneB
		a.finish(nil)
		<-doneA

		records := c.Records()
		require.Len(t, records, 2)
		assert.Equal(t, "a", records[0].ID)
		assert.Equal(t, "b", records[1].ID)
		assert.Equal(t, int64(4), records[0].Size)
		assert.Equal(t, int64(4), records[1].Size)
	})

	t.Run("other topics are not handled", func(t *testing.T) {
		room := newFakeRoom(nil)
		c := exchange.New(room)
		defer c.Close()
		require.NoError(t, c.Open())

		r := newFakeReader(transport.StreamInfo{ID: "x"})
		r.finish(nil)
		<-room.deliver("chat", r, "agent")
		assert.Empty(t, c.Records())
	})

	t.Run("history bound releases evicted handles", func(t *testing.T) {
		room := newFakeRoom(nil)
		store := blob.NewMemory()
		c := exchange.New(room, exchange.WithBlobStore(store), exchange.WithHistorySize(2))
		require.NoError(t, c.Open())

		for _, id := range []string{"1", "2", "3"} {
			r := newFakeReader(transport.StreamInfo{ID: id})
			r.chunks <- []byte(id)
			r.finish(nil)
			<-room.deliver(exchange.Topic, r, "agent")
		}
		records := c.Records()
		require.Len(t, records, 2)
		assert.Equal(t, "3", records[0].ID)
		assert.Equal(t, "2", records[1].ID)
		assert.Equal(t, 2, store.Len())

		c.Close()
		assert.Equal(t, 0, store.Len())
	})
}

func TestTeardown(t *testing.T) {
	t.Run("close is idempotent", func(t *testing.T) {
		room := newFakeRoom(nil)
		c := exchange.New(room)
		require.NoError(t, c.Open())
		assert.NotPanics(t, func() {
			c.Close()
			c.Close()
		})
		assert.Equal(t, 1, room.unregistered)
		assert.Empty(t, room.handlers)
	})
	t.Run("close without open ignores unregister error", func(t *testing.T) {
		room := newFakeRoom(nil)
		c := exchange.New(room)
		assert.NotPanics(t, c.Close)
	})
	t.Run("open twice registers once", func(t *testing.T) {
		room := newFakeRoom(nil)
		c := exchange.New(room)
		defer c.Close()
		assert.NoError(t, c.Open())
		assert.NoError(t, c.Open())
	})
	t.Run("stream finishing after close is released", func(t *testing.T) {
		room := newFakeRoom(nil)
		store := blob.NewMemory()
		c := exchange.New(room, exchange.WithBlobStore(store), exchange.WithUpdates(make(chan interface{})))
		require.NoError(t, c.Open())

		r := newFakeReader(transport.StreamInfo{ID: "late"})
		done := room.deliver(exchange.Topic, r, "agent")
		c.Close()
		r.finish(nil)
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("handler blocked after close")
		}
		assert.Equal(t, 0, store.Len())
	})
}
