// Package exchange implements the bidirectional image exchange over topic-scoped byte streams.
// Local sends and inbound streams become Records in a shared newest-first history.
package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/SpatiumPortae/roomshare/internal/blob"
	"github.com/SpatiumPortae/roomshare/internal/file"
	"github.com/SpatiumPortae/roomshare/internal/history"
	"github.com/SpatiumPortae/roomshare/internal/transport"
	"go.uber.org/zap"
)

const (
	Topic                  = "image-upload"
	OriginLocal            = "me"
	DefaultName            = "file"
	DefaultHistorySize     = 32
	DefaultConcurrentSends = 1
)

var (
	ErrNotConnected   = errors.New("no local participant, not connected to a room")
	ErrSendInProgress = errors.New("a send is already in progress")
)

// Record is an immutable entry of the transfer history.
type Record struct {
	ID        string
	Origin    string
	Name      string
	MimeType  string
	Size      int64
	Handle    blob.Handle
	CreatedAt time.Time
}

// Local reports whether the record was sent by this client.
func (r Record) Local() bool {
	return r.Origin == OriginLocal
}

// Update messages published on the updates channel.
type (
	// ProgressMsg carries the outbound progress. Active is false once no send is in flight.
	ProgressMsg struct {
		Fraction float64
		Active   bool
	}
	RecordMsg struct {
		Record Record
	}
	ErrorMsg struct {
		Err error
	}
)

type Option func(*Channel)

func WithTopic(topic string) Option {
	return func(c *Channel) {
		c.topic = topic
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

func WithBlobStore(store blob.Store) Option {
	return func(c *Channel) {
		c.blobs = store
	}
}

// WithHistorySize bounds the history, 0 keeps every record.
func WithHistorySize(n int) Option {
	return func(c *Channel) {
		c.historySize = n
	}
}

func WithMaxConcurrentSends(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.maxSends = n
		}
	}
}

// WithUpdates publishes ProgressMsg, RecordMsg and ErrorMsg values on ch. Progress
// updates are dropped when ch is full, records and errors are not.
func WithUpdates(ch chan<- interface{}) Option {
	return func(c *Channel) {
		c.updates = ch
	}
}

// Channel exchanges files with the room on a single topic.
type Channel struct {
	room        transport.Room
	topic       string
	logger      *zap.Logger
	blobs       blob.Store
	historySize int
	maxSends    int
	updates     chan<- interface{}
	now         func() time.Time

	history *history.History[Record]
	slots   chan struct{}

	mu       sync.Mutex
	inflight map[uint64]float64
	nextSend uint64

	openOnce  sync.Once
	openErr   error
	closeOnce sync.Once
	closed    chan struct{}
}

func New(room transport.Room, opts ...Option) *Channel {
	c := &Channel{
		room:        room,
		topic:       Topic,
		logger:      zap.NewNop(),
		historySize: DefaultHistorySize,
		maxSends:    DefaultConcurrentSends,
		now:         time.Now,
		inflight:    make(map[uint64]float64),
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.blobs == nil {
		c.blobs = blob.NewMemory()
	}
	c.logger = c.logger.With(zap.String("topic", c.topic))
	c.slots = make(chan struct{}, c.maxSends)
	c.history = history.New(c.historySize, c.release)
	return c
}

// Open registers the inbound stream handler. Only the first call registers.
func (c *Channel) Open() error {
	c.openOnce.Do(func() {
		if err := c.room.RegisterStreamHandler(c.topic, c.handleStream); err != nil {
			c.openErr = fmt.Errorf("registering stream handler: %w", err)
			c.logger.Error("registering stream handler", zap.Error(err))
		}
	})
	return c.openErr
}

// Close unregisters the stream handler and releases every handle still in the history.
// Unregister failures are ignored. Streams still draining after Close are released as
// soon as they complete. Safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.room.UnregisterStreamHandler(c.topic); err != nil {
			c.logger.Debug("unregistering stream handler", zap.Error(err))
		}
		c.history.Close()
	})
}

// CanSend reports whether a send may be started.
func (c *Channel) CanSend() bool {
	return c.SendReady() == nil
}

// SendReady returns the reason a send cannot start right now, nil when it can.
func (c *Channel) SendReady() error {
	if c.room.LocalParticipant() == nil {
		return ErrNotConnected
	}
	if len(c.slots) >= cap(c.slots) {
		return ErrSendInProgress
	}
	return nil
}

// Progress returns the mean progress of in-flight sends, ok is false when idle.
func (c *Channel) Progress() (fraction float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progressLocked()
}

// Records returns the history, newest first.
func (c *Channel) Records() []Record {
	return c.history.Snapshot()
}

// Identity returns the local participant identity, empty when not connected.
func (c *Channel) Identity() string {
	if lp := c.room.LocalParticipant(); lp != nil {
		return lp.Identity()
	}
	return ""
}

// Blobs returns the store backing the record handles.
func (c *Channel) Blobs() blob.Store {
	return c.blobs
}

// Send streams the file at path to the room. An empty path is a no-op and returns a nil
// record. The returned record references the original file.
func (c *Channel) Send(ctx context.Context, path string) (*Record, error) {
	if path == "" {
		return nil, nil
	}
	lp := c.room.LocalParticipant()
	if lp == nil {
		return nil, ErrNotConnected
	}
	select {
	case c.slots <- struct{}{}:
	default:
		return nil, ErrSendInProgress
	}
	defer func() { <-c.slots }()

	logger := c.logger.With(zap.String("path", path))
	info, err := file.Inspect(path)
	if err != nil {
		logger.Error("inspecting file", zap.Error(err))
		return nil, err
	}

	id := c.beginSend()
	defer c.endSend(id)

	desc, err := lp.SendFile(ctx, info.Path, transport.SendOptions{
		Topic:    c.topic,
		MimeType: info.MimeType,
		Name:     info.Name,
		OnProgress: func(fraction float64) {
			c.setProgress(id, fraction)
		},
	})
	if err != nil {
		logger.Error("sending file", zap.Error(err))
		return nil, fmt.Errorf("sending %s: %w", info.Name, err)
	}
	if desc.ID == "" {
		logger.Warn("send completed without a stream id")
		return nil, nil
	}

	meta := blob.Meta{Name: info.Name, MimeType: info.MimeType, Size: info.Size, Origin: OriginLocal}
	handle, err := c.blobs.PutFile(info.Path, meta)
	if err != nil {
		logger.Error("creating preview handle", zap.Error(err))
		return nil, fmt.Errorf("creating preview handle: %w", err)
	}
	rec := Record{
		ID:        desc.ID,
		Origin:    OriginLocal,
		Name:      info.Name,
		MimeType:  info.MimeType,
		Size:      info.Size,
		Handle:    handle,
		CreatedAt: c.now(),
	}
	c.history.Prepend(rec)
	c.publish(RecordMsg{Record: rec})
	logger.Info("sent file", zap.String("stream_id", rec.ID), zap.Int64("size", rec.Size))
	return &rec, nil
}

// handleStream is invoked by the transport once per inbound stream on the topic.
func (c *Channel) handleStream(reader transport.StreamReader, sender transport.SenderInfo) {
	rec, err := c.receive(reader, sender)
	if err != nil {
		c.logger.Error("receiving stream",
			zap.String("stream_id", reader.Info().ID),
			zap.String("sender", sender.Identity),
			zap.Error(err))
		c.publish(ErrorMsg{Err: err})
		return
	}
	c.history.Prepend(rec)
	c.publish(RecordMsg{Record: rec})
	c.logger.Info("received file",
		zap.String("stream_id", rec.ID),
		zap.String("sender", rec.Origin),
		zap.Int64("size", rec.Size))
}

func (c *Channel) receive(reader transport.StreamReader, sender transport.SenderInfo) (Record, error) {
	info := reader.Info()
	logger := c.logger.With(zap.String("stream_id", info.ID))
	reader.OnProgress(func(fraction float64) {
		logger.Debug("receiving", zap.Float64("progress", fraction))
	})

	var buf bytes.Buffer
	for {
		chunk, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Record{}, fmt.Errorf("reading stream %s: %w", info.ID, err)
		}
		buf.Write(chunk)
	}

	mimeType := info.MimeType
	if mimeType == "" {
		mimeType = blob.DefaultMimeType
	}
	name := info.Name
	if name == "" {
		name = DefaultName
	}
	meta := blob.Meta{Name: name, MimeType: mimeType, Size: int64(buf.Len()), Origin: sender.Identity}
	handle, err := c.blobs.Put(meta, buf.Bytes())
	if err != nil {
		return Record{}, fmt.Errorf("storing stream %s: %w", info.ID, err)
	}
	return Record{
		ID:        info.ID,
		Origin:    sender.Identity,
		Name:      name,
		MimeType:  mimeType,
		Size:      int64(buf.Len()),
		Handle:    handle,
		CreatedAt: c.now(),
	}, nil
}

func (c *Channel) release(rec Record) {
	if err := c.blobs.Release(rec.Handle); err != nil && !errors.Is(err, blob.ErrNotFound) {
		c.logger.Warn("releasing handle", zap.String("handle", string(rec.Handle)), zap.Error(err))
	}
}

func (c *Channel) beginSend() uint64 {
	c.mu.Lock()
	c.nextSend++
	id := c.nextSend
	c.inflight[id] = 0
	fraction, _ := c.progressLocked()
	c.mu.Unlock()
	c.publishProgress(ProgressMsg{Fraction: fraction, Active: true})
	return id
}

// setProgress never lets a send's fraction decrease.
func (c *Channel) setProgress(id uint64, fraction float64) {
	c.mu.Lock()
	current, ok := c.inflight[id]
	if !ok || fraction <= current {
		c.mu.Unlock()
		return
	}
	if fraction > 1 {
		fraction = 1
	}
	c.inflight[id] = fraction
	mean, _ := c.progressLocked()
	c.mu.Unlock()
	c.publishProgress(ProgressMsg{Fraction: mean, Active: true})
}

func (c *Channel) endSend(id uint64) {
	c.mu.Lock()
	delete(c.inflight, id)
	fraction, active := c.progressLocked()
	c.mu.Unlock()
	c.publishProgress(ProgressMsg{Fraction: fraction, Active: active})
}

func (c *Channel) progressLocked() (float64, bool) {
	if len(c.inflight) == 0 {
		return 0, false
	}
	var sum float64
	for _, f := range c.inflight {
		sum += f
	}
	return sum / float64(len(c.inflight)), true
}

func (c *Channel) publishProgress(msg ProgressMsg) {
	if c.updates == nil {
		return
	}
	if !msg.Active {
		// the idle transition must not be lost
		c.publish(msg)
		return
	}
	select {
	case c.updates <- msg:
	default:
	}
}

func (c *Channel) publish(msg interface{}) {
	if c.updates == nil {
		return
	}
	select {
	case c.updates <- msg:
	case <-c.closed:
	}
}
