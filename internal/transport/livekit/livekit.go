// Package livekit joins LiveKit rooms through the LiveKit server SDK.
package livekit

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/SpatiumPortae/roomshare/internal/transport"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const readSize = 64 * 1024

// Dialer connects to a LiveKit server. Remote tracks are not subscribed until StartAudio.
type Dialer struct {
	Logger *zap.Logger
}

type connectResult struct {
	room *lksdk.Room
	err  error
}

func (d Dialer) Dial(ctx context.Context, url, token string) (transport.Room, error) {
	lgr := d.Logger
	if lgr == nil {
		lgr = zap.NewNop()
	}
	r := &Room{
		logger: lgr,
		topics: make(map[string]struct{}),
		gone:   make(chan struct{}),
	}
	callbacks := &lksdk.RoomCallback{
		OnDisconnected: func() {
			r.logger.Info("disconnected from room")
			r.markClosed()
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackPublished:  r.onTrackPublished,
			OnTrackSubscribed: r.onTrackSubscribed,
		},
	}

	// the SDK connect is not cancellable, so it runs aside and is torn down if ctx wins
	resC := make(chan connectResult, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(url, token, callbacks, lksdk.WithAutoSubscribe(false))
		resC <- connectResult{room: room, err: err}
	}()
	select {
	case res := <-resC:
		if res.err != nil {
			return nil, fmt.Errorf("connecting to livekit: %w", res.err)
		}
		r.mu.Lock()
		r.lk = res.room
		r.mu.Unlock()
		r.logger = lgr.With(zap.String("room", res.room.Name()), zap.String("identity", res.room.LocalParticipant.Identity()))
		r.logger.Info("connected to room")
		return r, nil
	case <-ctx.Done():
		go func() {
			if res := <-resC; res.room != nil {
				res.room.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

// Room wraps a connected LiveKit room.
type Room struct {
	logger   *zap.Logger
	once     sync.Once
	goneOnce sync.Once
	gone     chan struct{}

	mu     sync.Mutex
	lk     *lksdk.Room
	topics map[string]struct{}
	audio  bool
	closed bool
}

func (r *Room) LocalParticipant() transport.LocalParticipant {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.lk == nil || r.lk.LocalParticipant == nil {
		return nil
	}
	return &localParticipant{lp: r.lk.LocalParticipant, gone: r.gone}
}

func (r *Room) RegisterStreamHandler(topic string, handler transport.StreamHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.topics[topic]; ok {
		return transport.ErrHandlerRegistered
	}
	err := r.lk.RegisterByteStreamHandler(topic, func(reader *lksdk.ByteStreamReader, identity string) {
		handler(newStreamReader(reader), transport.SenderInfo{Identity: identity})
	})
	if err != nil {
		return fmt.Errorf("registering byte stream handler: %w", err)
	}
	r.topics[topic] = struct{}{}
	return nil
}

func (r *Room) UnregisterStreamHandler(topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.topics[topic]; !ok {
		return transport.ErrNoHandler
	}
	r.lk.UnregisterByteStreamHandler(topic)
	delete(r.topics, topic)
	return nil
}

// StartAudio subscribes every remote audio track, now and as they are published.
func (r *Room) StartAudio(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return transport.ErrClosed
	}
	r.audio = true
	lk := r.lk
	r.mu.Unlock()

	var firstErr error
	for _, p := range lk.GetRemoteParticipants() {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, pub := range p.TrackPublications() {
			if pub.Kind() != lksdk.TrackKindAudio {
				continue
			}
			remotePub, ok := pub.(*lksdk.RemoteTrackPublication)
			if !ok || remotePub.IsSubscribed() {
				continue
			}
			if err := remotePub.SetSubscribed(true); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("subscribing audio of %s: %w", p.Identity(), err)
			}
		}
	}
	return firstErr
}

func (r *Room) Disconnect() {
	r.once.Do(func() {
		r.markClosed()
		r.mu.Lock()
		lk := r.lk
		r.mu.Unlock()
		if lk != nil {
			lk.Disconnect()
		}
	})
}

func (r *Room) markClosed() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.goneOnce.Do(func() { close(r.gone) })
}

func (r *Room) audioStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audio
}

func (r *Room) onTrackPublished(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if pub.Kind() != lksdk.TrackKindAudio || !r.audioStarted() {
		return
	}
	if err := pub.SetSubscribed(true); err != nil {
		r.logger.Warn("subscribing published audio", zap.String("participant", rp.Identity()), zap.Error(err))
	}
}

// onTrackSubscribed drains subscribed audio so the track keeps flowing; the CLI has no output device.
func (r *Room) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	lgr := r.logger.With(zap.String("participant", rp.Identity()), zap.String("track", pub.SID()))
	lgr.Info("playing remote audio")
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				lgr.Debug("audio track ended", zap.Error(err))
				return
			}
		}
	}()
}

type localParticipant struct {
	lp   *lksdk.LocalParticipant
	gone <-chan struct{}
}

func (p *localParticipant) Identity() string {
	return p.lp.Identity()
}

// SendFile streams path to the room and returns once every chunk went out. A cancelled ctx
// closes the stream early.
func (p *localParticipant) SendFile(ctx context.Context, path string, opts transport.SendOptions) (transport.StreamDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return transport.StreamDescriptor{}, fmt.Errorf("reading file: %w", err)
	}
	counter := newSendCounter(int64(len(data)), opts.OnProgress)
	streamOpts := lksdk.StreamBytesOptions{
		Topic:      opts.Topic,
		MimeType:   opts.MimeType,
		TotalSize:  uint64(len(data)),
		OnProgress: counter.add,
	}
	if opts.Name != "" {
		name := opts.Name
		streamOpts.FileName = &name
	}
	writer := p.lp.StreamBytes(streamOpts)

	done := make(chan struct{})
	onDone := func() {
		writer.Close()
		close(done)
	}
	go writer.Write(data, &onDone)

	select {
	case <-done:
		// the writer stops early when the room closes underneath it
		if !counter.complete() {
			return transport.StreamDescriptor{}, fmt.Errorf("sending file: %w", transport.ErrClosed)
		}
		counter.finish()
		return transport.StreamDescriptor{ID: writer.Info.Id}, nil
	case <-p.gone:
		return transport.StreamDescriptor{}, fmt.Errorf("sending file: %w", transport.ErrClosed)
	case <-ctx.Done():
		writer.Close()
		return transport.StreamDescriptor{}, ctx.Err()
	}
}

// sendCounter turns the per-chunk fractions of the SDK into a cumulative fraction.
type sendCounter struct {
	mu     sync.Mutex
	total  int64
	sent   int64
	report func(float64)
}

func newSendCounter(total int64, report func(float64)) *sendCounter {
	if report == nil {
		report = func(float64) {}
	}
	return &sendCounter{total: total, report: report}
}

func (c *sendCounter) add(fraction float64) {
	c.mu.Lock()
	c.sent += int64(math.Round(fraction * float64(c.total)))
	if c.sent > c.total {
		c.sent = c.total
	}
	sent := c.sent
	c.mu.Unlock()
	if c.total > 0 {
		c.report(float64(sent) / float64(c.total))
	}
}

func (c *sendCounter) complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent >= c.total
}

func (c *sendCounter) finish() {
	c.report(1)
}

type streamReader struct {
	reader io.Reader
	info   transport.StreamInfo

	mu       sync.Mutex
	received int64
	progress func(float64)
}

func newStreamReader(reader *lksdk.ByteStreamReader) *streamReader {
	info := transport.StreamInfo{
		ID:         reader.Info.Id,
		Topic:      reader.Info.Topic,
		MimeType:   reader.Info.MimeType,
		Attributes: reader.Info.Attributes,
	}
	if reader.Info.Name != nil {
		info.Name = *reader.Info.Name
	}
	if reader.Info.Size != nil {
		info.Size = int64(*reader.Info.Size)
	}
	return newReader(reader, info)
}

func newReader(reader io.Reader, info transport.StreamInfo) *streamReader {
	return &streamReader{reader: reader, info: info, progress: func(float64) {}}
}

func (s *streamReader) Info() transport.StreamInfo {
	return s.info
}

func (s *streamReader) OnProgress(fn func(float64)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.progress = fn
	s.mu.Unlock()
}

func (s *streamReader) Next() ([]byte, error) {
	buf := make([]byte, readSize)
	for {
		n, err := s.reader.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.received += int64(n)
			progress, received := s.progress, s.received
			s.mu.Unlock()
			if s.info.Size > 0 {
				progress(float64(received) / float64(s.info.Size))
			}
			// a final chunk is handed out before its error
			return buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}
