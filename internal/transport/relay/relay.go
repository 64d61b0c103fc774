// Package relay is a transport joining rooms on the roomshare development relay. It carries
// byte streams only, audio is not relayed.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/SpatiumPortae/roomshare/internal/conn"
	"github.com/SpatiumPortae/roomshare/internal/semver"
	"github.com/SpatiumPortae/roomshare/internal/transport"
	"github.com/SpatiumPortae/roomshare/protocol/relay"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var (
	ErrRejected     = errors.New("relay rejected the join")
	ErrIncompatible = errors.New("incompatible relay version")
)

// Dialer joins relay rooms. When Version is set the relay must share its major version.
type Dialer struct {
	Logger  *zap.Logger
	Version *semver.Version
}

func (d Dialer) Dial(ctx context.Context, endpoint, token string) (transport.Room, error) {
	lgr := d.Logger
	if lgr == nil {
		lgr = zap.NewNop()
	}
	u, err := JoinURL(endpoint, token)
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay: %w", err)
	}
	wsc := conn.NewWS(ws)
	rc := conn.Relay{Conn: wsc}

	msg, err := rc.ReadMsg(ctx, relay.RelayToClientJoined, relay.RelayToClientReject)
	if err != nil {
		_ = wsc.Close("handshake failed")
		return nil, fmt.Errorf("joining room: %w", err)
	}
	if msg.Type == relay.RelayToClientReject {
		_ = wsc.Close("rejected")
		return nil, fmt.Errorf("%w: %s", ErrRejected, msg.Payload.Reason)
	}
	if d.Version != nil && msg.Payload.Version != nil && !d.Version.Compatible(*msg.Payload.Version) {
		_ = wsc.Close("incompatible version")
		return nil, fmt.Errorf("%w: client %s, relay %s", ErrIncompatible, d.Version, msg.Payload.Version)
	}

	r := newRoom(wsc, msg.Payload.Identity, msg.Payload.Room, lgr)
	go r.readLoop()
	return r, nil
}

// JoinURL builds the websocket URL of the relay join endpoint.
func JoinURL(endpoint, token string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.Contains(endpoint, "://") {
		endpoint = "ws://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing relay endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay endpoint %q has no host", endpoint)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/rtc"
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Room is a joined relay room.
type Room struct {
	ws       *conn.WS
	rc       conn.Relay
	identity string
	name     string
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]transport.StreamHandler
	closed   bool

	// owned by readLoop
	streams map[string]*streamReader
}

func newRoom(ws *conn.WS, identity, name string, lgr *zap.Logger) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	return &Room{
		ws:       ws,
		rc:       conn.Relay{Conn: ws},
		identity: identity,
		name:     name,
		logger:   lgr.With(zap.String("room", name), zap.String("identity", identity)),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		handlers: make(map[string]transport.StreamHandler),
		streams:  make(map[string]*streamReader),
	}
}

// Name returns the room name granted by the token.
func (r *Room) Name() string {
	return r.name
}

func (r *Room) LocalParticipant() transport.LocalParticipant {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	return &localParticipant{room: r}
}

func (r *Room) RegisterStreamHandler(topic string, handler transport.StreamHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[topic]; ok {
		return transport.ErrHandlerRegistered
	}
	r.handlers[topic] = handler
	return nil
}

func (r *Room) UnregisterStreamHandler(topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[topic]; !ok {
		return transport.ErrNoHandler
	}
	delete(r.handlers, topic)
	return nil
}

func (r *Room) StartAudio(context.Context) error {
	return transport.ErrAudioUnsupported
}

// Disconnect leaves the room and fails every stream still being received.
func (r *Room) Disconnect() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.cancel()
		_ = r.ws.Close("disconnect")
		<-r.done
	})
}

func (r *Room) handler(topic string) transport.StreamHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[topic]
}

func (r *Room) write(ctx context.Context, msg relay.Msg) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.rc.WriteMsg(ctx, msg); err != nil {
		if r.ctx.Err() != nil {
			return transport.ErrClosed
		}
		return err
	}
	return nil
}

func (r *Room) readLoop() {
	defer close(r.done)
	defer func() {
		for id, s := range r.streams {
			s.close(transport.ErrClosed)
			delete(r.streams, id)
		}
	}()
	for {
		msg, err := r.rc.ReadMsg(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				r.logger.Debug("read loop stopped")
			} else {
				r.logger.Warn("reading from relay", zap.Error(err))
			}
			r.mu.Lock()
			r.closed = true
			r.mu.Unlock()
			return
		}
		r.dispatch(msg)
	}
}

func (r *Room) dispatch(msg relay.Msg) {
	p := msg.Payload
	switch msg.Type {
	case relay.StreamHeader:
		h := r.handler(p.Topic)
		if h == nil {
			r.logger.Debug("no handler for topic, ignoring stream", zap.String("topic", p.Topic), zap.String("stream_id", p.StreamID))
			return
		}
		s := newStreamReader(transport.StreamInfo{
			ID:         p.StreamID,
			Topic:      p.Topic,
			MimeType:   p.MimeType,
			Name:       p.Name,
			Size:       p.Size,
			Attributes: p.Attributes,
		})
		r.streams[p.StreamID] = s
		go h(s, transport.SenderInfo{Identity: p.Sender})
	case relay.StreamChunk:
		if s, ok := r.streams[p.StreamID]; ok {
			s.push(p.Content)
		}
	case relay.StreamTrailer:
		s, ok := r.streams[p.StreamID]
		if !ok {
			return
		}
		delete(r.streams, p.StreamID)
		if p.Reason != "" {
			s.close(fmt.Errorf("stream aborted by sender: %s", p.Reason))
			return
		}
		s.close(io.EOF)
	case relay.ParticipantJoined:
		r.logger.Info("participant joined", zap.String("participant", p.Identity))
	case relay.ParticipantLeft:
		r.logger.Info("participant left", zap.String("participant", p.Identity))
	default:
		r.logger.Debug("ignoring message", zap.String("type", msg.Type.Name()))
	}
}

type localParticipant struct {
	room *Room
}

func (p *localParticipant) Identity() string {
	return p.room.identity
}

// SendFile streams the file at path in relay.ChunkSize slices.
func (p *localParticipant) SendFile(ctx context.Context, path string, opts transport.SendOptions) (transport.StreamDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return transport.StreamDescriptor{}, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return transport.StreamDescriptor{}, fmt.Errorf("reading file info: %w", err)
	}
	name := opts.Name
	if name == "" {
		name = filepath.Base(path)
	}
	progress := opts.OnProgress
	if progress == nil {
		progress = func(float64) {}
	}

	id := uuid.NewString()
	err = p.room.write(ctx, relay.Msg{
		Type: relay.StreamHeader,
		Payload: relay.Payload{
			StreamID: id,
			Topic:    opts.Topic,
			MimeType: opts.MimeType,
			Name:     name,
			Size:     stat.Size(),
		},
	})
	if err != nil {
		return transport.StreamDescriptor{}, fmt.Errorf("writing stream header: %w", err)
	}

	buf := make([]byte, relay.ChunkSize)
	var sent int64
	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			err := p.room.write(ctx, relay.Msg{
				Type:    relay.StreamChunk,
				Payload: relay.Payload{StreamID: id, Content: buf[:n]},
			})
			if err != nil {
				return transport.StreamDescriptor{}, fmt.Errorf("writing stream chunk: %w", err)
			}
			sent += int64(n)
			if stat.Size() > 0 {
				progress(float64(sent) / float64(stat.Size()))
			}
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			_ = p.room.write(ctx, relay.Msg{
				Type:    relay.StreamTrailer,
				Payload: relay.Payload{StreamID: id, Reason: "read error"},
			})
			return transport.StreamDescriptor{}, fmt.Errorf("reading file: %w", readErr)
		}
	}

	err = p.room.write(ctx, relay.Msg{
		Type:    relay.StreamTrailer,
		Payload: relay.Payload{StreamID: id},
	})
	if err != nil {
		return transport.StreamDescriptor{}, fmt.Errorf("writing stream trailer: %w", err)
	}
	progress(1)
	return transport.StreamDescriptor{ID: id}, nil
}
