// Package session owns the connection lifecycle of a single room session.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/SpatiumPortae/roomshare/internal/transport"
	"go.uber.org/zap"
)

type State int

// flows from the top down, never back.
const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrMissingCredentials = errors.New("endpoint and token are required")
	ErrAlreadyConnected   = errors.New("session already connecting or connected")
)

// Credentials are immutable once a connection attempt started.
type Credentials struct {
	Endpoint string
	Token    string
}

// CanConnect reports whether both endpoint and token are non-blank.
func CanConnect(endpoint, token string) bool {
	return strings.TrimSpace(endpoint) != "" && strings.TrimSpace(token) != ""
}

type Option func(*Controller)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithStateListener calls fn after every state transition.
func WithStateListener(fn func(State)) Option {
	return func(c *Controller) {
		c.onState = fn
	}
}

type Controller struct {
	dialer  transport.Dialer
	logger  *zap.Logger
	onState func(State)

	mu    sync.Mutex
	state State
	creds Credentials
	room  transport.Room
}

func New(dialer transport.Dialer, opts ...Option) *Controller {
	c := &Controller{
		dialer:  dialer,
		logger:  zap.NewNop(),
		onState: func(State) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the room once. The state moves Disconnected -> Connecting -> Connected and
// stays Connecting when the dial fails; a session is never retried or reset.
func (c *Controller) Connect(ctx context.Context, endpoint, token string) (transport.Room, error) {
	if !CanConnect(endpoint, token) {
		return nil, ErrMissingCredentials
	}
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	c.creds = Credentials{Endpoint: strings.TrimSpace(endpoint), Token: strings.TrimSpace(token)}
	c.state = Connecting
	creds := c.creds
	c.mu.Unlock()
	c.onState(Connecting)

	logger := c.logger.With(zap.String("endpoint", creds.Endpoint))
	logger.Info("connecting to room")
	room, err := c.dialer.Dial(ctx, creds.Endpoint, creds.Token)
	if err != nil {
		logger.Error("connecting to room", zap.Error(err))
		return nil, fmt.Errorf("connecting to %s: %w", creds.Endpoint, err)
	}

	c.mu.Lock()
	c.room = room
	c.state = Connected
	c.mu.Unlock()
	c.onState(Connected)
	logger.Info("connected to room")
	return room, nil
}

// StartAudio asks the room to begin audio playback. Failures are logged and dropped.
func (c *Controller) StartAudio(ctx context.Context) {
	room := c.Room()
	if room == nil {
		return
	}
	if err := room.StartAudio(ctx); err != nil {
		c.logger.Debug("starting audio", zap.Error(err))
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Credentials() Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// Room returns the mounted room, nil until connected.
func (c *Controller) Room() transport.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Close disconnects the mounted room, if any.
func (c *Controller) Close() {
	c.mu.Lock()
	room := c.room
	c.room = nil
	c.mu.Unlock()
	if room != nil {
		room.Disconnect()
	}
}
