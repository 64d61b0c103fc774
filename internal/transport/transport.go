// Package transport defines the capability set roomshare needs from a real-time room:
// joining with a token, streaming files to the room on a topic, receiving topic-scoped
// byte streams from remote participants and starting audio playback.
package transport

import (
	"context"
	"errors"
)

var (
	ErrHandlerRegistered = errors.New("a stream handler is already registered for this topic")
	ErrNoHandler         = errors.New("no stream handler registered for this topic")
	ErrAudioUnsupported  = errors.New("transport does not carry audio")
	ErrClosed            = errors.New("room connection closed")
)

// StreamInfo describes an inbound byte stream. Size is zero when the sender did not announce it.
type StreamInfo struct {
	ID         string
	Topic      string
	MimeType   string
	Name       string
	Size       int64
	Attributes map[string]string
}

// StreamReader yields the chunks of a single inbound byte stream. Next returns io.EOF once
// the stream is complete, any other error means the stream failed. A reader cannot be restarted.
type StreamReader interface {
	Info() StreamInfo
	Next() ([]byte, error)
	OnProgress(fn func(fraction float64))
}

// SenderInfo identifies the participant a stream came from.
type SenderInfo struct {
	Identity string
}

type StreamHandler func(reader StreamReader, sender SenderInfo)

type SendOptions struct {
	Topic      string
	MimeType   string
	Name       string
	OnProgress func(fraction float64)
}

// StreamDescriptor is returned once an outbound stream completed.
type StreamDescriptor struct {
	ID string
}

type LocalParticipant interface {
	Identity() string
	SendFile(ctx context.Context, path string, opts SendOptions) (StreamDescriptor, error)
}

// Room is a joined room.
type Room interface {
	// LocalParticipant returns nil until the local participant has joined.
	LocalParticipant() LocalParticipant
	RegisterStreamHandler(topic string, handler StreamHandler) error
	UnregisterStreamHandler(topic string) error
	StartAudio(ctx context.Context) error
	Disconnect()
}

type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (Room, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, endpoint, token string) (Room, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint, token string) (Room, error) {
	return f(ctx, endpoint, token)
}
