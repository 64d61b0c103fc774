package relay

import (
	"fmt"
	"strings"

	"github.com/SpatiumPortae/roomshare/internal/semver"
)

// ChunkSize is the maximum content carried by a single StreamChunk message.
const ChunkSize = 15000

type MsgType int

const (
	RelayToClientJoined MsgType = iota // Token accepted, client joined the room
	RelayToClientReject                // Join refused, reason in payload
	StreamHeader                       // A byte stream opens, metadata in payload
	StreamChunk                        // Next slice of a byte stream
	StreamTrailer                      // Stream complete, or aborted when Reason is set
	ParticipantJoined                  // Another participant joined the room
	ParticipantLeft                    // Another participant left the room
)

type Msg struct {
	Type    MsgType `json:"type"`
	Payload Payload `json:"payload,omitempty"`
}

// Payload is shared by every message type. Sender is stamped by the relay on stream messages.
type Payload struct {
	Identity   string            `json:"identity,omitempty"`
	Room       string            `json:"room,omitempty"`
	Version    *semver.Version   `json:"version,omitempty"`
	Sender     string            `json:"sender,omitempty"`
	StreamID   string            `json:"stream_id,omitempty"`
	Topic      string            `json:"topic,omitempty"`
	MimeType   string            `json:"mime_type,omitempty"`
	Name       string            `json:"name,omitempty"`
	Size       int64             `json:"size,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Content    []byte            `json:"content,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

type Error struct {
	Expected []MsgType
	Got      MsgType
}

func (e Error) Error() string {
	var expectedMessageTypes []string
	for _, expectedType := range e.Expected {
		expectedMessageTypes = append(expectedMessageTypes, expectedType.Name())
	}
	oneOfExpected := strings.Join(expectedMessageTypes, ", ")
	return fmt.Sprintf("wrong message type, expected one of: (%s), got: (%s)", oneOfExpected, e.Got.Name())
}

func (t MsgType) Name() string {
	switch t {
	case RelayToClientJoined:
		return "RelayToClientJoined"
	case RelayToClientReject:
		return "RelayToClientReject"
	case StreamHeader:
		return "StreamHeader"
	case StreamChunk:
		return "StreamChunk"
	case StreamTrailer:
		return "StreamTrailer"
	case ParticipantJoined:
		return "ParticipantJoined"
	case ParticipantLeft:
		return "ParticipantLeft"
	default:
		return ""
	}
}

// IsStream reports whether t belongs to a byte stream and is fanned out by the relay.
func (t MsgType) IsStream() bool {
	return t == StreamHeader || t == StreamChunk || t == StreamTrailer
}
