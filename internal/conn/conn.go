package conn

import (
	"context"
	"encoding/json"

	"github.com/SpatiumPortae/roomshare/protocol/relay"
	"nhooyr.io/websocket"
)

// readLimit fits a base64 encoded relay.ChunkSize chunk with room to spare.
const readLimit = 1 << 20

// Conn is an interface that wraps a network connection.
type Conn interface {
	Write(context.Context, []byte) error
	Read(context.Context) ([]byte, error)
}

// ------------------ Conn implementations ------------------

// WS is a wrapper around a websocket connection.
type WS struct {
	Conn *websocket.Conn
}

// NewWS wraps c and raises its read limit for stream chunks.
func NewWS(c *websocket.Conn) *WS {
	c.SetReadLimit(readLimit)
	return &WS{Conn: c}
}

func (ws *WS) Write(ctx context.Context, payload []byte) error {
	return ws.Conn.Write(ctx, websocket.MessageText, payload)
}

func (ws *WS) Read(ctx context.Context) ([]byte, error) {
	_, payload, err := ws.Conn.Read(ctx)
	return payload, err
}

// Close closes the websocket with a normal closure status.
func (ws *WS) Close(reason string) error {
	return ws.Conn.Close(websocket.StatusNormalClosure, reason)
}

// ------------------ Relay Conn ------------------------

// Relay specifies a connection to the relay server.
type Relay struct {
	Conn Conn
}

// WriteMsg writes a relay message to the underlying connection.
func (r Relay) WriteMsg(ctx context.Context, msg relay.Msg) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.Conn.Write(ctx, payload)
}

// ReadMsg reads a relay message from the underlying connection.
// When expected types are provided any other type is an error.
func (r Relay) ReadMsg(ctx context.Context, expected ...relay.MsgType) (relay.Msg, error) {
	b, err := r.Conn.Read(ctx)
	if err != nil {
		return relay.Msg{}, err
	}
	var msg relay.Msg
	if err := json.Unmarshal(b, &msg); err != nil {
		return relay.Msg{}, err
	}
	if len(expected) == 0 {
		return msg, nil
	}
	for _, t := range expected {
		if t == msg.Type {
			return msg, nil
		}
	}
	return relay.Msg{}, relay.Error{Expected: expected, Got: msg.Type}
}

// WriteRaw writes already encoded bytes to the underlying connection.
func (r Relay) WriteRaw(ctx context.Context, b []byte) error {
	return r.Conn.Write(ctx, b)
}

// ReadRaw reads raw bytes from the underlying connection.
func (r Relay) ReadRaw(ctx context.Context) ([]byte, error) {
	return r.Conn.Read(ctx)
}
