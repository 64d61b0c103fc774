package relay_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/SpatiumPortae/roomshare/internal/conn"
	"github.com/SpatiumPortae/roomshare/internal/exchange"
	"github.com/SpatiumPortae/roomshare/internal/semver"
	"github.com/SpatiumPortae/roomshare/internal/server"
	"github.com/SpatiumPortae/roomshare/internal/token"
	"github.com/SpatiumPortae/roomshare/internal/transport"
	"github.com/SpatiumPortae/roomshare/internal/transport/relay"
	protocol "github.com/SpatiumPortae/roomshare/protocol/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var minter = token.Minter{APIKey: "devkey", APISecret: "relay-test-secret-of-decent-length"}

type delivery struct {
	info   transport.StreamInfo
	sender string
	data   []byte
	err    error
}

func startRelay(t *testing.T) string {
	t.Helper()
	s, err := server.NewServer(server.Config{Relay: true, Minter: minter, Logger: zap.NewNop()}, semver.Version{Major: 1})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func join(t *testing.T, endpoint, room, identity string) transport.Room {
	t.Helper()
	tok, err := minter.Mint(room, identity)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := relay.Dialer{}.Dial(ctx, endpoint, tok)
	require.NoError(t, err)
	t.Cleanup(r.Disconnect)
	return r
}

func collect(t *testing.T, r transport.Room, topic string) <-chan delivery {
	t.Helper()
	out := make(chan delivery, 4)
	err := r.RegisterStreamHandler(topic, func(reader transport.StreamReader, sender transport.SenderInfo) {
		var buf bytes.Buffer
		for {
			chunk, err := reader.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				out <- delivery{err: err}
				return
			}
			buf.Write(chunk)
		}
		out <- delivery{info: reader.Info(), sender: sender.Identity, data: buf.Bytes()}
	})
	require.NoError(t, err)
	return out
}

func await(t *testing.T, c <-chan delivery) delivery {
	t.Helper()
	select {
	case d := <-c:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream")
		return delivery{}
	}
}

func writeFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func TestRelay(t *testing.T) {
	endpoint := startRelay(t)
	ctx := context.Background()

	t.Run("stream reaches other participant", func(t *testing.T) {
		alice := join(t, endpoint, "r1", "alice")
		bob := join(t, endpoint, "r1", "bob")
		got := collect(t, bob, exchange.Topic)

		path, data := writeFile(t, "big.png", 40000)
		var fractions []float64
		desc, err := alice.LocalParticipant().SendFile(ctx, path, transport.SendOptions{
			Topic:      exchange.Topic,
			MimeType:   "image/png",
			Name:       "big.png",
			OnProgress: func(f float64) { fractions = append(fractions, f) },
		})
		require.NoError(t, err)
		assert.NotEmpty(t, desc.ID)

		d := await(t, got)
		require.NoError(t, d.err)
		assert.Equal(t, "alice", d.sender)
		assert.Equal(t, desc.ID, d.info.ID)
		assert.Equal(t, "big.png", d.info.Name)
		assert.Equal(t, "image/png", d.info.MimeType)
		assert.Equal(t, int64(40000), d.info.Size)
		assert.Equal(t, data, d.data)
		require.NotEmpty(t, fractions)
		assert.Equal(t, 1.0, fractions[len(fractions)-1])
		assert.IsNonDecreasing(t, fractions)
	})

	t.Run("rooms are isolated and topics filtered", func(t *testing.T) {
		alice := join(t, endpoint, "r2", "alice")
		bob := join(t, endpoint, "r2", "bob")
		eve := join(t, endpoint, "r3", "eve")
		bobGot := collect(t, bob, exchange.Topic)
		eveGot := collect(t, eve, exchange.Topic)

		path, _ := writeFile(t, "a.bin", 10)
		_, err := alice.LocalParticipant().SendFile(ctx, path, transport.SendOptions{Topic: "chat"})
		require.NoError(t, err)
		_, err = alice.LocalParticipant().SendFile(ctx, path, transport.SendOptions{Topic: exchange.Topic})
		require.NoError(t, err)

		d := await(t, bobGot)
		assert.Equal(t, exchange.Topic, d.info.Topic)
		assert.Equal(t, "a.bin", d.info.Name)
		select {
		case <-bobGot:
			t.Fatal("stream on another topic delivered")
		case <-eveGot:
			t.Fatal("stream crossed rooms")
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("handler registration", func(t *testing.T) {
		r := join(t, endpoint, "r4", "carol")
		noop := func(transport.StreamReader, transport.SenderInfo) {}
		assert.NoError(t, r.RegisterStreamHandler("t", noop))
		assert.ErrorIs(t, r.RegisterStreamHandler("t", noop), transport.ErrHandlerRegistered)
		assert.NoError(t, r.UnregisterStreamHandler("t"))
		assert.ErrorIs(t, r.UnregisterStreamHandler("t"), transport.ErrNoHandler)
		assert.ErrorIs(t, r.StartAudio(ctx), transport.ErrAudioUnsupported)
	})

	t.Run("disconnect drops local participant", func(t *testing.T) {
		tok, err := minter.Mint("r5", "dave")
		require.NoError(t, err)
		r, err := relay.Dialer{}.Dial(ctx, endpoint, tok)
		require.NoError(t, err)
		assert.NotNil(t, r.LocalParticipant())
		r.Disconnect()
		r.Disconnect()
		assert.Nil(t, r.LocalParticipant())
	})

	t.Run("invalid token", func(t *testing.T) {
		_, err := relay.Dialer{}.Dial(ctx, endpoint, "garbage")
		assert.Error(t, err)
	})

	t.Run("duplicate identity", func(t *testing.T) {
		join(t, endpoint, "r6", "frank")
		tok, err := minter.Mint("r6", "frank")
		require.NoError(t, err)
		_, err = relay.Dialer{}.Dial(ctx, endpoint, tok)
		assert.ErrorIs(t, err, relay.ErrRejected)
	})

	t.Run("incompatible version", func(t *testing.T) {
		tok, err := minter.Mint("r7", "gina")
		require.NoError(t, err)
		_, err = relay.Dialer{Version: &semver.Version{Major: 2}}.Dial(ctx, endpoint, tok)
		assert.ErrorIs(t, err, relay.ErrIncompatible)
	})

	t.Run("sender leaving aborts its open streams", func(t *testing.T) {
		bob := join(t, endpoint, "r9", "bob")
		got := collect(t, bob, exchange.Topic)

		tok, err := minter.Mint("r9", "hank")
		require.NoError(t, err)
		ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(endpoint, "http")+"/rtc?access_token="+tok, nil)
		require.NoError(t, err)
		rc := conn.Relay{Conn: conn.NewWS(ws)}
		_, err = rc.ReadMsg(ctx, protocol.RelayToClientJoined)
		require.NoError(t, err)

		content := bytes.Repeat([]byte("x"), 100)
		for _, msg := range []protocol.Msg{
			{Type: protocol.StreamHeader, Payload: protocol.Payload{StreamID: "whole", Topic: exchange.Topic, Name: "whole.png", Size: 100}},
			{Type: protocol.StreamChunk, Payload: protocol.Payload{StreamID: "whole", Content: content}},
			{Type: protocol.StreamTrailer, Payload: protocol.Payload{StreamID: "whole"}},
			{Type: protocol.StreamHeader, Payload: protocol.Payload{StreamID: "half", Topic: exchange.Topic, Name: "half.png", Size: 200}},
			{Type: protocol.StreamChunk, Payload: protocol.Payload{StreamID: "half", Content: content}},
		} {
			require.NoError(t, rc.WriteMsg(ctx, msg))
		}
		_ = ws.Close(websocket.StatusNormalClosure, "leaving")

		var complete, aborted []delivery
		for i := 0; i < 2; i++ {
			d := await(t, got)
			if d.err != nil {
				aborted = append(aborted, d)
			} else {
				complete = append(complete, d)
			}
		}
		require.Len(t, complete, 1)
		assert.Equal(t, "whole.png", complete[0].info.Name)
		assert.Equal(t, content, complete[0].data)
		require.Len(t, aborted, 1)
		assert.Contains(t, aborted[0].err.Error(), "sender left the room")
	})

	t.Run("exchange channels", func(t *testing.T) {
		alice := join(t, endpoint, "r8", "alice")
		bob := join(t, endpoint, "r8", "bob")
		updates := make(chan interface{}, 64)
		aliceC := exchange.New(alice)
		bobC := exchange.New(bob, exchange.WithUpdates(updates))
		t.Cleanup(aliceC.Close)
		t.Cleanup(bobC.Close)
		require.NoError(t, aliceC.Open())
		require.NoError(t, bobC.Open())

		path, data := writeFile(t, "photo.jpg", 20000)
		sent, err := aliceC.Send(ctx, path)
		require.NoError(t, err)
		require.NotNil(t, sent)

		deadline := time.After(5 * time.Second)
		for {
			select {
			case msg := <-updates:
				rec, ok := msg.(exchange.RecordMsg)
				if !ok {
					continue
				}
				assert.Equal(t, sent.ID, rec.Record.ID)
				assert.Equal(t, "alice", rec.Record.Origin)
				assert.Equal(t, "photo.jpg", rec.Record.Name)
				rc, _, err := bobC.Blobs().Open(rec.Record.Handle)
				require.NoError(t, err)
				got, _ := io.ReadAll(rc)
				rc.Close()
				assert.Equal(t, data, got)
				assert.Len(t, aliceC.Records(), 1)
				return
			case <-deadline:
				t.Fatal("record never arrived")
			}
		}
	})
}

func TestJoinURL(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"http://localhost:8080", "ws://localhost:8080/rtc?access_token=t"},
		{"https://relay.example/", "wss://relay.example/rtc?access_token=t"},
		{"ws://relay.example/base", "ws://relay.example/base/rtc?access_token=t"},
		{"localhost:8080", "ws://localhost:8080/rtc?access_token=t"},
	}
	for _, tc := range tests {
		t.Run(tc.endpoint, func(t *testing.T) {
			got, err := relay.JoinURL(tc.endpoint, "t")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
	t.Run("bad scheme", func(t *testing.T) {
		_, err := relay.JoinURL("ftp://x", "t")
		assert.Error(t, err)
	})
}
