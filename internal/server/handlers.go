// handlers.go specifies the http and websocket handlers of the roomshare server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/SpatiumPortae/roomshare/internal/conn"
	"github.com/SpatiumPortae/roomshare/internal/logger"
	"github.com/SpatiumPortae/roomshare/internal/token"
	"github.com/SpatiumPortae/roomshare/protocol/relay"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var validate = validator.New()

type tokenRequest struct {
	Room     string `json:"room" validate:"required,max=256"`
	Identity string `json:"identity" validate:"required,max=256"`
}

type tokenResponse struct {
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

type indexData struct {
	PublicURL string
	Topic     string
}

type grantKey struct{}

// ------------------------------------------------------ Handlers -----------------------------------------------------

//nolint:errcheck
func (s *Server) handleIndex() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lgr := requestLogger(r.Context())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		err := s.templates[indexTemplate].Execute(w, indexData{
			PublicURL: s.currentPublicURL(),
			Topic:     "image-upload",
		})
		if err != nil {
			lgr.Error("rendering index page", zap.Error(err))
		}
	}
}

// handleToken mints a join token for the room and identity in the request body.
//
//nolint:errcheck
func (s *Server) handleToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lgr := requestLogger(r.Context())
		var req tokenRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, tokenResponse{Error: "invalid request body"})
			return
		}
		req.Room, req.Identity = strings.TrimSpace(req.Room), strings.TrimSpace(req.Identity)
		if err := validate.Struct(req); err != nil {
			writeJSON(w, http.StatusBadRequest, tokenResponse{Error: "room and identity are required"})
			return
		}
		signed, err := s.currentMinter().Mint(req.Room, req.Identity)
		switch {
		case errors.Is(err, token.ErrNotConfigured):
			lgr.Warn("token requested without API credentials")
			writeJSON(w, http.StatusServiceUnavailable, tokenResponse{Error: err.Error()})
			return
		case err != nil:
			lgr.Error("minting token", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, tokenResponse{Error: "could not mint token"})
			return
		}
		lgr.Info("minted token", zap.String("room", req.Room), zap.String("identity", req.Identity))
		writeJSON(w, http.StatusOK, tokenResponse{Token: signed})
	}
}

//nolint:errcheck
func (s *Server) ping() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}
}

func (s *Server) handleVersion() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.version)
	}
}

// authorize verifies the access token before the websocket upgrade.
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lgr := requestLogger(r.Context())
		raw := r.URL.Query().Get("access_token")
		if raw == "" {
			raw = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		grant, err := token.Verifier{Secrets: s.secrets}.Verify(raw)
		if err != nil {
			lgr.Warn("rejecting relay connection", zap.Error(err))
			http.Error(w, "invalid access token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), grantKey{}, grant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleJoin returns a websocket handler that joins a participant to a relay room.
func (s *Server) handleJoin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		lgr := requestLogger(ctx)
		c, err := conn.FromContext(ctx)
		if err != nil {
			lgr.Error("getting Conn from request context", zap.Error(err))
			return
		}
		if ws, ok := c.(*conn.WS); ok {
			defer ws.Close("leaving room")
		}
		rc := conn.Relay{Conn: c}
		grant, ok := ctx.Value(grantKey{}).(token.Grant)
		if !ok {
			lgr.Error("missing grant in request context")
			return
		}
		lgr = lgr.With(zap.String("room", grant.Room), zap.String("identity", grant.Identity))

		p := NewParticipant(grant.Identity)
		if err := s.rooms.Join(grant.Room, p); err != nil {
			lgr.Warn("rejecting participant", zap.Error(err))
			_ = rc.WriteMsg(ctx, relay.Msg{
				Type:    relay.RelayToClientReject,
				Payload: relay.Payload{Reason: err.Error()},
			})
			return
		}
		lgr.Info("participant joined", zap.Strings("participants", s.rooms.Participants(grant.Room)))
		var open map[string]struct{}
		defer func() {
			s.rooms.Leave(grant.Room, p)
			s.abortStreams(grant.Room, grant.Identity, open)
			s.announce(grant.Room, relay.ParticipantLeft, grant.Identity)
			lgr.Info("participant left", zap.Int("aborted_streams", len(open)))
		}()

		err = rc.WriteMsg(ctx, relay.Msg{
			Type: relay.RelayToClientJoined,
			Payload: relay.Payload{
				Identity: grant.Identity,
				Room:     grant.Room,
				Version:  s.version,
			},
		})
		if err != nil {
			lgr.Error("sending joined message", zap.Error(err))
			return
		}
		s.announce(grant.Room, relay.ParticipantJoined, grant.Identity)

		// Start writer and forwarder
		wg := sync.WaitGroup{}
		relayCtx, cancel := context.WithCancel(ctx)

		wg.Add(1)
		go s.writer(relayCtx, &wg, rc, p, lgr)
		open = s.forwarder(relayCtx, rc, grant, lgr)

		// make sure the writer terminated before leaving the room
		cancel()
		wg.Wait()
	}
}

// ------------------------------------------------------ Helpers ------------------------------------------------------

// forwarder reads stream messages from the connection, stamps the sender and fans them out
// to the rest of the room. It returns the ids of the streams left without a trailer.
func (s *Server) forwarder(ctx context.Context, rc conn.Relay, grant token.Grant, lgr *zap.Logger) map[string]struct{} {
	forwardLogger := lgr.With(zap.String("component", "forwarder"))
	forwardLogger.Debug("starting forwarder")
	open := make(map[string]struct{})
	for {
		payload, err := rc.ReadRaw(ctx)
		switch {
		case errors.Is(err, io.EOF):
			forwardLogger.Info("connection forcefully closed", zap.Error(err))
			return open
		case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
			websocket.CloseStatus(err) == websocket.StatusGoingAway:
			forwardLogger.Info("connection closed, closing forwarder")
			return open
		case errors.Is(err, context.Canceled):
			forwardLogger.Info("context canceled, closing forwarder")
			return open
		case err != nil:
			forwardLogger.Error("error reading from connection, closing forwarder", zap.Error(err))
			return open
		}

		var msg relay.Msg
		if err := json.Unmarshal(payload, &msg); err != nil {
			forwardLogger.Warn("dropping undecodable message", zap.Error(err))
			continue
		}
		if !msg.Type.IsStream() {
			forwardLogger.Warn("dropping unexpected message", zap.String("type", msg.Type.Name()))
			continue
		}
		switch msg.Type {
		case relay.StreamHeader:
			open[msg.Payload.StreamID] = struct{}{}
		case relay.StreamTrailer:
			delete(open, msg.Payload.StreamID)
		}
		msg.Payload.Sender = grant.Identity
		stamped, err := json.Marshal(msg)
		if err != nil {
			forwardLogger.Error("encoding stamped message", zap.Error(err))
			continue
		}
		s.rooms.Broadcast(grant.Room, grant.Identity, stamped)
	}
}

// writer writes messages queued for p to the connection.
func (s *Server) writer(ctx context.Context, wg *sync.WaitGroup, rc conn.Relay, p *Participant, lgr *zap.Logger) {
	writerLogger := lgr.With(zap.String("component", "writer"))
	writerLogger.Debug("starting writer")
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			writerLogger.Debug("received context done signal")
			return
		case b := <-p.Out:
			if err := rc.WriteRaw(ctx, b); err != nil {
				writerLogger.Error("writing relayed message to connection", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) announce(room string, t relay.MsgType, identity string) {
	b, err := json.Marshal(relay.Msg{Type: t, Payload: relay.Payload{Identity: identity}})
	if err != nil {
		return
	}
	s.rooms.Broadcast(room, identity, b)
}

// abortStreams sends an aborted trailer for every stream identity left open on leaving.
func (s *Server) abortStreams(room, identity string, open map[string]struct{}) {
	for id := range open {
		b, err := json.Marshal(relay.Msg{
			Type:    relay.StreamTrailer,
			Payload: relay.Payload{Sender: identity, StreamID: id, Reason: "sender left the room"},
		})
		if err != nil {
			continue
		}
		s.rooms.Broadcast(room, identity, b)
	}
}

func requestLogger(ctx context.Context) *zap.Logger {
	lgr, err := logger.FromContext(ctx)
	if err != nil {
		return zap.NewNop()
	}
	return lgr
}

//nolint:errcheck
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
