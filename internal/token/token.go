// Package token mints and verifies room access tokens. Tokens carry the room join grant in
// the `video` claim and the participant identity as subject, signed HS256 with the API secret.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/livekit/protocol/auth"
)

const DefaultTTL = 6 * time.Hour

var (
	ErrNotConfigured   = errors.New("API key/secret not configured")
	ErrMissingRoom     = errors.New("room is required")
	ErrMissingIdentity = errors.New("identity is required")
	ErrNoRoomGrant     = errors.New("token does not grant joining a room")
	ErrUnknownKey      = errors.New("token signed with an unknown API key")
)

// Minter issues join tokens for a single API key pair.
type Minter struct {
	APIKey    string
	APISecret string
	TTL       time.Duration
}

// Configured reports whether both key and secret are set.
func (m Minter) Configured() bool {
	return m.APIKey != "" && m.APISecret != ""
}

// Mint returns a signed token letting identity join room.
func (m Minter) Mint(room, identity string) (string, error) {
	if !m.Configured() {
		return "", ErrNotConfigured
	}
	room, identity = strings.TrimSpace(room), strings.TrimSpace(identity)
	if room == "" {
		return "", ErrMissingRoom
	}
	if identity == "" {
		return "", ErrMissingIdentity
	}
	ttl := m.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	at := auth.NewAccessToken(m.APIKey, m.APISecret)
	at.AddGrant(&auth.VideoGrant{
		RoomJoin: true,
		Room:     room,
	})
	at.SetIdentity(identity)
	at.SetValidFor(ttl)
	signed, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Grant is what a verified token allows.
type Grant struct {
	Identity string
	Name     string
	Room     string
}

type videoClaim struct {
	RoomJoin bool   `json:"roomJoin,omitempty"`
	Room     string `json:"room,omitempty"`
}

type claims struct {
	jwt.RegisteredClaims
	Name  string      `json:"name,omitempty"`
	Video *videoClaim `json:"video,omitempty"`
}

// Verifier checks tokens against a set of API keys and their secrets.
type Verifier struct {
	Secrets func(apiKey string) (string, bool)
}

// StaticSecrets serves a single key pair.
func StaticSecrets(apiKey, apiSecret string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if key == "" || key != apiKey || apiSecret == "" {
			return "", false
		}
		return apiSecret, true
	}
}

// Verify parses raw and returns the grant it carries.
func (v Verifier) Verify(raw string) (Grant, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
		iss, err := t.Claims.GetIssuer()
		if err != nil {
			return nil, err
		}
		secret, ok := v.Secrets(iss)
		if !ok {
			return nil, ErrUnknownKey
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(10*time.Second))
	if err != nil {
		return Grant{}, fmt.Errorf("verifying token: %w", err)
	}
	if c.Video == nil || !c.Video.RoomJoin || c.Video.Room == "" {
		return Grant{}, ErrNoRoomGrant
	}
	if c.Subject == "" {
		return Grant{}, ErrMissingIdentity
	}
	return Grant{Identity: c.Subject, Name: c.Name, Room: c.Video.Room}, nil
}
