package commands

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/SpatiumPortae/roomshare/cmd/roomshare/config"
	"github.com/SpatiumPortae/roomshare/internal/exchange"
	"github.com/SpatiumPortae/roomshare/internal/logger"
	"github.com/SpatiumPortae/roomshare/internal/semver"
	"github.com/SpatiumPortae/roomshare/internal/session"
	"github.com/SpatiumPortae/roomshare/internal/transport"
	"github.com/SpatiumPortae/roomshare/internal/transport/livekit"
	"github.com/SpatiumPortae/roomshare/internal/transport/relay"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	urlFlagDesc       = "Room server URL, e.g. wss://my-project.livekit.cloud (env LIVEKIT_URL)"
	tokenFlagDesc     = "Room access token (env LIVEKIT_TOKEN)"
	transportFlagDesc = "Room transport (livekit|relay)"
	previewFlagDesc   = "Serve a gallery of the exchanged files on this address, e.g. :8081"
	tuiStyleFlagDesc  = "Style of the tui (rich|raw)"
)

var validate = validator.New()

var (
	ErrInvalidURL  = errors.New("invalid room url provided")
	ErrInvalidName = errors.New("invalid room or identity name provided")
)

// validateURL accepts absolute ws, wss, http and https URLs.
func validateURL(u string) error {
	if err := validate.Var(u, "required,url"); err != nil {
		return ErrInvalidURL
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return ErrInvalidURL
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
		return nil
	default:
		return ErrInvalidURL
	}
}

// validateName checks room names and identities.
func validateName(name string) error {
	if err := validate.Var(strings.TrimSpace(name), "required,max=128,printascii"); err != nil {
		return ErrInvalidName
	}
	return nil
}

// setupLoggingFromViper returns a file logger when verbose is set, a no-op logger otherwise.
func setupLoggingFromViper(cmd string) (*zap.Logger, error) {
	if viper.GetBool("verbose") {
		lgr, err := logger.NewFile(fmt.Sprintf(".roomshare-%s.log", cmd))
		if err != nil {
			return nil, fmt.Errorf("could not log to the provided file: %w", err)
		}
		return lgr.With(zap.String("command", cmd)), nil
	}
	return zap.NewNop(), nil
}

// bindFlags binds flags to viper keys, skipping flags the command does not define.
func bindFlags(cmd *cobra.Command, bindings map[string]string) error {
	for key, flag := range bindings {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding %s flag: %w", flag, err)
		}
	}
	return nil
}

func addRoomFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("url", "u", "", urlFlagDesc)
	cmd.Flags().StringP("token", "t", "", tokenFlagDesc)
	cmd.Flags().String("transport", "", transportFlagDesc)
}

var roomFlagBindings = map[string]string{
	"url":           "url",
	config.KeyToken: "token",
	"transport":     "transport",
}

func dialerFromConfig(cnf config.Config, ver *semver.Version, lgr *zap.Logger) transport.Dialer {
	switch cnf.Transport {
	case config.TransportRelay:
		return relay.Dialer{Logger: lgr, Version: ver}
	default:
		return livekit.Dialer{Logger: lgr}
	}
}

func channelOptions(cnf config.Config, lgr *zap.Logger) []exchange.Option {
	return []exchange.Option{
		exchange.WithTopic(cnf.Topic),
		exchange.WithLogger(lgr),
		exchange.WithHistorySize(cnf.HistorySize),
		exchange.WithMaxConcurrentSends(cnf.MaxConcurrentSends),
	}
}

// joinRoom connects a new session and opens an exchange channel on it.
func joinRoom(ctx context.Context, ctrl *session.Controller, cnf config.Config, token string, opts ...exchange.Option) (*exchange.Channel, error) {
	room, err := ctrl.Connect(ctx, cnf.URL, token)
	if err != nil {
		return nil, err
	}
	ch := exchange.New(room, opts...)
	if err := ch.Open(); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// httpBaseURL maps a websocket room URL onto the HTTP origin of the same server.
func httpBaseURL(roomURL string) string {
	u, err := url.Parse(roomURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path, u.RawQuery = "", ""
	return u.String()
}

func parseVersion(version string) *semver.Version {
	ver, err := semver.Parse(version)
	if err != nil {
		return nil
	}
	return &ver
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
