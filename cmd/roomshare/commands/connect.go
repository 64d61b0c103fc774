package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/SpatiumPortae/roomshare/cmd/roomshare/config"
	session_tui "github.com/SpatiumPortae/roomshare/cmd/roomshare/tui/session"
	"github.com/SpatiumPortae/roomshare/internal/exchange"
	"github.com/SpatiumPortae/roomshare/internal/preview"
	"github.com/SpatiumPortae/roomshare/internal/session"
	"github.com/erikgeiser/promptkit/textinput"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ------------------------------------------------------ Connect ------------------------------------------------------

func Connect(version string) *cobra.Command {
	connectCmd := &cobra.Command{
		Use:   "connect",
		Short: "Join a room and exchange images",
		Long: "The connect command joins a room with an access token. Files picked in the session are streamed " +
			"to every participant and files sent by others show up in the session history.",
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(cmd, roomFlagBindings); err != nil {
				return err
			}
			if err := viper.BindPFlag("tui_style", cmd.Flags().Lookup("tui-style")); err != nil {
				return fmt.Errorf("binding tui-style flag: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			lgr, err := setupLoggingFromViper("connect")
			if err != nil {
				return err
			}
			defer func() { _ = lgr.Sync() }()

			if err := promptMissingCredentials(); err != nil {
				return err
			}
			cnf, err := config.Load()
			if err != nil {
				return err
			}
			if err := validateURL(cnf.URL); err != nil {
				return fmt.Errorf("%w: (%s) is not a valid room url", err, cnf.URL)
			}
			previewAddr, _ := cmd.Flags().GetString("preview")

			ctx, cancel := signalContext()
			defer cancel()
			switch cnf.TuiStyle {
			case config.StyleRich:
				if err := handleConnectCommand(ctx, version, cnf, previewAddr, lgr); err != nil {
					return fmt.Errorf("running rich connect command: %w", err)
				}
			case config.StyleRaw:
				if err := handleConnectCommandRaw(ctx, version, cnf, previewAddr, lgr); err != nil {
					return fmt.Errorf("running raw connect command: %w", err)
				}
			default:
				return errors.New("invalid tui style provided")
			}
			return nil
		},
	}
	addRoomFlags(connectCmd)
	connectCmd.Flags().String("preview", "", previewFlagDesc)
	connectCmd.Flags().StringP("tui-style", "s", "", tuiStyleFlagDesc)
	return connectCmd
}

// ------------------------------------------------------ Handlers -----------------------------------------------------

// handleConnectCommand is the rich session application.
func handleConnectCommand(ctx context.Context, version string, cnf config.Config, previewAddr string, lgr *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ver := parseVersion(version)
	ctrl := session.New(dialerFromConfig(cnf, ver, lgr), session.WithLogger(lgr))
	defer ctrl.Close()

	updates := make(chan interface{}, 64)
	channels := make(chan *exchange.Channel, 1)
	connect := func(ctx context.Context) (*exchange.Channel, error) {
		ch, err := joinRoom(ctx, ctrl, cnf, viper.GetString(config.KeyToken),
			append(channelOptions(cnf, lgr), exchange.WithUpdates(updates))...)
		if err != nil {
			return nil, err
		}
		channels <- ch
		if previewAddr != "" {
			if err := startPreview(ctx, previewAddr, cnf.URL, ch, lgr); err != nil {
				return nil, err
			}
		}
		return ch, nil
	}

	opts := []session_tui.Option{
		session_tui.WithContext(ctx),
		session_tui.WithUpdates(updates),
		session_tui.WithAudio(ctrl.StartAudio),
	}
	if ver != nil {
		opts = append(opts, session_tui.WithVersion(*ver, httpBaseURL(cnf.URL)))
	}
	if previewAddr != "" {
		base := previewBaseURL(previewAddr)
		opts = append(opts, session_tui.WithLink(func(rec exchange.Record) string {
			return base + "/blob/" + rec.ID
		}))
	}

	prog := session_tui.New(cnf.URL, connect, opts...)
	_, err := prog.Run()
	cancel()
	select {
	case ch := <-channels:
		ch.Close()
	default:
	}
	if err != nil {
		return fmt.Errorf("running session tui: %w", err)
	}
	fmt.Println("")
	return nil
}

// audioCommand read from stdin unmutes the room audio in raw mode.
const audioCommand = "/audio"

// handleConnectCommandRaw joins the room and sends every path read from stdin.
func handleConnectCommandRaw(ctx context.Context, version string, cnf config.Config, previewAddr string, lgr *zap.Logger) error {
	ctrl := session.New(dialerFromConfig(cnf, parseVersion(version), lgr), session.WithLogger(lgr))
	defer ctrl.Close()

	updates := make(chan interface{}, 64)
	ch, err := joinRoom(ctx, ctrl, cnf, viper.GetString(config.KeyToken),
		append(channelOptions(cnf, lgr), exchange.WithUpdates(updates))...)
	if err != nil {
		return err
	}
	defer ch.Close()
	if previewAddr != "" {
		if err := startPreview(ctx, previewAddr, cnf.URL, ch, lgr); err != nil {
			return err
		}
		fmt.Printf("gallery at %s\n", previewBaseURL(previewAddr))
	}
	fmt.Printf("connected to %s as %s\n", cnf.URL, ch.Identity())
	go printUpdates(ctx, updates)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			path := strings.TrimSpace(line)
			if path == audioCommand {
				ctrl.StartAudio(ctx)
				continue
			}
			rec, err := ch.Send(ctx, path)
			switch {
			case err != nil:
				fmt.Fprintf(os.Stderr, "sending %s: %v\n", path, err)
			case rec != nil:
				fmt.Printf("sent %s as %s\n", rec.Name, rec.ID)
			}
		}
	}
}

// printUpdates prints inbound records and receive failures until ctx is done.
func printUpdates(ctx context.Context, updates <-chan interface{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-updates:
			switch v := msg.(type) {
			case exchange.RecordMsg:
				if v.Record.Local() {
					continue
				}
				fmt.Printf("received %s from %s (%s, %d bytes)\n", v.Record.Name, v.Record.Origin, v.Record.MimeType, v.Record.Size)
			case exchange.ErrorMsg:
				fmt.Fprintf(os.Stderr, "receiving file: %v\n", v.Err)
			}
		}
	}
}

// ------------------------------------------------------ Helpers ------------------------------------------------------

// promptMissingCredentials asks for the room url and token when neither flags,
// environment nor config provide them.
func promptMissingCredentials() error {
	if strings.TrimSpace(viper.GetString("url")) == "" {
		input := textinput.New("Room URL:")
		input.Placeholder = "wss://my-project.livekit.cloud"
		input.Validate = validateURL
		u, err := input.RunPrompt()
		if err != nil {
			return fmt.Errorf("reading room url: %w", err)
		}
		viper.Set("url", strings.TrimSpace(u))
	}
	if strings.TrimSpace(viper.GetString(config.KeyToken)) == "" {
		input := textinput.New("Access token:")
		input.Placeholder = "eyJhbGciOi..."
		input.Hidden = true
		input.Validate = func(s string) error {
			if strings.TrimSpace(s) == "" {
				return session.ErrMissingCredentials
			}
			return nil
		}
		t, err := input.RunPrompt()
		if err != nil {
			return fmt.Errorf("reading access token: %w", err)
		}
		viper.Set(config.KeyToken, strings.TrimSpace(t))
	}
	return nil
}

// startPreview serves the gallery of ch until ctx is done.
func startPreview(ctx context.Context, addr, title string, ch *exchange.Channel, lgr *zap.Logger) error {
	srv, err := preview.New(addr, title, ch.Records, ch.Blobs(), lgr)
	if err != nil {
		return fmt.Errorf("creating gallery preview: %w", err)
	}
	go func() {
		if err := srv.Start(ctx); err != nil {
			lgr.Error("serving gallery preview", zap.Error(err))
		}
	}()
	return nil
}

func previewBaseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
