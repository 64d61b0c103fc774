package commands

import (
	"fmt"
	"strings"

	"github.com/SpatiumPortae/roomshare/cmd/roomshare/config"
	"github.com/SpatiumPortae/roomshare/internal/file"
	"github.com/SpatiumPortae/roomshare/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// -------------------------------------------------------- Send -------------------------------------------------------

func Send(version string) *cobra.Command {
	sendCmd := &cobra.Command{
		Use:   "send file1 file2...",
		Short: "Send one or more files to a room",
		Long: "The send command joins a room, streams each file to every participant on the exchange topic " +
			"and prints the stream id of each completed send.",
		Args: cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd, roomFlagBindings)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			lgr, err := setupLoggingFromViper("send")
			if err != nil {
				return err
			}
			defer func() { _ = lgr.Sync() }()

			cnf, err := config.Load()
			if err != nil {
				return err
			}
			if err := validateURL(cnf.URL); err != nil {
				return fmt.Errorf("%w: (%s) is not a valid room url", err, cnf.URL)
			}
			// fail before joining when a file cannot be read
			if _, err := file.InspectAll(args); err != nil {
				return err
			}
			if err := handleSendCommand(version, cnf, args, lgr); err != nil {
				return fmt.Errorf("running send command: %w", err)
			}
			return nil
		},
	}
	addRoomFlags(sendCmd)
	return sendCmd
}

// ------------------------------------------------------ Handlers -----------------------------------------------------

func handleSendCommand(version string, cnf config.Config, paths []string, lgr *zap.Logger) error {
	ctx, cancel := signalContext()
	defer cancel()

	ctrl := session.New(dialerFromConfig(cnf, parseVersion(version), lgr), session.WithLogger(lgr))
	defer ctrl.Close()
	ch, err := joinRoom(ctx, ctrl, cnf, viper.GetString(config.KeyToken), channelOptions(cnf, lgr)...)
	if err != nil {
		return err
	}
	defer ch.Close()

	for _, path := range paths {
		rec, err := ch.Send(ctx, strings.TrimSpace(path))
		if err != nil {
			return err
		}
		if rec == nil {
			lgr.Warn("send completed without a stream id", zap.String("path", path))
			continue
		}
		fmt.Println(rec.ID)
	}
	return nil
}
