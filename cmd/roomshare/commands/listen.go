package commands

import (
	"fmt"

	"github.com/SpatiumPortae/roomshare/cmd/roomshare/config"
	"github.com/SpatiumPortae/roomshare/internal/blob"
	"github.com/SpatiumPortae/roomshare/internal/exchange"
	"github.com/SpatiumPortae/roomshare/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ------------------------------------------------------- Listen ------------------------------------------------------

func Listen(version string) *cobra.Command {
	listenCmd := &cobra.Command{
		Use:   "listen",
		Short: "Save every file sent to a room",
		Long: "The listen command joins a room and writes every file received on the exchange topic " +
			"into the receive directory until interrupted.",
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(cmd, roomFlagBindings); err != nil {
				return err
			}
			if err := viper.BindPFlag("receive_dir", cmd.Flags().Lookup("dir")); err != nil {
				return fmt.Errorf("binding dir flag: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			lgr, err := setupLoggingFromViper("listen")
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
			previewAddr, _ := cmd.Flags().GetString("preview")
			if err := handleListenCommand(version, cnf, previewAddr, lgr); err != nil {
				return fmt.Errorf("running listen command: %w", err)
			}
			return nil
		},
	}
	addRoomFlags(listenCmd)
	listenCmd.Flags().StringP("dir", "d", "", "Directory received files are written to")
	listenCmd.Flags().String("preview", "", previewFlagDesc)
	return listenCmd
}

// ------------------------------------------------------ Handlers -----------------------------------------------------

func handleListenCommand(version string, cnf config.Config, previewAddr string, lgr *zap.Logger) error {
	ctx, cancel := signalContext()
	defer cancel()

	store, err := blob.NewDir(cnf.ReceiveDir)
	if err != nil {
		return err
	}
	ctrl := session.New(dialerFromConfig(cnf, parseVersion(version), lgr), session.WithLogger(lgr))
	defer ctrl.Close()

	updates := make(chan interface{}, 64)
	opts := append(channelOptions(cnf, lgr), exchange.WithBlobStore(store), exchange.WithUpdates(updates))
	ch, err := joinRoom(ctx, ctrl, cnf, viper.GetString(config.KeyToken), opts...)
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
	fmt.Printf("listening on %s as %s, saving to %s\n", cnf.URL, ch.Identity(), store.Root)
	printUpdates(ctx, updates)
	return nil
}
