package commands

import (
	"fmt"

	"github.com/SpatiumPortae/roomshare/cmd/roomshare/config"
	"github.com/SpatiumPortae/roomshare/internal/logger"
	"github.com/SpatiumPortae/roomshare/internal/semver"
	"github.com/SpatiumPortae/roomshare/internal/server"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func Serve(version string) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the token server",
		Long: "The serve command serves the token endpoint and the browser sender page. " +
			"With --relay it also hosts a development room relay.",
		Args: cobra.MatchAll(cobra.ExactArgs(0), cobra.NoArgs),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd, map[string]string{
				"serve_port":    "port",
				"relay_enabled": "relay",
				"public_url":    "public-url",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ver, err := semver.Parse(version)
			if err != nil {
				return fmt.Errorf("server requires version to be set: %w", err)
			}
			cnf, err := config.Load()
			if err != nil {
				return err
			}
			minter, err := minterFromConfig(cnf)
			if err != nil {
				return err
			}
			lgr := logger.New()
			defer func() { _ = lgr.Sync() }()
			if !minter.Configured() {
				lgr.Warn("LIVEKIT_API_KEY/LIVEKIT_API_SECRET not set, token minting disabled")
			}

			srv, err := server.NewServer(server.Config{
				Port:      cnf.ServePort,
				PublicURL: cnf.PublicURL,
				Relay:     cnf.RelayEnabled,
				Minter:    minter,
				Logger:    lgr,
			}, ver)
			if err != nil {
				return fmt.Errorf("creating server: %w", err)
			}

			viper.OnConfigChange(func(e fsnotify.Event) {
				if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
					return
				}
				reloaded, err := config.Load()
				if err != nil {
					lgr.Error("reloading configuration", zap.String("file", e.Name), zap.Error(err))
					return
				}
				m, err := minterFromConfig(reloaded)
				if err != nil {
					lgr.Error("reloading configuration", zap.String("file", e.Name), zap.Error(err))
					return
				}
				srv.SetMinter(m)
				srv.SetPublicURL(reloaded.PublicURL)
				lgr.Info("configuration reloaded", zap.String("file", e.Name), zap.Duration("token_ttl", m.TTL))
			})
			viper.WatchConfig()

			ctx, cancel := signalContext()
			defer cancel()
			return srv.Start(ctx)
		},
	}
	serveCmd.Flags().IntP("port", "p", 0, "port to run the roomshare server on")
	serveCmd.Flags().Bool("relay", false, "also serve the development room relay at /rtc")
	serveCmd.Flags().String("public-url", "", "room url advertised on the sender page")
	return serveCmd
}
