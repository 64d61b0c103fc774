package main

import (
	"fmt"
	"os"

	"github.com/SpatiumPortae/roomshare/cmd/roomshare/commands"
	"github.com/SpatiumPortae/roomshare/cmd/roomshare/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time with -ldflags "-X main.version=vX.Y.Z".
var version = "v0.1.0"

// rootCmd is the top level `roomshare` command on which the other subcommands are attached to.
var rootCmd = &cobra.Command{
	Use:   "roomshare",
	Short: "roomshare exchanges images with everyone in a real-time room.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.BindPFlag("verbose", cmd.Root().PersistentFlags().Lookup("verbose"))
	},
}

// Entry point of the application.
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug information to a file on the format `.roomshare-[command].log` in the current directory")
	rootCmd.AddCommand(commands.Connect(version))
	rootCmd.AddCommand(commands.Send(version))
	rootCmd.AddCommand(commands.Listen(version))
	rootCmd.AddCommand(commands.Token())
	rootCmd.AddCommand(commands.Serve(version))
	rootCmd.AddCommand(commands.Config())
	rootCmd.AddCommand(commands.Version(version))
}

func initConfig() {
	if err := config.Init(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
