package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/SpatiumPortae/roomshare/internal/semver"
	"github.com/spf13/cobra"
)

func Version(version string) *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Display the installed version of roomshare",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			serverURL, _ := cmd.Flags().GetString("server")
			if serverURL == "" {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			serverVer, err := semver.GetServerVersion(ctx, httpBaseURL(serverURL))
			if err != nil {
				return err
			}
			fmt.Printf("server %s\n", serverVer)
			if ver, err := semver.Parse(version); err == nil && !ver.Compatible(serverVer) {
				return fmt.Errorf("incompatible version %s -> %s", ver, serverVer)
			}
			return nil
		},
	}
	versionCmd.Flags().String("server", "", "also query the version of the roomshare server at this url")
	return versionCmd
}
