package commands

import (
	"fmt"

	"github.com/SpatiumPortae/roomshare/cmd/roomshare/config"
	"github.com/SpatiumPortae/roomshare/internal/token"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func Token() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a room access token",
		Long:  "The token command signs a token letting the identity join the room, using LIVEKIT_API_KEY and LIVEKIT_API_SECRET.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			room, _ := cmd.Flags().GetString("room")
			identity, _ := cmd.Flags().GetString("identity")
			if err := validateName(room); err != nil {
				return fmt.Errorf("%w: room (%s)", err, room)
			}
			if err := validateName(identity); err != nil {
				return fmt.Errorf("%w: identity (%s)", err, identity)
			}
			cnf, err := config.Load()
			if err != nil {
				return err
			}
			minter, err := minterFromConfig(cnf)
			if err != nil {
				return err
			}
			signed, err := minter.Mint(room, identity)
			if err != nil {
				return fmt.Errorf("minting token: %w", err)
			}
			fmt.Println(signed)
			return nil
		},
	}
	tokenCmd.Flags().StringP("room", "r", "", "Room the token grants joining")
	tokenCmd.Flags().StringP("identity", "i", "", "Participant identity")
	_ = tokenCmd.MarkFlagRequired("room")
	_ = tokenCmd.MarkFlagRequired("identity")
	return tokenCmd
}

// minterFromConfig builds a minter from the API credentials in the environment.
func minterFromConfig(cnf config.Config) (token.Minter, error) {
	ttl, err := cnf.TTL()
	if err != nil {
		return token.Minter{}, err
	}
	return token.Minter{
		APIKey:    viper.GetString(config.KeyAPIKey),
		APISecret: viper.GetString(config.KeyAPISecret),
		TTL:       ttl,
	}, nil
}
