package cli

import (
	"github.com/spf13/cobra"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Forward the latest alert to the relay audience at a throttled cadence",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RunRelay(cmd.Context())
	},
}
