package cli

import (
	"github.com/spf13/cobra"
)

var runExchanges []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the price watchers (poller and detector per exchange)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context(), runExchanges)
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runExchanges, "exchange", nil, "Exchanges to watch (defaults to every enabled exchange)")
}
