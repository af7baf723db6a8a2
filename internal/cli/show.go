package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	showExchange string
	showAlerts   int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display stored price histories and the relay state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showAlerts < 0 {
			return fmt.Errorf("--alerts cannot be negative")
		}

		opts := app.ShowOptions{
			Exchange: showExchange,
			Alerts:   showAlerts,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showExchange, "exchange", "binance", "Exchange whose histories are shown")
	showCmd.Flags().IntVar(&showAlerts, "alerts", 10, "Number of recent alerts to display when the backend records them")
}
