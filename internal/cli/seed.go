package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	seedExchange    string
	seedInstruments []string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Warm price histories from recent one-minute candles",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(seedInstruments) == 0 {
			return fmt.Errorf("--instrument must be provided")
		}

		opts := app.SeedOptions{
			Exchange:    seedExchange,
			Instruments: seedInstruments,
		}

		return getApp().Seed(cmd.Context(), opts)
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedExchange, "exchange", "binance", "Exchange to seed")
	seedCmd.Flags().StringSliceVar(&seedInstruments, "instrument", nil, "Instruments to seed, e.g. BTC/USDT")
}
