package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	exportExchange   string
	exportInstrument string
	exportPNGPath    string
	exportSignal     string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Render the alert chart of an instrument to a PNG file",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Exchange:   exportExchange,
			Instrument: exportInstrument,
			PNGPath:    exportPNGPath,
		}

		if exportSignal != "" {
			signal, err := decimal.NewFromString(exportSignal)
			if err != nil {
				return fmt.Errorf("invalid --signal value: %w", err)
			}
			opts.Signal = signal
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportExchange, "exchange", "binance", "Exchange providing the candles")
	exportCmd.Flags().StringVar(&exportInstrument, "instrument", "", "Instrument, e.g. BTC/USDT")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportSignal, "signal", "", "Signal line price (defaults to the current price)")
}
