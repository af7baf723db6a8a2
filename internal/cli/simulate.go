package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	simulateExchange   string
	simulateInstrument string
	simulateOld        float64
	simulateNew        float64
	simulateDispatch   bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次价格上涨并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOld <= 0 || simulateNew <= 0 {
			return errors.New("--old 与 --new 必须大于 0")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Exchange:   simulateExchange,
			Instrument: simulateInstrument,
			OldPrice:   decimal.NewFromFloat(simulateOld),
			NewPrice:   decimal.NewFromFloat(simulateNew),
			Dispatch:   simulateDispatch,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateExchange, "exchange", "binance", "Exchange whose threshold applies")
	simulateCmd.Flags().StringVar(&simulateInstrument, "instrument", "BTC/USDT", "Instrument to simulate")
	simulateCmd.Flags().Float64Var(&simulateOld, "old", 0, "参考价（较早的价格）")
	simulateCmd.Flags().Float64Var(&simulateNew, "new", 0, "最新价")
	simulateCmd.Flags().BoolVar(&simulateDispatch, "dispatch", false, "Send through the configured transport and relay mailbox")
}
