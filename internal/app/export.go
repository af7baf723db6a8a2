package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Export renders the alert chart of one instrument to a PNG file.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.Instrument == "" || opts.PNGPath == "" {
		return errors.New("--instrument and --png must be provided")
	}

	source, err := a.newExchange(opts.Exchange)
	if err != nil {
		return err
	}

	signal := opts.Signal
	if signal.IsZero() {
		prices, err := source.FetchCurrentPrices(ctx)
		if err != nil {
			return fmt.Errorf("fetch current price: %w", err)
		}
		current, ok := prices[opts.Instrument]
		if !ok || !current.Valid {
			return fmt.Errorf("no current price for %s", opts.Instrument)
		}
		signal = current.Decimal
	}

	image, err := a.newChart(source).Render(ctx, opts.Instrument, signal)
	if err != nil {
		return err
	}

	if err := ensureDir(opts.PNGPath); err != nil {
		return err
	}
	if err := os.WriteFile(opts.PNGPath, image, 0o644); err != nil {
		return err
	}

	a.Logger.Info().Str("instrument", opts.Instrument).Str("path", opts.PNGPath).Int("bytes", len(image)).Msg("chart exported")
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
