package app

import (
	"context"
	"errors"
	"time"

	"pricewatch/internal/fetcher"
)

// Seed warms the rolling histories from the most recent one-minute candles so the
// detector does not have to wait a full window after a cold start.
func (a *App) Seed(ctx context.Context, opts SeedOptions) error {
	if len(opts.Instruments) == 0 {
		return errors.New("至少需要一个 --instrument")
	}

	source, err := a.newExchange(opts.Exchange)
	if err != nil {
		return err
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	store := a.newHistory(opts.Exchange, backend)
	if err := store.Load(ctx); err != nil {
		return err
	}

	window := store.Capacity()
	since := time.Now().UTC().Add(-time.Duration(window) * time.Minute)

	seeded := 0
	failed := 0
	for _, instrument := range opts.Instruments {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		candles, err := source.FetchCandles(ctx, instrument, fetcher.Timeframe1m, since, window)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("instrument", instrument).Msg("预热失败")
			continue
		}
		store.Reset(instrument)
		// Oldest first, so the newest close ends up at index 0.
		for _, candle := range candles {
			store.Upsert(instrument, candle.Close)
		}
		seeded++
	}

	if err := store.Persist(ctx); err != nil {
		return err
	}

	a.Logger.Info().Int("seeded", seeded).Int("failed", failed).Msg("预热完成")
	if failed > 0 {
		return errors.New("部分品种预热失败，请检查日志")
	}
	return nil
}
