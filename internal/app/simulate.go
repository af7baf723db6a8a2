package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/alerting"
	"pricewatch/internal/fetcher"
	"pricewatch/internal/history"
	"pricewatch/internal/service"
	"pricewatch/internal/storage"
)

// SimulateAlert runs one detection over a synthetic two-sample history. With
// Dispatch set the alert goes through the configured transport and relay mailbox,
// otherwise the rendered caption is printed.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !opts.OldPrice.IsPositive() || !opts.NewPrice.IsPositive() {
		return errors.New("--old 与 --new 必须大于 0")
	}
	if _, _, err := fetcher.SplitInstrument(opts.Instrument); err != nil {
		return err
	}

	source := newStaticSource(opts.Exchange, opts.Instrument, opts.OldPrice, opts.NewPrice, time.Now().UTC())
	store := history.NewStore(history.Options{Namespace: opts.Exchange}, a.Logger)
	store.Upsert(opts.Instrument, opts.OldPrice)
	store.Upsert(opts.Instrument, opts.NewPrice)

	var (
		dispatcher service.AlertDispatcher = &printDispatcher{out: os.Stdout}
		backend    storage.Backend
	)
	if opts.Dispatch {
		b, err := a.openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()
		backend = b
		if dispatcher, err = a.newDispatcher(b); err != nil {
			return err
		}
	}

	detector, err := a.newDetector(opts.Exchange, source, store, dispatcher, backend)
	if err != nil {
		return err
	}
	fired, err := detector.Scan(ctx)
	if err != nil {
		return err
	}
	if fired == 0 {
		return fmt.Errorf("no crossing: %s -> %s does not reach the configured threshold", opts.OldPrice, opts.NewPrice)
	}
	return nil
}

type printDispatcher struct {
	out io.Writer
}

func (p *printDispatcher) Dispatch(ctx context.Context, alert alerting.Alert) error {
	_, err := fmt.Fprintf(p.out, "%s\n\n(image: %d bytes)\n", alert.Message, len(alert.Image))
	return err
}

// staticSource serves a linear price path from old to new for one instrument.
type staticSource struct {
	name       string
	instrument string
	oldPrice   decimal.Decimal
	newPrice   decimal.Decimal
	now        time.Time
}

func newStaticSource(name, instrument string, oldPrice, newPrice decimal.Decimal, now time.Time) *staticSource {
	return &staticSource{name: name, instrument: instrument, oldPrice: oldPrice, newPrice: newPrice, now: now}
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) FetchCurrentPrices(ctx context.Context) (map[string]decimal.NullDecimal, error) {
	return map[string]decimal.NullDecimal{s.instrument: decimal.NewNullDecimal(s.newPrice)}, nil
}

func (s *staticSource) FetchHistoricalClose(ctx context.Context, instrument string, timeframe fetcher.Timeframe, since time.Time) (decimal.Decimal, error) {
	return s.oldPrice, nil
}

func (s *staticSource) FetchCandles(ctx context.Context, instrument string, timeframe fetcher.Timeframe, since time.Time, limit int) ([]fetcher.Candle, error) {
	if limit < 2 {
		limit = 2
	}
	step := s.newPrice.Sub(s.oldPrice).Div(decimal.NewFromInt(int64(limit - 1)))
	candles := make([]fetcher.Candle, limit)
	for i := range candles {
		price := s.oldPrice.Add(step.Mul(decimal.NewFromInt(int64(i))))
		candles[i] = fetcher.Candle{
			OpenTime: since.Add(time.Duration(i) * timeframe.Duration()),
			Open:     price,
			High:     price,
			Low:      price,
			Close:    price,
		}
	}
	return candles, nil
}

var _ fetcher.Exchange = (*staticSource)(nil)
