package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoCandles is returned when the exchange has no candle for the requested window.
var ErrNoCandles = errors.New("fetcher: no candles returned")

// Timeframe is a candle interval such as 1m or 5m.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
)

// Duration converts the timeframe into a time.Duration; unknown values map to zero.
func (t Timeframe) Duration() time.Duration {
	switch t {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	}
	return 0
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// PriceSource supplies last-trade prices and historical closes for one exchange.
type PriceSource interface {
	Name() string
	// FetchCurrentPrices returns every instrument quoted in the configured quote currency.
	// Instruments the exchange reports without a price are present with Valid=false.
	FetchCurrentPrices(ctx context.Context) (map[string]decimal.NullDecimal, error)
	// FetchHistoricalClose returns the close of the first candle opening at or after since.
	FetchHistoricalClose(ctx context.Context, instrument string, timeframe Timeframe, since time.Time) (decimal.Decimal, error)
}

// CandleSource supplies candle ranges, used for chart rendering.
type CandleSource interface {
	FetchCandles(ctx context.Context, instrument string, timeframe Timeframe, since time.Time, limit int) ([]Candle, error)
}

// Exchange is a complete exchange client.
type Exchange interface {
	PriceSource
	CandleSource
}

// InstrumentKey builds the BASE/QUOTE key used throughout the engine.
func InstrumentKey(base, quote string) string {
	return strings.ToUpper(base) + "/" + strings.ToUpper(quote)
}

// SplitInstrument splits a BASE/QUOTE key.
func SplitInstrument(instrument string) (string, string, error) {
	base, quote, ok := strings.Cut(instrument, "/")
	if !ok || base == "" || quote == "" {
		return "", "", fmt.Errorf("invalid instrument %q, expected BASE/QUOTE", instrument)
	}
	return base, quote, nil
}

func firstClose(candles []Candle, instrument string) (decimal.Decimal, error) {
	if len(candles) == 0 {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", instrument, ErrNoCandles)
	}
	if candles[0].Close.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("%s: historical close is zero", instrument)
	}
	return candles[0].Close, nil
}
