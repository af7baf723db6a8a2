package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// BinanceOptions parameterise the Binance spot client.
type BinanceOptions struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Quote     string
	Timeout   time.Duration
}

// Binance fetches spot prices through go-binance.
type Binance struct {
	client *binance.Client
	quote  string
	logger zerolog.Logger
}

// NewBinance constructs a Binance price source.
func NewBinance(opts BinanceOptions, logger zerolog.Logger) *Binance {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := binance.NewClient(opts.APIKey, opts.APISecret)
	if baseURL := strings.TrimRight(opts.BaseURL, "/"); baseURL != "" {
		client.BaseURL = baseURL
	}
	client.HTTPClient = &http.Client{Timeout: timeout}

	quote := strings.ToUpper(opts.Quote)
	if quote == "" {
		quote = "USDT"
	}

	return &Binance{
		client: client,
		quote:  quote,
		logger: logger.With().Str("component", "binance_fetcher").Logger(),
	}
}

// Name implements PriceSource.
func (b *Binance) Name() string {
	return "binance"
}

// FetchCurrentPrices lists last prices of every <BASE><QUOTE> spot symbol.
func (b *Binance) FetchCurrentPrices(ctx context.Context) (map[string]decimal.NullDecimal, error) {
	symbols, err := b.client.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance list prices: %w", err)
	}

	quoted := lo.Filter(symbols, func(item *binance.SymbolPrice, _ int) bool {
		return item != nil && strings.HasSuffix(item.Symbol, b.quote) && len(item.Symbol) > len(b.quote)
	})

	prices := make(map[string]decimal.NullDecimal, len(quoted))
	for _, item := range quoted {
		key := InstrumentKey(strings.TrimSuffix(item.Symbol, b.quote), b.quote)
		price, err := decimal.NewFromString(item.Price)
		if err != nil {
			b.logger.Debug().Err(err).Str("symbol", item.Symbol).Msg("unparseable price")
			prices[key] = decimal.NullDecimal{}
			continue
		}
		prices[key] = decimal.NewNullDecimal(price)
	}
	return prices, nil
}

// FetchHistoricalClose implements PriceSource.
func (b *Binance) FetchHistoricalClose(ctx context.Context, instrument string, timeframe Timeframe, since time.Time) (decimal.Decimal, error) {
	candles, err := b.FetchCandles(ctx, instrument, timeframe, since, 1)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return firstClose(candles, instrument)
}

// FetchCandles implements CandleSource.
func (b *Binance) FetchCandles(ctx context.Context, instrument string, timeframe Timeframe, since time.Time, limit int) ([]Candle, error) {
	base, quote, err := SplitInstrument(instrument)
	if err != nil {
		return nil, err
	}

	svc := b.client.NewKlinesService().
		Symbol(base + quote).
		Interval(string(timeframe)).
		StartTime(since.UnixMilli())
	if limit > 0 {
		svc = svc.Limit(limit)
	}

	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s: %w", instrument, err)
	}

	candles := make([]Candle, 0, len(klines))
	for _, k := range klines {
		candle, err := parseCandle(time.UnixMilli(k.OpenTime), k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			return nil, fmt.Errorf("binance kline %s: %w", instrument, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func parseCandle(openTime time.Time, open, high, low, closePrice, volume string) (Candle, error) {
	values := make([]decimal.Decimal, 5)
	for i, raw := range []string{open, high, low, closePrice, volume} {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return Candle{}, fmt.Errorf("parse candle value %q: %w", raw, err)
		}
		values[i] = v
	}
	return Candle{
		OpenTime: openTime,
		Open:     values[0],
		High:     values[1],
		Low:      values[2],
		Close:    values[3],
		Volume:   values[4],
	}, nil
}

var _ Exchange = (*Binance)(nil)
