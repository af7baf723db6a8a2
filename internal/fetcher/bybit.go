package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// BybitOptions parameterise the Bybit linear-perpetual client.
type BybitOptions struct {
	BaseURL string
	Quote   string
	Timeout time.Duration
}

// Bybit fetches USDT perpetual prices from the v5 market API.
type Bybit struct {
	rest   restClient
	quote  string
	logger zerolog.Logger
}

// NewBybit constructs a Bybit price source.
func NewBybit(opts BybitOptions, logger zerolog.Logger) *Bybit {
	quote := strings.ToUpper(opts.Quote)
	if quote == "" {
		quote = "USDT"
	}
	return &Bybit{
		rest:   newRESTClient("bybit", opts.BaseURL, "https://api.bybit.com", opts.Timeout),
		quote:  quote,
		logger: logger.With().Str("component", "bybit_fetcher").Logger(),
	}
}

// Name implements PriceSource.
func (b *Bybit) Name() string {
	return "bybit"
}

type bybitEnvelope[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  T      `json:"result"`
}

type bybitTickers struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"list"`
}

type bybitKlines struct {
	List [][]string `json:"list"`
}

// FetchCurrentPrices implements PriceSource.
func (b *Bybit) FetchCurrentPrices(ctx context.Context) (map[string]decimal.NullDecimal, error) {
	var resp bybitEnvelope[bybitTickers]
	if err := b.rest.getJSON(ctx, "/v5/market/tickers", url.Values{"category": {"linear"}}, &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("bybit tickers: %s (code %d)", resp.RetMsg, resp.RetCode)
	}

	prices := make(map[string]decimal.NullDecimal, len(resp.Result.List))
	for _, item := range resp.Result.List {
		base, ok := strings.CutSuffix(item.Symbol, b.quote)
		if !ok || base == "" {
			continue
		}
		key := InstrumentKey(base, b.quote)
		if item.LastPrice == "" {
			prices[key] = decimal.NullDecimal{}
			continue
		}
		price, err := decimal.NewFromString(item.LastPrice)
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
func (b *Bybit) FetchHistoricalClose(ctx context.Context, instrument string, timeframe Timeframe, since time.Time) (decimal.Decimal, error) {
	candles, err := b.FetchCandles(ctx, instrument, timeframe, since, 1)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return firstClose(candles, instrument)
}

// FetchCandles implements CandleSource. Bybit lists candles newest first; the result is ascending.
func (b *Bybit) FetchCandles(ctx context.Context, instrument string, timeframe Timeframe, since time.Time, limit int) ([]Candle, error) {
	base, quote, err := SplitInstrument(instrument)
	if err != nil {
		return nil, err
	}
	interval, err := bybitInterval(timeframe)
	if err != nil {
		return nil, err
	}

	query := url.Values{
		"category": {"linear"},
		"symbol":   {base + quote},
		"interval": {interval},
		"start":    {strconv.FormatInt(since.UnixMilli(), 10)},
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
		// without an end bound bybit returns the latest candles
		end := since.Add(time.Duration(limit) * timeframe.Duration())
		query.Set("end", strconv.FormatInt(end.UnixMilli()-1, 10))
	}

	var resp bybitEnvelope[bybitKlines]
	if err := b.rest.getJSON(ctx, "/v5/market/kline", query, &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("bybit kline %s: %s (code %d)", instrument, resp.RetMsg, resp.RetCode)
	}

	rows := lo.Filter(resp.Result.List, func(row []string, _ int) bool { return len(row) >= 6 })
	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		openMs, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bybit kline %s: parse start time: %w", instrument, err)
		}
		candle, err := parseCandle(time.UnixMilli(openMs), row[1], row[2], row[3], row[4], row[5])
		if err != nil {
			return nil, fmt.Errorf("bybit kline %s: %w", instrument, err)
		}
		candles = append(candles, candle)
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime.Before(candles[j].OpenTime) })
	return candles, nil
}

func bybitInterval(tf Timeframe) (string, error) {
	switch tf {
	case Timeframe1m:
		return "1", nil
	case Timeframe5m:
		return "5", nil
	case Timeframe15m:
		return "15", nil
	case Timeframe1h:
		return "60", nil
	}
	return "", fmt.Errorf("bybit: unsupported timeframe %q", tf)
}

var _ Exchange = (*Bybit)(nil)
