package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const kucoinOK = "200000"

// KuCoinOptions parameterise the KuCoin futures client.
type KuCoinOptions struct {
	BaseURL string
	Quote   string
	Timeout time.Duration
}

// KuCoin fetches perpetual contract prices from the KuCoin futures API.
type KuCoin struct {
	rest   restClient
	quote  string
	logger zerolog.Logger

	mu        sync.RWMutex
	contracts map[string]string // instrument -> contract symbol
}

// NewKuCoin constructs a KuCoin price source.
func NewKuCoin(opts KuCoinOptions, logger zerolog.Logger) *KuCoin {
	quote := strings.ToUpper(opts.Quote)
	if quote == "" {
		quote = "USDT"
	}
	return &KuCoin{
		rest:      newRESTClient("kucoin", opts.BaseURL, "https://api-futures.kucoin.com", opts.Timeout),
		quote:     quote,
		logger:    logger.With().Str("component", "kucoin_fetcher").Logger(),
		contracts: make(map[string]string),
	}
}

// Name implements PriceSource.
func (k *KuCoin) Name() string {
	return "kucoin"
}

type kucoinEnvelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

type kucoinContract struct {
	Symbol         string              `json:"symbol"`
	BaseCurrency   string              `json:"baseCurrency"`
	QuoteCurrency  string              `json:"quoteCurrency"`
	LastTradePrice decimal.NullDecimal `json:"lastTradePrice"`
}

// FetchCurrentPrices implements PriceSource.
func (k *KuCoin) FetchCurrentPrices(ctx context.Context) (map[string]decimal.NullDecimal, error) {
	var resp kucoinEnvelope[[]kucoinContract]
	if err := k.rest.getJSON(ctx, "/api/v1/contracts/active", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Code != kucoinOK {
		return nil, fmt.Errorf("kucoin contracts: %s (code %s)", resp.Msg, resp.Code)
	}

	prices := make(map[string]decimal.NullDecimal, len(resp.Data))
	contracts := make(map[string]string, len(resp.Data))
	for _, c := range resp.Data {
		if !strings.EqualFold(c.QuoteCurrency, k.quote) || c.BaseCurrency == "" {
			continue
		}
		key := InstrumentKey(c.BaseCurrency, c.QuoteCurrency)
		contracts[key] = c.Symbol
		prices[key] = c.LastTradePrice
	}

	k.mu.Lock()
	k.contracts = contracts
	k.mu.Unlock()
	return prices, nil
}

// FetchHistoricalClose implements PriceSource.
func (k *KuCoin) FetchHistoricalClose(ctx context.Context, instrument string, timeframe Timeframe, since time.Time) (decimal.Decimal, error) {
	candles, err := k.FetchCandles(ctx, instrument, timeframe, since, 1)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return firstClose(candles, instrument)
}

// FetchCandles implements CandleSource.
func (k *KuCoin) FetchCandles(ctx context.Context, instrument string, timeframe Timeframe, since time.Time, limit int) ([]Candle, error) {
	symbol, err := k.contractSymbol(instrument)
	if err != nil {
		return nil, err
	}
	step := timeframe.Duration()
	if step <= 0 {
		return nil, fmt.Errorf("kucoin: unsupported timeframe %q", timeframe)
	}

	query := url.Values{
		"symbol":      {symbol},
		"granularity": {strconv.Itoa(int(step / time.Minute))},
		"from":        {strconv.FormatInt(since.UnixMilli(), 10)},
	}
	if limit > 0 {
		query.Set("to", strconv.FormatInt(since.Add(time.Duration(limit)*step).UnixMilli()-1, 10))
	}

	var resp kucoinEnvelope[[][]decimal.Decimal]
	if err := k.rest.getJSON(ctx, "/api/v1/kline/query", query, &resp); err != nil {
		return nil, err
	}
	if resp.Code != kucoinOK {
		return nil, fmt.Errorf("kucoin kline %s: %s (code %s)", instrument, resp.Msg, resp.Code)
	}

	candles := make([]Candle, 0, len(resp.Data))
	for _, row := range resp.Data {
		if len(row) < 6 {
			continue
		}
		candles = append(candles, Candle{
			OpenTime: time.UnixMilli(row[0].IntPart()),
			Open:     row[1],
			High:     row[2],
			Low:      row[3],
			Close:    row[4],
			Volume:   row[5],
		})
		if limit > 0 && len(candles) == limit {
			break
		}
	}
	return candles, nil
}

func (k *KuCoin) contractSymbol(instrument string) (string, error) {
	k.mu.RLock()
	symbol, ok := k.contracts[instrument]
	k.mu.RUnlock()
	if ok {
		return symbol, nil
	}

	base, quote, err := SplitInstrument(instrument)
	if err != nil {
		return "", err
	}
	if base == "BTC" {
		base = "XBT"
	}
	return base + quote + "M", nil
}

var _ Exchange = (*KuCoin)(nil)
