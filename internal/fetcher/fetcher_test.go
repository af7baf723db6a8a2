package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestSplitInstrument(t *testing.T) {
	base, quote, err := SplitInstrument("BTC/USDT")
	if err != nil || base != "BTC" || quote != "USDT" {
		t.Fatalf("unexpected split: %s %s %v", base, quote, err)
	}
	if _, _, err := SplitInstrument("BTCUSDT"); err == nil {
		t.Fatal("缺少分隔符时应返回错误")
	}
}

func TestBinanceFetchCurrentPricesFiltersQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/price" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"symbol": "BTCUSDT", "price": "65000.10"},
			{"symbol": "ETHBTC", "price": "0.05"},
			{"symbol": "DOGEUSDT", "price": "not-a-number"},
		})
	}))
	defer srv.Close()

	b := NewBinance(BinanceOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	prices, err := b.FetchCurrentPrices(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(prices) != 2 {
		t.Fatalf("expected 2 USDT instruments, got %d", len(prices))
	}
	if p := prices["BTC/USDT"]; !p.Valid || !p.Decimal.Equal(decimal.RequireFromString("65000.10")) {
		t.Fatalf("unexpected BTC price %v", p)
	}
	if p := prices["DOGE/USDT"]; p.Valid {
		t.Fatalf("unparseable price should be null, got %v", p)
	}
}

func TestBinanceHistoricalClose(t *testing.T) {
	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("symbol") != "ETHUSDT" || q.Get("interval") != "1m" || q.Get("limit") != "1" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[[1714564800000,"3000.0","3010.5","2990.0","3005.25","12.5",1714564859999,"37500.0",42,"6.0","18000.0","0"]]`))
	}))
	defer srv.Close()

	b := NewBinance(BinanceOptions{BaseURL: srv.URL}, noopLogger())
	closePrice, err := b.FetchHistoricalClose(context.Background(), "ETH/USDT", Timeframe1m, since)
	if err != nil {
		t.Fatalf("historical close: %v", err)
	}
	if !closePrice.Equal(decimal.RequireFromString("3005.25")) {
		t.Fatalf("unexpected close %s", closePrice)
	}
}

func TestBinanceHistoricalCloseNoCandles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	b := NewBinance(BinanceOptions{BaseURL: srv.URL}, noopLogger())
	_, err := b.FetchHistoricalClose(context.Background(), "ETH/USDT", Timeframe1m, time.Now())
	if !errors.Is(err, ErrNoCandles) {
		t.Fatalf("expected ErrNoCandles, got %v", err)
	}
}

func TestBybitFetchCurrentPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/tickers" || r.URL.Query().Get("category") != "linear" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","lastPrice":"64000.5"},
			{"symbol":"BTCPERP","lastPrice":"64001"},
			{"symbol":"1000PEPEUSDT","lastPrice":""}
		]}}`))
	}))
	defer srv.Close()

	b := NewBybit(BybitOptions{BaseURL: srv.URL}, noopLogger())
	prices, err := b.FetchCurrentPrices(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(prices) != 2 {
		t.Fatalf("expected 2 instruments, got %d: %v", len(prices), prices)
	}
	if !prices["BTC/USDT"].Valid {
		t.Fatal("BTC/USDT should have a price")
	}
	if prices["1000PEPE/USDT"].Valid {
		t.Fatal("empty lastPrice should be null")
	}
}

func TestBybitCandlesAscending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("interval") != "5" {
			t.Errorf("unexpected interval %s", r.URL.Query().Get("interval"))
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			["1714565100000","2","3","1","2.5","10","25"],
			["1714564800000","1","2","0.5","1.5","10","15"]
		]}}`))
	}))
	defer srv.Close()

	b := NewBybit(BybitOptions{BaseURL: srv.URL}, noopLogger())
	candles, err := b.FetchCandles(context.Background(), "SOL/USDT", Timeframe5m, time.UnixMilli(1714564800000), 0)
	if err != nil {
		t.Fatalf("candles: %v", err)
	}
	if len(candles) != 2 || !candles[0].OpenTime.Before(candles[1].OpenTime) {
		t.Fatalf("candles must be ascending: %+v", candles)
	}
	if !candles[0].Close.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected first close %s", candles[0].Close)
	}
}

func TestBybitAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"retCode":10001,"retMsg":"params error","result":{}}`))
	}))
	defer srv.Close()

	b := NewBybit(BybitOptions{BaseURL: srv.URL}, noopLogger())
	if _, err := b.FetchCurrentPrices(context.Background()); err == nil {
		t.Fatal("non-zero retCode 应返回错误")
	}
}

func TestKuCoinPricesAndCandles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/contracts/active":
			_, _ = w.Write([]byte(`{"code":"200000","data":[
				{"symbol":"XBTUSDTM","baseCurrency":"XBT","quoteCurrency":"USDT","lastTradePrice":64000.1},
				{"symbol":"XBTUSDM","baseCurrency":"XBT","quoteCurrency":"USD","lastTradePrice":64000.2},
				{"symbol":"NEWUSDTM","baseCurrency":"NEW","quoteCurrency":"USDT","lastTradePrice":null}
			]}`))
		case "/api/v1/kline/query":
			if r.URL.Query().Get("symbol") != "XBTUSDTM" || r.URL.Query().Get("granularity") != "1" {
				t.Errorf("unexpected query %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"code":"200000","data":[[1714564800000,63000,63100,62900,63050.5,120]]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	k := NewKuCoin(KuCoinOptions{BaseURL: srv.URL}, noopLogger())
	prices, err := k.FetchCurrentPrices(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(prices) != 2 {
		t.Fatalf("expected 2 USDT contracts, got %d", len(prices))
	}
	if p := prices["XBT/USDT"]; !p.Valid || !p.Decimal.Equal(decimal.RequireFromString("64000.1")) {
		t.Fatalf("unexpected XBT price %v", p)
	}
	if prices["NEW/USDT"].Valid {
		t.Fatal("null lastTradePrice should be null")
	}

	closePrice, err := k.FetchHistoricalClose(context.Background(), "XBT/USDT", Timeframe1m, time.UnixMilli(1714564800000))
	if err != nil {
		t.Fatalf("historical close: %v", err)
	}
	if !closePrice.Equal(decimal.RequireFromString("63050.5")) {
		t.Fatalf("unexpected close %s", closePrice)
	}
}

func TestRESTClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"msg": "slow down"})
	}))
	defer srv.Close()

	k := NewKuCoin(KuCoinOptions{BaseURL: srv.URL}, noopLogger())
	_, err := k.FetchCurrentPrices(context.Background())
	if err == nil {
		t.Fatal("HTTP 429 应返回错误")
	}
	if want := "kucoin api error (429): slow down"; err.Error() != want {
		t.Fatalf("unexpected error %q", err.Error())
	}
}

func TestNewsChecker(t *testing.T) {
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	published := now.Add(-3 * time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("auth_token") != "tok" {
			t.Errorf("missing token")
		}
		if r.URL.Query().Get("currencies") == "OLD" {
			published = now.Add(-30 * time.Hour)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"title": "x", "published_at": published.Format(time.RFC3339)}},
		})
	}))
	defer srv.Close()

	n := NewNewsChecker(NewsOptions{Token: "tok", BaseURL: srv.URL, Now: func() time.Time { return now }}, noopLogger())

	recent, err := n.HasRecentNews(context.Background(), "btc")
	if err != nil || !recent {
		t.Fatalf("expected recent news, got %v %v", recent, err)
	}
	recent, err = n.HasRecentNews(context.Background(), "old")
	if err != nil || recent {
		t.Fatalf("expected stale news, got %v %v", recent, err)
	}
}
