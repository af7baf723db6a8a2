package chart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	gochart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"pricewatch/internal/fetcher"
)

// ErrNotEnoughData is returned when fewer than two candles are available.
var ErrNotEnoughData = errors.New("chart: at least two candles are required")

// Options tune the rendered image.
type Options struct {
	Timeframe fetcher.Timeframe
	Lookback  time.Duration
	Width     int
	Height    int
	Now       func() time.Time
}

// Renderer draws the recent close-price history of an instrument with a horizontal
// line at the price that triggered the alert.
type Renderer struct {
	source fetcher.CandleSource
	opts   Options
	logger zerolog.Logger
}

// NewRenderer constructs a Renderer, filling zero options with the defaults (5m candles over 800 minutes).
func NewRenderer(source fetcher.CandleSource, opts Options, logger zerolog.Logger) *Renderer {
	if opts.Timeframe == "" || opts.Timeframe.Duration() <= 0 {
		opts.Timeframe = fetcher.Timeframe5m
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 800 * time.Minute
	}
	if opts.Width <= 0 {
		opts.Width = 1000
	}
	if opts.Height <= 0 {
		opts.Height = 600
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Renderer{source: source, opts: opts, logger: logger.With().Str("component", "chart").Logger()}
}

// Render fetches candles and returns a PNG.
func (r *Renderer) Render(ctx context.Context, instrument string, signal decimal.Decimal) ([]byte, error) {
	since := r.opts.Now().Add(-r.opts.Lookback)
	limit := int(r.opts.Lookback / r.opts.Timeframe.Duration())

	candles, err := r.source.FetchCandles(ctx, instrument, r.opts.Timeframe, since, limit)
	if err != nil {
		return nil, fmt.Errorf("chart candles: %w", err)
	}
	r.logger.Debug().Str("instrument", instrument).Int("candles", len(candles)).Msg("rendering chart")
	return RenderCandles(instrument, candles, signal, r.opts.Width, r.opts.Height)
}

// RenderCandles draws the closes of candles (ascending by open time) and the signal line.
func RenderCandles(instrument string, candles []fetcher.Candle, signal decimal.Decimal, width, height int) ([]byte, error) {
	if len(candles) < 2 {
		return nil, ErrNotEnoughData
	}

	x := make([]time.Time, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		x[i] = c.OpenTime
		closes[i] = c.Close.InexactFloat64()
	}

	level := signal.InexactFloat64()
	priceFormatter := func(v interface{}) string {
		return gochart.FloatValueFormatterWithFormat(v, "%.6g")
	}

	graph := gochart.Chart{
		Title:  instrument,
		Width:  width,
		Height: height,
		XAxis: gochart.XAxis{
			ValueFormatter: gochart.TimeValueFormatter,
		},
		YAxis: gochart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		Series: []gochart.Series{
			gochart.TimeSeries{
				Name:    "Close",
				XValues: x,
				YValues: closes,
				Style: gochart.Style{
					StrokeColor: drawing.ColorFromHex("1f77b4"),
					StrokeWidth: 2,
				},
			},
			gochart.TimeSeries{
				Name:    "Signal " + signal.String(),
				XValues: []time.Time{x[0], x[len(x)-1]},
				YValues: []float64{level, level},
				Style: gochart.Style{
					StrokeColor:     drawing.ColorFromHex("d62728"),
					StrokeWidth:     1.5,
					StrokeDashArray: []float64{6, 4},
				},
			},
		},
	}
	graph.Elements = []gochart.Renderable{gochart.Legend(&graph)}

	var buf bytes.Buffer
	if err := graph.Render(gochart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("render chart: %w", err)
	}
	return buf.Bytes(), nil
}
