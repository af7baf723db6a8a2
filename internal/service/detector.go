package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/alerting"
	"pricewatch/internal/fetcher"
	"pricewatch/internal/history"
	"pricewatch/internal/storage"
)

// Reference windows for the derived changes.
const (
	yesterdayOffset = 24 * time.Hour
	halfHourOffset  = 30 * time.Minute
)

// ChartRenderer draws the alert image.
type ChartRenderer interface {
	Render(ctx context.Context, instrument string, signal decimal.Decimal) ([]byte, error)
}

// NewsChecker reports recent news for a coin.
type NewsChecker interface {
	HasRecentNews(ctx context.Context, coin string) (bool, error)
}

// AlertDispatcher hands an alert to its audiences.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, alert alerting.Alert) error
}

// Crossing is a detected percentage rise.
type Crossing struct {
	NewPrice decimal.Decimal
	OldPrice decimal.Decimal
	// Lag is the 1-based index of the matched sample, reported as minutes.
	Lag int
}

// FindCrossing scans prices (newest first) from newest to oldest and returns the first
// sample old with old*(1+thresholdPct/100) <= prices[0].
func FindCrossing(prices []decimal.Decimal, thresholdPct decimal.Decimal) (Crossing, bool) {
	if len(prices) == 0 {
		return Crossing{}, false
	}
	newPrice := prices[0]
	factor := decimal.NewFromInt(1).Add(thresholdPct.Div(decimal.NewFromInt(100)))
	for i, old := range prices {
		if old.Mul(factor).LessThanOrEqual(newPrice) {
			return Crossing{NewPrice: newPrice, OldPrice: old, Lag: i + 1}, true
		}
	}
	return Crossing{}, false
}

// DetectorDeps are the collaborators of a Detector. Chart and News are optional.
type DetectorDeps struct {
	Source     fetcher.PriceSource
	Store      *history.Store
	Dispatcher AlertDispatcher
	Template   *alerting.Template
	Chart      ChartRenderer
	News       NewsChecker
	// Backend enables the alert audit trail and advisory locking when it supports them.
	Backend storage.Backend
}

// DetectorOptions parameterise a Detector.
type DetectorOptions struct {
	Exchange     string
	ThresholdPct decimal.Decimal
	Precision    int32
	LockKey      int64
	Now          func() time.Time
}

// Detector scans the rolling store for threshold crossings.
type Detector struct {
	deps      DetectorDeps
	recorder  storage.AlertRecorder
	locker    storage.AdvisoryLocker
	exchange  string
	threshold decimal.Decimal
	precision int32
	lockKey   int64
	now       func() time.Time
	logger    zerolog.Logger
}

// NewDetector constructs a Detector.
func NewDetector(deps DetectorDeps, opts DetectorOptions, logger zerolog.Logger) *Detector {
	if deps.Template == nil {
		deps.Template = alerting.NewTemplate("")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var (
		recorder storage.AlertRecorder
		locker   storage.AdvisoryLocker
	)
	if r, ok := deps.Backend.(storage.AlertRecorder); ok {
		recorder = r
	}
	if l, ok := deps.Backend.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Detector{
		deps:      deps,
		recorder:  recorder,
		locker:    locker,
		exchange:  opts.Exchange,
		threshold: opts.ThresholdPct,
		precision: opts.Precision,
		lockKey:   opts.LockKey,
		now:       now,
		logger:    logger.With().Str("component", "detector").Str("exchange", opts.Exchange).Logger(),
	}
}

// Scan runs one detection pass and returns the number of alerts fired.
func (d *Detector) Scan(ctx context.Context) (int, error) {
	unlock, proceed, err := d.acquireLock(ctx)
	if err != nil {
		return 0, err
	}
	if !proceed {
		d.logger.Debug().Msg("skip scan because advisory lock held elsewhere")
		return 0, nil
	}
	if unlock != nil {
		defer unlock()
	}

	view := d.deps.Store.View()
	instruments := make([]string, 0, len(view))
	for instrument := range view {
		instruments = append(instruments, instrument)
	}
	sort.Strings(instruments)

	fired := 0
	for _, instrument := range instruments {
		window := view[instrument]
		crossing, ok := FindCrossing(window.Prices, d.threshold)
		if !ok {
			continue
		}

		alert, err := d.buildAlert(ctx, instrument, crossing)
		if err != nil {
			d.logger.Error().Err(err).Str("instrument", instrument).Msg("alert aborted, history kept")
			continue
		}

		if err := d.deps.Dispatcher.Dispatch(ctx, alert); err != nil {
			d.logger.Error().Err(err).Str("instrument", instrument).Msg("dispatch reported an error")
		}
		d.deps.Store.ResetSeen(instrument, window.Seq)
		d.record(ctx, alert, crossing)
		fired++
	}

	if fired > 0 {
		if err := d.deps.Store.Persist(ctx); err != nil {
			return fired, fmt.Errorf("persist after alerts: %w", err)
		}
	}
	return fired, nil
}

// Tick adapts Scan to the scheduler.
func (d *Detector) Tick(ctx context.Context, _ time.Time) error {
	_, err := d.Scan(ctx)
	return err
}

func (d *Detector) buildAlert(ctx context.Context, instrument string, crossing Crossing) (alerting.Alert, error) {
	now := d.now()

	yesterday, err := d.deps.Source.FetchHistoricalClose(ctx, instrument, fetcher.Timeframe1m, now.Add(-yesterdayOffset))
	if err != nil {
		return alerting.Alert{}, fmt.Errorf("24h reference: %w", err)
	}
	halfHour, err := d.deps.Source.FetchHistoricalClose(ctx, instrument, fetcher.Timeframe1m, now.Add(-halfHourOffset))
	if err != nil {
		return alerting.Alert{}, fmt.Errorf("30m reference: %w", err)
	}

	data := alerting.MessageData{
		Ticker:          instrument,
		NewPrice:        crossing.NewPrice,
		OldPrice:        crossing.OldPrice,
		Minutes:         crossing.Lag,
		YesterdayChange: alerting.PercentChange(yesterday, crossing.NewPrice).RoundBank(d.precision),
		HalfHourChange:  alerting.PercentChange(halfHour, crossing.NewPrice).RoundBank(d.precision),
		News:            d.newsFlag(ctx, instrument),
		Precision:       d.precision,
	}

	var image []byte
	if d.deps.Chart != nil {
		image, err = d.deps.Chart.Render(ctx, instrument, crossing.NewPrice)
		if err != nil {
			d.logger.Warn().Err(err).Str("instrument", instrument).Msg("chart unavailable, sending text only")
			image = nil
		}
	}

	return alerting.Alert{
		Exchange:        d.exchange,
		Instrument:      instrument,
		NewPrice:        crossing.NewPrice,
		OldPrice:        crossing.OldPrice,
		Minutes:         crossing.Lag,
		YesterdayChange: data.YesterdayChange,
		HalfHourChange:  data.HalfHourChange,
		Message:         d.deps.Template.Render(data),
		Image:           image,
		CreatedAt:       now,
	}, nil
}

func (d *Detector) newsFlag(ctx context.Context, instrument string) string {
	if d.deps.News == nil {
		return ""
	}
	base, _, err := fetcher.SplitInstrument(instrument)
	if err != nil {
		return alerting.NewsNone
	}
	recent, err := d.deps.News.HasRecentNews(ctx, base)
	if err != nil {
		d.logger.Warn().Err(err).Str("coin", base).Msg("news lookup failed")
	}
	if recent {
		return alerting.NewsRecent
	}
	return alerting.NewsNone
}

func (d *Detector) record(ctx context.Context, alert alerting.Alert, crossing Crossing) {
	if d.recorder == nil {
		return
	}
	rec := storage.AlertRecord{
		Exchange:    d.exchange,
		Instrument:  alert.Instrument,
		OldPrice:    crossing.OldPrice,
		NewPrice:    crossing.NewPrice,
		PercentDiff: alerting.PercentChange(crossing.OldPrice, crossing.NewPrice).RoundBank(d.precision),
		Minutes:     crossing.Lag,
		Message:     alert.Message,
	}
	if err := d.recorder.RecordAlert(ctx, rec); err != nil {
		d.logger.Error().Err(err).Str("instrument", alert.Instrument).Msg("failed to persist alert record")
	}
}

func (d *Detector) acquireLock(ctx context.Context) (func(), bool, error) {
	if d.lockKey == 0 || d.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := d.locker.TryAdvisoryLock(ctx, d.lockKey+lockOffset(d.exchange))
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// lockOffset keeps the advisory locks of different exchanges apart.
func lockOffset(exchange string) int64 {
	var h int64
	for _, c := range exchange {
		h = h*31 + int64(c)
	}
	return h & 0xffff
}
