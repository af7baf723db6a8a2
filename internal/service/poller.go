package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"pricewatch/internal/fetcher"
	"pricewatch/internal/history"
	"pricewatch/internal/retry"
	"pricewatch/internal/scheduler"
)

// ErrPollerHalted is returned once the poller gave up; it stops the poll schedule.
var ErrPollerHalted = fmt.Errorf("poller halted after consecutive failures: %w", scheduler.ErrStop)

// PollerOptions parameterise a Poller.
type PollerOptions struct {
	// MaxFailures is the number of consecutive failed snapshots tolerated; one more halts the poller.
	MaxFailures int
	// Precision excludes prices at or below 10^-Precision.
	Precision  int32
	RetryDelay time.Duration
}

// Poller feeds the rolling store with one price snapshot per cycle.
type Poller struct {
	source      fetcher.PriceSource
	store       *history.Store
	maxFailures int
	minPrice    decimal.Decimal
	retryDelay  time.Duration
	failures    int
	halted      atomic.Bool
	logger      zerolog.Logger
}

// NewPoller constructs a Poller.
func NewPoller(source fetcher.PriceSource, store *history.Store, opts PollerOptions, logger zerolog.Logger) *Poller {
	maxFailures := opts.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 10
	}
	return &Poller{
		source:      source,
		store:       store,
		maxFailures: maxFailures,
		minPrice:    decimal.New(1, -opts.Precision),
		retryDelay:  opts.RetryDelay,
		logger:      logger.With().Str("component", "poller").Str("exchange", source.Name()).Logger(),
	}
}

// Halted reports whether the poller stopped permanently.
func (p *Poller) Halted() bool {
	return p.halted.Load()
}

// Poll fetches a snapshot, retrying failed or empty snapshots within the cycle,
// and upserts it into the store. It returns ErrPollerHalted after more than
// MaxFailures consecutive failures.
func (p *Poller) Poll(ctx context.Context, tick time.Time) error {
	if p.Halted() {
		return ErrPollerHalted
	}

	for {
		snapshot, err := p.fetch(ctx)
		if err == nil {
			p.failures = 0
			p.apply(ctx, snapshot)
			return nil
		}

		p.failures++
		p.logger.Warn().Err(err).Int("consecutive_failures", p.failures).Msg("price snapshot failed")
		if p.failures > p.maxFailures {
			p.halted.Store(true)
			p.logger.WithLevel(zerolog.FatalLevel).
				Int("consecutive_failures", p.failures).
				Msg("too many errors while getting prices, poller stopped")
			return ErrPollerHalted
		}
		if err := retry.Sleep(ctx, p.retryDelay); err != nil {
			return err
		}
	}
}

func (p *Poller) fetch(ctx context.Context) (map[string]decimal.Decimal, error) {
	raw, err := p.source.FetchCurrentPrices(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := FilterSnapshot(raw, p.minPrice)
	if len(snapshot) == 0 {
		return nil, fmt.Errorf("empty snapshot (%d raw prices)", len(raw))
	}
	return snapshot, nil
}

func (p *Poller) apply(ctx context.Context, snapshot map[string]decimal.Decimal) {
	p.store.UpsertAll(snapshot)
	p.logger.Debug().Int("instruments", len(snapshot)).Msg("snapshot applied")

	if err := p.store.Persist(ctx); err != nil {
		p.logger.Error().Err(err).Msg("failed to persist histories")
	}
}

// FilterSnapshot drops null, zero and sub-precision prices (<= minPrice).
func FilterSnapshot(raw map[string]decimal.NullDecimal, minPrice decimal.Decimal) map[string]decimal.Decimal {
	valid := lo.PickBy(raw, func(_ string, price decimal.NullDecimal) bool {
		return price.Valid && price.Decimal.IsPositive() && price.Decimal.GreaterThan(minPrice)
	})
	return lo.MapValues(valid, func(price decimal.NullDecimal, _ string) decimal.Decimal {
		return price.Decimal
	})
}
