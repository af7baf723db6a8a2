package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/retry"
	"pricewatch/internal/storage"
)

// Alert is a fully built alert, immutable once handed to the dispatcher.
type Alert struct {
	Exchange        string
	Instrument      string
	NewPrice        decimal.Decimal
	OldPrice        decimal.Decimal
	Minutes         int
	YesterdayChange decimal.Decimal
	HalfHourChange  decimal.Decimal
	Message         string
	Image           []byte
	CreatedAt       time.Time
}

// DispatcherOptions parameterise a Dispatcher.
type DispatcherOptions struct {
	Recipients       []string
	DeliveryAttempts int
	Retry            retry.Policy
	Now              func() time.Time
}

// Dispatcher persists the relay mailbox and delivers alerts to the primary recipients.
type Dispatcher struct {
	persistMu  sync.Mutex // pairs each alert's image with its own caption in the mailbox
	sender     Sender
	relay      storage.RelayStore
	recipients []string
	attempts   int
	policy     retry.Policy
	now        func() time.Time
	logger     zerolog.Logger
}

// NewDispatcher constructs a Dispatcher. relay may be nil when no relay mailbox is wanted.
func NewDispatcher(sender Sender, relay storage.RelayStore, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	attempts := opts.DeliveryAttempts
	if attempts <= 0 {
		attempts = 5
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		sender:     sender,
		relay:      relay,
		recipients: append([]string(nil), opts.Recipients...),
		attempts:   attempts,
		policy:     opts.Retry,
		now:        now,
		logger:     logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch persists the alert for the relay, then delivers it to every recipient.
// Delivery is best effort: recipient failures are logged and never returned.
// The returned error reports a persistence failure only.
func (d *Dispatcher) Dispatch(ctx context.Context, alert Alert) error {
	persistErr := d.persist(ctx, alert)
	if persistErr != nil {
		d.logger.Error().Err(persistErr).Str("instrument", alert.Instrument).Msg("relay state not persisted")
	}

	delivered := d.deliver(ctx, alert.Message, alert.Image)
	d.logger.Info().
		Str("exchange", alert.Exchange).
		Str("instrument", alert.Instrument).
		Int("minutes", alert.Minutes).
		Int("delivered", delivered).
		Int("recipients", len(d.recipients)).
		Msg("alert dispatched")
	return persistErr
}

// Announce sends a plain service message to every recipient.
func (d *Dispatcher) Announce(ctx context.Context, text string) {
	delivered := d.deliver(ctx, text, nil)
	d.logger.Info().Str("text", text).Int("delivered", delivered).Msg("service message sent")
}

// persist writes the image first so the relay never pairs a new timestamp with a stale image.
func (d *Dispatcher) persist(ctx context.Context, alert Alert) error {
	if d.relay == nil {
		return nil
	}
	d.persistMu.Lock()
	defer d.persistMu.Unlock()

	onRetry := func(attempt int, err error) {
		d.logger.Warn().Err(err).Int("attempt", attempt).Msg("relay persistence failed, retrying")
	}

	if err := d.policy.Do(ctx, func(ctx context.Context) error {
		return d.relay.SaveImage(ctx, alert.Image)
	}, onRetry); err != nil {
		return fmt.Errorf("save alert image: %w", err)
	}

	ts := alert.CreatedAt
	if ts.IsZero() {
		ts = d.now()
	}
	state := storage.RelayState{Message: alert.Message, Time: ts.Unix()}

	return d.policy.Do(ctx, func(ctx context.Context) error {
		prev, err := d.relay.LoadRelayState(ctx)
		switch {
		case err == nil:
			if state.Time <= prev.Time {
				state.Time = prev.Time + 1
			}
		case errors.Is(err, storage.ErrNotFound):
		default:
			d.logger.Debug().Err(err).Msg("previous relay state unreadable")
		}
		return d.relay.SaveRelayState(ctx, state)
	}, onRetry)
}

func (d *Dispatcher) deliver(ctx context.Context, caption string, image []byte) int {
	delivered := 0
	for _, chatID := range d.recipients {
		if err := SendWithRetry(ctx, d.sender, chatID, caption, image, d.attempts, d.logger); err != nil {
			d.logger.Error().Err(err).Str("chat_id", chatID).Msg("delivery abandoned")
			continue
		}
		delivered++
	}
	return delivered
}
