// Package relay forwards the last dispatched alert to a secondary audience at a throttled cadence.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/alerting"
	"pricewatch/internal/retry"
	"pricewatch/internal/storage"
)

// Options tune the relay loop.
type Options struct {
	PollInterval time.Duration
	Cooldown     time.Duration
	Attempts     int
	Retry        retry.Policy
	Now          func() time.Time
}

// Relay watches the persisted relay state and forwards every observed change.
type Relay struct {
	store    storage.RelayStore
	sender   alerting.Sender
	chatIDs  []string
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger
	lastSeen int64
}

// New constructs a Relay.
func New(store storage.RelayStore, sender alerting.Sender, chatIDs []string, opts Options, logger zerolog.Logger) (*Relay, error) {
	if len(chatIDs) == 0 {
		return nil, alerting.ErrNoRecipients
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 5
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Relay{
		store:   store,
		sender:  sender,
		chatIDs: append([]string(nil), chatIDs...),
		opts:    opts,
		now:     now,
		logger:  logger.With().Str("component", "relay").Logger(),
	}, nil
}

// Run blocks until ctx is cancelled. Alerts dispatched during the cooldown are
// coalesced: only the state present at the next check is forwarded.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.ensureState(ctx); err != nil {
		return err
	}

	r.logger.Info().
		Dur("poll_interval", r.opts.PollInterval).
		Dur("cooldown", r.opts.Cooldown).
		Int("recipients", len(r.chatIDs)).
		Msg("relay started")

	for {
		if err := r.baseline(ctx); err != nil {
			return err
		}
		state, err := r.waitForChange(ctx)
		if err != nil {
			return err
		}
		r.forward(ctx, state)

		if err := retry.Sleep(ctx, r.opts.Cooldown); err != nil {
			return err
		}
	}
}

// ensureState initialises an empty mailbox so the first real alert is recognised as new.
func (r *Relay) ensureState(ctx context.Context) error {
	_, err := r.store.LoadRelayState(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn().Err(err).Msg("relay state unreadable, reinitialising")
	}
	initial := storage.RelayState{Message: "", Time: r.now().Unix()}
	err = r.opts.Retry.Do(ctx, func(ctx context.Context) error {
		return r.store.SaveRelayState(ctx, initial)
	})
	if err != nil {
		return fmt.Errorf("initialise relay state: %w", err)
	}
	return nil
}

func (r *Relay) baseline(ctx context.Context) error {
	err := r.opts.Retry.Do(ctx, func(ctx context.Context) error {
		state, err := r.store.LoadRelayState(ctx)
		if err != nil {
			return err
		}
		r.lastSeen = state.Time
		return nil
	}, func(attempt int, err error) {
		r.logger.Warn().Err(err).Int("attempt", attempt).Msg("relay state read failed")
	})
	if err != nil {
		return fmt.Errorf("read relay baseline: %w", err)
	}
	return nil
}

// waitForChange polls until the persisted timestamp differs from the baseline.
// Unreadable states count as unchanged.
func (r *Relay) waitForChange(ctx context.Context) (storage.RelayState, error) {
	for {
		if err := retry.Sleep(ctx, r.opts.PollInterval); err != nil {
			return storage.RelayState{}, err
		}
		state, err := r.store.LoadRelayState(ctx)
		if err != nil {
			r.logger.Debug().Err(err).Msg("relay state not readable yet")
			continue
		}
		if state.Time != r.lastSeen {
			return state, nil
		}
	}
}

func (r *Relay) forward(ctx context.Context, state storage.RelayState) {
	r.lastSeen = state.Time

	image, err := r.store.LoadImage(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn().Err(err).Msg("relay image unreadable, forwarding text only")
		}
		image = nil
	}
	if len(image) == 0 {
		image = nil
	}

	delivered := 0
	for _, chatID := range r.chatIDs {
		if err := alerting.SendWithRetry(ctx, r.sender, chatID, state.Message, image, r.opts.Attempts, r.logger); err != nil {
			r.logger.Error().Err(err).Str("chat_id", chatID).Msg("relay delivery failed")
			continue
		}
		delivered++
	}
	r.logger.Info().Int64("state_time", state.Time).Int("delivered", delivered).Msg("alert relayed")
}
