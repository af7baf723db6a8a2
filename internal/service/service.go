package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/history"
	"pricewatch/internal/scheduler"
)

// Announcer sends plain service messages.
type Announcer interface {
	Announce(ctx context.Context, text string)
}

// Options configure a per-exchange Service.
type Options struct {
	Exchange       string
	PollInterval   time.Duration
	ScanInterval   time.Duration
	StartupDelay   time.Duration
	StartupMessage bool
	AlignPolls     bool // poll on multiples of PollInterval
}

// Service runs the poll and scan cycles of one exchange over a shared store.
type Service struct {
	opts      Options
	store     *history.Store
	poller    *Poller
	detector  *Detector
	announcer Announcer
	logger    zerolog.Logger
}

// New constructs the watcher service of one exchange. announcer may be nil.
func New(opts Options, store *history.Store, poller *Poller, detector *Detector, announcer Announcer, logger zerolog.Logger) *Service {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = time.Second
	}
	return &Service{
		opts:      opts,
		store:     store,
		poller:    poller,
		detector:  detector,
		announcer: announcer,
		logger:    logger.With().Str("component", "service").Str("exchange", opts.Exchange).Logger(),
	}
}

// Run restores the persisted histories and blocks until ctx is cancelled.
// The scan cycle keeps running after the poller halts.
func (s *Service) Run(ctx context.Context) error {
	if err := s.store.Load(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to restore histories, starting empty")
	} else {
		s.logger.Info().Int("instruments", s.store.Len()).Msg("histories restored")
	}

	if s.opts.StartupMessage && s.announcer != nil {
		s.announcer.Announce(ctx, StartupText(s.opts.Exchange))
	}

	pollSched := scheduler.New(s.pollSchedule(), s.logger)
	scanSched := scheduler.New(scheduler.Options{
		Name:         s.opts.Exchange + "-scan",
		Interval:     s.opts.ScanInterval,
		StartupDelay: s.opts.StartupDelay,
	}, s.logger)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	runTask := func(name string, sched *scheduler.Scheduler, tick scheduler.TickFunc) {
		defer wg.Done()
		err := sched.Run(ctx, tick)
		if err == nil || ctx.Err() != nil {
			return
		}
		mu.Lock()
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
		mu.Unlock()
	}

	s.logger.Info().
		Dur("poll_interval", s.opts.PollInterval).
		Dur("scan_interval", s.opts.ScanInterval).
		Msg("starting watcher")

	wg.Add(2)
	go runTask("poll", pollSched, s.poller.Poll)
	go runTask("scan", scanSched, s.detector.Tick)
	wg.Wait()

	s.logger.Info().Msg("watcher stopped")
	return errors.Join(errs...)
}

func (s *Service) pollSchedule() scheduler.Options {
	return scheduler.Options{
		Name:           s.opts.Exchange + "-poll",
		Interval:       s.opts.PollInterval,
		AlignToStart:   s.opts.AlignPolls,
		StartupDelay:   s.opts.StartupDelay,
		RunImmediately: true,
	}
}

// StartupText is the service message sent when a watcher starts.
func StartupText(exchange string) string {
	if exchange == "" {
		return "watcher started"
	}
	return strings.ToUpper(exchange[:1]) + exchange[1:] + " watcher started"
}
