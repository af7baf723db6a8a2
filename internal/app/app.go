package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/alerting"
	"pricewatch/internal/chart"
	"pricewatch/internal/config"
	"pricewatch/internal/fetcher"
	"pricewatch/internal/history"
	"pricewatch/internal/relay"
	"pricewatch/internal/retry"
	"pricewatch/internal/service"
	"pricewatch/internal/storage"
	"pricewatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) exchangeConfig(name string) (config.ExchangeConfig, error) {
	ex, ok := a.Config.Exchanges[strings.ToLower(name)]
	if !ok {
		return config.ExchangeConfig{}, fmt.Errorf("exchange %q not configured", name)
	}
	return ex, nil
}

func (a *App) newExchange(name string) (fetcher.Exchange, error) {
	ex, err := a.exchangeConfig(name)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(name) {
	case "binance":
		return fetcher.NewBinance(fetcher.BinanceOptions{
			APIKey:    ex.APIKey,
			APISecret: ex.APISecret,
			BaseURL:   ex.BaseURL,
			Quote:     ex.Quote,
			Timeout:   ex.RequestTimeout,
		}, a.Logger), nil
	case "bybit":
		return fetcher.NewBybit(fetcher.BybitOptions{
			BaseURL: ex.BaseURL,
			Quote:   ex.Quote,
			Timeout: ex.RequestTimeout,
		}, a.Logger), nil
	case "kucoin":
		return fetcher.NewKuCoin(fetcher.KuCoinOptions{
			BaseURL: ex.BaseURL,
			Quote:   ex.Quote,
			Timeout: ex.RequestTimeout,
		}, a.Logger), nil
	}
	return nil, fmt.Errorf("unsupported exchange %q", name)
}

func (a *App) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: a.Config.Retry.MaxAttempts,
		MinBackoff:  a.Config.Retry.MinBackoff,
		MaxBackoff:  a.Config.Retry.MaxBackoff,
		Jitter:      true,
	}
}

func (a *App) openBackend(ctx context.Context) (storage.Backend, error) {
	backend, err := storage.Open(ctx, a.Config.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", a.driverName(), err)
	}
	return backend, nil
}

func (a *App) driverName() string {
	if a.Config.Storage.Driver == "" {
		return "file"
	}
	return a.Config.Storage.Driver
}

func (a *App) newHistory(exchange string, persister history.Persister) *history.Store {
	return history.NewStore(history.Options{
		Namespace: exchange,
		Capacity:  a.Config.Engine.WindowSize,
		Persister: persister,
		Retry:     a.retryPolicy(),
	}, a.Logger)
}

func (a *App) newDispatcher(relayStore storage.RelayStore) (*alerting.Dispatcher, error) {
	sender, err := alerting.NewSender(a.Config.Alerting.Telegram, a.Logger)
	if err != nil {
		return nil, err
	}
	return alerting.NewDispatcher(sender, relayStore, alerting.DispatcherOptions{
		Recipients:       a.Config.Alerting.Telegram.ChatIDs,
		DeliveryAttempts: a.Config.Alerting.DeliveryAttempts,
		Retry:            a.retryPolicy(),
	}, a.Logger), nil
}

func (a *App) newDetector(name string, source fetcher.Exchange, store *history.Store, dispatcher service.AlertDispatcher, backend storage.Backend) (*service.Detector, error) {
	ex, err := a.exchangeConfig(name)
	if err != nil {
		return nil, err
	}
	tpl, err := alerting.LoadTemplate(a.Config.Alerting.TemplatePath)
	if err != nil {
		return nil, err
	}

	deps := service.DetectorDeps{
		Source:     source,
		Store:      store,
		Dispatcher: dispatcher,
		Template:   tpl,
		Backend:    backend,
	}
	if a.Config.Chart.Enabled {
		deps.Chart = a.newChart(source)
	}
	if a.Config.News.Enabled {
		deps.News = fetcher.NewNewsChecker(fetcher.NewsOptions{
			Token:   a.Config.News.Token,
			BaseURL: a.Config.News.BaseURL,
			Timeout: a.Config.News.RequestTimeout,
		}, a.Logger)
	}

	return service.NewDetector(deps, service.DetectorOptions{
		Exchange:     name,
		ThresholdPct: decimal.NewFromFloat(ex.PercentDifference),
		Precision:    a.Config.Engine.NumsPrecision,
		LockKey:      a.Config.Engine.AdvisoryLockKey,
	}, a.Logger), nil
}

func (a *App) newChart(source fetcher.CandleSource) *chart.Renderer {
	return chart.NewRenderer(source, chart.Options{
		Timeframe: fetcher.Timeframe(a.Config.Chart.Timeframe),
		Lookback:  a.Config.Chart.Lookback,
		Width:     a.Config.Chart.Width,
		Height:    a.Config.Chart.Height,
	}, a.Logger)
}

func (a *App) newService(name string, backend storage.Backend, dispatcher *alerting.Dispatcher) (*service.Service, error) {
	source, err := a.newExchange(name)
	if err != nil {
		return nil, err
	}
	store := a.newHistory(name, backend)
	detector, err := a.newDetector(name, source, store, dispatcher, backend)
	if err != nil {
		return nil, err
	}
	poller := service.NewPoller(source, store, service.PollerOptions{
		MaxFailures: a.Config.Engine.MaxPollFailures,
		Precision:   a.Config.Engine.NumsPrecision,
		RetryDelay:  a.Config.Engine.PollRetryDelay,
	}, a.Logger)

	return service.New(service.Options{
		Exchange:       name,
		PollInterval:   a.Config.Engine.PollInterval,
		ScanInterval:   a.Config.Engine.ScanInterval,
		StartupDelay:   a.Config.Engine.StartupDelay,
		StartupMessage: a.Config.Alerting.StartupMessage,
		AlignPolls:     a.Config.Engine.AlignPolls,
	}, store, poller, detector, dispatcher, a.Logger), nil
}

// Run executes the watchers of the given exchanges (all enabled ones when empty)
// until SIGINT or SIGTERM.
func (a *App) Run(ctx context.Context, exchanges []string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(exchanges) == 0 {
		exchanges = a.Config.EnabledExchanges()
	}
	if len(exchanges) == 0 {
		return errors.New("no exchange enabled; set exchanges.<name>.enabled")
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	dispatcher, err := a.newDispatcher(backend)
	if err != nil {
		return err
	}

	services := make([]*service.Service, 0, len(exchanges))
	for _, name := range exchanges {
		svc, err := a.newService(strings.ToLower(name), backend, dispatcher)
		if err != nil {
			return err
		}
		services = append(services, svc)
	}

	a.Logger.Info().
		Str("version", version.Version).
		Strs("exchanges", exchanges).
		Str("storage", a.driverName()).
		Msg("starting price watchers")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, svc := range services {
		wg.Add(1)
		go func(svc *service.Service) {
			defer wg.Done()
			if err := svc.Run(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(svc)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		a.Logger.Error().Err(err).Msg("watchers terminated with error")
		return err
	}
	a.Logger.Info().Msg("price watchers stopped")
	return nil
}

// RunRelay executes the relay loop until SIGINT or SIGTERM.
func (a *App) RunRelay(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	sender, err := alerting.NewSender(a.Config.Relay.Telegram, a.Logger)
	if err != nil {
		return err
	}
	r, err := relay.New(backend, sender, a.Config.Relay.Telegram.ChatIDs, relay.Options{
		PollInterval: a.Config.Relay.PollInterval,
		Cooldown:     a.Config.RelayCooldown(),
		Attempts:     a.Config.Alerting.DeliveryAttempts,
		Retry:        a.retryPolicy(),
	}, a.Logger)
	if err != nil {
		return err
	}

	err = r.Run(ctx)
	if err != nil && ctx.Err() == nil {
		a.Logger.Error().Err(err).Msg("relay terminated with error")
		return err
	}
	a.Logger.Info().Msg("relay stopped")
	return nil
}

// SeedOptions configure the seed command.
type SeedOptions struct {
	Exchange    string
	Instruments []string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Exchange string
	Alerts   int
}

// ExportOptions configure the chart export.
type ExportOptions struct {
	Exchange   string
	Instrument string
	PNGPath    string
	Signal     decimal.Decimal
}

// SimulateOptions configure a synthetic alert.
type SimulateOptions struct {
	Exchange   string
	Instrument string
	OldPrice   decimal.Decimal
	NewPrice   decimal.Decimal
	Dispatch   bool
}
