package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"option-risk-alerts/internal/alerting"
	"option-risk-alerts/internal/config"
	"option-risk-alerts/internal/fetcher"
	"option-risk-alerts/internal/metrics"
	"option-risk-alerts/internal/monitor"
	"option-risk-alerts/internal/scheduler"
	"option-risk-alerts/internal/statestore"
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

func (a *App) newDeribit() *fetcher.Deribit {
	return fetcher.NewDeribit(fetcher.Options{
		BaseURL:       a.Config.Deribit.BaseURL,
		ClientID:      a.Config.Deribit.ClientID,
		ClientSecret:  a.Config.Deribit.ClientSecret,
		Currencies:    a.Config.Deribit.Currencies,
		IndexCurrency: a.Config.Deribit.IndexCurrency,
		Timeout:       a.Config.Deribit.RequestTimeout,
		UserAgent:     a.Config.Deribit.UserAgent,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Feishu.Enabled {
		return alerting.NewFeishuNotifier(a.Config.Feishu.WebhookURL, a.Config.Feishu.RequestTimeout, a.Logger)
	}
	return nil
}

func (a *App) openState(ctx context.Context) (statestore.Store, func(), error) {
	switch a.Config.State.Backend {
	case "postgres":
		pool, err := statestore.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, nil, err
		}
		store, err := statestore.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, store.Close, nil
	case "file":
		store := statestore.NewFileStore(a.Config.State.Path, a.Logger)
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown state backend %q", a.Config.State.Backend)
	}
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	state, closeState, err := a.openState(ctx)
	if err != nil {
		return err
	}
	if closeState != nil {
		defer closeState()
	}

	if a.Config.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, a.Config.Metrics.ListenAddr, a.Logger); err != nil {
				a.Logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToTick:  a.Config.Scheduler.AlignToTick,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	deribit := a.newDeribit()
	notifier := a.newNotifier()
	if notifier == nil {
		a.Logger.Warn().Msg("feishu 未启用，异常事件仅记录日志")
	}

	mon := monitor.New(a.Config, sched, deribit, deribit, state, notifier, a.Logger)
	if err := mon.Restore(ctx); err != nil {
		return err
	}

	a.Logger.Info().Msg("starting monitoring service")
	err = mon.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting a recorded series.
type ExportOptions struct {
	Key       string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Key   string
	Limit int
}
