package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/osmwatch/internal/config"
)

// Options adjusts how the app delivers reports
type Options struct {
	// DryRun prints reports to Stdout instead of using the configured delivery.
	DryRun bool
	Stdout io.Writer
}

// App is the main application container that manages all services and their lifecycle.
type App struct {
	cfg      *config.Config
	services *Services
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new App instance with all services initialized but not started.
func New(cfg *config.Config, opts Options) (*App, error) {
	services, err := NewServices(cfg, opts)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		services: services,
	}, nil
}

// Services exposes the service container, e.g. for history queries.
func (a *App) Services() *Services {
	return a.services
}

// RunOnce runs every monitor once and delivers the reports. Monitors are
// independent: a failing one does not stop the rest.
func (a *App) RunOnce(ctx context.Context) error {
	if len(a.services.Monitors) == 0 {
		return fmt.Errorf("no monitors configured")
	}
	var errs []error
	for _, m := range a.services.Monitors {
		if err := a.services.runMonitor(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Definition.Title, err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

func (s *Services) runMonitor(ctx context.Context, m Monitor) error {
	rep, err := s.Runner.Run(ctx, m.Definition)
	if err != nil {
		return err
	}
	return s.Delivery.Deliver(ctx, rep, m.Recipients)
}

// Start starts watch mode: every monitor runs now and then on the configured
// interval. The provided context is used for cancellation.
func (a *App) Start(ctx context.Context) error {
	if len(a.services.Monitors) == 0 {
		return fmt.Errorf("no monitors configured")
	}
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.services.Health.Start(a.ctx)
	a.services.Watch.Start(a.ctx, a.services.runAll)

	log.Info().
		Int("monitors", len(a.services.Monitors)).
		Dur("interval", a.cfg.Watch.Interval.Duration()).
		Msg("osmwatch started")
	return nil
}

func (s *Services) runAll(ctx context.Context) {
	for _, m := range s.Monitors {
		if ctx.Err() != nil {
			return
		}
		if err := s.runMonitor(ctx, m); err != nil {
			log.Error().Err(err).Str("title", m.Definition.Title).Msg("Monitor run failed")
		}
	}
}

// Stop gracefully shuts down all services.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down...")

	if a.cancel != nil {
		a.cancel()
	}
	if a.services != nil {
		a.services.Watch.Wait()
		a.services.Close()
	}
	return nil
}

// Wait blocks until the application context is cancelled.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// Close releases resources without starting anything.
func (a *App) Close() {
	if a.services != nil {
		a.services.Close()
	}
}

// SignalContext creates a context that is cancelled when SIGINT or SIGTERM is received.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}
