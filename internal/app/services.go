package app

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/osmwatch/internal/config"
	"github.com/dokzlo13/osmwatch/internal/db"
	"github.com/dokzlo13/osmwatch/internal/definition"
	"github.com/dokzlo13/osmwatch/internal/delivery"
	"github.com/dokzlo13/osmwatch/internal/diff"
	"github.com/dokzlo13/osmwatch/internal/element"
	"github.com/dokzlo13/osmwatch/internal/guard"
	"github.com/dokzlo13/osmwatch/internal/history"
	"github.com/dokzlo13/osmwatch/internal/ledger"
	"github.com/dokzlo13/osmwatch/internal/monitor"
	"github.com/dokzlo13/osmwatch/internal/overpass"
	"github.com/dokzlo13/osmwatch/internal/rules"
)

// Monitor is a loaded monitoring definition with its report recipients
type Monitor struct {
	Definition *definition.Definition
	Recipients []string
}

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger
	Guard  *guard.Guard

	// Pipeline
	History    *history.Store
	Classifier *diff.Classifier
	Overpass   *overpass.Client
	Runner     *monitor.Runner
	Delivery   *delivery.Dispatcher
	Monitors   []Monitor

	// High-level services
	Watch  *WatchService
	Health *HealthService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config, opts Options) (*Services, error) {
	s := &Services{cfg: cfg}

	monitors, err := LoadMonitors(cfg.Monitors)
	if err != nil {
		return nil, err
	}
	s.Monitors = monitors

	// Initialize database
	database, err := db.Open(cfg.History.Database)
	if err != nil {
		return nil, err
	}
	s.DB = database

	// Initialize ledger
	s.Ledger = ledger.New(database.DB)

	s.Guard, err = guard.New(cfg.History.LockFile)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.History, err = history.Open(cfg.History.Dir, database.DB, s.Guard)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Classifier = diff.NewClassifier(diff.Options{MaxBytes: cfg.History.DiffMax})
	if n, err := rules.Load(cfg.Rules, s.Classifier); err != nil {
		s.Close()
		return nil, err
	} else if n > 0 {
		log.Info().Int("rules", n).Msg("Custom classification rules registered")
	}

	s.Overpass = overpass.NewClient(overpass.Config{
		Endpoint:  cfg.Overpass.Endpoint,
		Timeout:   cfg.Overpass.Timeout.Duration(),
		UserAgent: cfg.Overpass.UserAgent,
		MaxBytes:  cfg.Overpass.MaxBytes,

		RequestsPerMinute: cfg.Overpass.RequestsPerMinute,
	})

	s.Runner = monitor.NewRunner(s.Overpass, s.History, s.Classifier, s.Ledger, monitor.Options{
		Delay:    cfg.Overpass.Delay.Duration(),
		TempDir:  cfg.Run.TempDir,
		KeepTemp: cfg.Run.KeepTemp,
	})

	s.Delivery = newDispatcher(cfg, opts)

	// Initialize health service
	s.Health = NewHealthService(cfg)

	// Initialize watch service
	s.Watch = NewWatchService(cfg, s.Ledger, s.Health)

	return s, nil
}

func newDispatcher(cfg *config.Config, opts Options) *delivery.Dispatcher {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = io.Discard
	}

	if opts.DryRun {
		return delivery.NewDispatcher(false, &delivery.Stdout{W: stdout})
	}

	var ds []delivery.Deliverer
	if cfg.Delivery.Stdout {
		ds = append(ds, &delivery.Stdout{W: stdout})
	}
	if cfg.Delivery.SMTP.Enabled() {
		smtpCfg := cfg.Delivery.SMTP
		ds = append(ds, delivery.NewSMTP(delivery.SMTPConfig{
			Host:     smtpCfg.Host,
			Port:     smtpCfg.Port,
			Username: smtpCfg.Username,
			Password: smtpCfg.Password,
			From:     smtpCfg.From,
		}))
	}
	if cfg.Delivery.Webhook.URL != "" {
		ds = append(ds, delivery.NewWebhook(cfg.Delivery.Webhook.URL, cfg.Delivery.Webhook.Headers, cfg.Delivery.Webhook.Timeout.Duration()))
	}
	if len(ds) == 0 {
		log.Warn().Msg("No delivery configured, reports are printed to stdout")
		ds = append(ds, &delivery.Stdout{W: stdout})
	}
	return delivery.NewDispatcher(cfg.Delivery.SkipEmpty, ds...)
}

// LoadMonitors parses every configured monitoring definition.
func LoadMonitors(cfgs []config.MonitorConfig) ([]Monitor, error) {
	monitors := make([]Monitor, 0, len(cfgs))
	for i, mc := range cfgs {
		kind, err := element.ParseKind(mc.Kind)
		if err != nil {
			return nil, fmt.Errorf("monitors[%d]: %w", i, err)
		}
		method, err := definition.ParseMethod(mc.Method)
		if err != nil {
			return nil, fmt.Errorf("monitors[%d]: %w", i, err)
		}
		def, err := definition.Load(mc.Definition, kind, method)
		if err != nil {
			return nil, fmt.Errorf("monitors[%d]: %w", i, err)
		}
		monitors = append(monitors, Monitor{Definition: def, Recipients: mc.Recipients})
	}
	return monitors, nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Overpass != nil {
		s.Overpass.Close()
	}
	if s.Guard != nil {
		s.Guard.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
