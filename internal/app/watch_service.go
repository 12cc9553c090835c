package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/osmwatch/internal/config"
	"github.com/dokzlo13/osmwatch/internal/ledger"
)

// WatchService runs all monitors periodically and prunes the ledger.
type WatchService struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	health *HealthService
	wg     sync.WaitGroup
}

// NewWatchService creates a new WatchService.
func NewWatchService(cfg *config.Config, l *ledger.Ledger, health *HealthService) *WatchService {
	return &WatchService{
		cfg:    cfg,
		ledger: l,
		health: health,
	}
}

// Start runs pass immediately and then on every watch interval until ctx is
// cancelled. Passes never overlap.
func (s *WatchService) Start(ctx context.Context, pass func(context.Context)) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.runLoop(ctx, pass)
	}()
	go func() {
		defer s.wg.Done()
		s.runLedgerCleanup(ctx)
	}()
}

// Wait blocks until the loops started by Start have returned.
func (s *WatchService) Wait() {
	s.wg.Wait()
}

func (s *WatchService) runLoop(ctx context.Context, pass func(context.Context)) {
	interval := s.cfg.Watch.Interval.Duration()

	pass(ctx)
	if s.health != nil {
		s.health.SetReady()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Debug().Msg("Watch interval elapsed")
			pass(ctx)
		}
	}
}

// runLedgerCleanup periodically cleans up old ledger entries.
func (s *WatchService) runLedgerCleanup(ctx context.Context) {
	if s.ledger == nil {
		return
	}
	retention := time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour
	interval := s.cfg.Ledger.CleanupInterval.Duration()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.ledger.DeleteOlderThan(retention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
			} else if deleted > 0 {
				log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
			}
		}
	}
}
