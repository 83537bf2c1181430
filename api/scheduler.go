/*
scheduler.go - Background tick loop

Three periodic jobs:
  - sync cycle (skip-if-running lives in the Syncer itself)
  - expiry sweep (flips overdue lots, logs upcoming expiries)
  - connectivity probe between sync ticks

All jobs run off one goroutine per ticker; Stop waits for them.
*/
package api

import (
	"context"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mokksdz/manchengo/app"
)

// Scheduler drives the periodic jobs.
type Scheduler struct {
	App            *app.Context
	SyncInterval   time.Duration
	ExpiryInterval time.Duration
	ExpiryDays     int

	log  zerolog.Logger
	stop chan struct{}
	wg   gosync.WaitGroup
	mu   gosync.Mutex
	on   bool
}

func NewScheduler(appCtx *app.Context, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		App:            appCtx,
		SyncInterval:   appCtx.Config.Sync.Interval,
		ExpiryInterval: appCtx.Config.Scheduler.ExpiryInterval,
		ExpiryDays:     appCtx.Config.Scheduler.ExpiryDays,
		log:            log.With().Str("component", "api.scheduler").Logger(),
		stop:           make(chan struct{}),
	}
}

// Start launches the tick loops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.on {
		return
	}
	s.on = true

	s.wg.Add(1)
	go s.runExpiry()

	if s.App.Syncer != nil {
		s.wg.Add(1)
		go s.runSync()
	}

	s.log.Info().
		Dur("sync_interval", s.SyncInterval).
		Dur("expiry_interval", s.ExpiryInterval).
		Bool("sync_enabled", s.App.Syncer != nil).
		Msg("scheduler started")
}

// Stop halts the loops and waits for in-flight ticks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.on {
		return
	}
	s.on = false
	close(s.stop)
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runSync() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.SyncInterval)
	defer ticker.Stop()

	// First cycle right away so a restart drains the queue without
	// waiting a full interval.
	s.syncTick()

	for {
		select {
		case <-ticker.C:
			s.syncTick()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) syncTick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.SyncInterval)
	defer cancel()

	report, err := s.App.Syncer.Sync(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("sync cycle failed")
		return
	}
	if report.Skipped {
		return
	}
	s.log.Debug().
		Int("pushed", report.Pushed).
		Int("pulled", report.Pulled).
		Msg("sync tick done")
}

func (s *Scheduler) runExpiry() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.ExpiryInterval)
	defer ticker.Stop()

	s.expiryTick()

	for {
		select {
		case <-ticker.C:
			s.expiryTick()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) expiryTick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	flipped, err := s.App.Stock.MarkExpired(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("expiry sweep failed")
		return
	}

	upcoming, err := s.App.Stock.ExpiringLots(ctx, s.ExpiryDays)
	if err != nil {
		s.log.Error().Err(err).Msg("expiring lot scan failed")
		return
	}
	if flipped > 0 || len(upcoming) > 0 {
		s.log.Info().
			Int("expired", flipped).
			Int("expiring_soon", len(upcoming)).
			Msg("expiry sweep done")
	}
}
