package snapraid

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs `snapraid sync` per pool on its configured cron schedule.
// Reload replaces all entries; pools without a schedule or without parity
// are skipped.
type Scheduler struct {
	logger  zerolog.Logger
	tool    *Tool
	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID // pool name -> entry
}

func NewScheduler(logger zerolog.Logger, tool *Tool) *Scheduler {
	return &Scheduler{
		logger:  logger.With().Str("component", "snapraid-scheduler").Logger(),
		tool:    tool,
		cron:    cron.New(),
		entries: map[string]cron.EntryID{},
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Set installs or replaces the sync entry for one pool. An empty schedule
// removes the entry.
func (s *Scheduler) Set(pool, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[pool]; ok {
		s.cron.Remove(id)
		delete(s.entries, pool)
	}
	if schedule == "" {
		return nil
	}
	name := pool
	id, err := s.cron.AddFunc(schedule, func() { s.runSync(name) })
	if err != nil {
		return err
	}
	s.entries[pool] = id
	s.logger.Info().Str("pool", pool).Str("schedule", schedule).Msg("parity sync scheduled")
	return nil
}

// Has reports whether a sync entry is installed for the pool.
func (s *Scheduler) Has(pool string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[pool]
	return ok
}

// Remove drops the entry for a pool, if any.
func (s *Scheduler) Remove(pool string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[pool]; ok {
		s.cron.Remove(id)
		delete(s.entries, pool)
	}
}

func (s *Scheduler) runSync(pool string) {
	if !s.tool.HasConfig(pool) {
		return
	}
	s.logger.Info().Str("pool", pool).Msg("parity sync started")
	if err := s.tool.Sync(context.Background(), pool); err != nil {
		s.logger.Error().Err(err).Str("pool", pool).Msg("parity sync failed")
		return
	}
	s.logger.Info().Str("pool", pool).Msg("parity sync finished")
}
