// Package engine orchestrates pool lifecycle, device membership and disk
// power state. Every mutating operation takes the per-pool exclusive
// section around read-state, OS commands and persistence; operations on
// different pools run in parallel.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mos/storaged/internal/config"
	"mos/storaged/internal/pools"
	"mos/storaged/internal/probe"
	"mos/storaged/internal/storage"
	"mos/storaged/internal/storage/btrfs"
	"mos/storaged/internal/storage/mergerfs"
	"mos/storaged/internal/storage/snapraid"
	"mos/storaged/pkg/shell"
)

// Prober is the slice of device inspection the engine depends on.
type Prober interface {
	Probe(ctx context.Context, device string) (probe.Info, error)
	IsMountpoint(ctx context.Context, path string) bool
	MountpointUsage(path string) (total, used, free uint64)
}

// Engine is the pool lifecycle and device orchestration core.
type Engine struct {
	log    zerolog.Logger
	store  *pools.Store
	prober Prober
	runner shell.Runner

	fs     *storage.Tool
	btrfs  *btrfs.Tool
	union  *mergerfs.Tool
	parity *snapraid.Tool
	sched  *snapraid.Scheduler

	mountRoot     string
	powerParallel int
	powerTimeout  time.Duration

	now func() time.Time
}

// New wires the engine from daemon config. sched may be nil (tests).
func New(logger zerolog.Logger, cfg config.Config, store *pools.Store, runner shell.Runner, prober Prober, sched *snapraid.Scheduler) *Engine {
	return &Engine{
		log:           logger.With().Str("component", "engine").Logger(),
		store:         store,
		prober:        prober,
		runner:        runner,
		fs:            storage.New(runner, cfg.CommandTimeout, cfg.LongTimeout),
		btrfs:         btrfs.New(runner, cfg.CommandTimeout, cfg.LongTimeout),
		union:         mergerfs.New(runner, cfg.CommandTimeout),
		parity:        snapraid.New(runner, cfg.EtcDir, cfg.StateDir, cfg.MountRoot, cfg.LongTimeout),
		sched:         sched,
		mountRoot:     cfg.MountRoot,
		powerParallel: cfg.PowerParallel,
		powerTimeout:  cfg.CommandTimeout,
		now:           time.Now,
	}
}

// Parity exposes the parity tool for scheduler wiring at startup.
func (e *Engine) Parity() *snapraid.Tool { return e.parity }

// loadPool fetches a record by id without holding the pool lock.
func (e *Engine) loadPool(id string) (pools.Record, error) {
	reg, err := e.store.Load()
	if err != nil {
		return pools.Record{}, err
	}
	rec, ok := reg.ByID(id)
	if !ok {
		return pools.Record{}, pools.NotFoundf("pool", "unknown pool id: %s", id)
	}
	return *rec, nil
}

// withPool runs fn holding the pool's exclusive section, with a freshly
// loaded record. The registry is re-read inside the section so no stale
// copy crosses an operation boundary.
func (e *Engine) withPool(id string, fn func(rec pools.Record) error) error {
	unlock := e.store.LockPool(id)
	defer unlock()
	rec, err := e.loadPool(id)
	if err != nil {
		return err
	}
	return fn(rec)
}
