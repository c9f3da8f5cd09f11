package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"mos/storaged/internal/audit"
	"mos/storaged/internal/config"
	"mos/storaged/internal/engine"
	"mos/storaged/internal/pools"
	"mos/storaged/internal/probe"
	"mos/storaged/internal/server"
	"mos/storaged/internal/storage/snapraid"
	"mos/storaged/pkg/shell"
)

func main() {
	cfg := config.FromEnv()
	logger := server.Logger(cfg)

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("cannot create state dir")
	}

	store, err := pools.NewStore(filepath.Join(cfg.StateDir, "pools.json"))
	if err != nil {
		logger.Fatal().Err(err).Msg("registry store init failed")
	}

	auditLog, err := audit.Open(*logger, cfg.StateDir)
	if err != nil {
		logger.Warn().Err(err).Msg("audit log unavailable")
		auditLog = nil
	}

	exec := &shell.Exec{Log: logger}
	if auditLog != nil {
		exec.Audit = auditLog
	}
	var runner shell.Runner = &server.MeteredRunner{Next: exec}
	prober := probe.New(runner)

	parity := snapraid.New(runner, cfg.EtcDir, cfg.StateDir, cfg.MountRoot, cfg.LongTimeout)
	sched := snapraid.NewScheduler(*logger, parity)
	eng := engine.New(*logger, cfg, store, runner, prober, sched)

	bootstrap(logger, store, eng, sched)
	sched.Start()
	defer sched.Stop()

	r := server.NewRouter(cfg, eng, auditLog)
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	logger.Info().Msgf("storaged listening on http://%s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

// bootstrap mounts automount pools and installs parity sync schedules
// from the registry. Per-pool failures are logged and skipped so one bad
// pool cannot keep the daemon down.
func bootstrap(logger *zerolog.Logger, store *pools.Store, eng *engine.Engine, sched *snapraid.Scheduler) {
	reg, err := store.Load()
	if err != nil {
		logger.Warn().Err(err).Msg("registry load failed at startup")
		return
	}
	ctx := context.Background()
	for _, rec := range reg.Pools {
		if rec.Automount {
			if _, err := eng.MountPool(ctx, rec.ID); err != nil {
				logger.Warn().Err(err).Str("pool", rec.Name).Msg("automount failed")
			}
		}
		if rec.Type == pools.TypeMergerFS && len(rec.ParityDevices) > 0 && rec.Config.SyncSchedule != "" {
			if err := sched.Set(rec.Name, rec.Config.SyncSchedule); err != nil {
				logger.Warn().Err(err).Str("pool", rec.Name).Msg("invalid parity sync schedule")
			}
		}
	}
}
