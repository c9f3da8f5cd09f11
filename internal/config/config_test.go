package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.Port != 9800 {
		t.Fatalf("default port: %d", cfg.Port)
	}
	if cfg.MountRoot != "/mnt" {
		t.Fatalf("default mount root: %s", cfg.MountRoot)
	}
	if cfg.PowerParallel != 4 {
		t.Fatalf("default power parallel: %d", cfg.PowerParallel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MOS_PORT", "9999")
	t.Setenv("MOS_LOG", "debug")
	t.Setenv("MOS_STATE_DIR", "/tmp/mos-state")
	cfg := FromEnv()
	if cfg.Port != 9999 {
		t.Fatalf("port override: %d", cfg.Port)
	}
	if cfg.LogLevel != zerolog.DebugLevel {
		t.Fatalf("log level override: %v", cfg.LogLevel)
	}
	if cfg.StateDir != "/tmp/mos-state" {
		t.Fatalf("state dir override: %s", cfg.StateDir)
	}
}

func TestEnvOverridesTimeoutsAndParallelism(t *testing.T) {
	t.Setenv("MOS_COMMAND_TIMEOUT", "90s")
	t.Setenv("MOS_LONG_TIMEOUT", "6h")
	t.Setenv("MOS_POWER_PARALLEL", "8")
	cfg := FromEnv()
	if cfg.CommandTimeout != 90*time.Second {
		t.Fatalf("command timeout override: %v", cfg.CommandTimeout)
	}
	if cfg.LongTimeout != 6*time.Hour {
		t.Fatalf("long timeout override: %v", cfg.LongTimeout)
	}
	if cfg.PowerParallel != 8 {
		t.Fatalf("power parallel override: %d", cfg.PowerParallel)
	}

	t.Setenv("MOS_POWER_PARALLEL", "bogus")
	if got := FromEnv().PowerParallel; got != 4 {
		t.Fatalf("bad value must fall back to default, got %d", got)
	}
}

func TestYAMLOverlayThenEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storaged.yaml")
	data := "port: 9700\nmount_root: /srv/pools\ncommand_timeout: 45s\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MOS_CONFIG", path)
	t.Setenv("MOS_PORT", "9701")

	cfg := FromEnv()
	if cfg.Port != 9701 {
		t.Fatalf("env should win over file: %d", cfg.Port)
	}
	if cfg.MountRoot != "/srv/pools" {
		t.Fatalf("file overlay mount root: %s", cfg.MountRoot)
	}
	if cfg.CommandTimeout != 45*time.Second {
		t.Fatalf("file overlay timeout: %v", cfg.CommandTimeout)
	}
}
