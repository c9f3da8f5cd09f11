package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port     int
	LogLevel zerolog.Level

	// StateDir holds pools.json, the audit database and lock files.
	StateDir string
	// MountRoot is where pool mount points are created.
	MountRoot string
	// EtcDir holds generated tool configs (snapraid).
	EtcDir string

	// CommandTimeout bounds ordinary tool invocations. Long-running
	// operations (mkfs, balance, replace) use LongTimeout.
	CommandTimeout time.Duration
	LongTimeout    time.Duration

	// PowerParallel caps concurrent per-disk power commands.
	PowerParallel int
}

// fileConfig is the optional YAML overlay read from MOS_CONFIG.
type fileConfig struct {
	Port           int    `yaml:"port"`
	LogLevel       string `yaml:"log_level"`
	StateDir       string `yaml:"state_dir"`
	MountRoot      string `yaml:"mount_root"`
	EtcDir         string `yaml:"etc_dir"`
	CommandTimeout string `yaml:"command_timeout"`
	LongTimeout    string `yaml:"long_timeout"`
	PowerParallel  int    `yaml:"power_parallel"`
}

func Default() Config {
	return Config{
		Port:           9800,
		LogLevel:       zerolog.InfoLevel,
		StateDir:       "/var/lib/mos",
		MountRoot:      "/mnt",
		EtcDir:         "/etc/mos",
		CommandTimeout: 30 * time.Second,
		LongTimeout:    4 * time.Hour,
		PowerParallel:  4,
	}
}

// FromEnv builds the daemon config from defaults, an optional YAML file
// named by MOS_CONFIG, then MOS_* environment overrides, in that order.
func FromEnv() Config {
	cfg := Default()

	if path := os.Getenv("MOS_CONFIG"); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var fc fileConfig
			if yaml.Unmarshal(data, &fc) == nil {
				applyFile(&cfg, fc)
			}
		}
	}

	if v := os.Getenv("MOS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Port = p
		}
	}
	if v := os.Getenv("MOS_LOG"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			cfg.LogLevel = l
		}
	}
	if v := os.Getenv("MOS_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("MOS_MOUNT_ROOT"); v != "" {
		cfg.MountRoot = v
	}
	if v := os.Getenv("MOS_ETC_DIR"); v != "" {
		cfg.EtcDir = v
	}
	if v := os.Getenv("MOS_COMMAND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.CommandTimeout = d
		}
	}
	if v := os.Getenv("MOS_LONG_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.LongTimeout = d
		}
	}
	if v := os.Getenv("MOS_POWER_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PowerParallel = n
		}
	}
	return cfg
}

func applyFile(cfg *Config, fc fileConfig) {
	if fc.Port > 0 {
		cfg.Port = fc.Port
	}
	if fc.LogLevel != "" {
		if l, err := zerolog.ParseLevel(fc.LogLevel); err == nil {
			cfg.LogLevel = l
		}
	}
	if fc.StateDir != "" {
		cfg.StateDir = fc.StateDir
	}
	if fc.MountRoot != "" {
		cfg.MountRoot = fc.MountRoot
	}
	if fc.EtcDir != "" {
		cfg.EtcDir = fc.EtcDir
	}
	if fc.CommandTimeout != "" {
		if d, err := time.ParseDuration(fc.CommandTimeout); err == nil && d > 0 {
			cfg.CommandTimeout = d
		}
	}
	if fc.LongTimeout != "" {
		if d, err := time.ParseDuration(fc.LongTimeout); err == nil && d > 0 {
			cfg.LongTimeout = d
		}
	}
	if fc.PowerParallel > 0 {
		cfg.PowerParallel = fc.PowerParallel
	}
}
