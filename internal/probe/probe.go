// Package probe inspects block devices: filesystem identity, mount status
// and space usage. Pure queries, no mutation.
package probe

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"mos/storaged/internal/pools"
	"mos/storaged/pkg/shell"
)

// Info is the probe result for one device.
type Info struct {
	Device     string `json:"device"`
	UUID       string `json:"uuid,omitempty"`
	Filesystem string `json:"filesystem,omitempty"` // empty when no recognizable filesystem
	Mounted    bool   `json:"mounted"`
	Mountpoint string `json:"mountpoint,omitempty"`
	TotalBytes uint64 `json:"totalBytes"`
	UsedBytes  uint64 `json:"usedBytes"`
	FreeBytes  uint64 `json:"freeBytes"`
}

// Prober is the device inspection contract.
type Prober interface {
	Probe(ctx context.Context, device string) (Info, error)
}

// Shell probes devices via blkid and findmnt, with statfs (gopsutil) for
// usage figures on mounted filesystems.
type Shell struct {
	Runner  shell.Runner
	Timeout time.Duration

	// statFn seam for tests; defaults to disk.Usage.
	statFn func(path string) (*disk.UsageStat, error)
	// existsFn seam for tests; defaults to os.Stat.
	existsFn func(path string) bool
}

func New(r shell.Runner) *Shell {
	return &Shell{Runner: r, Timeout: 5 * time.Second}
}

func (s *Shell) stat(path string) (*disk.UsageStat, error) {
	if s.statFn != nil {
		return s.statFn(path)
	}
	return disk.Usage(path)
}

func (s *Shell) exists(path string) bool {
	if s.existsFn != nil {
		return s.existsFn(path)
	}
	_, err := os.Stat(path)
	return err == nil
}

func (s *Shell) Probe(ctx context.Context, device string) (Info, error) {
	if !s.exists(device) {
		return Info{}, pools.ProbeErr("probe", "device node does not exist: "+device, nil)
	}
	info := Info{Device: device}

	// blkid exits 2 when no filesystem signature is present; that is a
	// valid answer, not a failure.
	res, err := s.Runner.Run(ctx, s.Timeout, "blkid", "-o", "export", device)
	if err != nil && res.Code != 2 {
		return Info{}, pools.ProbeErr("probe", "blkid failed for "+device, err)
	}
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch k {
		case "UUID":
			info.UUID = v
		case "TYPE":
			info.Filesystem = v
		}
	}

	mp, err := s.mountpointOf(ctx, device)
	if err != nil {
		return Info{}, err
	}
	if mp != "" {
		info.Mounted = true
		info.Mountpoint = mp
		if u, err := s.stat(mp); err == nil {
			info.TotalBytes = u.Total
			info.UsedBytes = u.Used
			info.FreeBytes = u.Free
		}
	}
	return info, nil
}

type findmntJSON struct {
	Filesystems []struct {
		Target string `json:"target"`
	} `json:"filesystems"`
}

func (s *Shell) mountpointOf(ctx context.Context, device string) (string, error) {
	res, err := s.Runner.Run(ctx, s.Timeout, "findmnt", "-J", "-S", device)
	if err != nil {
		// findmnt exits 1 when the device is simply not mounted.
		if res.Code == 1 {
			return "", nil
		}
		return "", pools.ProbeErr("probe", "findmnt failed for "+device, err)
	}
	var out findmntJSON
	if jerr := json.Unmarshal(res.Stdout, &out); jerr != nil || len(out.Filesystems) == 0 {
		return "", nil
	}
	return out.Filesystems[0].Target, nil
}

// MountpointUsage returns usage for an arbitrary mounted path.
func (s *Shell) MountpointUsage(path string) (total, used, free uint64) {
	if u, err := s.stat(path); err == nil {
		return u.Total, u.Used, u.Free
	}
	return 0, 0, 0
}
