// Package btrfs wraps the btrfs toolchain for native multi-device pools:
// filesystem creation, device membership, profile conversion and usage
// inspection.
package btrfs

import (
	"bufio"
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"mos/storaged/internal/pools"
	"mos/storaged/pkg/shell"
)

// Tool runs btrfs commands through the injected Runner.
type Tool struct {
	Runner      shell.Runner
	Timeout     time.Duration // ordinary queries
	LongTimeout time.Duration // mkfs, balance, remove, replace
}

func New(r shell.Runner, timeout, long time.Duration) *Tool {
	return &Tool{Runner: r, Timeout: timeout, LongTimeout: long}
}

// Mkfs creates one btrfs filesystem across devices with the given data
// profile. Metadata follows the data profile except raid0, which keeps
// raid1 metadata on multi-device filesystems.
func (t *Tool) Mkfs(ctx context.Context, label string, devices []string, raid pools.RaidLevel) error {
	meta := raid
	if raid == pools.Raid0 && len(devices) >= 2 {
		meta = pools.Raid1
	}
	args := []string{"-f", "-L", label, "-d", string(raid), "-m", string(meta)}
	args = append(args, devices...)
	res, err := t.Runner.Run(ctx, t.LongTimeout, "mkfs.btrfs", args...)
	if err != nil {
		return pools.CommandErr("mkfs.btrfs", "filesystem creation failed", string(res.Stderr), err)
	}
	return nil
}

func (t *Tool) DeviceAdd(ctx context.Context, mount string, devices []string) error {
	args := append([]string{"device", "add", "-f"}, devices...)
	args = append(args, mount)
	res, err := t.Runner.Run(ctx, t.LongTimeout, "btrfs", args...)
	if err != nil {
		return pools.CommandErr("btrfs device add", "device add failed", string(res.Stderr), err)
	}
	return nil
}

// DeviceRemove migrates data off the devices before dropping them; this
// blocks for as long as the migration takes.
func (t *Tool) DeviceRemove(ctx context.Context, mount string, devices []string) error {
	args := append([]string{"device", "remove"}, devices...)
	args = append(args, mount)
	res, err := t.Runner.Run(ctx, t.LongTimeout, "btrfs", args...)
	if err != nil {
		return pools.CommandErr("btrfs device remove", "device remove failed", string(res.Stderr), err)
	}
	return nil
}

// Replace performs the native atomic swap, blocking until completion (-B).
func (t *Tool) Replace(ctx context.Context, mount, oldDev, newDev string) error {
	res, err := t.Runner.Run(ctx, t.LongTimeout, "btrfs", "replace", "start", "-B", "-f", oldDev, newDev, mount)
	if err != nil {
		return pools.CommandErr("btrfs replace", "device replace failed", string(res.Stderr), err)
	}
	return nil
}

// BalanceConvert converts the data and metadata profiles of a mounted
// filesystem. Long-running; the caller waits for full completion.
func (t *Tool) BalanceConvert(ctx context.Context, mount string, data, meta pools.RaidLevel) error {
	res, err := t.Runner.Run(ctx, t.LongTimeout, "btrfs", "balance", "start",
		"-dconvert="+string(data), "-mconvert="+string(meta), mount)
	if err != nil {
		return pools.CommandErr("btrfs balance", "profile conversion failed", string(res.Stderr), err)
	}
	return nil
}

func (t *Tool) ScrubStart(ctx context.Context, mount string) error {
	res, err := t.Runner.Run(ctx, t.LongTimeout, "btrfs", "scrub", "start", "-B", mount)
	if err != nil {
		return pools.CommandErr("btrfs scrub", "scrub failed", string(res.Stderr), err)
	}
	return nil
}

// Usage holds byte figures from `btrfs filesystem usage -b`.
type Usage struct {
	Size uint64
	Used uint64
	Free uint64
}

var usageRe = regexp.MustCompile(`(?i)^(Device size|Used|Free \(estimated\)|Free)\s*:\s*(\d+)`)

func (t *Tool) FilesystemUsage(ctx context.Context, mount string) (Usage, error) {
	res, err := t.Runner.Run(ctx, t.Timeout, "btrfs", "filesystem", "usage", "-b", mount)
	if err != nil {
		return Usage{}, pools.CommandErr("btrfs filesystem usage", "usage query failed", string(res.Stderr), err)
	}
	return parseUsage(string(res.Stdout)), nil
}

func parseUsage(out string) Usage {
	var u Usage
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		m := usageRe.FindStringSubmatch(line)
		if len(m) != 3 {
			continue
		}
		v, _ := strconv.ParseUint(m[2], 10, 64)
		switch strings.ToLower(m[1]) {
		case "device size":
			u.Size = v
		case "used":
			u.Used = v
		case "free (estimated)", "free":
			if u.Free == 0 {
				u.Free = v
			}
		}
	}
	return u
}

// RaidProfile returns the data profile of a mounted filesystem, e.g.
// "raid1", parsed from `btrfs filesystem usage`.
func (t *Tool) RaidProfile(ctx context.Context, mount string) (pools.RaidLevel, error) {
	res, err := t.Runner.Run(ctx, t.Timeout, "btrfs", "filesystem", "usage", mount)
	if err != nil {
		return "", pools.CommandErr("btrfs filesystem usage", "profile query failed", string(res.Stderr), err)
	}
	return parseProfile(string(res.Stdout)), nil
}

func parseProfile(out string) pools.RaidLevel {
	for _, line := range strings.Split(strings.ToLower(out), "\n") {
		l := strings.TrimSpace(line)
		if !strings.HasPrefix(l, "data,") {
			continue
		}
		seg, _, _ := strings.Cut(l, ":")
		if _, prof, ok := strings.Cut(seg, ","); ok {
			return pools.RaidLevel(strings.TrimSpace(prof))
		}
	}
	return ""
}

// Member is one device reported by `btrfs filesystem show`.
type Member struct {
	DevID int
	Path  string
}

// Show holds live membership of a mounted btrfs filesystem.
type Show struct {
	Label          string
	UUID           string
	Members        []Member
	DevicesMissing bool
}

var devidRe = regexp.MustCompile(`devid\s+(\d+)\s+size\s+\S+\s+used\s+\S+\s+path\s+(\S+)`)

// FilesystemShow reports the live device membership for the filesystem
// mounted at mount. Membership of a native multi-device pool is owned by
// the filesystem itself, not the registry.
func (t *Tool) FilesystemShow(ctx context.Context, mount string) (Show, error) {
	res, err := t.Runner.Run(ctx, t.Timeout, "btrfs", "filesystem", "show", mount)
	if err != nil {
		return Show{}, pools.CommandErr("btrfs filesystem show", "show failed", string(res.Stderr), err)
	}
	return parseShow(string(res.Stdout)), nil
}

func parseShow(out string) Show {
	var sh Show
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Label:") {
			if i := strings.Index(line, "'"); i >= 0 {
				if j := strings.Index(line[i+1:], "'"); j >= 0 {
					sh.Label = line[i+1 : i+1+j]
				}
			}
			if k := strings.Index(strings.ToLower(line), "uuid:"); k >= 0 {
				sh.UUID = strings.TrimSpace(line[k+5:])
			}
			continue
		}
		if strings.Contains(line, "devices missing") || strings.Contains(line, "Some devices missing") {
			sh.DevicesMissing = true
			continue
		}
		if m := devidRe.FindStringSubmatch(line); len(m) == 3 {
			id, _ := strconv.Atoi(m[1])
			sh.Members = append(sh.Members, Member{DevID: id, Path: m[2]})
		}
	}
	return sh
}

// HeadroomForConvert reports whether the filesystem has the free space a
// redundancy-increasing conversion needs: free >= 50% of capacity.
func HeadroomForConvert(u Usage) error {
	if u.Size == 0 {
		return pools.CommandErr("btrfs filesystem usage", "cannot determine pool capacity", "", nil)
	}
	if u.Free*2 < u.Size {
		return pools.Validationf("raid convert",
			"conversion needs free space >= 50%% of capacity (free %d of %d)", u.Free, u.Size)
	}
	return nil
}

// MoreRedundant reports whether target requires more redundancy than cur.
func MoreRedundant(cur, target pools.RaidLevel) bool {
	rank := func(l pools.RaidLevel) int {
		switch l {
		case pools.Raid10:
			return 2
		case pools.Raid1:
			return 2
		default: // single, raid0
			return 1
		}
	}
	return rank(target) > rank(cur)
}
