// Package storage wraps the generic filesystem utilities: formatting,
// mounting and unmounting single devices.
package storage

import (
	"context"
	"os"
	"strings"
	"time"

	"mos/storaged/internal/pools"
	"mos/storaged/pkg/shell"
)

// Tool runs mkfs/mount/umount through the injected Runner.
type Tool struct {
	Runner      shell.Runner
	Timeout     time.Duration
	LongTimeout time.Duration
}

func New(r shell.Runner, timeout, long time.Duration) *Tool {
	return &Tool{Runner: r, Timeout: timeout, LongTimeout: long}
}

// mkfs binaries per filesystem family; btrfs single-device formatting goes
// through here too, multi-device creation lives in the btrfs package.
var mkfsBin = map[pools.PoolType]string{
	pools.TypeXFS:   "mkfs.xfs",
	pools.TypeExt4:  "mkfs.ext4",
	pools.TypeBtrfs: "mkfs.btrfs",
}

// Format creates a filesystem on device, overwriting whatever is there.
// Callers enforce the format-only-when-safe policy before calling.
func (t *Tool) Format(ctx context.Context, device string, fs pools.PoolType) error {
	bin, ok := mkfsBin[fs]
	if !ok {
		return pools.Validationf("format", "unsupported filesystem: %s", fs)
	}
	args := []string{"-f", device}
	if fs == pools.TypeExt4 {
		args = []string{"-F", device}
	}
	res, err := t.Runner.Run(ctx, t.LongTimeout, bin, args...)
	if err != nil {
		return pools.CommandErr(bin, "format failed for "+device, string(res.Stderr), err)
	}
	return nil
}

// Mount mounts device at target, creating the directory first.
func (t *Tool) Mount(ctx context.Context, device, target string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return pools.MountErr("mount", "cannot create mount point "+target, "", err)
	}
	res, err := t.Runner.Run(ctx, t.Timeout, "mount", device, target)
	if err != nil {
		return pools.MountErr("mount", "mount failed for "+device+" at "+target, string(res.Stderr), err)
	}
	return nil
}

// Unmount unmounts target. With force it falls back to a lazy unmount so
// busy mounts detach. "not mounted" is tolerated.
func (t *Tool) Unmount(ctx context.Context, target string, force bool) error {
	args := []string{target}
	if force {
		args = []string{"-l", target}
	}
	res, err := t.Runner.Run(ctx, t.Timeout, "umount", args...)
	if err != nil {
		if notMounted(res.Stderr) {
			return nil
		}
		return pools.MountErr("umount", "unmount failed for "+target, string(res.Stderr), err)
	}
	return nil
}

func notMounted(stderr []byte) bool {
	s := string(stderr)
	return strings.Contains(s, "not mounted") || strings.Contains(s, "no mount point specified")
}

// RemoveMountDir removes an (empty, unmounted) mount-point directory.
func RemoveMountDir(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return pools.MountErr("rmdir", "cannot remove mount point "+path, "", err)
	}
	return nil
}
