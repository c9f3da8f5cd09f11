// Package mergerfs builds and mounts the union view of a pool's data
// branches. Branch membership changes are applied by remounting with the
// updated branch list.
package mergerfs

import (
	"context"
	"os"
	"strings"
	"time"

	"mos/storaged/internal/pools"
	"mos/storaged/pkg/shell"
)

type Tool struct {
	Runner  shell.Runner
	Timeout time.Duration
}

func New(r shell.Runner, timeout time.Duration) *Tool {
	return &Tool{Runner: r, Timeout: timeout}
}

// Options resolves a pool's policy block into the mergerfs option string.
// Unset policies fall back to the documented defaults; GlobalOptions is
// appended verbatim as raw passthrough.
func Options(cfg pools.Config) string {
	create := cfg.CreatePolicy
	if create == "" {
		create = pools.DefaultCreatePolicy
	}
	read := cfg.ReadPolicy
	if read == "" {
		read = pools.DefaultReadPolicy
	}
	search := cfg.SearchPolicy
	if search == "" {
		search = pools.DefaultSearchPolicy
	}
	minFree := cfg.MinFreeSpace
	if minFree == "" {
		minFree = pools.DefaultMinFree
	}
	moveOn := "true"
	if cfg.MoveOnENOSPC != nil && !*cfg.MoveOnENOSPC {
		moveOn = "false"
	}
	opts := []string{
		"defaults",
		"allow_other",
		"category.create=" + create,
		"category.action=" + read,
		"category.search=" + search,
		"minfreespace=" + minFree,
		"moveonenospc=" + moveOn,
		"fsname=mergerfs",
	}
	if extra := strings.TrimSpace(cfg.GlobalOptions); extra != "" {
		opts = append(opts, extra)
	}
	return strings.Join(opts, ",")
}

// Mount mounts the union of branches at target with the resolved options.
func (t *Tool) Mount(ctx context.Context, branches []string, target string, cfg pools.Config) error {
	if len(branches) == 0 {
		return pools.Validationf("mergerfs mount", "no branches to mount")
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return pools.MountErr("mergerfs mount", "cannot create mount point "+target, "", err)
	}
	src := strings.Join(branches, ":")
	res, err := t.Runner.Run(ctx, t.Timeout, "mount", "-t", "fuse.mergerfs", src, target, "-o", Options(cfg))
	if err != nil {
		return pools.MountErr("mergerfs mount", "union mount failed at "+target, string(res.Stderr), err)
	}
	return nil
}

// Remount re-applies the union with an updated branch list: lazy-unmount
// the old view, then mount fresh. The branch filesystems stay mounted
// throughout, so data access only pauses at the union layer.
func (t *Tool) Remount(ctx context.Context, branches []string, target string, cfg pools.Config) error {
	res, err := t.Runner.Run(ctx, t.Timeout, "umount", "-l", target)
	if err != nil && !strings.Contains(string(res.Stderr), "not mounted") {
		return pools.MountErr("mergerfs remount", "cannot detach old union at "+target, string(res.Stderr), err)
	}
	return t.Mount(ctx, branches, target, cfg)
}

func (t *Tool) Unmount(ctx context.Context, target string, force bool) error {
	args := []string{target}
	if force {
		args = []string{"-l", target}
	}
	res, err := t.Runner.Run(ctx, t.Timeout, "umount", args...)
	if err != nil {
		if strings.Contains(string(res.Stderr), "not mounted") {
			return nil
		}
		return pools.MountErr("mergerfs umount", "union unmount failed at "+target, string(res.Stderr), err)
	}
	return nil
}
