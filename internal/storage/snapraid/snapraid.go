// Package snapraid maintains the parity tool's configuration for union
// pools and runs sync/scrub operations. One config file per pool lives
// under <etc>/snapraid/<pool>.conf; deleting the last parity device
// deletes the file and disables parity entirely.
package snapraid

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mos/storaged/internal/pools"
	"mos/storaged/pkg/shell"
)

type Tool struct {
	Runner      shell.Runner
	EtcDir      string
	StateDir    string
	MountRoot   string
	LongTimeout time.Duration
}

func New(r shell.Runner, etcDir, stateDir, mountRoot string, long time.Duration) *Tool {
	return &Tool{Runner: r, EtcDir: etcDir, StateDir: stateDir, MountRoot: mountRoot, LongTimeout: long}
}

// ConfigPath is the config file location for a pool.
func (t *Tool) ConfigPath(pool string) string {
	return filepath.Join(t.EtcDir, "snapraid", pool+".conf")
}

// Render produces the config referencing every data branch and parity
// mount of the record. Content files live in the state dir and on the
// first two data branches.
func (t *Tool) Render(rec *pools.Record) string {
	var b strings.Builder
	b.WriteString("# generated by storaged; do not edit\n")
	for i, p := range rec.ParityDevices {
		prefix := "parity"
		if i > 0 {
			prefix = fmt.Sprintf("%d-parity", i+1)
		}
		mount := pools.ParityMount(t.MountRoot, rec.Name, p.Slot)
		fmt.Fprintf(&b, "%s %s\n", prefix, filepath.Join(mount, "snapraid."+prefix))
	}
	fmt.Fprintf(&b, "content %s\n", filepath.Join(t.StateDir, "snapraid", rec.Name+".content"))
	for i, d := range rec.DataDevices {
		if i >= 2 {
			break
		}
		mount := pools.BranchMount(t.MountRoot, rec.Name, d.Slot)
		fmt.Fprintf(&b, "content %s\n", filepath.Join(mount, ".snapraid.content"))
	}
	for _, d := range rec.DataDevices {
		mount := pools.BranchMount(t.MountRoot, rec.Name, d.Slot)
		fmt.Fprintf(&b, "data d%d %s\n", d.Slot, mount)
	}
	b.WriteString("exclude *.unrecoverable\nexclude /tmp/\nexclude lost+found/\n")
	return b.String()
}

// WriteConfig renders and atomically replaces the pool's config. With no
// parity devices configured it removes the config instead.
func (t *Tool) WriteConfig(rec *pools.Record) error {
	path := t.ConfigPath(rec.Name)
	if len(rec.ParityDevices) == 0 {
		return t.DeleteConfig(rec.Name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pools.CommandErr("snapraid config", "cannot create config dir", "", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(t.Render(rec)), 0o644); err != nil {
		return pools.CommandErr("snapraid config", "cannot write config", "", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return pools.CommandErr("snapraid config", "cannot replace config", "", err)
	}
	return nil
}

func (t *Tool) DeleteConfig(pool string) error {
	if err := os.Remove(t.ConfigPath(pool)); err != nil && !os.IsNotExist(err) {
		return pools.CommandErr("snapraid config", "cannot delete config", "", err)
	}
	return nil
}

// HasConfig reports whether parity is configured for the pool.
func (t *Tool) HasConfig(pool string) bool {
	_, err := os.Stat(t.ConfigPath(pool))
	return err == nil
}

func (t *Tool) run(ctx context.Context, pool string, verb string) error {
	res, err := t.Runner.Run(ctx, t.LongTimeout, "snapraid", "-c", t.ConfigPath(pool), verb)
	if err != nil {
		return pools.CommandErr("snapraid "+verb, verb+" failed for pool "+pool, string(res.Stderr), err)
	}
	return nil
}

// Sync refreshes parity over the current data set.
func (t *Tool) Sync(ctx context.Context, pool string) error {
	return t.run(ctx, pool, "sync")
}

// Scrub verifies parity against data.
func (t *Tool) Scrub(ctx context.Context, pool string) error {
	return t.run(ctx, pool, "scrub")
}

// Touch fixes sub-second timestamps so sync has stable input.
func (t *Tool) Touch(ctx context.Context, pool string) error {
	return t.run(ctx, pool, "touch")
}
