package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mos/storaged/internal/config"
	"mos/storaged/internal/pools"
	"mos/storaged/internal/probe"
	"mos/storaged/internal/storage/snapraid"
	"mos/storaged/pkg/shell"
)

// fakeRunner records every invocation and answers from an override table;
// unlisted commands succeed with empty output.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	out   map[string]shell.Result
	fail  map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{out: map[string]shell.Result{}, fail: map[string]error{}}
}

func (f *fakeRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (shell.Result, error) {
	key := name + " " + strings.Join(args, " ")
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()
	for prefix, err := range f.fail {
		if strings.HasPrefix(key, prefix) {
			return shell.Result{Code: 1, Stderr: []byte("fake failure")}, err
		}
	}
	for prefix, res := range f.out {
		if strings.HasPrefix(key, prefix) {
			return res, nil
		}
	}
	return shell.Result{}, nil
}

func (f *fakeRunner) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// fakeProber serves device facts from maps.
type fakeProber struct {
	mu      sync.Mutex
	infos   map[string]probe.Info
	errs    map[string]error
	mounted map[string]bool
}

func newFakeProber() *fakeProber {
	return &fakeProber{infos: map[string]probe.Info{}, errs: map[string]error{}, mounted: map[string]bool{}}
}

func (f *fakeProber) Probe(ctx context.Context, device string) (probe.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[device]; ok {
		return probe.Info{}, err
	}
	if info, ok := f.infos[device]; ok {
		return info, nil
	}
	// unknown devices look blank
	return probe.Info{Device: device}, nil
}

func (f *fakeProber) IsMountpoint(ctx context.Context, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mounted[path]
}

func (f *fakeProber) MountpointUsage(path string) (uint64, uint64, uint64) {
	return 1 << 40, 1 << 39, 1 << 39
}

func (f *fakeProber) setMounted(path string, v bool) {
	f.mu.Lock()
	f.mounted[path] = v
	f.mu.Unlock()
}

func (f *fakeProber) setInfo(device string, info probe.Info) {
	f.mu.Lock()
	f.infos[device] = info
	f.mu.Unlock()
}

type harness struct {
	eng    *Engine
	runner *fakeRunner
	prober *fakeProber
	store  *pools.Store
	cfg    config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.MountRoot = filepath.Join(dir, "mnt")
	cfg.EtcDir = filepath.Join(dir, "etc")

	store, err := pools.NewStore(filepath.Join(cfg.StateDir, "pools.json"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	runner := newFakeRunner()
	prober := newFakeProber()
	logger := zerolog.Nop()
	parity := snapraid.New(runner, cfg.EtcDir, cfg.StateDir, cfg.MountRoot, cfg.LongTimeout)
	sched := snapraid.NewScheduler(logger, parity)
	eng := New(logger, cfg, store, runner, prober, sched)
	return &harness{eng: eng, runner: runner, prober: prober, store: store, cfg: cfg}
}

// createMedia builds the union pool used across membership tests:
// media on /dev/sdb + /dev/sdc (xfs, blank devices).
func (h *harness) createMedia(t *testing.T) Pool {
	t.Helper()
	h.prober.setMounted(pools.MountPoint(h.cfg.MountRoot, "media"), true)
	p, err := h.eng.CreateMergerFSPool(context.Background(), CreateMergerFSRequest{
		Name:       "media",
		Devices:    []string{"/dev/sdb", "/dev/sdc"},
		Filesystem: pools.TypeXFS,
		Config:     pools.Config{CreatePolicy: "mfs", ReadPolicy: "ff"},
	})
	if err != nil {
		t.Fatalf("create union pool: %v", err)
	}
	return p
}

func (h *harness) parityConf(pool string) string {
	return filepath.Join(h.cfg.EtcDir, "snapraid", pool+".conf")
}

func boolPtr(v bool) *bool { return &v }

// btrfsUsageOut fakes `btrfs filesystem usage` output; the same text feeds
// both the byte parser and the profile parser.
func btrfsUsageOut(size, used, free uint64, profile string) shell.Result {
	out := fmt.Sprintf("Overall:\n"+
		"    Device size: %d\n"+
		"    Used: %d\n"+
		"    Free (estimated): %d\n\n"+
		"Data,%s: Size:%d, Used:%d\n", size, used, free, profile, size, used)
	return shell.Result{Stdout: []byte(out)}
}
