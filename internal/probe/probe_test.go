package probe

import (
	"context"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"mos/storaged/internal/pools"
	"mos/storaged/pkg/shell"
)

type fakeRunner struct {
	results map[string]shell.Result
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (shell.Result, error) {
	key := name
	for _, a := range args {
		key += " " + a
	}
	f.calls = append(f.calls, key)
	return f.results[key], f.errs[key]
}

func newProber(f *fakeRunner) *Shell {
	s := New(f)
	s.existsFn = func(string) bool { return true }
	s.statFn = func(path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Total: 1000, Used: 400, Free: 600}, nil
	}
	return s
}

func TestProbeFormattedMounted(t *testing.T) {
	f := &fakeRunner{results: map[string]shell.Result{
		"blkid -o export /dev/sdb": {Stdout: []byte("DEVNAME=/dev/sdb\nUUID=aaaa-bbbb\nTYPE=xfs\n")},
		"findmnt -J -S /dev/sdb":   {Stdout: []byte(`{"filesystems":[{"target":"/mnt/tank"}]}`)},
	}}
	info, err := newProber(f).Probe(context.Background(), "/dev/sdb")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if info.UUID != "aaaa-bbbb" || info.Filesystem != "xfs" {
		t.Fatalf("identity: %+v", info)
	}
	if !info.Mounted || info.Mountpoint != "/mnt/tank" {
		t.Fatalf("mount state: %+v", info)
	}
	if info.TotalBytes != 1000 || info.UsedBytes != 400 || info.FreeBytes != 600 {
		t.Fatalf("usage: %+v", info)
	}
}

func TestProbeBlankDeviceIsNotAnError(t *testing.T) {
	f := &fakeRunner{
		results: map[string]shell.Result{
			"blkid -o export /dev/sdc": {Code: 2},
			"findmnt -J -S /dev/sdc":   {Code: 1},
		},
		errs: map[string]error{
			"blkid -o export /dev/sdc": errExit,
			"findmnt -J -S /dev/sdc":   errExit,
		},
	}
	info, err := newProber(f).Probe(context.Background(), "/dev/sdc")
	if err != nil {
		t.Fatalf("blank device must not error: %v", err)
	}
	if info.Filesystem != "" || info.Mounted {
		t.Fatalf("expected blank unmounted device, got %+v", info)
	}
}

func TestProbeMissingDevice(t *testing.T) {
	s := New(&fakeRunner{})
	s.existsFn = func(string) bool { return false }
	_, err := s.Probe(context.Background(), "/dev/nope")
	if pools.KindOf(err) != pools.KindProbe {
		t.Fatalf("expected probe error, got %v", err)
	}
}

var errExit = &exitErr{}

type exitErr struct{}

func (*exitErr) Error() string { return "exit status 2" }
