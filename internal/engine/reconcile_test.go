package engine

import (
	"context"
	"errors"
	"testing"

	"mos/storaged/internal/pools"
	"mos/storaged/internal/probe"
	"mos/storaged/pkg/shell"
)

func TestView_InjectsLiveBtrfsMembers(t *testing.T) {
	h := newHarness(t)
	h.prober.setMounted(pools.MountPoint(h.cfg.MountRoot, "fast"), true)
	p, err := h.eng.CreateMultiDevicePool(context.Background(), CreateMultiRequest{
		Name:      "fast",
		Devices:   []string{"/dev/sdb", "/dev/sdc"},
		RaidLevel: pools.Raid1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// the filesystem knows a member the registry does not
	h.runner.out["btrfs filesystem show"] = shell.Result{Stdout: []byte(
		"Label: 'fast'  uuid: 11111111-2222-3333-4444-555555555555\n" +
			"\tTotal devices 3 FS bytes used 112.00GiB\n" +
			"\tdevid    1 size 1.82TiB used 112.00GiB path /dev/sdb\n" +
			"\tdevid    2 size 1.82TiB used 112.00GiB path /dev/sdc\n" +
			"\tdevid    3 size 1.82TiB used 112.00GiB path /dev/sdz\n")}
	h.runner.out["btrfs filesystem usage"] = btrfsUsageOut(4<<40, 1<<40, 3<<40, "RAID1")

	got, err := h.eng.GetPool(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.DataDevices) != 3 {
		t.Fatalf("data devices = %d, want 3 (one injected)", len(got.DataDevices))
	}
	inj := got.DataDevices[2]
	if inj.Device != "/dev/sdz" || !inj.Injected || inj.Slot != 3 {
		t.Errorf("injected slot = %+v, want /dev/sdz injected at slot 3", inj)
	}
	if got.Raid != pools.Raid1 {
		t.Errorf("raid = %q, want raid1", got.Raid)
	}
	if got.Degraded {
		t.Error("pool wrongly reported degraded")
	}
}

func TestView_MissingMemberMarksDegraded(t *testing.T) {
	h := newHarness(t)
	h.prober.setMounted(pools.MountPoint(h.cfg.MountRoot, "fast"), true)
	p, err := h.eng.CreateMultiDevicePool(context.Background(), CreateMultiRequest{
		Name:      "fast",
		Devices:   []string{"/dev/sdb", "/dev/sdc"},
		RaidLevel: pools.Raid1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.runner.out["btrfs filesystem show"] = shell.Result{Stdout: []byte(
		"Label: 'fast'  uuid: 11111111-2222-3333-4444-555555555555\n" +
			"\tTotal devices 2 FS bytes used 112.00GiB\n" +
			"\tSome devices missing\n" +
			"\tdevid    1 size 1.82TiB used 112.00GiB path /dev/sdb\n")}

	got, err := h.eng.GetPool(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Degraded {
		t.Error("missing member must mark the pool degraded")
	}
}

func TestView_DeviceStatuses(t *testing.T) {
	h := newHarness(t)
	p := h.createMedia(t)

	h.prober.setInfo("/dev/sdb", probe.Info{
		Device: "/dev/sdb", Filesystem: "xfs", Mounted: true,
		TotalBytes: 100, UsedBytes: 40, FreeBytes: 60,
	})
	h.prober.mu.Lock()
	h.prober.errs["/dev/sdc"] = errors.New("no such device")
	h.prober.mu.Unlock()

	got, err := h.eng.GetPool(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DataDevices[0].Status != "ok" || got.DataDevices[0].TotalBytes != 100 {
		t.Errorf("healthy device = %+v", got.DataDevices[0])
	}
	if got.DataDevices[1].Status != "missing" {
		t.Errorf("vanished device status = %q, want missing", got.DataDevices[1].Status)
	}
	if got.DataDevices[0].Mountpoint != pools.BranchMount(h.cfg.MountRoot, "media", 1) {
		t.Errorf("branch mountpoint = %q", got.DataDevices[0].Mountpoint)
	}
}

func TestView_BlankDeviceReportsUnformatted(t *testing.T) {
	h := newHarness(t)
	p := h.createMedia(t)
	// probe still sees no filesystem signature on sdc
	got, err := h.eng.GetPool(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DataDevices[1].Status != "unformatted" {
		t.Errorf("status = %q, want unformatted", got.DataDevices[1].Status)
	}
}

func TestListPoolsAndGetByName(t *testing.T) {
	h := newHarness(t)
	h.createMedia(t)
	h.prober.setMounted(pools.MountPoint(h.cfg.MountRoot, "tank"), true)
	if _, err := h.eng.CreateSingleDevicePool(context.Background(), CreateSingleRequest{Name: "tank", Device: "/dev/sdd"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	all, err := h.eng.ListPools(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("pools = %d, want 2", len(all))
	}

	got, err := h.eng.GetPoolByName(context.Background(), "media")
	if err != nil {
		t.Fatalf("by name: %v", err)
	}
	if got.Type != pools.TypeMergerFS {
		t.Errorf("type = %s, want mergerfs", got.Type)
	}
	if _, err := h.eng.GetPoolByName(context.Background(), "nope"); pools.KindOf(err) != pools.KindNotFound {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestView_MountedUsage(t *testing.T) {
	h := newHarness(t)
	p := h.createMedia(t)
	got, err := h.eng.GetPool(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Mounted {
		t.Fatal("pool should be mounted")
	}
	if got.SizeBytes == 0 || got.FreeBytes == 0 {
		t.Errorf("usage not populated: %+v", got)
	}
}
