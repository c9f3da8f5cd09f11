package engine

import (
	"context"
	"testing"

	"mos/storaged/internal/pools"
	"mos/storaged/internal/probe"
	"mos/storaged/pkg/shell"
)

// powerPool builds a union pool of three data disks and one parity disk,
// each with a stable filesystem UUID.
func (h *harness) powerPool(t *testing.T) Pool {
	t.Helper()
	for i, d := range []string{"/dev/sdb", "/dev/sdc", "/dev/sdd", "/dev/sde"} {
		h.prober.setInfo(d, probe.Info{Device: d, UUID: string(rune('a'+i)) + "-uuid"})
	}
	h.prober.setMounted(pools.MountPoint(h.cfg.MountRoot, "media"), true)
	p, err := h.eng.CreateMergerFSPool(context.Background(), CreateMergerFSRequest{
		Name:           "media",
		Devices:        []string{"/dev/sdb", "/dev/sdc", "/dev/sdd"},
		SnapraidDevice: "/dev/sde",
		Format:         boolPtr(true),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return p
}

func TestControlPool_OneFailureDoesNotAbortTheRest(t *testing.T) {
	h := newHarness(t)
	p := h.powerPool(t)
	h.runner.fail["hdparm -y /dev/sdd"] = shell.ErrTimeout

	res, err := h.eng.ControlPool(context.Background(), p.ID, PowerStandby)
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	if res.TotalDisks != 4 {
		t.Errorf("totalDisks = %d, want 4", res.TotalDisks)
	}
	if res.SuccessCount != 3 {
		t.Errorf("successCount = %d, want 3", res.SuccessCount)
	}
	var failed int
	for _, r := range res.Results {
		if r.PowerStatus == "error" {
			failed++
			if r.Device != "/dev/sdd" {
				t.Errorf("failed device = %s, want /dev/sdd", r.Device)
			}
			if r.Error == "" {
				t.Error("failed entry carries no error text")
			}
		} else if r.PowerStatus != "standby" {
			t.Errorf("device %s status = %q, want standby", r.Device, r.PowerStatus)
		}
	}
	if failed != 1 {
		t.Errorf("failed entries = %d, want 1", failed)
	}
}

func TestControlPool_CoversParityDisks(t *testing.T) {
	h := newHarness(t)
	p := h.powerPool(t)

	res, err := h.eng.ControlPool(context.Background(), p.ID, PowerSleep)
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	var parity int
	for _, r := range res.Results {
		if r.DiskType == "parity" {
			parity++
		}
	}
	if parity != 1 {
		t.Errorf("parity entries = %d, want 1", parity)
	}
	if !h.runner.called("hdparm -Y /dev/sde") {
		t.Error("parity disk not commanded")
	}
}

func TestControlPool_InvalidAction(t *testing.T) {
	h := newHarness(t)
	p := h.powerPool(t)
	if _, err := h.eng.ControlPool(context.Background(), p.ID, PowerAction("spin")); pools.KindOf(err) != pools.KindValidation {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestControlDisk_WakeIssuesRead(t *testing.T) {
	h := newHarness(t)
	p := h.powerPool(t)

	dp, err := h.eng.ControlDisk(context.Background(), p.ID, "a-uuid", PowerWake)
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	if dp.PowerStatus != "active" {
		t.Errorf("status = %q, want active", dp.PowerStatus)
	}
	if !h.runner.called("dd if=/dev/sdb") {
		t.Error("wake must issue a small read against the device")
	}
}

func TestGetDiskStatus_ResolvesByUUID(t *testing.T) {
	h := newHarness(t)
	p := h.powerPool(t)
	h.runner.out["hdparm -C /dev/sdc"] = shell.Result{Stdout: []byte(" drive state is:  standby\n")}
	h.runner.out["hdparm -C /dev/sde"] = shell.Result{Stdout: []byte(" drive state is:  active/idle\n")}

	dp, err := h.eng.GetDiskStatus(context.Background(), p.ID, "b-uuid")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if dp.Device != "/dev/sdc" || dp.Slot != 2 || dp.DiskType != "data" {
		t.Errorf("resolved %+v, want /dev/sdc slot 2 data", dp)
	}
	if dp.PowerStatus != "standby" {
		t.Errorf("status = %q, want standby", dp.PowerStatus)
	}

	dp, err = h.eng.GetDiskStatus(context.Background(), p.ID, "d-uuid")
	if err != nil {
		t.Fatalf("parity status: %v", err)
	}
	if dp.DiskType != "parity" || dp.PowerStatus != "active" {
		t.Errorf("parity disk = %+v", dp)
	}

	if _, err := h.eng.GetDiskStatus(context.Background(), p.ID, "nope"); pools.KindOf(err) != pools.KindNotFound {
		t.Errorf("unknown uuid: err = %v, want not found", err)
	}
}

func TestParseDriveState(t *testing.T) {
	cases := map[string]string{
		" drive state is:  active/idle": "active",
		" drive state is:  standby":     "standby",
		" drive state is:  sleeping":    "sleeping",
		"gibberish":                     "unknown",
	}
	for in, want := range cases {
		if got := parseDriveState(in); got != want {
			t.Errorf("parseDriveState(%q) = %q, want %q", in, got, want)
		}
	}
}
