package btrfs

import (
	"testing"

	"mos/storaged/internal/pools"
)

const usageOut = `Overall:
    Device size:                  21474836480
    Device allocated:              4831838208
    Used:                          1073741824
    Free (estimated):             17179869184      (min: 10737418240)
`

func TestParseUsage(t *testing.T) {
	u := parseUsage(usageOut)
	if u.Size != 21474836480 {
		t.Fatalf("size: %d", u.Size)
	}
	if u.Used != 1073741824 {
		t.Fatalf("used: %d", u.Used)
	}
	if u.Free != 17179869184 {
		t.Fatalf("free: %d", u.Free)
	}
}

func TestParseProfile(t *testing.T) {
	out := `Data, RAID1: total=2.00GiB, used=1.00GiB
Metadata, RAID1: total=256.00MiB, used=1.25MiB
System, RAID1: total=8.00MiB, used=16.00KiB
`
	if p := parseProfile(out); p != pools.Raid1 {
		t.Fatalf("profile: %q", p)
	}
}

func TestParseShow(t *testing.T) {
	out := `Label: 'tank'  uuid: 3c3c6a4a-0000-1111-2222-333344445555
	Total devices 2 FS bytes used 1.07GiB
	devid    1 size 10.00GiB used 2.25GiB path /dev/sdb
	devid    2 size 10.00GiB used 2.25GiB path /dev/sdc
	*** Some devices missing
`
	sh := parseShow(out)
	if sh.Label != "tank" {
		t.Fatalf("label: %q", sh.Label)
	}
	if len(sh.Members) != 2 || sh.Members[0].Path != "/dev/sdb" || sh.Members[1].DevID != 2 {
		t.Fatalf("members: %+v", sh.Members)
	}
	if !sh.DevicesMissing {
		t.Fatal("missing-devices marker not detected")
	}
}

func TestHeadroomForConvert(t *testing.T) {
	if err := HeadroomForConvert(Usage{Size: 100, Free: 50}); err != nil {
		t.Fatalf("exactly 50%% free should pass: %v", err)
	}
	err := HeadroomForConvert(Usage{Size: 100, Free: 49})
	if pools.KindOf(err) != pools.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMoreRedundant(t *testing.T) {
	cases := []struct {
		cur, target pools.RaidLevel
		want        bool
	}{
		{pools.Raid0, pools.Raid1, true},
		{pools.RaidSingle, pools.Raid10, true},
		{pools.Raid1, pools.RaidSingle, false},
		{pools.Raid1, pools.Raid10, false},
	}
	for _, c := range cases {
		if got := MoreRedundant(c.cur, c.target); got != c.want {
			t.Fatalf("%s->%s: got %v", c.cur, c.target, got)
		}
	}
}
