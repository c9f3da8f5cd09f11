// Package pools holds the pool registry model and the managers that
// orchestrate pool lifecycle, device membership and disk power state.
package pools

import (
	"fmt"
	"path/filepath"
	"time"
)

// PoolType is the closed set of pool families. Native multi-device RAID
// pools carry the underlying filesystem family (btrfs) regardless of RAID
// level; union pools are mergerfs.
type PoolType string

const (
	TypeBtrfs    PoolType = "btrfs"
	TypeXFS      PoolType = "xfs"
	TypeExt4     PoolType = "ext4"
	TypeMergerFS PoolType = "mergerfs"
)

func ValidPoolType(t PoolType) bool {
	switch t {
	case TypeBtrfs, TypeXFS, TypeExt4, TypeMergerFS:
		return true
	}
	return false
}

// RaidLevel for native multi-device (btrfs) pools.
type RaidLevel string

const (
	RaidSingle RaidLevel = "single"
	Raid0      RaidLevel = "raid0"
	Raid1      RaidLevel = "raid1"
	Raid10     RaidLevel = "raid10"
)

func ValidRaidLevel(l RaidLevel) bool {
	switch l {
	case RaidSingle, Raid0, Raid1, Raid10:
		return true
	}
	return false
}

// DeviceSlot is one member device of a pool. Slot numbers are 1-based,
// unique within the pool, and stable across replace operations; remove
// never renumbers the remaining slots.
type DeviceSlot struct {
	Slot       int    `json:"slot"`
	Device     string `json:"device"`
	ID         string `json:"id,omitempty"` // filesystem UUID
	Filesystem string `json:"filesystem,omitempty"`
	// Injected marks a slot synthesized from live btrfs membership
	// rather than the registry.
	Injected bool `json:"_injected,omitempty"`
}

// PathRule steers a sub-path of a union pool to a subset of data-device
// slots. Consumed by the share manager.
type PathRule struct {
	Path          string `json:"path"`
	TargetDevices []int  `json:"target_devices"`
}

// Config is a pool's policy block.
type Config struct {
	CreatePolicy  string     `json:"create,omitempty"`
	ReadPolicy    string     `json:"read,omitempty"`
	SearchPolicy  string     `json:"search,omitempty"`
	MinFreeSpace  string     `json:"min_free_space,omitempty"`
	MoveOnENOSPC  *bool      `json:"move_on_enospc,omitempty"`
	SyncSchedule  string     `json:"sync_schedule,omitempty"`
	PathRules     []PathRule `json:"path_rules,omitempty"`
	GlobalOptions string     `json:"global_options,omitempty"`
}

// Defaults for union pool policies.
const (
	DefaultCreatePolicy = "epmfs"
	DefaultReadPolicy   = "ff"
	DefaultSearchPolicy = "ff"
	DefaultMinFree      = "4G"
)

// Record is the persisted form of a pool.
type Record struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Type          PoolType     `json:"type"`
	Automount     bool         `json:"automount"`
	Comment       string       `json:"comment,omitempty"`
	DataDevices   []DeviceSlot `json:"data_devices"`
	ParityDevices []DeviceSlot `json:"parity_devices,omitempty"`
	Config        Config       `json:"config"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Registry is the persisted document holding all pool records, in order.
type Registry struct {
	Version int      `json:"version"`
	Pools   []Record `json:"pools"`
}

// MountPoint is the deterministic mount path for a pool name.
func MountPoint(root, name string) string {
	return filepath.Join(root, name)
}

// BranchMount is the mount path of a union pool's data branch.
func BranchMount(root, name string, slot int) string {
	return filepath.Join(root, "branch", fmt.Sprintf("%s-disk%d", name, slot))
}

// ParityMount is the mount path of a union pool's parity device.
func ParityMount(root, name string, slot int) string {
	return filepath.Join(root, "branch", fmt.Sprintf("%s-parity%d", name, slot))
}

// MountPoint returns the pool's own mount path under root.
func (r *Record) MountPoint(root string) string {
	return MountPoint(root, r.Name)
}

// SlotMount returns the expected mount path for a data slot: union pools
// mount each branch separately, everything else mounts at the pool path.
func (r *Record) SlotMount(root string, slot int) string {
	if r.Type == TypeMergerFS {
		return BranchMount(root, r.Name, slot)
	}
	return r.MountPoint(root)
}

// NextDataSlot returns the next slot number to assign: max+1, so removed
// slot numbers are never reused.
func (r *Record) NextDataSlot() int {
	return nextSlot(r.DataDevices)
}

func (r *Record) NextParitySlot() int {
	return nextSlot(r.ParityDevices)
}

func nextSlot(slots []DeviceSlot) int {
	max := 0
	for _, s := range slots {
		if s.Slot > max {
			max = s.Slot
		}
	}
	return max + 1
}

// FindData returns the data slot for a device path.
func (r *Record) FindData(device string) (DeviceSlot, bool) {
	for _, s := range r.DataDevices {
		if s.Device == device {
			return s, true
		}
	}
	return DeviceSlot{}, false
}

// FindParity returns the parity slot for a device path.
func (r *Record) FindParity(device string) (DeviceSlot, bool) {
	for _, s := range r.ParityDevices {
		if s.Device == device {
			return s, true
		}
	}
	return DeviceSlot{}, false
}

// AllDevices returns data then parity device paths.
func (r *Record) AllDevices() []string {
	out := make([]string, 0, len(r.DataDevices)+len(r.ParityDevices))
	for _, s := range r.DataDevices {
		out = append(out, s.Device)
	}
	for _, s := range r.ParityDevices {
		out = append(out, s.Device)
	}
	return out
}

// NewPoolID generates an opaque time-derived pool id.
func NewPoolID(now time.Time) string {
	return fmt.Sprintf("pool-%d", now.UnixNano())
}
