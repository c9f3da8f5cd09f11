package engine

import (
	"context"

	"mos/storaged/internal/pools"
)

// DeviceStatus is the externally visible state of one member device.
type DeviceStatus struct {
	pools.DeviceSlot
	Mountpoint string `json:"mountpoint,omitempty"`
	Status     string `json:"status"` // ok | missing | unformatted
	TotalBytes uint64 `json:"totalBytes,omitempty"`
	UsedBytes  uint64 `json:"usedBytes,omitempty"`
	FreeBytes  uint64 `json:"freeBytes,omitempty"`
}

// Pool is the reconciled view served to collaborators: the registry record
// merged with live mount-table and filesystem state.
type Pool struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Type          pools.PoolType  `json:"type"`
	Mountpoint    string          `json:"mountpoint"`
	Mounted       bool            `json:"mounted"`
	Degraded      bool            `json:"degraded,omitempty"`
	Raid          pools.RaidLevel `json:"raid,omitempty"`
	Automount     bool            `json:"automount"`
	Comment       string          `json:"comment,omitempty"`
	SizeBytes     uint64          `json:"sizeBytes"`
	UsedBytes     uint64          `json:"usedBytes"`
	FreeBytes     uint64          `json:"freeBytes"`
	DataDevices   []DeviceStatus  `json:"data_devices"`
	ParityDevices []DeviceStatus  `json:"parity_devices,omitempty"`
	Config        pools.Config    `json:"config"`
}

// ListPools returns the reconciled view of every registered pool.
func (e *Engine) ListPools(ctx context.Context) ([]Pool, error) {
	reg, err := e.store.Load()
	if err != nil {
		return nil, err
	}
	out := make([]Pool, 0, len(reg.Pools))
	for i := range reg.Pools {
		out = append(out, e.view(ctx, reg.Pools[i]))
	}
	return out, nil
}

// GetPool returns the reconciled view of one pool by id.
func (e *Engine) GetPool(ctx context.Context, id string) (Pool, error) {
	rec, err := e.loadPool(id)
	if err != nil {
		return Pool{}, err
	}
	return e.view(ctx, rec), nil
}

// GetPoolByName resolves by name instead of id.
func (e *Engine) GetPoolByName(ctx context.Context, name string) (Pool, error) {
	reg, err := e.store.Load()
	if err != nil {
		return Pool{}, err
	}
	rec, ok := reg.ByName(name)
	if !ok {
		return Pool{}, pools.NotFoundf("pool", "unknown pool name: %s", name)
	}
	return e.view(ctx, *rec), nil
}

// view merges the record with live state. The registry and the kernel are
// both sources of truth; the merge happens on every read, never cached.
func (e *Engine) view(ctx context.Context, rec pools.Record) Pool {
	mp := rec.MountPoint(e.mountRoot)
	p := Pool{
		ID:         rec.ID,
		Name:       rec.Name,
		Type:       rec.Type,
		Mountpoint: mp,
		Automount:  rec.Automount,
		Comment:    rec.Comment,
		Config:     rec.Config,
	}
	p.Mounted = e.prober.IsMountpoint(ctx, mp)
	if p.Mounted {
		p.SizeBytes, p.UsedBytes, p.FreeBytes = e.prober.MountpointUsage(mp)
	}

	slots := rec.DataDevices
	if rec.Type == pools.TypeBtrfs && p.Mounted {
		slots = e.mergeBtrfsMembers(ctx, rec, mp, &p)
	}
	for _, s := range slots {
		p.DataDevices = append(p.DataDevices, e.deviceStatus(ctx, rec, s, false))
	}
	for _, s := range rec.ParityDevices {
		p.ParityDevices = append(p.ParityDevices, e.deviceStatus(ctx, rec, s, true))
	}
	return p
}

// mergeBtrfsMembers overlays live filesystem membership onto the record:
// members the registry does not know are injected with synthesized slots,
// and missing members mark the pool degraded.
func (e *Engine) mergeBtrfsMembers(ctx context.Context, rec pools.Record, mp string, p *Pool) []pools.DeviceSlot {
	show, err := e.btrfs.FilesystemShow(ctx, mp)
	if err != nil {
		return rec.DataDevices
	}
	p.Degraded = show.DevicesMissing
	if raid, err := e.btrfs.RaidProfile(ctx, mp); err == nil && raid != "" {
		p.Raid = raid
	}
	known := map[string]bool{}
	for _, s := range rec.DataDevices {
		known[s.Device] = true
	}
	slots := append([]pools.DeviceSlot(nil), rec.DataDevices...)
	next := rec.NextDataSlot()
	for _, m := range show.Members {
		if known[m.Path] {
			continue
		}
		slots = append(slots, pools.DeviceSlot{
			Slot:       next,
			Device:     m.Path,
			Filesystem: string(pools.TypeBtrfs),
			Injected:   true,
		})
		next++
	}
	return slots
}

func (e *Engine) deviceStatus(ctx context.Context, rec pools.Record, s pools.DeviceSlot, parity bool) DeviceStatus {
	ds := DeviceStatus{DeviceSlot: s, Status: "ok"}
	if parity {
		ds.Mountpoint = pools.ParityMount(e.mountRoot, rec.Name, s.Slot)
	} else {
		ds.Mountpoint = rec.SlotMount(e.mountRoot, s.Slot)
	}
	info, err := e.prober.Probe(ctx, s.Device)
	if err != nil {
		ds.Status = "missing"
		return ds
	}
	if info.Filesystem == "" {
		ds.Status = "unformatted"
	}
	if info.Mounted {
		ds.TotalBytes, ds.UsedBytes, ds.FreeBytes = info.TotalBytes, info.UsedBytes, info.FreeBytes
	}
	return ds
}
