package engine

import (
	"context"

	"mos/storaged/internal/pools"
	"mos/storaged/internal/probe"
	"mos/storaged/internal/storage"
	"mos/storaged/internal/storage/btrfs"
)

// CreateSingleRequest creates a pool from one device.
type CreateSingleRequest struct {
	Name       string         `json:"name"`
	Device     string         `json:"device"`
	Filesystem pools.PoolType `json:"filesystem,omitempty"` // default btrfs
	Format     *bool          `json:"format,omitempty"`
	Automount  bool           `json:"automount"`
	Comment    string         `json:"comment,omitempty"`
}

// CreateMultiRequest creates one native multi-device btrfs pool.
type CreateMultiRequest struct {
	Name      string          `json:"name"`
	Devices   []string        `json:"devices"`
	RaidLevel pools.RaidLevel `json:"raidLevel"`
	Format    *bool           `json:"format,omitempty"`
	Automount bool            `json:"automount"`
	Comment   string          `json:"comment,omitempty"`
}

// CreateMergerFSRequest creates a union pool of independently formatted
// devices, optionally parity-protected.
type CreateMergerFSRequest struct {
	Name           string         `json:"name"`
	Devices        []string       `json:"devices"`
	Filesystem     pools.PoolType `json:"filesystem,omitempty"` // default xfs
	Format         *bool          `json:"format,omitempty"`
	Automount      bool           `json:"automount"`
	Comment        string         `json:"comment,omitempty"`
	Config         pools.Config   `json:"config"`
	SnapraidDevice string         `json:"snapraidDevice,omitempty"`
}

// UnmountOptions control unmount behavior.
type UnmountOptions struct {
	Force     bool `json:"force"`
	RemoveDir bool `json:"removeDirectory"`
}

// CreateSingleDevicePool formats (per the format policy), mounts and
// registers a one-device pool, returning the reconciled view.
func (e *Engine) CreateSingleDevicePool(ctx context.Context, req CreateSingleRequest) (Pool, error) {
	if err := pools.ValidateName(req.Name); err != nil {
		return Pool{}, err
	}
	if err := pools.ValidateDevices([]string{req.Device}); err != nil {
		return Pool{}, err
	}
	fs := req.Filesystem
	if fs == "" {
		fs = pools.TypeBtrfs
	}
	if !pools.ValidPoolType(fs) || fs == pools.TypeMergerFS {
		return Pool{}, pools.Validationf("create", "unsupported filesystem: %s", fs)
	}

	reg, err := e.store.Load()
	if err != nil {
		return Pool{}, err
	}
	if err := reg.CheckCreate(req.Name, []string{req.Device}); err != nil {
		return Pool{}, err
	}

	info, err := e.prober.Probe(ctx, req.Device)
	if err != nil {
		return Pool{}, err
	}
	doFormat, err := pools.ShouldFormat(req.Format, info.Filesystem, req.Device)
	if err != nil {
		return Pool{}, err
	}
	if doFormat {
		if err := e.fs.Format(ctx, req.Device, fs); err != nil {
			return Pool{}, err
		}
	} else if info.Filesystem != string(fs) {
		// reuse the existing filesystem rather than destroy it
		fs = pools.PoolType(info.Filesystem)
		if !pools.ValidPoolType(fs) || fs == pools.TypeMergerFS {
			return Pool{}, pools.Validationf("create", "existing filesystem %q on %s is not supported", info.Filesystem, req.Device)
		}
	}

	mp := pools.MountPoint(e.mountRoot, req.Name)
	if err := e.fs.Mount(ctx, req.Device, mp); err != nil {
		return Pool{}, err
	}

	rec := pools.Record{
		ID:        pools.NewPoolID(e.now()),
		Name:      req.Name,
		Type:      fs,
		Automount: req.Automount,
		Comment:   req.Comment,
		CreatedAt: e.now(),
		DataDevices: []pools.DeviceSlot{{
			Slot:       1,
			Device:     req.Device,
			Filesystem: string(fs),
		}},
	}
	e.fillSlotUUIDs(ctx, &rec)
	if err := e.persistNew(rec); err != nil {
		return Pool{}, err
	}
	e.log.Info().Str("pool", rec.Name).Str("device", req.Device).Msg("single-device pool created")
	return e.view(ctx, rec), nil
}

// CreateMultiDevicePool creates one btrfs filesystem across all devices at
// the requested RAID level.
func (e *Engine) CreateMultiDevicePool(ctx context.Context, req CreateMultiRequest) (Pool, error) {
	if err := pools.ValidateName(req.Name); err != nil {
		return Pool{}, err
	}
	if err := pools.ValidateDevices(req.Devices); err != nil {
		return Pool{}, err
	}
	if err := pools.ValidateRaidDeviceCount(req.RaidLevel, len(req.Devices)); err != nil {
		return Pool{}, err
	}
	reg, err := e.store.Load()
	if err != nil {
		return Pool{}, err
	}
	if err := reg.CheckCreate(req.Name, req.Devices); err != nil {
		return Pool{}, err
	}
	// Multi-device creation always formats; refuse non-blank devices
	// unless format is explicitly true.
	if req.Format != nil && !*req.Format {
		return Pool{}, pools.Validationf("create", "multi-device creation requires formatting")
	}
	if req.Format == nil {
		for _, d := range req.Devices {
			info, err := e.prober.Probe(ctx, d)
			if err != nil {
				return Pool{}, err
			}
			if info.Filesystem != "" {
				return Pool{}, pools.Validationf("create",
					"device %s already has a %s filesystem; pass format=true to overwrite", d, info.Filesystem)
			}
		}
	}

	if err := e.btrfs.Mkfs(ctx, req.Name, req.Devices, req.RaidLevel); err != nil {
		return Pool{}, err
	}
	mp := pools.MountPoint(e.mountRoot, req.Name)
	if err := e.fs.Mount(ctx, req.Devices[0], mp); err != nil {
		return Pool{}, err
	}

	rec := pools.Record{
		ID:        pools.NewPoolID(e.now()),
		Name:      req.Name,
		Type:      pools.TypeBtrfs,
		Automount: req.Automount,
		Comment:   req.Comment,
		CreatedAt: e.now(),
	}
	for i, d := range req.Devices {
		rec.DataDevices = append(rec.DataDevices, pools.DeviceSlot{
			Slot:       i + 1,
			Device:     d,
			Filesystem: string(pools.TypeBtrfs),
		})
	}
	e.fillSlotUUIDs(ctx, &rec)
	if err := e.persistNew(rec); err != nil {
		return Pool{}, err
	}
	e.log.Info().Str("pool", rec.Name).Int("devices", len(req.Devices)).
		Str("raid", string(req.RaidLevel)).Msg("multi-device pool created")
	return e.view(ctx, rec), nil
}

// CreateMergerFSPool formats and mounts each device as its own branch,
// then mounts the union over all branches. A snapraid device provisions
// the parity layer as well.
func (e *Engine) CreateMergerFSPool(ctx context.Context, req CreateMergerFSRequest) (Pool, error) {
	if err := pools.ValidateName(req.Name); err != nil {
		return Pool{}, err
	}
	if err := pools.ValidateDevices(req.Devices); err != nil {
		return Pool{}, err
	}
	if err := pools.ValidateUnionConfig(req.Config); err != nil {
		return Pool{}, err
	}
	fs := req.Filesystem
	if fs == "" {
		fs = pools.TypeXFS
	}
	if !pools.ValidPoolType(fs) || fs == pools.TypeMergerFS {
		return Pool{}, pools.Validationf("create", "unsupported branch filesystem: %s", fs)
	}
	reg, err := e.store.Load()
	if err != nil {
		return Pool{}, err
	}
	devices := req.Devices
	if req.SnapraidDevice != "" {
		devices = append(append([]string{}, devices...), req.SnapraidDevice)
	}
	if err := reg.CheckCreate(req.Name, devices); err != nil {
		return Pool{}, err
	}

	rec := pools.Record{
		ID:        pools.NewPoolID(e.now()),
		Name:      req.Name,
		Type:      pools.TypeMergerFS,
		Automount: req.Automount,
		Comment:   req.Comment,
		Config:    req.Config,
		CreatedAt: e.now(),
	}

	branches := make([]string, 0, len(req.Devices))
	for i, d := range req.Devices {
		slot := i + 1
		if err := e.prepareBranchDevice(ctx, d, fs, req.Format); err != nil {
			return Pool{}, err
		}
		branch := pools.BranchMount(e.mountRoot, req.Name, slot)
		if err := e.fs.Mount(ctx, d, branch); err != nil {
			return Pool{}, err
		}
		branches = append(branches, branch)
		rec.DataDevices = append(rec.DataDevices, pools.DeviceSlot{
			Slot:       slot,
			Device:     d,
			Filesystem: string(fs),
		})
	}

	mp := rec.MountPoint(e.mountRoot)
	if err := e.union.Mount(ctx, branches, mp, rec.Config); err != nil {
		return Pool{}, err
	}

	if req.SnapraidDevice != "" {
		if err := e.prepareBranchDevice(ctx, req.SnapraidDevice, fs, req.Format); err != nil {
			return Pool{}, err
		}
		pm := pools.ParityMount(e.mountRoot, req.Name, 1)
		if err := e.fs.Mount(ctx, req.SnapraidDevice, pm); err != nil {
			return Pool{}, err
		}
		rec.ParityDevices = []pools.DeviceSlot{{Slot: 1, Device: req.SnapraidDevice, Filesystem: string(fs)}}
		if err := e.parity.WriteConfig(&rec); err != nil {
			return Pool{}, err
		}
	}

	e.fillSlotUUIDs(ctx, &rec)
	if err := e.persistNew(rec); err != nil {
		return Pool{}, err
	}
	if e.sched != nil && rec.Config.SyncSchedule != "" && len(rec.ParityDevices) > 0 {
		if err := e.sched.Set(rec.Name, rec.Config.SyncSchedule); err != nil {
			e.log.Warn().Err(err).Str("pool", rec.Name).Msg("invalid parity sync schedule")
		}
	}
	e.log.Info().Str("pool", rec.Name).Int("devices", len(req.Devices)).
		Bool("parity", req.SnapraidDevice != "").Msg("union pool created")
	return e.view(ctx, rec), nil
}

// prepareBranchDevice applies the per-device format policy.
func (e *Engine) prepareBranchDevice(ctx context.Context, device string, fs pools.PoolType, format *bool) error {
	info, err := e.prober.Probe(ctx, device)
	if err != nil {
		return err
	}
	doFormat, err := pools.ShouldFormat(format, info.Filesystem, device)
	if err != nil {
		return err
	}
	if doFormat {
		return e.fs.Format(ctx, device, fs)
	}
	return nil
}

// MountPool mounts a pool at its deterministic mount point. Union pools
// mount every branch first, then the union view.
func (e *Engine) MountPool(ctx context.Context, id string) (Pool, error) {
	var out Pool
	err := e.withPool(id, func(rec pools.Record) error {
		mp := rec.MountPoint(e.mountRoot)
		if rec.Type == pools.TypeMergerFS {
			branches := make([]string, 0, len(rec.DataDevices))
			for _, s := range rec.DataDevices {
				branch := pools.BranchMount(e.mountRoot, rec.Name, s.Slot)
				if !e.prober.IsMountpoint(ctx, branch) {
					if err := e.fs.Mount(ctx, s.Device, branch); err != nil {
						return err
					}
				}
				branches = append(branches, branch)
			}
			for _, s := range rec.ParityDevices {
				pm := pools.ParityMount(e.mountRoot, rec.Name, s.Slot)
				if !e.prober.IsMountpoint(ctx, pm) {
					if err := e.fs.Mount(ctx, s.Device, pm); err != nil {
						return err
					}
				}
			}
			if err := e.union.Mount(ctx, branches, mp, rec.Config); err != nil {
				return err
			}
		} else {
			if len(rec.DataDevices) == 0 {
				return pools.MountErr("mount", "pool has no devices", "", nil)
			}
			if !e.prober.IsMountpoint(ctx, mp) {
				if err := e.fs.Mount(ctx, rec.DataDevices[0].Device, mp); err != nil {
					return err
				}
			}
		}
		out = e.view(ctx, rec)
		return nil
	})
	return out, err
}

// UnmountPool unmounts a pool. For union pools the union detaches first,
// then every branch and parity mount.
func (e *Engine) UnmountPool(ctx context.Context, id string, opts UnmountOptions) (Pool, error) {
	var out Pool
	err := e.withPool(id, func(rec pools.Record) error {
		if err := e.unmountRecord(ctx, rec, opts.Force); err != nil {
			return err
		}
		if opts.RemoveDir {
			if err := storage.RemoveMountDir(rec.MountPoint(e.mountRoot)); err != nil {
				return err
			}
		}
		out = e.view(ctx, rec)
		return nil
	})
	return out, err
}

func (e *Engine) unmountRecord(ctx context.Context, rec pools.Record, force bool) error {
	mp := rec.MountPoint(e.mountRoot)
	if rec.Type == pools.TypeMergerFS {
		if err := e.union.Unmount(ctx, mp, force); err != nil {
			return err
		}
		for _, s := range rec.DataDevices {
			if err := e.fs.Unmount(ctx, pools.BranchMount(e.mountRoot, rec.Name, s.Slot), force); err != nil {
				return err
			}
		}
		for _, s := range rec.ParityDevices {
			if err := e.fs.Unmount(ctx, pools.ParityMount(e.mountRoot, rec.Name, s.Slot), force); err != nil {
				return err
			}
		}
		return nil
	}
	return e.fs.Unmount(ctx, mp, force)
}

// RemovePool unmounts, removes the mount-point directory and deletes the
// registry record. Member device contents are never touched.
func (e *Engine) RemovePool(ctx context.Context, id string, force bool) error {
	return e.withPool(id, func(rec pools.Record) error {
		if err := e.unmountRecord(ctx, rec, force); err != nil {
			return err
		}
		if err := storage.RemoveMountDir(rec.MountPoint(e.mountRoot)); err != nil {
			return err
		}
		if rec.Type == pools.TypeMergerFS {
			if err := e.parity.DeleteConfig(rec.Name); err != nil {
				return err
			}
			if e.sched != nil {
				e.sched.Remove(rec.Name)
			}
		}
		err := e.store.Update(func(reg *pools.Registry) error {
			if !reg.Drop(id) {
				return pools.NotFoundf("remove", "unknown pool id: %s", id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		e.log.Info().Str("pool", rec.Name).Msg("pool removed")
		return nil
	})
}

// ChangeRaidLevel converts a mounted btrfs pool to a new RAID profile.
// Conversions toward more redundancy require free space of at least 50%
// of capacity. Blocks until the balance completes.
func (e *Engine) ChangeRaidLevel(ctx context.Context, id string, level pools.RaidLevel) (Pool, error) {
	var out Pool
	err := e.withPool(id, func(rec pools.Record) error {
		if rec.Type != pools.TypeBtrfs {
			return pools.Validationf("raid convert", "pool %s is not a native multi-device pool", rec.Name)
		}
		if !pools.ValidRaidLevel(level) {
			return pools.Validationf("raid convert", "unsupported raid level: %s", level)
		}
		mp := rec.MountPoint(e.mountRoot)
		if !e.prober.IsMountpoint(ctx, mp) {
			return pools.MountErr("raid convert", "pool must be mounted for conversion", "", nil)
		}
		cur, err := e.btrfs.RaidProfile(ctx, mp)
		if err != nil {
			return err
		}
		if level == pools.Raid10 && len(rec.DataDevices) < 4 {
			return pools.Validationf("raid convert", "raid10 requires at least 4 devices")
		}
		if btrfs.MoreRedundant(cur, level) {
			usage, err := e.btrfs.FilesystemUsage(ctx, mp)
			if err != nil {
				return err
			}
			if err := btrfs.HeadroomForConvert(usage); err != nil {
				return err
			}
		}
		meta := pools.Raid1
		if len(rec.DataDevices) == 1 {
			meta = pools.RaidSingle
		}
		if err := e.btrfs.BalanceConvert(ctx, mp, level, meta); err != nil {
			return err
		}
		out = e.view(ctx, rec)
		e.log.Info().Str("pool", rec.Name).Str("from", string(cur)).Str("to", string(level)).Msg("raid level converted")
		return nil
	})
	return out, err
}

// SetAutomount toggles the automount flag, metadata only.
func (e *Engine) SetAutomount(ctx context.Context, id string, automount bool) (Pool, error) {
	return e.patchRecord(ctx, id, func(rec *pools.Record) error {
		rec.Automount = automount
		return nil
	})
}

// SetComment updates the pool comment, metadata only.
func (e *Engine) SetComment(ctx context.Context, id, comment string) (Pool, error) {
	return e.patchRecord(ctx, id, func(rec *pools.Record) error {
		rec.Comment = comment
		return nil
	})
}

// SetPathRules replaces a union pool's path rules. Each rule must target
// existing data-device slots. The share manager uses this same update
// path.
func (e *Engine) SetPathRules(ctx context.Context, id string, rules []pools.PathRule) (Pool, error) {
	return e.patchRecord(ctx, id, func(rec *pools.Record) error {
		if rec.Type != pools.TypeMergerFS {
			return pools.Validationf("path rules", "pool %s is not a union pool", rec.Name)
		}
		slots := map[int]bool{}
		for _, s := range rec.DataDevices {
			slots[s.Slot] = true
		}
		for _, r := range rules {
			for _, tgt := range r.TargetDevices {
				if !slots[tgt] {
					return pools.Validationf("path rules", "rule %q targets unknown slot %d", r.Path, tgt)
				}
			}
		}
		rec.Config.PathRules = rules
		return nil
	})
}

func (e *Engine) patchRecord(ctx context.Context, id string, fn func(*pools.Record) error) (Pool, error) {
	var out Pool
	err := e.withPool(id, func(rec pools.Record) error {
		err := e.store.Update(func(reg *pools.Registry) error {
			cur, ok := reg.ByID(id)
			if !ok {
				return pools.NotFoundf("pool", "unknown pool id: %s", id)
			}
			if err := fn(cur); err != nil {
				return err
			}
			rec = *cur
			return nil
		})
		if err != nil {
			return err
		}
		out = e.view(ctx, rec)
		return nil
	})
	return out, err
}

// FormatDevice formats a device that belongs to no pool.
func (e *Engine) FormatDevice(ctx context.Context, device string, fs pools.PoolType) error {
	if err := pools.ValidateDevices([]string{device}); err != nil {
		return err
	}
	reg, err := e.store.Load()
	if err != nil {
		return err
	}
	if owner, used := reg.DeviceOwner(device); used {
		return pools.Validationf("format", "device %s belongs to pool %s", device, owner.Name)
	}
	return e.fs.Format(ctx, device, fs)
}

// CheckDevice is the Device Prober passthrough for pre-flight checks.
func (e *Engine) CheckDevice(ctx context.Context, device string) (probe.Info, error) {
	return e.prober.Probe(ctx, device)
}

// ImportPool adopts an already formatted device as a single-device pool
// without formatting it.
func (e *Engine) ImportPool(ctx context.Context, name, device string, automount bool) (Pool, error) {
	f := false
	return e.CreateSingleDevicePool(ctx, CreateSingleRequest{
		Name:      name,
		Device:    device,
		Format:    &f,
		Automount: automount,
	})
}

// ScrubPool verifies pool integrity: btrfs scrub for native pools,
// snapraid scrub for parity-protected union pools.
func (e *Engine) ScrubPool(ctx context.Context, id string) error {
	return e.withPool(id, func(rec pools.Record) error {
		switch {
		case rec.Type == pools.TypeBtrfs:
			return e.btrfs.ScrubStart(ctx, rec.MountPoint(e.mountRoot))
		case rec.Type == pools.TypeMergerFS && len(rec.ParityDevices) > 0:
			return e.parity.Scrub(ctx, rec.Name)
		default:
			return pools.Validationf("scrub", "pool %s has nothing to scrub", rec.Name)
		}
	})
}

// persistNew appends a record, re-checking uniqueness inside the store
// lock so two concurrent creates cannot both win.
func (e *Engine) persistNew(rec pools.Record) error {
	return e.store.Update(func(reg *pools.Registry) error {
		if err := reg.CheckCreate(rec.Name, rec.AllDevices()); err != nil {
			return err
		}
		reg.Pools = append(reg.Pools, rec)
		return nil
	})
}

// fillSlotUUIDs records filesystem UUIDs for power-management lookups.
func (e *Engine) fillSlotUUIDs(ctx context.Context, rec *pools.Record) {
	fill := func(slots []pools.DeviceSlot) {
		for i := range slots {
			if info, err := e.prober.Probe(ctx, slots[i].Device); err == nil {
				slots[i].ID = info.UUID
			}
		}
	}
	fill(rec.DataDevices)
	fill(rec.ParityDevices)
}
