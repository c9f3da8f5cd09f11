package engine

import (
	"context"

	"mos/storaged/internal/pools"
)

// MembershipResult reports the outcome of a device membership change.
type MembershipResult struct {
	Pool             Pool `json:"pool"`
	SnapraidDisabled bool `json:"snapraidDisabled,omitempty"`
}

// AddDevicesToPool grows a pool. Native btrfs pools use the filesystem's
// device-add primitive; a previously single-device pool is converted to
// raid1 automatically, since btrfs pools cannot stay single-profile once
// multi-device. Union pools format/mount each device as a new branch and
// remount the union.
func (e *Engine) AddDevicesToPool(ctx context.Context, id string, devices []string, format *bool) (MembershipResult, error) {
	var out MembershipResult
	err := e.withPool(id, func(rec pools.Record) error {
		if err := pools.ValidateDevices(devices); err != nil {
			return err
		}
		reg, err := e.store.Load()
		if err != nil {
			return err
		}
		for _, d := range devices {
			if owner, used := reg.DeviceOwner(d); used {
				return pools.Validationf("device add", "device %s already belongs to pool %s", d, owner.Name)
			}
		}
		switch rec.Type {
		case pools.TypeBtrfs:
			return e.addBtrfsDevices(ctx, &rec, devices, &out)
		case pools.TypeMergerFS:
			return e.addUnionDevices(ctx, &rec, devices, format, &out)
		default:
			return pools.Validationf("device add", "pool %s (%s) does not support adding devices", rec.Name, rec.Type)
		}
	})
	return out, err
}

func (e *Engine) addBtrfsDevices(ctx context.Context, rec *pools.Record, devices []string, out *MembershipResult) error {
	mp := rec.MountPoint(e.mountRoot)
	if !e.prober.IsMountpoint(ctx, mp) {
		return pools.MountErr("device add", "pool must be mounted", "", nil)
	}
	wasSingle := len(rec.DataDevices) == 1
	if err := e.btrfs.DeviceAdd(ctx, mp, devices); err != nil {
		return err
	}
	if wasSingle {
		if err := e.btrfs.BalanceConvert(ctx, mp, pools.Raid1, pools.Raid1); err != nil {
			return err
		}
	}
	err := e.store.Update(func(reg *pools.Registry) error {
		cur, ok := reg.ByID(rec.ID)
		if !ok {
			return pools.NotFoundf("device add", "unknown pool id: %s", rec.ID)
		}
		for _, d := range devices {
			slot := pools.DeviceSlot{Slot: cur.NextDataSlot(), Device: d, Filesystem: string(pools.TypeBtrfs)}
			if info, err := e.prober.Probe(ctx, d); err == nil {
				slot.ID = info.UUID
			}
			cur.DataDevices = append(cur.DataDevices, slot)
		}
		*rec = *cur
		return nil
	})
	if err != nil {
		return err
	}
	out.Pool = e.view(ctx, *rec)
	e.log.Info().Str("pool", rec.Name).Strs("devices", devices).Msg("devices added")
	return nil
}

func (e *Engine) addUnionDevices(ctx context.Context, rec *pools.Record, devices []string, format *bool, out *MembershipResult) error {
	fs := pools.TypeXFS
	if len(rec.DataDevices) > 0 && rec.DataDevices[0].Filesystem != "" {
		fs = pools.PoolType(rec.DataDevices[0].Filesystem)
	}
	newSlots := make([]pools.DeviceSlot, 0, len(devices))
	next := rec.NextDataSlot()
	for _, d := range devices {
		if err := e.prepareBranchDevice(ctx, d, fs, format); err != nil {
			return err
		}
		branch := pools.BranchMount(e.mountRoot, rec.Name, next)
		if err := e.fs.Mount(ctx, d, branch); err != nil {
			return err
		}
		slot := pools.DeviceSlot{Slot: next, Device: d, Filesystem: string(fs)}
		if info, err := e.prober.Probe(ctx, d); err == nil {
			slot.ID = info.UUID
		}
		newSlots = append(newSlots, slot)
		next++
	}

	rec.DataDevices = append(rec.DataDevices, newSlots...)
	if err := e.remountUnion(ctx, rec); err != nil {
		return err
	}
	if err := e.rewriteParity(rec); err != nil {
		return err
	}
	err := e.store.Update(func(reg *pools.Registry) error {
		cur, ok := reg.ByID(rec.ID)
		if !ok {
			return pools.NotFoundf("device add", "unknown pool id: %s", rec.ID)
		}
		cur.DataDevices = rec.DataDevices
		return nil
	})
	if err != nil {
		return err
	}
	out.Pool = e.view(ctx, *rec)
	e.log.Info().Str("pool", rec.Name).Strs("devices", devices).Msg("branches added to union")
	return nil
}

// RemoveDevicesFromPool shrinks a pool. btrfs device-remove migrates data
// off the member first; union pools remount without the branch and drop
// the slot without renumbering survivors.
func (e *Engine) RemoveDevicesFromPool(ctx context.Context, id string, devices []string, unmountBranch bool) (MembershipResult, error) {
	var out MembershipResult
	err := e.withPool(id, func(rec pools.Record) error {
		for _, d := range devices {
			if _, ok := rec.FindData(d); !ok {
				return pools.NotFoundf("device remove", "device %s is not a data member of pool %s", d, rec.Name)
			}
		}
		switch rec.Type {
		case pools.TypeBtrfs:
			return e.removeBtrfsDevices(ctx, &rec, devices, &out)
		case pools.TypeMergerFS:
			return e.removeUnionDevices(ctx, &rec, devices, unmountBranch, &out)
		default:
			return pools.Validationf("device remove", "pool %s (%s) does not support removing devices", rec.Name, rec.Type)
		}
	})
	return out, err
}

func (e *Engine) removeBtrfsDevices(ctx context.Context, rec *pools.Record, devices []string, out *MembershipResult) error {
	mp := rec.MountPoint(e.mountRoot)
	if !e.prober.IsMountpoint(ctx, mp) {
		return pools.MountErr("device remove", "pool must be mounted", "", nil)
	}
	if len(rec.DataDevices)-len(devices) < 1 {
		return pools.Validationf("device remove", "cannot remove every device from pool %s", rec.Name)
	}
	if err := e.btrfs.DeviceRemove(ctx, mp, devices); err != nil {
		return err
	}
	if err := e.dropSlots(rec, devices, false); err != nil {
		return err
	}
	out.Pool = e.view(ctx, *rec)
	e.log.Info().Str("pool", rec.Name).Strs("devices", devices).Msg("devices removed")
	return nil
}

func (e *Engine) removeUnionDevices(ctx context.Context, rec *pools.Record, devices []string, unmountBranch bool, out *MembershipResult) error {
	removed := map[string]pools.DeviceSlot{}
	kept := rec.DataDevices[:0:0]
	for _, s := range rec.DataDevices {
		drop := false
		for _, d := range devices {
			if s.Device == d {
				drop = true
				removed[d] = s
				break
			}
		}
		if !drop {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return pools.Validationf("device remove", "cannot remove every branch of pool %s", rec.Name)
	}

	rec.DataDevices = kept
	if err := e.remountUnion(ctx, rec); err != nil {
		return err
	}
	if unmountBranch {
		for _, s := range removed {
			if err := e.fs.Unmount(ctx, pools.BranchMount(e.mountRoot, rec.Name, s.Slot), false); err != nil {
				return err
			}
		}
	}
	if err := e.rewriteParity(rec); err != nil {
		return err
	}
	if err := e.dropSlots(rec, devices, false); err != nil {
		return err
	}
	out.Pool = e.view(ctx, *rec)
	e.log.Info().Str("pool", rec.Name).Strs("devices", devices).Msg("branches removed from union")
	return nil
}

// ReplaceDeviceInPool swaps one data device for another at the same slot.
// btrfs uses the native replace primitive; union pools remove-then-add at
// the preserved slot so path rules targeting the slot stay valid.
func (e *Engine) ReplaceDeviceInPool(ctx context.Context, id, oldDev, newDev string, format *bool) (MembershipResult, error) {
	var out MembershipResult
	err := e.withPool(id, func(rec pools.Record) error {
		if oldDev == newDev {
			return pools.Validationf("device replace", "old and new device are identical: %s", oldDev)
		}
		slot, ok := rec.FindData(oldDev)
		if !ok {
			return pools.NotFoundf("device replace", "device %s is not a data member of pool %s", oldDev, rec.Name)
		}
		reg, err := e.store.Load()
		if err != nil {
			return err
		}
		if owner, used := reg.DeviceOwner(newDev); used {
			return pools.Validationf("device replace", "device %s already belongs to pool %s", newDev, owner.Name)
		}

		switch rec.Type {
		case pools.TypeBtrfs:
			mp := rec.MountPoint(e.mountRoot)
			if !e.prober.IsMountpoint(ctx, mp) {
				return pools.MountErr("device replace", "pool must be mounted", "", nil)
			}
			if err := e.btrfs.Replace(ctx, mp, oldDev, newDev); err != nil {
				return err
			}
		case pools.TypeMergerFS:
			fs := pools.PoolType(slot.Filesystem)
			if fs == "" {
				fs = pools.TypeXFS
			}
			branch := pools.BranchMount(e.mountRoot, rec.Name, slot.Slot)
			if err := e.fs.Unmount(ctx, branch, false); err != nil {
				return err
			}
			if err := e.prepareBranchDevice(ctx, newDev, fs, format); err != nil {
				return err
			}
			if err := e.fs.Mount(ctx, newDev, branch); err != nil {
				return err
			}
			for i := range rec.DataDevices {
				if rec.DataDevices[i].Device == oldDev {
					rec.DataDevices[i].Device = newDev
				}
			}
			if err := e.remountUnion(ctx, &rec); err != nil {
				return err
			}
			if err := e.rewriteParity(&rec); err != nil {
				return err
			}
		default:
			return pools.Validationf("device replace", "pool %s (%s) does not support replace", rec.Name, rec.Type)
		}

		err = e.store.Update(func(reg *pools.Registry) error {
			cur, ok := reg.ByID(rec.ID)
			if !ok {
				return pools.NotFoundf("device replace", "unknown pool id: %s", rec.ID)
			}
			for i := range cur.DataDevices {
				if cur.DataDevices[i].Device == oldDev {
					cur.DataDevices[i].Device = newDev
					if info, perr := e.prober.Probe(ctx, newDev); perr == nil {
						cur.DataDevices[i].ID = info.UUID
					}
				}
			}
			rec = *cur
			return nil
		})
		if err != nil {
			return err
		}
		out.Pool = e.view(ctx, rec)
		e.log.Info().Str("pool", rec.Name).Str("old", oldDev).Str("new", newDev).Msg("device replaced")
		return nil
	})
	return out, err
}

// AddParityDevicesToPool provisions parity devices for a union pool and
// rewrites the parity configuration over all branches.
func (e *Engine) AddParityDevicesToPool(ctx context.Context, id string, devices []string, format *bool) (MembershipResult, error) {
	var out MembershipResult
	err := e.withPool(id, func(rec pools.Record) error {
		if rec.Type != pools.TypeMergerFS {
			return pools.Validationf("parity add", "pool %s is not a union pool", rec.Name)
		}
		if err := pools.ValidateDevices(devices); err != nil {
			return err
		}
		reg, err := e.store.Load()
		if err != nil {
			return err
		}
		for _, d := range devices {
			if owner, used := reg.DeviceOwner(d); used {
				return pools.Validationf("parity add", "device %s already belongs to pool %s", d, owner.Name)
			}
		}
		fs := pools.TypeXFS
		if len(rec.DataDevices) > 0 && rec.DataDevices[0].Filesystem != "" {
			fs = pools.PoolType(rec.DataDevices[0].Filesystem)
		}
		next := rec.NextParitySlot()
		for _, d := range devices {
			if err := e.prepareBranchDevice(ctx, d, fs, format); err != nil {
				return err
			}
			pm := pools.ParityMount(e.mountRoot, rec.Name, next)
			if err := e.fs.Mount(ctx, d, pm); err != nil {
				return err
			}
			slot := pools.DeviceSlot{Slot: next, Device: d, Filesystem: string(fs)}
			if info, perr := e.prober.Probe(ctx, d); perr == nil {
				slot.ID = info.UUID
			}
			rec.ParityDevices = append(rec.ParityDevices, slot)
			next++
		}
		if err := e.parity.WriteConfig(&rec); err != nil {
			return err
		}
		err = e.storeParity(&rec)
		if err != nil {
			return err
		}
		if e.sched != nil && rec.Config.SyncSchedule != "" {
			_ = e.sched.Set(rec.Name, rec.Config.SyncSchedule)
		}
		out.Pool = e.view(ctx, rec)
		e.log.Info().Str("pool", rec.Name).Strs("devices", devices).Msg("parity devices added")
		return nil
	})
	return out, err
}

// RemoveParityDevicesFromPool drops parity devices. When the last parity
// device goes, the parity configuration is deleted entirely and the
// result reports SnapraidDisabled.
func (e *Engine) RemoveParityDevicesFromPool(ctx context.Context, id string, devices []string) (MembershipResult, error) {
	var out MembershipResult
	err := e.withPool(id, func(rec pools.Record) error {
		if rec.Type != pools.TypeMergerFS {
			return pools.Validationf("parity remove", "pool %s is not a union pool", rec.Name)
		}
		for _, d := range devices {
			if _, ok := rec.FindParity(d); !ok {
				return pools.NotFoundf("parity remove", "device %s is not a parity member of pool %s", d, rec.Name)
			}
		}
		kept := rec.ParityDevices[:0:0]
		for _, s := range rec.ParityDevices {
			drop := false
			for _, d := range devices {
				if s.Device == d {
					drop = true
					break
				}
			}
			if drop {
				if err := e.fs.Unmount(ctx, pools.ParityMount(e.mountRoot, rec.Name, s.Slot), false); err != nil {
					return err
				}
			} else {
				kept = append(kept, s)
			}
		}
		rec.ParityDevices = kept
		if err := e.parity.WriteConfig(&rec); err != nil {
			return err
		}
		if len(kept) == 0 {
			out.SnapraidDisabled = true
			if e.sched != nil {
				e.sched.Remove(rec.Name)
			}
		}
		if err := e.storeParity(&rec); err != nil {
			return err
		}
		out.Pool = e.view(ctx, rec)
		e.log.Info().Str("pool", rec.Name).Strs("devices", devices).
			Bool("snapraidDisabled", out.SnapraidDisabled).Msg("parity devices removed")
		return nil
	})
	return out, err
}

// ReplaceParityDeviceInPool swaps one parity device for another at the
// same mount path and rewrites the config.
func (e *Engine) ReplaceParityDeviceInPool(ctx context.Context, id, oldDev, newDev string, format *bool) (MembershipResult, error) {
	var out MembershipResult
	err := e.withPool(id, func(rec pools.Record) error {
		if oldDev == newDev {
			return pools.Validationf("parity replace", "old and new device are identical: %s", oldDev)
		}
		slot, ok := rec.FindParity(oldDev)
		if !ok {
			return pools.NotFoundf("parity replace", "device %s is not a parity member of pool %s", oldDev, rec.Name)
		}
		reg, err := e.store.Load()
		if err != nil {
			return err
		}
		if owner, used := reg.DeviceOwner(newDev); used {
			return pools.Validationf("parity replace", "device %s already belongs to pool %s", newDev, owner.Name)
		}
		fs := pools.PoolType(slot.Filesystem)
		if fs == "" {
			fs = pools.TypeXFS
		}
		pm := pools.ParityMount(e.mountRoot, rec.Name, slot.Slot)
		if err := e.fs.Unmount(ctx, pm, false); err != nil {
			return err
		}
		if err := e.prepareBranchDevice(ctx, newDev, fs, format); err != nil {
			return err
		}
		if err := e.fs.Mount(ctx, newDev, pm); err != nil {
			return err
		}
		for i := range rec.ParityDevices {
			if rec.ParityDevices[i].Device == oldDev {
				rec.ParityDevices[i].Device = newDev
			}
		}
		if err := e.parity.WriteConfig(&rec); err != nil {
			return err
		}
		if err := e.storeParity(&rec); err != nil {
			return err
		}
		out.Pool = e.view(ctx, rec)
		e.log.Info().Str("pool", rec.Name).Str("old", oldDev).Str("new", newDev).Msg("parity device replaced")
		return nil
	})
	return out, err
}

// remountUnion re-applies the union mount from the record's current
// branch list.
func (e *Engine) remountUnion(ctx context.Context, rec *pools.Record) error {
	branches := make([]string, 0, len(rec.DataDevices))
	for _, s := range rec.DataDevices {
		branches = append(branches, pools.BranchMount(e.mountRoot, rec.Name, s.Slot))
	}
	return e.union.Remount(ctx, branches, rec.MountPoint(e.mountRoot), rec.Config)
}

// rewriteParity refreshes the parity config when parity is in use.
func (e *Engine) rewriteParity(rec *pools.Record) error {
	if len(rec.ParityDevices) == 0 {
		return nil
	}
	return e.parity.WriteConfig(rec)
}

// dropSlots removes device slots from the persisted record. Remaining
// slots keep their numbers.
func (e *Engine) dropSlots(rec *pools.Record, devices []string, parity bool) error {
	return e.store.Update(func(reg *pools.Registry) error {
		cur, ok := reg.ByID(rec.ID)
		if !ok {
			return pools.NotFoundf("device remove", "unknown pool id: %s", rec.ID)
		}
		filter := func(slots []pools.DeviceSlot) []pools.DeviceSlot {
			kept := slots[:0:0]
			for _, s := range slots {
				drop := false
				for _, d := range devices {
					if s.Device == d {
						drop = true
						break
					}
				}
				if !drop {
					kept = append(kept, s)
				}
			}
			return kept
		}
		if parity {
			cur.ParityDevices = filter(cur.ParityDevices)
		} else {
			cur.DataDevices = filter(cur.DataDevices)
		}
		*rec = *cur
		return nil
	})
}

// storeParity persists the record's parity device list.
func (e *Engine) storeParity(rec *pools.Record) error {
	return e.store.Update(func(reg *pools.Registry) error {
		cur, ok := reg.ByID(rec.ID)
		if !ok {
			return pools.NotFoundf("parity", "unknown pool id: %s", rec.ID)
		}
		cur.ParityDevices = rec.ParityDevices
		*rec = *cur
		return nil
	})
}
