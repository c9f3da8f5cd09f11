package engine

import (
	"context"
	"strings"
	"sync"

	"mos/storaged/internal/pools"
)

// PowerAction is the closed set of per-disk power commands.
type PowerAction string

const (
	PowerWake    PowerAction = "wake"
	PowerStandby PowerAction = "standby"
	PowerSleep   PowerAction = "sleep"
)

func ValidPowerAction(a PowerAction) bool {
	return a == PowerWake || a == PowerStandby || a == PowerSleep
}

// DiskPower is the power state of one member disk.
type DiskPower struct {
	Device      string `json:"device"`
	Slot        int    `json:"slot"`
	DiskType    string `json:"diskType"` // data | parity
	PowerStatus string `json:"powerStatus"`
	Error       string `json:"error,omitempty"`
}

// PoolPowerResult aggregates a fan-out over a pool's disks. A per-disk
// failure is one failed entry, never a failed aggregate.
type PoolPowerResult struct {
	TotalDisks   int         `json:"totalDisks"`
	SuccessCount int         `json:"successCount"`
	Results      []DiskPower `json:"results"`
}

// resolveDisk finds a member slot by filesystem UUID, data before parity.
// UUIDs survive device path renumbering, which is why power lookups key
// on them.
func resolveDisk(rec *pools.Record, uuid string) (pools.DeviceSlot, string, bool) {
	for _, s := range rec.DataDevices {
		if s.ID == uuid {
			return s, "data", true
		}
	}
	for _, s := range rec.ParityDevices {
		if s.ID == uuid {
			return s, "parity", true
		}
	}
	return pools.DeviceSlot{}, "", false
}

// GetDiskStatus reports the spin state of one disk, resolved by UUID.
func (e *Engine) GetDiskStatus(ctx context.Context, poolID, uuid string) (DiskPower, error) {
	rec, err := e.loadPool(poolID)
	if err != nil {
		return DiskPower{}, err
	}
	slot, diskType, ok := resolveDisk(&rec, uuid)
	if !ok {
		return DiskPower{}, pools.NotFoundf("disk status", "uuid %s not found among members of pool %s", uuid, rec.Name)
	}
	return e.diskStatus(ctx, slot, diskType), nil
}

func (e *Engine) diskStatus(ctx context.Context, slot pools.DeviceSlot, diskType string) DiskPower {
	dp := DiskPower{Device: slot.Device, Slot: slot.Slot, DiskType: diskType}
	res, err := e.runner.Run(ctx, e.powerTimeout, "hdparm", "-C", slot.Device)
	if err != nil {
		dp.PowerStatus = "error"
		dp.Error = strings.TrimSpace(string(res.Stderr))
		if dp.Error == "" {
			dp.Error = err.Error()
		}
		return dp
	}
	dp.PowerStatus = parseDriveState(string(res.Stdout))
	return dp
}

func parseDriveState(out string) string {
	s := strings.ToLower(out)
	switch {
	case strings.Contains(s, "active/idle"), strings.Contains(s, "active"):
		return "active"
	case strings.Contains(s, "standby"):
		return "standby"
	case strings.Contains(s, "sleeping"):
		return "sleeping"
	}
	return "unknown"
}

// ControlDisk issues a power command to one disk, resolved by UUID.
func (e *Engine) ControlDisk(ctx context.Context, poolID, uuid string, action PowerAction) (DiskPower, error) {
	if !ValidPowerAction(action) {
		return DiskPower{}, pools.Validationf("disk control", "unsupported action: %s", action)
	}
	rec, err := e.loadPool(poolID)
	if err != nil {
		return DiskPower{}, err
	}
	slot, diskType, ok := resolveDisk(&rec, uuid)
	if !ok {
		return DiskPower{}, pools.NotFoundf("disk control", "uuid %s not found among members of pool %s", uuid, rec.Name)
	}
	return e.controlSlot(ctx, slot, diskType, action), nil
}

func (e *Engine) controlSlot(ctx context.Context, slot pools.DeviceSlot, diskType string, action PowerAction) DiskPower {
	dp := DiskPower{Device: slot.Device, Slot: slot.Slot, DiskType: diskType}
	var name string
	var args []string
	switch action {
	case PowerStandby:
		name, args = "hdparm", []string{"-y", slot.Device}
	case PowerSleep:
		name, args = "hdparm", []string{"-Y", slot.Device}
	case PowerWake:
		// a small read spins the drive up
		name, args = "dd", []string{"if=" + slot.Device, "of=/dev/null", "bs=512", "count=1"}
	}
	res, err := e.runner.Run(ctx, e.powerTimeout, name, args...)
	if err != nil {
		dp.PowerStatus = "error"
		dp.Error = strings.TrimSpace(string(res.Stderr))
		if dp.Error == "" {
			dp.Error = err.Error()
		}
		return dp
	}
	switch action {
	case PowerWake:
		dp.PowerStatus = "active"
	case PowerStandby:
		dp.PowerStatus = "standby"
	case PowerSleep:
		dp.PowerStatus = "sleeping"
	}
	return dp
}

// ControlPool fans a power command out across every member disk with
// bounded concurrency. One disk failing never aborts the aggregate.
func (e *Engine) ControlPool(ctx context.Context, poolID string, action PowerAction) (PoolPowerResult, error) {
	if !ValidPowerAction(action) {
		return PoolPowerResult{}, pools.Validationf("pool power", "unsupported action: %s", action)
	}
	return e.fanOut(ctx, poolID, func(ctx context.Context, slot pools.DeviceSlot, diskType string) DiskPower {
		return e.controlSlot(ctx, slot, diskType, action)
	})
}

// GetPoolDisksPowerStatus queries spin state across every member disk
// concurrently.
func (e *Engine) GetPoolDisksPowerStatus(ctx context.Context, poolID string) (PoolPowerResult, error) {
	return e.fanOut(ctx, poolID, e.diskStatus)
}

func (e *Engine) fanOut(ctx context.Context, poolID string, fn func(context.Context, pools.DeviceSlot, string) DiskPower) (PoolPowerResult, error) {
	rec, err := e.loadPool(poolID)
	if err != nil {
		return PoolPowerResult{}, err
	}
	type target struct {
		slot     pools.DeviceSlot
		diskType string
	}
	targets := make([]target, 0, len(rec.DataDevices)+len(rec.ParityDevices))
	for _, s := range rec.DataDevices {
		targets = append(targets, target{s, "data"})
	}
	for _, s := range rec.ParityDevices {
		targets = append(targets, target{s, "parity"})
	}

	out := PoolPowerResult{TotalDisks: len(targets), Results: make([]DiskPower, len(targets))}
	sem := make(chan struct{}, e.powerParallel)
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			cctx, cancel := context.WithTimeout(ctx, e.powerTimeout)
			defer cancel()
			out.Results[i] = fn(cctx, t.slot, t.diskType)
		}(i, t)
	}
	wg.Wait()
	for _, r := range out.Results {
		if r.PowerStatus != "error" {
			out.SuccessCount++
		}
	}
	return out, nil
}
