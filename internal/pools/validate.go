package pools

import (
	"regexp"
	"strings"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,62}$`)

// ValidateName checks a human-chosen pool name. Names become mount-point
// directories, so the character set is restricted.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return Validationf("validate", "pool name required")
	}
	if !nameRe.MatchString(name) {
		return Validationf("validate", "invalid pool name %q", name)
	}
	return nil
}

// ValidateDevices checks a device list: non-empty, absolute paths, no
// duplicates.
func ValidateDevices(devices []string) error {
	if len(devices) == 0 {
		return Validationf("validate", "at least one device required")
	}
	seen := map[string]bool{}
	for _, d := range devices {
		d = strings.TrimSpace(d)
		if !strings.HasPrefix(d, "/dev/") {
			return Validationf("validate", "not a block device path: %q", d)
		}
		if seen[d] {
			return Validationf("validate", "duplicate device: %s", d)
		}
		seen[d] = true
	}
	return nil
}

// ValidateRaidDeviceCount enforces the per-level minimum device counts:
// any multi-device creation needs >= 2 devices, raid10 needs >= 4.
func ValidateRaidDeviceCount(level RaidLevel, n int) error {
	if !ValidRaidLevel(level) {
		return Validationf("validate", "unsupported raid level: %s", level)
	}
	if n < 2 {
		return Validationf("validate", "multi-device pool requires at least 2 devices, got %d", n)
	}
	if level == Raid10 && n < 4 {
		return Validationf("validate", "raid10 requires at least 4 devices, got %d", n)
	}
	return nil
}

// unionPolicies is the closed set of mergerfs policy names accepted for
// category.create, category.action and category.search.
var unionPolicies = map[string]bool{
	"all": true, "epall": true, "epff": true, "eplfs": true,
	"eplus": true, "epmfs": true, "eprand": true, "ff": true,
	"lfs": true, "lus": true, "mfs": true, "msplfs": true,
	"msplus": true, "mspmfs": true, "msprand": true, "newest": true,
	"pfrd": true, "rand": true,
}

// ValidateUnionConfig rejects unknown policy names before they reach the
// union mount option string. Empty policies mean "use the default" and
// are accepted.
func ValidateUnionConfig(cfg Config) error {
	for _, p := range []struct{ field, val string }{
		{"create", cfg.CreatePolicy},
		{"read", cfg.ReadPolicy},
		{"search", cfg.SearchPolicy},
	} {
		if p.val != "" && !unionPolicies[p.val] {
			return Validationf("validate", "unknown %s policy: %q", p.field, p.val)
		}
	}
	return nil
}

// ShouldFormat applies the format-only-when-safe policy. format==nil
// formats only blank devices; format==true always formats; format==false
// refuses blank devices with a validation error.
func ShouldFormat(format *bool, existingFS, device string) (bool, error) {
	switch {
	case format != nil && *format:
		return true, nil
	case format != nil && !*format:
		if existingFS == "" {
			return false, Validationf("format policy",
				"device %s has no filesystem and format=false was requested", device)
		}
		return false, nil
	default:
		return existingFS == "", nil
	}
}

// CheckCreate validates name uniqueness and device availability against
// the current registry.
func (r *Registry) CheckCreate(name string, devices []string) error {
	if _, exists := r.ByName(name); exists {
		return Validationf("create", "pool name already in use: %s", name)
	}
	for _, d := range devices {
		if owner, used := r.DeviceOwner(d); used {
			return Validationf("create", "device %s already belongs to pool %s", d, owner.Name)
		}
	}
	return nil
}
