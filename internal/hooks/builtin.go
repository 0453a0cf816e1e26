package hooks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/isoboot/updateengine/internal/phasing"
	"github.com/isoboot/updateengine/internal/resolver"
)

func init() {
	RegisterScorer("weighted", func() resolver.Scorer { return resolver.Weighted{} })

	RegisterDevice("machineid", func() DeviceHook { return machineIDDevice{} })

	RegisterApply("reboot", func() ApplyHook { return rebootApply{} })
	RegisterApply("noop", func() ApplyHook { return noopApply{} })

	RegisterBattery("sysfs", func() BatteryHook { return sysfsBattery{} })
	RegisterBattery("none", func() BatteryHook { return noBattery{} })
}

// machineIDDevice derives the device identifier from the machine-id, for
// installs that key their per-device index path by machine-id rather than
// a fixed product name.
type machineIDDevice struct{}

func (machineIDDevice) DeviceName() (string, error) {
	return phasing.MachineID()
}

// rebootApply invokes the system reboot command. This is the apply hook
// used on real hardware: the recovery command file staged by
// internal/staging is consumed by the boot-time recovery environment after
// this reboot completes.
type rebootApply struct{}

func (rebootApply) Apply(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "reboot")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return false, fmt.Errorf("invoking reboot: %w", err)
	}
	return true, nil
}

// noopApply is the apply hook for --no-apply and dry-run exercising: it
// reports success without touching the running system.
type noopApply struct{}

func (noopApply) Apply(context.Context) (bool, error) {
	return false, nil
}

// sysfsPowerSupplies is the standard Linux location for battery reporting.
const sysfsPowerSupplies = "/sys/class/power_supply"

// sysfsBattery reads the charge capacity off the first power supply under
// /sys/class/power_supply that exposes a "capacity" file, the usual sysfs
// battery-percentage interface.
type sysfsBattery struct{}

func (sysfsBattery) BatteryLevel() (int, error) {
	entries, err := os.ReadDir(sysfsPowerSupplies)
	if err != nil {
		return 0, fmt.Errorf("listing power supplies: %w", err)
	}
	for _, e := range entries {
		raw, err := os.ReadFile(filepath.Join(sysfsPowerSupplies, e.Name(), "capacity"))
		if err != nil {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			continue
		}
		return n, nil
	}
	return 0, fmt.Errorf("no battery power supply with a capacity file found under %s", sysfsPowerSupplies)
}

// noBattery always reports a full charge, for devices (or test
// environments) with no battery, so a configured min_battery never blocks
// them.
type noBattery struct{}

func (noBattery) BatteryLevel() (int, error) {
	return 100, nil
}
