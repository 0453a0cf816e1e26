// Package hooks is the fixed name→implementation registry for the engine's
// capability hooks: device, scorer and apply, selected by name from [hooks]
// in the config, plus the battery hook, selected by name in code. Nothing is
// loaded by dynamic import of arbitrary
// module paths — every implementation registers itself explicitly via an
// init() call in this package's builtin.go.
package hooks

import (
	"context"
	"fmt"
	"sync"

	"github.com/isoboot/updateengine/internal/resolver"
)

// DeviceHook supplies the device identifier used to look up the
// (channel, device) index path, for installs where [service]device isn't
// set in config.
type DeviceHook interface {
	DeviceName() (string, error)
}

// ApplyHook invokes the mechanism that actually installs a staged update,
// typically a reboot into the recovery environment.
type ApplyHook interface {
	// Apply runs the hook and reports whether it triggers a reboot, so the
	// façade knows whether to also emit a Rebooting event.
	Apply(ctx context.Context) (rebooting bool, err error)
}

// BatteryHook reports the device's current battery charge, 0..100, read
// before starting a download whenever the min_battery setting is
// configured (spec.md §4.9).
type BatteryHook interface {
	BatteryLevel() (int, error)
}

type (
	deviceFactory  func() DeviceHook
	scorerFactory  func() resolver.Scorer
	applyFactory   func() ApplyHook
	batteryFactory func() BatteryHook
)

var (
	mu        sync.Mutex
	devices   = map[string]deviceFactory{}
	scorers   = map[string]scorerFactory{}
	applies   = map[string]applyFactory{}
	batteries = map[string]batteryFactory{}
)

// RegisterDevice adds a named device hook implementation to the registry.
// Called from init() only.
func RegisterDevice(name string, f func() DeviceHook) {
	mu.Lock()
	defer mu.Unlock()
	devices[name] = f
}

// RegisterScorer adds a named scorer implementation to the registry.
// Called from init() only.
func RegisterScorer(name string, f func() resolver.Scorer) {
	mu.Lock()
	defer mu.Unlock()
	scorers[name] = f
}

// RegisterApply adds a named apply hook implementation to the registry.
// Called from init() only.
func RegisterApply(name string, f func() ApplyHook) {
	mu.Lock()
	defer mu.Unlock()
	applies[name] = f
}

// RegisterBattery adds a named battery hook implementation to the
// registry. Called from init() only.
func RegisterBattery(name string, f func() BatteryHook) {
	mu.Lock()
	defer mu.Unlock()
	batteries[name] = f
}

// Device resolves a registered device hook by name.
func Device(name string) (DeviceHook, error) {
	mu.Lock()
	defer mu.Unlock()
	f, ok := devices[name]
	if !ok {
		return nil, fmt.Errorf("hooks: no device hook registered as %q", name)
	}
	return f(), nil
}

// Scorer resolves a registered scorer by name. The empty string resolves
// to "weighted", the canonical default scorer from spec.md §3.
func Scorer(name string) (resolver.Scorer, error) {
	if name == "" {
		name = "weighted"
	}
	mu.Lock()
	defer mu.Unlock()
	f, ok := scorers[name]
	if !ok {
		return nil, fmt.Errorf("hooks: no scorer registered as %q", name)
	}
	return f(), nil
}

// Apply resolves a registered apply hook by name.
func Apply(name string) (ApplyHook, error) {
	mu.Lock()
	defer mu.Unlock()
	f, ok := applies[name]
	if !ok {
		return nil, fmt.Errorf("hooks: no apply hook registered as %q", name)
	}
	return f(), nil
}

// Battery resolves a registered battery hook by name.
func Battery(name string) (BatteryHook, error) {
	mu.Lock()
	defer mu.Unlock()
	f, ok := batteries[name]
	if !ok {
		return nil, fmt.Errorf("hooks: no battery hook registered as %q", name)
	}
	return f(), nil
}

