// Package phasing computes the device-local rollout percentage, reads the
// device's machine-id, applies GSM/wifi download gating, and owns the
// idle-lifetime timer that exits the service after a period of inactivity.
package phasing

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/isoboot/updateengine/internal/downloader"
	"github.com/isoboot/updateengine/internal/settings"
)

// machineIDPaths lists the well-known locations checked in order; the first
// that exists wins. Mirrors the common systemd/dbus machine-id locations.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// MachineID reads the device's machine-id from the first of machineIDPaths
// that exists.
func MachineID() (string, error) {
	for _, p := range machineIDPaths {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		return strings.TrimSpace(string(b)), nil
	}
	return "", fmt.Errorf("phasing: no machine-id file found (checked %v)", machineIDPaths)
}

// PhasePercentage computes the device's stable rollout percentage for a
// given channel and target build, per spec.md §4.11:
//
//	phase_pct = stable_hash(machine_id || channel || target_build) mod 101
//
// The result is idempotent for a given (machineID, channel, targetBuild)
// triple.
func PhasePercentage(machineID, channel string, targetBuild int) int {
	h := sha256.Sum256([]byte(machineID + "\x00" + channel + "\x00" + strconv.Itoa(targetBuild)))
	n := new(big.Int).SetBytes(h[:])
	return int(new(big.Int).Mod(n, big.NewInt(101)).Int64())
}

// AllowCellular reports whether a download batch may proceed over a
// cellular link, given the auto_download setting and a one-shot override
// (the CLI's --override-gsm flag, or a façade-level equivalent).
func AllowCellular(autoDownload settings.AutoDownload, override bool) bool {
	if override {
		return true
	}
	return autoDownload == settings.AutoDownloadAlways
}

// LinkProbeFromSetting builds a downloader.LinkProbe that always reports
// the given static link kind — suitable for environments where the engine
// has no dynamic network-type detection hook installed.
func LinkProbeFromSetting(kind downloader.LinkKind) downloader.LinkProbe {
	return func() downloader.LinkKind { return kind }
}

// IdleTimer exits the process after a period of inactivity, reset on every
// façade call, method invocation, or emitted signal (spec.md §4.11). A
// zero/negative duration disables the timer entirely, matching
// [dbus]lifetime's "≤0 disables" rule.
type IdleTimer struct {
	mu       sync.Mutex
	duration time.Duration
	timer    *time.Timer
	onExpire func()
}

// NewIdleTimer starts the timer immediately. If duration is ≤0, the
// returned timer is inert: Reset and Stop are safe no-ops and onExpire is
// never called.
func NewIdleTimer(duration time.Duration, onExpire func()) *IdleTimer {
	t := &IdleTimer{duration: duration, onExpire: onExpire}
	if duration > 0 {
		t.timer = time.AfterFunc(duration, onExpire)
	}
	return t
}

// Reset restarts the countdown from now. Called on every façade operation
// so the timer only fires after a true idle period.
func (t *IdleTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		return
	}
	t.timer.Reset(t.duration)
}

// Stop halts the timer permanently; onExpire will not fire afterward.
func (t *IdleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		return
	}
	t.timer.Stop()
}
