// Package facade is the single-instance, request-serialized service
// boundary in front of the engine: it exposes spec.md §4.10's operation set
// as plain Go methods and an Events channel, owns the idle-lifetime timer,
// and owns acquiring the exclusive single-instance lock. It carries no
// transport of its own — cmd/updateengine binds it to whatever the host
// wants (a CLI one-shot invocation, or a persistent service loop), mirroring
// the split between isoboot-controller's cmd (owns the listener) and
// internal/controller (owns domain logic).
package facade

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/isoboot/updateengine/internal/config"
	"github.com/isoboot/updateengine/internal/engine"
	"github.com/isoboot/updateengine/internal/enginerr"
	"github.com/isoboot/updateengine/internal/hooks"
	"github.com/isoboot/updateengine/internal/phasing"
	"github.com/isoboot/updateengine/internal/settings"
	"github.com/isoboot/updateengine/internal/staging"
)

// EventKind names one of the eight signals from spec.md §4.10.
type EventKind int

const (
	EventUpdateAvailableStatus EventKind = iota
	EventUpdateProgress
	EventUpdatePaused
	EventUpdateFailed
	EventUpdateDownloaded
	EventApplied
	EventRebooting
	EventSettingChanged
)

func (k EventKind) String() string {
	switch k {
	case EventUpdateAvailableStatus:
		return "UpdateAvailableStatus"
	case EventUpdateProgress:
		return "UpdateProgress"
	case EventUpdatePaused:
		return "UpdatePaused"
	case EventUpdateFailed:
		return "UpdateFailed"
	case EventUpdateDownloaded:
		return "UpdateDownloaded"
	case EventApplied:
		return "Applied"
	case EventRebooting:
		return "Rebooting"
	case EventSettingChanged:
		return "SettingChanged"
	default:
		return "Unknown"
	}
}

// Event is one emitted signal. Only the fields relevant to Kind are
// meaningful; the rest are left zero.
type Event struct {
	Kind EventKind

	// UpdateAvailableStatus
	IsAvailable      bool
	Downloading      bool
	AvailableVersion int
	UpdateSize       int64
	LastUpdateDate   time.Time
	ErrorReason      string

	// UpdateProgress, UpdatePaused
	Percent    int
	ETASeconds int

	// UpdateFailed
	ConsecutiveFailures int
	Reason              string

	// Applied, Rebooting
	Rebooting bool

	// SettingChanged
	Key      string
	OldValue string
	NewValue string
}

// ErrAlreadyRunning is returned by AcquireSingleInstance when another
// process already holds the lock. cmd/updateengine maps it to the
// "already running" exit code from spec.md §6.
var ErrAlreadyRunning = errors.New("facade: another instance is already running")

// AcquireSingleInstance takes the exclusive system-wide lock the façade
// requires before it may run, in lieu of acquiring a D-Bus bus name (no
// D-Bus binding is wired per spec.md §1's non-goals). The returned
// *flock.Flock must be held for the service's lifetime; release it by
// calling Unlock or letting the process exit.
func AcquireSingleInstance(lockPath string) (*flock.Flock, error) {
	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("facade: acquiring single-instance lock %s: %w", lockPath, err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	return fl, nil
}

// Deps wires a Facade to its engine and supporting stores.
type Deps struct {
	Logger        *zap.Logger
	Engine        *engine.Engine
	SettingsStore *settings.Store
	Config        config.Config
	ApplyHook     hooks.ApplyHook // reused for factoryReset/productionReset
	DeviceName    string
	// OnExit is invoked by Exit and by idle-timeout expiry. Defaults to
	// os.Exit(code) when nil; tests supply a stand-in.
	OnExit func(code int)
}

// Facade is the request-serialized façade in front of one Engine.
// check/download/apply are async: the method returns immediately and
// completion is reported via Events. pause/cancel/info/settings are
// synchronous.
type Facade struct {
	logger        *zap.Logger
	eng           *engine.Engine
	settingsStore *settings.Store
	cfg           config.Config
	applyHook     hooks.ApplyHook
	deviceName    string
	onExit        func(code int)

	idle *phasing.IdleTimer

	events chan Event
}

// New constructs a Facade and starts its idle-lifetime timer immediately.
func New(deps Deps) *Facade {
	onExit := deps.OnExit

	f := &Facade{
		logger:        deps.Logger,
		eng:           deps.Engine,
		settingsStore: deps.SettingsStore,
		cfg:           deps.Config,
		applyHook:     deps.ApplyHook,
		deviceName:    deps.DeviceName,
		onExit:        onExit,
		events:        make(chan Event, 64),
	}
	if f.onExit == nil {
		f.onExit = defaultExit
	}
	f.idle = phasing.NewIdleTimer(deps.Config.DBus.Lifetime, func() { f.Exit() })

	if f.settingsStore != nil {
		ch := make(chan settings.Changed, 16)
		f.settingsStore.Subscribe(ch)
		go f.relaySettingChanges(ch)
	}

	return f
}

func (f *Facade) relaySettingChanges(ch <-chan settings.Changed) {
	for c := range ch {
		f.emit(Event{Kind: EventSettingChanged, Key: c.Key, OldValue: c.OldValue, NewValue: c.NewValue})
	}
}

// Events returns the channel every emitted signal is delivered on. Delivery
// is non-blocking: a subscriber that falls behind drops events rather than
// stalling the engine.
func (f *Facade) Events() <-chan Event {
	return f.events
}

func (f *Facade) emit(ev Event) {
	f.idle.Reset()
	select {
	case f.events <- ev:
	default:
		if f.logger != nil {
			f.logger.Warn("dropping event, subscriber too slow", zap.Stringer("kind", ev.Kind))
		}
	}
}

// touch resets the idle timer for a synchronous call that doesn't itself
// emit an event (e.g. a getSetting that found nothing to change).
func (f *Facade) touch() {
	f.idle.Reset()
}

// Check starts or joins a check; see engine.Engine.Check for the join
// semantics. Completion is reported as an UpdateAvailableStatus event.
func (f *Facade) Check(ctx context.Context) {
	f.touch()
	go func() {
		res, err := f.eng.Check(ctx)
		ev := Event{
			Kind:             EventUpdateAvailableStatus,
			IsAvailable:      res.IsAvailable,
			Downloading:      f.eng.State() == engine.StateDownloading,
			AvailableVersion: res.AvailableVersion,
			UpdateSize:       res.UpdateSize,
			LastUpdateDate:   f.eng.Info().LastUpdateDate,
		}
		if err != nil {
			ev.ErrorReason = err.Error()
		}
		f.emit(ev)
	}()
}

// Download begins or resumes the download phase, emitting periodic
// UpdateProgress events until a terminal UpdateDownloaded or UpdateFailed.
func (f *Facade) Download(ctx context.Context) {
	f.touch()
	go f.runDownload(ctx)
}

func (f *Facade) runDownload(ctx context.Context) {
	done := make(chan error, 1)
	go func() { done <- f.eng.Download(ctx) }()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			if err != nil {
				reason := err.Error()
				if enginerr.Is(err, enginerr.KindCancelled) {
					reason = "cancelled"
				}
				f.emit(Event{Kind: EventUpdateFailed, ConsecutiveFailures: f.eng.ConsecutiveFailures(), Reason: reason})
				return
			}
			f.emit(Event{Kind: EventUpdateDownloaded})
			return
		case <-ticker.C:
			if progress, err := f.eng.DownloadProgress(); err == nil {
				f.emit(Event{Kind: EventUpdateProgress, Percent: progress.Percent, ETASeconds: progress.ETASeconds})
			}
		}
	}
}

// Pause suspends the in-flight download, emitting UpdatePaused.
func (f *Facade) Pause() error {
	f.touch()
	if err := f.eng.Pause(); err != nil {
		return err
	}
	progress, _ := f.eng.DownloadProgress()
	f.emit(Event{Kind: EventUpdatePaused, Percent: progress.Percent})
	return nil
}

// Cancel discards the in-flight download, emitting UpdateFailed(...,
// "cancelled") iff a download was actually active; a no-op otherwise, per
// spec.md §4.10.
func (f *Facade) Cancel() error {
	f.touch()
	err := f.eng.Cancel()
	if err == nil {
		return nil
	}
	if enginerr.Is(err, enginerr.KindCancelled) {
		f.emit(Event{Kind: EventUpdateFailed, ConsecutiveFailures: f.eng.ConsecutiveFailures(), Reason: "cancelled"})
		return nil
	}
	return err
}

// Apply stages and invokes the configured apply hook, emitting Applied and,
// if the hook triggers a reboot, Rebooting.
func (f *Facade) Apply(ctx context.Context) {
	f.touch()
	go func() {
		rebooting, err := f.eng.Apply(ctx)
		if err != nil {
			f.emit(Event{Kind: EventUpdateFailed, ConsecutiveFailures: f.eng.ConsecutiveFailures(), Reason: err.Error()})
			return
		}
		f.emit(Event{Kind: EventApplied, Rebooting: rebooting})
		if rebooting {
			f.emit(Event{Kind: EventRebooting, Rebooting: true})
		}
	}()
}

// FactoryReset wipes the data partition and invokes the apply hook.
func (f *Facade) FactoryReset(ctx context.Context) error {
	return f.reset(ctx, false)
}

// ProductionReset wipes the data partition, drops the production-reset flag
// file, and invokes the apply hook.
func (f *Facade) ProductionReset(ctx context.Context) error {
	return f.reset(ctx, true)
}

func (f *Facade) reset(ctx context.Context, production bool) error {
	f.touch()

	if f.cfg.Updater.DataPartition == "" {
		return enginerr.New(enginerr.KindStructural, "no data partition configured")
	}
	if err := staging.WipeDataPartition(f.cfg.Updater.DataPartition); err != nil {
		return err
	}
	if production {
		flagPath := filepath.Join(f.cfg.Updater.DataPartition, "production_reset")
		if err := staging.WriteResetFlag(flagPath); err != nil {
			return err
		}
	}

	if f.applyHook == nil {
		return enginerr.New(enginerr.KindStructural, "no apply hook configured")
	}
	rebooting, err := f.applyHook.Apply(ctx)
	if err != nil {
		return enginerr.Wrap(enginerr.KindStructural, "invoking apply hook for reset", err)
	}
	f.emit(Event{Kind: EventApplied, Rebooting: rebooting})
	if rebooting {
		f.emit(Event{Kind: EventRebooting, Rebooting: true})
	}
	return nil
}

// Info returns the info/information snapshot.
func (f *Facade) Info() engine.Info {
	f.touch()
	return f.eng.Info()
}

// GetSetting returns a stored setting's value and whether it was present.
func (f *Facade) GetSetting(key string) (string, bool, error) {
	f.touch()
	return f.settingsStore.Get(key)
}

// SetSetting stores a setting, validated if it's a predefined key.
func (f *Facade) SetSetting(key, value string) error {
	f.touch()
	return f.settingsStore.Set(key, value)
}

// DelSetting removes a setting, reporting whether it was present.
func (f *Facade) DelSetting(key string) (bool, error) {
	f.touch()
	return f.settingsStore.Delete(key)
}

// ShowSettings returns every stored key/value pair.
func (f *Facade) ShowSettings() (map[string]string, error) {
	f.touch()
	return f.settingsStore.All()
}

// Exit terminates the process immediately, per spec.md §4.10. An external
// supervisor may restart the service via activation.
func (f *Facade) Exit() {
	f.idle.Stop()
	f.onExit(0)
}

func defaultExit(code int) {
	os.Exit(code)
}
