package facade_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/isoboot/updateengine/internal/config"
	"github.com/isoboot/updateengine/internal/engine"
	"github.com/isoboot/updateengine/internal/facade"
	"github.com/isoboot/updateengine/internal/keyring"
	"github.com/isoboot/updateengine/internal/settings"
)

// newFailingEngine builds an Engine whose Check fails immediately (no
// keyring archives configured on disk), so tests can exercise the façade's
// async wiring without standing up a fake update server.
func newFailingEngine(t *testing.T) *engine.Engine {
	t.Helper()
	store := keyring.New(keyring.Paths{}, nil, nil)
	return engine.New(engine.Deps{
		Keyrings:    store,
		DownloadDir: t.TempDir(),
		DeviceName:  "testdevice",
	})
}

func openTestSettings(t *testing.T) *settings.Store {
	t.Helper()
	s, err := settings.Open(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatalf("settings.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeApplyHook struct {
	mu     sync.Mutex
	calls  int
	reboot bool
	err    error
}

func (h *fakeApplyHook) Apply(context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.reboot, h.err
}

func (h *fakeApplyHook) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func newFacade(t *testing.T, hook *fakeApplyHook, dataPartition string) (*facade.Facade, *settings.Store) {
	t.Helper()
	st := openTestSettings(t)
	f := facade.New(facade.Deps{
		Engine:        newFailingEngine(t),
		SettingsStore: st,
		Config: config.Config{
			Updater: config.Updater{DataPartition: dataPartition},
		},
		ApplyHook:  hook,
		DeviceName: "testdevice",
		OnExit:     func(int) {},
	})
	return f, st
}

func TestCheck_EmitsUpdateAvailableStatusWithErrorReason(t *testing.T) {
	f, _ := newFacade(t, nil, "")
	f.Check(context.Background())

	select {
	case ev := <-f.Events():
		if ev.Kind != facade.EventUpdateAvailableStatus {
			t.Fatalf("expected EventUpdateAvailableStatus, got %v", ev.Kind)
		}
		if ev.ErrorReason == "" {
			t.Error("expected a non-empty ErrorReason for a failing check")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for UpdateAvailableStatus")
	}
}

func TestCancel_NoOpWhenNothingDownloading(t *testing.T) {
	f, _ := newFacade(t, nil, "")
	if err := f.Cancel(); err != nil {
		t.Errorf("expected Cancel to be a no-op, got %v", err)
	}
	select {
	case ev := <-f.Events():
		t.Errorf("expected no event from a no-op cancel, got %v", ev.Kind)
	default:
	}
}

func TestFactoryReset_RequiresDataPartition(t *testing.T) {
	f, _ := newFacade(t, &fakeApplyHook{}, "")
	if err := f.FactoryReset(context.Background()); err == nil {
		t.Fatal("expected an error when no data partition is configured")
	}
}

func TestFactoryReset_WipesPartitionAndInvokesHook(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "blacklist.tar.gz"), []byte("stale"), 0o644); err != nil {
		t.Fatalf("seeding data partition: %v", err)
	}
	hook := &fakeApplyHook{reboot: true}
	f, _ := newFacade(t, hook, dir)

	if err := f.FactoryReset(context.Background()); err != nil {
		t.Fatalf("FactoryReset: %v", err)
	}
	if hook.callCount() != 1 {
		t.Errorf("expected the apply hook to be invoked once, got %d", hook.callCount())
	}
	if _, err := os.Stat(filepath.Join(dir, "blacklist.tar.gz")); !os.IsNotExist(err) {
		t.Error("expected the stale blacklist archive to be wiped")
	}
	if _, err := os.Stat(filepath.Join(dir, "production_reset")); !os.IsNotExist(err) {
		t.Error("factoryReset must not write the production_reset flag")
	}

	gotApplied, gotRebooting := false, false
	for i := 0; i < 2; i++ {
		select {
		case ev := <-f.Events():
			switch ev.Kind {
			case facade.EventApplied:
				gotApplied = true
			case facade.EventRebooting:
				gotRebooting = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	if !gotApplied || !gotRebooting {
		t.Errorf("expected both Applied and Rebooting events, got applied=%v rebooting=%v", gotApplied, gotRebooting)
	}
}

func TestProductionReset_WritesFlagFile(t *testing.T) {
	dir := t.TempDir()
	hook := &fakeApplyHook{}
	f, _ := newFacade(t, hook, dir)

	if err := f.ProductionReset(context.Background()); err != nil {
		t.Fatalf("ProductionReset: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "production_reset")); err != nil {
		t.Errorf("expected a production_reset flag file, got %v", err)
	}
}

func TestSettings_RoundTripAndChangeEvent(t *testing.T) {
	f, _ := newFacade(t, nil, "")

	if err := f.SetSetting("min_battery", "40"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	select {
	case ev := <-f.Events():
		if ev.Kind != facade.EventSettingChanged || ev.Key != "min_battery" || ev.NewValue != "40" {
			t.Errorf("unexpected settings event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SettingChanged")
	}

	v, ok, err := f.GetSetting("min_battery")
	if err != nil || !ok || v != "40" {
		t.Errorf("GetSetting: got %q ok=%v err=%v", v, ok, err)
	}

	all, err := f.ShowSettings()
	if err != nil || all["min_battery"] != "40" {
		t.Errorf("ShowSettings: got %+v err=%v", all, err)
	}

	existed, err := f.DelSetting("min_battery")
	if err != nil || !existed {
		t.Errorf("DelSetting: existed=%v err=%v", existed, err)
	}
}

func TestInfo_ReflectsEngineState(t *testing.T) {
	f, _ := newFacade(t, nil, "")
	info := f.Info()
	if info.Device != "testdevice" {
		t.Errorf("expected device testdevice, got %q", info.Device)
	}
}

func TestExit_InvokesOnExit(t *testing.T) {
	var code = -1
	st := openTestSettings(t)
	f := facade.New(facade.Deps{
		Engine:        newFailingEngine(t),
		SettingsStore: st,
		OnExit:        func(c int) { code = c },
	})
	f.Exit()
	if code != 0 {
		t.Errorf("expected OnExit to be called with 0, got %d", code)
	}
}

func TestAcquireSingleInstance_SecondCallerFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updateengine.lock")
	fl, err := facade.AcquireSingleInstance(path)
	if err != nil {
		t.Fatalf("first AcquireSingleInstance: %v", err)
	}
	defer fl.Unlock()

	if _, err := facade.AcquireSingleInstance(path); err != facade.ErrAlreadyRunning {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}
