// Command updateengine is the engine's entrypoint: it loads configuration,
// wires every internal component together behind one facade.Facade, and
// drives it either as a one-shot CLI invocation or, for the async
// operations, until their terminal event arrives. The CLI surface mirrors
// spec.md §6; exit codes are 0 (success/up-to-date), 1 (error), and 2
// (already running).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isoboot/updateengine/internal/channels"
	"github.com/isoboot/updateengine/internal/config"
	"github.com/isoboot/updateengine/internal/downloader"
	"github.com/isoboot/updateengine/internal/engine"
	"github.com/isoboot/updateengine/internal/facade"
	"github.com/isoboot/updateengine/internal/hooks"
	"github.com/isoboot/updateengine/internal/httpclient"
	"github.com/isoboot/updateengine/internal/keyring"
	"github.com/isoboot/updateengine/internal/phasing"
	"github.com/isoboot/updateengine/internal/resolver"
	"github.com/isoboot/updateengine/internal/settings"
)

const (
	exitSuccess       = 0
	exitError         = 1
	exitAlreadyRunning = 2
)

type cliFlags struct {
	configDir string
	verbose   bool
	progress  string

	overrideChannel string
	overrideBuild   int
	overrideDevice  string
	filter          string
	maxImage        int
	overrideGSM     bool
	noApply         bool
	dryRun          bool

	info           bool
	percentage     bool
	listChannels   bool
	factoryReset   bool
	productionReset bool

	getSetting   string
	setSetting   string
	delSetting   string
	showSettings bool
}

func parseFlags(args []string) cliFlags {
	var f cliFlags
	fs := flag.NewFlagSet("updateengine", flag.ExitOnError)

	fs.StringVar(&f.configDir, "config-dir", "/etc/updateengine", "configuration layer directory")
	fs.BoolVar(&f.verbose, "verbose", false, "enable verbose (development) logging")
	fs.StringVar(&f.progress, "progress", "dots", "progress rendering: dots, logfile, or json")

	fs.StringVar(&f.overrideChannel, "override-channel", "", "use this channel instead of the configured one")
	fs.IntVar(&f.overrideBuild, "override-build", 0, "treat the current build as this instead of the configured one")
	fs.StringVar(&f.overrideDevice, "override-device", "", "use this device name instead of the configured/hook-supplied one")
	fs.StringVar(&f.filter, "filter", "", "restrict candidate paths to: full, delta")
	fs.IntVar(&f.maxImage, "maximage", 0, "cap candidate paths at this version (0 disables)")
	fs.BoolVar(&f.overrideGSM, "override-gsm", false, "allow this download over a cellular link regardless of settings")
	fs.BoolVar(&f.noApply, "no-apply", false, "stage but do not invoke the apply hook")
	fs.BoolVar(&f.dryRun, "dry-run", false, "perform no network or disk writes beyond what check itself needs")

	fs.BoolVar(&f.info, "info", false, "print current/target build info and exit")
	fs.BoolVar(&f.percentage, "percentage", false, "print this device's phased rollout percentage and exit")
	fs.BoolVar(&f.listChannels, "list-channels", false, "run a check and print whether an update is available, then exit (channel names are not printed)")
	fs.BoolVar(&f.factoryReset, "factory-reset", false, "wipe the data partition and invoke the apply hook")
	fs.BoolVar(&f.productionReset, "production-reset", false, "wipe the data partition, mark it production-reset, and invoke the apply hook")

	fs.StringVar(&f.getSetting, "get-setting", "", "print the value of this setting key and exit")
	fs.StringVar(&f.setSetting, "set-setting", "", "set a setting as key=value and exit")
	fs.StringVar(&f.delSetting, "del-setting", "", "delete this setting key and exit")
	fs.BoolVar(&f.showSettings, "show-settings", false, "print every stored setting and exit")

	fs.Parse(args) //nolint:errcheck // flag.ExitOnError already terminates on a parse error
	return f
}

func newLogger(verbose bool) *zap.Logger {
	if verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return zap.NewNop()
		}
		return l
	}
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func mapFilter(v string) resolver.Filter {
	switch v {
	case "full":
		return resolver.FilterFullOnly
	case "delta":
		return resolver.FilterDeltaOnly
	default:
		return resolver.FilterNone
	}
}

// serverRoot picks http/https per cfg.PreferHTTPS and joins it with the
// configured host and port into a server root URL.
func serverRoot(cfg config.Config) string {
	if cfg.PreferHTTPS() {
		return fmt.Sprintf("https://%s:%s", cfg.Service.BaseHost, cfg.Service.HTTPSPort)
	}
	return fmt.Sprintf("http://%s:%s", cfg.Service.BaseHost, cfg.Service.HTTPPort)
}

func resolveDeviceName(cfg config.Config, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if cfg.Service.Device != "" {
		return cfg.Service.Device, nil
	}
	if cfg.Hooks.Device != "" {
		dh, err := hooks.Device(cfg.Hooks.Device)
		if err != nil {
			return "", err
		}
		return dh.DeviceName()
	}
	return "", fmt.Errorf("no device configured: set [service]device or [hooks]device")
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	f := parseFlags(args)

	logger := newLogger(f.verbose)
	defer logger.Sync() //nolint:errcheck // best-effort flush on exit

	cfg, err := config.Load(f.configDir)
	if err != nil {
		logger.Error("loading configuration", zap.Error(err))
		return exitError
	}

	lockPath := filepath.Join(cfg.System.TempDir, "updateengine.lock")
	lock, err := facade.AcquireSingleInstance(lockPath)
	if err != nil {
		logger.Error("acquiring single-instance lock", zap.Error(err))
		if errors.Is(err, facade.ErrAlreadyRunning) {
			return exitAlreadyRunning
		}
		return exitError
	}
	defer lock.Unlock() //nolint:errcheck // process is exiting regardless

	deviceName, err := resolveDeviceName(cfg, f.overrideDevice)
	if err != nil {
		logger.Error("resolving device name", zap.Error(err))
		return exitError
	}

	client := httpclient.New()
	fetcher := &channels.Fetcher{
		HTTPClient: client,
		Root:       serverRoot(cfg),
		DestDir:    filepath.Join(cfg.System.TempDir, "channels"),
	}
	keyringStore := keyring.New(keyring.Paths{
		ArchiveMaster: cfg.GPG.ArchiveMaster,
		ImageMaster:   cfg.GPG.ImageMaster,
		ImageSigning:  cfg.GPG.ImageSigning,
		DeviceSigning: cfg.GPG.DeviceSigning,
		// The blacklist archive lives in the data partition, not among the
		// four configured gpg paths (spec.md §6's "Local persisted state").
		Blacklist: filepath.Join(cfg.Updater.DataPartition, "blacklist.tar.gz"),
	}, fetcher, nil)
	fetcher.SignatureOf = keyringStore

	// Settings are their own persisted store, distinct from the data
	// partition factoryReset/productionReset wipe (spec.md §6's "Local
	// persisted state" lists them separately).
	settingsStore, err := settings.Open(filepath.Join(cfg.System.TempDir, "settings.db"))
	if err != nil {
		logger.Error("opening settings store", zap.Error(err))
		return exitError
	}
	defer settingsStore.Close() //nolint:errcheck // process is exiting regardless

	scorer, err := hooks.Scorer(cfg.Hooks.Scorer)
	if err != nil {
		logger.Error("resolving scorer hook", zap.Error(err))
		return exitError
	}

	var applyHook hooks.ApplyHook
	if cfg.Hooks.Apply != "" {
		applyHook, err = hooks.Apply(cfg.Hooks.Apply)
		if err != nil && !f.dryRun && !f.noApply {
			logger.Error("resolving apply hook", zap.Error(err))
			return exitError
		}
	}

	backend := downloader.NewHTTPBackend(client, phasing.LinkProbeFromSetting(downloader.LinkWiFi), 4)

	// "sysfs" is always registered by internal/hooks/builtin.go's init.
	batteryHook, _ := hooks.Battery("sysfs")

	eng := engine.New(engine.Deps{
		Logger: logger,
		Config: cfg,
		Overrides: engine.Overrides{
			Channel:       f.overrideChannel,
			BuildNumber:   f.overrideBuild,
			Device:        f.overrideDevice,
			Filter:        mapFilter(f.filter),
			MaxImage:      f.maxImage,
			AllowCellular: f.overrideGSM,
			NoApply:       f.noApply,
			DryRun:        f.dryRun,
		},
		Keyrings:      keyringStore,
		Fetcher:       fetcher,
		Backend:       backend,
		SettingsStore: settingsStore,
		ApplyHook:     applyHook,
		Battery:       batteryHook,
		Scorer:        scorer,
		DeviceName:    deviceName,
		DownloadDir:   filepath.Join(cfg.System.TempDir, "downloads"),
	})

	fac := facade.New(facade.Deps{
		Logger:        logger,
		Engine:        eng,
		SettingsStore: settingsStore,
		Config:        cfg,
		ApplyHook:     applyHook,
		DeviceName:    deviceName,
		OnExit:        func(code int) { os.Exit(code) },
	})

	return dispatch(f, fac, logger)
}

// dispatch runs whichever one-shot operation the flags named, in the
// priority order spec.md §6 implies a CLI reader of the flag list would
// expect (informational queries first, then settings mutation, then
// destructive resets, then the default check/download/apply run).
func dispatch(f cliFlags, fac *facade.Facade, logger *zap.Logger) int {
	switch {
	case f.info:
		return printInfo(fac)
	case f.percentage:
		return printPercentage(fac)
	case f.listChannels:
		return printChannels(fac, logger)
	case f.showSettings:
		return printSettings(fac, logger)
	case f.getSetting != "":
		return getSetting(fac, f.getSetting, logger)
	case f.setSetting != "":
		return setSetting(fac, f.setSetting, logger)
	case f.delSetting != "":
		return delSetting(fac, f.delSetting, logger)
	case f.factoryReset:
		return runReset(fac.FactoryReset, logger)
	case f.productionReset:
		return runReset(fac.ProductionReset, logger)
	default:
		return runUpdateCycle(fac, f, logger)
	}
}

func printInfo(fac *facade.Facade) int {
	info := fac.Info()
	fmt.Printf("device: %s\nchannel: %s\ncurrent build: %d\ntarget build: %d\nlast check: %s\nlast update: %s\n",
		info.Device, info.Channel, info.CurrentBuild, info.TargetBuild,
		info.LastCheckDate.Format(time.RFC3339), info.LastUpdateDate.Format(time.RFC3339))
	return exitSuccess
}

func printPercentage(fac *facade.Facade) int {
	info := fac.Info()
	machineID, err := phasing.MachineID()
	if err != nil {
		machineID = info.Device
	}
	pct := phasing.PhasePercentage(machineID, info.Channel, info.TargetBuild)
	fmt.Println(pct)
	return exitSuccess
}

func printChannels(fac *facade.Facade, logger *zap.Logger) int {
	fac.Check(context.Background())
	ev := awaitEvent(fac, facade.EventUpdateAvailableStatus)
	if ev.ErrorReason != "" {
		logger.Error("listing channels", zap.String("reason", ev.ErrorReason))
		return exitError
	}
	fmt.Printf("available: %v version: %d size: %d\n", ev.IsAvailable, ev.AvailableVersion, ev.UpdateSize)
	return exitSuccess
}

func printSettings(fac *facade.Facade, logger *zap.Logger) int {
	all, err := fac.ShowSettings()
	if err != nil {
		logger.Error("showing settings", zap.Error(err))
		return exitError
	}
	for k, v := range all {
		fmt.Printf("%s=%s\n", k, v)
	}
	return exitSuccess
}

func getSetting(fac *facade.Facade, key string, logger *zap.Logger) int {
	v, ok, err := fac.GetSetting(key)
	if err != nil {
		logger.Error("getting setting", zap.String("key", key), zap.Error(err))
		return exitError
	}
	if !ok {
		return exitError
	}
	fmt.Println(v)
	return exitSuccess
}

func setSetting(fac *facade.Facade, kv string, logger *zap.Logger) int {
	key, value, ok := strings.Cut(kv, "=")
	if !ok {
		logger.Error("invalid --set-setting value, expected key=value", zap.String("value", kv))
		return exitError
	}
	if err := fac.SetSetting(key, value); err != nil {
		logger.Error("setting value", zap.String("key", key), zap.Error(err))
		return exitError
	}
	return exitSuccess
}

func delSetting(fac *facade.Facade, key string, logger *zap.Logger) int {
	if _, err := fac.DelSetting(key); err != nil {
		logger.Error("deleting setting", zap.String("key", key), zap.Error(err))
		return exitError
	}
	return exitSuccess
}

func runReset(op func(context.Context) error, logger *zap.Logger) int {
	if err := op(context.Background()); err != nil {
		logger.Error("running reset", zap.Error(err))
		return exitError
	}
	return exitSuccess
}

// autoDownload reads the auto_download setting, defaulting to wifi-only
// (spec.md §4.9's documented default) when it is unset or unparseable.
func autoDownload(fac *facade.Facade) settings.AutoDownload {
	v, ok, err := fac.GetSetting("auto_download")
	if err != nil || !ok {
		return settings.AutoDownloadWiFi
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return settings.AutoDownloadWiFi
	}
	return settings.AutoDownload(n)
}

// runUpdateCycle drives check, and if an update is available and --dry-run
// does not suppress it, download then apply, rendering progress per
// --progress along the way. With --no-apply, apply stages the files but the
// engine skips the apply hook.
func runUpdateCycle(fac *facade.Facade, f cliFlags, logger *zap.Logger) int {
	render := newProgressRenderer(f.progress)

	fac.Check(context.Background())
	checkEv := awaitEvent(fac, facade.EventUpdateAvailableStatus)
	if checkEv.ErrorReason != "" {
		logger.Error("check failed", zap.String("reason", checkEv.ErrorReason))
		return exitError
	}
	if !checkEv.IsAvailable {
		fmt.Println("no update available")
		return exitSuccess
	}
	fmt.Printf("update available: version %d, %d bytes\n", checkEv.AvailableVersion, checkEv.UpdateSize)

	if f.dryRun {
		return exitSuccess
	}

	if autoDownload(fac) == settings.AutoDownloadNever {
		fmt.Println("update available but auto_download=never; skipping download")
		return exitSuccess
	}

	fac.Download(context.Background())
	for {
		ev := <-fac.Events()
		switch ev.Kind {
		case facade.EventUpdateProgress:
			render(ev.Percent)
		case facade.EventUpdateDownloaded:
			goto downloaded
		case facade.EventUpdateFailed:
			logger.Error("download failed", zap.Int("consecutive_failures", ev.ConsecutiveFailures), zap.String("reason", ev.Reason))
			return exitError
		}
	}
downloaded:

	fac.Apply(context.Background())
	for {
		ev := <-fac.Events()
		switch ev.Kind {
		case facade.EventApplied:
			fmt.Printf("applied, rebooting=%v\n", ev.Rebooting)
			return exitSuccess
		case facade.EventUpdateFailed:
			logger.Error("apply failed", zap.String("reason", ev.Reason))
			return exitError
		}
	}
}

// awaitEvent blocks for the next event of kind, discarding any unrelated
// events emitted in between (e.g. a SettingChanged racing in from another
// caller).
func awaitEvent(fac *facade.Facade, kind facade.EventKind) facade.Event {
	for {
		ev := <-fac.Events()
		if ev.Kind == kind {
			return ev
		}
	}
}

// newProgressRenderer returns a function called with each UpdateProgress
// percentage, formatted per the --progress flag's style.
func newProgressRenderer(style string) func(percent int) {
	switch style {
	case "json":
		return func(percent int) { fmt.Printf(`{"percent":%d}`+"\n", percent) }
	case "logfile":
		return func(percent int) { fmt.Fprintf(os.Stderr, "progress: %s%%\n", strconv.Itoa(percent)) }
	default: // "dots"
		return func(percent int) { fmt.Print(".") }
	}
}
