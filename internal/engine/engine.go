// Package engine drives the check→resolve→download→verify→stage→apply
// state machine: the core of the update engine, per spec.md §4.8.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isoboot/updateengine/internal/channels"
	"github.com/isoboot/updateengine/internal/config"
	"github.com/isoboot/updateengine/internal/downloader"
	"github.com/isoboot/updateengine/internal/enginerr"
	"github.com/isoboot/updateengine/internal/hooks"
	"github.com/isoboot/updateengine/internal/httpclient"
	"github.com/isoboot/updateengine/internal/keyring"
	"github.com/isoboot/updateengine/internal/model"
	"github.com/isoboot/updateengine/internal/phasing"
	"github.com/isoboot/updateengine/internal/resolver"
	"github.com/isoboot/updateengine/internal/settings"
	"github.com/isoboot/updateengine/internal/staging"
)

// State is one point in the update engine's lifecycle.
//
//	Init → ConfigLoaded → KeyringsReady → ChannelsFetched → IndexFetched →
//	PathComputed → [NoUpdate | ReadyToDownload] → Downloading →
//	[DownloadPaused | Downloaded] → Staged → Applied
//
// NoUpdate, Applied, and Failed are terminal.
type State int

const (
	StateInit State = iota
	StateConfigLoaded
	StateKeyringsReady
	StateChannelsFetched
	StateIndexFetched
	StatePathComputed
	StateNoUpdate
	StateReadyToDownload
	StateDownloading
	StateDownloadPaused
	StateDownloaded
	StateStaged
	StateApplied
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateConfigLoaded:
		return "ConfigLoaded"
	case StateKeyringsReady:
		return "KeyringsReady"
	case StateChannelsFetched:
		return "ChannelsFetched"
	case StateIndexFetched:
		return "IndexFetched"
	case StatePathComputed:
		return "PathComputed"
	case StateNoUpdate:
		return "NoUpdate"
	case StateReadyToDownload:
		return "ReadyToDownload"
	case StateDownloading:
		return "Downloading"
	case StateDownloadPaused:
		return "DownloadPaused"
	case StateDownloaded:
		return "Downloaded"
	case StateStaged:
		return "Staged"
	case StateApplied:
		return "Applied"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s has no further transitions.
func (s State) Terminal() bool {
	return s == StateNoUpdate || s == StateApplied || s == StateFailed
}

// Overrides carries the CLI-observable one-shot overrides from spec.md §6
// (--override-channel, --override-build, --override-device, --filter,
// --maximage, --override-gsm, --no-apply, --dry-run). Consumed by the
// engine as plain struct fields; parsing the flags themselves is
// cmd/updateengine's job.
type Overrides struct {
	Channel       string
	BuildNumber   int // 0 means "use [service]build_number from the config"
	Device        string
	Filter        resolver.Filter
	MaxImage      int
	AllowCellular bool
	NoApply       bool
	DryRun        bool
}

// Deps wires an Engine to its components. All fields are required except
// ApplyHook, which may be nil only when NoApply/DryRun overrides are
// always set; Battery and SettingsStore, whose nil value disables the
// settings-driven gates; and Scorer, whose nil value means resolver.Weighted.
type Deps struct {
	Logger        *zap.Logger
	Config        config.Config
	Overrides     Overrides
	Keyrings      *keyring.Store
	Fetcher       *channels.Fetcher
	Backend       downloader.Backend
	SettingsStore *settings.Store
	ApplyHook     hooks.ApplyHook
	Battery       hooks.BatteryHook // nil disables the min_battery gate entirely
	Scorer        resolver.Scorer
	DeviceName    string
	DownloadDir   string // scratch directory downloads land in before staging
}

// CheckResult mirrors the UpdateAvailableStatus event payload from
// spec.md §4.10.
type CheckResult struct {
	IsAvailable      bool
	Downloading      bool
	AvailableVersion int
	UpdateSize       int64
	LastUpdateDate   time.Time
	ErrorReason      string
}

// Info mirrors the façade's info/information operation.
type Info struct {
	CurrentBuild   int
	TargetBuild    int
	Device         string
	Channel        string
	LastUpdateDate time.Time
	LastCheckDate  time.Time
}

// Engine owns the state machine for exactly one device. It is safe for
// concurrent use; Check/Download/Apply self-serialize via opMu, the
// single current-operation lock from spec.md §5.
type Engine struct {
	logger *zap.Logger
	cfg    config.Config
	ov     Overrides

	keyrings      *keyring.Store
	fetcher       *channels.Fetcher
	backend       downloader.Backend
	settingsStore *settings.Store
	applyHook     hooks.ApplyHook
	battery       hooks.BatteryHook
	scorer        resolver.Scorer
	deviceName    string
	downloadDir   string

	opMu sync.Mutex // at most one of {check, download, apply} active

	checkMu       sync.Mutex
	checkInFlight bool
	checkDone     chan struct{}
	lastCheck     CheckResult
	lastCheckErr  error

	mu                  sync.Mutex // guards everything below
	state               State
	channelsMap         map[string]model.Channel
	resolvedChannel     string
	lastResolvedChannel string
	index               model.Index
	path                model.CandidatePath
	handle              downloader.Handle
	consecutiveFailures int
	lastError           error
	lastCheckTime       time.Time
	lastUpdateTime      time.Time
	currentBuild        int
}

// New constructs an Engine ready to Check.
func New(deps Deps) *Engine {
	scorer := deps.Scorer
	if scorer == nil {
		scorer = resolver.Weighted{}
	}
	currentBuild := deps.Config.Service.BuildNumber
	if deps.Overrides.BuildNumber != 0 {
		currentBuild = deps.Overrides.BuildNumber
	}
	return &Engine{
		logger:        deps.Logger,
		cfg:           deps.Config,
		ov:            deps.Overrides,
		keyrings:      deps.Keyrings,
		fetcher:       deps.Fetcher,
		backend:       deps.Backend,
		settingsStore: deps.SettingsStore,
		applyHook:     deps.ApplyHook,
		battery:       deps.Battery,
		scorer:        scorer,
		deviceName:    deps.DeviceName,
		downloadDir:   deps.DownloadDir,
		state:         StateInit,
		currentBuild:  currentBuild,
	}
}

// State reports the engine's current lifecycle point.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	if e.logger != nil {
		e.logger.Debug("engine state transition", zap.String("state", s.String()))
	}
}

// Info returns the façade's info/information snapshot.
func (e *Engine) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	target := e.currentBuild
	if len(e.path) > 0 {
		target = e.path.Target()
	}
	return Info{
		CurrentBuild:   e.currentBuild,
		TargetBuild:    target,
		Device:         e.deviceName,
		Channel:        e.resolvedChannel,
		LastUpdateDate: e.lastUpdateTime,
		LastCheckDate:  e.lastCheckTime,
	}
}

// effectiveChannel resolves the channel name to use: the override, or the
// configured default.
func (e *Engine) effectiveChannel() string {
	if e.ov.Channel != "" {
		return e.ov.Channel
	}
	return e.cfg.Service.Channel
}

func (e *Engine) effectiveDevice() string {
	if e.ov.Device != "" {
		return e.ov.Device
	}
	return e.deviceName
}

// Check runs (or joins an in-progress run of) the check phase: load
// keyrings, fetch channels.json, resolve the channel alias, fetch the
// device's index.json, and compute the winning candidate path. A second
// concurrent call returns the result of the call already in flight,
// per spec.md §4.10's concurrency contract.
func (e *Engine) Check(ctx context.Context) (CheckResult, error) {
	e.checkMu.Lock()
	if e.checkInFlight {
		done := e.checkDone
		e.checkMu.Unlock()
		<-done
		e.checkMu.Lock()
		res, err := e.lastCheck, e.lastCheckErr
		e.checkMu.Unlock()
		return res, err
	}
	e.checkInFlight = true
	done := make(chan struct{})
	e.checkDone = done
	e.checkMu.Unlock()

	e.opMu.Lock()
	res, err := e.runCheck(ctx)
	e.opMu.Unlock()

	e.checkMu.Lock()
	e.lastCheck, e.lastCheckErr = res, err
	e.checkInFlight = false
	close(done)
	e.checkMu.Unlock()
	return res, err
}

func (e *Engine) runCheck(ctx context.Context) (CheckResult, error) {
	e.mu.Lock()
	e.lastCheckTime = time.Now()
	e.mu.Unlock()

	e.setState(StateConfigLoaded)

	if err := e.keyrings.LoadAll(); err != nil {
		return e.failCheck(err)
	}
	e.setState(StateKeyringsReady)

	channelsMap, err := e.fetcher.FetchChannels(ctx)
	if err != nil {
		return e.failCheck(err)
	}
	e.setState(StateChannelsFetched)

	channelName := e.effectiveChannel()
	ch, ok := channelsMap[channelName]
	if !ok {
		return e.failCheck(enginerr.New(enginerr.KindStructural, fmt.Sprintf("channel %q not found in channels.json", channelName)))
	}

	e.mu.Lock()
	resolvedName, squash := channels.ResolveAlias(ch, e.lastResolvedChannel)
	e.lastResolvedChannel = resolvedName
	e.channelsMap = channelsMap
	e.resolvedChannel = resolvedName
	current := e.currentBuild
	if squash {
		current = 0
	}
	e.mu.Unlock()

	resolvedCh := ch
	if resolvedName != ch.Name {
		var found bool
		resolvedCh, found = channelsMap[resolvedName]
		if !found {
			return e.failCheck(enginerr.New(enginerr.KindStructural, fmt.Sprintf("alias target channel %q not found", resolvedName)))
		}
	}

	idx, err := e.fetcher.FetchIndex(ctx, resolvedCh, e.effectiveDevice())
	if err != nil {
		return e.failCheck(err)
	}
	e.setState(StateIndexFetched)
	e.mu.Lock()
	e.index = idx
	e.mu.Unlock()

	machineID, err := phasing.MachineID()
	if err != nil {
		machineID = e.effectiveDevice()
	}
	phasePct := phasing.PhasePercentage(machineID, resolvedCh.Name, current)

	path, err := resolver.Resolve(current, idx, resolver.Options{
		PhasePercentage: phasePct,
		Filter:          e.ov.Filter,
		MaxImage:        e.ov.MaxImage,
		Scorer:          e.scorer,
	})
	if err != nil {
		if kind, ok := enginerr.KindOf(err); ok && kind == enginerr.KindPolicy {
			e.setState(StateNoUpdate)
			return CheckResult{IsAvailable: false, AvailableVersion: current}, nil
		}
		return e.failCheck(err)
	}
	e.setState(StatePathComputed)

	e.mu.Lock()
	e.path = path
	e.mu.Unlock()
	e.setState(StateReadyToDownload)

	return CheckResult{
		IsAvailable:      true,
		AvailableVersion: path.Target(),
		UpdateSize:       path.TotalBytes(),
	}, nil
}

func (e *Engine) failCheck(err error) (CheckResult, error) {
	e.setState(StateFailed)
	e.mu.Lock()
	e.lastError = err
	e.mu.Unlock()
	return CheckResult{ErrorReason: err.Error()}, err
}

// downloadItem pairs one model.File with its download destination, the
// basename staging should give it, and its sibling detached-signature
// destination (every data file has a sibling .asc, per spec.md §3).
type downloadItem struct {
	file    model.File
	dest    string
	name    string
	sigDest string
}

func (e *Engine) planDownloadItems() []downloadItem {
	var items []downloadItem
	for _, img := range e.path {
		for _, f := range img.Files {
			name := filepath.Base(f.Path)
			items = append(items, downloadItem{
				file:    f,
				dest:    filepath.Join(e.downloadDir, name),
				name:    name,
				sigDest: filepath.Join(e.downloadDir, name+".asc"),
			})
		}
	}
	return items
}

// settingInt reads a predefined integer setting, falling back to def if the
// store is nil, the key is unset, or its stored value doesn't parse.
func (e *Engine) settingInt(key string, def int) int {
	if e.settingsStore == nil {
		return def
	}
	v, ok, err := e.settingsStore.Get(key)
	if err != nil || !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// allowCellular combines the auto_download setting's wifi-only/always
// policy with the one-shot --override-gsm flag, per spec.md §4.9/§4.11.
func (e *Engine) allowCellular() bool {
	auto := settings.AutoDownload(e.settingInt("auto_download", int(settings.AutoDownloadWiFi)))
	return phasing.AllowCellular(auto, e.ov.AllowCellular)
}

// batteryBlocksDownload reports whether min_battery is configured, a
// battery hook is installed, and the current charge is below it — in
// which case Download must refuse to start rather than begin a batch that
// policy says shouldn't run yet.
func (e *Engine) batteryBlocksDownload() (blocked bool, reason string) {
	min := e.settingInt("min_battery", 0)
	if min <= 0 || e.battery == nil {
		return false, ""
	}
	level, err := e.battery.BatteryLevel()
	if err != nil {
		// Can't read the battery: fail open rather than blocking updates
		// indefinitely on a broken sensor.
		return false, ""
	}
	if level < min {
		return true, fmt.Sprintf("battery at %d%%, below the configured minimum of %d%%", level, min)
	}
	return false, ""
}

// Download begins or resumes the download phase for the path computed by
// the last successful Check. It blocks until the batch reaches a terminal
// outcome (Downloaded or Failed) or ctx is done; a pause does not end the
// call, which keeps waiting until the batch is resumed and finishes.
func (e *Engine) Download(ctx context.Context) error {
	if !e.opMu.TryLock() {
		return enginerr.New(enginerr.KindStructural, "another operation is already in progress")
	}
	defer e.opMu.Unlock()

	e.mu.Lock()
	state := e.state
	path := e.path
	e.mu.Unlock()

	if state != StateReadyToDownload && state != StateDownloadPaused {
		return enginerr.New(enginerr.KindStructural, fmt.Sprintf("download is not valid from state %s", state))
	}
	if len(path) == 0 {
		return enginerr.New(enginerr.KindStructural, "no candidate path computed")
	}

	if blocked, reason := e.batteryBlocksDownload(); blocked {
		return e.failDownload(enginerr.New(enginerr.KindPolicy, reason))
	}

	items := e.planDownloadItems()
	backendItems := make([]downloader.Item, 0, len(items))
	for _, it := range items {
		backendItems = append(backendItems, downloader.Item{
			URL:            e.fetcher.ImageURL(it.file.Path),
			Dest:           it.dest,
			ExpectedSHA256: it.file.Checksum,
			Size:           it.file.Size,
		})
	}

	e.setState(StateDownloading)

	handle, err := e.backend.Enqueue(backendItems, downloader.Options{AllowCellular: e.allowCellular()})
	if err != nil {
		return e.failDownload(err)
	}
	e.mu.Lock()
	e.handle = handle
	e.mu.Unlock()

waitForBatch:
	for {
		select {
		case <-ctx.Done():
			return e.failDownload(enginerr.Wrap(enginerr.KindCancelled, "context cancelled", ctx.Err()))
		case <-time.After(250 * time.Millisecond):
		}

		progress, err := e.backend.Progress(handle)
		if err != nil {
			return e.failDownload(err)
		}
		if progress.Percent >= 100 {
			break waitForBatch
		}
	}

	if err := e.verifySignatures(ctx, items, handle); err != nil {
		return e.failDownload(err)
	}

	e.mu.Lock()
	e.consecutiveFailures = 0
	e.mu.Unlock()
	e.setState(StateDownloaded)
	return nil
}

// verifySignatures fetches each downloaded file's detached .asc sibling
// and checks it against the keyring store, triggering one keyring
// re-pull-and-retry on failure per spec.md §4.8's signature classification.
// Any file that still fails cancels the whole batch.
func (e *Engine) verifySignatures(ctx context.Context, items []downloadItem, handle downloader.Handle) error {
	for _, it := range items {
		sigContent, err := httpclient.FetchContent(ctx, e.fetcher.HTTPClient, e.fetcher.ImageURL(it.file.Signature))
		if err != nil {
			e.backend.Cancel(handle) //nolint:errcheck // best-effort: batch is already failing
			return enginerr.Wrap(enginerr.KindTransient, fmt.Sprintf("fetching signature for %s", it.name), err)
		}
		if err := os.WriteFile(it.sigDest, sigContent, 0o644); err != nil {
			e.backend.Cancel(handle) //nolint:errcheck // best-effort: batch is already failing
			return enginerr.Wrap(enginerr.KindStructural, fmt.Sprintf("writing signature for %s", it.name), err)
		}

		ok, err := e.keyrings.Verify(it.dest, it.sigDest)
		if err != nil || !ok {
			ok, err = e.keyrings.RecoverAndRetry(it.dest, it.sigDest)
		}
		if err != nil {
			e.backend.Cancel(handle) //nolint:errcheck // best-effort: batch is already failing
			return err
		}
		if !ok {
			e.backend.Cancel(handle) //nolint:errcheck // best-effort: batch is already failing
			return enginerr.New(enginerr.KindSignature, fmt.Sprintf("signature does not verify for %s", it.name))
		}
	}
	return nil
}

func (e *Engine) failDownload(err error) error {
	kind, _ := enginerr.KindOf(err)
	e.mu.Lock()
	e.lastError = err
	if kind != enginerr.KindCancelled {
		e.consecutiveFailures++
	}
	e.mu.Unlock()

	e.setState(StateFailed)
	return err
}

// DownloadProgress reports the in-flight batch's completion percentage and
// ETA, for a façade to poll while Download blocks in another goroutine.
func (e *Engine) DownloadProgress() (downloader.Progress, error) {
	e.mu.Lock()
	handle := e.handle
	state := e.state
	e.mu.Unlock()
	if state != StateDownloading && state != StateDownloadPaused {
		return downloader.Progress{}, enginerr.New(enginerr.KindStructural, "no download in progress")
	}
	return e.backend.Progress(handle)
}

// ConsecutiveFailures reports the number of download attempts that have
// failed in a row since the last success, for the UpdateFailed event payload.
func (e *Engine) ConsecutiveFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveFailures
}

// Pause suspends the in-flight download without discarding partial files.
func (e *Engine) Pause() error {
	e.mu.Lock()
	handle := e.handle
	state := e.state
	e.mu.Unlock()
	if state != StateDownloading {
		return enginerr.New(enginerr.KindStructural, "no download in progress to pause")
	}
	if err := e.backend.Pause(handle); err != nil {
		return err
	}
	e.setState(StateDownloadPaused)
	return nil
}

// Resume continues a paused download from where it left off.
func (e *Engine) Resume() error {
	e.mu.Lock()
	handle := e.handle
	state := e.state
	e.mu.Unlock()
	if state != StateDownloadPaused {
		return enginerr.New(enginerr.KindStructural, "no paused download to resume")
	}
	if err := e.backend.Resume(handle); err != nil {
		return err
	}
	e.setState(StateDownloading)
	return nil
}

// Cancel forces Failed with a cancelled reason, unless no download is in
// flight, in which case it is a no-op (spec.md §4.8).
func (e *Engine) Cancel() error {
	e.mu.Lock()
	handle := e.handle
	state := e.state
	e.mu.Unlock()

	if state != StateDownloading && state != StateDownloadPaused {
		return nil
	}
	if err := e.backend.Cancel(handle); err != nil {
		return err
	}
	e.setState(StateFailed)
	return enginerr.New(enginerr.KindCancelled, "download cancelled")
}

// Apply stages the downloaded path (sweep, place, write the recovery
// command file) and invokes the configured apply hook. Valid only from
// Downloaded or Staged, per spec.md §4.8.
func (e *Engine) Apply(ctx context.Context) (rebooting bool, err error) {
	if !e.opMu.TryLock() {
		return false, enginerr.New(enginerr.KindStructural, "another operation is already in progress")
	}
	defer e.opMu.Unlock()

	e.mu.Lock()
	state := e.state
	path := e.path
	e.mu.Unlock()

	if state != StateDownloaded && state != StateStaged {
		return false, enginerr.New(enginerr.KindStructural, fmt.Sprintf("apply is not valid from state %s", state))
	}

	if state == StateDownloaded {
		if err := e.stage(path); err != nil {
			e.setState(StateFailed)
			return false, err
		}
		e.setState(StateStaged)
	}

	if e.ov.DryRun || e.ov.NoApply {
		e.setState(StateApplied)
		return false, nil
	}

	hook := e.applyHook
	if hook == nil {
		e.setState(StateFailed)
		return false, enginerr.New(enginerr.KindStructural, "no apply hook configured")
	}

	rebooting, err = hook.Apply(ctx)
	if err != nil {
		e.setState(StateFailed)
		return false, enginerr.Wrap(enginerr.KindStructural, "invoking apply hook", err)
	}
	e.mu.Lock()
	e.lastUpdateTime = time.Now()
	e.currentBuild = path.Target()
	e.mu.Unlock()
	e.setState(StateApplied)
	return rebooting, nil
}

func (e *Engine) stage(path model.CandidatePath) error {
	items := e.planDownloadItems()
	if err := staging.SweepCache(e.cfg.Updater.CachePartition); err != nil {
		return err
	}

	staged := make([]staging.DownloadedFile, 0, len(items)*2)
	for _, it := range items {
		staged = append(staged,
			staging.DownloadedFile{SourcePath: it.dest, Name: it.name},
			staging.DownloadedFile{SourcePath: it.sigDest, Name: it.name + ".asc"},
		)
	}
	if err := staging.PlaceInPartition(staged, e.cfg.Updater.CachePartition); err != nil {
		return err
	}

	return staging.WriteCommandFile(filepath.Join(e.cfg.Updater.CachePartition, "command"), staging.CommandFileInput{
		FormatVersion: 1,
		Keyrings: keyring.Paths{
			ArchiveMaster: e.cfg.GPG.ArchiveMaster,
			ImageMaster:   e.cfg.GPG.ImageMaster,
			ImageSigning:  e.cfg.GPG.ImageSigning,
			DeviceSigning: e.cfg.GPG.DeviceSigning,
		},
		Path: path,
		ImageBasename: func(img model.Image) (string, string, error) {
			if len(img.Files) == 0 {
				return "", "", fmt.Errorf("version %d has no files", img.Version)
			}
			zip := filepath.Base(img.Files[0].Path)
			return zip, zip + ".asc", nil
		},
	})
}
