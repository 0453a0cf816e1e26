// Package config loads the engine's layered configuration directory: an
// ordered sequence of "[0-9]+_*.ini" files merged into one immutable Config
// value, built once per service lifetime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

var layerPattern = regexp.MustCompile(`^([0-9]+)_.*\.ini$`)

// Service holds [service] settings.
type Service struct {
	BaseHost    string
	HTTPPort    string // literal "disabled" or a port number
	HTTPSPort   string // literal "disabled" or a port number
	Channel     string
	Device      string // optional; device hook may supply this instead
	BuildNumber int
}

// System holds [system] settings.
type System struct {
	TempDir  string
	LogFile  string
	LogLevel string
	Timeout  time.Duration // 0 disables the step timeout
}

// GPG holds [gpg] keyring file paths.
type GPG struct {
	ArchiveMaster string
	ImageMaster   string
	ImageSigning  string
	DeviceSigning string // optional; empty means absent
}

// Updater holds [updater] partition paths.
type Updater struct {
	CachePartition string
	DataPartition  string
}

// Hooks holds [hooks] capability selections.
type Hooks struct {
	Device string
	Scorer string
	Apply  string
}

// DBus holds [dbus] settings.
type DBus struct {
	Lifetime time.Duration // 0 disables the idle-exit timer
}

// Config is the fully merged, immutable configuration for one service run.
type Config struct {
	Service Service
	System  System
	GPG     GPG
	Updater Updater
	Hooks   Hooks
	DBus    DBus
}

// Load enumerates dir for files matching "[0-9]+_*.ini", sorts them
// ascending by their numeric prefix, parses each with ":" as the
// key/value delimiter, and merges later files over earlier ones. Dangling
// symbolic links are silently skipped. The result is validated before
// being returned.
func Load(dir string) (Config, error) {
	paths, err := layerPaths(dir)
	if err != nil {
		return Config{}, fmt.Errorf("enumerating config layers in %s: %w", dir, err)
	}

	merged := ini.Empty(ini.LoadOptions{KeyValueDelimiters: ":"})
	for _, p := range paths {
		layer, err := ini.LoadSources(ini.LoadOptions{KeyValueDelimiters: ":"}, p)
		if err != nil {
			return Config{}, fmt.Errorf("parsing config layer %s: %w", p, err)
		}
		for _, section := range layer.Sections() {
			dst, err := merged.NewSection(section.Name())
			if err != nil {
				return Config{}, fmt.Errorf("merging section %s from %s: %w", section.Name(), p, err)
			}
			for _, key := range section.Keys() {
				dst.NewKey(key.Name(), key.Value()) //nolint:errcheck // NewSection above already validated the section
			}
		}
	}

	cfg, err := build(merged)
	if err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// layerPaths returns the config layer files in dir in merge order, skipping
// dangling symbolic links.
func layerPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type layer struct {
		n    int
		path string
	}
	var layers []layer
	for _, e := range entries {
		m := layerPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		full := filepath.Join(dir, e.Name())
		if _, err := os.Stat(full); err != nil {
			if os.IsNotExist(err) {
				continue // dangling symlink (or removed between ReadDir and Stat)
			}
			return nil, fmt.Errorf("stat %s: %w", full, err)
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		layers = append(layers, layer{n: n, path: full})
	}

	sort.SliceStable(layers, func(i, j int) bool { return layers[i].n < layers[j].n })

	paths := make([]string, len(layers))
	for i, l := range layers {
		paths[i] = l.path
	}
	return paths, nil
}

func build(f *ini.File) (Config, error) {
	var cfg Config

	svc := f.Section("service")
	cfg.Service = Service{
		BaseHost:    svc.Key("base_host").String(),
		HTTPPort:    svc.Key("http_port").String(),
		HTTPSPort:   svc.Key("https_port").String(),
		Channel:     svc.Key("channel").String(),
		Device:      svc.Key("device").String(),
		BuildNumber: svc.Key("build_number").MustInt(0),
	}

	sys := f.Section("system")
	timeout, err := parseDuration(sys.Key("timeout").String())
	if err != nil {
		return Config{}, fmt.Errorf("parsing [system]timeout: %w", err)
	}
	cfg.System = System{
		TempDir:  sys.Key("tempdir").String(),
		LogFile:  sys.Key("logfile").String(),
		LogLevel: sys.Key("loglevel").String(),
		Timeout:  timeout,
	}

	gpg := f.Section("gpg")
	cfg.GPG = GPG{
		ArchiveMaster: gpg.Key("archive_master").String(),
		ImageMaster:   gpg.Key("image_master").String(),
		ImageSigning:  gpg.Key("image_signing").String(),
		DeviceSigning: gpg.Key("device_signing").String(),
	}

	upd := f.Section("updater")
	cfg.Updater = Updater{
		CachePartition: upd.Key("cache_partition").String(),
		DataPartition:  upd.Key("data_partition").String(),
	}

	hooks := f.Section("hooks")
	cfg.Hooks = Hooks{
		Device: hooks.Key("device").String(),
		Scorer: hooks.Key("scorer").String(),
		Apply:  hooks.Key("apply").String(),
	}

	dbus := f.Section("dbus")
	lifetime, err := parseDuration(dbus.Key("lifetime").String())
	if err != nil {
		return Config{}, fmt.Errorf("parsing [dbus]lifetime: %w", err)
	}
	cfg.DBus = DBus{Lifetime: lifetime}

	return cfg, nil
}

// durationUnits maps the suffix letters the spec allows to a multiplier of
// seconds: w(eek) d(ay) h(our) m(inute) s(econd). No suffix means seconds.
var durationUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// parseDuration parses a value like "30s", "2h", "1w", or a bare integer
// (seconds). A value ≤0, or the empty string, disables the timeout (0).
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}

	unit := time.Second
	numPart := v
	if last := v[len(v)-1]; last < '0' || last > '9' {
		u, ok := durationUnits[last]
		if !ok {
			return 0, fmt.Errorf("invalid duration unit %q in %q (expected one of w d h m s)", string(last), v)
		}
		unit = u
		numPart = v[:len(v)-1]
	}

	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	if n <= 0 {
		return 0, nil
	}
	return time.Duration(n) * unit, nil
}

// validate enforces the one fatal startup invariant the spec calls out
// explicitly: at least one of the HTTP/HTTPS ports must be enabled.
func validate(cfg Config) error {
	httpDisabled := strings.EqualFold(cfg.Service.HTTPPort, "disabled") || cfg.Service.HTTPPort == ""
	httpsDisabled := strings.EqualFold(cfg.Service.HTTPSPort, "disabled") || cfg.Service.HTTPSPort == ""
	if httpDisabled && httpsDisabled {
		return fmt.Errorf("config: both http_port and https_port are disabled; at least one protocol must be enabled")
	}
	return nil
}

// PreferHTTPS reports whether channel/index/image downloads should use
// HTTPS. HTTP is used only when HTTPS is disabled.
func (c Config) PreferHTTPS() bool {
	return !strings.EqualFold(c.Service.HTTPSPort, "disabled") && c.Service.HTTPSPort != ""
}
