// Package channels fetches and parses channels.json and per-channel/
// per-device index.json documents and resolves channel aliasing. The
// optional device blacklist is applied by the keyring store, not here.
package channels

import (
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/isoboot/updateengine/internal/enginerr"
	"github.com/isoboot/updateengine/internal/model"
)

// wireChannels is the raw channels.json shape: a map keyed by channel
// name.
type wireChannels map[string]wireChannel

type wireChannel struct {
	Alias   string                  `json:"alias,omitempty"`
	Hidden  bool                    `json:"hidden,omitempty"`
	Devices map[string]wireDevice   `json:"devices"`
}

type wireDevice struct {
	Index   string         `json:"index"`
	Keyring *wireKeyringRef `json:"keyring,omitempty"`
}

type wireKeyringRef struct {
	Path      string `json:"path"`
	Signature string `json:"signature"`
}

// ParseChannels decodes a channels.json document into the domain model,
// keyed by channel name.
func ParseChannels(raw []byte) (map[string]model.Channel, error) {
	var wire wireChannels
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, enginerr.Wrap(enginerr.KindStructural, "parsing channels.json", err)
	}

	channels := make(map[string]model.Channel, len(wire))
	for name, wc := range wire {
		devices := make(map[string]model.DeviceEntry, len(wc.Devices))
		for devName, wd := range wc.Devices {
			entry := model.DeviceEntry{Index: wd.Index}
			if wd.Keyring != nil {
				entry.KeyringPath = wd.Keyring.Path
				entry.KeyringSigPath = wd.Keyring.Signature
			}
			devices[devName] = entry
		}
		channels[name] = model.Channel{
			Name:    name,
			Hidden:  wc.Hidden,
			Alias:   wc.Alias,
			Devices: devices,
		}
	}
	return channels, nil
}

type wireIndex struct {
	Global struct {
		GeneratedAt string `json:"generated_at"`
	} `json:"global"`
	Images []wireImage `json:"images"`
}

type wireImage struct {
	Type             string            `json:"type"`
	Version          int               `json:"version"`
	Base             int               `json:"base,omitempty"`
	Description      string            `json:"description"`
	PhasedPercentage *int              `json:"phased-percentage,omitempty"`
	MinVersion       int               `json:"minversion,omitempty"`
	Files            []wireFile        `json:"files"`
	extra            map[string]string // locale-suffixed description_<locale> keys
}

type wireFile struct {
	Path      string `json:"path"`
	Signature string `json:"signature"`
	Checksum  string `json:"checksum"`
	Size      int64  `json:"size"`
	Order     int    `json:"order"`
}

// ParseIndex decodes an index.json document into the domain model.
// description_<locale> keys are captured into Image.Description under
// their locale, with the bare "description" stored under the empty-string
// key as the locale-neutral default.
func ParseIndex(raw []byte) (model.Index, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return model.Index{}, enginerr.Wrap(enginerr.KindStructural, "parsing index.json", err)
	}

	var wire wireIndex
	if err := json.Unmarshal(raw, &wire); err != nil {
		return model.Index{}, enginerr.Wrap(enginerr.KindStructural, "parsing index.json", err)
	}

	var rawImages []map[string]json.RawMessage
	if raw, ok := generic["images"]; ok {
		if err := json.Unmarshal(raw, &rawImages); err != nil {
			return model.Index{}, enginerr.Wrap(enginerr.KindStructural, "parsing index.json images", err)
		}
	}

	images := make([]model.Image, 0, len(wire.Images))
	for i, wi := range wire.Images {
		kind := model.KindFull
		if wi.Type == "delta" {
			kind = model.KindDelta
		}

		desc := map[string]string{"": wi.Description}
		if i < len(rawImages) {
			for key, val := range rawImages[i] {
				const prefix = "description_"
				if strings.HasPrefix(key, prefix) {
					var s string
					if err := json.Unmarshal(val, &s); err == nil {
						desc[strings.TrimPrefix(key, prefix)] = s
					}
				}
			}
		}

		files := make([]model.File, 0, len(wi.Files))
		for _, wf := range wi.Files {
			files = append(files, model.File{
				Path:      wf.Path,
				Signature: wf.Signature,
				Checksum:  wf.Checksum,
				Size:      wf.Size,
				Order:     wf.Order,
			})
		}

		// Absent phased-percentage defaults to 100 (unrestricted rollout); an
		// explicit 0 is a valid kill-switch value and must survive as 0, not
		// be promoted to 100.
		phased := 100
		if wi.PhasedPercentage != nil {
			phased = *wi.PhasedPercentage
		}

		images = append(images, model.Image{
			Version:          wi.Version,
			Kind:             kind,
			Base:             wi.Base,
			Description:      desc,
			PhasedPercentage: phased,
			MinVersion:       wi.MinVersion,
			Files:            files,
		})
	}

	return model.Index{GeneratedAt: wire.Global.GeneratedAt, Images: images}, nil
}

// ResolveAlias follows a channel's alias chain once (the schema permits a
// single alias hop, not a chain) and reports whether the current build
// number should be squashed to 0 for candidate calculation — true exactly
// when channel has an alias and this is the first resolution into it
// (recordedTarget differs from the channel's own name).
func ResolveAlias(channel model.Channel, recordedTarget string) (target string, squashBuild bool) {
	if channel.Alias == "" {
		return channel.Name, false
	}
	return channel.Alias, recordedTarget != channel.Name
}

// Verifier checks a downloaded data file's detached signature.
type Verifier interface {
	Verify(dataPath, sigPath string) (bool, error)
}

// Fetcher downloads and verifies channels.json and index.json from a
// remote root. It uses Root exactly as given; the caller picks the
// https or http scheme when building Root.
type Fetcher struct {
	HTTPClient   *http.Client
	Root         string // e.g. "https://update.example.com" or "http://..."
	DestDir      string // local directory to stage downloaded documents into
	SignatureOf  Verifier
}

// channelsURL and indexURL join the fetcher's root with the server-side
// paths from spec §6.
func (f *Fetcher) channelsURL() string {
	return strings.TrimRight(f.Root, "/") + "/channels.json"
}

func (f *Fetcher) indexURL(channel, device, indexPath string) string {
	if strings.HasPrefix(indexPath, "/") {
		return strings.TrimRight(f.Root, "/") + indexPath
	}
	return strings.TrimRight(f.Root, "/") + "/" + path.Join(channel, device, indexPath)
}

// ImageURL joins the fetcher's root with a server-relative image or
// signature path declared in index.json, for the downloader to fetch
// directly.
func (f *Fetcher) ImageURL(serverPath string) string {
	if strings.HasPrefix(serverPath, "/") {
		return strings.TrimRight(f.Root, "/") + serverPath
	}
	return strings.TrimRight(f.Root, "/") + "/" + serverPath
}
