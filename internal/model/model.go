// Package model holds the data types shared by the update engine: the
// channel/index wire schema, image and file descriptions, keyrings, and
// the candidate upgrade paths built from them.
package model

// Channel describes one release track as published in channels.json.
type Channel struct {
	Name    string
	Hidden  bool
	Alias   string // empty if this channel is not an alias
	Devices map[string]DeviceEntry
}

// DeviceEntry is a per-device entry under a channel.
type DeviceEntry struct {
	Index         string // server-relative path to index.json
	KeyringPath   string // optional per-device keyring override
	KeyringSigPath string
}

// ImageKind distinguishes full images from deltas.
type ImageKind string

const (
	KindFull  ImageKind = "full"
	KindDelta ImageKind = "delta"
)

// File is a single downloadable artifact belonging to an Image. Order is
// significant: File entries are downloaded and staged in index order.
type File struct {
	Path      string // server-relative path
	Signature string // server-relative path to the detached .asc signature
	Checksum  string // lowercase hex SHA-256
	Size      int64
	Order     int
}

// Image is one entry from index.json. PhasedPercentage is always the
// effective 0..100 value: channels.ParseIndex resolves the wire's
// present-vs-absent distinction at decode time, so a genuine
// phased_percentage: 0 (a paused/kill-switched rollout) survives here as
// 0, not as the 100 a truly absent field defaults to.
type Image struct {
	Version          int
	Kind             ImageKind
	Base             int // only meaningful when Kind == KindDelta
	Description      map[string]string // locale -> text, "" is the default
	PhasedPercentage int               // 0..100
	MinVersion       int               // skip image if current build < MinVersion
	Files            []File
}

// Index is the parsed content of one index.json.
type Index struct {
	GeneratedAt string
	Images      []Image
}

// CandidatePath is an ordered, non-empty sequence of Images that moves the
// device from its current version to Target().
type CandidatePath []Image

// Target returns the version the device ends up at after applying every
// step in the path. Panics on an empty path — callers must never construct
// one.
func (p CandidatePath) Target() int {
	return p[len(p)-1].Version
}

// TotalBytes sums the declared size of every File across every step,
// used as a scoring tie-breaker.
func (p CandidatePath) TotalBytes() int64 {
	var total int64
	for _, img := range p {
		for _, f := range img.Files {
			total += f.Size
		}
	}
	return total
}

// KeyringIdentity names one of the four well-known keyrings.
type KeyringIdentity string

const (
	KeyringArchiveMaster KeyringIdentity = "archive-master"
	KeyringImageMaster   KeyringIdentity = "image-master"
	KeyringImageSigning  KeyringIdentity = "image-signing"
	KeyringDeviceSigning KeyringIdentity = "device-signing"

	// KeyringBlacklist is the optional revoked-keys archive persisted in the
	// data partition rather than configured via the four gpg paths (spec.md
	// §6's "Local persisted state"). It is signed by image-master, the same
	// authority that signs image-signing, and is re-pulled alongside it on
	// signature-recovery.
	KeyringBlacklist KeyringIdentity = "blacklist"
)
