// Package keyring manages the four well-known keyrings the update engine
// trusts: archive-master, image-master, image-signing, and the optional
// device-signing. Each is persisted on disk as a signed tar.gz archive and
// cached in memory once loaded.
package keyring

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/isoboot/updateengine/internal/enginerr"
	"github.com/isoboot/updateengine/internal/model"
)

// errKeyringExpiredAsAbsent is loadChild's internal sentinel for the
// expiredMeansAbsent path: it lets LoadAll distinguish "this keyring is
// expired, try re-fetching it" from every other load failure, which stays
// fatal.
var errKeyringExpiredAsAbsent = errors.New("keyring expired, treating as absent")

// Entry is one loaded keyring: its public keys plus the metadata from its
// manifest.
type Entry struct {
	Identity model.KeyringIdentity
	Keys     openpgp.EntityList
	Expiry   *time.Time
	Model    string
}

// Expired reports whether the keyring's expiry, if any, has passed as of
// now.
func (e Entry) Expired(now time.Time) bool {
	return e.Expiry != nil && now.After(*e.Expiry)
}

// Fetcher re-downloads a keyring archive and its detached signature from
// the server, writing them to the given destination paths. It is supplied
// by the channel/index fetcher component.
type Fetcher interface {
	FetchKeyring(identity model.KeyringIdentity, archiveDest, sigDest string) error
}

// Paths locates the four keyring archives (and their sibling .asc
// signatures, which share the archive path with ".asc" appended) on disk.
type Paths struct {
	ArchiveMaster string
	ImageMaster   string
	ImageSigning  string
	DeviceSigning string // empty means "not configured"

	// Blacklist is the optional revoked-signing-keys archive living in the
	// data partition (spec.md §6), not one of the four configured gpg
	// paths. Empty means "not configured"; a configured path whose file is
	// simply absent is tolerated the same way device-signing's absence is.
	Blacklist string
}

// Store loads, caches, and refreshes the four keyrings.
type Store struct {
	mu      sync.RWMutex
	paths   Paths
	fetcher Fetcher
	now     func() time.Time

	archiveMaster *Entry
	imageMaster   *Entry
	imageSigning  *Entry
	deviceSigning *Entry // nil if absent; absence is not an error
	blacklist     *Entry // nil if absent; absence is not an error
}

// New creates a Store. now defaults to time.Now when nil (tests may
// override it to control expiry checks deterministically).
func New(paths Paths, fetcher Fetcher, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{paths: paths, fetcher: fetcher, now: now}
}

// LoadAll loads archive-master first, then image-master (verified against
// archive-master), then image-signing (verified against image-master),
// then device-signing if configured (verified against image-signing, its
// absence is tolerated).
func (s *Store) LoadAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	am, err := s.loadArchiveMaster()
	if err != nil {
		return err
	}
	s.archiveMaster = am

	im, err := s.loadChild(model.KeyringImageMaster, s.paths.ImageMaster, am.Keys, true)
	if errors.Is(err, errKeyringExpiredAsAbsent) {
		im, err = s.refetchImageMaster(am.Keys)
	}
	if err != nil {
		return err
	}
	s.imageMaster = im

	is, err := s.loadChild(model.KeyringImageSigning, s.paths.ImageSigning, im.Keys, false)
	if err != nil {
		return err
	}
	s.imageSigning = is

	if s.paths.DeviceSigning != "" {
		ds, err := s.loadChild(model.KeyringDeviceSigning, s.paths.DeviceSigning, is.Keys, false)
		if err != nil {
			// Spec: device-signing's absence is not an error, but a present,
			// broken device-signing keyring is still fatal — only a missing
			// file is tolerated.
			if !isNotExist(err) {
				return err
			}
		} else {
			s.deviceSigning = ds
		}
	}

	if s.paths.Blacklist != "" {
		bl, err := s.loadChild(model.KeyringBlacklist, s.paths.Blacklist, im.Keys, false)
		if err != nil {
			// Like device-signing, a present-but-missing-file blacklist is
			// tolerated; a present-but-broken one is still fatal.
			if !isNotExist(err) {
				return err
			}
		} else {
			s.blacklist = bl
		}
	}

	return nil
}

// loadArchiveMaster loads the pre-installed root keyring. It never expires
// and is never signed by anything else, so there is nothing to verify it
// against.
func (s *Store) loadArchiveMaster() (*Entry, error) {
	contents, err := readArchive(s.paths.ArchiveMaster)
	if err != nil {
		return nil, enginerr.Wrap(enginerr.KindStructural, "loading archive-master keyring", err)
	}
	keys, err := parseKeyBlob(contents.keyBlob)
	if err != nil {
		return nil, enginerr.Wrap(enginerr.KindStructural, "parsing archive-master key blob", err)
	}
	return &Entry{Identity: model.KeyringArchiveMaster, Keys: keys, Model: contents.manifest.Model}, nil
}

// loadChild loads a non-root keyring, verifying its archive's detached
// signature against parentKeys, then checking expiry.
func (s *Store) loadChild(identity model.KeyringIdentity, path string, parentKeys openpgp.EntityList, expiredMeansAbsent bool) (*Entry, error) {
	contents, err := readArchive(path)
	if err != nil {
		return nil, err
	}

	ok, err := verifyArchiveSignature(path, parentKeys)
	if err != nil {
		return nil, enginerr.Wrap(enginerr.KindSignature, fmt.Sprintf("verifying %s keyring", identity), err)
	}
	if !ok {
		return nil, enginerr.New(enginerr.KindSignature, fmt.Sprintf("%s keyring signature does not verify against its parent", identity))
	}

	keys, err := parseKeyBlob(contents.keyBlob)
	if err != nil {
		return nil, enginerr.Wrap(enginerr.KindStructural, fmt.Sprintf("parsing %s key blob", identity), err)
	}

	entry := &Entry{Identity: identity, Keys: keys, Expiry: contents.manifest.Expiry, Model: contents.manifest.Model}
	if entry.Expired(s.now()) {
		if expiredMeansAbsent {
			return nil, errKeyringExpiredAsAbsent
		}
		return nil, enginerr.New(enginerr.KindKeyringExpired, fmt.Sprintf("%s keyring expired at %s", identity, entry.Expiry))
	}

	return entry, nil
}

// refetchImageMaster re-pulls image-master from the server when the
// locally cached copy has expired, per spec.md §4.2's "treat an expired
// image-master as absent and re-download" rule, then re-verifies and
// reloads it against archive-master exactly like the initial load. A
// still-expired keyring after this one re-fetch is fatal, matching the
// one-retry-then-fatal shape of the signature recovery rule.
func (s *Store) refetchImageMaster(archiveMasterKeys openpgp.EntityList) (*Entry, error) {
	if s.fetcher == nil {
		return nil, enginerr.New(enginerr.KindKeyringExpired, "image-master keyring expired and no fetcher is configured to re-pull it")
	}
	if err := s.fetcher.FetchKeyring(model.KeyringImageMaster, s.paths.ImageMaster, s.paths.ImageMaster+".asc"); err != nil {
		return nil, enginerr.Wrap(enginerr.KindTransient, "re-pulling expired image-master keyring", err)
	}
	return s.loadChild(model.KeyringImageMaster, s.paths.ImageMaster, archiveMasterKeys, false)
}

// Verify checks a data file's detached signature against the union of
// image-signing and device-signing (if present), with any signer whose key
// ID appears in the loaded blacklist excluded first — a blacklisted key is
// never trusted even though its certificate still appears in
// image-signing/device-signing. On a first failure it triggers
// RecoverAndRetry via the caller.
func (s *Store) Verify(dataPath, sigPath string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var revoked openpgp.EntityList
	if s.blacklist != nil {
		revoked = s.blacklist.Keys
	}

	var trusted []openpgp.EntityList
	if s.imageSigning != nil {
		trusted = append(trusted, filterRevoked(s.imageSigning.Keys, revoked))
	}
	if s.deviceSigning != nil {
		trusted = append(trusted, filterRevoked(s.deviceSigning.Keys, revoked))
	}
	if len(trusted) == 0 {
		return false, enginerr.New(enginerr.KindStructural, "no signing keyring loaded")
	}

	return verifyUnion(dataPath, sigPath, trusted)
}

// RecoverAndRetry re-pulls image-signing (and device-signing, if it was
// configured) from the server via fetcher, re-verifies the fresh keyring
// against its parent, swaps it into the store, and retries the original
// signature check exactly once. A second failure is the caller's to treat
// as fatal.
func (s *Store) RecoverAndRetry(dataPath, sigPath string) (bool, error) {
	s.mu.Lock()
	if s.fetcher == nil {
		s.mu.Unlock()
		return false, enginerr.New(enginerr.KindSignature, "signature verification failed and no fetcher is configured to re-pull keyrings")
	}

	if err := s.fetcher.FetchKeyring(model.KeyringImageSigning, s.paths.ImageSigning, s.paths.ImageSigning+".asc"); err != nil {
		s.mu.Unlock()
		return false, enginerr.Wrap(enginerr.KindTransient, "re-pulling image-signing keyring", err)
	}
	imageMasterKeys := s.imageMaster.Keys
	is, err := s.loadChild(model.KeyringImageSigning, s.paths.ImageSigning, imageMasterKeys, false)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.imageSigning = is

	if s.paths.DeviceSigning != "" {
		if err := s.fetcher.FetchKeyring(model.KeyringDeviceSigning, s.paths.DeviceSigning, s.paths.DeviceSigning+".asc"); err == nil {
			if ds, err := s.loadChild(model.KeyringDeviceSigning, s.paths.DeviceSigning, is.Keys, false); err == nil {
				s.deviceSigning = ds
			}
		}
	}

	// Spec.md §4.2: "re-pull the relevant signing keyring (and its
	// blacklist)". Best-effort, like device-signing above — a blacklist
	// re-pull failure doesn't abort the retry, it just leaves the prior
	// blacklist (or none) in place.
	if s.paths.Blacklist != "" {
		if err := s.fetcher.FetchKeyring(model.KeyringBlacklist, s.paths.Blacklist, s.paths.Blacklist+".asc"); err == nil {
			if bl, err := s.loadChild(model.KeyringBlacklist, s.paths.Blacklist, imageMasterKeys, false); err == nil {
				s.blacklist = bl
			}
		}
	}
	s.mu.Unlock()

	return s.Verify(dataPath, sigPath)
}

func isNotExist(err error) bool {
	return isFileNotExist(err)
}
