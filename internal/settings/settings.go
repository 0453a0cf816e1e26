// Package settings is the engine's small persistent key/value database:
// predefined keys with validated semantics, plus pass-through storage for
// user-reserved "_"-prefixed keys.
package settings

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSettings = []byte("settings")

// AutoDownload is the auto_download predefined key's value space.
type AutoDownload int

const (
	AutoDownloadNever AutoDownload = 0
	AutoDownloadWiFi  AutoDownload = 1 // default
	AutoDownloadAlways AutoDownload = 2
)

// Changed is emitted whenever a Set or Delete call actually changes a
// stored value (a Delete reports NewValue as "").
type Changed struct {
	Key      string
	OldValue string
	NewValue string
}

// Store is a bbolt-backed key/value store with validation for the
// predefined keys from spec.md §4.9.
type Store struct {
	db *bolt.DB

	mu        sync.Mutex
	listeners []chan<- Changed
}

// Open opens (creating if necessary) the settings database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening settings database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSettings)
		return err
	})
	if err != nil {
		db.Close() //nolint:errcheck // we are already returning the original error
		return nil, fmt.Errorf("initializing settings bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Subscribe registers ch to receive every future SettingChanged event.
// Delivery is non-blocking: a full channel drops the event rather than
// stalling the writer.
func (s *Store) Subscribe(ch chan<- Changed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, ch)
}

func (s *Store) notify(c Changed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- c:
		default:
		}
	}
}

// Get returns the stored value for key and whether it was present.
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		v := b.Get([]byte(key))
		if v != nil {
			value = string(v)
			ok = true
		}
		return nil
	})
	return value, ok, err
}

// Set stores value for key, after validating it if key is predefined.
// Invalid values for a predefined key are rejected and not stored.
// Unknown keys not beginning with "_" are rejected too — only predefined
// keys and explicitly user-reserved "_"-prefixed keys may be set.
func (s *Store) Set(key, value string) error {
	if !strings.HasPrefix(key, "_") {
		if !validate(key, value) {
			return fmt.Errorf("settings: invalid value %q for key %q", value, key)
		}
	}

	var old string
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if v := b.Get([]byte(key)); v != nil {
			old = string(v)
			existed = true
		}
		return b.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("writing setting %q: %w", key, err)
	}

	if !existed || old != value {
		s.notify(Changed{Key: key, OldValue: old, NewValue: value})
	}
	return nil
}

// Delete removes key, returning whether it was present.
func (s *Store) Delete(key string) (bool, error) {
	var existed bool
	var old string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if v := b.Get([]byte(key)); v != nil {
			existed = true
			old = string(v)
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("deleting setting %q: %w", key, err)
	}
	if existed {
		s.notify(Changed{Key: key, OldValue: old, NewValue: ""})
	}
	return existed, nil
}

// All returns every stored key/value pair.
func (s *Store) All() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		return b.ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}

// predefinedKeys lists the keys with validated semantics from spec.md
// §4.9. Anything else must be "_"-prefixed to be settable at all.
var predefinedKeys = map[string]func(string) bool{
	"min_battery": func(v string) bool {
		n, err := strconv.Atoi(v)
		return err == nil && n >= 0 && n <= 100
	},
	"auto_download": func(v string) bool {
		n, err := strconv.Atoi(v)
		return err == nil && n >= int(AutoDownloadNever) && n <= int(AutoDownloadAlways)
	},
	"failures_before_warning": func(v string) bool {
		_, err := strconv.Atoi(v)
		return err == nil
	},
}

func validate(key, value string) bool {
	check, known := predefinedKeys[key]
	if !known {
		return false
	}
	return check(value)
}
