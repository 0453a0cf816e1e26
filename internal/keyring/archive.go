package keyring

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// manifest is the small JSON descriptor packaged alongside the key blob in
// every keyring archive.
type manifest struct {
	Type   string     `json:"type"`
	Expiry *time.Time `json:"expiry,omitempty"`
	Model  string     `json:"model,omitempty"`
}

// archiveContents holds the two files extracted from a keyring archive.
type archiveContents struct {
	keyBlob  []byte // armored OpenPGP public keyring
	manifest manifest
}

// readArchive opens a tar.gz keyring archive and extracts "key.asc" and
// "manifest.json" from it. Both members are required.
func readArchive(path string) (*archiveContents, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening keyring archive %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("reading keyring archive %s: %w", path, err)
	}
	defer gz.Close() //nolint:errcheck // read-only on success path

	tr := tar.NewReader(gz)

	var contents archiveContents
	var haveKey, haveManifest bool

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading keyring archive %s: %w", path, err)
		}

		switch hdr.Name {
		case "key.asc":
			contents.keyBlob, err = io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("reading key.asc from %s: %w", path, err)
			}
			haveKey = true
		case "manifest.json":
			raw, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("reading manifest.json from %s: %w", path, err)
			}
			if err := json.Unmarshal(raw, &contents.manifest); err != nil {
				return nil, fmt.Errorf("parsing manifest.json from %s: %w", path, err)
			}
			haveManifest = true
		}
	}

	if !haveKey {
		return nil, fmt.Errorf("keyring archive %s: missing key.asc", path)
	}
	if !haveManifest {
		return nil, fmt.Errorf("keyring archive %s: missing manifest.json", path)
	}

	return &contents, nil
}
