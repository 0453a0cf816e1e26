package keyring

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/isoboot/updateengine/internal/signature"
)

// parseKeyBlob reads an armored OpenPGP public keyring from blob.
func parseKeyBlob(blob []byte) (openpgp.EntityList, error) {
	keys, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("parsing armored keyring: %w", err)
	}
	return keys, nil
}

// verifyArchiveSignature checks archivePath+".asc" as a detached signature
// over archivePath, against parentKeys.
func verifyArchiveSignature(archivePath string, parentKeys openpgp.EntityList) (bool, error) {
	return signature.Verify(archivePath, archivePath+".asc", parentKeys)
}

// verifyUnion checks dataPath's detached signature at sigPath against the
// union of trusted keyrings.
func verifyUnion(dataPath, sigPath string, trusted []openpgp.EntityList) (bool, error) {
	return signature.Verify(dataPath, sigPath, trusted...)
}

// filterRevoked drops every entity from keys whose primary key ID also
// appears in revoked. The filtering happens here, one layer above
// signature.Verify, so that package can stay true to its doc comment: it
// never consults anything beyond the keyrings it is explicitly handed.
func filterRevoked(keys, revoked openpgp.EntityList) openpgp.EntityList {
	if len(revoked) == 0 {
		return keys
	}
	blocked := make(map[uint64]bool, len(revoked))
	for _, e := range revoked {
		if e.PrimaryKey != nil {
			blocked[e.PrimaryKey.KeyId] = true
		}
	}
	out := make(openpgp.EntityList, 0, len(keys))
	for _, e := range keys {
		if e.PrimaryKey != nil && blocked[e.PrimaryKey.KeyId] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// isFileNotExist reports whether err (or its wrapped opening error) means
// the keyring archive file itself is missing, as opposed to some other
// failure reading or parsing it.
func isFileNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
