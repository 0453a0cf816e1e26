// Package signature answers one question: does a detached signature over a
// data file check out against a set of trusted keyrings? It never consults
// any trust store other than the keyrings it is explicitly given.
package signature

import (
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// Verify reports whether sigPath is a valid detached signature over the
// content of dataPath, made by a key present in any of keyrings (union
// semantics — a signature from any trusted keyring counts as verified).
func Verify(dataPath, sigPath string, keyrings ...openpgp.EntityList) (bool, error) {
	if len(keyrings) == 0 {
		return false, fmt.Errorf("signature: no keyrings supplied")
	}

	union := unionEntities(keyrings)

	data, err := os.Open(dataPath)
	if err != nil {
		return false, fmt.Errorf("opening data file %s: %w", dataPath, err)
	}
	defer data.Close() //nolint:errcheck // read-only file

	sig, err := os.Open(sigPath)
	if err != nil {
		return false, fmt.Errorf("opening signature file %s: %w", sigPath, err)
	}
	defer sig.Close() //nolint:errcheck // read-only file

	if _, err := openpgp.CheckArmoredDetachedSignature(union, data, sig, nil); err != nil {
		return false, nil //nolint:nilerr // verification failure is a reported false, not a plumbing error
	}
	return true, nil
}

// unionEntities concatenates every keyring into one EntityList so any of
// them can satisfy the signature check.
func unionEntities(keyrings []openpgp.EntityList) openpgp.EntityList {
	var union openpgp.EntityList
	for _, kr := range keyrings {
		union = append(union, kr...)
	}
	return union
}
