package importer

import (
	"crypto/sha256"
	"fmt"

	"code.tvl.fyi/tvix/castorefs/pkg/storev1"
	"github.com/nix-community/go-nix/pkg/nixbase32"
)

// storePathForCA derives a store-path basename from a content address,
// following the same fixed-output-path fingerprint Nix itself computes: a
// "fixed:out:<algo>:<hex(hash)>:" string is itself hashed, then combined
// with the store directory and name into a second fingerprint whose
// first 20 bytes, nixbase32-encoded, become the path's digest.
func storePathForCA(name string, ca storev1.ContentAddress) (string, error) {
	if name == "" {
		return "", fmt.Errorf("importer: fetch descriptor has no name")
	}

	var algo string
	switch ca.Method {
	case storev1.CAFlat:
		algo = "fixed:out:blake3:"
	case storev1.CANar:
		algo = "fixed:out:r:blake3:"
	default:
		return "", fmt.Errorf("importer: unknown content-address method %d", ca.Method)
	}

	inner := sha256.Sum256([]byte(algo + ca.Hash.String() + ":"))
	fingerprint := fmt.Sprintf("output:out:sha256:%x:/nix/store:%s", inner, name)
	digest := sha256.Sum256([]byte(fingerprint))

	return nixbase32.EncodeToString(digest[:20]) + "-" + name, nil
}
