package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// fingerprintLength is the number of hex characters kept from the digest.
// 16 characters (64 bits) keeps keys short while making accidental
// collisions across dependency sets implausible.
const fingerprintLength = 16

// Fingerprint derives a stable cache key from a dependency map. Entries
// are sorted by package name, joined as name@version, and hashed, so any
// two maps equal as sets of (name, version) pairs yield the same key
// regardless of insertion order. The empty map has a fingerprint too; it
// identifies the shared no-dependency sandbox.
func Fingerprint(deps map[string]string) string {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte('@')
		b.WriteString(deps[name])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:fingerprintLength]
}
