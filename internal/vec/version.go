package vec

import (
	"encoding/binary"
	"strconv"

	"github.com/zeebo/blake3"
)

// Fingerprint hashes the given parts into a version number. A series
// computed from inputs includes the inputs' versions so that any upstream
// schema change invalidates it.
func Fingerprint(parts ...string) uint64 {
	h := blake3.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// Derive combines a base version with a series name and local schema number.
func Derive(base uint64, name string, schema int) uint64 {
	return Fingerprint(strconv.FormatUint(base, 16), name, strconv.Itoa(schema))
}
