package integrity

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/yairfalse/secmon/pkg/domain"
)

// ComputeFingerprint hashes the entry count followed by every (index, value)
// pair as little-endian uint64s. Swapping, zeroing or changing any single
// entry changes the result.
func ComputeFingerprint(entries []domain.DispatchEntry) domain.Fingerprint {
	h := sha256.New()
	var buf [16]byte

	binary.LittleEndian.PutUint64(buf[:8], uint64(len(entries)))
	h.Write(buf[:8])

	for i, e := range entries {
		binary.LittleEndian.PutUint64(buf[:8], uint64(i))
		binary.LittleEndian.PutUint64(buf[8:], uint64(e))
		h.Write(buf[:])
	}

	var fp domain.Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}
