package page

import (
	"hash/crc32"

	"github.com/minio/highwayhash"
)

// ChecksumAlgorithm selects the integrity function used for blob, remote
// data-file, and checkpoint records. Shared across blobstore, remote and
// checkpoint so every record kind recognizes the same "checksum
// algorithm" configuration option.
type ChecksumAlgorithm uint8

const (
	// ChecksumCRC32 uses crc32.ChecksumIEEE.
	ChecksumCRC32 ChecksumAlgorithm = iota
	// ChecksumHighwayHash uses github.com/minio/highwayhash's 64-bit
	// HighwayHash.
	ChecksumHighwayHash
)

var highwayKey = []byte("pagestore-shared-highwayhash-key")

// Checksum computes payload's integrity value under alg. HighwayHash key
// setup failures fall back to CRC32 rather than erroring, since the key
// is fixed and compiled in.
func Checksum(alg ChecksumAlgorithm, payload []byte) uint64 {
	if alg == ChecksumHighwayHash {
		h, err := highwayhash.New64(highwayKey)
		if err == nil {
			_, _ = h.Write(payload)
			return h.Sum64()
		}
	}
	return uint64(crc32.ChecksumIEEE(payload))
}
