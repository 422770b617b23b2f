package blobstore

import "github.com/coredb/pagestore/page"

// ChecksumAlgorithm selects the integrity function used for blob records,
// shared with the remote and checkpoint record formats.
type ChecksumAlgorithm = page.ChecksumAlgorithm

const (
	// ChecksumCRC32 uses crc32.ChecksumIEEE, the same function this
	// package's manifest-log sibling (package directory) uses for the
	// checksum in its own record headers.
	ChecksumCRC32 = page.ChecksumCRC32
	// ChecksumHighwayHash uses github.com/minio/highwayhash's 64-bit
	// HighwayHash, the configurable alternative recognized by the
	// "Blob: checksum algorithm" configuration option.
	ChecksumHighwayHash = page.ChecksumHighwayHash
)

// Option configures a Store.
type Option func(*config)

type config struct {
	maxFileSize  int64
	hotFileCount int
	checksum     ChecksumAlgorithm
}

func defaultConfig() config {
	return config{
		maxFileSize:  1 << 30, // 1 GiB
		hotFileCount: 1,
		checksum:     ChecksumCRC32,
	}
}

// WithMaxFileSize bounds the size of any single blob file.
func WithMaxFileSize(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxFileSize = n
		}
	}
}

// WithHotFileCount sets how many blob files are kept open for allocation
// at once; writes best-fit across this pool before opening a new file.
func WithHotFileCount(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.hotFileCount = n
		}
	}
}

// WithChecksumAlgorithm selects the checksum used for record integrity.
func WithChecksumAlgorithm(alg ChecksumAlgorithm) Option {
	return func(c *config) { c.checksum = alg }
}
