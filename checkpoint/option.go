package checkpoint

import (
	"github.com/coredb/pagestore/page"
)

// Option configures a Writer.
type Option func(*config)

type config struct {
	checksum page.ChecksumAlgorithm
}

func defaultConfig() config {
	return config{checksum: page.ChecksumCRC32}
}

// WithChecksumAlgorithm selects the integrity function used for each
// record copied into a checkpoint data file.
func WithChecksumAlgorithm(alg page.ChecksumAlgorithm) Option {
	return func(c *config) {
		c.checksum = alg
	}
}

// DumpOptions governs one DumpIncrementalCheckpoint call.
type DumpOptions struct {
	// OverrideSequence substitutes for the snapshot's own sequence when
	// naming files, for callers that checkpoint out of band.
	OverrideSequence *uint64
	// MustLockedFiles lists the remote files this upload depends on and
	// so must remain lock-protected; it is recorded in the data file
	// header and is not passed to PersistCheckpoint.
	MustLockedFiles []page.FileID
	// CompactGetter, if set, returns local blob file ids currently being
	// rewritten by a concurrent garbage-collection pass. Entries whose
	// bytes still live in one of these files are left unpersisted this
	// round rather than copied mid-rewrite; a later checkpoint picks
	// them up once the rewrite has landed through the normal apply path.
	CompactGetter func() []page.FileID
	// WriterInfo identifies the process producing this checkpoint,
	// recorded in the data file header.
	WriterInfo string
	// PersistCheckpoint ships the local data and manifest files to their
	// remote URLs. A false, nil-error return means the ship was
	// deliberately skipped (e.g. another writer already published this
	// sequence); the checkpoint is then treated as having found no new
	// data and no directory or bookkeeping state is updated.
	PersistCheckpoint func(localDataPath, remoteDataURL, localManifestPath, remoteManifestURL string) (bool, error)
}
