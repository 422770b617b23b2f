package pagestorage

import (
	"golang.org/x/time/rate"

	"github.com/coredb/pagestore/blobstore"
	"github.com/coredb/pagestore/checkpoint"
	"github.com/coredb/pagestore/directory"
	"github.com/coredb/pagestore/gc"
	"github.com/coredb/pagestore/lockmanager"
	"github.com/coredb/pagestore/remote"
)

// Option configures an Engine at Open time.
type Option func(*config)

type config struct {
	blobOpts        []blobstore.Option
	directoryOpts   []directory.Option
	remoteOpts      []remote.Option
	checkpointOpts  []checkpoint.Option
	gcOpts          []gc.Option
	lockManagerPath string
	lockManagerOpts []lockmanager.Option
	writeLimiter    *rate.Limiter
	readLimiter     *rate.Limiter
}

func defaultConfig() config {
	return config{}
}

// WithBlobStoreOptions forwards opts to blobstore.Open.
func WithBlobStoreOptions(opts ...blobstore.Option) Option {
	return func(c *config) { c.blobOpts = append(c.blobOpts, opts...) }
}

// WithDirectoryOptions forwards opts to directory.Open.
func WithDirectoryOptions(opts ...directory.Option) Option {
	return func(c *config) { c.directoryOpts = append(c.directoryOpts, opts...) }
}

// WithRemoteOptions forwards opts to remote.New.
func WithRemoteOptions(opts ...remote.Option) Option {
	return func(c *config) { c.remoteOpts = append(c.remoteOpts, opts...) }
}

// WithCheckpointOptions forwards opts to checkpoint.New.
func WithCheckpointOptions(opts ...checkpoint.Option) Option {
	return func(c *config) { c.checkpointOpts = append(c.checkpointOpts, opts...) }
}

// WithGCOptions forwards opts to gc.New, in addition to the engine's own
// rewrite-tracking hooks.
func WithGCOptions(opts ...gc.Option) Option {
	return func(c *config) { c.gcOpts = append(c.gcOpts, opts...) }
}

// WithLockManager enables cross-node lock-marker coordination, opening
// the local bookkeeping database at path.
func WithLockManager(path string, opts ...lockmanager.Option) Option {
	return func(c *config) {
		c.lockManagerPath = path
		c.lockManagerOpts = opts
	}
}

// WithRateLimiters sets the write/read rate limiters blob I/O and GC
// honor. Either may be nil to leave that direction unthrottled.
func WithRateLimiters(write, read *rate.Limiter) Option {
	return func(c *config) {
		c.writeLimiter = write
		c.readLimiter = read
	}
}
