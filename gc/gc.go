// Package gc reclaims blob space superseded by later writes or freed by
// deletes, and surfaces remote-file valid-size statistics for the outer
// remote-file garbage collector the facade's cache feeds. It is
// grounded on this repository's teacher package's mmapstore, whose
// append-plus-tombstone store tracks `stats.DeadBytes`/`LiveBytes` per
// segment and rotates to a fresh segment rather than compacting in
// place; this package generalizes that into an explicit liveness-ratio
// threshold and an apply-path rewrite instead of in-place compaction,
// since a blob file's byte ranges are shared across many page ids and
// cannot be rewritten without going through the directory.
package gc

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/coredb/pagestore/blobstore"
	"github.com/coredb/pagestore/directory"
	"github.com/coredb/pagestore/page"
)

// Result summarizes one Collector.Run pass.
type Result struct {
	DidWork         bool
	FreedEntries    int
	RewrittenBytes  int
	DeletedFiles    []page.FileID
	RemoteValidSize map[page.FileID]uint64
}

// Collector implements the GarbageCollector component.
type Collector struct {
	dir   *directory.Directory
	blobs *blobstore.Store
	cfg   config
}

// New constructs a Collector over dir and blobs.
func New(dir *directory.Directory, blobs *blobstore.Store, opts ...Option) *Collector {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Collector{dir: dir, blobs: blobs, cfg: cfg}
}

// Run executes one collection pass: free ranges already superseded and
// unreferenced by any live snapshot, rewrite the live entries of sparse
// files through the blob store's normal write path and Directory.Apply,
// free what that rewrite just superseded, and delete any file left fully
// empty. The rewrite does not target a new file: the write path's
// best-fit allocation may place a rewritten entry in free space of any
// hot file, the sparse file itself included. Any
// step failing aborts the pass; state stays consistent because rewrites
// only ever take effect through Directory.Apply.
func (c *Collector) Run(ctx context.Context, writeLimiter, readLimiter *rate.Limiter) (Result, error) {
	var result Result

	stale := c.dir.UnreferencedEntries()
	if len(stale) > 0 {
		if err := c.blobs.Remove(stale); err != nil {
			return result, err
		}
		result.FreedEntries += len(stale)
		result.DidWork = true
	}

	live := c.dir.LiveLocalEntries()
	byFile := map[page.FileID][]*page.Entry{}
	result.RemoteValidSize = map[page.FileID]uint64{}
	for _, e := range live {
		byFile[e.FileID] = append(byFile[e.FileID], e)
		if e.CheckpointInfo != nil {
			result.RemoteValidSize[e.CheckpointInfo.DataLocation.FileID] += uint64(e.CheckpointInfo.DataLocation.Size)
		}
	}

	rewrote := false
	for fileID, entries := range byFile {
		if c.blobs.LivenessRatio(fileID) >= c.cfg.livenessThreshold {
			continue
		}
		if c.cfg.onRewriteStart != nil {
			c.cfg.onRewriteStart(fileID)
		}
		for _, e := range entries {
			if readLimiter != nil {
				if err := readLimiter.Wait(ctx); err != nil {
					return result, page.Wrap(page.KindIoFailure, "gc.Run", err)
				}
			}
			payload, err := c.blobs.Read(ctx, e, nil)
			if err != nil {
				return result, err
			}
			if writeLimiter != nil {
				if err := writeLimiter.Wait(ctx); err != nil {
					return result, page.Wrap(page.KindIoFailure, "gc.Run", err)
				}
			}
			batch := (&page.WriteBatch{}).Put(e.PageID, payload, e.Tag, e.FieldOffsets...)
			edit, err := c.blobs.Write(batch)
			if err != nil {
				return result, err
			}
			if err := c.dir.ReplaceEntry(e.PageID, edit.Entries[0].Entry); err != nil {
				return result, err
			}
			result.RewrittenBytes += len(payload)
		}
		if c.cfg.onRewriteDone != nil {
			c.cfg.onRewriteDone(fileID)
		}
		rewrote = true
	}

	if rewrote {
		result.DidWork = true
		freed := c.dir.UnreferencedEntries()
		if len(freed) > 0 {
			if err := c.blobs.Remove(freed); err != nil {
				return result, err
			}
			result.FreedEntries += len(freed)
		}
	}

	for _, id := range c.blobs.FileIDs() {
		if c.blobs.LivenessRatio(id) != 0 {
			continue
		}
		if err := c.blobs.DeleteFile(id); err != nil {
			return result, err
		}
		result.DeletedFiles = append(result.DeletedFiles, id)
		result.DidWork = true
	}

	return result, nil
}
