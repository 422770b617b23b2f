// Package pagestorage composes the blob, directory, remote-reader,
// lock-manager, checkpoint-writer and garbage-collector components
// behind one facade. It is grounded on this repository's teacher
// package's mem.Store, which composes many mem.Set instances behind one
// mutex-guarded map and exposes a handful of domain operations
// (AddDocuments, SimilaritySearch, Remove) that each delegate to the
// right sub-component; here there is exactly one directory/blob pair per
// Engine rather than one per namespace, since pages are partitioned by
// page_id prefix rather than by named set.
package pagestorage

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/coredb/pagestore/blobstore"
	"github.com/coredb/pagestore/checkpoint"
	"github.com/coredb/pagestore/directory"
	"github.com/coredb/pagestore/gc"
	"github.com/coredb/pagestore/internal/cache"
	"github.com/coredb/pagestore/lockmanager"
	"github.com/coredb/pagestore/page"
	"github.com/coredb/pagestore/remote"
)

// ExternalPageCallback is notified whenever a write installs or updates
// a page under a namespace prefix registered via
// RegisterExternalPagesCallback.
type ExternalPageCallback func(id page.ID, entry *page.Entry)

// Engine is the facade described in this package's doc comment.
type Engine struct {
	dir    *directory.Directory
	blobs  *blobstore.Store
	remote *remote.Reader
	ckpt   *checkpoint.Writer
	gcc    *gc.Collector
	locks  *lockmanager.Manager

	cfg config

	mu        sync.RWMutex
	callbacks map[page.ID]ExternalPageCallback
	rewriting map[page.FileID]bool
	validSize *cache.Map[page.FileID, uint64]
}

// Open opens (or creates) an Engine rooted at dataDir for local state,
// naming remote checkpoint files under rootURL.
func Open(dataDir, rootURL string, opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	dir, err := directory.Open(filepath.Join(dataDir, "directory"), cfg.directoryOpts...)
	if err != nil {
		return nil, err
	}
	blobs, err := blobstore.Open(filepath.Join(dataDir, "blobs"), cfg.blobOpts...)
	if err != nil {
		_ = dir.Close()
		return nil, err
	}
	if err := blobs.RegisterPaths(dir.LiveLocalEntries()); err != nil {
		_ = dir.Close()
		_ = blobs.Close()
		return nil, err
	}

	e := &Engine{
		dir:       dir,
		blobs:     blobs,
		remote:    remote.New(rootURL, cfg.remoteOpts...),
		ckpt:      checkpoint.New(dir, blobs, rootURL, cfg.checkpointOpts...),
		cfg:       cfg,
		callbacks: map[page.ID]ExternalPageCallback{},
		rewriting: map[page.FileID]bool{},
		validSize: cache.NewMap[page.FileID, uint64](),
	}
	gcOpts := append([]gc.Option{gc.WithRewriteHooks(e.onRewriteStart, e.onRewriteDone)}, cfg.gcOpts...)
	e.gcc = gc.New(dir, blobs, gcOpts...)

	if cfg.lockManagerPath != "" {
		locks, err := lockmanager.Open(cfg.lockManagerPath, cfg.lockManagerOpts...)
		if err != nil {
			_ = dir.Close()
			_ = blobs.Close()
			return nil, err
		}
		e.locks = locks
	}
	return e, nil
}

// Close releases every owned resource.
func (e *Engine) Close() error {
	var firstErr error
	if e.locks != nil {
		if err := e.locks.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.blobs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.dir.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (e *Engine) onRewriteStart(id page.FileID) {
	e.mu.Lock()
	e.rewriting[id] = true
	e.mu.Unlock()
}

func (e *Engine) onRewriteDone(id page.FileID) {
	e.mu.Lock()
	delete(e.rewriting, id)
	e.mu.Unlock()
}

func (e *Engine) defaultCompactGetter() []page.FileID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]page.FileID, 0, len(e.rewriting))
	for id := range e.rewriting {
		out = append(out, id)
	}
	return out
}

// Write resolves batch through BlobStore, creates any remote-reference
// lock markers it introduces before the edit becomes visible, applies
// it, and releases the pending-lock bookkeeping once durable. Any
// failure after blob allocation frees the orphaned local bytes and
// (if locks were already created) aborts them, so no partial state
// survives a failed write.
func (e *Engine) Write(ctx context.Context, batch *page.WriteBatch) (*page.Edit, error) {
	edit, err := e.blobs.Write(batch)
	if err != nil {
		return nil, err
	}

	var lockIDs []string
	if e.locks != nil {
		lockIDs, err = e.locks.CreateLocksForWriteBatch(ctx, edit)
		if err != nil {
			e.freeLocalEntries(edit)
			return nil, err
		}
	}

	if _, err := e.dir.Apply(edit); err != nil {
		if len(lockIDs) > 0 {
			_ = e.locks.AbortLocks(ctx, lockIDs)
		}
		e.freeLocalEntries(edit)
		return nil, err
	}

	if len(lockIDs) > 0 {
		if err := e.locks.CleanAppliedLocks(ctx, lockIDs); err != nil {
			return edit, err
		}
	}

	e.notifyExternalCallbacks(edit)
	return edit, nil
}

func (e *Engine) freeLocalEntries(edit *page.Edit) {
	var entries []*page.Entry
	for _, ee := range edit.Entries {
		if ee.Entry != nil && ee.Entry.Local() {
			entries = append(entries, ee.Entry)
		}
	}
	if len(entries) > 0 {
		_ = e.blobs.Remove(entries)
	}
}

func (e *Engine) notifyExternalCallbacks(edit *page.Edit) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.callbacks) == 0 {
		return
	}
	for _, ee := range edit.Entries {
		for prefix, cb := range e.callbacks {
			if ee.PageID.HasPrefix(prefix) {
				cb(ee.PageID, ee.Entry)
			}
		}
	}
}

// RegisterExternalPagesCallback subscribes cb to every write under
// prefix, and marks prefix as carrying external-page traffic in the
// directory.
func (e *Engine) RegisterExternalPagesCallback(prefix page.ID, cb ExternalPageCallback) {
	e.mu.Lock()
	e.callbacks[prefix] = cb
	e.mu.Unlock()
	e.dir.RegisterNamespace(prefix)
}

// UnregisterExternalPagesCallback removes a subscription installed by
// RegisterExternalPagesCallback.
func (e *Engine) UnregisterExternalPagesCallback(prefix page.ID) {
	e.mu.Lock()
	delete(e.callbacks, prefix)
	e.mu.Unlock()
	e.dir.UnregisterNamespace(prefix)
}

// Read resolves id at snap, fetching through the remote reader and
// performing a best-effort write-back if the local copy has been
// reclaimed. throwOnNotExist controls whether an absent page_id errors
// or returns (nil, nil).
func (e *Engine) Read(ctx context.Context, id page.ID, snap page.Snapshot, throwOnNotExist bool) ([]byte, error) {
	entry, err := e.dir.GetByIDOrNull(id, snap)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		if throwOnNotExist {
			return nil, page.Wrap(page.KindNotFound, "pagestorage.Read", fmt.Errorf("page %q not found", id))
		}
		return nil, nil
	}
	if entry.CheckpointInfo != nil && entry.CheckpointInfo.IsLocalDataReclaimed {
		data, err := e.remote.Read(ctx, entry)
		if err != nil {
			return nil, err
		}
		e.writeBack(ctx, snap, map[page.ID][]byte{id: data})
		return data, nil
	}
	return e.blobs.Read(ctx, entry, e.cfg.readLimiter)
}

// ReadBatch partitions ids into locally-resident and remote-only
// entries, issues both in bulk, merges the results, and performs a
// single write-back batch for whatever came back from the remote half.
func (e *Engine) ReadBatch(ctx context.Context, ids []page.ID, snap page.Snapshot, throwOnNotExist bool) (map[page.ID][]byte, error) {
	found, missing := e.dir.GetByIDs(ids, snap)
	if throwOnNotExist && len(missing) > 0 {
		return nil, page.Wrap(page.KindNotFound, "pagestorage.ReadBatch", fmt.Errorf("page %q not found", missing[0]))
	}

	var localEntries, remoteEntries []*page.Entry
	for _, entry := range found {
		if entry.CheckpointInfo != nil && entry.CheckpointInfo.IsLocalDataReclaimed {
			remoteEntries = append(remoteEntries, entry)
		} else {
			localEntries = append(localEntries, entry)
		}
	}

	var local, remoteData map[page.ID][]byte
	g, gctx := errgroup.WithContext(ctx)
	if len(localEntries) > 0 {
		g.Go(func() error {
			var err error
			local, err = e.blobs.ReadBatch(gctx, localEntries, e.cfg.readLimiter)
			return err
		})
	}
	if len(remoteEntries) > 0 {
		g.Go(func() error {
			var err error
			_, remoteData, err = e.remote.ReadBatch(gctx, remoteEntries)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[page.ID][]byte, len(found))
	for id, bs := range local {
		out[id] = bs
	}
	for id, bs := range remoteData {
		out[id] = bs
	}
	if len(remoteData) > 0 {
		e.writeBack(ctx, snap, remoteData)
	}
	return out, nil
}

// ReadFields reads the requested sub-ranges, dispatching each request to
// BlobStore or the remote reader depending on whether its entry's local
// copy has been reclaimed. Remote field requests fetch the page's full
// remote payload and slice the field locally, then write back the full
// payload like ReadBatch. snap must be the snapshot each entry in reqs
// was resolved at, so a write-back racing a concurrent overwrite can be
// detected against the read's own view rather than the directory's
// current state.
func (e *Engine) ReadFields(ctx context.Context, snap page.Snapshot, reqs []blobstore.FieldRead) (map[page.ID][]byte, error) {
	var localReqs []blobstore.FieldRead
	var remoteReqs []blobstore.FieldRead
	for _, r := range reqs {
		if r.Entry.CheckpointInfo != nil && r.Entry.CheckpointInfo.IsLocalDataReclaimed {
			remoteReqs = append(remoteReqs, r)
		} else {
			localReqs = append(localReqs, r)
		}
	}

	var local, remoteData map[page.ID][]byte
	g, gctx := errgroup.WithContext(ctx)
	if len(localReqs) > 0 {
		g.Go(func() error {
			var err error
			local, err = e.blobs.ReadFields(gctx, localReqs, e.cfg.readLimiter)
			return err
		})
	}
	if len(remoteReqs) > 0 {
		entries := make([]*page.Entry, 0, len(remoteReqs))
		for _, r := range remoteReqs {
			entries = append(entries, r.Entry)
		}
		g.Go(func() error {
			var err error
			_, remoteData, err = e.remote.ReadBatch(gctx, entries)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[page.ID][]byte, len(reqs))
	for id, bs := range local {
		out[id] = bs
	}
	for _, r := range remoteReqs {
		full := remoteData[r.Entry.PageID]
		fo := r.Entry.FieldOffsets[r.FieldIndex]
		if int(fo.Offset)+int(fo.Size) <= len(full) {
			out[r.Entry.PageID] = full[fo.Offset : fo.Offset+fo.Size]
		}
	}
	if len(remoteData) > 0 {
		e.writeBack(ctx, snap, remoteData)
	}
	return out, nil
}

// writeBack installs fetched remote bytes as fresh local entries. snap
// is the snapshot the read that produced data was resolved at: a
// page_id whose chain tip has since moved past snap means a newer write
// raced the fetch, so Directory.UpdateLocalCacheForRemotePages reports
// it as ignored and writeBack frees the bytes it just staged instead of
// letting them clobber the newer write.
func (e *Engine) writeBack(ctx context.Context, snap page.Snapshot, data map[page.ID][]byte) {
	if len(data) == 0 {
		return
	}
	batch := &page.WriteBatch{}
	for id, bs := range data {
		batch.UpdateRemotePage(id, bs)
	}
	edit, err := e.blobs.Write(batch)
	if err != nil {
		return
	}
	_, ignored, err := e.dir.UpdateLocalCacheForRemotePages(edit, snap)
	if err != nil {
		return
	}
	if len(ignored) == 0 {
		return
	}
	var stale []*page.Entry
	for _, ee := range ignored {
		if ee.Entry != nil {
			stale = append(stale, ee.Entry)
		}
	}
	_ = e.blobs.Remove(stale)
}

// GetEntry returns the directory entry for id at snap.
func (e *Engine) GetEntry(id page.ID, snap page.Snapshot, throwOnNotExist bool) (*page.Entry, error) {
	entry, err := e.dir.GetByIDOrNull(id, snap)
	if err != nil {
		return nil, err
	}
	if entry == nil && throwOnNotExist {
		return nil, page.Wrap(page.KindNotFound, "pagestorage.GetEntry", fmt.Errorf("page %q not found", id))
	}
	return entry, nil
}

// MarkLocalReclaimed frees id's local blob bytes and flips its entry's
// checkpoint_info.is_local_data_reclaimed, once it already has a remote
// replica from an earlier checkpoint. Subsequent reads fall through to
// the remote reader and write-back, per the tiered local/remote
// topology. A page with no checkpoint_info yet, or already reclaimed,
// leaves an error / no-op respectively rather than fabricating a remote
// replica — only a checkpoint (or a put-external write) ever attaches one.
func (e *Engine) MarkLocalReclaimed(id page.ID) error {
	snap := e.dir.CreateSnapshot("mark-reclaimed")
	defer e.dir.ReleaseSnapshot(snap)

	entry, err := e.dir.GetByIDOrNull(id, snap)
	if err != nil {
		return err
	}
	if entry == nil {
		return page.Wrap(page.KindNotFound, "pagestorage.MarkLocalReclaimed", fmt.Errorf("page %q not found", id))
	}
	if entry.CheckpointInfo == nil {
		return page.Wrap(page.KindPreconditionViolation, "pagestorage.MarkLocalReclaimed", fmt.Errorf("page %q has no checkpointed remote replica", id))
	}
	if entry.CheckpointInfo.IsLocalDataReclaimed {
		return nil
	}

	freed := entry.Clone()
	reclaimed := entry.Clone()
	reclaimed.FileID, reclaimed.Offset = 0, 0
	reclaimed.CheckpointInfo.IsLocalDataReclaimed = true

	if err := e.dir.ReplaceEntry(id, reclaimed); err != nil {
		return err
	}
	return e.blobs.Remove([]*page.Entry{freed})
}

// Traverse enumerates every page_id live at snap under prefix.
func (e *Engine) Traverse(prefix page.ID, snap page.Snapshot) []page.ID {
	return e.dir.GetAllPageIDsWithPrefix(prefix, snap)
}

// TraverseEntries enumerates every entry live at snap under prefix.
func (e *Engine) TraverseEntries(prefix page.ID, snap page.Snapshot) []*page.Entry {
	ids := e.dir.GetAllPageIDsWithPrefix(prefix, snap)
	entries, _ := e.dir.GetByIDs(ids, snap)
	return entries
}

// GetNormalPageID follows a single level of ref-page aliasing.
func (e *Engine) GetNormalPageID(id page.ID, snap page.Snapshot) page.ID {
	return e.dir.GetNormalPageID(id, snap)
}

// GetCheckpointLocation returns id's remote data location, if any.
func (e *Engine) GetCheckpointLocation(id page.ID, snap page.Snapshot) (page.DataLocation, bool, error) {
	entry, err := e.dir.GetByIDOrNull(id, snap)
	if err != nil {
		return page.DataLocation{}, false, err
	}
	if entry == nil || entry.CheckpointInfo == nil {
		return page.DataLocation{}, false, nil
	}
	return entry.CheckpointInfo.DataLocation, true, nil
}

// GetMaxIDAfterRestart returns the largest numeric page_id observed
// across every restored entry.
func (e *Engine) GetMaxIDAfterRestart() uint64 {
	return e.dir.GetMaxIDAfterRestart()
}

// CreateSnapshot pins the current directory sequence.
func (e *Engine) CreateSnapshot(tag string) page.Snapshot {
	return e.dir.CreateSnapshot(tag)
}

// ReleaseSnapshot drops a pin taken by CreateSnapshot.
func (e *Engine) ReleaseSnapshot(snap page.Snapshot) {
	e.dir.ReleaseSnapshot(snap)
}

// InitLocksLocalManager binds the configured lock manager to storeID and
// client, unblocking every store_id-requiring call, and seeds the
// checkpoint writer's last-checkpoint bookkeeping from whatever sequence
// the returned manifest prefix names.
func (e *Engine) InitLocksLocalManager(ctx context.Context, storeID string, client lockmanager.LockClient) (string, error) {
	if e.locks == nil {
		return "", page.Wrap(page.KindPreconditionViolation, "pagestorage.InitLocksLocalManager",
			fmt.Errorf("lock manager not configured"))
	}
	prefix, err := e.locks.InitStoreInfo(ctx, storeID, client)
	if err != nil {
		return "", err
	}
	if seq, ok := parseManifestSequence(prefix); ok {
		e.ckpt.ResumeFrom(seq)
	}
	return prefix, nil
}

func parseManifestSequence(manifestURL string) (uint64, bool) {
	var seq uint64
	if _, err := fmt.Sscanf(path.Base(manifestURL), "manifest_%020d.bin", &seq); err != nil {
		return 0, false
	}
	return seq, true
}

// AllocateNewUploadLocksInfo produces the lock descriptors a new
// checkpoint upload must carry.
func (e *Engine) AllocateNewUploadLocksInfo(ctx context.Context) (lockmanager.ExtraLockInfo, error) {
	if e.locks == nil {
		return lockmanager.ExtraLockInfo{}, page.Wrap(page.KindPreconditionViolation, "pagestorage.AllocateNewUploadLocksInfo",
			fmt.Errorf("lock manager not configured"))
	}
	return e.locks.AllocateNewUploadLocksInfo(ctx)
}

// CanSkipCheckpoint reports whether the directory has changed since the
// last successful checkpoint.
func (e *Engine) CanSkipCheckpoint() bool {
	return e.ckpt.CanSkipCheckpoint()
}

// DumpIncrementalCheckpoint runs a checkpoint, filling in a default
// persist callback, compact-file exclusion set, and must-locked-files
// list from the engine's own components when the caller leaves them
// unset, then records the resulting manifest prefix with the lock
// manager so a later restart's InitLocksLocalManager reports it.
func (e *Engine) DumpIncrementalCheckpoint(ctx context.Context, opts checkpoint.DumpOptions) (checkpoint.Stats, error) {
	if opts.PersistCheckpoint == nil {
		opts.PersistCheckpoint = checkpoint.NewAFSPersister().Persist(ctx)
	}
	if opts.CompactGetter == nil {
		opts.CompactGetter = e.defaultCompactGetter
	}
	if len(opts.MustLockedFiles) == 0 && e.locks != nil {
		info, err := e.locks.AllocateNewUploadLocksInfo(ctx)
		if err == nil {
			opts.MustLockedFiles = info.MustLockedFiles
		}
	}

	stats, err := e.ckpt.DumpIncrementalCheckpoint(ctx, opts)
	if err != nil {
		return stats, err
	}
	if stats.HasNewData && e.locks != nil {
		_ = e.locks.RecordCheckpointPrefix(ctx, stats.ManifestURL)
	}
	return stats, nil
}

// GC runs one garbage-collection pass and folds its remote-file
// valid-size findings into the facade's cache.
func (e *Engine) GC(ctx context.Context) (gc.Result, error) {
	result, err := e.gcc.Run(ctx, e.cfg.writeLimiter, e.cfg.readLimiter)
	if err != nil {
		return result, err
	}
	for fileID, size := range result.RemoteValidSize {
		e.validSize.Set(fileID, size)
	}
	return result, nil
}

// RemoteFileValidSize returns the valid_size last recorded for fileID by
// a GC pass, if any. Passes only add or overwrite values, so a file that
// a later pass no longer counts keeps its earlier value.
func (e *Engine) RemoteFileValidSize(fileID page.FileID) (uint64, bool) {
	return e.validSize.Get(fileID)
}
