// Package directory maintains the multi-version page_id → entry mapping,
// persists edits through a write-ahead manifest, and serves
// snapshot-isolated reads. It is grounded on this repository's teacher
// package's persist/load pair (vectordb/mem/set.go) for durability shape
// and its mmapstore sibling for record framing, generalized from a
// single tree+data pair into an append log with periodic image
// compaction.
package directory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/coredb/pagestore/page"
)

// versionEntry is one node of a per-page_id chain: entry is nil for a
// tombstone.
type versionEntry struct {
	sequence uint64
	entry    *page.Entry
}

// Directory is the multi-version directory described in this package's
// doc comment.
type Directory struct {
	mu sync.RWMutex

	dir      string
	cfg      config
	log      *manifestLog
	lockFile *os.File

	chains   map[page.ID][]versionEntry
	sequence uint64
	maxID    uint64

	snapRefs map[uint64]int
	aliases  map[page.ID]page.ID
	external map[page.ID]bool
}

// Open opens or creates a Directory rooted at dir, replaying the
// manifest image and log tail.
func Open(dir string, opts ...Option) (*Directory, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, page.Wrap(page.KindIoFailure, "directory.Open", err)
	}

	d := &Directory{
		dir:      dir,
		cfg:      cfg,
		chains:   map[page.ID][]versionEntry{},
		snapRefs: map[uint64]int{},
		aliases:  map[page.ID]page.ID{},
		external: map[page.ID]bool{},
	}

	if cfg.singleWriterLock {
		lf, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, page.Wrap(page.KindIoFailure, "directory.Open", err)
		}
		if err := tryLockExclusive(lf); err != nil {
			_ = lf.Close()
			return nil, page.Wrap(page.KindIoFailure, "directory.Open", fmt.Errorf("directory already locked by another writer: %w", err))
		}
		d.lockFile = lf
	}

	log, err := openManifestLog(dir)
	if err != nil {
		return nil, err
	}
	d.log = log

	imageSeq, state, tail, err := log.load()
	if err != nil {
		return nil, err
	}
	d.sequence = imageSeq
	for id, entry := range state {
		d.chains[id] = []versionEntry{{sequence: imageSeq, entry: entry}}
		d.trackMaxID(id)
	}
	for _, rec := range tail {
		d.installLocked(&rec.Edit, rec.Sequence)
		d.sequence = rec.Sequence
		for _, ee := range rec.Edit.Entries {
			if ee.Op != page.OpDel {
				d.trackMaxID(ee.PageID)
			}
		}
	}
	return d, nil
}

func (d *Directory) trackMaxID(id page.ID) {
	if n, err := strconv.ParseUint(string(id), 10, 64); err == nil && n > d.maxID {
		d.maxID = n
	}
}

// Apply atomically assigns the next sequence to edit, appends it to the
// manifest (fsynced), and installs the new versions. Any I/O failure
// leaves the in-memory state unchanged; callers see the apply fail and
// may retry. Returns the lock IDs the edit consumed.
func (d *Directory) Apply(edit *page.Edit) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := d.sequence + 1
	rec := &page.ManifestRecord{Sequence: next, Edit: *edit}
	if err := d.log.append(rec, d.cfg.fsyncEveryApply); err != nil {
		return nil, err
	}
	d.installLocked(edit, next)
	d.sequence = next

	if d.log.size() >= d.cfg.maxLogBytesBeforeImage {
		// The edit is already durable and installed, so a failed
		// compaction does not fail the apply: the log and in-memory
		// chains stay as they are and compaction is tried again on the
		// next apply.
		_ = d.compactLocked()
	}
	return edit.LockIDs, nil
}

func (d *Directory) installLocked(edit *page.Edit, seq uint64) {
	for _, ee := range edit.Entries {
		switch ee.Op {
		case page.OpDel:
			d.chains[ee.PageID] = append(d.chains[ee.PageID], versionEntry{sequence: seq, entry: nil})
		case page.OpPut, page.OpPutExternal, page.OpUpdateRemoteCache:
			d.chains[ee.PageID] = append(d.chains[ee.PageID], versionEntry{sequence: seq, entry: ee.Entry})
		}
	}
}

func (d *Directory) compactLocked() error {
	state := map[page.ID]*page.Entry{}
	for id, chain := range d.chains {
		if tip := chain[len(chain)-1]; tip.entry != nil {
			state[id] = tip.entry
		}
	}
	if err := d.log.compact(d.sequence, state); err != nil {
		return err
	}
	for id, entry := range state {
		d.chains[id] = []versionEntry{{sequence: d.sequence, entry: entry}}
	}
	for id, chain := range d.chains {
		if len(chain) == 1 && chain[0].entry == nil {
			delete(d.chains, id)
		}
	}
	return nil
}

// CreateSnapshot captures the current sequence and pins every entry at
// or below it for its lifetime.
func (d *Directory) CreateSnapshot(tag string) page.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapRefs[d.sequence]++
	return page.Snapshot{Sequence: d.sequence, Tag: tag}
}

// ReleaseSnapshot drops the pin a snapshot held, allowing GC to consider
// its superseded versions for reclaim once no other snapshot needs them.
func (d *Directory) ReleaseSnapshot(snap page.Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.snapRefs[snap.Sequence]; n <= 1 {
		delete(d.snapRefs, snap.Sequence)
	} else {
		d.snapRefs[snap.Sequence] = n - 1
	}
}

// resolveLocked returns the latest non-tombstone entry for id visible at
// or before seq, or nil.
func (d *Directory) resolveLocked(id page.ID, seq uint64) *page.Entry {
	chain := d.chains[id]
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].sequence <= seq {
			return chain[i].entry
		}
	}
	return nil
}

// GetByID returns the entry for id at snapshot, or ErrNotFound.
func (d *Directory) GetByID(id page.ID, snap page.Snapshot) (*page.Entry, error) {
	e, err := d.GetByIDOrNull(id, snap)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, page.Wrap(page.KindNotFound, "directory.GetByID", fmt.Errorf("page %q not found", id))
	}
	return e, nil
}

// GetByIDOrNull returns the entry for id at snapshot, or nil if absent
// or tombstoned; never an error on mere absence.
func (d *Directory) GetByIDOrNull(id page.ID, snap page.Snapshot) (*page.Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.resolveLocked(id, snap.Sequence), nil
}

// GetByIDs resolves a batch of page ids, returning found entries and the
// subset of ids that resolved to nothing.
func (d *Directory) GetByIDs(ids []page.ID, snap page.Snapshot) ([]*page.Entry, []page.ID) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var found []*page.Entry
	var missing []page.ID
	for _, id := range ids {
		if e := d.resolveLocked(id, snap.Sequence); e != nil {
			found = append(found, e)
		} else {
			missing = append(missing, id)
		}
	}
	return found, missing
}

// GetAllPageIDsWithPrefix enumerates, in sorted order, every page id
// live at snapshot under prefix.
func (d *Directory) GetAllPageIDsWithPrefix(prefix page.ID, snap page.Snapshot) []page.ID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []page.ID
	for id := range d.chains {
		if !id.HasPrefix(prefix) {
			continue
		}
		if d.resolveLocked(id, snap.Sequence) != nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetNormalPageID follows a single level of ref-page aliasing to a
// canonical id, returning id unchanged if it is not an alias.
func (d *Directory) GetNormalPageID(id page.ID, _ page.Snapshot) page.ID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if target, ok := d.aliases[id]; ok {
		return target
	}
	return id
}

// SetAlias installs a single-level ref-page alias from id to target.
func (d *Directory) SetAlias(id, target page.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aliases[id] = target
}

// DumpSnapshotToEdit produces the full set of puts needed to recreate
// the directory at snapshot.
func (d *Directory) DumpSnapshotToEdit(snap page.Snapshot) *page.Edit {
	d.mu.RLock()
	defer d.mu.RUnlock()
	edit := &page.Edit{Sequence: snap.Sequence}
	ids := make([]page.ID, 0, len(d.chains))
	for id := range d.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		e := d.resolveLocked(id, snap.Sequence)
		if e == nil {
			continue
		}
		edit.Append(page.EditEntry{Op: page.OpPut, PageID: id, Entry: e.Clone()})
	}
	return edit
}

// CopyCheckpointInfoFromEdit attaches checkpoint_info back onto current
// directory entries whose content was just persisted remotely, skipping
// any page_id whose tip has moved on since edit was produced.
func (d *Directory) CopyCheckpointInfoFromEdit(edit *page.Edit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ee := range edit.Entries {
		if ee.Entry == nil || ee.Entry.CheckpointInfo == nil {
			continue
		}
		chain := d.chains[ee.PageID]
		if len(chain) == 0 {
			continue
		}
		tip := &chain[len(chain)-1]
		if tip.entry == nil || tip.sequence > edit.Sequence {
			continue // superseded since the checkpoint snapshot was taken
		}
		clone := tip.entry.Clone()
		ci := *ee.Entry.CheckpointInfo
		clone.CheckpointInfo = &ci
		chain[len(chain)-1] = versionEntry{sequence: tip.sequence, entry: clone}
	}
}

// UpdateLocalCacheForRemotePages installs locally-cached replicas of
// remote-only entries carried by edit, applying the ones still current
// as of snap and returning the rest as ignored (the caller must free
// their freshly-written blob ranges, since the mapping moved on while
// the fetch was in flight).
func (d *Directory) UpdateLocalCacheForRemotePages(edit *page.Edit, snap page.Snapshot) (applied *page.Edit, ignored []page.EditEntry, err error) {
	d.mu.RLock()
	clean := &page.Edit{}
	for _, ee := range edit.Entries {
		chain := d.chains[ee.PageID]
		stillCurrent := len(chain) > 0 && chain[len(chain)-1].sequence <= snap.Sequence
		if !stillCurrent {
			ignored = append(ignored, ee)
			continue
		}
		clean.Append(ee)
	}
	d.mu.RUnlock()

	if len(clean.Entries) == 0 {
		return clean, ignored, nil
	}
	if _, err := d.Apply(clean); err != nil {
		return nil, ignored, err
	}
	return clean, ignored, nil
}

// UnregisterNamespace drops bookkeeping for external-id callbacks
// registered under prefix.
func (d *Directory) UnregisterNamespace(prefix page.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.external, prefix)
}

// RegisterNamespace records that prefix has an external-page callback
// registered against it.
func (d *Directory) RegisterNamespace(prefix page.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.external[prefix] = true
}

// GetMaxIDAfterRestart returns the highest numeric page id observed in
// the restored manifest, for callers that mint sequential ids.
func (d *Directory) GetMaxIDAfterRestart() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.maxID
}

// CurrentSequence returns the directory's current sequence without
// creating a pinning snapshot.
func (d *Directory) CurrentSequence() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sequence
}

// UnreferencedEntries returns every directory entry superseded by a
// later version and not needed by any live snapshot, pruning them from
// their chains. GC.Run uses this to find blob ranges it may reclaim:
// invariant 3 ("a blob byte range may be reclaimed only when no live
// snapshot references it") holds because the tip of every chain, and the
// applicable version for every still-live snapshot sequence, are always
// excluded.
func (d *Directory) UnreferencedEntries() []*page.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()

	liveSeqs := make([]uint64, 0, len(d.snapRefs))
	for s := range d.snapRefs {
		liveSeqs = append(liveSeqs, s)
	}
	sort.Slice(liveSeqs, func(i, j int) bool { return liveSeqs[i] < liveSeqs[j] })

	var unreferenced []*page.Entry
	for id, chain := range d.chains {
		if len(chain) <= 1 {
			continue
		}
		needed := map[int]bool{len(chain) - 1: true} // tip always needed
		for _, s := range liveSeqs {
			idx := applicableIndex(chain, s)
			if idx >= 0 {
				needed[idx] = true
			}
		}
		var kept []versionEntry
		for i, v := range chain {
			if needed[i] {
				kept = append(kept, v)
				continue
			}
			if v.entry != nil {
				unreferenced = append(unreferenced, v.entry)
			}
		}
		d.chains[id] = kept
	}
	return unreferenced
}

func applicableIndex(chain []versionEntry, seq uint64) int {
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].sequence <= seq {
			return i
		}
	}
	return -1
}

// ReplaceEntry installs a new version for id produced by a GC rewrite,
// going through the normal apply path so ordering is preserved.
func (d *Directory) ReplaceEntry(id page.ID, entry *page.Entry) error {
	edit := (&page.Edit{}).Append(page.EditEntry{Op: page.OpPut, PageID: id, Entry: entry})
	_, err := d.Apply(edit)
	return err
}

// LiveLocalEntries returns every non-tombstoned, locally-resident tip
// entry, used by BlobStore.RegisterPaths to seed free-space tracking.
func (d *Directory) LiveLocalEntries() []*page.Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*page.Entry
	for _, chain := range d.chains {
		tip := chain[len(chain)-1]
		if tip.entry != nil && tip.entry.Local() {
			out = append(out, tip.entry)
		}
	}
	return out
}

// Close releases the manifest log and the single-writer lock.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.log.close()
	if d.lockFile != nil {
		_ = unlockFile(d.lockFile)
		_ = d.lockFile.Close()
	}
	return err
}
