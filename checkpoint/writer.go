// Package checkpoint ships a point-in-time snapshot of the directory,
// plus the local blob bytes it still owns exclusively, to the object
// store, so a cross-node reader (or a restarted node with an empty local
// cache) can reconstruct the same view. It is grounded on this
// repository's teacher package's persist/load pair for a tree+data file
// pair (vectordb/mem/set.go), generalized from a single document pair
// into a (data file, manifest file) pair keyed by directory sequence.
package checkpoint

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/coredb/pagestore/blobstore"
	"github.com/coredb/pagestore/directory"
	"github.com/coredb/pagestore/page"
)

// checkpointReadConcurrency bounds how many blob reads a single
// DumpIncrementalCheckpoint call issues in parallel while assembling a
// new data file.
const checkpointReadConcurrency = 8

// Stats describes the outcome of one DumpIncrementalCheckpoint call.
type Stats struct {
	HasNewData       bool
	Sequence         uint64
	EntriesCopied    int
	DataBytesWritten int64
	DataURL          string
	ManifestURL      string
}

// Writer implements the CheckpointWriter component. Checkpoints are
// fully serialized against each other by the writer's own mutex; they
// may proceed concurrently with ordinary reads and writes against dir
// and blobs.
type Writer struct {
	dir   *directory.Directory
	blobs *blobstore.Store
	cfg   config

	rootURL string

	mu      sync.Mutex
	lastSeq uint64
}

// New constructs a Writer that copies local blob bytes from blobs,
// reads the directory state from dir, and names remote files under
// rootURL using the same "<root>/data_%020d.dat" convention the remote
// reader expects for any entry's DataLocation.FileID.
func New(dir *directory.Directory, blobs *blobstore.Store, rootURL string, opts ...Option) *Writer {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Writer{dir: dir, blobs: blobs, cfg: cfg, rootURL: rootURL}
}

// joinKey composes an object key from a configured root and a child
// path segment as TrimRight(root, "/") + "/" + TrimLeft(child, "/"), so
// the literal root "/" and roots with or without a trailing "/" all join
// with exactly one separator.
func joinKey(root, child string) string {
	return strings.TrimRight(root, "/") + "/" + strings.TrimLeft(child, "/")
}

func (w *Writer) dataURL(seq uint64) string {
	return joinKey(w.rootURL, fmt.Sprintf("data_%020d.dat", seq))
}

func (w *Writer) manifestURL(seq uint64) string {
	return joinKey(w.rootURL, fmt.Sprintf("manifest/manifest_%020d.bin", seq))
}

// CheckLifecyclePrecondition verifies that an expiry-tagging lifecycle
// rule marker already exists under rootURL, logging a warning if not.
// It never provisions the rule itself: the engine requires that rule to
// be configured externally, against the object store's bucket-level
// lifecycle policy, out of band from this process.
func (w *Writer) CheckLifecyclePrecondition(ctx context.Context, fs uploadStore) error {
	markerURL := joinKey(w.rootURL, ".lifecycle-configured")
	exists, err := fs.Exists(ctx, markerURL)
	if err != nil {
		return page.Wrap(page.KindRemoteFailure, "checkpoint.CheckLifecyclePrecondition", err)
	}
	if !exists {
		log.Printf("checkpoint: lifecycle rule precondition marker missing at %s; configure bucket-level object expiry externally", markerURL)
	}
	return nil
}

// CanSkipCheckpoint takes the checkpoint mutex, creates a fresh
// snapshot, and reports whether its sequence matches the last
// successful checkpoint's, meaning the directory has not changed since.
func (w *Writer) CanSkipCheckpoint() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap := w.dir.CreateSnapshot("checkpoint-probe")
	defer w.dir.ReleaseSnapshot(snap)
	return snap.Sequence == w.lastSeq
}

// DumpIncrementalCheckpoint runs the full checkpoint pipeline: snapshot,
// dump, copy not-yet-persisted bytes into a fresh data file, write the
// manifest, ship both, and fold the new checkpoint_info back into the
// live directory. The snapshot is held for the whole call so the
// garbage collector cannot reclaim blob bytes this checkpoint still
// needs to read.
func (w *Writer) DumpIncrementalCheckpoint(ctx context.Context, opts DumpOptions) (Stats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := w.dir.CreateSnapshot("checkpoint")
	defer w.dir.ReleaseSnapshot(snap)
	if snap.Sequence == w.lastSeq {
		return Stats{HasNewData: false, Sequence: snap.Sequence}, nil
	}

	edit := w.dir.DumpSnapshotToEdit(snap)
	seq := snap.Sequence
	if opts.OverrideSequence != nil {
		seq = *opts.OverrideSequence
	}

	exclude := map[page.FileID]bool{}
	if opts.CompactGetter != nil {
		for _, id := range opts.CompactGetter() {
			exclude[id] = true
		}
	}

	dataPath, err := tempFilePath("pagestore-checkpoint-data-*.dat")
	if err != nil {
		return Stats{}, err
	}
	defer os.Remove(dataPath)
	manifestPath, err := tempFilePath("pagestore-checkpoint-manifest-*.bin")
	if err != nil {
		return Stats{}, err
	}
	defer os.Remove(manifestPath)

	builder, err := newDataFileBuilder(dataPath, dataFileHeader{
		WriterInfo:      opts.WriterInfo,
		SourceSequence:  seq,
		PreviousSeq:     w.lastSeq,
		MustLockedFiles: opts.MustLockedFiles,
	})
	if err != nil {
		return Stats{}, err
	}

	pending := make([]int, 0, len(edit.Entries))
	for i := range edit.Entries {
		ee := &edit.Entries[i]
		if ee.Entry == nil {
			continue
		}
		e := ee.Entry
		if e.CheckpointInfo != nil {
			continue // already has a remote replica from an earlier checkpoint
		}
		if exclude[e.FileID] {
			continue // mid-rewrite by a concurrent compaction; retry next round
		}
		pending = append(pending, i)
	}

	// Fetch payloads concurrently, but append them to the data file in a
	// fixed order so each record's offset is deterministic regardless of
	// fetch completion order.
	payloads := make([][]byte, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkpointReadConcurrency)
	for slot, idx := range pending {
		slot, idx := slot, idx
		g.Go(func() error {
			payload, err := w.blobs.Read(gctx, edit.Entries[idx].Entry, nil)
			if err != nil {
				return err
			}
			payloads[slot] = payload
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = builder.f.Close()
		return Stats{}, err
	}

	newData := false
	copied := 0
	for slot, idx := range pending {
		e := edit.Entries[idx].Entry
		payload := payloads[slot]
		offset, err := builder.writeRecord(e.PageID, payload, page.Checksum(w.cfg.checksum, payload))
		if err != nil {
			return Stats{}, err
		}
		e.CheckpointInfo = &page.CheckpointInfo{
			DataLocation: page.DataLocation{FileID: page.FileID(seq), Offset: offset, Size: uint32(len(payload))},
		}
		newData = true
		copied++
	}
	dataBytes := builder.cursor
	if err := builder.finish(); err != nil {
		return Stats{}, err
	}

	manifestBytes := directory.EncodeEdit(edit)
	if err := os.WriteFile(manifestPath, manifestBytes, 0o644); err != nil {
		return Stats{}, page.Wrap(page.KindIoFailure, "checkpoint.DumpIncrementalCheckpoint", err)
	}

	dataURL := w.dataURL(seq)
	manifestURL := w.manifestURL(seq)
	ok, err := opts.PersistCheckpoint(dataPath, dataURL, manifestPath, manifestURL)
	if err != nil {
		return Stats{}, page.Wrap(page.KindRemoteFailure, "checkpoint.DumpIncrementalCheckpoint", err)
	}
	if !ok {
		return Stats{HasNewData: false, Sequence: snap.Sequence}, nil
	}

	if newData {
		w.dir.CopyCheckpointInfoFromEdit(edit)
	}
	w.lastSeq = seq

	return Stats{
		HasNewData:       true,
		Sequence:         seq,
		EntriesCopied:    copied,
		DataBytesWritten: dataBytes,
		DataURL:          dataURL,
		ManifestURL:      manifestURL,
	}, nil
}

// LastCheckpointSequence returns the sequence of the most recently
// successful checkpoint, or 0 if none has run yet this process.
func (w *Writer) LastCheckpointSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// ResumeFrom seeds the writer's last-checkpoint bookkeeping after a
// restart, from whatever sequence the lock manager's recorded manifest
// prefix corresponds to.
func (w *Writer) ResumeFrom(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeq = seq
}

func tempFilePath(pattern string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", page.Wrap(page.KindIoFailure, "checkpoint.tempFilePath", err)
	}
	path := f.Name()
	_ = f.Close()
	return path, nil
}
