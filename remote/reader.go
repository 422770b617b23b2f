// Package remote fetches page bytes from the object store once their
// local blob range has been reclaimed, by way of the data-file byte
// range recorded in an entry's checkpoint_info. It is grounded on this
// repository's teacher package's thin afs.Service wrapper
// (indexer/fs/afs.go) and vectordb/mem/set.go's fs.OpenURL/fs.Exists
// usage, generalized from whole-file tree/data downloads into a
// byte-ranged read against an arbitrary data-file URL.
package remote

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/storage"

	"github.com/coredb/pagestore/page"
)

// ChecksumAlgorithm selects the integrity function used to verify
// fetched bytes, shared with blobstore and checkpoint.
type ChecksumAlgorithm = page.ChecksumAlgorithm

const (
	ChecksumCRC32       = page.ChecksumCRC32
	ChecksumHighwayHash = page.ChecksumHighwayHash
)

// objectStore is the slice of afs.Service this package needs, narrowed
// so tests can supply a fake without implementing afs.Service's full
// surface.
type objectStore interface {
	Exists(ctx context.Context, URL string, options ...storage.Option) (bool, error)
	OpenURL(ctx context.Context, URL string, options ...storage.Option) (io.ReadCloser, error)
}

// Reader fetches page bytes from the object store by data_location.
type Reader struct {
	cfg     config
	fs      objectStore
	rootURL string
}

// New constructs a Reader rooted at rootURL, the object-store location
// under which checkpoint data files are named (e.g. "s3://bucket/prefix").
func New(rootURL string, opts ...Option) *Reader {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	fs := cfg.svc
	if fs == nil {
		fs = afs.New()
	}
	return &Reader{cfg: cfg, fs: fs, rootURL: rootURL}
}

func (r *Reader) dataURL(fileID page.FileID) string {
	return fmt.Sprintf("%s/data_%020d.dat", r.rootURL, uint64(fileID))
}

// Read fetches the bytes located by entry.CheckpointInfo.DataLocation,
// verifying them against entry.Checksum. Results are identical in
// format to a BlobStore read.
func (r *Reader) Read(ctx context.Context, entry *page.Entry) ([]byte, error) {
	if entry.CheckpointInfo == nil {
		return nil, page.Wrap(page.KindPreconditionViolation, "remote.Read",
			fmt.Errorf("page %q has no checkpoint_info", entry.PageID))
	}
	loc := entry.CheckpointInfo.DataLocation
	data, err := r.fetch(ctx, loc)
	if err != nil {
		return nil, err
	}
	if page.Checksum(r.cfg.checksum, data) != entry.Checksum {
		return nil, page.Wrap(page.KindCorruption, "remote.Read",
			fmt.Errorf("checksum mismatch for page %q at remote file %d offset %d", entry.PageID, loc.FileID, loc.Offset))
	}
	return data, nil
}

// ReadBatch fetches every entry's remote bytes, returning the page ids
// that should be offered to the caller's write-back path
// (forCacheUpdate, mirroring B's update_local_cache_for_remote_pages)
// alongside every successfully returned payload.
func (r *Reader) ReadBatch(ctx context.Context, entries []*page.Entry) (forCacheUpdate []page.ID, returned map[page.ID][]byte, err error) {
	returned = make(map[page.ID][]byte, len(entries))
	for _, e := range entries {
		data, readErr := r.Read(ctx, e)
		if readErr != nil {
			return nil, nil, readErr
		}
		returned[e.PageID] = data
		forCacheUpdate = append(forCacheUpdate, e.PageID)
	}
	return forCacheUpdate, returned, nil
}

// fetch opens the remote data file at loc.FileID, discards to loc.Offset,
// and reads loc.Size bytes, retrying transient failures with bounded
// exponential backoff. A not-found response is non-retryable.
func (r *Reader) fetch(ctx context.Context, loc page.DataLocation) ([]byte, error) {
	url := r.dataURL(loc.FileID)
	backoff := r.cfg.backoffBase

	var lastErr error
	for attempt := 0; attempt <= r.cfg.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, page.Wrap(page.KindRemoteFailure, "remote.fetch", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > r.cfg.backoffMax {
				backoff = r.cfg.backoffMax
			}
		}

		data, err := r.fetchOnce(ctx, url, loc)
		if err == nil {
			return data, nil
		}
		if isNonRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (r *Reader) fetchOnce(ctx context.Context, url string, loc page.DataLocation) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.requestTimeout)
	defer cancel()

	exists, err := r.fs.Exists(ctx, url)
	if err != nil {
		return nil, page.Wrap(page.KindRemoteFailure, "remote.fetchOnce", err)
	}
	if !exists {
		return nil, page.Wrap(page.KindRemoteGone, "remote.fetchOnce", fmt.Errorf("data file %s not found", url))
	}

	rc, err := r.fs.OpenURL(ctx, url)
	if err != nil {
		return nil, page.Wrap(page.KindRemoteFailure, "remote.fetchOnce", err)
	}
	defer rc.Close()

	if loc.Offset > 0 {
		if _, err := io.CopyN(io.Discard, rc, int64(loc.Offset)); err != nil {
			return nil, page.Wrap(page.KindRemoteFailure, "remote.fetchOnce", err)
		}
	}
	buf := make([]byte, loc.Size)
	if _, err := io.ReadFull(rc, buf); err != nil {
		return nil, page.Wrap(page.KindRemoteFailure, "remote.fetchOnce", err)
	}
	return buf, nil
}

func isNonRetryable(err error) bool {
	var pe *page.Error
	if e, ok := err.(*page.Error); ok {
		pe = e
	}
	if pe == nil {
		return false
	}
	return pe.Kind == page.KindRemoteGone || pe.Kind == page.KindCorruption
}
