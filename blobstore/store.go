// Package blobstore implements the append-only placement of page bytes
// into bounded, local blob files, and serves reads by (file_id, offset,
// size). It is grounded on the append-only segment value store in this
// repository's teacher package (mmapstore): fixed-header framed records
// and best-fit allocation against a pool of open files. After a restart
// the free-space map is rebuilt from the manifest-recovered entries
// (RegisterPaths); blob files are never scanned or truncated.
package blobstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/coredb/pagestore/page"
)

// recordHeaderSize is [len:4][tag:8][checksum:8].
const recordHeaderSize = 4 + 8 + 8

// freeRange is a coalesced hole in a blob file, addressed at the record
// boundary (header included).
type freeRange struct {
	offset int64
	size   int64
}

type blobFile struct {
	mu   sync.Mutex // guards size, free, and serializes this file's I/O
	id   page.FileID
	path string
	f    *os.File
	size int64 // physical size / current tail
	free []freeRange
}

// Store is a pool of bounded, append-only blob files.
type Store struct {
	mu     sync.RWMutex
	dir    string
	cfg    config
	files  map[page.FileID]*blobFile
	hot    []*blobFile
	nextID uint64
	closed bool
}

// Open creates or opens a Store rooted at dir, scanning for existing blob
// files.
func Open(dir string, opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, page.Wrap(page.KindIoFailure, "blobstore.Open", err)
	}
	s := &Store{
		dir:   dir,
		cfg:   cfg,
		files: map[page.FileID]*blobFile{},
	}
	if err := s.scanExistingFiles(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) filePath(id page.FileID) string {
	return filepath.Join(s.dir, fmt.Sprintf("blob_%020d.dat", uint64(id)))
}

func (s *Store) scanExistingFiles() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return page.Wrap(page.KindIoFailure, "blobstore.scanExistingFiles", err)
	}
	var ids []page.FileID
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var n uint64
		if _, err := fmt.Sscanf(e.Name(), "blob_%020d.dat", &n); err == nil {
			ids = append(ids, page.FileID(n))
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		bf, err := s.openFile(id)
		if err != nil {
			return err
		}
		s.files[id] = bf
		if uint64(id) >= s.nextID {
			s.nextID = uint64(id) + 1
		}
	}
	return nil
}

func (s *Store) openFile(id page.FileID) (*blobFile, error) {
	path := s.filePath(id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, page.Wrap(page.KindIoFailure, "blobstore.openFile", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, page.Wrap(page.KindIoFailure, "blobstore.openFile", err)
	}
	return &blobFile{id: id, path: path, f: f, size: info.Size()}, nil
}

// RegisterPaths scans the blob directory for existing files and installs
// per-file free-space tracking using the manifest-recovered entries as
// the ground truth for which byte ranges are live. Recovery relies on
// the manifest, never on blob-file metadata, for determining tails.
func (s *Store) RegisterPaths(liveEntries []*page.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := map[page.FileID][]freeRange{}
	for _, e := range liveEntries {
		if e == nil || !e.Local() {
			continue
		}
		recStart := int64(e.Offset) - recordHeaderSize
		recSize := recordHeaderSize + int64(e.Size)
		live[e.FileID] = append(live[e.FileID], freeRange{offset: recStart, size: recSize})
	}
	for id, bf := range s.files {
		ranges := live[id]
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].offset < ranges[j].offset })
		bf.free = invertRanges(ranges, bf.size)
	}
	s.hot = s.pickHotFiles()
	return nil
}

// invertRanges computes the complement of the (sorted, non-overlapping)
// live ranges within [0, fileSize), i.e. the free holes.
func invertRanges(live []freeRange, fileSize int64) []freeRange {
	var free []freeRange
	var cursor int64
	for _, r := range live {
		if r.offset > cursor {
			free = append(free, freeRange{offset: cursor, size: r.offset - cursor})
		}
		cursor = r.offset + r.size
	}
	if cursor < fileSize {
		free = append(free, freeRange{offset: cursor, size: fileSize - cursor})
	}
	return free
}

func (s *Store) pickHotFiles() []*blobFile {
	ids := make([]page.FileID, 0, len(s.files))
	for id := range s.files {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	n := s.cfg.hotFileCount
	if n > len(ids) {
		n = len(ids)
	}
	hot := make([]*blobFile, 0, n)
	for i := 0; i < n; i++ {
		hot = append(hot, s.files[ids[i]])
	}
	return hot
}

// Write allocates space for every put-carrying op in batch, appends the
// bytes and fsyncs every touched file before returning, and returns the
// Edit describing the resulting directory mutations. No partial edit is
// ever applied on failure. Allocation against different files proceeds
// concurrently: s.mu only guards the file table and hot-file list, and
// each file's own mutex covers its free-space bookkeeping and writes.
func (s *Store) Write(batch *page.WriteBatch) (*page.Edit, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, page.ErrClosed
	}

	edit := &page.Edit{}
	touched := map[page.FileID]*blobFile{}

	for _, op := range batch.Ops {
		switch op.Kind {
		case page.OpPut, page.OpUpdateRemoteCache:
			entry, bf, err := s.allocateAndWrite(op.PageID, op.Bytes, op.Tag, op.FieldOffsets)
			if err != nil {
				return nil, err
			}
			touched[bf.id] = bf
			edit.Append(page.EditEntry{Op: op.Kind, PageID: op.PageID, Entry: entry})
		case page.OpDel:
			edit.Append(page.EditEntry{Op: page.OpDel, PageID: op.PageID})
		case page.OpPutExternal:
			entry := &page.Entry{
				PageID: op.PageID,
				CheckpointInfo: &page.CheckpointInfo{
					DataLocation:         op.RemoteLoc,
					IsLocalDataReclaimed: true,
				},
			}
			edit.Append(page.EditEntry{Op: page.OpPutExternal, PageID: op.PageID, Entry: entry})
		}
	}

	for _, bf := range touched {
		bf.mu.Lock()
		err := bf.f.Sync()
		bf.mu.Unlock()
		if err != nil {
			return nil, page.Wrap(page.KindIoFailure, "blobstore.Write", err)
		}
	}
	return edit, nil
}

func (s *Store) checksum(payload []byte) uint64 {
	return page.Checksum(s.cfg.checksum, payload)
}

// allocateAndWrite picks a file by best-fit over the hot pool, falling
// back to a new file, and appends the framed record. bestFit returns
// its chosen file already locked, so the fit decision and the write
// that consumes it stay atomic despite per-file rather than store-wide
// locking; this function releases that lock before returning.
func (s *Store) allocateAndWrite(id page.ID, value []byte, tag uint64, fields []page.FieldOffset) (*page.Entry, *blobFile, error) {
	needed := int64(recordHeaderSize + len(value))

	bf, recOffset := s.bestFit(needed)
	if bf == nil {
		var err error
		bf, err = s.newFile()
		if err != nil {
			return nil, nil, err
		}
		bf.mu.Lock()
		recOffset = bf.size
	}
	defer bf.mu.Unlock()

	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(value)))
	binary.LittleEndian.PutUint64(header[4:12], tag)
	checksum := s.checksum(value)
	binary.LittleEndian.PutUint64(header[12:20], checksum)

	if _, err := bf.f.WriteAt(header, recOffset); err != nil {
		return nil, nil, page.Wrap(page.KindIoFailure, "blobstore.allocateAndWrite", err)
	}
	if len(value) > 0 {
		if _, err := bf.f.WriteAt(value, recOffset+recordHeaderSize); err != nil {
			return nil, nil, page.Wrap(page.KindIoFailure, "blobstore.allocateAndWrite", err)
		}
	}
	end := recOffset + needed
	if end > bf.size {
		bf.size = end
	}
	s.consumeFree(bf, recOffset, needed)

	entry := &page.Entry{
		PageID:       id,
		FileID:       bf.id,
		Offset:       uint64(recOffset) + recordHeaderSize,
		Size:         uint32(len(value)),
		Tag:          tag,
		Checksum:     checksum,
		FieldOffsets: fields,
	}
	return entry, bf, nil
}

// bestFit scans the hot pool in order and returns the smallest free
// range that fits needed bytes among the files scanned, with that file's
// own mutex held; callers must release it. If a file with no fitting
// free range but with tail room is reached before any fitting range has
// been found, its tail is returned at once and later hot files are not
// examined. Returns (nil, 0) unlocked if nothing in the hot pool can
// take the write.
func (s *Store) bestFit(needed int64) (*blobFile, int64) {
	s.mu.RLock()
	hot := append([]*blobFile(nil), s.hot...)
	maxFileSize := s.cfg.maxFileSize
	s.mu.RUnlock()

	var best *blobFile
	var bestOffset int64
	bestSize := int64(-1)
	for _, bf := range hot {
		bf.mu.Lock()
		matched := false
		for _, fr := range bf.free {
			if fr.size < needed {
				continue
			}
			if bestSize == -1 || fr.size < bestSize {
				bestOffset, bestSize = fr.offset, fr.size
				matched = true
			}
		}
		if matched {
			if best != nil && best != bf {
				best.mu.Unlock()
			}
			best = bf
			continue
		}
		if best == nil && bf.size+needed <= maxFileSize {
			// fall back to appending at the tail of this hot file
			return bf, bf.size
		}
		bf.mu.Unlock()
	}
	return best, bestOffset
}

// consumeFree removes or shrinks the free range starting at offset that
// a just-completed write consumed. Caller must hold bf.mu.
func (s *Store) consumeFree(bf *blobFile, offset, size int64) {
	out := bf.free[:0]
	for _, fr := range bf.free {
		if fr.offset == offset && fr.size >= size {
			if fr.size > size {
				out = append(out, freeRange{offset: offset + size, size: fr.size - size})
			}
			continue
		}
		out = append(out, fr)
	}
	bf.free = out
}

func (s *Store) newFile() (*blobFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := page.FileID(s.nextID)
	s.nextID++
	bf, err := s.openFile(id)
	if err != nil {
		return nil, err
	}
	s.files[id] = bf
	s.hot = append([]*blobFile{bf}, s.hot...)
	if len(s.hot) > s.cfg.hotFileCount {
		s.hot = s.hot[:s.cfg.hotFileCount]
	}
	return bf, nil
}

// Read issues a positional read for a single entry, verifying its
// checksum, optionally throttled through limiter.
func (s *Store) Read(ctx context.Context, entry *page.Entry, limiter *rate.Limiter) ([]byte, error) {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, page.Wrap(page.KindIoFailure, "blobstore.Read", err)
		}
	}
	s.mu.RLock()
	bf := s.files[entry.FileID]
	s.mu.RUnlock()
	if bf == nil {
		return nil, page.Wrap(page.KindIoFailure, "blobstore.Read", fmt.Errorf("unknown file %d", entry.FileID))
	}
	return s.readFromLocked(bf, int64(entry.Offset), int(entry.Size))
}

// ReadBatch reads a set of entries, keyed by page id, throttled through
// limiter. Reads fan out across a bounded number of goroutines since
// positional reads against different underlying files don't contend.
func (s *Store) ReadBatch(ctx context.Context, entries []*page.Entry, limiter *rate.Limiter) (map[page.ID][]byte, error) {
	out := make(map[page.ID][]byte, len(entries))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readBatchConcurrency)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			bs, err := s.Read(gctx, e, limiter)
			if err != nil {
				return err
			}
			mu.Lock()
			out[e.PageID] = bs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

const readBatchConcurrency = 8

// FieldRead is one sub-range request against a stored page, selecting a
// field by index into the entry's FieldOffsets.
type FieldRead struct {
	Entry      *page.Entry
	FieldIndex int
}

// ReadFields reads only the requested sub-ranges using each entry's
// FieldOffsets.
func (s *Store) ReadFields(ctx context.Context, reqs []FieldRead, limiter *rate.Limiter) (map[page.ID][]byte, error) {
	out := make(map[page.ID][]byte, len(reqs))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readBatchConcurrency)
	for _, r := range reqs {
		r := r
		g.Go(func() error {
			if r.FieldIndex < 0 || r.FieldIndex >= len(r.Entry.FieldOffsets) {
				return page.Wrap(page.KindCorruption, "blobstore.ReadFields", fmt.Errorf("field index %d out of range", r.FieldIndex))
			}
			fo := r.Entry.FieldOffsets[r.FieldIndex]
			if limiter != nil {
				if err := limiter.Wait(gctx); err != nil {
					return page.Wrap(page.KindIoFailure, "blobstore.ReadFields", err)
				}
			}
			s.mu.RLock()
			bf := s.files[r.Entry.FileID]
			s.mu.RUnlock()
			if bf == nil {
				return page.Wrap(page.KindIoFailure, "blobstore.ReadFields", fmt.Errorf("unknown file %d", r.Entry.FileID))
			}
			buf := make([]byte, fo.Size)
			if _, err := bf.f.ReadAt(buf, int64(r.Entry.Offset)+int64(fo.Offset)); err != nil {
				return page.Wrap(page.KindIoFailure, "blobstore.ReadFields", err)
			}
			mu.Lock()
			out[r.Entry.PageID] = buf
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) readFromLocked(bf *blobFile, payloadOffset int64, size int) ([]byte, error) {
	buf := make([]byte, size)
	if size > 0 {
		if _, err := bf.f.ReadAt(buf, payloadOffset); err != nil {
			return nil, page.Wrap(page.KindIoFailure, "blobstore.Read", err)
		}
	}
	var headerBuf [recordHeaderSize]byte
	if _, err := bf.f.ReadAt(headerBuf[:], payloadOffset-recordHeaderSize); err != nil {
		return nil, page.Wrap(page.KindIoFailure, "blobstore.Read", err)
	}
	wantChecksum := binary.LittleEndian.Uint64(headerBuf[12:20])
	if s.checksum(buf) != wantChecksum {
		return nil, page.Wrap(page.KindCorruption, "blobstore.Read", fmt.Errorf("checksum mismatch at file %d offset %d", bf.id, payloadOffset))
	}
	return buf, nil
}

// Remove marks the byte ranges backing entries as free. It never deletes
// the underlying files; that is the garbage collector's responsibility.
func (s *Store) Remove(entries []*page.Entry) error {
	for _, e := range entries {
		if e == nil || !e.Local() {
			continue
		}
		s.mu.RLock()
		bf := s.files[e.FileID]
		s.mu.RUnlock()
		if bf == nil {
			continue
		}
		recStart := int64(e.Offset) - recordHeaderSize
		recSize := int64(recordHeaderSize) + int64(e.Size)
		bf.mu.Lock()
		bf.free = coalesce(append(bf.free, freeRange{offset: recStart, size: recSize}))
		bf.mu.Unlock()
	}
	return nil
}

func coalesce(ranges []freeRange) []freeRange {
	if len(ranges) < 2 {
		return ranges
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].offset < ranges[j].offset })
	out := ranges[:1]
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if last.offset+last.size == r.offset {
			last.size += r.size
			continue
		}
		out = append(out, r)
	}
	return out
}

// LivenessRatio returns, for a given file, the fraction of its physical
// size still occupied by live (non-free) bytes. Used by GC to pick
// rewrite candidates.
func (s *Store) LivenessRatio(id page.FileID) float64 {
	s.mu.RLock()
	bf := s.files[id]
	s.mu.RUnlock()
	if bf == nil {
		return 1
	}
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.size == 0 {
		return 1
	}
	var free int64
	for _, fr := range bf.free {
		free += fr.size
	}
	return 1 - float64(free)/float64(bf.size)
}

// FileIDs returns every blob file id currently tracked.
func (s *Store) FileIDs() []page.FileID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]page.FileID, 0, len(s.files))
	for id := range s.files {
		ids = append(ids, id)
	}
	return ids
}

// DeleteFile removes an emptied blob file from disk and from the pool.
// Callers must have already proven no live snapshot references it. The
// file is unlisted before being closed, so no new allocation can pick
// it up; its own mutex is then taken to wait out any write already in
// flight against it.
func (s *Store) DeleteFile(id page.FileID) error {
	s.mu.Lock()
	bf := s.files[id]
	if bf == nil {
		s.mu.Unlock()
		return nil
	}
	delete(s.files, id)
	hot := s.hot[:0]
	for _, h := range s.hot {
		if h.id != id {
			hot = append(hot, h)
		}
	}
	s.hot = hot
	s.mu.Unlock()

	bf.mu.Lock()
	defer bf.mu.Unlock()
	_ = bf.f.Close()
	if err := os.Remove(bf.path); err != nil && !os.IsNotExist(err) {
		return page.Wrap(page.KindIoFailure, "blobstore.DeleteFile", err)
	}
	return nil
}

// Close releases every open file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	files := make([]*blobFile, 0, len(s.files))
	for _, bf := range s.files {
		files = append(files, bf)
	}
	s.mu.Unlock()

	var firstErr error
	for _, bf := range files {
		bf.mu.Lock()
		err := bf.f.Close()
		bf.mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
