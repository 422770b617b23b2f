package checkpoint

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/viant/bintly"

	"github.com/coredb/pagestore/page"
)

// dataFileHeader precedes the raw payload region of a checkpoint data
// file: writer identity, the snapshot sequence it was produced from, the
// sequence of the checkpoint before it, and the remote files that must
// stay lock-protected for this checkpoint to remain valid.
type dataFileHeader struct {
	WriterInfo      string
	SourceSequence  uint64
	PreviousSeq     uint64
	MustLockedFiles []page.FileID
}

func encodeDataHeader(h dataFileHeader) []byte {
	writers := bintly.NewWriters()
	w := writers.Get()
	w.String(h.WriterInfo)
	w.Int(int(h.SourceSequence))
	w.Int(int(h.PreviousSeq))
	w.Int(len(h.MustLockedFiles))
	for _, id := range h.MustLockedFiles {
		w.Int(int(id))
	}
	out := append([]byte(nil), w.Bytes()...)
	writers.Put(w)
	return out
}

func decodeDataHeader(data []byte) dataFileHeader {
	readers := bintly.NewReaders()
	r := readers.Get()
	_ = r.FromBytes(data)
	var h dataFileHeader
	r.String(&h.WriterInfo)
	var src, prev, n int
	r.Int(&src)
	r.Int(&prev)
	h.SourceSequence = uint64(src)
	h.PreviousSeq = uint64(prev)
	r.Int(&n)
	if n > 0 {
		h.MustLockedFiles = make([]page.FileID, n)
		for i := range h.MustLockedFiles {
			var id int
			r.Int(&id)
			h.MustLockedFiles[i] = page.FileID(id)
		}
	}
	readers.Put(r)
	return h
}

// dataIndexEntry records where one page's bytes landed inside the data
// file, in the same absolute-offset terms page.DataLocation uses.
type dataIndexEntry struct {
	PageID   page.ID
	Offset   uint64
	Size     uint32
	Checksum uint64
}

func encodeDataIndex(entries []dataIndexEntry) []byte {
	writers := bintly.NewWriters()
	w := writers.Get()
	w.Int(len(entries))
	for _, e := range entries {
		w.String(string(e.PageID))
		w.Int(int(e.Offset))
		w.Int(int(e.Size))
		w.Int(int(e.Checksum))
	}
	out := append([]byte(nil), w.Bytes()...)
	writers.Put(w)
	return out
}

func decodeDataIndex(data []byte) []dataIndexEntry {
	readers := bintly.NewReaders()
	r := readers.Get()
	_ = r.FromBytes(data)
	var n int
	r.Int(&n)
	out := make([]dataIndexEntry, n)
	for i := range out {
		var id string
		var off, sz, checksum int
		r.String(&id)
		r.Int(&off)
		r.Int(&sz)
		r.Int(&checksum)
		out[i] = dataIndexEntry{PageID: page.ID(id), Offset: uint64(off), Size: uint32(sz), Checksum: uint64(checksum)}
	}
	readers.Put(r)
	return out
}

// dataFileBuilder assembles a checkpoint data file on disk: a
// length-prefixed header, the raw payload bytes back to back (so a
// remote reader can range-read [offset, offset+size) exactly as it
// would from this repository's own local blob files), a length-prefixed
// trailing index, and an 8-byte footer pointing at the index so a
// reader never has to scan.
type dataFileBuilder struct {
	f      *os.File
	cursor int64
	index  []dataIndexEntry
}

func newDataFileBuilder(path string, header dataFileHeader) (*dataFileBuilder, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, page.Wrap(page.KindIoFailure, "checkpoint.newDataFileBuilder", err)
	}
	headerBytes := encodeDataHeader(header)
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(headerBytes)))
	if _, err := f.Write(lenBuf); err != nil {
		_ = f.Close()
		return nil, page.Wrap(page.KindIoFailure, "checkpoint.newDataFileBuilder", err)
	}
	if _, err := f.Write(headerBytes); err != nil {
		_ = f.Close()
		return nil, page.Wrap(page.KindIoFailure, "checkpoint.newDataFileBuilder", err)
	}
	return &dataFileBuilder{f: f, cursor: int64(4 + len(headerBytes))}, nil
}

// writeRecord appends payload at the builder's current cursor and
// returns its absolute offset. checksum is recorded in the trailing
// index so a reader can detect transport corruption of the data file
// independently of the directory entry's own checksum.
func (b *dataFileBuilder) writeRecord(id page.ID, payload []byte, checksum uint64) (uint64, error) {
	offset := b.cursor
	if len(payload) > 0 {
		if _, err := b.f.WriteAt(payload, offset); err != nil {
			return 0, page.Wrap(page.KindIoFailure, "checkpoint.writeRecord", err)
		}
	}
	b.cursor += int64(len(payload))
	b.index = append(b.index, dataIndexEntry{PageID: id, Offset: uint64(offset), Size: uint32(len(payload)), Checksum: checksum})
	return uint64(offset), nil
}

// finish writes the trailing index and footer, fsyncs, and closes.
func (b *dataFileBuilder) finish() error {
	sort.Slice(b.index, func(i, j int) bool { return b.index[i].PageID < b.index[j].PageID })
	indexBytes := encodeDataIndex(b.index)
	indexStart := b.cursor

	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(indexBytes)))
	if _, err := b.f.WriteAt(lenBuf, indexStart); err != nil {
		return page.Wrap(page.KindIoFailure, "checkpoint.finish", err)
	}
	if _, err := b.f.WriteAt(indexBytes, indexStart+4); err != nil {
		return page.Wrap(page.KindIoFailure, "checkpoint.finish", err)
	}
	footer := make([]byte, 8)
	binary.LittleEndian.PutUint64(footer, uint64(indexStart))
	footerAt := indexStart + 4 + int64(len(indexBytes))
	if _, err := b.f.WriteAt(footer, footerAt); err != nil {
		return page.Wrap(page.KindIoFailure, "checkpoint.finish", err)
	}
	if err := b.f.Sync(); err != nil {
		return page.Wrap(page.KindIoFailure, "checkpoint.finish", err)
	}
	return b.f.Close()
}

// ReadDataFileHeader loads just the header of a checkpoint data file,
// for diagnostic or restore tooling.
func ReadDataFileHeader(path string) (dataFileHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return dataFileHeader{}, page.Wrap(page.KindIoFailure, "checkpoint.ReadDataFileHeader", err)
	}
	defer f.Close()
	lenBuf := make([]byte, 4)
	if _, err := f.ReadAt(lenBuf, 0); err != nil {
		return dataFileHeader{}, page.Wrap(page.KindIoFailure, "checkpoint.ReadDataFileHeader", err)
	}
	headerLen := binary.LittleEndian.Uint32(lenBuf)
	headerBytes := make([]byte, headerLen)
	if _, err := f.ReadAt(headerBytes, 4); err != nil {
		return dataFileHeader{}, page.Wrap(page.KindIoFailure, "checkpoint.ReadDataFileHeader", err)
	}
	return decodeDataHeader(headerBytes), nil
}

// ReadDataFileIndex loads the trailing index of a checkpoint data file.
func ReadDataFileIndex(path string) ([]dataIndexEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, page.Wrap(page.KindIoFailure, "checkpoint.ReadDataFileIndex", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, page.Wrap(page.KindIoFailure, "checkpoint.ReadDataFileIndex", err)
	}
	if info.Size() < 8 {
		return nil, page.Wrap(page.KindCorruption, "checkpoint.ReadDataFileIndex", fmt.Errorf("file too small"))
	}
	footer := make([]byte, 8)
	if _, err := f.ReadAt(footer, info.Size()-8); err != nil {
		return nil, page.Wrap(page.KindIoFailure, "checkpoint.ReadDataFileIndex", err)
	}
	indexStart := int64(binary.LittleEndian.Uint64(footer))
	lenBuf := make([]byte, 4)
	if _, err := f.ReadAt(lenBuf, indexStart); err != nil {
		return nil, page.Wrap(page.KindIoFailure, "checkpoint.ReadDataFileIndex", err)
	}
	indexLen := binary.LittleEndian.Uint32(lenBuf)
	indexBytes := make([]byte, indexLen)
	if _, err := f.ReadAt(indexBytes, indexStart+4); err != nil {
		return nil, page.Wrap(page.KindIoFailure, "checkpoint.ReadDataFileIndex", err)
	}
	return decodeDataIndex(indexBytes), nil
}
