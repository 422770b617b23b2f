package directory

import (
	"github.com/viant/bintly"

	"github.com/coredb/pagestore/page"
)

// encodeEdit and decodeEdit mirror the binary encode/decode pair the
// teacher package hand-writes for its own document type (EncodeBinary /
// DecodeBinary over a *bintly.Writer / *bintly.Reader): every field is
// written and read back in the same fixed order, with explicit
// presence flags in place of bintly's unconfirmed bool support.

// EncodeEdit serializes edit in the same binary format the manifest log
// persists, for reuse by any component that writes a directory edit to
// its own file (the checkpoint writer's manifest suffix).
func EncodeEdit(edit *page.Edit) []byte {
	writers := bintly.NewWriters()
	w := writers.Get()
	encodeEdit(w, edit)
	out := append([]byte(nil), w.Bytes()...)
	writers.Put(w)
	return out
}

// DecodeEdit parses bytes produced by EncodeEdit.
func DecodeEdit(data []byte) *page.Edit {
	readers := bintly.NewReaders()
	r := readers.Get()
	_ = r.FromBytes(data)
	edit := decodeEdit(r)
	readers.Put(r)
	return edit
}

func encodeEdit(w *bintly.Writer, edit *page.Edit) {
	w.Int(len(edit.Entries))
	for _, ee := range edit.Entries {
		w.Int(int(ee.Op))
		w.String(string(ee.PageID))
		w.String(ee.LockID)
		if ee.Entry == nil {
			w.Int(0)
			continue
		}
		w.Int(1)
		encodeEntry(w, ee.Entry)
	}
}

func decodeEdit(r *bintly.Reader) *page.Edit {
	edit := &page.Edit{}
	var n int
	r.Int(&n)
	for i := 0; i < n; i++ {
		var op int
		r.Int(&op)
		var id string
		r.String(&id)
		var lockID string
		r.String(&lockID)
		var hasEntry int
		r.Int(&hasEntry)
		ee := page.EditEntry{Op: page.Op(op), PageID: page.ID(id), LockID: lockID}
		if hasEntry == 1 {
			ee.Entry = decodeEntry(r)
		}
		edit.Append(ee)
	}
	return edit
}

func encodeEntry(w *bintly.Writer, e *page.Entry) {
	w.String(string(e.PageID))
	w.Int(int(e.FileID))
	w.Int(int(e.Offset))
	w.Int(int(e.Size))
	w.Int(int(e.Tag))
	w.Int(int(e.Checksum))
	w.Int(len(e.FieldOffsets))
	for _, fo := range e.FieldOffsets {
		w.Int(int(fo.Offset))
		w.Int(int(fo.Size))
	}
	if e.CheckpointInfo == nil {
		w.Int(0)
		return
	}
	w.Int(1)
	w.Int(int(e.CheckpointInfo.DataLocation.FileID))
	w.Int(int(e.CheckpointInfo.DataLocation.Offset))
	w.Int(int(e.CheckpointInfo.DataLocation.Size))
	reclaimed := 0
	if e.CheckpointInfo.IsLocalDataReclaimed {
		reclaimed = 1
	}
	w.Int(reclaimed)
}

func decodeEntry(r *bintly.Reader) *page.Entry {
	e := &page.Entry{}
	var id string
	r.String(&id)
	e.PageID = page.ID(id)
	var fileID, offset, size, tag, checksum int
	r.Int(&fileID)
	r.Int(&offset)
	r.Int(&size)
	r.Int(&tag)
	r.Int(&checksum)
	e.FileID = page.FileID(fileID)
	e.Offset = uint64(offset)
	e.Size = uint32(size)
	e.Tag = uint64(tag)
	e.Checksum = uint64(checksum)

	var nFields int
	r.Int(&nFields)
	if nFields > 0 {
		e.FieldOffsets = make([]page.FieldOffset, nFields)
		for i := range e.FieldOffsets {
			var off, sz int
			r.Int(&off)
			r.Int(&sz)
			e.FieldOffsets[i] = page.FieldOffset{Offset: uint32(off), Size: uint32(sz)}
		}
	}

	var hasCheckpoint int
	r.Int(&hasCheckpoint)
	if hasCheckpoint == 1 {
		var cfID, cOff, cSize, reclaimed int
		r.Int(&cfID)
		r.Int(&cOff)
		r.Int(&cSize)
		r.Int(&reclaimed)
		e.CheckpointInfo = &page.CheckpointInfo{
			DataLocation: page.DataLocation{
				FileID: page.FileID(cfID),
				Offset: uint64(cOff),
				Size:   uint32(cSize),
			},
			IsLocalDataReclaimed: reclaimed == 1,
		}
	}
	return e
}
