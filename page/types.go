package page

// Location is a byte range within a local blob file.
type Location struct {
	FileID FileID
	Offset uint64
	Size   uint32
}

// DataLocation is a byte range within a remote (checkpoint) data file.
type DataLocation struct {
	FileID FileID
	Offset uint64
	Size   uint32
}

// FieldOffset marks one intra-page field boundary, enabling partial reads.
type FieldOffset struct {
	Offset uint32
	Size   uint32
}

// CheckpointInfo is attached to an Entry once its data also has a remote
// replica.
type CheckpointInfo struct {
	DataLocation         DataLocation
	IsLocalDataReclaimed bool
}

// Entry is a directory record locating a page's bytes, plus optional
// checkpoint metadata once the page has been persisted remotely.
type Entry struct {
	PageID         ID
	FileID         FileID
	Offset         uint64
	Size           uint32
	Tag            uint64
	Checksum       uint64
	FieldOffsets   []FieldOffset
	CheckpointInfo *CheckpointInfo
}

// Local reports whether e's bytes are still valid in a local blob file.
func (e *Entry) Local() bool {
	return e.CheckpointInfo == nil || !e.CheckpointInfo.IsLocalDataReclaimed
}

// Location returns e's local byte range.
func (e *Entry) Location() Location {
	return Location{FileID: e.FileID, Offset: e.Offset, Size: e.Size}
}

// Clone returns a deep copy of e, safe to mutate independently.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	if len(e.FieldOffsets) > 0 {
		out.FieldOffsets = append([]FieldOffset(nil), e.FieldOffsets...)
	}
	if e.CheckpointInfo != nil {
		ci := *e.CheckpointInfo
		out.CheckpointInfo = &ci
	}
	return &out
}

// Op identifies the kind of mutation an Edit entry carries.
type Op uint8

const (
	// OpPut installs a new local entry for a page_id.
	OpPut Op = iota
	// OpDel tombstones a page_id.
	OpDel
	// OpPutExternal installs an entry that only has a remote replica.
	OpPutExternal
	// OpUpdateRemoteCache installs a locally-cached replica of a
	// remote-only entry.
	OpUpdateRemoteCache
)

// EditEntry is one mutation inside an Edit.
type EditEntry struct {
	Op       Op
	PageID   ID
	Entry    *Entry // nil for OpDel
	LockID   string // lock this entry's remote reference depends on, if any
}

// Edit is an ordered batch of directory mutations, optionally carrying the
// lock IDs it depends on.
type Edit struct {
	Sequence uint64
	Entries  []EditEntry
	LockIDs  []string
}

// Append adds an entry to the edit and returns the edit for chaining.
func (e *Edit) Append(entry EditEntry) *Edit {
	e.Entries = append(e.Entries, entry)
	if entry.LockID != "" {
		e.LockIDs = append(e.LockIDs, entry.LockID)
	}
	return e
}

// WriteOp is a caller-visible operation in a WriteBatch, resolved to an
// EditEntry once BlobStore has placed any bytes it carries.
type WriteOp struct {
	Kind         Op
	PageID       ID
	Bytes        []byte // for OpPut / OpUpdateRemoteCache
	Tag          uint64
	FieldOffsets []FieldOffset
	RemoteLoc    DataLocation // for OpPutExternal
}

// WriteBatch is the caller-visible ordered list of write operations that
// BlobStore.Write resolves into an Edit.
type WriteBatch struct {
	Ops []WriteOp
}

// Put appends a put operation and returns the batch for chaining.
func (b *WriteBatch) Put(id ID, value []byte, tag uint64, fieldOffsets ...FieldOffset) *WriteBatch {
	b.Ops = append(b.Ops, WriteOp{Kind: OpPut, PageID: id, Bytes: value, Tag: tag, FieldOffsets: fieldOffsets})
	return b
}

// Del appends a delete operation and returns the batch for chaining.
func (b *WriteBatch) Del(id ID) *WriteBatch {
	b.Ops = append(b.Ops, WriteOp{Kind: OpDel, PageID: id})
	return b
}

// PutRemote appends a put-external operation and returns the batch for
// chaining.
func (b *WriteBatch) PutRemote(id ID, loc DataLocation) *WriteBatch {
	b.Ops = append(b.Ops, WriteOp{Kind: OpPutExternal, PageID: id, RemoteLoc: loc})
	return b
}

// UpdateRemotePage appends a write-back operation and returns the batch for
// chaining.
func (b *WriteBatch) UpdateRemotePage(id ID, value []byte) *WriteBatch {
	b.Ops = append(b.Ops, WriteOp{Kind: OpUpdateRemoteCache, PageID: id, Bytes: value})
	return b
}

// ManifestRecord is a persisted Edit plus metadata, forming one entry of
// the directory's log.
type ManifestRecord struct {
	Sequence  uint64
	Edit      Edit
	DurableAt int64 // unix nanos
}
