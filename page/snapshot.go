package page

// Snapshot is an immutable directory view pinned at a sequence. It holds
// no strong references into mutable directory nodes, only the sequence
// itself plus whatever retention bookkeeping the Directory keeps per
// sequence; this breaks cyclic ownership between snapshots and the
// directory.
type Snapshot struct {
	Sequence uint64
	Tag      string
}
