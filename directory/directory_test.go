package directory

import (
	"errors"
	"testing"

	"github.com/coredb/pagestore/page"
)

func putEdit(id page.ID, fileID page.FileID, offset uint64, size uint32) *page.Edit {
	return (&page.Edit{}).Append(page.EditEntry{
		Op:     page.OpPut,
		PageID: id,
		Entry:  &page.Entry{PageID: id, FileID: fileID, Offset: offset, Size: size, Tag: 1},
	})
}

func TestDirectory_ApplyAndGet(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, WithSingleWriterLock(false))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if _, err := d.Apply(putEdit("a", 1, 0, 10)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	snap := d.CreateSnapshot("t1")
	defer d.ReleaseSnapshot(snap)

	e, err := d.GetByID("a", snap)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if e.Offset != 0 || e.Size != 10 {
		t.Fatalf("unexpected entry: %+v", e)
	}

	if _, err := d.GetByID("missing", snap); !errors.Is(err, page.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDirectory_SnapshotIsolation(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, WithSingleWriterLock(false))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if _, err := d.Apply(putEdit("a", 1, 0, 10)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	oldSnap := d.CreateSnapshot("old")
	defer d.ReleaseSnapshot(oldSnap)

	if _, err := d.Apply(putEdit("a", 1, 10, 20)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	newSnap := d.CreateSnapshot("new")
	defer d.ReleaseSnapshot(newSnap)

	oldEntry, err := d.GetByID("a", oldSnap)
	if err != nil {
		t.Fatalf("GetByID(old): %v", err)
	}
	if oldEntry.Offset != 0 {
		t.Fatalf("expected old snapshot to see offset 0, got %d", oldEntry.Offset)
	}

	newEntry, err := d.GetByID("a", newSnap)
	if err != nil {
		t.Fatalf("GetByID(new): %v", err)
	}
	if newEntry.Offset != 10 {
		t.Fatalf("expected new snapshot to see offset 10, got %d", newEntry.Offset)
	}
}

func TestDirectory_DeleteTombstones(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, WithSingleWriterLock(false))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if _, err := d.Apply(putEdit("a", 1, 0, 10)); err != nil {
		t.Fatalf("Apply put: %v", err)
	}
	delEdit := (&page.Edit{}).Append(page.EditEntry{Op: page.OpDel, PageID: "a"})
	if _, err := d.Apply(delEdit); err != nil {
		t.Fatalf("Apply del: %v", err)
	}
	snap := d.CreateSnapshot("")
	defer d.ReleaseSnapshot(snap)

	e, err := d.GetByIDOrNull("a", snap)
	if err != nil {
		t.Fatalf("GetByIDOrNull: %v", err)
	}
	if e != nil {
		t.Fatalf("expected tombstoned page to resolve nil, got %+v", e)
	}
}

func TestDirectory_RecoversAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, WithSingleWriterLock(false))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := d.Apply(putEdit("a", 1, 0, 10)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := d.Apply(putEdit("b", 1, 10, 20)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, WithSingleWriterLock(false))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	snap := reopened.CreateSnapshot("")
	defer reopened.ReleaseSnapshot(snap)
	ids := reopened.GetAllPageIDsWithPrefix("", snap)
	if len(ids) != 2 {
		t.Fatalf("expected 2 page ids after recovery, got %d: %v", len(ids), ids)
	}
}

func TestDirectory_CompactionPreservesState(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, WithSingleWriterLock(false), WithMaxLogBytesBeforeImage(1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	for i := 0; i < 5; i++ {
		if _, err := d.Apply(putEdit(page.ID(string(rune('a'+i))), 1, uint64(i*10), 10)); err != nil {
			t.Fatalf("Apply %d: %v", i, err)
		}
	}

	snap := d.CreateSnapshot("")
	defer d.ReleaseSnapshot(snap)
	ids := d.GetAllPageIDsWithPrefix("", snap)
	if len(ids) != 5 {
		t.Fatalf("expected 5 page ids after compaction, got %d", len(ids))
	}
}

func TestDirectory_UnreferencedEntriesRespectsLiveSnapshot(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, WithSingleWriterLock(false))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if _, err := d.Apply(putEdit("a", 1, 0, 10)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	pinned := d.CreateSnapshot("pinned")
	defer d.ReleaseSnapshot(pinned)

	if _, err := d.Apply(putEdit("a", 1, 10, 10)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := d.Apply(putEdit("a", 1, 20, 10)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	unreferenced := d.UnreferencedEntries()
	for _, e := range unreferenced {
		if e.Offset == 0 {
			t.Fatalf("entry pinned by live snapshot was reported unreferenced: %+v", e)
		}
	}

	pinnedEntry, err := d.GetByID("a", pinned)
	if err != nil {
		t.Fatalf("GetByID(pinned): %v", err)
	}
	if pinnedEntry.Offset != 0 {
		t.Fatalf("pinned snapshot entry changed after UnreferencedEntries: %+v", pinnedEntry)
	}
}

func TestDirectory_GetNormalPageIDFollowsAlias(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, WithSingleWriterLock(false))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	d.SetAlias("ref-1", "canonical-1")
	snap := d.CreateSnapshot("")
	defer d.ReleaseSnapshot(snap)

	if got := d.GetNormalPageID("ref-1", snap); got != "canonical-1" {
		t.Fatalf("expected alias resolution, got %q", got)
	}
	if got := d.GetNormalPageID("canonical-1", snap); got != "canonical-1" {
		t.Fatalf("expected identity for non-alias, got %q", got)
	}
}
