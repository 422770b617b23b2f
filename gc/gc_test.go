package gc

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/coredb/pagestore/blobstore"
	"github.com/coredb/pagestore/directory"
	"github.com/coredb/pagestore/page"
)

func openTestGC(t *testing.T, opts ...Option) (*Collector, *directory.Directory, *blobstore.Store) {
	t.Helper()
	base := t.TempDir()
	dir, err := directory.Open(filepath.Join(base, "dir"))
	if err != nil {
		t.Fatalf("directory.Open: %v", err)
	}
	t.Cleanup(func() { _ = dir.Close() })
	blobs, err := blobstore.Open(filepath.Join(base, "blobs"), blobstore.WithMaxFileSize(1<<20))
	if err != nil {
		t.Fatalf("blobstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = blobs.Close() })
	return New(dir, blobs, opts...), dir, blobs
}

func put(t *testing.T, dir *directory.Directory, blobs *blobstore.Store, id page.ID, value []byte) {
	t.Helper()
	edit, err := blobs.Write((&page.WriteBatch{}).Put(id, value, 0))
	if err != nil {
		t.Fatalf("blobs.Write: %v", err)
	}
	if _, err := dir.Apply(edit); err != nil {
		t.Fatalf("dir.Apply: %v", err)
	}
}

func del(t *testing.T, dir *directory.Directory, id page.ID) {
	t.Helper()
	edit := (&page.Edit{}).Append(page.EditEntry{Op: page.OpDel, PageID: id})
	if _, err := dir.Apply(edit); err != nil {
		t.Fatalf("dir.Apply: %v", err)
	}
}

func TestCollector_FreesUnreferencedEntries(t *testing.T) {
	c, dir, blobs := openTestGC(t)
	put(t, dir, blobs, "a", []byte("hello"))
	put(t, dir, blobs, "a", []byte("world")) // supersedes, old version now prunable

	result, err := c.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FreedEntries == 0 {
		t.Fatalf("expected at least one freed entry")
	}
}

func TestCollector_PreservesLiveSnapshot(t *testing.T) {
	c, dir, blobs := openTestGC(t)
	put(t, dir, blobs, "a", []byte("v1"))
	snap := dir.CreateSnapshot("held")
	put(t, dir, blobs, "a", []byte("v2"))
	del(t, dir, "a")

	if _, err := c.Run(context.Background(), nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entry, err := dir.GetByID("a", snap)
	if err != nil {
		t.Fatalf("expected snapshot read to still resolve: %v", err)
	}
	got, err := blobs.Read(context.Background(), entry, nil)
	if err != nil {
		t.Fatalf("expected snapshot's blob bytes to survive GC: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("expected v1, got %q", got)
	}
	dir.ReleaseSnapshot(snap)
}

func TestCollector_RewritesSparseFileKeepingLiveEntryReadable(t *testing.T) {
	c, dir, blobs := openTestGC(t, WithLivenessThreshold(0.9))
	put(t, dir, blobs, "a", []byte("keep"))
	put(t, dir, blobs, "b", []byte("also-dead-weight-here"))
	del(t, dir, "b") // file now mostly dead relative to "a"

	before := len(blobs.FileIDs())
	if before == 0 {
		t.Fatalf("expected at least one blob file")
	}

	result, err := c.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.DidWork {
		t.Fatalf("expected the GC pass to report work done")
	}

	entry, err := dir.GetByID("a", dir.CreateSnapshot("after"))
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	got, err := blobs.Read(context.Background(), entry, nil)
	if err != nil {
		t.Fatalf("expected rewritten entry to remain readable: %v", err)
	}
	if string(got) != "keep" {
		t.Fatalf("expected keep, got %q", got)
	}
}

func TestCollector_AccumulatesRemoteValidSize(t *testing.T) {
	c, dir, blobs := openTestGC(t)
	put(t, dir, blobs, "a", []byte("x"))
	edit := (&page.Edit{}).Append(page.EditEntry{Op: page.OpPutExternal, PageID: "b", Entry: &page.Entry{
		PageID:         "b",
		CheckpointInfo: &page.CheckpointInfo{DataLocation: page.DataLocation{FileID: 42, Offset: 0, Size: 7}},
	}})
	if _, err := dir.Apply(edit); err != nil {
		t.Fatalf("dir.Apply: %v", err)
	}

	result, err := c.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.RemoteValidSize[page.FileID(42)] != 7 {
		t.Fatalf("expected remote valid size 7 for file 42, got %d", result.RemoteValidSize[page.FileID(42)])
	}
}
