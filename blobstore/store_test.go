package blobstore

import (
	"context"
	"errors"
	"testing"

	"github.com/coredb/pagestore/page"
)

func TestStore_WriteRead(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	batch := (&page.WriteBatch{}).Put(page.ID("a"), []byte{1, 2, 3}, 7)
	edit, err := s.Write(batch)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(edit.Entries) != 1 {
		t.Fatalf("expected 1 edit entry, got %d", len(edit.Entries))
	}
	entry := edit.Entries[0].Entry
	if entry.Tag != 7 {
		t.Fatalf("tag = %d, want 7", entry.Tag)
	}

	got, err := s.Read(context.Background(), entry, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "\x01\x02\x03" {
		t.Fatalf("got %v, want [1 2 3]", got)
	}
}

func TestStore_ChecksumMismatchIsCorruption(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, WithChecksumAlgorithm(ChecksumHighwayHash))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	batch := (&page.WriteBatch{}).Put(page.ID("a"), []byte("payload"), 0)
	edit, err := s.Write(batch)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	entry := edit.Entries[0].Entry

	// Corrupt the payload in place.
	bf := s.files[entry.FileID]
	if _, err := bf.f.WriteAt([]byte("X"), int64(entry.Offset)); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	if _, err := s.Read(context.Background(), entry, nil); !errors.Is(err, page.ErrCorruption) {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestStore_RemoveFreesSpaceForReuse(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	edit, err := s.Write((&page.WriteBatch{}).Put(page.ID("a"), make([]byte, 64), 0))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	entry := edit.Entries[0].Entry
	if err := s.Remove([]*page.Entry{entry}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ratio := s.LivenessRatio(entry.FileID); ratio != 0 {
		t.Fatalf("liveness ratio = %v, want 0 after removing the only entry", ratio)
	}
}

func TestStore_RegisterPathsRecoversFreeSpace(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	edit, err := s.Write((&page.WriteBatch{}).Put(page.ID("a"), []byte("keep"), 0))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	entry := edit.Entries[0].Entry
	_ = s.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if err := s2.RegisterPaths([]*page.Entry{entry}); err != nil {
		t.Fatalf("register paths: %v", err)
	}
	if ratio := s2.LivenessRatio(entry.FileID); ratio != 1 {
		t.Fatalf("liveness ratio = %v, want 1 for a file with one live entry and no slack", ratio)
	}
	got, err := s2.Read(context.Background(), entry, nil)
	if err != nil || string(got) != "keep" {
		t.Fatalf("read after register paths: %v, got %q", err, got)
	}
}
