package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/viant/afs/storage"

	"github.com/coredb/pagestore/page"
)

type fakeStore struct {
	objects    map[string][]byte
	failExists int // number of remaining Exists calls that should fail
	opens      int
}

func (f *fakeStore) Exists(ctx context.Context, url string, _ ...storage.Option) (bool, error) {
	if f.failExists > 0 {
		f.failExists--
		return false, errors.New("connection reset")
	}
	_, ok := f.objects[url]
	return ok, nil
}

func (f *fakeStore) OpenURL(ctx context.Context, url string, _ ...storage.Option) (io.ReadCloser, error) {
	f.opens++
	data, ok := f.objects[url]
	if !ok {
		return nil, errors.New("no such object")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func entryFor(loc page.DataLocation, checksum uint64) *page.Entry {
	return &page.Entry{
		PageID:         "p",
		Checksum:       checksum,
		CheckpointInfo: &page.CheckpointInfo{DataLocation: loc, IsLocalDataReclaimed: true},
	}
}

func TestReader_ReadsRangeAndVerifiesChecksum(t *testing.T) {
	payload := []byte("0123456789abcdef")
	fs := &fakeStore{objects: map[string][]byte{
		"root/data_00000000000000000001.dat": payload,
	}}
	want := payload[4:10]
	r := New("root", WithService(fs))
	loc := page.DataLocation{FileID: 1, Offset: 4, Size: 6}
	entry := entryFor(loc, page.Checksum(page.ChecksumCRC32, want))

	got, err := r.Read(context.Background(), entry)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestReader_ChecksumMismatchIsCorruption(t *testing.T) {
	payload := []byte("0123456789abcdef")
	fs := &fakeStore{objects: map[string][]byte{
		"root/data_00000000000000000001.dat": payload,
	}}
	r := New("root", WithService(fs))
	loc := page.DataLocation{FileID: 1, Offset: 0, Size: 4}
	entry := entryFor(loc, 0xdeadbeef)

	_, err := r.Read(context.Background(), entry)
	if !errors.Is(err, page.ErrCorruption) {
		t.Fatalf("expected ErrCorruption, got %v", err)
	}
}

func TestReader_NotFoundIsNonRetryable(t *testing.T) {
	fs := &fakeStore{objects: map[string][]byte{}}
	r := New("root", WithService(fs), WithMaxRetries(5), WithBackoff(time.Millisecond, time.Millisecond))
	loc := page.DataLocation{FileID: 99, Offset: 0, Size: 4}
	entry := entryFor(loc, 0)

	_, err := r.Read(context.Background(), entry)
	if !errors.Is(err, page.ErrRemoteGone) {
		t.Fatalf("expected ErrRemoteGone, got %v", err)
	}
	if fs.opens != 0 {
		t.Fatalf("expected no OpenURL attempts after Exists reported absent, got %d", fs.opens)
	}
}

func TestReader_TransientFailureRetriesThenSucceeds(t *testing.T) {
	payload := []byte("abcd")
	url := "root/data_00000000000000000002.dat"
	fs := &fakeStore{
		objects:    map[string][]byte{url: payload},
		failExists: 1,
	}
	r := New("root", WithService(fs), WithMaxRetries(2), WithBackoff(time.Millisecond, time.Millisecond))
	loc := page.DataLocation{FileID: 2, Offset: 0, Size: 4}
	entry := entryFor(loc, page.Checksum(page.ChecksumCRC32, payload))

	got, err := r.Read(context.Background(), entry)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestReader_NoCheckpointInfoIsPrecondition(t *testing.T) {
	fs := &fakeStore{objects: map[string][]byte{}}
	r := New("root", WithService(fs))
	_, err := r.Read(context.Background(), &page.Entry{PageID: "p"})
	if !errors.Is(err, page.ErrPreconditionViolation) {
		t.Fatalf("expected ErrPreconditionViolation, got %v", err)
	}
}
