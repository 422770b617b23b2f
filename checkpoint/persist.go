package checkpoint

import (
	"context"
	"io"
	"os"

	"github.com/viant/afs"
	"github.com/viant/afs/storage"

	"github.com/coredb/pagestore/page"
)

// uploadStore is the slice of afs.Service the default persist callback
// needs, grounded on vectordb/mem/set.go's fs.Exists / fs.Delete /
// fs.Upload persist() sequence.
type uploadStore interface {
	Exists(ctx context.Context, URL string, options ...storage.Option) (bool, error)
	Delete(ctx context.Context, URL string, options ...storage.Option) error
	Upload(ctx context.Context, URL string, mode os.FileMode, body io.Reader, options ...storage.Option) error
}

// AFSPersister ships checkpoint files to an object store through afs,
// skipping the upload (reporting no new data) when another writer has
// already published the same sequence.
type AFSPersister struct {
	fs uploadStore
}

// NewAFSPersister constructs an AFSPersister backed by afs.New().
func NewAFSPersister() *AFSPersister {
	return &AFSPersister{fs: afs.New()}
}

// Persist implements the DumpOptions.PersistCheckpoint signature.
func (p *AFSPersister) Persist(ctx context.Context) func(localDataPath, remoteDataURL, localManifestPath, remoteManifestURL string) (bool, error) {
	return func(localDataPath, remoteDataURL, localManifestPath, remoteManifestURL string) (bool, error) {
		if exists, err := p.fs.Exists(ctx, remoteDataURL); err != nil {
			return false, page.Wrap(page.KindRemoteFailure, "checkpoint.AFSPersister.Persist", err)
		} else if exists {
			return false, nil
		}
		if err := p.uploadFile(ctx, localDataPath, remoteDataURL); err != nil {
			return false, err
		}
		if err := p.uploadFile(ctx, localManifestPath, remoteManifestURL); err != nil {
			return false, err
		}
		return true, nil
	}
}

func (p *AFSPersister) uploadFile(ctx context.Context, localPath, remoteURL string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return page.Wrap(page.KindIoFailure, "checkpoint.AFSPersister.uploadFile", err)
	}
	defer f.Close()
	if exists, _ := p.fs.Exists(ctx, remoteURL); exists {
		_ = p.fs.Delete(ctx, remoteURL)
	}
	if err := p.fs.Upload(ctx, remoteURL, 0o644, f); err != nil {
		return page.Wrap(page.KindRemoteFailure, "checkpoint.AFSPersister.uploadFile", err)
	}
	return nil
}
