package lockmanager

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/storage"

	"github.com/coredb/pagestore/page"
)

// LockClient creates and deletes the zero-byte lock marker objects that
// pin a remote data file against cross-node garbage collection. Callers
// supply their own at InitStoreInfo; AFSLockClient is the default,
// object-store-backed implementation.
type LockClient interface {
	CreateMarker(ctx context.Context, fileID page.FileID, storeID string, holderSequence uint64) error
	DeleteMarker(ctx context.Context, fileID page.FileID, storeID string, holderSequence uint64) error
}

// markerStore is the slice of afs.Service a LockClient needs, grounded
// on indexer/set.go's fs.Upload / fs.Delete / fs.Exists usage.
type markerStore interface {
	Upload(ctx context.Context, URL string, mode os.FileMode, body io.Reader, options ...storage.Option) error
	Delete(ctx context.Context, URL string, options ...storage.Option) error
	Exists(ctx context.Context, URL string, options ...storage.Option) (bool, error)
}

// AFSLockClient stores lock markers as zero-byte objects under rootURL,
// keyed by (locked_file_id, holder_store_id, holder_sequence).
type AFSLockClient struct {
	fs      markerStore
	rootURL string
}

// NewAFSLockClient constructs a LockClient rooted at rootURL.
func NewAFSLockClient(rootURL string) *AFSLockClient {
	return &AFSLockClient{fs: afs.New(), rootURL: rootURL}
}

func (c *AFSLockClient) markerURL(fileID page.FileID, storeID string, holderSequence uint64) string {
	return fmt.Sprintf("%s/locks/%020d/%s/%020d", c.rootURL, uint64(fileID), storeID, holderSequence)
}

// CreateMarker uploads the zero-byte marker object without checking for
// an existing one; uploading the same (file, store, sequence) triple
// again only rewrites the same empty object, so retries are safe.
func (c *AFSLockClient) CreateMarker(ctx context.Context, fileID page.FileID, storeID string, holderSequence uint64) error {
	url := c.markerURL(fileID, storeID, holderSequence)
	if err := c.fs.Upload(ctx, url, 0o644, strings.NewReader("")); err != nil {
		return page.Wrap(page.KindRemoteFailure, "lockmanager.CreateMarker", err)
	}
	return nil
}

// DeleteMarker removes the marker object, tolerating it already being
// gone.
func (c *AFSLockClient) DeleteMarker(ctx context.Context, fileID page.FileID, storeID string, holderSequence uint64) error {
	url := c.markerURL(fileID, storeID, holderSequence)
	exists, err := c.fs.Exists(ctx, url)
	if err != nil {
		return page.Wrap(page.KindRemoteFailure, "lockmanager.DeleteMarker", err)
	}
	if !exists {
		return nil
	}
	if err := c.fs.Delete(ctx, url); err != nil {
		return page.Wrap(page.KindRemoteFailure, "lockmanager.DeleteMarker", err)
	}
	return nil
}
