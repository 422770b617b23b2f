// Package lockmanager ensures that, while this node references a
// remote data file through any directory entry, the object store holds
// a lock marker object preventing cross-node garbage collection from
// deleting that file. It is grounded on this repository's teacher
// package's sqlite writer-lease FSM (vectordb/coord/sqlite/db_sqlite.go),
// generalized from a single writer lease row into per-file lock rows
// keyed by (locked_file_id, holder_store_id, holder_sequence), plus its
// afs marker-object pattern for the object store side.
package lockmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coredb/pagestore/page"
)

// ExtraLockInfo is the set of lock descriptors a new checkpoint upload
// must carry so the files it introduces remain protected.
type ExtraLockInfo struct {
	StoreID         string
	MustLockedFiles []page.FileID
}

// Manager implements the LockManager component.
type Manager struct {
	cfg config
	db  *db

	mu       sync.Mutex
	storeID  string
	client   LockClient
	initOnce sync.Once
	initDone chan struct{}
}

// Open opens or creates the manager's local coordination database at
// path. InitStoreInfo must still be called before any store_id-requiring
// operation.
func Open(path string, opts ...Option) (*Manager, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	d, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, db: d, initDone: make(chan struct{})}, nil
}

// InitStoreInfo binds the manager to this node's identity and lock
// client, unblocking every call that requires store_id. It returns the
// manifest-path prefix of the last checkpoint this store successfully
// persisted (recorded via RecordCheckpointPrefix), or "" if none.
func (m *Manager) InitStoreInfo(ctx context.Context, storeID string, client LockClient) (string, error) {
	prefix, err := m.db.lastManifestPrefix(ctx)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.storeID = storeID
	m.client = client
	m.mu.Unlock()
	m.initOnce.Do(func() { close(m.initDone) })
	return prefix, nil
}

// RecordCheckpointPrefix is invoked after a successful checkpoint upload
// (pagestorage.Engine.DumpIncrementalCheckpoint does so) so a later
// restart's InitStoreInfo reports it.
func (m *Manager) RecordCheckpointPrefix(ctx context.Context, prefix string) error {
	return m.db.setLastManifestPrefix(ctx, prefix)
}

func (m *Manager) waitInit(ctx context.Context) (string, LockClient, error) {
	timer := time.NewTimer(m.cfg.initTimeout)
	defer timer.Stop()
	select {
	case <-m.initDone:
	case <-ctx.Done():
		return "", nil, page.Wrap(page.KindPreconditionViolation, "lockmanager.waitInit", ctx.Err())
	case <-timer.C:
		return "", nil, page.Wrap(page.KindPreconditionViolation, "lockmanager.waitInit",
			fmt.Errorf("store info not initialized within %s", m.cfg.initTimeout))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storeID, m.client, nil
}

// CreateLocksForWriteBatch creates a lock marker for every edit entry
// that introduces a new remote reference (OpPutExternal or
// OpUpdateRemoteCache), stamping each with a generated lock_id before
// the edit is applied. On any failure, every marker created so far in
// this call is rolled back and the call returns an error; no lock leaks.
func (m *Manager) CreateLocksForWriteBatch(ctx context.Context, edit *page.Edit) ([]string, error) {
	storeID, client, err := m.waitInit(ctx)
	if err != nil {
		return nil, err
	}

	var created []pendingLock
	rollback := func() {
		for _, pl := range created {
			_ = client.DeleteMarker(ctx, pl.fileID, pl.storeID, pl.holderSeq)
			_ = m.db.deletePendingLock(ctx, pl.lockID)
		}
	}

	var lockIDs []string
	for i := range edit.Entries {
		ee := &edit.Entries[i]
		if ee.Entry == nil || ee.Entry.CheckpointInfo == nil {
			continue
		}
		if ee.Op != page.OpPutExternal && ee.Op != page.OpUpdateRemoteCache {
			continue
		}
		fileID := ee.Entry.CheckpointInfo.DataLocation.FileID
		holderSeq, err := m.db.nextHolderSequence(ctx)
		if err != nil {
			rollback()
			return nil, err
		}
		if err := client.CreateMarker(ctx, fileID, storeID, holderSeq); err != nil {
			rollback()
			return nil, page.Wrap(page.KindLockFailure, "lockmanager.CreateLocksForWriteBatch", err)
		}
		lockID := uuid.NewString()
		if err := m.db.insertPendingLock(ctx, lockID, fileID, storeID, holderSeq); err != nil {
			_ = client.DeleteMarker(ctx, fileID, storeID, holderSeq)
			rollback()
			return nil, err
		}
		created = append(created, pendingLock{lockID: lockID, fileID: fileID, storeID: storeID, holderSeq: holderSeq})
		ee.LockID = lockID
		lockIDs = append(lockIDs, lockID)
	}
	edit.LockIDs = append(edit.LockIDs, lockIDs...)
	return lockIDs, nil
}

// CleanAppliedLocks releases the pending-lock bookkeeping for lockIDs
// once the edit that carried them has been durably applied. The marker
// object itself stays; ownership transferred to the directory's entry.
func (m *Manager) CleanAppliedLocks(ctx context.Context, lockIDs []string) error {
	for _, id := range lockIDs {
		if err := m.db.deletePendingLock(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// AbortLocks is the compensating release for lockIDs created by
// CreateLocksForWriteBatch whose edit never reached a durable apply: it
// deletes both the marker object and the pending-lock bookkeeping, so no
// Pending state survives an apply failure that happens after locks were
// already created.
func (m *Manager) AbortLocks(ctx context.Context, lockIDs []string) error {
	_, client, err := m.waitInit(ctx)
	if err != nil {
		return err
	}
	for _, id := range lockIDs {
		pl, err := m.db.lockRow(ctx, id)
		if err != nil {
			continue // already cleaned up or never created
		}
		_ = client.DeleteMarker(ctx, pl.fileID, pl.storeID, pl.holderSeq)
		if err := m.db.deletePendingLock(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// AllocateNewUploadLocksInfo produces the lock descriptors a new
// checkpoint upload must carry, covering every file with a pending lock
// of this store: one created by CreateLocksForWriteBatch and not yet
// released by CleanAppliedLocks or AbortLocks. Files whose bookkeeping
// CleanAppliedLocks has released are not included, although their
// marker objects remain.
func (m *Manager) AllocateNewUploadLocksInfo(ctx context.Context) (ExtraLockInfo, error) {
	storeID, _, err := m.waitInit(ctx)
	if err != nil {
		return ExtraLockInfo{}, err
	}
	files, err := m.db.lockedFilesFor(ctx, storeID)
	if err != nil {
		return ExtraLockInfo{}, err
	}
	return ExtraLockInfo{StoreID: storeID, MustLockedFiles: files}, nil
}

// Close releases the coordination database.
func (m *Manager) Close() error {
	return m.db.close()
}
