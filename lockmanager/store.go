package lockmanager

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/coredb/pagestore/page"
)

// db wraps the pure-Go sqlite driver, the same local coordination
// database shape this repository's teacher package uses for its writer
// lease table, generalized here into per-file pending-lock bookkeeping
// that survives a process restart.
type db struct {
	sql *sql.DB
}

func openDB(path string) (*db, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, page.Wrap(page.KindIoFailure, "lockmanager.openDB", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	} {
		_, _ = sqldb.Exec(pragma)
	}
	d := &db{sql: sqldb}
	if err := d.ensureSchema(); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	return d, nil
}

func (d *db) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pending_locks (
			lock_id TEXT PRIMARY KEY,
			locked_file_id INTEGER NOT NULL,
			holder_store_id TEXT NOT NULL,
			holder_sequence INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('holder_sequence','0');`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('last_manifest_prefix','');`,
	}
	for _, s := range stmts {
		if _, err := d.sql.Exec(s); err != nil {
			return page.Wrap(page.KindIoFailure, "lockmanager.ensureSchema", err)
		}
	}
	return nil
}

func (d *db) nextHolderSequence(ctx context.Context) (uint64, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, page.Wrap(page.KindIoFailure, "lockmanager.nextHolderSequence", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cur uint64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='holder_sequence'`).Scan(&cur); err != nil {
		return 0, page.Wrap(page.KindIoFailure, "lockmanager.nextHolderSequence", err)
	}
	next := cur + 1
	if _, err := tx.ExecContext(ctx, `UPDATE meta SET value=? WHERE key='holder_sequence'`, fmt.Sprintf("%d", next)); err != nil {
		return 0, page.Wrap(page.KindIoFailure, "lockmanager.nextHolderSequence", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, page.Wrap(page.KindIoFailure, "lockmanager.nextHolderSequence", err)
	}
	return next, nil
}

func (d *db) insertPendingLock(ctx context.Context, lockID string, fileID page.FileID, storeID string, holderSeq uint64) error {
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO pending_locks(lock_id, locked_file_id, holder_store_id, holder_sequence, created_at) VALUES(?,?,?,?,CURRENT_TIMESTAMP)`,
		lockID, uint64(fileID), storeID, holderSeq)
	if err != nil {
		return page.Wrap(page.KindIoFailure, "lockmanager.insertPendingLock", err)
	}
	return nil
}

func (d *db) deletePendingLock(ctx context.Context, lockID string) error {
	_, err := d.sql.ExecContext(ctx, `DELETE FROM pending_locks WHERE lock_id=?`, lockID)
	if err != nil {
		return page.Wrap(page.KindIoFailure, "lockmanager.deletePendingLock", err)
	}
	return nil
}

type pendingLock struct {
	lockID    string
	fileID    page.FileID
	storeID   string
	holderSeq uint64
}

func (d *db) lockRow(ctx context.Context, lockID string) (pendingLock, error) {
	var pl pendingLock
	var fileID uint64
	err := d.sql.QueryRowContext(ctx, `SELECT lock_id, locked_file_id, holder_store_id, holder_sequence FROM pending_locks WHERE lock_id=?`, lockID).
		Scan(&pl.lockID, &fileID, &pl.storeID, &pl.holderSeq)
	if err != nil {
		return pendingLock{}, page.Wrap(page.KindIoFailure, "lockmanager.lockRow", err)
	}
	pl.fileID = page.FileID(fileID)
	return pl, nil
}

func (d *db) lockedFilesFor(ctx context.Context, storeID string) ([]page.FileID, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT DISTINCT locked_file_id FROM pending_locks WHERE holder_store_id=?`, storeID)
	if err != nil {
		return nil, page.Wrap(page.KindIoFailure, "lockmanager.lockedFilesFor", err)
	}
	defer rows.Close()
	var out []page.FileID
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, page.Wrap(page.KindIoFailure, "lockmanager.lockedFilesFor", err)
		}
		out = append(out, page.FileID(id))
	}
	return out, rows.Err()
}

func (d *db) lastManifestPrefix(ctx context.Context) (string, error) {
	var v string
	err := d.sql.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='last_manifest_prefix'`).Scan(&v)
	if err != nil {
		return "", page.Wrap(page.KindIoFailure, "lockmanager.lastManifestPrefix", err)
	}
	return v, nil
}

// setLastManifestPrefix stores the prefix that a later restart's
// InitStoreInfo reports; Manager.RecordCheckpointPrefix calls it after a
// successful checkpoint upload.
func (d *db) setLastManifestPrefix(ctx context.Context, prefix string) error {
	_, err := d.sql.ExecContext(ctx, `UPDATE meta SET value=? WHERE key='last_manifest_prefix'`, prefix)
	if err != nil {
		return page.Wrap(page.KindIoFailure, "lockmanager.setLastManifestPrefix", err)
	}
	return nil
}

func (d *db) close() error { return d.sql.Close() }
