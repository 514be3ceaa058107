package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SyncEntry is one row of the sync log.
type SyncEntry struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Fetched    int
	Upserted   int
	Skipped    int
	// Error is empty for successful passes.
	Error string
}

// Succeeded reports whether the pass completed without error.
func (e *SyncEntry) Succeeded() bool {
	return e.Error == ""
}

// RecordSync appends the outcome of a reconciliation pass.
func (db *DB) RecordSync(ctx context.Context, entry SyncEntry) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}

	_, err = conn.ExecContext(ctx, `
	INSERT INTO sync_log (started_at, finished_at, fetched, upserted, skipped, error)
	VALUES (?, ?, ?, ?, ?, ?)
	`,
		entry.StartedAt.UnixMilli(),
		entry.FinishedAt.UnixMilli(),
		entry.Fetched,
		entry.Upserted,
		entry.Skipped,
		entry.Error,
	)
	if err != nil {
		return storageErr("record sync", err)
	}
	return nil
}

// LastSync returns the most recent pass, or nil if none was recorded.
func (db *DB) LastSync(ctx context.Context) (*SyncEntry, error) {
	return db.lastSync(ctx, `SELECT started_at, finished_at, fetched, upserted, skipped, error
		FROM sync_log ORDER BY id DESC LIMIT 1`)
}

// LastSuccessfulSync returns the most recent pass that completed without
// error, or nil if there has been none.
func (db *DB) LastSuccessfulSync(ctx context.Context) (*SyncEntry, error) {
	return db.lastSync(ctx, `SELECT started_at, finished_at, fetched, upserted, skipped, error
		FROM sync_log WHERE error = '' ORDER BY id DESC LIMIT 1`)
}

func (db *DB) lastSync(ctx context.Context, query string) (*SyncEntry, error) {
	conn, err := db.handle()
	if err != nil {
		return nil, err
	}

	var entry SyncEntry
	var started, finished int64
	err = conn.QueryRowContext(ctx, query).Scan(
		&started,
		&finished,
		&entry.Fetched,
		&entry.Upserted,
		&entry.Skipped,
		&entry.Error,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("read sync log", err)
	}

	entry.StartedAt = time.UnixMilli(started)
	entry.FinishedAt = time.UnixMilli(finished)
	return &entry, nil
}

// PruneSyncLog keeps only the newest keep entries.
func (db *DB) PruneSyncLog(ctx context.Context, keep int) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}

	_, err = conn.ExecContext(ctx, `
	DELETE FROM sync_log WHERE id NOT IN (
		SELECT id FROM sync_log ORDER BY id DESC LIMIT ?
	)`, keep)
	if err != nil {
		return storageErr("prune sync log", err)
	}
	return nil
}
