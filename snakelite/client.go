// Package snakelite is the on-device half of the sync core: a sqlite-backed
// mutation queue and mirror store plus the orchestrator that drains them
// against the sync server.
//
// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package snakelite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Client owns the local sqlite database: the mutation queue, the mirror
// store, and the durable pull cursor. UI code reads the mirror at any time;
// writes funnel through the queue/mirror methods which serialize on writeMu
// to avoid sqlite lock contention.
type Client struct {
	DB     *sql.DB
	Queue  *MutationQueue
	Mirror *MirrorStore

	logger  *slog.Logger
	writeMu sync.Mutex
}

// Open opens (or creates) the sqlite database at path and initializes the
// sync metadata tables.
func Open(path string, logger *slog.Logger) (*Client, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	client, err := NewClient(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return client, nil
}

// NewClient wraps an existing sqlite handle and initializes the sync
// metadata tables.
func NewClient(db *sql.DB, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	client := &Client{
		DB:     db,
		logger: logger,
	}
	client.Queue = &MutationQueue{client: client}
	client.Mirror = &MirrorStore{client: client}
	return client, nil
}

// Close closes the underlying database.
func (c *Client) Close() error {
	return c.DB.Close()
}

func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	tables := []string{
		// Pending write intents, FIFO by rowid.
		`CREATE TABLE IF NOT EXISTS _sync_queue (
			id              TEXT NOT NULL PRIMARY KEY,
			table_name      TEXT NOT NULL,
			record_id       TEXT NOT NULL,
			op              TEXT NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			payload         TEXT,  -- JSON captured at enqueue time (NULL for DELETE)
			status          TEXT NOT NULL DEFAULT 'PENDING'
			                CHECK (status IN ('PENDING','SYNCING','FAILED','SYNCED')),
			retry_count     INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			last_error      TEXT,
			last_error_type TEXT
		)`,

		// Last-known copy of every visible entity, one row per (table, id).
		`CREATE TABLE IF NOT EXISTS _sync_mirror (
			table_name    TEXT NOT NULL,
			record_id     TEXT NOT NULL,
			payload       TEXT NOT NULL,
			sync_status   TEXT NOT NULL DEFAULT 'synced'
			              CHECK (sync_status IN ('synced','pending')),
			last_modified TEXT NOT NULL,
			PRIMARY KEY (table_name, record_id)
		)`,

		// Prior values of optimistic writes, kept until the server confirms
		// or the orchestrator reverts. had_row=0 marks a speculative insert
		// with nothing to restore.
		`CREATE TABLE IF NOT EXISTS _sync_mirror_undo (
			table_name    TEXT NOT NULL,
			record_id     TEXT NOT NULL,
			had_row       INTEGER NOT NULL,
			prev_payload  TEXT,
			prev_status   TEXT,
			prev_modified TEXT,
			PRIMARY KEY (table_name, record_id)
		)`,

		// Single-row sync progress state. The pull cursor is the only
		// durable progress kept across sessions.
		`CREATE TABLE IF NOT EXISTS _sync_client_info (
			id          INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
			pull_cursor TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("create sync table: %w", err)
		}
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON _sync_queue(status)`); err != nil {
		return fmt.Errorf("create queue status index: %w", err)
	}

	// Recover entries stranded in SYNCING by a crash mid-push: they were
	// never confirmed, so they go back to PENDING for the next drain.
	if _, err := db.Exec(`UPDATE _sync_queue SET status = 'PENDING' WHERE status = 'SYNCING'`); err != nil {
		return fmt.Errorf("recover stranded queue entries: %w", err)
	}

	if _, err := db.Exec(`INSERT OR IGNORE INTO _sync_client_info (id, pull_cursor) VALUES (1, '')`); err != nil {
		return fmt.Errorf("seed client info: %w", err)
	}

	return nil
}

// PullCursor returns the persisted pull cursor, zero time if no pull has
// succeeded yet.
func (c *Client) PullCursor(ctx context.Context) (time.Time, error) {
	var raw string
	err := c.DB.QueryRowContext(ctx, `SELECT pull_cursor FROM _sync_client_info WHERE id = 1`).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("read pull cursor: %w", err)
	}
	if raw == "" {
		return time.Time{}, nil
	}
	cursor, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse pull cursor %q: %w", raw, err)
	}
	return cursor, nil
}

// SetPullCursor persists the pull cursor.
func (c *Client) SetPullCursor(ctx context.Context, cursor time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.DB.ExecContext(ctx,
		`UPDATE _sync_client_info SET pull_cursor = ? WHERE id = 1`,
		cursor.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("persist pull cursor: %w", err)
	}
	return nil
}
