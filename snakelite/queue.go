// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package snakelite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ELesch/snakey-sub000/snakesync"
)

// EntryStatus is the lifecycle state of a queue entry.
//
// PENDING -> SYNCING -> {SYNCED (terminal, entry removed), FAILED}
// FAILED  -> PENDING only for transient (INTERNAL_ERROR) failures, with
// retry_count incremented. Validation/forbidden failures stay FAILED until
// the user edits and resubmits.
type EntryStatus string

const (
	StatusPending EntryStatus = "PENDING"
	StatusSyncing EntryStatus = "SYNCING"
	StatusFailed  EntryStatus = "FAILED"
	StatusSynced  EntryStatus = "SYNCED"
)

// QueueEntry is one durable write intent awaiting confirmation.
type QueueEntry struct {
	ID            string
	Table         snakesync.Table
	RecordID      string
	Op            snakesync.Operation
	Payload       json.RawMessage
	Status        EntryStatus
	RetryCount    int
	CreatedAt     time.Time
	LastError     string
	LastErrorType snakesync.ErrorType
}

// MutationQueue is the ordered, persistent log of pending write intents.
// It owns the _sync_queue table exclusively.
type MutationQueue struct {
	client *Client
}

// Enqueue appends a PENDING entry and returns its id.
func (q *MutationQueue) Enqueue(ctx context.Context, table snakesync.Table, op snakesync.Operation, recordID string, payload json.RawMessage) (string, error) {
	if recordID == "" {
		return "", fmt.Errorf("enqueue requires a record id")
	}
	q.client.writeMu.Lock()
	defer q.client.writeMu.Unlock()

	id := uuid.New().String()
	var payloadArg any
	if payload != nil {
		payloadArg = string(payload)
	}
	_, err := q.client.DB.ExecContext(ctx, `
		INSERT INTO _sync_queue (id, table_name, record_id, op, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, 'PENDING', ?)
	`, id, table.String(), recordID, string(op), payloadArg, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("enqueue %s on %s/%s: %w", op, table, recordID, err)
	}
	return id, nil
}

// ListPending returns all PENDING entries in FIFO insertion order.
func (q *MutationQueue) ListPending(ctx context.Context) ([]*QueueEntry, error) {
	rows, err := q.client.DB.QueryContext(ctx, `
		SELECT id, table_name, record_id, op, payload, status, retry_count, created_at, last_error, last_error_type
		FROM _sync_queue
		WHERE status = 'PENDING'
		ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListFailed returns all FAILED entries in FIFO insertion order.
func (q *MutationQueue) ListFailed(ctx context.Context) ([]*QueueEntry, error) {
	rows, err := q.client.DB.QueryContext(ctx, `
		SELECT id, table_name, record_id, op, payload, status, retry_count, created_at, last_error, last_error_type
		FROM _sync_queue
		WHERE status = 'FAILED'
		ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("query failed entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MarkSyncing transitions the given PENDING entries to SYNCING. Entries in
// any other state are left untouched.
func (q *MutationQueue) MarkSyncing(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q.client.writeMu.Lock()
	defer q.client.writeMu.Unlock()

	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := q.client.DB.ExecContext(ctx,
		`UPDATE _sync_queue SET status = 'SYNCING' WHERE status = 'PENDING' AND id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("mark entries syncing: %w", err)
	}
	return nil
}

// ResetSyncing returns in-flight entries to PENDING without counting a
// retry. Used when a batch's outcome is unknown (transport failure), so the
// next cycle replays the entries.
func (q *MutationQueue) ResetSyncing(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q.client.writeMu.Lock()
	defer q.client.writeMu.Unlock()

	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := q.client.DB.ExecContext(ctx,
		`UPDATE _sync_queue SET status = 'PENDING' WHERE status = 'SYNCING' AND id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("reset in-flight entries: %w", err)
	}
	return nil
}

// MarkSynced transitions a SYNCING entry to SYNCED and removes it. SYNCED
// is terminal; the entry is deleted only after the transition is observed,
// and never while still SYNCING.
func (q *MutationQueue) MarkSynced(ctx context.Context, id string) error {
	q.client.writeMu.Lock()
	defer q.client.writeMu.Unlock()

	tx, err := q.client.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark synced tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE _sync_queue SET status = 'SYNCED' WHERE id = ? AND status = 'SYNCING'`, id)
	if err != nil {
		return fmt.Errorf("mark entry synced: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark entry synced: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("entry %s is not SYNCING", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_queue WHERE id = ? AND status = 'SYNCED'`, id); err != nil {
		return fmt.Errorf("remove synced entry: %w", err)
	}
	return tx.Commit()
}

// MarkFailed transitions a SYNCING entry to FAILED, recording the failure.
func (q *MutationQueue) MarkFailed(ctx context.Context, id string, errType snakesync.ErrorType, message string) error {
	q.client.writeMu.Lock()
	defer q.client.writeMu.Unlock()

	_, err := q.client.DB.ExecContext(ctx, `
		UPDATE _sync_queue SET status = 'FAILED', last_error = ?, last_error_type = ?
		WHERE id = ? AND status = 'SYNCING'
	`, message, string(errType), id)
	if err != nil {
		return fmt.Errorf("mark entry failed: %w", err)
	}
	return nil
}

// RequeueTransient flips transiently-failed entries back to PENDING with an
// incremented retry count, up to maxRetries. Terminal failures
// (validation, forbidden, not-found, conflict) are never requeued; they
// wait for the user to edit and resubmit.
func (q *MutationQueue) RequeueTransient(ctx context.Context, maxRetries int) (int, error) {
	q.client.writeMu.Lock()
	defer q.client.writeMu.Unlock()

	res, err := q.client.DB.ExecContext(ctx, `
		UPDATE _sync_queue SET status = 'PENDING', retry_count = retry_count + 1
		WHERE status = 'FAILED' AND last_error_type = ? AND retry_count < ?
	`, string(snakesync.ErrorTypeInternal), maxRetries)
	if err != nil {
		return 0, fmt.Errorf("requeue transient failures: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue transient failures: %w", err)
	}
	return int(affected), nil
}

// Resubmit replaces a FAILED entry's payload and returns it to PENDING.
// This is the user-action path for terminal failures.
func (q *MutationQueue) Resubmit(ctx context.Context, id string, payload json.RawMessage) error {
	q.client.writeMu.Lock()
	defer q.client.writeMu.Unlock()

	var payloadArg any
	if payload != nil {
		payloadArg = string(payload)
	}
	res, err := q.client.DB.ExecContext(ctx, `
		UPDATE _sync_queue
		SET status = 'PENDING', payload = ?, last_error = NULL, last_error_type = NULL, retry_count = 0
		WHERE id = ? AND status = 'FAILED'
	`, payloadArg, id)
	if err != nil {
		return fmt.Errorf("resubmit entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resubmit entry: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("entry %s is not FAILED", id)
	}
	return nil
}

// PendingCount returns how many entries await push.
func (q *MutationQueue) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := q.client.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _sync_queue WHERE status IN ('PENDING','SYNCING')`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending entries: %w", err)
	}
	return count, nil
}

// FailedCounts returns failed entries split into terminal failures (which
// need user action) and transient ones (which will auto-retry).
func (q *MutationQueue) FailedCounts(ctx context.Context) (terminal, transient int, err error) {
	rows, err := q.client.DB.QueryContext(ctx,
		`SELECT last_error_type, COUNT(*) FROM _sync_queue WHERE status = 'FAILED' GROUP BY last_error_type`)
	if err != nil {
		return 0, 0, fmt.Errorf("count failed entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var errType sql.NullString
		var count int
		if err := rows.Scan(&errType, &count); err != nil {
			return 0, 0, fmt.Errorf("scan failed counts: %w", err)
		}
		if snakesync.ErrorType(errType.String).Retryable() {
			transient += count
		} else {
			terminal += count
		}
	}
	return terminal, transient, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]*QueueEntry, error) {
	var entries []*QueueEntry
	for rows.Next() {
		var entry QueueEntry
		var tableName, op, status, createdAt string
		var payload, lastError, lastErrorType sql.NullString

		if err := rows.Scan(&entry.ID, &tableName, &entry.RecordID, &op, &payload,
			&status, &entry.RetryCount, &createdAt, &lastError, &lastErrorType); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}

		table, err := snakesync.ParseTable(tableName)
		if err != nil {
			return nil, fmt.Errorf("queue entry %s: %w", entry.ID, err)
		}
		entry.Table = table
		entry.Op = snakesync.Operation(op)
		entry.Status = EntryStatus(status)
		if payload.Valid {
			entry.Payload = json.RawMessage(payload.String)
		}
		if createdAtParsed, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			entry.CreatedAt = createdAtParsed
		}
		entry.LastError = lastError.String
		entry.LastErrorType = snakesync.ErrorType(lastErrorType.String)

		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
