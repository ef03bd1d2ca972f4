// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package snakelite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ELesch/snakey-sub000/snakesync"
)

// SyncStatus marks whether a mirror row matches the server's version.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
)

// ErrNotFound is returned when a mirror row does not exist.
var ErrNotFound = errors.New("snakelite: record not found")

// MirrorRecord is the local last-known copy of one entity.
type MirrorRecord struct {
	Table        snakesync.Table
	RecordID     string
	Payload      json.RawMessage
	SyncStatus   SyncStatus
	LastModified time.Time
}

// MirrorStore is the on-device read cache of server entities. All reads are
// servable while fully offline; writes never touch the network. Write
// ownership: the orchestrator and the optimistic-update paths, never the
// server directly.
//
// Optimistic writes snapshot the prior value, so a terminal sync failure is
// reverted through one uniform compensating action instead of per-call-site
// rollback.
type MirrorStore struct {
	client *Client
}

// Get returns the mirror row for (table, id), or ErrNotFound.
func (m *MirrorStore) Get(ctx context.Context, table snakesync.Table, recordID string) (*MirrorRecord, error) {
	row := m.client.DB.QueryRowContext(ctx, `
		SELECT payload, sync_status, last_modified FROM _sync_mirror
		WHERE table_name = ? AND record_id = ?
	`, table.String(), recordID)

	record := &MirrorRecord{Table: table, RecordID: recordID}
	var payload, status, modified string
	if err := row.Scan(&payload, &status, &modified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get mirror record: %w", err)
	}
	record.Payload = json.RawMessage(payload)
	record.SyncStatus = SyncStatus(status)
	if parsed, err := time.Parse(time.RFC3339Nano, modified); err == nil {
		record.LastModified = parsed
	}
	return record, nil
}

// Query returns every row of a table matching the predicate, in record-id
// order. The predicate runs in-process over the stored JSON.
func (m *MirrorStore) Query(ctx context.Context, table snakesync.Table, predicate func(json.RawMessage) bool) ([]*MirrorRecord, error) {
	rows, err := m.client.DB.QueryContext(ctx, `
		SELECT record_id, payload, sync_status, last_modified FROM _sync_mirror
		WHERE table_name = ?
		ORDER BY record_id
	`, table.String())
	if err != nil {
		return nil, fmt.Errorf("query mirror table %s: %w", table, err)
	}
	defer rows.Close()

	var records []*MirrorRecord
	for rows.Next() {
		record := &MirrorRecord{Table: table}
		var payload, status, modified string
		if err := rows.Scan(&record.RecordID, &payload, &status, &modified); err != nil {
			return nil, fmt.Errorf("scan mirror record: %w", err)
		}
		record.Payload = json.RawMessage(payload)
		record.SyncStatus = SyncStatus(status)
		if parsed, err := time.Parse(time.RFC3339Nano, modified); err == nil {
			record.LastModified = parsed
		}
		if predicate == nil || predicate(record.Payload) {
			records = append(records, record)
		}
	}
	return records, rows.Err()
}

// Put overwrites (table, id) with a confirmed server-side version and drops
// any undo snapshot: after a successful sync response the mirror always
// reflects the server, speculative local versions included.
func (m *MirrorStore) Put(ctx context.Context, table snakesync.Table, recordID string, payload json.RawMessage, modified time.Time) error {
	m.client.writeMu.Lock()
	defer m.client.writeMu.Unlock()

	tx, err := m.client.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mirror put tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertMirrorRow(ctx, tx, table, recordID, payload, SyncStatusSynced, modified); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _sync_mirror_undo WHERE table_name = ? AND record_id = ?`,
		table.String(), recordID); err != nil {
		return fmt.Errorf("drop undo snapshot: %w", err)
	}
	return tx.Commit()
}

// PutOptimistic writes a speculative local version, snapshotting the prior
// row (or its absence) the first time so Revert can restore it. Repeated
// optimistic puts keep the original snapshot.
func (m *MirrorStore) PutOptimistic(ctx context.Context, table snakesync.Table, recordID string, payload json.RawMessage) error {
	m.client.writeMu.Lock()
	defer m.client.writeMu.Unlock()

	tx, err := m.client.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin optimistic put tx: %w", err)
	}
	defer tx.Rollback()

	if err := snapshotPriorRow(ctx, tx, table, recordID); err != nil {
		return err
	}
	if err := upsertMirrorRow(ctx, tx, table, recordID, payload, SyncStatusPending, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteOptimistic removes the local row speculatively, snapshotting it for
// Revert.
func (m *MirrorStore) DeleteOptimistic(ctx context.Context, table snakesync.Table, recordID string) error {
	m.client.writeMu.Lock()
	defer m.client.writeMu.Unlock()

	tx, err := m.client.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin optimistic delete tx: %w", err)
	}
	defer tx.Rollback()

	if err := snapshotPriorRow(ctx, tx, table, recordID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _sync_mirror WHERE table_name = ? AND record_id = ?`,
		table.String(), recordID); err != nil {
		return fmt.Errorf("delete mirror record: %w", err)
	}
	return tx.Commit()
}

// Delete removes (table, id) and any undo snapshot. Used when the server
// confirms a deletion or a pulled change supersedes the row.
func (m *MirrorStore) Delete(ctx context.Context, table snakesync.Table, recordID string) error {
	m.client.writeMu.Lock()
	defer m.client.writeMu.Unlock()

	tx, err := m.client.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mirror delete tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _sync_mirror WHERE table_name = ? AND record_id = ?`,
		table.String(), recordID); err != nil {
		return fmt.Errorf("delete mirror record: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _sync_mirror_undo WHERE table_name = ? AND record_id = ?`,
		table.String(), recordID); err != nil {
		return fmt.Errorf("drop undo snapshot: %w", err)
	}
	return tx.Commit()
}

// Revert restores (table, id) to its snapshotted prior value: the previous
// row if one existed, otherwise removal of the speculative insert. A no-op
// when no snapshot exists.
func (m *MirrorStore) Revert(ctx context.Context, table snakesync.Table, recordID string) error {
	m.client.writeMu.Lock()
	defer m.client.writeMu.Unlock()

	tx, err := m.client.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revert tx: %w", err)
	}
	defer tx.Rollback()

	var hadRow bool
	var prevPayload, prevStatus, prevModified sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT had_row, prev_payload, prev_status, prev_modified FROM _sync_mirror_undo
		WHERE table_name = ? AND record_id = ?
	`, table.String(), recordID).Scan(&hadRow, &prevPayload, &prevStatus, &prevModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read undo snapshot: %w", err)
	}

	if hadRow {
		modified := time.Now().UTC()
		if parsed, perr := time.Parse(time.RFC3339Nano, prevModified.String); perr == nil {
			modified = parsed
		}
		if err := upsertMirrorRow(ctx, tx, table, recordID,
			json.RawMessage(prevPayload.String), SyncStatus(prevStatus.String), modified); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM _sync_mirror WHERE table_name = ? AND record_id = ?`,
			table.String(), recordID); err != nil {
			return fmt.Errorf("remove speculative record: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _sync_mirror_undo WHERE table_name = ? AND record_id = ?`,
		table.String(), recordID); err != nil {
		return fmt.Errorf("drop undo snapshot: %w", err)
	}
	return tx.Commit()
}

// BulkPut overwrites a set of records with confirmed server versions in one
// transaction. Used by the pull phase. Only the entity fields are stored,
// the same shape optimistic writes use.
func (m *MirrorStore) BulkPut(ctx context.Context, table snakesync.Table, records []*snakesync.Record) error {
	if len(records) == 0 {
		return nil
	}
	m.client.writeMu.Lock()
	defer m.client.writeMu.Unlock()

	tx, err := m.client.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk put tx: %w", err)
	}
	defer tx.Rollback()

	for _, record := range records {
		payload := record.Fields
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		if err := upsertMirrorRow(ctx, tx, table, record.ID, payload, SyncStatusSynced, record.ModifiedAt()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM _sync_mirror_undo WHERE table_name = ? AND record_id = ?`,
			table.String(), record.ID); err != nil {
			return fmt.Errorf("drop undo snapshot: %w", err)
		}
	}
	return tx.Commit()
}

func upsertMirrorRow(ctx context.Context, tx *sql.Tx, table snakesync.Table, recordID string, payload json.RawMessage, status SyncStatus, modified time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_mirror (table_name, record_id, payload, sync_status, last_modified)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (table_name, record_id) DO UPDATE SET
			payload = excluded.payload,
			sync_status = excluded.sync_status,
			last_modified = excluded.last_modified
	`, table.String(), recordID, string(payload), string(status), modified.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert mirror record %s/%s: %w", table, recordID, err)
	}
	return nil
}

func snapshotPriorRow(ctx context.Context, tx *sql.Tx, table snakesync.Table, recordID string) error {
	var payload, status, modified string
	err := tx.QueryRowContext(ctx, `
		SELECT payload, sync_status, last_modified FROM _sync_mirror
		WHERE table_name = ? AND record_id = ?
	`, table.String(), recordID).Scan(&payload, &status, &modified)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO _sync_mirror_undo (table_name, record_id, had_row)
			VALUES (?, ?, 0)
		`, table.String(), recordID)
	case err == nil:
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO _sync_mirror_undo
				(table_name, record_id, had_row, prev_payload, prev_status, prev_modified)
			VALUES (?, ?, 1, ?, ?, ?)
		`, table.String(), recordID, payload, status, modified)
	default:
		return fmt.Errorf("read prior mirror record: %w", err)
	}
	if err != nil {
		return fmt.Errorf("snapshot prior record %s/%s: %w", table, recordID, err)
	}
	return nil
}
