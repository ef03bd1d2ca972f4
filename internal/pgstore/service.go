// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ELesch/snakey-sub000/snakesync"
)

// entityService implements snakesync.DomainService for one table. All
// operations are ownership-checked against user_id; per-record consistency
// stays inside a single call's transaction.
type entityService struct {
	store *Store
	table snakesync.Table

	// afterWrite runs inside the create/update transaction, after the row is
	// written. Used for per-table invariants that touch sibling rows.
	afterWrite func(ctx context.Context, tx pgx.Tx, userID string, record *snakesync.Record) error
}

// Create inserts a record under a client-supplied id. It is upsert-like at
// the id level: replaying a CREATE whose response was lost returns the
// existing record instead of failing or duplicating.
func (e *entityService) Create(ctx context.Context, userID, parentID string, payload json.RawMessage) (*snakesync.Record, error) {
	fields, err := validatePayload(payload)
	if err != nil {
		return nil, err
	}
	recordID, ok := fields["id"].(string)
	if !ok || recordID == "" {
		return nil, snakesync.NewValidationError("payload missing record id")
	}
	if _, err := uuid.Parse(recordID); err != nil {
		return nil, snakesync.NewValidationError("record id %q is not a UUID", recordID)
	}

	var record *snakesync.Record
	err = pgx.BeginFunc(ctx, e.store.pool, func(tx pgx.Tx) error {
		if e.table.ParentKey() != "" {
			if err := e.checkParent(ctx, tx, userID, parentID); err != nil {
				return err
			}
		}

		var parentArg any
		if parentID != "" {
			parentArg = parentID
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO `+e.table.String()+` (id, user_id, parent_id, fields, created_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (id) DO NOTHING
			RETURNING id, user_id, parent_id, fields, created_at, updated_at
		`, recordID, userID, parentArg, payload)

		record, err = scanRecord(row)
		if errors.Is(err, pgx.ErrNoRows) {
			// Replay of an already-applied create: hand back the existing
			// record, ownership permitting.
			record, err = e.getInTx(ctx, tx, userID, recordID)
		}
		if err != nil {
			return err
		}
		return e.runAfterWrite(ctx, tx, userID, record)
	})
	if err != nil {
		return nil, classifyStoreError(err)
	}
	return record, nil
}

// Update replaces the record's fields and stamps updated_at.
func (e *entityService) Update(ctx context.Context, userID, id string, payload json.RawMessage) (*snakesync.Record, error) {
	if _, err := validatePayload(payload); err != nil {
		return nil, err
	}

	var record *snakesync.Record
	err := pgx.BeginFunc(ctx, e.store.pool, func(tx pgx.Tx) error {
		if _, err := e.getInTx(ctx, tx, userID, id); err != nil {
			return err
		}

		query, args, err := psql.
			Update(e.table.String()).
			Set("fields", payload).
			Set("updated_at", sq.Expr("now()")).
			Where(sq.Eq{"id": id, "user_id": userID}).
			Suffix("RETURNING id, user_id, parent_id, fields, created_at, updated_at").
			ToSql()
		if err != nil {
			return fmt.Errorf("build update query: %w", err)
		}

		record, err = scanRecord(tx.QueryRow(ctx, query, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return snakesync.NewNotFoundError("%s %s not found", e.table, id)
		}
		if err != nil {
			return err
		}
		return e.runAfterWrite(ctx, tx, userID, record)
	})
	if err != nil {
		return nil, classifyStoreError(err)
	}
	return record, nil
}

// Delete removes the record after an ownership check.
func (e *entityService) Delete(ctx context.Context, userID, id string) error {
	err := pgx.BeginFunc(ctx, e.store.pool, func(tx pgx.Tx) error {
		if _, err := e.getInTx(ctx, tx, userID, id); err != nil {
			return err
		}
		query, args, err := psql.
			Delete(e.table.String()).
			Where(sq.Eq{"id": id, "user_id": userID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build delete query: %w", err)
		}
		_, err = tx.Exec(ctx, query, args...)
		return err
	})
	return classifyStoreError(err)
}

// GetByID returns the record, enforcing ownership.
func (e *entityService) GetByID(ctx context.Context, userID, id string) (*snakesync.Record, error) {
	var record *snakesync.Record
	err := pgx.BeginFunc(ctx, e.store.pool, func(tx pgx.Tx) error {
		var err error
		record, err = e.getInTx(ctx, tx, userID, id)
		return err
	})
	if err != nil {
		return nil, classifyStoreError(err)
	}
	return record, nil
}

// getInTx fetches a record by id regardless of owner, then applies the
// ownership check: a record owned by someone else is FORBIDDEN, a missing
// one NOT_FOUND.
func (e *entityService) getInTx(ctx context.Context, tx pgx.Tx, userID, id string) (*snakesync.Record, error) {
	query, args, err := psql.
		Select(recordColumns...).
		From(e.table.String()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}

	record, err := scanRecord(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, snakesync.NewNotFoundError("%s %s not found", e.table, id)
	}
	if err != nil {
		return nil, err
	}
	if record.UserID != userID {
		return nil, snakesync.NewForbiddenError("%s %s belongs to another user", e.table, id)
	}
	return record, nil
}

// checkParent verifies the parent reptile exists and belongs to the user.
func (e *entityService) checkParent(ctx context.Context, tx pgx.Tx, userID, parentID string) error {
	if parentID == "" {
		return snakesync.NewValidationError("%s create requires a parent reptile id", e.table)
	}
	var ownerID string
	err := tx.QueryRow(ctx,
		`SELECT user_id FROM reptiles WHERE id = $1`, parentID).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return snakesync.NewNotFoundError("parent reptile %s not found", parentID)
	}
	if err != nil {
		return err
	}
	if ownerID != userID {
		return snakesync.NewForbiddenError("parent reptile %s belongs to another user", parentID)
	}
	return nil
}

func (e *entityService) runAfterWrite(ctx context.Context, tx pgx.Tx, userID string, record *snakesync.Record) error {
	if e.afterWrite == nil {
		return nil
	}
	return e.afterWrite(ctx, tx, userID, record)
}

// clearOtherPrimaryPhotos keeps the primary-photo invariant: at most one
// photo of a reptile carries isPrimary. It runs inside the same transaction
// as the write that set the flag, so a crash never leaves two primaries.
func clearOtherPrimaryPhotos(ctx context.Context, tx pgx.Tx, userID string, record *snakesync.Record) error {
	var fields map[string]any
	if err := json.Unmarshal(record.Fields, &fields); err != nil {
		return nil
	}
	if isPrimary, _ := fields["isPrimary"].(bool); !isPrimary {
		return nil
	}

	_, err := tx.Exec(ctx, `
		UPDATE photos
		SET fields = jsonb_set(fields, '{isPrimary}', 'false'), updated_at = now()
		WHERE user_id = $1 AND parent_id = $2 AND id <> $3
		  AND fields->>'isPrimary' = 'true'
	`, userID, record.ParentID, record.ID)
	return err
}

// validatePayload requires a non-empty JSON object.
func validatePayload(payload json.RawMessage) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, snakesync.NewValidationError("payload required")
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return nil, snakesync.NewValidationError("payload must be a JSON object")
	}
	return fields, nil
}

// classifyStoreError passes typed domain errors through and wraps anything
// else as INTERNAL_ERROR so it stays retryable client-side.
func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *snakesync.Error
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return snakesync.NewInternalError(err)
}
