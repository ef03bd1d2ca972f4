// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

// Package pgstore implements the six domain services and the change feed on
// Postgres. Every table shares one layout: an envelope of identity,
// ownership and timestamps plus a jsonb column holding the entity's own
// fields.
package pgstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ELesch/snakey-sub000/snakesync"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// recordColumns is the shared envelope selected for every table.
var recordColumns = []string{"id", "user_id", "parent_id", "fields", "created_at", "updated_at"}

// Store owns the connection pool and hands out per-table domain services.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a store over an existing pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Services returns one domain service per table, for injection into the
// coordinator.
func (s *Store) Services() *snakesync.Services {
	return &snakesync.Services{
		Reptiles:        &entityService{store: s, table: snakesync.TableReptiles},
		Feedings:        &entityService{store: s, table: snakesync.TableFeedings},
		Sheds:           &entityService{store: s, table: snakesync.TableSheds},
		Measurements:    &entityService{store: s, table: snakesync.TableMeasurements},
		EnvironmentLogs: &entityService{store: s, table: snakesync.TableEnvironmentLogs},
		Photos:          &entityService{store: s, table: snakesync.TablePhotos, afterWrite: clearOtherPrimaryPhotos},
	}
}

// ChangesSince implements snakesync.ChangeFeed with strictly-greater-than
// semantics on the modification timestamp. Rows that were never updated
// compare on their creation time.
func (s *Store) ChangesSince(ctx context.Context, userID string, table snakesync.Table, since time.Time) ([]*snakesync.Record, error) {
	query, args, err := psql.
		Select(recordColumns...).
		From(table.String()).
		Where(sq.Eq{"user_id": userID}).
		Where(sq.Gt{"COALESCE(updated_at, created_at)": since}).
		OrderBy("COALESCE(updated_at, created_at)", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build changes query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query changes for %s: %w", table, err)
	}
	defer rows.Close()

	var records []*snakesync.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// ServerTime reads the database clock, used as the pull cursor so client
// and server clock skew never loses changes.
func (s *Store) ServerTime(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("read server time: %w", err)
	}
	return now, nil
}

// rowScanner matches both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*snakesync.Record, error) {
	var record snakesync.Record
	var parentID *string
	var updatedAt *time.Time
	if err := row.Scan(&record.ID, &record.UserID, &parentID, &record.Fields,
		&record.CreatedAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	if parentID != nil {
		record.ParentID = *parentID
	}
	if updatedAt != nil {
		record.UpdatedAt = *updatedAt
	}
	return &record, nil
}
