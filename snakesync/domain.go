// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package snakesync

import (
	"context"
	"encoding/json"
	"time"
)

// Record is the server-side envelope for one entity row. Fields holds the
// entity's own columns as raw JSON; the envelope carries only what the sync
// protocol itself needs (identity, ownership, timestamps).
type Record struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId,omitempty"`
	ParentID  string          `json:"reptileId,omitempty"` // empty for reptiles
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt,omitzero"` // zero for never-updated rows
	Fields    json.RawMessage `json:"fields,omitempty"`
}

// ModifiedAt returns the record's last modification time: UpdatedAt, or
// CreatedAt for rows that have never been updated (append-only tables keep
// no updated timestamp at all).
func (r *Record) ModifiedAt() time.Time {
	if !r.UpdatedAt.IsZero() {
		return r.UpdatedAt
	}
	return r.CreatedAt
}

// DomainService is the per-table business-logic contract the coordinator
// dispatches to. Implementations perform ownership checks and their own
// per-record consistency; the coordinator treats them as black boxes that
// either return a record or a typed *Error.
//
// Create must be upsert-like at the id level: creating twice with the same
// client-supplied id yields one record, so replaying a confirmed CREATE
// (duplicate network response, crashed client) is harmless.
type DomainService interface {
	Create(ctx context.Context, userID, parentID string, payload json.RawMessage) (*Record, error)
	Update(ctx context.Context, userID, id string, payload json.RawMessage) (*Record, error)
	Delete(ctx context.Context, userID, id string) error
	GetByID(ctx context.Context, userID, id string) (*Record, error)
}

// Services holds one DomainService per table, injected at construction.
// A struct rather than a map keeps the set closed: forgetting a table is a
// construction-time error, not a nil dispatch at runtime.
type Services struct {
	Reptiles        DomainService
	Feedings        DomainService
	Sheds           DomainService
	Measurements    DomainService
	EnvironmentLogs DomainService
	Photos          DomainService
}

// ForTable returns the service owning the given table.
func (s *Services) ForTable(table Table) DomainService {
	switch table {
	case TableReptiles:
		return s.Reptiles
	case TableFeedings:
		return s.Feedings
	case TableSheds:
		return s.Sheds
	case TableMeasurements:
		return s.Measurements
	case TableEnvironmentLogs:
		return s.EnvironmentLogs
	case TablePhotos:
		return s.Photos
	default:
		return nil
	}
}

// complete reports whether every table has a service bound.
func (s *Services) complete() bool {
	for _, table := range AllTables() {
		if s.ForTable(table) == nil {
			return false
		}
	}
	return true
}

// ChangeFeed supplies the pull side of sync: per-table listings of records
// modified strictly after a cursor, against the store's own clock.
type ChangeFeed interface {
	ChangesSince(ctx context.Context, userID string, table Table, since time.Time) ([]*Record, error)
	ServerTime(ctx context.Context) (time.Time, error)
}
