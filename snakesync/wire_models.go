// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package snakesync

import (
	"encoding/json"
	"fmt"
	"time"
)

// REST/JSON models for the sync API. Transport-agnostic: the HTTP handlers
// and the sqlite client both marshal exactly these shapes.

// Operation is the write intent kind carried by a queue entry.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the three known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// SyncOperation is a single write intent as sent over the wire. It is
// stateless, constructed from a queue entry at send time.
type SyncOperation struct {
	Op              Operation       `json:"operation"`
	RecordID        string          `json:"recordId"`
	Payload         json.RawMessage `json:"payload,omitempty"` // nil for DELETE
	ClientTimestamp time.Time       `json:"clientTimestamp"`   // local edit time, used for conflict detection
}

// TableOperation pairs an operation with its target table for batch push.
type TableOperation struct {
	Table     Table         `json:"table"`
	Operation SyncOperation `json:"operation"`
}

// BatchSyncRequest is the batch push request body.
type BatchSyncRequest struct {
	Operations []TableOperation `json:"operations"`
}

// SyncResult is the outcome of one processed operation. Every operation in
// a batch yields exactly one result, success or failure, index-aligned with
// the request.
type SyncResult struct {
	Success      bool      `json:"success"`
	RecordID     string    `json:"recordId"`
	Record       *Record   `json:"record,omitempty"`       // server state after a successful apply
	Conflict     bool      `json:"conflict,omitempty"`     // server version was newer; payload not applied
	ServerRecord *Record   `json:"serverRecord,omitempty"` // winning server state on conflict
	Error        string    `json:"error,omitempty"`
	ErrorType    ErrorType `json:"errorType,omitempty"`
}

// BatchSyncResponse is the batch push response body.
type BatchSyncResponse struct {
	Results []SyncResult `json:"results"`
}

// ChangesSinceResult carries every record modified strictly after a cursor,
// one array per table, plus the server clock reading to use as the next
// cursor. The cursor is the only durable sync-progress state a client keeps.
type ChangesSinceResult struct {
	Reptiles        []*Record `json:"reptiles"`
	Feedings        []*Record `json:"feedings"`
	Sheds           []*Record `json:"sheds"`
	Measurements    []*Record `json:"measurements"`
	EnvironmentLogs []*Record `json:"environmentLogs"`
	Photos          []*Record `json:"photos"`

	ServerTimestamp time.Time `json:"serverTimestamp"`
}

// RecordsFor returns the result array for the given table.
func (r *ChangesSinceResult) RecordsFor(table Table) []*Record {
	switch table {
	case TableReptiles:
		return r.Reptiles
	case TableFeedings:
		return r.Feedings
	case TableSheds:
		return r.Sheds
	case TableMeasurements:
		return r.Measurements
	case TableEnvironmentLogs:
		return r.EnvironmentLogs
	case TablePhotos:
		return r.Photos
	default:
		panic(fmt.Sprintf("no change array for table %v", table))
	}
}

// setRecords stores the result array for the given table.
func (r *ChangesSinceResult) setRecords(table Table, records []*Record) {
	switch table {
	case TableReptiles:
		r.Reptiles = records
	case TableFeedings:
		r.Feedings = records
	case TableSheds:
		r.Sheds = records
	case TableMeasurements:
		r.Measurements = records
	case TableEnvironmentLogs:
		r.EnvironmentLogs = records
	case TablePhotos:
		r.Photos = records
	default:
		panic(fmt.Sprintf("no change array for table %v", table))
	}
}

// ErrorResponse is the HTTP error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// successResult builds the result for an applied operation.
func successResult(recordID string, record *Record) SyncResult {
	return SyncResult{Success: true, RecordID: recordID, Record: record}
}

// conflictResult builds the result for a server-wins conflict.
func conflictResult(recordID string, serverRecord *Record) SyncResult {
	return SyncResult{
		Success:      false,
		RecordID:     recordID,
		Conflict:     true,
		ServerRecord: serverRecord,
		Error:        "server record is newer than client edit",
		ErrorType:    ErrorTypeConflict,
	}
}

// failureResult classifies err into the result for a failed operation.
func failureResult(recordID string, err error) SyncResult {
	return SyncResult{
		Success:   false,
		RecordID:  recordID,
		Error:     err.Error(),
		ErrorType: Classify(err),
	}
}
