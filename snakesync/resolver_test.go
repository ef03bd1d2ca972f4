// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package snakesync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeService is a constructor-injected DomainService stand-in.
type fakeService struct {
	mu          sync.Mutex
	records     map[string]*Record
	createCalls int
	updateCalls int
	deleteCalls int
	lastPayload json.RawMessage

	createErr error
	updateErr error
	deleteErr error
}

func newFakeService() *fakeService {
	return &fakeService{records: make(map[string]*Record)}
}

func (f *fakeService) Create(_ context.Context, userID, parentID string, payload json.RawMessage) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.lastPayload = payload
	if f.createErr != nil {
		return nil, f.createErr
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, NewValidationError("payload must be a JSON object")
	}
	id, _ := fields["id"].(string)
	if id == "" {
		return nil, NewValidationError("payload missing record id")
	}
	if existing, ok := f.records[id]; ok {
		return existing, nil // upsert-like at the id level
	}
	record := &Record{
		ID:        id,
		UserID:    userID,
		ParentID:  parentID,
		CreatedAt: time.Now().UTC(),
		Fields:    payload,
	}
	f.records[id] = record
	return record, nil
}

func (f *fakeService) Update(_ context.Context, userID, id string, payload json.RawMessage) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	f.lastPayload = payload
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	record, ok := f.records[id]
	if !ok {
		return nil, NewNotFoundError("record %s not found", id)
	}
	if record.UserID != userID {
		return nil, NewForbiddenError("record %s belongs to another user", id)
	}
	updated := *record
	updated.Fields = payload
	updated.UpdatedAt = time.Now().UTC()
	f.records[id] = &updated
	return &updated, nil
}

func (f *fakeService) Delete(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	record, ok := f.records[id]
	if !ok {
		return NewNotFoundError("record %s not found", id)
	}
	if record.UserID != userID {
		return NewForbiddenError("record %s belongs to another user", id)
	}
	delete(f.records, id)
	return nil
}

func (f *fakeService) GetByID(_ context.Context, userID, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return nil, NewNotFoundError("record %s not found", id)
	}
	if record.UserID != userID {
		return nil, NewForbiddenError("record %s belongs to another user", id)
	}
	return record, nil
}

func (f *fakeService) put(record *Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[record.ID] = record
}

func TestConflictResolver_ServerNewerWins(t *testing.T) {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	svc := newFakeService()
	svc.put(&Record{
		ID:        "rec-1",
		UserID:    "user-1",
		CreatedAt: base.Add(-time.Hour),
		UpdatedAt: base.Add(10 * time.Second),
		Fields:    json.RawMessage(`{"weightGrams":412}`),
	})

	resolver := NewConflictResolver(nil)
	result, err := resolver.Check(context.Background(), svc, "user-1", &SyncOperation{
		Op:              OpUpdate,
		RecordID:        "rec-1",
		Payload:         json.RawMessage(`{"weightGrams":390}`),
		ClientTimestamp: base,
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.False(t, result.Success)
	require.True(t, result.Conflict)
	require.Equal(t, ErrorTypeConflict, result.ErrorType)
	require.NotNil(t, result.ServerRecord)
	require.JSONEq(t, `{"weightGrams":412}`, string(result.ServerRecord.Fields))
	require.Zero(t, svc.updateCalls, "update must never be invoked on conflict")
}

func TestConflictResolver_ClientNewerProceeds(t *testing.T) {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	svc := newFakeService()
	svc.put(&Record{
		ID:        "rec-1",
		UserID:    "user-1",
		CreatedAt: base.Add(-time.Hour),
		UpdatedAt: base.Add(-10 * time.Second),
	})

	resolver := NewConflictResolver(nil)
	result, err := resolver.Check(context.Background(), svc, "user-1", &SyncOperation{
		Op:              OpUpdate,
		RecordID:        "rec-1",
		ClientTimestamp: base,
	})
	require.NoError(t, err)
	require.Nil(t, result)
}

func TestConflictResolver_AppendOnlyFallsBackToCreatedAt(t *testing.T) {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	svc := newFakeService()
	// Never-updated row: only created_at is set.
	svc.put(&Record{
		ID:        "log-1",
		UserID:    "user-1",
		CreatedAt: base.Add(10 * time.Second),
	})

	resolver := NewConflictResolver(nil)
	result, err := resolver.Check(context.Background(), svc, "user-1", &SyncOperation{
		Op:              OpUpdate,
		RecordID:        "log-1",
		ClientTimestamp: base,
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.True(t, result.Conflict)
}

func TestConflictResolver_MissingRecordIsNotAConflict(t *testing.T) {
	resolver := NewConflictResolver(nil)
	result, err := resolver.Check(context.Background(), newFakeService(), "user-1", &SyncOperation{
		Op:              OpUpdate,
		RecordID:        "ghost",
		ClientTimestamp: time.Now(),
	})
	require.NoError(t, err)
	require.Nil(t, result)
}
