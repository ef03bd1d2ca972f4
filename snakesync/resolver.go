// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package snakesync

import (
	"context"
	"errors"
	"log/slog"
)

// ConflictResolver implements last-write-wins conflict detection for UPDATE
// operations. The policy is whole-record: when the server copy is newer, the
// entire client payload is discarded, even if the two edits touched disjoint
// fields.
//
// The read-then-decide sequence is not atomic with a concurrent writer
// hitting the same record between the check and the apply; the design
// accepts eventual rather than strict consistency, so no conditional write
// is attempted here.
type ConflictResolver struct {
	logger *slog.Logger
}

// NewConflictResolver creates a resolver. A nil logger falls back to
// slog.Default().
func NewConflictResolver(logger *slog.Logger) *ConflictResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConflictResolver{logger: logger}
}

// Check fetches the current server record and compares timestamps. It
// returns a non-nil conflict result when the server version wins, nil when
// the update may proceed. A missing server record is not a conflict; the
// update itself will fail with NOT_FOUND if the record is genuinely gone.
func (cr *ConflictResolver) Check(ctx context.Context, svc DomainService, userID string, op *SyncOperation) (*SyncResult, error) {
	serverRecord, err := svc.GetByID(ctx, userID, op.RecordID)
	if err != nil {
		var domainErr *Error
		if errors.As(err, &domainErr) && domainErr.Type == ErrorTypeNotFound {
			return nil, nil
		}
		return nil, err
	}

	serverTimestamp := serverRecord.ModifiedAt()
	if serverTimestamp.After(op.ClientTimestamp) {
		cr.logger.Debug("update conflicts with newer server record",
			"record_id", op.RecordID,
			"server_timestamp", serverTimestamp,
			"client_timestamp", op.ClientTimestamp)
		result := conflictResult(op.RecordID, serverRecord)
		return &result, nil
	}

	return nil, nil
}
