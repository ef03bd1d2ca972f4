// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package snakesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchChunkSize bounds how many operations of one batch are in flight
// against the domain services at a time. Chunks run sequentially; the
// operations within a chunk run concurrently.
const BatchChunkSize = 5

// Coordinator is the server-side entry point for sync. It validates the
// target table, runs conflict detection for updates, routes each operation
// to the owning domain service, and normalizes every outcome into one
// SyncResult shape. One operation's failure never aborts a batch.
type Coordinator struct {
	services *Services
	feed     ChangeFeed
	resolver *ConflictResolver
	logger   *slog.Logger
}

// NewCoordinator wires a coordinator from explicit per-table services and a
// change feed. Nothing here is a process-wide singleton; tests substitute
// fakes through the same constructor.
func NewCoordinator(services *Services, feed ChangeFeed, logger *slog.Logger) (*Coordinator, error) {
	if services == nil || !services.complete() {
		return nil, fmt.Errorf("coordinator requires a service for every table")
	}
	if feed == nil {
		return nil, fmt.Errorf("coordinator requires a change feed")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		services: services,
		feed:     feed,
		resolver: NewConflictResolver(logger),
		logger:   logger,
	}, nil
}

// ProcessSyncOperation applies a single operation and returns its result.
// Every domain failure is folded into the result; the only returned errors
// are protocol-level (invalid table or operation kind, cancelled context),
// which cannot be attributed to a specific record and signal a
// client/server version mismatch.
func (c *Coordinator) ProcessSyncOperation(ctx context.Context, userID string, table Table, op *SyncOperation) (*SyncResult, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("unsupported table %d", int(table))
	}
	if !op.Op.Valid() {
		return nil, fmt.Errorf("unsupported operation %q", op.Op)
	}

	svc := c.services.ForTable(table)

	switch op.Op {
	case OpCreate:
		return c.processCreate(ctx, svc, userID, table, op), nil
	case OpUpdate:
		return c.processUpdate(ctx, svc, userID, op)
	case OpDelete:
		return c.processDelete(ctx, svc, userID, op), nil
	default:
		return nil, fmt.Errorf("unsupported operation %q", op.Op)
	}
}

func (c *Coordinator) processCreate(ctx context.Context, svc DomainService, userID string, table Table, op *SyncOperation) *SyncResult {
	parentID, err := parentIDFromPayload(table, op.Payload)
	if err != nil {
		result := failureResult(op.RecordID, err)
		return &result
	}

	record, err := svc.Create(ctx, userID, parentID, op.Payload)
	if err != nil {
		c.logger.Warn("create failed", "table", table, "record_id", op.RecordID, "error", err)
		result := failureResult(op.RecordID, err)
		return &result
	}
	result := successResult(op.RecordID, record)
	return &result
}

func (c *Coordinator) processUpdate(ctx context.Context, svc DomainService, userID string, op *SyncOperation) (*SyncResult, error) {
	conflict, err := c.resolver.Check(ctx, svc, userID, op)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result := failureResult(op.RecordID, err)
		return &result, nil
	}
	if conflict != nil {
		return conflict, nil
	}

	record, err := svc.Update(ctx, userID, op.RecordID, op.Payload)
	if err != nil {
		c.logger.Warn("update failed", "record_id", op.RecordID, "error", err)
		result := failureResult(op.RecordID, err)
		return &result, nil
	}
	result := successResult(op.RecordID, record)
	return &result, nil
}

func (c *Coordinator) processDelete(ctx context.Context, svc DomainService, userID string, op *SyncOperation) *SyncResult {
	if err := svc.Delete(ctx, userID, op.RecordID); err != nil {
		c.logger.Warn("delete failed", "record_id", op.RecordID, "error", err)
		result := failureResult(op.RecordID, err)
		return &result
	}
	result := SyncResult{Success: true, RecordID: op.RecordID}
	return &result
}

// ProcessBatchSync applies a batch of operations in chunks of
// BatchChunkSize. The operations within a chunk run concurrently; the next
// chunk starts only after every result of the current chunk is in. Results
// are index-aligned with the input. A protocol-level error (unknown table)
// aborts the whole batch, since it cannot be pinned to a record.
func (c *Coordinator) ProcessBatchSync(ctx context.Context, userID string, ops []TableOperation) ([]SyncResult, error) {
	results := make([]SyncResult, len(ops))

	for chunkStart := 0; chunkStart < len(ops); chunkStart += BatchChunkSize {
		chunkEnd := chunkStart + BatchChunkSize
		if chunkEnd > len(ops) {
			chunkEnd = len(ops)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := chunkStart; i < chunkEnd; i++ {
			g.Go(func() error {
				op := ops[i]
				result, err := c.ProcessSyncOperation(gctx, userID, op.Table, &op.Operation)
				if err != nil {
					return err
				}
				results[i] = *result
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	return results, nil
}

// GetChangesSince collects, per table, every record of the user modified
// strictly after since. The server clock is read before the table scans, so
// a write landing mid-scan is re-delivered on the next pull rather than
// skipped.
func (c *Coordinator) GetChangesSince(ctx context.Context, userID string, since time.Time) (*ChangesSinceResult, error) {
	serverTime, err := c.feed.ServerTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("read server time: %w", err)
	}

	result := &ChangesSinceResult{ServerTimestamp: serverTime}
	for _, table := range AllTables() {
		records, err := c.feed.ChangesSince(ctx, userID, table, since)
		if err != nil {
			return nil, fmt.Errorf("changes for %s: %w", table, err)
		}
		if records == nil {
			records = []*Record{}
		}
		result.setRecords(table, records)
	}
	return result, nil
}

// parentIDFromPayload extracts the parent record id a CREATE needs for
// child tables. A missing or non-string parent id is a validation failure,
// never a crash.
func parentIDFromPayload(table Table, payload json.RawMessage) (string, error) {
	key := table.ParentKey()
	if key == "" {
		return "", nil
	}
	if len(payload) == 0 {
		return "", NewValidationError("payload required for %s create", table)
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", NewValidationError("malformed payload: %v", err)
	}
	raw, ok := fields[key]
	if !ok {
		return "", NewValidationError("payload missing %s", key)
	}
	parentID, ok := raw.(string)
	if !ok || parentID == "" {
		return "", NewValidationError("payload field %s must be a non-empty string", key)
	}
	return parentID, nil
}
