// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package snakelite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ELesch/snakey-sub000/snakesync"
)

const (
	// DefaultTickInterval is how often the orchestrator attempts a sync
	// cycle while online.
	DefaultTickInterval = 5 * time.Second

	// PushBatchSize is how many queue entries go to the server per batch.
	// The next batch starts only after every result of the current one has
	// been applied.
	PushBatchSize = 5

	// DefaultMaxRetries bounds automatic retries of transient failures.
	DefaultMaxRetries = 5
)

// Transport is the wire to the sync server. The production implementation
// is HTTPTransport; tests substitute fakes.
type Transport interface {
	PushBatch(ctx context.Context, ops []snakesync.TableOperation) ([]snakesync.SyncResult, error)
	PushOne(ctx context.Context, op snakesync.TableOperation) (*snakesync.SyncResult, error)
	PullChanges(ctx context.Context, since time.Time) (*snakesync.ChangesSinceResult, error)
}

// Orchestrator drives the push/pull cycle: it tracks connectivity, drains
// the mutation queue in bounded batches, reconciles results into queue and
// mirror, then pulls server-side changes behind the persisted cursor.
//
// Single-flight: one cycle at a time per instance. Timer ticks, reconnect
// nudges and manual Refresh all funnel through the same guard; a cycle in
// progress is never interrupted mid-batch.
type Orchestrator struct {
	client    *Client
	transport Transport
	logger    *slog.Logger

	interval   time.Duration
	maxRetries int

	online   atomic.Bool
	inFlight atomic.Bool
	kick     chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTickInterval overrides the sync cycle interval.
func WithTickInterval(interval time.Duration) Option {
	return func(o *Orchestrator) { o.interval = interval }
}

// WithMaxRetries overrides the transient-failure retry bound.
func WithMaxRetries(maxRetries int) Option {
	return func(o *Orchestrator) { o.maxRetries = maxRetries }
}

// NewOrchestrator creates an orchestrator over a local client and a server
// transport. It starts offline; the platform connectivity signal drives
// SetOnline.
func NewOrchestrator(client *Client, transport Transport, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		client:     client,
		transport:  transport,
		logger:     logger,
		interval:   DefaultTickInterval,
		maxRetries: DefaultMaxRetries,
		kick:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run loops until ctx is cancelled, syncing on every tick and on every
// nudge (reconnect, Refresh). Cycle errors are logged and retried on the
// next tick.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.kick:
		}

		if err := o.SyncNow(ctx); err != nil {
			o.logger.Warn("sync cycle failed", "error", err)
		}
	}
}

// SetOnline records the platform connectivity signal. A transition to
// online triggers an immediate sync cycle.
func (o *Orchestrator) SetOnline(online bool) {
	wasOnline := o.online.Swap(online)
	if online && !wasOnline {
		o.nudge()
	}
}

// Online reports the current connectivity state.
func (o *Orchestrator) Online() bool {
	return o.online.Load()
}

// Refresh requests an immediate sync cycle. It funnels through the same
// single-flight guard as the timer, so a cycle already in progress absorbs
// the request.
func (o *Orchestrator) Refresh() {
	o.nudge()
}

func (o *Orchestrator) nudge() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// SyncNow runs one push/pull cycle, unless offline or a cycle is already in
// flight (in which case it returns nil immediately).
func (o *Orchestrator) SyncNow(ctx context.Context) error {
	if !o.online.Load() {
		return nil
	}
	if !o.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer o.inFlight.Store(false)

	if err := o.push(ctx); err != nil {
		return fmt.Errorf("push phase: %w", err)
	}
	if err := o.pull(ctx); err != nil {
		// Pull failures never advance the cursor; next tick retries.
		return fmt.Errorf("pull phase: %w", err)
	}
	return nil
}

// push drains the mutation queue in batches of PushBatchSize, applying each
// batch's results to queue and mirror before dispatching the next.
func (o *Orchestrator) push(ctx context.Context) error {
	if _, err := o.client.Queue.RequeueTransient(ctx, o.maxRetries); err != nil {
		return err
	}

	entries, err := o.client.Queue.ListPending(ctx)
	if err != nil {
		return err
	}

	for start := 0; start < len(entries); start += PushBatchSize {
		end := start + PushBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := o.pushBatch(ctx, entries[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) pushBatch(ctx context.Context, batch []*QueueEntry) error {
	ids := make([]string, len(batch))
	ops := make([]snakesync.TableOperation, len(batch))
	for i, entry := range batch {
		ids[i] = entry.ID
		ops[i] = operationFromEntry(entry)
	}

	if err := o.client.Queue.MarkSyncing(ctx, ids); err != nil {
		return err
	}

	results, err := o.transport.PushBatch(ctx, ops)
	if err != nil {
		// The whole batch outcome is unknown; return the entries to PENDING
		// so the next cycle replays them (creates are idempotent server-side).
		if resetErr := o.client.Queue.ResetSyncing(ctx, ids); resetErr != nil {
			o.logger.Error("failed to reset in-flight entries", "error", resetErr)
		}
		return fmt.Errorf("push batch of %d: %w", len(batch), err)
	}
	if len(results) != len(batch) {
		if resetErr := o.client.Queue.ResetSyncing(ctx, ids); resetErr != nil {
			o.logger.Error("failed to reset in-flight entries", "error", resetErr)
		}
		return fmt.Errorf("push batch: got %d results for %d operations", len(results), len(batch))
	}

	for i, entry := range batch {
		if err := o.applyResult(ctx, entry, &results[i]); err != nil {
			return err
		}
	}
	return nil
}

// applyResult reconciles one server result into the queue and the mirror.
func (o *Orchestrator) applyResult(ctx context.Context, entry *QueueEntry, result *snakesync.SyncResult) error {
	switch {
	case result.Success:
		if err := o.client.Queue.MarkSynced(ctx, entry.ID); err != nil {
			return err
		}
		if entry.Op == snakesync.OpDelete {
			return o.client.Mirror.Delete(ctx, entry.Table, entry.RecordID)
		}
		return o.putServerRecord(ctx, entry.Table, entry.RecordID, result.Record)

	case result.Conflict:
		// Server version wins in full. The mirror adopts it so the user
		// edits from the winning copy; the entry stays FAILED until
		// resubmitted with a fresh payload.
		if err := o.client.Queue.MarkFailed(ctx, entry.ID, snakesync.ErrorTypeConflict, result.Error); err != nil {
			return err
		}
		return o.putServerRecord(ctx, entry.Table, entry.RecordID, result.ServerRecord)

	default:
		if err := o.client.Queue.MarkFailed(ctx, entry.ID, result.ErrorType, result.Error); err != nil {
			return err
		}
		if result.ErrorType.Retryable() {
			// Transient: keep the optimistic value, RequeueTransient picks
			// the entry up next cycle.
			return nil
		}
		o.logger.Warn("terminal sync failure, reverting local record",
			"table", entry.Table, "record_id", entry.RecordID,
			"error_type", result.ErrorType, "error", result.Error)
		return o.client.Mirror.Revert(ctx, entry.Table, entry.RecordID)
	}
}

func (o *Orchestrator) putServerRecord(ctx context.Context, table snakesync.Table, recordID string, record *snakesync.Record) error {
	if record == nil || len(record.Fields) == 0 {
		// Server omitted the entity body; keep the local value but drop the
		// undo snapshot and mark it synced.
		existing, err := o.client.Mirror.Get(ctx, table, recordID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return o.client.Mirror.Put(ctx, table, recordID, existing.Payload, existing.LastModified)
	}
	// The mirror stores the entity fields alone. A row keeps one shape
	// whether it is a local optimistic write or a server confirmation, so
	// Query predicates keep matching across the sync boundary.
	return o.client.Mirror.Put(ctx, table, recordID, record.Fields, record.ModifiedAt())
}

// pull fetches changes behind the cursor, bulk-writes them per table, then
// persists the returned server timestamp as the new cursor.
func (o *Orchestrator) pull(ctx context.Context) error {
	cursor, err := o.client.PullCursor(ctx)
	if err != nil {
		return err
	}

	changes, err := o.transport.PullChanges(ctx, cursor)
	if err != nil {
		return err
	}

	for _, table := range snakesync.AllTables() {
		if err := o.client.Mirror.BulkPut(ctx, table, changes.RecordsFor(table)); err != nil {
			return err
		}
	}

	return o.client.SetPullCursor(ctx, changes.ServerTimestamp)
}

// Create records a new entity locally and queues it for sync. CREATE is
// always queued, even when online, so any failure along the way replays
// through the queue; the queue nudge drains it promptly when connected.
// Returns the record id (generated when empty).
func (o *Orchestrator) Create(ctx context.Context, table snakesync.Table, recordID string, payload json.RawMessage) (string, error) {
	if recordID == "" {
		recordID = uuid.New().String()
	}
	payload, err := withRecordID(payload, recordID)
	if err != nil {
		return "", err
	}
	if err := o.client.Mirror.PutOptimistic(ctx, table, recordID, payload); err != nil {
		return "", err
	}
	if _, err := o.client.Queue.Enqueue(ctx, table, snakesync.OpCreate, recordID, payload); err != nil {
		return "", err
	}
	if o.online.Load() {
		o.nudge()
	}
	return recordID, nil
}

// Update writes an edit to the mirror optimistically and either pushes it
// straight to the server (online) or queues it (offline, or when the direct
// call cannot reach the server).
func (o *Orchestrator) Update(ctx context.Context, table snakesync.Table, recordID string, payload json.RawMessage) error {
	if err := o.client.Mirror.PutOptimistic(ctx, table, recordID, payload); err != nil {
		return err
	}
	if !o.online.Load() {
		_, err := o.client.Queue.Enqueue(ctx, table, snakesync.OpUpdate, recordID, payload)
		return err
	}
	return o.pushDirect(ctx, table, snakesync.OpUpdate, recordID, payload)
}

// Delete removes an entity locally and either pushes the deletion straight
// to the server (online) or queues it (offline).
func (o *Orchestrator) Delete(ctx context.Context, table snakesync.Table, recordID string) error {
	if err := o.client.Mirror.DeleteOptimistic(ctx, table, recordID); err != nil {
		return err
	}
	if !o.online.Load() {
		_, err := o.client.Queue.Enqueue(ctx, table, snakesync.OpDelete, recordID, nil)
		return err
	}
	return o.pushDirect(ctx, table, snakesync.OpDelete, recordID, nil)
}

// pushDirect sends one operation outside the queue. Transport failures and
// transient server failures fall back to the queue; terminal failures
// revert the optimistic write and surface to the caller.
func (o *Orchestrator) pushDirect(ctx context.Context, table snakesync.Table, op snakesync.Operation, recordID string, payload json.RawMessage) error {
	result, err := o.transport.PushOne(ctx, snakesync.TableOperation{
		Table: table,
		Operation: snakesync.SyncOperation{
			Op:              op,
			RecordID:        recordID,
			Payload:         payload,
			ClientTimestamp: time.Now().UTC(),
		},
	})
	if err != nil {
		o.logger.Info("direct push unreachable, queueing", "table", table, "record_id", recordID, "error", err)
		_, qerr := o.client.Queue.Enqueue(ctx, table, op, recordID, payload)
		return qerr
	}

	switch {
	case result.Success:
		if op == snakesync.OpDelete {
			return o.client.Mirror.Delete(ctx, table, recordID)
		}
		return o.putServerRecord(ctx, table, recordID, result.Record)

	case result.Conflict:
		if err := o.putServerRecord(ctx, table, recordID, result.ServerRecord); err != nil {
			return err
		}
		return &snakesync.Error{Type: snakesync.ErrorTypeConflict, Message: result.Error}

	default:
		if result.ErrorType.Retryable() {
			_, qerr := o.client.Queue.Enqueue(ctx, table, op, recordID, payload)
			return qerr
		}
		if err := o.client.Mirror.Revert(ctx, table, recordID); err != nil {
			return err
		}
		return &snakesync.Error{Type: result.ErrorType, Message: result.Error}
	}
}

// withRecordID stamps the record id into the payload: domain services key
// create idempotency on the client-supplied id carried there.
func withRecordID(payload json.RawMessage, recordID string) (json.RawMessage, error) {
	fields := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}
	fields["id"] = recordID
	stamped, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("stamp record id: %w", err)
	}
	return stamped, nil
}

func operationFromEntry(entry *QueueEntry) snakesync.TableOperation {
	return snakesync.TableOperation{
		Table: entry.Table,
		Operation: snakesync.SyncOperation{
			Op:              entry.Op,
			RecordID:        entry.RecordID,
			Payload:         entry.Payload,
			ClientTimestamp: entry.CreatedAt,
		},
	}
}
