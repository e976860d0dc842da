// ABOUTME: Sync engine orchestrating push/pull cycles over the queue and replica store.
// ABOUTME: Guarantees a single active cycle and per-entity ordering with bounded parallelism.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Engine coordinates the replica store, sync queue and remote client.
// At most one sync cycle runs at a time; a start request while one is
// active is rejected with ErrSyncInProgress, never queued.
type Engine struct {
	store  *Store
	queue  *Queue
	client *Client
	cfg    Config
	log    *zap.Logger
	events *SyncEvents
	hub    statusHub

	mu         sync.Mutex
	syncing    bool
	cancel     context.CancelFunc
	lastResult *Result

	progMu   sync.Mutex
	progress Progress
}

// NewEngine wires the engine. events and logger may be nil.
func NewEngine(store *Store, queue *Queue, client *Client, cfg Config, events *SyncEvents, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		queue:  queue,
		client: client,
		cfg:    cfg.withDefaults(),
		log:    logger,
		events: events,
	}
}

// Subscribe registers a status listener; returns an unsubscribe func.
func (e *Engine) Subscribe(fn func(StatusUpdate)) func() {
	return e.hub.subscribe(fn)
}

// Enqueue records a local mutation intent: the replica is updated
// optimistically and the intent joins the sync queue. The replica state
// before the change is snapshotted as the merge base for later conflict
// classification.
func (e *Engine) Enqueue(ctx context.Context, entityType, entityID string, op Op, payload json.RawMessage) (string, error) {
	existing, err := e.store.getAny(ctx, entityType, entityID)
	if err != nil {
		return "", err
	}
	var (
		basePayload json.RawMessage
		baseVersion int64
	)
	if existing != nil {
		basePayload = existing.Payload
		baseVersion = existing.ServerVersion
	}

	switch op {
	case OpDelete:
		if err := e.store.Delete(ctx, entityType, entityID); err != nil {
			return "", err
		}
	case OpCreate, OpUpdate:
		if err := e.store.Put(ctx, Record{EntityType: entityType, EntityID: entityID, Payload: payload}); err != nil {
			return "", err
		}
	default:
		return "", &SyncError{Op: "enqueue", Err: errors.New("unknown operation " + string(op))}
	}

	res, err := e.queue.Enqueue(ctx, entityType, entityID, op, payload, basePayload, baseVersion)
	if err != nil {
		return "", err
	}
	if res.Cancelled {
		// Delete over a never-pushed create: nothing to sync, drop the row.
		if err := e.store.Purge(ctx, entityType, entityID); err != nil {
			return "", err
		}
	}
	return res.OperationID, nil
}

// EnqueueAndSync queues a change and immediately runs a cycle. The change
// stays safely queued when the sync itself fails.
func (e *Engine) EnqueueAndSync(ctx context.Context, entityType, entityID string, op Op, payload json.RawMessage) (string, error) {
	id, err := e.Enqueue(ctx, entityType, entityID, op, payload)
	if err != nil {
		return "", err
	}
	if _, err := e.Sync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
		return id, err
	}
	return id, nil
}

// Syncing reports whether a cycle is currently running.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// Cancel cooperatively stops the in-flight cycle, if any. Completed
// operations stay completed; in-flight ones are marked failed for clean
// retry.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// LastResult returns the most recent cycle result, or nil.
func (e *Engine) LastResult() *Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastResult == nil {
		return nil
	}
	r := *e.lastResult
	return &r
}

// Progress returns a snapshot of the in-flight cycle's progress.
func (e *Engine) Progress() Progress {
	e.progMu.Lock()
	defer e.progMu.Unlock()
	return e.progress
}

// Sync runs one full cycle: push queued intents, pull server deltas,
// surface conflicts. Returns ErrSyncInProgress when a cycle is already
// active and ErrAuthenticationRequired (without touching queue state) when
// no authenticated tenant context is available.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return Result{}, ErrSyncInProgress
	}
	if err := e.store.tenant.Validate(); err != nil {
		e.mu.Unlock()
		return Result{}, &SyncError{Op: "sync", Err: ErrAuthenticationRequired, Detail: err.Error()}
	}
	if !e.client.Authenticated() {
		e.mu.Unlock()
		return Result{}, &SyncError{Op: "sync", Err: ErrAuthenticationRequired}
	}
	cctx, cancel := context.WithCancel(ctx)
	e.syncing = true
	e.cancel = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.syncing = false
		e.cancel = nil
		e.mu.Unlock()
	}()

	start := time.Now()
	if e.events != nil && e.events.OnStart != nil {
		e.events.OnStart()
	}

	var res Result
	pushErr := e.pushPhase(cctx, &res)

	var pullErr error
	if cctx.Err() == nil {
		pullErr = e.pullPhase(cctx, &res)
	}

	res.Duration = time.Since(start)
	res.Timestamp = time.Now().UTC()

	e.mu.Lock()
	e.lastResult = &res
	e.mu.Unlock()
	_ = e.store.SetState(ctx, "last_sync_time", strconv.FormatInt(res.Timestamp.Unix(), 10))

	if e.events != nil && e.events.OnComplete != nil {
		e.events.OnComplete(res)
	}
	e.publish("done", false, &res)

	e.log.Info("sync cycle finished",
		zap.Int("synced", res.Synced),
		zap.Int("failed", res.Failed),
		zap.Int("conflicts", res.Conflicts),
		zap.Duration("duration", res.Duration))

	if pushErr != nil {
		return res, pushErr
	}
	return res, pullErr
}

func (e *Engine) publish(phase string, syncing bool, result *Result) {
	e.hub.publish(StatusUpdate{
		Phase:    phase,
		Syncing:  syncing,
		Progress: e.Progress(),
		Result:   result,
	})
}

func (e *Engine) resetProgress(total int) {
	e.progMu.Lock()
	e.progress = Progress{Total: total}
	e.progMu.Unlock()
}

func (e *Engine) step(outcome string) {
	e.progMu.Lock()
	e.progress.Processed++
	switch outcome {
	case "synced":
		e.progress.Successful++
	case "failed":
		e.progress.Failed++
	case "conflict":
		e.progress.Conflicts++
	}
	if e.progress.Total > 0 {
		e.progress.Percentage = float64(e.progress.Processed) / float64(e.progress.Total) * 100
	}
	snapshot := e.progress
	e.progMu.Unlock()

	if e.events != nil && e.events.OnProgress != nil {
		e.events.OnProgress(snapshot)
	}
}

// pushPhase drains due pending operations. Operations run in parallel up to
// the configured concurrency, but since the queue holds at most one
// outstanding operation per entity, no entity ever has two in-flight
// requests and per-entity order is preserved across cycles.
func (e *Engine) pushPhase(ctx context.Context, res *Result) error {
	// Total only counts operations this cycle can actually process, so the
	// percentage reaches 100 even with terminally failed ones parked.
	total, err := e.queue.Due(ctx)
	if err != nil {
		return err
	}
	e.resetProgress(total)
	e.publish("pushing", true, nil)

	var firstErr error
	var errMu sync.Mutex
	record := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}

	for {
		if ctx.Err() != nil {
			break
		}
		batch, err := e.queue.DequeueBatch(ctx, e.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		sem := make(chan struct{}, e.cfg.Concurrency)
		var wg sync.WaitGroup
		var resMu sync.Mutex
		for _, op := range batch {
			if ctx.Err() != nil {
				break
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(op Operation) {
				defer wg.Done()
				defer func() { <-sem }()
				outcome, err := e.pushOne(ctx, op)
				if err != nil {
					record(err)
				}
				resMu.Lock()
				switch outcome {
				case "synced":
					res.Synced++
				case "failed":
					res.Failed++
				case "conflict":
					res.Conflicts++
				}
				resMu.Unlock()
				e.step(outcome)
			}(op)
		}
		wg.Wait()

		if ctx.Err() != nil || firstErr != nil {
			break
		}
	}
	return firstErr
}

// pushOne sends a single operation and settles its queue state.
func (e *Engine) pushOne(ctx context.Context, op Operation) (string, error) {
	if err := e.queue.MarkSyncing(ctx, op.ID); err != nil {
		return "failed", err
	}

	results, err := e.client.Push(ctx, []PushItem{{
		OperationID: op.ID,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		Operation:   op.Op,
		Payload:     op.Payload,
		BaseVersion: op.BaseVersion,
	}})
	if err != nil {
		// Transport failure or cancellation: mark failed so the operation is
		// retried cleanly, never left in syncing.
		if ferr := e.queue.MarkFailed(context.WithoutCancel(ctx), op.ID, err); ferr != nil {
			return "failed", ferr
		}
		e.log.Warn("push failed",
			zap.String("operation", op.ID),
			zap.String("entity", op.EntityKey()),
			zap.Error(err))
		return "failed", nil
	}
	if len(results) != 1 {
		err := &SyncError{Op: "push", Err: ErrTransport, Detail: "malformed push response"}
		if ferr := e.queue.MarkFailed(ctx, op.ID, err); ferr != nil {
			return "failed", ferr
		}
		return "failed", nil
	}

	r := results[0]
	switch r.Status {
	case PushAccepted:
		superseded, err := e.queue.MarkCompleted(ctx, op.ID, op.Revision)
		if err != nil {
			return "failed", err
		}
		if superseded {
			// A newer intent merged in mid-flight; it syncs next cycle.
			return "synced", nil
		}
		if op.Op == OpDelete {
			if err := e.store.Purge(ctx, op.EntityType, op.EntityID); err != nil {
				return "synced", err
			}
		} else if err := e.store.AckServer(ctx, op.EntityType, op.EntityID, r.ServerVersion, r.ServerData); err != nil {
			return "synced", err
		}
		return "synced", nil

	case PushRejected:
		localUpdated := op.EnqueuedAt
		if rec, err := e.store.getAny(ctx, op.EntityType, op.EntityID); err == nil && rec != nil {
			localUpdated = rec.UpdatedAt
		}
		conflict := Classify(op, r.ServerData, r.ServerVersion, r.ServerDeleted,
			localUpdated, time.Unix(r.ServerUpdatedAt, 0).UTC())
		if err := e.queue.SaveConflict(ctx, conflict); err != nil {
			return "failed", err
		}
		if err := e.queue.MarkConflicted(ctx, op.ID, conflict.ID); err != nil {
			return "conflict", err
		}
		e.log.Info("conflict detected",
			zap.String("entity", op.EntityKey()),
			zap.String("type", string(conflict.Type)),
			zap.Strings("fields", conflict.AffectedFields))
		return "conflict", nil
	}

	err = &SyncError{Op: "push", Err: ErrTransport, Detail: "unknown push status " + r.Status}
	if ferr := e.queue.MarkFailed(ctx, op.ID, err); ferr != nil {
		return "failed", ferr
	}
	return "failed", nil
}

// pullPhase applies server deltas since the cursor. Changes touching
// entities with outstanding local operations are deferred; they reconcile
// through the next push instead of being overwritten. The cursor advances
// only after the batch is fully applied.
func (e *Engine) pullPhase(ctx context.Context, res *Result) error {
	e.publish("pulling", true, nil)

	cursor, err := e.store.Cursor(ctx)
	if err != nil {
		return err
	}
	resp, err := e.client.Pull(ctx, cursor, e.store.tenant.PracticeID)
	if err != nil {
		return err
	}
	outstanding, err := e.queue.Outstanding(ctx)
	if err != nil {
		return err
	}

	deferred := 0
	for _, ch := range resp.Changes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if outstanding[ch.EntityType+"|"+ch.EntityID] {
			deferred++
			continue
		}
		if err := e.store.ApplyServerChange(ctx, ch); err != nil {
			return err
		}
	}
	if resp.Cursor != "" && resp.Cursor != cursor {
		if err := e.store.SetCursor(ctx, resp.Cursor); err != nil {
			return err
		}
	}
	if deferred > 0 {
		e.log.Debug("deferred pulled changes with outstanding local operations",
			zap.Int("deferred", deferred))
	}
	return nil
}

// Conflicts lists unresolved conflicts for the status API.
func (e *Engine) Conflicts(ctx context.Context) ([]Conflict, error) {
	return e.queue.Conflicts(ctx)
}

// ResolveConflict applies a strategy to a stored conflict: the replica is
// updated to the resolved value and the parked operation completes.
// client-wins and merge re-push the resolved value as a fresh operation
// based on the server's version.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, strategy Strategy) error {
	c, err := e.queue.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if c == nil {
		return &SyncError{Op: "resolve", Err: errors.New("conflict not found: " + conflictID)}
	}
	if !c.ResolvedAt.IsZero() {
		return &SyncError{Op: "resolve", Err: errors.New("conflict already resolved: " + conflictID)}
	}

	resolution, err := Resolve(*c, strategy)
	if err != nil {
		return err
	}

	// Complete the parked operation first so a re-push can enqueue fresh.
	if err := e.queue.CompleteConflicted(ctx, c.OperationID); err != nil {
		return err
	}

	switch {
	case resolution.Deleted && !resolution.RePush:
		// Server deleted and won; drop the local row for good.
		if err := e.store.Purge(ctx, c.EntityType, c.EntityID); err != nil {
			return err
		}
	case resolution.Deleted:
		if err := e.store.Delete(ctx, c.EntityType, c.EntityID); err != nil {
			return err
		}
	default:
		if err := e.store.Put(ctx, Record{
			EntityType:    c.EntityType,
			EntityID:      c.EntityID,
			Payload:       resolution.Data,
			ServerVersion: c.ServerVersion,
		}); err != nil {
			return err
		}
	}

	if resolution.RePush {
		op := OpUpdate
		if resolution.Deleted {
			op = OpDelete
		}
		if _, err := e.queue.Enqueue(ctx, c.EntityType, c.EntityID, op,
			resolution.Data, c.ServerData, c.ServerVersion); err != nil {
			return err
		}
	}

	if err := e.queue.MarkConflictResolved(ctx, conflictID, strategy); err != nil {
		return err
	}
	e.log.Info("conflict resolved",
		zap.String("conflict", conflictID),
		zap.String("strategy", string(strategy)))
	e.publish("idle", e.Syncing(), e.LastResult())
	return nil
}

// SyncStats is the engine-level status snapshot for UI surfaces.
type SyncStats struct {
	Queue        QueueStats
	LastSyncTime time.Time
	LastResult   *Result
	Cursor       string
}

// Stats aggregates queue counters, the last cycle result and the cursor.
func (e *Engine) Stats(ctx context.Context) (SyncStats, error) {
	qs, err := e.queue.Stats(ctx)
	if err != nil {
		return SyncStats{}, err
	}
	cursor, err := e.store.Cursor(ctx)
	if err != nil {
		return SyncStats{}, err
	}
	out := SyncStats{Queue: qs, LastResult: e.LastResult(), Cursor: cursor}
	if ts, err := e.store.GetState(ctx, "last_sync_time", ""); err == nil && ts != "" {
		if unix, perr := strconv.ParseInt(ts, 10, 64); perr == nil {
			out.LastSyncTime = time.Unix(unix, 0).UTC()
		}
	}
	return out, nil
}
