// ABOUTME: Durable ordered queue of pending mutation intents.
// ABOUTME: Enforces at-most-one-outstanding operation per entity via merge-on-enqueue.
package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Queue is the durable log of pending mutation intents. It shares the
// tenant database with the replica store; payloads are encrypted at rest
// with the same location-bound AEAD scheme.
type Queue struct {
	db     *sql.DB
	tenant TenantContext
	key    DerivedKey
	policy RetryPolicy
}

// NewQueue builds a queue over the store's database handle.
func NewQueue(store *Store, policy RetryPolicy) *Queue {
	if policy.MaxRetries <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Queue{db: store.db, tenant: store.tenant, key: store.key, policy: policy}
}

// Policy returns the retry policy the queue schedules with.
func (q *Queue) Policy() RetryPolicy { return q.policy }

func queueAAD(tc TenantContext, entityType, entityID, part string) []byte {
	return append(AAD(tc, entityType, entityID), []byte("|queue|"+part)...)
}

func (q *Queue) sealPayload(p json.RawMessage, entityType, entityID, part string) (Envelope, error) {
	if p == nil {
		return Envelope{}, nil
	}
	return Encrypt(q.key, p, queueAAD(q.tenant, entityType, entityID, part))
}

func (q *Queue) openPayload(env Envelope, entityType, entityID, part string) (json.RawMessage, error) {
	if env.CTB64 == "" {
		return nil, nil
	}
	plain, err := Decrypt(q.key, env, queueAAD(q.tenant, entityType, entityID, part))
	if err != nil {
		return nil, &DecryptError{EntityType: entityType, EntityID: entityID, Tenant: q.tenant, Cause: err}
	}
	return plain, nil
}

// EnqueueResult describes what Enqueue did with the intent.
type EnqueueResult struct {
	OperationID string
	Merged      bool // intent merged into an existing outstanding operation
	Cancelled   bool // delete cancelled a never-pushed create; nothing left to sync
}

// Enqueue records a mutation intent. If an outstanding operation already
// exists for the entity, the intent merges into it instead of creating a
// second entry: update-over-update replaces the payload, delete-over-update
// becomes a delete, delete-over-create cancels both sides, and
// update-over-delete is rejected with ErrEntityDeleted.
func (q *Queue) Enqueue(ctx context.Context, entityType, entityID string, op Op, payload, basePayload json.RawMessage, baseVersion int64) (EnqueueResult, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return EnqueueResult{}, &StorageError{Op: "enqueue", Cause: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		existingID string
		existingOp string
		status     string
		conflictID string
	)
	err = tx.QueryRowContext(ctx, `
SELECT id, op, status, conflict_id FROM operations
WHERE tenant_id=? AND entity_type=? AND entity_id=?
  AND status IN ('pending','syncing','failed','conflicted')`,
		q.tenant.TenantID, entityType, entityID,
	).Scan(&existingID, &existingOp, &status, &conflictID)

	switch {
	case err == sql.ErrNoRows:
		id := newOperationID()
		env, serr := q.sealPayload(payload, entityType, entityID, "payload")
		if serr != nil {
			return EnqueueResult{}, serr
		}
		baseEnv, serr := q.sealPayload(basePayload, entityType, entityID, "base")
		if serr != nil {
			return EnqueueResult{}, serr
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO operations(id, tenant_id, entity_type, entity_id, op,
  nonce_b64, ct_b64, base_nonce_b64, base_ct_b64, base_version,
  enqueued_at, status)
VALUES(?,?,?,?,?,?,?,?,?,?,?,'pending')`,
			id, q.tenant.TenantID, entityType, entityID, string(op),
			env.NonceB64, env.CTB64, baseEnv.NonceB64, baseEnv.CTB64, baseVersion,
			time.Now().UTC().UnixNano(),
		)
		if err != nil {
			return EnqueueResult{}, &StorageError{Op: "enqueue", Cause: err}
		}
		if err := tx.Commit(); err != nil {
			return EnqueueResult{}, &StorageError{Op: "enqueue", Cause: err}
		}
		return EnqueueResult{OperationID: id}, nil

	case err != nil:
		return EnqueueResult{}, &StorageError{Op: "enqueue", Cause: err}
	}

	// Merge into the outstanding operation.
	if Op(existingOp) == OpDelete && op != OpDelete {
		return EnqueueResult{}, ErrEntityDeleted
	}

	// A conflicted operation losing its payload to a newer intent makes the
	// stored conflict moot; close its row so it never lists as unresolved.
	supersedeConflict := func() error {
		if Status(status) != StatusConflicted || conflictID == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE conflicts SET resolution='superseded', resolved_at=? WHERE id=?`,
			time.Now().UTC().Unix(), conflictID); err != nil {
			return &StorageError{Op: "enqueue", Cause: err}
		}
		return nil
	}

	if op == OpDelete {
		if Op(existingOp) == OpCreate {
			// The server never saw this entity; cancel the create outright.
			if err := supersedeConflict(); err != nil {
				return EnqueueResult{}, err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE id=?`, existingID); err != nil {
				return EnqueueResult{}, &StorageError{Op: "enqueue", Cause: err}
			}
			if err := tx.Commit(); err != nil {
				return EnqueueResult{}, &StorageError{Op: "enqueue", Cause: err}
			}
			return EnqueueResult{OperationID: existingID, Merged: true, Cancelled: true}, nil
		}
		if err := supersedeConflict(); err != nil {
			return EnqueueResult{}, err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE operations SET op='delete', nonce_b64='', ct_b64='', conflict_id='',
  revision=revision+1, status=CASE status WHEN 'syncing' THEN 'syncing' ELSE 'pending' END,
  retry_count=0, next_attempt_at=0, last_error=''
WHERE id=?`, existingID); err != nil {
			return EnqueueResult{}, &StorageError{Op: "enqueue", Cause: err}
		}
		if err := tx.Commit(); err != nil {
			return EnqueueResult{}, &StorageError{Op: "enqueue", Cause: err}
		}
		return EnqueueResult{OperationID: existingID, Merged: true}, nil
	}

	env, serr := q.sealPayload(payload, entityType, entityID, "payload")
	if serr != nil {
		return EnqueueResult{}, serr
	}
	if err := supersedeConflict(); err != nil {
		return EnqueueResult{}, err
	}
	// A create merged over by an update stays a create; the base version and
	// base snapshot of the first intent are preserved.
	if _, err := tx.ExecContext(ctx, `
UPDATE operations SET nonce_b64=?, ct_b64=?, conflict_id='',
  revision=revision+1, status=CASE status WHEN 'syncing' THEN 'syncing' ELSE 'pending' END,
  retry_count=0, next_attempt_at=0, last_error=''
WHERE id=?`, env.NonceB64, env.CTB64, existingID); err != nil {
		return EnqueueResult{}, &StorageError{Op: "enqueue", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return EnqueueResult{}, &StorageError{Op: "enqueue", Cause: err}
	}
	return EnqueueResult{OperationID: existingID, Merged: true}, nil
}

const operationColumns = `id, entity_type, entity_id, op,
  nonce_b64, ct_b64, base_nonce_b64, base_ct_b64, base_version,
  enqueued_at, retry_count, status, last_error, conflict_id, revision, next_attempt_at`

func (q *Queue) scanOperation(scan func(dest ...any) error) (Operation, error) {
	var (
		o                Operation
		env, baseEnv     Envelope
		enqueued, nextAt int64
		op, status       string
	)
	err := scan(&o.ID, &o.EntityType, &o.EntityID, &op,
		&env.NonceB64, &env.CTB64, &baseEnv.NonceB64, &baseEnv.CTB64, &o.BaseVersion,
		&enqueued, &o.RetryCount, &status, &o.LastError, &o.ConflictID, &o.Revision, &nextAt)
	if err != nil {
		return Operation{}, err
	}
	o.Op = Op(op)
	o.Status = Status(status)
	o.EnqueuedAt = time.Unix(0, enqueued).UTC()
	if nextAt > 0 {
		o.NextAttemptAt = time.Unix(0, nextAt).UTC()
	}
	if o.Payload, err = q.openPayload(env, o.EntityType, o.EntityID, "payload"); err != nil {
		return Operation{}, err
	}
	if o.BasePayload, err = q.openPayload(baseEnv, o.EntityType, o.EntityID, "base"); err != nil {
		return Operation{}, err
	}
	return o, nil
}

// Get returns one operation by id, or nil when absent.
func (q *Queue) Get(ctx context.Context, id string) (*Operation, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT `+operationColumns+` FROM operations WHERE tenant_id=? AND id=?`,
		q.tenant.TenantID, id)
	o, err := q.scanOperation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		if _, ok := err.(*DecryptError); ok {
			return nil, err
		}
		return nil, &StorageError{Op: "get", Cause: err}
	}
	return &o, nil
}

// DequeueBatch returns up to limit pending operations, oldest first. Failed
// operations whose backoff has elapsed (and that still have retries left)
// are promoted back to pending first.
func (q *Queue) DequeueBatch(ctx context.Context, limit int) ([]Operation, error) {
	now := time.Now().UTC().UnixNano()
	if _, err := q.db.ExecContext(ctx, `
UPDATE operations SET status='pending'
WHERE tenant_id=? AND status='failed' AND retry_count < ? AND next_attempt_at <= ?`,
		q.tenant.TenantID, q.policy.MaxRetries, now); err != nil {
		return nil, &StorageError{Op: "dequeue", Cause: err}
	}

	rows, err := q.db.QueryContext(ctx, `
SELECT `+operationColumns+` FROM operations
WHERE tenant_id=? AND status='pending' AND next_attempt_at <= ?
ORDER BY enqueued_at ASC, rowid ASC LIMIT ?`,
		q.tenant.TenantID, now, limit)
	if err != nil {
		return nil, &StorageError{Op: "dequeue", Cause: err}
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Operation
	for rows.Next() {
		o, err := q.scanOperation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Due counts the operations a push cycle would actually dequeue: pending
// ones whose backoff elapsed plus failed ones still holding retry budget.
// Terminally failed operations are excluded.
func (q *Queue) Due(ctx context.Context) (int, error) {
	now := time.Now().UTC().UnixNano()
	var n int
	err := q.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM operations
WHERE tenant_id=? AND next_attempt_at <= ?
  AND (status='pending' OR (status='failed' AND retry_count < ?))`,
		q.tenant.TenantID, now, q.policy.MaxRetries).Scan(&n)
	if err != nil {
		return 0, &StorageError{Op: "due", Cause: err}
	}
	return n, nil
}

// MarkSyncing transitions an operation to syncing.
func (q *Queue) MarkSyncing(ctx context.Context, id string) error {
	return q.setStatus(ctx, id, StatusSyncing)
}

// MarkCompleted finishes an operation pushed at the given revision. If a
// later intent merged in while the push was in flight, the operation is
// returned to pending so the superseding payload syncs next cycle;
// superseded=true is reported in that case.
func (q *Queue) MarkCompleted(ctx context.Context, id string, revision int64) (superseded bool, err error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, &StorageError{Op: "complete", Cause: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT revision FROM operations WHERE id=?`, id).Scan(&current); err != nil {
		return false, &StorageError{Op: "complete", Cause: err}
	}
	if current != revision {
		if _, err := tx.ExecContext(ctx, `
UPDATE operations SET status='pending', retry_count=0, next_attempt_at=0 WHERE id=?`, id); err != nil {
			return false, &StorageError{Op: "complete", Cause: err}
		}
		return true, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE operations SET status='completed', last_error='' WHERE id=?`, id); err != nil {
		return false, &StorageError{Op: "complete", Cause: err}
	}
	return false, tx.Commit()
}

// MarkFailed records a transient failure, increments the retry count and
// schedules the next attempt with exponential backoff. Once retries are
// exhausted the operation stays failed until RetryFailed or user action.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	var retries int
	if err := q.db.QueryRowContext(ctx, `SELECT retry_count FROM operations WHERE id=?`, id).Scan(&retries); err != nil {
		return &StorageError{Op: "fail", Cause: err}
	}
	retries++
	next := time.Now().UTC().Add(backoffDelay(q.policy, retries)).UnixNano()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := q.db.ExecContext(ctx, `
UPDATE operations SET status='failed', retry_count=?, next_attempt_at=?, last_error=? WHERE id=?`,
		retries, next, msg, id); err != nil {
		return &StorageError{Op: "fail", Cause: err}
	}
	return nil
}

// MarkConflicted parks an operation pending conflict resolution.
func (q *Queue) MarkConflicted(ctx context.Context, id, conflictID string) error {
	if _, err := q.db.ExecContext(ctx, `
UPDATE operations SET status='conflicted', conflict_id=? WHERE id=?`, conflictID, id); err != nil {
		return &StorageError{Op: "conflict", Cause: err}
	}
	return nil
}

// CompleteConflicted finishes a conflicted operation after its resolution
// has been applied.
func (q *Queue) CompleteConflicted(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE operations SET status='completed' WHERE id=? AND status='conflicted'`, id)
	if err != nil {
		return &StorageError{Op: "resolve", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &SyncError{Op: "resolve", Err: ErrConflictDetected, Detail: "operation not conflicted"}
	}
	return nil
}

func (q *Queue) setStatus(ctx context.Context, id string, st Status) error {
	if _, err := q.db.ExecContext(ctx, `
UPDATE operations SET status=? WHERE id=?`, string(st), id); err != nil {
		return &StorageError{Op: "status", Cause: err}
	}
	return nil
}

// RetryFailed resets terminally failed operations back to pending with a
// fresh retry budget. Returns the number of operations reset.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE operations SET status='pending', retry_count=0, next_attempt_at=0
WHERE tenant_id=? AND status='failed'`, q.tenant.TenantID)
	if err != nil {
		return 0, &StorageError{Op: "retry", Cause: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClearCompleted garbage-collects terminal successful entries.
func (q *Queue) ClearCompleted(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
DELETE FROM operations WHERE tenant_id=? AND status='completed'`, q.tenant.TenantID)
	if err != nil {
		return 0, &StorageError{Op: "gc", Cause: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Outstanding returns the entity keys with a non-completed operation.
// The pull phase defers server changes for these entities.
func (q *Queue) Outstanding(ctx context.Context) (map[string]bool, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT entity_type, entity_id FROM operations
WHERE tenant_id=? AND status != 'completed'`, q.tenant.TenantID)
	if err != nil {
		return nil, &StorageError{Op: "outstanding", Cause: err}
	}
	defer func() {
		_ = rows.Close()
	}()
	out := map[string]bool{}
	for rows.Next() {
		var typ, id string
		if err := rows.Scan(&typ, &id); err != nil {
			return nil, &StorageError{Op: "outstanding", Cause: err}
		}
		out[typ+"|"+id] = true
	}
	return out, rows.Err()
}

// QueueStats summarizes queue contents for status surfaces.
type QueueStats struct {
	Total             int
	Pending           int
	Syncing           int
	Failed            int
	Conflicted        int
	Completed         int
	ByEntityType      map[string]int
	EstimatedSyncTime time.Duration
	OldestUnsynced    time.Time
}

// nominal per-operation push cost used for the UI estimate.
const perOpSyncCost = 250 * time.Millisecond

// Stats returns current queue counters.
func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	stats := QueueStats{ByEntityType: map[string]int{}}

	rows, err := q.db.QueryContext(ctx, `
SELECT status, entity_type, COUNT(*), MIN(enqueued_at) FROM operations
WHERE tenant_id=? GROUP BY status, entity_type`, q.tenant.TenantID)
	if err != nil {
		return QueueStats{}, &StorageError{Op: "stats", Cause: err}
	}
	defer func() {
		_ = rows.Close()
	}()

	var oldest int64
	for rows.Next() {
		var status, typ string
		var n int
		var minEnq int64
		if err := rows.Scan(&status, &typ, &n, &minEnq); err != nil {
			return QueueStats{}, &StorageError{Op: "stats", Cause: err}
		}
		stats.Total += n
		switch Status(status) {
		case StatusPending:
			stats.Pending += n
		case StatusSyncing:
			stats.Syncing += n
		case StatusFailed:
			stats.Failed += n
		case StatusConflicted:
			stats.Conflicted += n
		case StatusCompleted:
			stats.Completed += n
		}
		if Status(status) != StatusCompleted {
			stats.ByEntityType[typ] += n
			if oldest == 0 || minEnq < oldest {
				oldest = minEnq
			}
		}
	}
	if err := rows.Err(); err != nil {
		return QueueStats{}, &StorageError{Op: "stats", Cause: err}
	}
	if oldest > 0 {
		stats.OldestUnsynced = time.Unix(0, oldest).UTC()
	}
	stats.EstimatedSyncTime = time.Duration(stats.Pending+stats.Failed) * perOpSyncCost
	return stats, nil
}
