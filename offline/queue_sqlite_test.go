package offline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, policy RetryPolicy) *Queue {
	t.Helper()
	return NewQueue(newTestStore(t), policy)
}

func TestEnqueueMergesUpdates(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultRetryPolicy())

	base := json.RawMessage(`{"name":"orig"}`)
	first, err := q.Enqueue(ctx, "pets", "7", OpUpdate, json.RawMessage(`{"name":"A"}`), base, 3)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	second, err := q.Enqueue(ctx, "pets", "7", OpUpdate, json.RawMessage(`{"name":"B"}`), base, 3)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if !second.Merged || second.OperationID != first.OperationID {
		t.Fatalf("second enqueue did not merge: %+v vs %+v", second, first)
	}

	ops, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("got %d operations, want 1 after merge", len(ops))
	}
	op := ops[0]
	if string(op.Payload) != `{"name":"B"}` {
		t.Fatalf("merged payload = %s, want latest intent", op.Payload)
	}
	if op.Revision != 2 {
		t.Fatalf("revision = %d, want 2 after one merge", op.Revision)
	}
	if string(op.BasePayload) != string(base) || op.BaseVersion != 3 {
		t.Fatalf("merge lost the base snapshot: %s v%d", op.BasePayload, op.BaseVersion)
	}
}

func TestEnqueueDeleteCancelsUnpushedCreate(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultRetryPolicy())

	if _, err := q.Enqueue(ctx, "pets", "7", OpCreate, json.RawMessage(`{"name":"A"}`), nil, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := q.Enqueue(ctx, "pets", "7", OpDelete, nil, nil, 0)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !res.Cancelled {
		t.Fatalf("delete over unpushed create = %+v, want Cancelled", res)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("cancelled pair left %d operations", stats.Total)
	}
}

func TestEnqueueDeleteOverUpdateBecomesDelete(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultRetryPolicy())

	if _, err := q.Enqueue(ctx, "pets", "7", OpUpdate, json.RawMessage(`{"name":"A"}`), nil, 2); err != nil {
		t.Fatalf("update: %v", err)
	}
	res, err := q.Enqueue(ctx, "pets", "7", OpDelete, nil, nil, 2)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !res.Merged || res.Cancelled {
		t.Fatalf("delete over update = %+v, want merged", res)
	}
	op, err := q.Get(ctx, res.OperationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Op != OpDelete || op.Payload != nil {
		t.Fatalf("merged operation = %s payload=%s, want a bare delete", op.Op, op.Payload)
	}
}

func TestEnqueueUpdateAfterDeleteRejected(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultRetryPolicy())

	if _, err := q.Enqueue(ctx, "pets", "7", OpUpdate, json.RawMessage(`{"a":1}`), nil, 2); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := q.Enqueue(ctx, "pets", "7", OpDelete, nil, nil, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err := q.Enqueue(ctx, "pets", "7", OpUpdate, json.RawMessage(`{"a":2}`), nil, 2)
	if !errors.Is(err, ErrEntityDeleted) {
		t.Fatalf("update after pending delete: err = %v, want ErrEntityDeleted", err)
	}
}

func TestDequeueBatchOldestFirst(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultRetryPolicy())

	for _, id := range []string{"1", "2", "3"} {
		if _, err := q.Enqueue(ctx, "pets", id, OpCreate, json.RawMessage(`{}`), nil, 0); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	ops, err := q.DequeueBatch(ctx, 2)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("limit ignored: got %d operations", len(ops))
	}
	if ops[0].EntityID != "1" || ops[1].EntityID != "2" {
		t.Fatalf("order = [%s %s], want oldest first", ops[0].EntityID, ops[1].EntityID)
	}
}

func TestMarkFailedSchedulesBackoff(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, RetryPolicy{MaxRetries: 5, BackoffBase: time.Hour, BackoffCap: time.Hour})

	res, err := q.Enqueue(ctx, "pets", "7", OpCreate, json.RawMessage(`{}`), nil, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.MarkSyncing(ctx, res.OperationID); err != nil {
		t.Fatalf("syncing: %v", err)
	}
	if err := q.MarkFailed(ctx, res.OperationID, errors.New("network unreachable")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	op, err := q.Get(ctx, res.OperationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Status != StatusFailed || op.RetryCount != 1 {
		t.Fatalf("after failure: status=%s retries=%d", op.Status, op.RetryCount)
	}
	if op.LastError != "network unreachable" {
		t.Fatalf("last error = %q", op.LastError)
	}
	if !op.NextAttemptAt.After(time.Now()) {
		t.Fatalf("next attempt %s not in the future", op.NextAttemptAt)
	}

	ops, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("operation dequeued before its backoff elapsed: %+v", ops)
	}
}

func TestFailedPromotedAfterBackoff(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, RetryPolicy{MaxRetries: 5, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond})

	res, err := q.Enqueue(ctx, "pets", "7", OpCreate, json.RawMessage(`{}`), nil, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.MarkFailed(ctx, res.OperationID, errors.New("timeout")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	ops, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(ops) != 1 || ops[0].Status != StatusPending {
		t.Fatalf("failed operation not promoted after backoff: %+v", ops)
	}
}

func TestExhaustedFailureStaysParked(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, RetryPolicy{MaxRetries: 1, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond})

	res, err := q.Enqueue(ctx, "pets", "7", OpCreate, json.RawMessage(`{}`), nil, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.MarkFailed(ctx, res.OperationID, errors.New("timeout")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if ops, _ := q.DequeueBatch(ctx, 10); len(ops) != 0 {
		t.Fatalf("exhausted operation still dequeued: %+v", ops)
	}

	n, err := q.RetryFailed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("retry failed = (%d, %v), want 1 reset", n, err)
	}
	ops, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(ops) != 1 || ops[0].RetryCount != 0 {
		t.Fatalf("reset operation not dequeued fresh: %+v", ops)
	}
}

func TestMarkCompletedDetectsSupersede(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultRetryPolicy())

	res, err := q.Enqueue(ctx, "pets", "7", OpUpdate, json.RawMessage(`{"name":"A"}`), nil, 2)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ops, err := q.DequeueBatch(ctx, 1)
	if err != nil || len(ops) != 1 {
		t.Fatalf("dequeue: (%v, %v)", ops, err)
	}
	if err := q.MarkSyncing(ctx, ops[0].ID); err != nil {
		t.Fatalf("syncing: %v", err)
	}

	// A new intent lands while the push is in flight.
	merged, err := q.Enqueue(ctx, "pets", "7", OpUpdate, json.RawMessage(`{"name":"B"}`), nil, 2)
	if err != nil || !merged.Merged {
		t.Fatalf("in-flight merge: (%+v, %v)", merged, err)
	}

	superseded, err := q.MarkCompleted(ctx, res.OperationID, ops[0].Revision)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !superseded {
		t.Fatal("completion with a stale revision not reported superseded")
	}
	op, err := q.Get(ctx, res.OperationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Status != StatusPending {
		t.Fatalf("superseded operation status = %s, want pending for re-push", op.Status)
	}

	// The next cycle pushes the superseding payload and completes cleanly.
	ops, err = q.DequeueBatch(ctx, 1)
	if err != nil || len(ops) != 1 {
		t.Fatalf("second dequeue: (%v, %v)", ops, err)
	}
	if string(ops[0].Payload) != `{"name":"B"}` {
		t.Fatalf("re-push payload = %s, want superseding intent", ops[0].Payload)
	}
	superseded, err = q.MarkCompleted(ctx, res.OperationID, ops[0].Revision)
	if err != nil || superseded {
		t.Fatalf("final completion = (%v, %v), want clean", superseded, err)
	}
	op, _ = q.Get(ctx, res.OperationID)
	if op.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", op.Status)
	}
}

func TestEnqueueOverConflictedSupersedesConflict(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultRetryPolicy())

	res, err := q.Enqueue(ctx, "pets", "7", OpUpdate, json.RawMessage(`{"name":"A"}`), json.RawMessage(`{"name":"orig"}`), 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	op, err := q.Get(ctx, res.OperationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	c := Classify(*op, json.RawMessage(`{"name":"B"}`), 2, false, time.Now(), time.Now())
	if err := q.SaveConflict(ctx, c); err != nil {
		t.Fatalf("save conflict: %v", err)
	}
	if err := q.MarkConflicted(ctx, op.ID, c.ID); err != nil {
		t.Fatalf("mark conflicted: %v", err)
	}

	// A newer edit replaces the conflicted payload; the stored conflict is
	// about a value that no longer exists and must not linger unresolved.
	merged, err := q.Enqueue(ctx, "pets", "7", OpUpdate, json.RawMessage(`{"name":"C"}`), json.RawMessage(`{"name":"orig"}`), 1)
	if err != nil || !merged.Merged {
		t.Fatalf("merge over conflicted: (%+v, %v)", merged, err)
	}

	op, _ = q.Get(ctx, op.ID)
	if op.Status != StatusPending || op.ConflictID != "" {
		t.Fatalf("superseded operation = status %s conflict %q, want pending and detached", op.Status, op.ConflictID)
	}
	open, err := q.Conflicts(ctx)
	if err != nil || len(open) != 0 {
		t.Fatalf("superseded conflict still listed: (%d, %v)", len(open), err)
	}
	got, err := q.GetConflict(ctx, c.ID)
	if err != nil || got == nil {
		t.Fatalf("get conflict: (%+v, %v)", got, err)
	}
	if got.Resolution != "superseded" || got.ResolvedAt.IsZero() {
		t.Fatalf("conflict row = resolution %q resolved %v, want superseded", got.Resolution, got.ResolvedAt)
	}
	stats, _ := q.Stats(ctx)
	if stats.Conflicted != 0 || stats.Pending != 1 {
		t.Fatalf("stats after supersede = %+v", stats)
	}
}

func TestDueCountsOnlyEligible(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, RetryPolicy{MaxRetries: 2, BackoffBase: time.Hour, BackoffCap: time.Hour})

	if _, err := q.Enqueue(ctx, "pets", "1", OpCreate, json.RawMessage(`{}`), nil, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	backedOff, err := q.Enqueue(ctx, "pets", "2", OpCreate, json.RawMessage(`{}`), nil, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.MarkFailed(ctx, backedOff.OperationID, errors.New("down")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	exhausted, err := q.Enqueue(ctx, "pets", "3", OpCreate, json.RawMessage(`{}`), nil, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := q.MarkFailed(ctx, exhausted.OperationID, errors.New("down")); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}

	// Only the fresh pending operation is pushable right now: one failure is
	// waiting out its backoff, the other burned its retry budget.
	n, err := q.Due(ctx)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if n != 1 {
		t.Fatalf("due = %d, want 1", n)
	}
}

func TestClearCompleted(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultRetryPolicy())

	res, err := q.Enqueue(ctx, "pets", "7", OpCreate, json.RawMessage(`{}`), nil, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.MarkCompleted(ctx, res.OperationID, 1); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := q.Enqueue(ctx, "pets", "8", OpCreate, json.RawMessage(`{}`), nil, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n, err := q.ClearCompleted(ctx)
	if err != nil || n != 1 {
		t.Fatalf("clear completed = (%d, %v), want 1", n, err)
	}
	stats, _ := q.Stats(ctx)
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("stats after gc = %+v", stats)
	}
}

func TestOutstandingExcludesCompleted(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultRetryPolicy())

	done, err := q.Enqueue(ctx, "pets", "1", OpCreate, json.RawMessage(`{}`), nil, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.MarkCompleted(ctx, done.OperationID, 1); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := q.Enqueue(ctx, "pets", "2", OpUpdate, json.RawMessage(`{}`), nil, 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	out, err := q.Outstanding(ctx)
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	if out["pets|1"] {
		t.Fatal("completed operation still outstanding")
	}
	if !out["pets|2"] {
		t.Fatal("pending operation missing from outstanding set")
	}
}

func TestQueueStats(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, RetryPolicy{MaxRetries: 5, BackoffBase: time.Hour, BackoffCap: time.Hour})

	if _, err := q.Enqueue(ctx, "pets", "1", OpCreate, json.RawMessage(`{}`), nil, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, "appointments", "2", OpCreate, json.RawMessage(`{}`), nil, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	failed, err := q.Enqueue(ctx, "pets", "3", OpCreate, json.RawMessage(`{}`), nil, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.MarkFailed(ctx, failed.OperationID, errors.New("down")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 2 || stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.ByEntityType["pets"] != 2 || stats.ByEntityType["appointments"] != 1 {
		t.Fatalf("per-type counts = %v", stats.ByEntityType)
	}
	if stats.EstimatedSyncTime != 3*perOpSyncCost {
		t.Fatalf("estimated sync time = %s", stats.EstimatedSyncTime)
	}
	if stats.OldestUnsynced.IsZero() {
		t.Fatal("oldest unsynced timestamp missing")
	}
}

func TestConflictPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultRetryPolicy())

	op := testOp(OpUpdate, `{"time":"10:00"}`, `{"time":"09:00"}`)
	op.EntityType = "appointments"
	op.EntityID = "3"
	c := Classify(op, json.RawMessage(`{"time":"11:00"}`), 2, false,
		time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 1, 12, 5, 0, 0, time.UTC))

	if err := q.SaveConflict(ctx, c); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := q.GetConflict(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("saved conflict not found")
	}
	if got.Type != ConflictUpdateUpdate || got.ServerVersion != 2 {
		t.Fatalf("round trip lost classification: %+v", got)
	}
	if string(got.LocalData) != `{"time":"10:00"}` ||
		string(got.ServerData) != `{"time":"11:00"}` ||
		string(got.BaseData) != `{"time":"09:00"}` {
		t.Fatalf("round trip lost payloads: local=%s server=%s base=%s",
			got.LocalData, got.ServerData, got.BaseData)
	}

	open, err := q.Conflicts(ctx)
	if err != nil || len(open) != 1 {
		t.Fatalf("unresolved list = (%d, %v), want 1", len(open), err)
	}

	if err := q.MarkConflictResolved(ctx, c.ID, StrategyServerWins); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	open, err = q.Conflicts(ctx)
	if err != nil || len(open) != 0 {
		t.Fatalf("resolved conflict still listed: (%d, %v)", len(open), err)
	}
	got, _ = q.GetConflict(ctx, c.ID)
	if got.Resolution != StrategyServerWins || got.ResolvedAt.IsZero() {
		t.Fatalf("resolution metadata missing: %+v", got)
	}
}
