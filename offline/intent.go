package offline

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Op describes supported mutation intents.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Status is a sync operation's queue state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSyncing    Status = "syncing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusConflicted Status = "conflicted"
)

// Operation is a queued mutation intent progressing through the sync queue
// state machine. At most one outstanding (non-terminal) operation exists per
// (entityType, entityID); later intents merge into it.
type Operation struct {
	ID          string
	EntityType  string
	EntityID    string
	Op          Op
	Payload     json.RawMessage // plaintext view; encrypted at rest
	BasePayload json.RawMessage // replica snapshot before the local change
	BaseVersion int64
	EnqueuedAt  time.Time
	RetryCount  int
	Status      Status
	LastError   string
	ConflictID  string

	// Revision increments every time a later intent merges into this
	// operation. Completion is acknowledged against the revision that was
	// actually pushed; a mismatch means the payload was superseded mid-flight
	// and the operation returns to pending.
	Revision int64

	NextAttemptAt time.Time
}

// Terminal reports whether the operation left the outstanding set.
func (o Operation) Terminal(policy RetryPolicy) bool {
	switch o.Status {
	case StatusCompleted:
		return true
	case StatusFailed:
		return o.RetryCount >= policy.MaxRetries
	}
	return false
}

// EntityKey identifies the entity an operation touches.
func (o Operation) EntityKey() string {
	return o.EntityType + "|" + o.EntityID
}

func newOperationID() string {
	return ulid.Make().String()
}
