// ABOUTME: Conflict classification and resolution strategies.
// ABOUTME: Detects divergent local/server versions and computes resolved data.
package offline

import (
	"encoding/json"
	"reflect"
	"sort"
	"time"
)

// ConflictType describes which sides changed.
type ConflictType string

const (
	ConflictUpdateUpdate ConflictType = "update-update"
	ConflictUpdateDelete ConflictType = "update-delete" // local update, server deleted
	ConflictDeleteUpdate ConflictType = "delete-update" // local delete, server changed
)

// Severity grades a conflict for UI triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	StrategyServerWins    Strategy = "server-wins"
	StrategyClientWins    Strategy = "client-wins"
	StrategyMerge         Strategy = "merge"
	StrategyLastWriteWins Strategy = "last-write-wins"
)

// Conflict is a detected divergence between local and server state.
type Conflict struct {
	ID              string
	OperationID     string
	EntityType      string
	EntityID        string
	Type            ConflictType
	Severity        Severity
	AffectedFields  []string
	LocalData       json.RawMessage
	ServerData      json.RawMessage
	BaseData        json.RawMessage // common ancestor snapshot, may be nil
	LocalUpdatedAt  time.Time
	ServerUpdatedAt time.Time
	ServerVersion   int64
	ServerDeleted   bool
	AutoResolvable  bool
	Resolution      Strategy
	ResolvedAt      time.Time
}

// Classify builds a Conflict from a rejected push. The operation carries the
// local intent and the base snapshot taken when it was first enqueued; the
// server side comes from the rejection response.
func Classify(op Operation, serverData json.RawMessage, serverVersion int64, serverDeleted bool, localUpdatedAt, serverUpdatedAt time.Time) Conflict {
	c := Conflict{
		ID:              newOperationID(),
		OperationID:     op.ID,
		EntityType:      op.EntityType,
		EntityID:        op.EntityID,
		LocalData:       op.Payload,
		ServerData:      serverData,
		BaseData:        op.BasePayload,
		LocalUpdatedAt:  localUpdatedAt,
		ServerUpdatedAt: serverUpdatedAt,
		ServerVersion:   serverVersion,
		ServerDeleted:   serverDeleted,
	}

	switch {
	case op.Op == OpDelete:
		c.Type = ConflictDeleteUpdate
	case serverDeleted:
		c.Type = ConflictUpdateDelete
	default:
		c.Type = ConflictUpdateUpdate
	}

	c.AffectedFields = diffFields(op.Payload, serverData)

	deleteInvolved := c.Type != ConflictUpdateUpdate
	switch {
	case deleteInvolved:
		c.Severity = SeverityCritical
	case len(c.AffectedFields) > 3:
		c.Severity = SeverityHigh
	case len(c.AffectedFields) > 1:
		c.Severity = SeverityMedium
	default:
		c.Severity = SeverityLow
	}

	// Deterministic merge is possible only when both sides changed disjoint
	// fields relative to the common base. Without a base snapshot every
	// differing field counts as touched by both sides.
	if !deleteInvolved && op.BasePayload != nil {
		localChanged := changedFields(op.BasePayload, op.Payload)
		serverChanged := changedFields(op.BasePayload, serverData)
		c.AutoResolvable = len(localChanged) > 0 && len(serverChanged) > 0 &&
			len(intersect(localChanged, serverChanged)) == 0
	}
	return c
}

// Resolution is the outcome of applying a strategy to a conflict.
type Resolution struct {
	Data    json.RawMessage // resolved payload; nil when the entity is deleted
	Deleted bool
	RePush  bool // true when the resolved value must be pushed to the server
}

// Resolve computes resolved data for the chosen strategy. It does not touch
// the replica store or queue; the engine applies the result.
func Resolve(c Conflict, strategy Strategy) (Resolution, error) {
	switch strategy {
	case StrategyServerWins:
		return Resolution{Data: c.ServerData, Deleted: c.ServerDeleted}, nil

	case StrategyClientWins:
		if c.Type == ConflictDeleteUpdate {
			return Resolution{Deleted: true, RePush: true}, nil
		}
		return Resolution{Data: c.LocalData, RePush: true}, nil

	case StrategyMerge:
		if c.Type != ConflictUpdateUpdate {
			return Resolution{}, &SyncError{Op: "resolve", Err: ErrUnmergeable, Detail: "delete involved"}
		}
		merged, err := mergeDisjoint(c.BaseData, c.LocalData, c.ServerData)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Data: merged, RePush: true}, nil

	case StrategyLastWriteWins:
		// Ties prefer server data; the server is the tie-break authority.
		if c.LocalUpdatedAt.After(c.ServerUpdatedAt) {
			return Resolve(c, StrategyClientWins)
		}
		return Resolve(c, StrategyServerWins)
	}
	return Resolution{}, &SyncError{Op: "resolve", Err: ErrUnmergeable, Detail: "unknown strategy " + string(strategy)}
}

// mergeDisjoint three-way merges field maps. Any field touched by both sides
// relative to base is unmergeable, even if both chose the same value.
func mergeDisjoint(base, local, server json.RawMessage) (json.RawMessage, error) {
	if base == nil {
		return nil, &SyncError{Op: "resolve", Err: ErrUnmergeable, Detail: "no base snapshot"}
	}
	baseMap, err := toMap(base)
	if err != nil {
		return nil, err
	}
	localMap, err := toMap(local)
	if err != nil {
		return nil, err
	}
	serverMap, err := toMap(server)
	if err != nil {
		return nil, err
	}

	localChanged := changedFields(base, local)
	serverChanged := changedFields(base, server)
	if overlap := intersect(localChanged, serverChanged); len(overlap) > 0 {
		return nil, &SyncError{Op: "resolve", Err: ErrUnmergeable, Detail: "both sides changed: " + overlap[0]}
	}

	merged := make(map[string]any, len(baseMap))
	for k, v := range baseMap {
		merged[k] = v
	}
	applyFields(merged, serverMap, serverChanged)
	applyFields(merged, localMap, localChanged)
	return json.Marshal(merged)
}

func applyFields(dst, src map[string]any, fields []string) {
	for _, f := range fields {
		if v, ok := src[f]; ok {
			dst[f] = v
		} else {
			delete(dst, f)
		}
	}
}

func toMap(raw json.RawMessage) (map[string]any, error) {
	m := map[string]any{}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// diffFields returns the symmetric field difference of two documents.
func diffFields(a, b json.RawMessage) []string {
	am, errA := toMap(a)
	bm, errB := toMap(b)
	if errA != nil || errB != nil {
		return nil
	}
	set := map[string]bool{}
	for k, av := range am {
		bv, ok := bm[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			set[k] = true
		}
	}
	for k := range bm {
		if _, ok := am[k]; !ok {
			set[k] = true
		}
	}
	return sortedKeys(set)
}

// changedFields returns the fields of doc that differ from base.
func changedFields(base, doc json.RawMessage) []string {
	return diffFields(base, doc)
}

func intersect(a, b []string) []string {
	set := map[string]bool{}
	for _, k := range a {
		set[k] = true
	}
	var out []string
	for _, k := range b {
		if set[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
