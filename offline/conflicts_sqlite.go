package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Conflict payloads are encrypted at rest like everything else; only ids,
// classification and timestamps stay plaintext for listing.

func (q *Queue) sealConflictSide(p json.RawMessage, c Conflict, part string) (Envelope, error) {
	return q.sealSide(p, c.EntityType, c.EntityID, part)
}

func (q *Queue) sealSide(p json.RawMessage, entityType, entityID, part string) (Envelope, error) {
	if p == nil {
		return Envelope{}, nil
	}
	return Encrypt(q.key, p, queueAAD(q.tenant, entityType, entityID, "conflict|"+part))
}

func (q *Queue) openSide(env Envelope, entityType, entityID, part string) (json.RawMessage, error) {
	if env.CTB64 == "" {
		return nil, nil
	}
	plain, err := Decrypt(q.key, env, queueAAD(q.tenant, entityType, entityID, "conflict|"+part))
	if err != nil {
		return nil, &DecryptError{EntityType: entityType, EntityID: entityID, Tenant: q.tenant, Cause: err}
	}
	return plain, nil
}

// SaveConflict persists a freshly classified conflict.
func (q *Queue) SaveConflict(ctx context.Context, c Conflict) error {
	localEnv, err := q.sealConflictSide(c.LocalData, c, "local")
	if err != nil {
		return err
	}
	serverEnv, err := q.sealConflictSide(c.ServerData, c, "server")
	if err != nil {
		return err
	}
	baseEnv, err := q.sealConflictSide(c.BaseData, c, "base")
	if err != nil {
		return err
	}
	fields, err := json.Marshal(c.AffectedFields)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
INSERT INTO conflicts(id, tenant_id, operation_id, entity_type, entity_id,
  conflict_type, severity, affected_fields,
  local_nonce_b64, local_ct_b64, server_nonce_b64, server_ct_b64,
  base_nonce_b64, base_ct_b64,
  local_updated_at, server_updated_at, server_version, server_deleted,
  auto_resolvable)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, q.tenant.TenantID, c.OperationID, c.EntityType, c.EntityID,
		string(c.Type), string(c.Severity), string(fields),
		localEnv.NonceB64, localEnv.CTB64, serverEnv.NonceB64, serverEnv.CTB64,
		baseEnv.NonceB64, baseEnv.CTB64,
		c.LocalUpdatedAt.Unix(), c.ServerUpdatedAt.Unix(), c.ServerVersion, boolInt(c.ServerDeleted),
		boolInt(c.AutoResolvable),
	)
	if err != nil {
		return &StorageError{Op: "conflict save", Cause: err}
	}
	return nil
}

const conflictColumns = `id, operation_id, entity_type, entity_id, conflict_type, severity,
  affected_fields, local_nonce_b64, local_ct_b64, server_nonce_b64, server_ct_b64,
  base_nonce_b64, base_ct_b64, local_updated_at, server_updated_at,
  server_version, server_deleted, auto_resolvable, resolution, resolved_at`

func (q *Queue) scanConflict(scan func(dest ...any) error) (Conflict, error) {
	var (
		c                             Conflict
		typ, sev, fields, resolution  string
		localEnv, serverEnv, baseEnv  Envelope
		localAt, serverAt, resolvedAt int64
		serverDeleted, autoRes        int
	)
	err := scan(&c.ID, &c.OperationID, &c.EntityType, &c.EntityID, &typ, &sev,
		&fields, &localEnv.NonceB64, &localEnv.CTB64, &serverEnv.NonceB64, &serverEnv.CTB64,
		&baseEnv.NonceB64, &baseEnv.CTB64, &localAt, &serverAt,
		&c.ServerVersion, &serverDeleted, &autoRes, &resolution, &resolvedAt)
	if err != nil {
		return Conflict{}, err
	}
	c.Type = ConflictType(typ)
	c.Severity = Severity(sev)
	c.Resolution = Strategy(resolution)
	c.LocalUpdatedAt = time.Unix(localAt, 0).UTC()
	c.ServerUpdatedAt = time.Unix(serverAt, 0).UTC()
	if resolvedAt > 0 {
		c.ResolvedAt = time.Unix(resolvedAt, 0).UTC()
	}
	c.ServerDeleted = serverDeleted != 0
	c.AutoResolvable = autoRes != 0
	if err := json.Unmarshal([]byte(fields), &c.AffectedFields); err != nil {
		return Conflict{}, err
	}
	if c.LocalData, err = q.openSide(localEnv, c.EntityType, c.EntityID, "local"); err != nil {
		return Conflict{}, err
	}
	if c.ServerData, err = q.openSide(serverEnv, c.EntityType, c.EntityID, "server"); err != nil {
		return Conflict{}, err
	}
	if c.BaseData, err = q.openSide(baseEnv, c.EntityType, c.EntityID, "base"); err != nil {
		return Conflict{}, err
	}
	return c, nil
}

// GetConflict returns one conflict by id, or nil when absent.
func (q *Queue) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT `+conflictColumns+` FROM conflicts WHERE tenant_id=? AND id=?`, q.tenant.TenantID, id)
	c, err := q.scanConflict(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		if _, ok := err.(*DecryptError); ok {
			return nil, err
		}
		return nil, &StorageError{Op: "conflict get", Cause: err}
	}
	return &c, nil
}

// Conflicts lists unresolved conflicts, oldest first.
func (q *Queue) Conflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT `+conflictColumns+` FROM conflicts
WHERE tenant_id=? AND resolved_at=0 ORDER BY rowid ASC`, q.tenant.TenantID)
	if err != nil {
		return nil, &StorageError{Op: "conflict list", Cause: err}
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []Conflict
	for rows.Next() {
		c, err := q.scanConflict(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkConflictResolved records the applied strategy and timestamp.
func (q *Queue) MarkConflictResolved(ctx context.Context, id string, strategy Strategy) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE conflicts SET resolution=?, resolved_at=? WHERE id=?`,
		string(strategy), time.Now().UTC().Unix(), id)
	if err != nil {
		return &StorageError{Op: "conflict resolve", Cause: err}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
