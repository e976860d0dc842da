package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"
)

// Record is the last-known-good copy of one entity instance plus its sync
// metadata. Payload is plaintext in memory and encrypted at rest.
type Record struct {
	EntityType    string
	EntityID      string
	Payload       json.RawMessage
	LocalVersion  int64
	ServerVersion int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Deleted       bool
}

// Store persists encrypted replica records and sync state for one tenant.
// Single writer, multiple readers; every stored payload is an AEAD envelope
// bound to its (tenant, practice, entityType, entityID) location. Only
// indexing metadata (ids, versions, timestamps) is kept in plaintext.
type Store struct {
	db     *sql.DB
	tenant TenantContext
	key    DerivedKey
}

// OpenStore opens/creates the tenant SQLite database and runs migrations.
func OpenStore(path string, tenant TenantContext, key DerivedKey) (*Store, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StorageError{Op: "open", Cause: err}
	}
	s := &Store{db: db, tenant: tenant, key: key}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, &StorageError{Op: "migrate", Cause: err}
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Tenant returns the context this store is scoped to.
func (s *Store) Tenant() TenantContext { return s.tenant }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS records (
  tenant_id TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  nonce_b64 TEXT NOT NULL,
  ct_b64 TEXT NOT NULL,
  local_version INTEGER NOT NULL DEFAULT 0,
  server_version INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  deleted INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY(tenant_id, entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS sync_state (
  tenant_id TEXT NOT NULL,
  k TEXT NOT NULL,
  v TEXT NOT NULL,
  PRIMARY KEY(tenant_id, k)
);

CREATE TABLE IF NOT EXISTS operations (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  op TEXT NOT NULL,
  nonce_b64 TEXT NOT NULL DEFAULT '',
  ct_b64 TEXT NOT NULL DEFAULT '',
  base_nonce_b64 TEXT NOT NULL DEFAULT '',
  base_ct_b64 TEXT NOT NULL DEFAULT '',
  base_version INTEGER NOT NULL DEFAULT 0,
  enqueued_at INTEGER NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  last_error TEXT NOT NULL DEFAULT '',
  conflict_id TEXT NOT NULL DEFAULT '',
  revision INTEGER NOT NULL DEFAULT 1,
  next_attempt_at INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS operations_outstanding
  ON operations(tenant_id, entity_type, entity_id)
  WHERE status IN ('pending','syncing','failed','conflicted');

CREATE TABLE IF NOT EXISTS conflicts (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  operation_id TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  conflict_type TEXT NOT NULL,
  severity TEXT NOT NULL,
  affected_fields TEXT NOT NULL DEFAULT '[]',
  local_nonce_b64 TEXT NOT NULL DEFAULT '',
  local_ct_b64 TEXT NOT NULL DEFAULT '',
  server_nonce_b64 TEXT NOT NULL DEFAULT '',
  server_ct_b64 TEXT NOT NULL DEFAULT '',
  base_nonce_b64 TEXT NOT NULL DEFAULT '',
  base_ct_b64 TEXT NOT NULL DEFAULT '',
  local_updated_at INTEGER NOT NULL DEFAULT 0,
  server_updated_at INTEGER NOT NULL DEFAULT 0,
  server_version INTEGER NOT NULL DEFAULT 0,
  server_deleted INTEGER NOT NULL DEFAULT 0,
  auto_resolvable INTEGER NOT NULL DEFAULT 0,
  resolution TEXT NOT NULL DEFAULT '',
  resolved_at INTEGER NOT NULL DEFAULT 0
);
`)
	return err
}

// Put encrypts the payload and upserts the record by (entityType, entityID),
// bumping the local version.
func (s *Store) Put(ctx context.Context, rec Record) error {
	env, err := Encrypt(s.key, rec.Payload, AAD(s.tenant, rec.EntityType, rec.EntityID))
	if err != nil {
		return err
	}
	now := time.Now().UTC().Unix()
	created := now
	if !rec.CreatedAt.IsZero() {
		created = rec.CreatedAt.Unix()
	}
	updated := now
	if !rec.UpdatedAt.IsZero() {
		updated = rec.UpdatedAt.Unix()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO records(tenant_id, entity_type, entity_id, nonce_b64, ct_b64,
  local_version, server_version, created_at, updated_at, deleted)
VALUES(?,?,?,?,?,1,?,?,?,0)
ON CONFLICT(tenant_id, entity_type, entity_id) DO UPDATE SET
  nonce_b64=excluded.nonce_b64,
  ct_b64=excluded.ct_b64,
  local_version=records.local_version+1,
  server_version=CASE WHEN excluded.server_version > 0 THEN excluded.server_version ELSE records.server_version END,
  updated_at=excluded.updated_at,
  deleted=0`,
		s.tenant.TenantID, rec.EntityType, rec.EntityID, env.NonceB64, env.CTB64,
		rec.ServerVersion, created, updated,
	)
	if err != nil {
		return &StorageError{Op: "put", Cause: err}
	}
	return nil
}

// Get decrypts and returns the record, or nil when absent or tombstoned.
func (s *Store) Get(ctx context.Context, entityType, entityID string) (*Record, error) {
	rec, err := s.getAny(ctx, entityType, entityID)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, nil
	}
	return rec, nil
}

// getAny returns the record including tombstones.
func (s *Store) getAny(ctx context.Context, entityType, entityID string) (*Record, error) {
	var (
		env              Envelope
		rec              Record
		created, updated int64
		deleted          int
	)
	err := s.db.QueryRowContext(ctx, `
SELECT nonce_b64, ct_b64, local_version, server_version, created_at, updated_at, deleted
FROM records WHERE tenant_id=? AND entity_type=? AND entity_id=?`,
		s.tenant.TenantID, entityType, entityID,
	).Scan(&env.NonceB64, &env.CTB64, &rec.LocalVersion, &rec.ServerVersion, &created, &updated, &deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Cause: err}
	}
	rec.EntityType = entityType
	rec.EntityID = entityID
	rec.CreatedAt = time.Unix(created, 0).UTC()
	rec.UpdatedAt = time.Unix(updated, 0).UTC()
	rec.Deleted = deleted != 0
	if rec.Deleted {
		return &rec, nil
	}
	plain, err := Decrypt(s.key, env, AAD(s.tenant, entityType, entityID))
	if err != nil {
		return nil, &DecryptError{EntityType: entityType, EntityID: entityID, Tenant: s.tenant, Cause: err}
	}
	rec.Payload = plain
	return &rec, nil
}

// List returns a fresh decrypted snapshot of all live records of one type.
func (s *Store) List(ctx context.Context, entityType string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT entity_id, nonce_b64, ct_b64, local_version, server_version, created_at, updated_at
FROM records WHERE tenant_id=? AND entity_type=? AND deleted=0
ORDER BY entity_id`, s.tenant.TenantID, entityType)
	if err != nil {
		return nil, &StorageError{Op: "list", Cause: err}
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Record
	for rows.Next() {
		var (
			env              Envelope
			rec              Record
			created, updated int64
		)
		if err := rows.Scan(&rec.EntityID, &env.NonceB64, &env.CTB64,
			&rec.LocalVersion, &rec.ServerVersion, &created, &updated); err != nil {
			return nil, &StorageError{Op: "list", Cause: err}
		}
		rec.EntityType = entityType
		rec.CreatedAt = time.Unix(created, 0).UTC()
		rec.UpdatedAt = time.Unix(updated, 0).UTC()
		plain, err := Decrypt(s.key, env, AAD(s.tenant, entityType, rec.EntityID))
		if err != nil {
			return nil, &DecryptError{EntityType: entityType, EntityID: rec.EntityID, Tenant: s.tenant, Cause: err}
		}
		rec.Payload = plain
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete tombstones the record. The row survives until sync confirms the
// deletion server-side, so a stale pull cannot resurrect it.
func (s *Store) Delete(ctx context.Context, entityType, entityID string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE records SET deleted=1, local_version=local_version+1, updated_at=?
WHERE tenant_id=? AND entity_type=? AND entity_id=?`,
		time.Now().UTC().Unix(), s.tenant.TenantID, entityType, entityID)
	if err != nil {
		return &StorageError{Op: "delete", Cause: err}
	}
	return nil
}

// Purge hard-deletes the row once the server has confirmed the deletion,
// or when a never-pushed create is cancelled locally.
func (s *Store) Purge(ctx context.Context, entityType, entityID string) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM records WHERE tenant_id=? AND entity_type=? AND entity_id=?`,
		s.tenant.TenantID, entityType, entityID)
	if err != nil {
		return &StorageError{Op: "purge", Cause: err}
	}
	return nil
}

// ApplyServerChange applies one pulled change. Idempotent: re-applying the
// same change leaves the store unchanged, and an older server version never
// overwrites a newer one.
func (s *Store) ApplyServerChange(ctx context.Context, ch ServerChange) error {
	if ch.Deleted {
		return s.Purge(ctx, ch.EntityType, ch.EntityID)
	}
	existing, err := s.getAny(ctx, ch.EntityType, ch.EntityID)
	if err != nil {
		return err
	}
	if existing != nil && existing.ServerVersion >= ch.Version {
		return nil
	}
	env, err := Encrypt(s.key, ch.Data, AAD(s.tenant, ch.EntityType, ch.EntityID))
	if err != nil {
		return err
	}
	updated := ch.UpdatedAt
	if updated == 0 {
		updated = time.Now().UTC().Unix()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO records(tenant_id, entity_type, entity_id, nonce_b64, ct_b64,
  local_version, server_version, created_at, updated_at, deleted)
VALUES(?,?,?,?,?,?,?,?,?,0)
ON CONFLICT(tenant_id, entity_type, entity_id) DO UPDATE SET
  nonce_b64=excluded.nonce_b64,
  ct_b64=excluded.ct_b64,
  local_version=excluded.local_version,
  server_version=excluded.server_version,
  updated_at=excluded.updated_at,
  deleted=0`,
		s.tenant.TenantID, ch.EntityType, ch.EntityID, env.NonceB64, env.CTB64,
		ch.Version, ch.Version, updated, updated,
	)
	if err != nil {
		return &StorageError{Op: "apply", Cause: err}
	}
	return nil
}

// AckServer records the canonical server version (and optionally the
// server's copy of the data) after an accepted push.
func (s *Store) AckServer(ctx context.Context, entityType, entityID string, serverVersion int64, serverData json.RawMessage) error {
	if serverData != nil {
		return s.ApplyServerChange(ctx, ServerChange{
			EntityType: entityType,
			EntityID:   entityID,
			Data:       serverData,
			Version:    serverVersion,
		})
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE records SET server_version=? WHERE tenant_id=? AND entity_type=? AND entity_id=?`,
		serverVersion, s.tenant.TenantID, entityType, entityID)
	if err != nil {
		return &StorageError{Op: "ack", Cause: err}
	}
	return nil
}

// EstimateSize returns the approximate byte footprint of this tenant's data.
func (s *Store) EstimateSize(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT SUM(LENGTH(nonce_b64) + LENGTH(ct_b64) + LENGTH(entity_type) + LENGTH(entity_id))
FROM records WHERE tenant_id=?`, s.tenant.TenantID).Scan(&n)
	if err != nil {
		return 0, &StorageError{Op: "size", Cause: err}
	}
	var ops sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
SELECT SUM(LENGTH(nonce_b64) + LENGTH(ct_b64) + LENGTH(base_nonce_b64) + LENGTH(base_ct_b64))
FROM operations WHERE tenant_id=?`, s.tenant.TenantID).Scan(&ops)
	if err != nil {
		return 0, &StorageError{Op: "size", Cause: err}
	}
	return n.Int64 + ops.Int64, nil
}

// EntityCounts returns the number of live records per entity type.
func (s *Store) EntityCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT entity_type, COUNT(*) FROM records
WHERE tenant_id=? AND deleted=0 GROUP BY entity_type`, s.tenant.TenantID)
	if err != nil {
		return nil, &StorageError{Op: "counts", Cause: err}
	}
	defer func() {
		_ = rows.Close()
	}()
	out := map[string]int{}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, &StorageError{Op: "counts", Cause: err}
		}
		out[typ] = n
	}
	return out, rows.Err()
}

// ClearTenant irreversibly wipes all replica data, queue entries, conflicts
// and sync state for this tenant.
func (s *Store) ClearTenant(ctx context.Context) error {
	for _, q := range []string{
		`DELETE FROM records WHERE tenant_id=?`,
		`DELETE FROM operations WHERE tenant_id=?`,
		`DELETE FROM conflicts WHERE tenant_id=?`,
		`DELETE FROM sync_state WHERE tenant_id=?`,
	} {
		if _, err := s.db.ExecContext(ctx, q, s.tenant.TenantID); err != nil {
			return &StorageError{Op: "clear", Cause: err}
		}
	}
	return nil
}

// GetState fetches sync metadata with default fallback.
func (s *Store) GetState(ctx context.Context, key, def string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `
SELECT v FROM sync_state WHERE tenant_id=? AND k=?`, s.tenant.TenantID, key).Scan(&v)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return "", &StorageError{Op: "state", Cause: err}
	}
	return v, nil
}

// SetState updates sync metadata.
func (s *Store) SetState(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_state(tenant_id,k,v) VALUES(?,?,?)
ON CONFLICT(tenant_id,k) DO UPDATE SET v=excluded.v`, s.tenant.TenantID, key, val)
	if err != nil {
		return &StorageError{Op: "state", Cause: err}
	}
	return nil
}

// Cursor returns the pull watermark, empty when never synced.
func (s *Store) Cursor(ctx context.Context) (string, error) {
	return s.GetState(ctx, "pull_cursor", "")
}

// SetCursor advances the pull watermark. Called only after a pull batch has
// been fully applied.
func (s *Store) SetCursor(ctx context.Context, cursor string) error {
	return s.SetState(ctx, "pull_cursor", cursor)
}
