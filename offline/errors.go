// ABOUTME: Typed errors for the offline sync engine.
// ABOUTME: Enables programmatic error handling with errors.Is() and errors.As().
package offline

import (
	"errors"
	"fmt"
)

// Sentinel errors for programmatic handling.
var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrTransport              = errors.New("transport failure")
	ErrStorage                = errors.New("storage failure")
	ErrDecryptFailed          = errors.New("decrypt failed")
	ErrKeyDerivation          = errors.New("key derivation failed")
	ErrConflictDetected       = errors.New("conflict detected")
	ErrUnmergeable            = errors.New("conflict not mergeable")
	ErrSyncInProgress         = errors.New("already syncing")
	ErrEntityDeleted          = errors.New("entity has a pending delete")
)

// SyncError wraps errors with operation context.
type SyncError struct {
	Op     string // "push", "pull", "enqueue", "resolve"
	Err    error  // underlying typed error
	Detail string // server message if any
}

func (e *SyncError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s failed: %v (%s)", e.Op, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// StorageError marks local persistence failures. These are retryable; the
// affected operation is marked failed rather than crashing the cycle.
type StorageError struct {
	Op    string // "put", "get", "enqueue", ...
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// DecryptError provides context when decryption fails.
// This indicates an AAD mismatch or data corruption and is surfaced as a
// data-integrity fault requiring manual intervention, never retried silently.
type DecryptError struct {
	EntityType string
	EntityID   string
	Tenant     TenantContext
	Cause      error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf(
		"decrypt failed for %s/%s (tenant %s): AAD mismatch or corruption: %v",
		e.EntityType, e.EntityID, e.Tenant.Scope(), e.Cause,
	)
}

func (e *DecryptError) Unwrap() error { return e.Cause }

func (e *DecryptError) Is(target error) bool { return target == ErrDecryptFailed }

// KeyDerivationError reports unavailable or invalid key material.
type KeyDerivationError struct {
	Reason string
}

func (e *KeyDerivationError) Error() string {
	return "key derivation failed: " + e.Reason
}

func (e *KeyDerivationError) Is(target error) bool { return target == ErrKeyDerivation }
