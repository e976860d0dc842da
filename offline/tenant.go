package offline

import "errors"

// TenantContext identifies the practice whose data this engine manages.
// It namespaces every store and is bound into derived keys and envelope AAD.
// Immutable for the lifetime of a session.
type TenantContext struct {
	TenantID   string
	PracticeID string
}

// Validate reports whether the context carries both identifiers.
func (tc TenantContext) Validate() error {
	if tc.TenantID == "" {
		return errors.New("tenant id required")
	}
	if tc.PracticeID == "" {
		return errors.New("practice id required")
	}
	return nil
}

// Scope returns the canonical namespace string for this tenant.
func (tc TenantContext) Scope() string {
	return tc.TenantID + "|" + tc.PracticeID
}
