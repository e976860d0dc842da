package offline

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// DerivedKey is per-tenant symmetric key material.
// Read-only after derivation; safe to share across concurrent encrypt/decrypt.
type DerivedKey struct {
	EncKey [32]byte
}

// KDFParams configures Argon2id hardness values.
type KDFParams struct {
	MemoryMB uint32
	Time     uint32
	Threads  uint8
	KeyLen   uint32
}

// DefaultKDFParams returns defaults reasonable for desktops/laptops.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		MemoryMB: 256,
		Time:     2,
		Threads:  1,
		KeyLen:   32,
	}
}

// DeriveKey expands the session seed into a tenant-scoped encryption key.
// Deterministic: the same (seed, tenant, practice) always yields the same key.
// Returns ErrKeyDerivation when seed material is unavailable.
func DeriveKey(seed Seed, passphrase string, tc TenantContext, params KDFParams) (DerivedKey, error) {
	if len(seed.Raw) == 0 {
		return DerivedKey{}, &KeyDerivationError{Reason: "seed material unavailable"}
	}
	if err := tc.Validate(); err != nil {
		return DerivedKey{}, &KeyDerivationError{Reason: err.Error()}
	}

	input := append([]byte{}, seed.Raw...)
	input = append(input, []byte(passphrase)...)

	salt := []byte("smartdmv:v1:argon2id")
	mk := argon2.IDKey(
		input,
		salt,
		params.Time,
		params.MemoryMB*1024,
		params.Threads,
		params.KeyLen,
	)

	var out DerivedKey
	info := []byte("smartdmv:v1:tenant|" + tc.Scope())
	enc := hkdf.New(sha256.New, mk, nil, info)
	if _, err := io.ReadFull(enc, out.EncKey[:]); err != nil {
		return DerivedKey{}, err
	}

	for i := range mk {
		mk[i] = 0
	}
	return out, nil
}
