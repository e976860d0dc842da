package offline

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope contains encrypted payload metadata for storage and transport.
type Envelope struct {
	NonceB64 string `json:"nonce_b64"`
	CTB64    string `json:"ct_b64"`
}

// AAD produces deterministic binding bytes tying ciphertext to its logical
// location. A record moved to another tenant, entity type, or entity id
// fails authentication on decrypt.
func AAD(tc TenantContext, entityType, entityID string) []byte {
	return []byte("v1|" + tc.TenantID + "|" + tc.PracticeID + "|" + entityType + "|" + entityID)
}

// Encrypt uses XChaCha20-Poly1305 to encrypt plaintext using aad binding.
func Encrypt(key DerivedKey, plaintext, aad []byte) (Envelope, error) {
	aead, err := chacha20poly1305.NewX(key.EncKey[:])
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return Envelope{
		NonceB64: base64.StdEncoding.EncodeToString(nonce),
		CTB64:    base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Decrypt reverses Encrypt. AAD mismatch or tampered ciphertext is a hard
// authentication failure, never silently ignored.
func Decrypt(key DerivedKey, env Envelope, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key.EncKey[:])
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.NonceB64)
	if err != nil {
		return nil, err
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, errors.New("invalid nonce size")
	}
	ct, err := base64.StdEncoding.DecodeString(env.CTB64)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ct, aad)
}
