// ABOUTME: Seed material handling plus BIP39 mnemonic backup/restore.
// ABOUTME: The seed never persists alongside replica data; it lives with the session.
package offline

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// Seed is the secret key-derivation input held by the runtime.
type Seed struct {
	Raw []byte
}

// NewSeed produces fresh random seed material and its hex form.
func NewSeed() (Seed, string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return Seed{}, "", err
	}
	return Seed{Raw: b}, hex.EncodeToString(b), nil
}

// ParseSeed converts the provided hex string back into seed bytes.
func ParseSeed(s string) (Seed, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Seed{}, errors.New("seed required")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Seed{}, err
	}
	if len(b) != 32 {
		return Seed{}, errors.New("seed must decode to 32 bytes")
	}
	return Seed{Raw: b}, nil
}

// NewMnemonic generates a 24-word BIP39 mnemonic and the seed it encodes.
// The mnemonic is shown once so the practice can re-key a replacement device.
func NewMnemonic() (mnemonic string, seed Seed, err error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", Seed{}, err
	}
	mnemonic, err = bip39.NewMnemonic(entropy)
	if err != nil {
		return "", Seed{}, err
	}
	raw := bip39.NewSeed(mnemonic, "")
	return mnemonic, Seed{Raw: raw[:32]}, nil
}

// ParseMnemonic validates a mnemonic phrase and recovers the seed.
func ParseMnemonic(mnemonic string) (Seed, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return Seed{}, errors.New("mnemonic required")
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return Seed{}, errors.New("invalid mnemonic phrase")
	}
	raw := bip39.NewSeed(mnemonic, "")
	return Seed{Raw: raw[:32]}, nil
}
