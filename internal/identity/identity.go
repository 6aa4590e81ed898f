// Package identity is the reference implementation of mesh.IdentityManager
// and mesh.SignatureService: a long-term Ed25519 keypair, optionally
// persisted to disk wrapped under a passphrase via internal/crypto.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"

	"fluxon/internal/crypto"
)

const filePerm = 0o600

// Manager holds one node's long-term signing identity. It satisfies both
// mesh.IdentityManager and mesh.SignatureService.
type Manager struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// New generates a fresh in-memory identity. Callers that want persistence
// should follow with Save.
func New() (*Manager, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &Manager{priv: priv, pub: pub}, nil
}

// Load reads an identity previously written by Save, decrypting it with
// passphrase. The file layout is crypto.SaltSize bytes of PBKDF2 salt followed by
// the AES-GCM-sealed 32-byte Ed25519 seed.
func Load(path string, passphrase []byte) (*Manager, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}
	if len(raw) < crypto.SaltSize {
		return nil, fmt.Errorf("identity: %s is too short to contain a salt", path)
	}
	salt := raw[:crypto.SaltSize]
	sealed := raw[crypto.SaltSize:]

	key := crypto.DeriveKey(passphrase, salt)
	seed, err := crypto.Decrypt(sealed, key)
	if err != nil {
		return nil, fmt.Errorf("identity: decrypt %s: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: %s decrypted to %d bytes, want %d", path, len(seed), ed25519.SeedSize)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return &Manager{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Save encrypts the identity's seed under passphrase and writes it to path
// with owner-only permissions.
func (m *Manager) Save(path string, passphrase []byte) error {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return fmt.Errorf("identity: generate salt: %w", err)
	}
	key := crypto.DeriveKey(passphrase, salt)

	seed := m.priv.Seed()
	sealed, err := crypto.Encrypt(seed, key)
	if err != nil {
		return fmt.Errorf("identity: encrypt seed: %w", err)
	}

	out := make([]byte, 0, len(salt)+len(sealed))
	out = append(out, salt...)
	out = append(out, sealed...)
	if err := os.WriteFile(path, out, filePerm); err != nil {
		return fmt.Errorf("identity: write %s: %w", path, err)
	}
	return nil
}

// SigningPublicKey implements mesh.IdentityManager.
func (m *Manager) SigningPublicKey() []byte {
	return append([]byte(nil), m.pub...)
}

// Sign implements mesh.SignatureService.
func (m *Manager) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, data), nil
}

// Verify implements mesh.SignatureService. A public key of the wrong length
// is treated as a verification failure rather than an error.
func (m *Manager) Verify(publicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature)
}
