package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const identityPEMType = "TIMERLINK ED25519 SEED"

// IdentityKeys is the long-lived signing keypair of one device.
type IdentityKeys struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateIdentityKeys creates a fresh in-memory keypair.
func GenerateIdentityKeys() (IdentityKeys, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return IdentityKeys{}, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	return IdentityKeys{Private: private, Public: public}, nil
}

// EnsureIdentityKeys loads the keypair seed at path, generating it on first run.
func EnsureIdentityKeys(path string) (IdentityKeys, error) {
	keys, err := LoadIdentityKeys(path)
	if err == nil {
		return keys, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return IdentityKeys{}, err
	}

	keys, err = GenerateIdentityKeys()
	if err != nil {
		return IdentityKeys{}, err
	}
	if err := SaveIdentityKeys(path, keys); err != nil {
		return IdentityKeys{}, err
	}
	return keys, nil
}

// LoadIdentityKeys reads a PEM-encoded Ed25519 seed.
func LoadIdentityKeys(path string) (IdentityKeys, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return IdentityKeys{}, fmt.Errorf("read identity key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return IdentityKeys{}, errors.New("decode identity key: no PEM block")
	}
	if block.Type != identityPEMType {
		return IdentityKeys{}, fmt.Errorf("decode identity key: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != ed25519.SeedSize {
		return IdentityKeys{}, fmt.Errorf("decode identity key: invalid seed size %d", len(block.Bytes))
	}

	private := ed25519.NewKeyFromSeed(block.Bytes)
	return IdentityKeys{
		Private: private,
		Public:  private.Public().(ed25519.PublicKey),
	}, nil
}

// SaveIdentityKeys writes the keypair seed with 0600 permissions.
func SaveIdentityKeys(path string, keys IdentityKeys) error {
	if len(keys.Private) != ed25519.PrivateKeySize {
		return fmt.Errorf("save identity key: invalid key size %d", len(keys.Private))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	block := &pem.Block{Type: identityPEMType, Bytes: keys.Private.Seed()}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write identity key: %w", err)
	}
	return nil
}

// PublicKeyBase64 returns the standard base64 form used on the wire.
func (k IdentityKeys) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.Public)
}

// Fingerprint returns the fingerprint of the public key.
func (k IdentityKeys) Fingerprint() string {
	return KeyFingerprint(k.Public)
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FingerprintBase64 fingerprints a base64-encoded public key; empty on decode failure.
func FingerprintBase64(publicKeyBase64 string) string {
	raw, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return ""
	}
	return KeyFingerprint(raw)
}
