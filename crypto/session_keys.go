package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sessionKeySize = 32

var x25519Curve = ecdh.X25519()

// GenerateEphemeralX25519KeyPair creates a one-shot key pair for one handshake.
func GenerateEphemeralX25519KeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	private, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate X25519 ephemeral key: %w", err)
	}
	return private, private.PublicKey(), nil
}

// ParseX25519PublicKey validates raw peer key bytes.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	key, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return key, nil
}

// ComputeX25519SharedSecret runs the ECDH exchange.
func ComputeX25519SharedSecret(private *ecdh.PrivateKey, peer *ecdh.PublicKey) ([]byte, error) {
	if private == nil || peer == nil {
		return nil, errors.New("X25519 keys are required")
	}
	secret, err := private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// DeriveSessionKey expands a shared secret into an AES-256 key bound to both
// peer IDs (order independent) and the handshake context.
func DeriveSessionKey(sharedSecret []byte, localPeerID, remotePeerID string, context []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is required")
	}
	first, second := localPeerID, remotePeerID
	if second < first {
		first, second = second, first
	}
	info := []byte("timerlink-session|" + first + "|" + second)

	reader := hkdf.New(sha256.New, sharedSecret, context, info)
	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("expand session key: %w", err)
	}
	return key, nil
}
