package network

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"timerlink/crypto"
)

const challengeNonceSize = 32

var (
	// ErrKeyChanged indicates a known peer presented a different public key.
	ErrKeyChanged = errors.New("network: peer public key changed")
)

// KeyChangeDecisionFunc blocks handshake progression until a trust decision is made.
type KeyChangeDecisionFunc func(peerID, existingPublicKeyBase64, receivedPublicKeyBase64 string) (bool, error)

// KnownPeerKeyLookup returns the pinned public key for a peer, if any.
type KnownPeerKeyLookup func(peerID string) (string, bool)

// HandshakeOptions configures handshake verification and connection behavior.
type HandshakeOptions struct {
	Identity    LocalIdentity
	ServiceType string

	KnownPeerKeyLookup  KnownPeerKeyLookup
	OnKeyChangeDecision KeyChangeDecisionFunc

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   *bool
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

func (o HandshakeOptions) validate() error {
	if o.Identity.PeerID == "" {
		return errors.New("local peer ID is required")
	}
	if o.Identity.DisplayName == "" {
		return errors.New("local display name is required")
	}
	if len(o.Identity.Keys.Private) == 0 || len(o.Identity.Keys.Public) == 0 {
		return errors.New("local Ed25519 identity keys are required")
	}
	if o.ServiceType == "" {
		return errors.New("service type is required")
	}
	return nil
}

func (o HandshakeOptions) autoRespondPingEnabled() bool {
	if o.AutoRespondPing == nil {
		return true
	}
	return *o.AutoRespondPing
}

func (o HandshakeOptions) connectionOptions(peer HandshakeMessage) ConnectionOptions {
	return ConnectionOptions{
		LocalPeerID:       o.Identity.PeerID,
		PeerID:            peer.PeerID,
		PeerDisplayName:   peer.DisplayName,
		PeerPublicKey:     peer.Ed25519PublicKey,
		KeepAliveInterval: o.KeepAliveInterval,
		KeepAliveTimeout:  o.KeepAliveTimeout,
		FrameReadTimeout:  o.FrameReadTimeout,
		AutoRespondPing:   o.autoRespondPingEnabled(),
	}
}

func deriveSessionKey(localEphemeralPrivateKey *ecdh.PrivateKey, peerX25519PublicKeyBase64, localPeerID, remotePeerID, challengeNonceBase64 string) ([]byte, error) {
	peerPublicRaw, err := base64.StdEncoding.DecodeString(peerX25519PublicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode peer ephemeral public key: %w", err)
	}
	peerPublicKey, err := crypto.ParseX25519PublicKey(peerPublicRaw)
	if err != nil {
		return nil, err
	}

	sharedSecret, err := crypto.ComputeX25519SharedSecret(localEphemeralPrivateKey, peerPublicKey)
	if err != nil {
		return nil, err
	}

	challengeNonce, err := decodeChallengeNonce(challengeNonceBase64)
	if err != nil {
		return nil, err
	}

	return crypto.DeriveSessionKey(sharedSecret, localPeerID, remotePeerID, challengeNonce)
}

func evaluatePeerKey(peerID, receivedBase64 string, lookup KnownPeerKeyLookup, decision KeyChangeDecisionFunc) error {
	if lookup == nil {
		return nil
	}

	existing, ok := lookup(peerID)
	if !ok || existing == "" || existing == receivedBase64 {
		return nil
	}

	if decision == nil {
		return ErrKeyChanged
	}

	trust, err := decision(peerID, existing, receivedBase64)
	if err != nil {
		return fmt.Errorf("key change decision for peer %q: %w", peerID, err)
	}
	if !trust {
		return ErrKeyChanged
	}
	return nil
}

func generateChallengeNonce() (string, error) {
	nonce := make([]byte, challengeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(nonce), nil
}

func decodeChallengeNonce(encoded string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode challenge nonce: %w", err)
	}
	if len(nonce) != challengeNonceSize {
		return nil, fmt.Errorf("invalid challenge nonce length: got %d want %d", len(nonce), challengeNonceSize)
	}
	return nonce, nil
}

func newErrorMessage(code, message string) ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

func makeVersionMismatchError(got int) ErrorMessage {
	msg := newErrorMessage("version_mismatch", fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, got))
	msg.SupportedVersions = []int{ProtocolVersion}
	return msg
}
