package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"timerlink/crypto"
)

// Dial connects to a peer, performs the handshake, and returns a ready PeerConnection.
func Dial(ctx context.Context, address string, options HandshakeOptions) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	connection, err := dialHandshake(ctx, conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return connection, nil
}

func dialHandshake(ctx context.Context, conn net.Conn, opts HandshakeOptions) (*PeerConnection, error) {
	deadline := time.Now().Add(opts.ConnectionTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	challengePayload, err := ReadControlFrame(conn)
	if err != nil {
		return nil, contextOr(ctx, fmt.Errorf("read handshake challenge: %w", err))
	}
	var challenge HandshakeChallenge
	if err := DecodeMessage(challengePayload, TypeHandshakeChallenge, &challenge); err != nil {
		return nil, err
	}
	if _, err := decodeChallengeNonce(challenge.Nonce); err != nil {
		return nil, err
	}

	localEphemeralPrivateKey, localEphemeralPublicKey, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return nil, err
	}

	handshake, err := BuildHandshake(opts.Identity, opts.ServiceType, localEphemeralPublicKey.Bytes(), challenge.Nonce, TypeHandshake)
	if err != nil {
		return nil, err
	}
	payload, err := EncodeJSON(handshake)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, contextOr(ctx, fmt.Errorf("send handshake: %w", err))
	}

	responsePayload, err := ReadControlFrame(conn)
	if err != nil {
		return nil, contextOr(ctx, fmt.Errorf("read handshake response: %w", err))
	}

	var response HandshakeMessage
	if err := DecodeMessage(responsePayload, TypeHandshakeResponse, &response); err != nil {
		return nil, err
	}
	if _, err := VerifyHandshake(response); err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			return nil, err
		}
		return nil, fmt.Errorf("verify handshake response: %w", err)
	}
	if response.ChallengeNonce != challenge.Nonce {
		return nil, errors.New("handshake response nonce mismatch")
	}
	if response.ServiceType != opts.ServiceType {
		return nil, fmt.Errorf("peer %q: %w", response.PeerID, ErrServiceMismatch)
	}

	if err := evaluatePeerKey(response.PeerID, response.Ed25519PublicKey, opts.KnownPeerKeyLookup, opts.OnKeyChangeDecision); err != nil {
		return nil, err
	}

	sessionKey, err := deriveSessionKey(localEphemeralPrivateKey, response.X25519PublicKey, opts.Identity.PeerID, response.PeerID, challenge.Nonce)
	if err != nil {
		return nil, err
	}

	if !stop() {
		return nil, ctx.Err()
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newPeerConnection(conn, sessionKey, opts.connectionOptions(response)), nil
}

func contextOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}
