package network

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/goccy/go-json"

	"timerlink/crypto"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// MaxControlFrameSize bounds frames read before a session is established.
	MaxControlFrameSize = 64 * 1024
	// MaxDataPayloadSize bounds one application payload before encryption and encoding.
	MaxDataPayloadSize = 4 * 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial/handshake duration.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 20 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
	// MaxTimestampSkew bounds clock drift accepted on signed control messages.
	MaxTimestampSkew = 5 * time.Minute
)

const (
	TypeHandshakeChallenge = "handshake_challenge"
	TypeHandshake          = "handshake"
	TypeHandshakeResponse  = "handshake_response"
	TypeInvitation         = "invitation"
	TypeInvitationResponse = "invitation_response"
	TypeData               = "data"
	TypePeerDisconnect     = "peer_disconnect"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeError              = "error"
)

const (
	InvitationAccepted = "accepted"
	InvitationRejected = "rejected"
)

var (
	// ErrFrameTooLarge indicates payload exceeds the frame limit.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrServiceMismatch indicates the peers run different service types.
	ErrServiceMismatch = errors.New("network: service type mismatch")
)

// LocalIdentity contains local device values required to build handshake messages.
type LocalIdentity struct {
	PeerID      string
	DisplayName string
	Keys        crypto.IdentityKeys
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// HandshakeChallenge is the first frame the accepting side writes.
type HandshakeChallenge struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

// HandshakeMessage is used for both the dialer's handshake and the listener's response.
type HandshakeMessage struct {
	Type             string `json:"type"`
	PeerID           string `json:"peer_id"`
	DisplayName      string `json:"display_name"`
	ServiceType      string `json:"service_type"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	X25519PublicKey  string `json:"x25519_public_key"`
	ProtocolVersion  int    `json:"protocol_version"`
	ChallengeNonce   string `json:"challenge_nonce"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

// InvitationMessage asks the advertiser to admit the sender into its session.
type InvitationMessage struct {
	Type            string `json:"type"`
	InvitationID    string `json:"invitation_id"`
	FromPeerID      string `json:"from_peer_id"`
	FromDisplayName string `json:"from_display_name"`
	AppID           string `json:"app_id"`
	AppVersion      string `json:"app_version"`
	Timestamp       int64  `json:"timestamp"`
	Signature       string `json:"signature"`
}

// InvitationResponse carries the advertiser's decision.
type InvitationResponse struct {
	Type         string `json:"type"`
	InvitationID string `json:"invitation_id"`
	FromPeerID   string `json:"from_peer_id"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	Signature    string `json:"signature"`
}

// DataMessage carries one encrypted application payload.
type DataMessage struct {
	Type       string `json:"type"`
	Sequence   uint64 `json:"sequence"`
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Timestamp  int64  `json:"timestamp"`
}

// PeerDisconnect signals graceful disconnect.
type PeerDisconnect struct {
	Type       string `json:"type"`
	FromPeerID string `json:"from_peer_id"`
	Timestamp  int64  `json:"timestamp"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type       string `json:"type"`
	FromPeerID string `json:"from_peer_id"`
	Timestamp  int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type       string `json:"type"`
	FromPeerID string `json:"from_peer_id"`
	Timestamp  int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// RemoteError is returned when the peer answers with an error frame.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

// Is maps well-known remote codes onto local sentinels.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case "service_mismatch":
		return target == ErrServiceMismatch
	case "version_mismatch":
		return target == ErrUnsupportedVersion
	case "key_changed":
		return target == ErrKeyChanged
	}
	return false
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// DecodeMessage unmarshals payload into out and checks its type field.
func DecodeMessage(payload []byte, wantType string, out any) error {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return err
	}
	if msgType == TypeError && wantType != TypeError {
		var remote ErrorMessage
		if err := json.Unmarshal(payload, &remote); err != nil {
			return fmt.Errorf("decode remote error response: %w", err)
		}
		return &RemoteError{Code: remote.Code, Message: remote.Message}
	}
	if msgType != wantType {
		return fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, wantType, msgType)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", wantType, err)
	}
	return nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame of at most MaxFrameSize bytes.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrameLimited(r, MaxFrameSize)
}

// ReadControlFrame reads one frame of at most MaxControlFrameSize bytes.
func ReadControlFrame(r io.Reader) ([]byte, error) {
	return readFrameLimited(r, MaxControlFrameSize)
}

func readFrameLimited(r io.Reader, limit uint32) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > limit {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if err := setReadTimeout(conn, timeout); err != nil {
		return nil, err
	}
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
	}()
	return ReadFrame(conn)
}

// ReadControlFrameWithTimeout reads a control frame with an optional read deadline.
func ReadControlFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if err := setReadTimeout(conn, timeout); err != nil {
		return nil, err
	}
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
	}()
	return ReadControlFrame(conn)
}

func setReadTimeout(conn net.Conn, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	return nil
}

// BuildHandshake builds and signs a handshake or handshake response.
func BuildHandshake(identity LocalIdentity, serviceType string, ephemeralPublicKey []byte, challengeNonce, msgType string) (HandshakeMessage, error) {
	if len(identity.Keys.Private) != ed25519.PrivateKeySize {
		return HandshakeMessage{}, errors.New("invalid local Ed25519 private key")
	}

	msg := HandshakeMessage{
		Type:             msgType,
		PeerID:           identity.PeerID,
		DisplayName:      identity.DisplayName,
		ServiceType:      serviceType,
		Ed25519PublicKey: identity.Keys.PublicKeyBase64(),
		X25519PublicKey:  base64.StdEncoding.EncodeToString(ephemeralPublicKey),
		ProtocolVersion:  ProtocolVersion,
		ChallengeNonce:   challengeNonce,
		Timestamp:        time.Now().UnixMilli(),
	}

	signable := msg
	signable.Signature = ""
	signature, err := signJSON(identity.Keys.Private, signable)
	if err != nil {
		return HandshakeMessage{}, err
	}
	msg.Signature = signature
	return msg, nil
}

// VerifyHandshake verifies version and self-signature, returning the sender's key.
func VerifyHandshake(msg HandshakeMessage) (ed25519.PublicKey, error) {
	if msg.ProtocolVersion != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}

	publicKey, err := decodePublicKey(msg.Ed25519PublicKey)
	if err != nil {
		return nil, err
	}

	signable := msg
	signable.Signature = ""
	if err := verifyJSON(publicKey, signable, msg.Signature); err != nil {
		return nil, err
	}
	return publicKey, nil
}

// SignInvitation fills the signature of an invitation.
func SignInvitation(identity LocalIdentity, msg *InvitationMessage) error {
	signable := *msg
	signable.Signature = ""
	signature, err := signJSON(identity.Keys.Private, signable)
	if err != nil {
		return err
	}
	msg.Signature = signature
	return nil
}

// VerifyInvitation checks an invitation against the sender's handshake key.
func VerifyInvitation(publicKey ed25519.PublicKey, msg InvitationMessage) error {
	signable := msg
	signable.Signature = ""
	return verifyJSON(publicKey, signable, msg.Signature)
}

// SignInvitationResponse fills the signature of an invitation response.
func SignInvitationResponse(identity LocalIdentity, msg *InvitationResponse) error {
	signable := *msg
	signable.Signature = ""
	signature, err := signJSON(identity.Keys.Private, signable)
	if err != nil {
		return err
	}
	msg.Signature = signature
	return nil
}

// VerifyInvitationResponse checks a response against the advertiser's handshake key.
func VerifyInvitationResponse(publicKey ed25519.PublicKey, msg InvitationResponse) error {
	signable := msg
	signable.Signature = ""
	return verifyJSON(publicKey, signable, msg.Signature)
}

func signJSON(privateKey ed25519.PrivateKey, signable any) (string, error) {
	raw, err := json.Marshal(signable)
	if err != nil {
		return "", fmt.Errorf("marshal signable payload: %w", err)
	}
	signature, err := crypto.Sign(privateKey, raw)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signature), nil
}

func verifyJSON(publicKey ed25519.PublicKey, signable any, signatureBase64 string) error {
	signature, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	raw, err := json.Marshal(signable)
	if err != nil {
		return fmt.Errorf("marshal signable payload: %w", err)
	}
	if !crypto.Verify(publicKey, raw, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// WithinTimestampSkew reports whether a millisecond timestamp is close to now.
func WithinTimestampSkew(timestamp int64) bool {
	if timestamp == 0 {
		return false
	}
	delta := time.Since(time.UnixMilli(timestamp))
	if delta < 0 {
		delta = -delta
	}
	return delta <= MaxTimestampSkew
}

// DecodePublicKey parses a base64 Ed25519 public key.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	return decodePublicKey(encoded)
}

func decodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode Ed25519 public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("invalid Ed25519 public key length")
	}
	return ed25519.PublicKey(raw), nil
}
