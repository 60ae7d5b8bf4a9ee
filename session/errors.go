package session

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"timerlink/models"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("session: transport closed")

// ConfigurationError reports an invalid construction argument.
type ConfigurationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("session: invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("session: invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// PermissionError reports that the platform denied a network operation.
type PermissionError struct {
	Op  string
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("session: %s: permission denied: %v", e.Op, e.Err)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// SendReason classifies a SendError.
type SendReason string

const (
	ReasonNoPeersConnected SendReason = "no_peers_connected"
	ReasonPayloadTooLarge  SendReason = "payload_too_large"
	ReasonQueueFull        SendReason = "queue_full"
	ReasonSendFailed       SendReason = "send_failed"
)

// SendError reports a failed dissemination. Peer is set for per-link failures.
type SendError struct {
	Reason SendReason
	Peer   models.PeerIdentity
	Err    error
}

var (
	// ErrNoPeersConnected is returned by SendToAll when nobody is connected.
	ErrNoPeersConnected = &SendError{Reason: ReasonNoPeersConnected}
	// ErrPayloadTooLarge is returned by SendToAll for payloads above MaxPayloadSize.
	ErrPayloadTooLarge = &SendError{Reason: ReasonPayloadTooLarge}
)

func (e *SendError) Error() string {
	msg := "session: send failed: " + string(e.Reason)
	if !e.Peer.IsZero() {
		msg += " (peer " + e.Peer.String() + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Is matches any SendError with the same reason.
func (e *SendError) Is(target error) bool {
	var other *SendError
	if !errors.As(target, &other) {
		return false
	}
	return other.Reason == e.Reason
}

// TransportError reports a link or platform failure that is not a permission problem.
type TransportError struct {
	Op   string
	Peer models.PeerIdentity
	Err  error
}

func (e *TransportError) Error() string {
	if e.Peer.IsZero() {
		return fmt.Sprintf("session: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("session: %s (peer %s): %v", e.Op, e.Peer.String(), e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ClassifyPlatformError wraps err as a PermissionError when the OS denied the
// operation and as a TransportError otherwise.
func ClassifyPlatformError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsPermissionDenied(err) {
		return &PermissionError{Op: op, Err: err}
	}
	return &TransportError{Op: op, Err: err}
}

// IsPermissionDenied reports whether err originates from a denied socket or file operation.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, os.ErrPermission) ||
		errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EPERM)
}
