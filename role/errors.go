package role

import (
	"errors"
	"fmt"

	"timerlink/models"
)

// Invitation outcome reasons carried on the wire and in InvitationError.
const (
	ReasonRejected        = "rejected"
	ReasonTimeout         = "timeout"
	ReasonNotAdvertising  = "not_advertising"
	ReasonIncompatibleApp = "incompatible_app"
	ReasonClosing         = "closing"
	ReasonLinkLost        = "link_lost"
	ReasonPeerLost        = "peer_lost"
)

var (
	// ErrUnknownPeer is returned by SelectPeer for a peer not in the discovered set.
	ErrUnknownPeer = errors.New("role: peer not discovered")
	// ErrInvitationPending is returned by SelectPeer while another invitation is outstanding.
	ErrInvitationPending = errors.New("role: invitation already pending")
	// ErrInvitationNotFound is returned when answering an invitation that is no longer pending.
	ErrInvitationNotFound = errors.New("role: invitation not pending")
	// ErrInvitationRejected matches every InvitationError.
	ErrInvitationRejected = errors.New("role: invitation rejected")
	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.New("role: manager closed")
)

// InvitationError reports that an outgoing invitation did not lead to a connection.
type InvitationError struct {
	Peer   models.PeerIdentity
	Reason string
}

func (e *InvitationError) Error() string {
	return fmt.Sprintf("role: invitation to %s not accepted: %s", e.Peer.String(), e.Reason)
}

func (e *InvitationError) Is(target error) bool {
	return target == ErrInvitationRejected
}
