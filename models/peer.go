package models

import (
	"strings"

	"github.com/google/uuid"
)

// PeerIdentity identifies one participating device within one logical session.
type PeerIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// NewPeerIdentity creates an identity with a freshly generated ID.
func NewPeerIdentity(displayName string) PeerIdentity {
	return PeerIdentity{
		ID:          uuid.NewString(),
		DisplayName: strings.TrimSpace(displayName),
	}
}

// Equal compares identities by ID only.
func (p PeerIdentity) Equal(other PeerIdentity) bool {
	return p.ID != "" && p.ID == other.ID
}

// IsZero reports whether the identity carries no ID.
func (p PeerIdentity) IsZero() bool {
	return p.ID == ""
}

// String returns a log-friendly representation.
func (p PeerIdentity) String() string {
	if p.DisplayName == "" {
		return p.ID
	}
	return p.DisplayName + " (" + p.ID + ")"
}
