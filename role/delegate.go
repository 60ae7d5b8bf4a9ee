// Package role implements the two discovery roles of a timer session: the
// Advertiser (commander) and the Browser (client).
package role

import "timerlink/models"

// Manager is the surface shared by both roles.
type Manager interface {
	Role() models.Role
	LocalPeer() models.PeerIdentity
	ServiceType() string
	SendToAll(payload []byte) error
	ConnectedPeers() []models.PeerIdentity
	PeerState(peerID string) models.ConnectionState
	Close() error
}

// Delegate receives every notification from a Manager. PeerIdentity is pulled
// once during construction on the caller's goroutine; every other method runs
// on the manager's dispatch queue.
type Delegate interface {
	PeerIdentity() models.PeerIdentity
	ConnectionListChanged(m Manager)
	ReceivedConnectionRequest(m Manager, invitation *PendingInvitation)
	ConnectionSuccessful(m Manager, peer models.PeerIdentity)
	DataReceived(m Manager, from models.PeerIdentity, payload []byte)
	PeerDisconnected(m Manager, peer models.PeerIdentity)
	ErrorOccurred(m Manager, err error)
}

// PickerPresenter is an optional Delegate capability for showing and hiding a
// commander picker. Delegates that do not implement it are simply not asked.
type PickerPresenter interface {
	PresentCommanderBrowser(m Manager)
	DismissCommanderBrowser(m Manager)
}
