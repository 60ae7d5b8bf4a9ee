package role

import (
	"sync"
	"time"

	"timerlink/models"
)

// PendingInvitation is an incoming request to join the advertiser's session.
// It is decided exactly once: by Accept, Reject, the invitation timeout, or
// loss of the underlying link.
type PendingInvitation struct {
	ID         string
	Peer       models.PeerIdentity
	ReceivedAt time.Time
	ExpiresAt  time.Time

	resolve func(accept bool, reason string) bool

	mu      sync.Mutex
	outcome string
	done    chan struct{}
}

func newPendingInvitation(id string, peer models.PeerIdentity, now time.Time, timeout time.Duration) *PendingInvitation {
	return &PendingInvitation{
		ID:         id,
		Peer:       peer,
		ReceivedAt: now,
		ExpiresAt:  now.Add(timeout),
		done:       make(chan struct{}),
	}
}

// Accept admits the peer. It reports false if the invitation was already decided.
func (p *PendingInvitation) Accept() bool {
	return p.resolve(true, "")
}

// Reject declines the peer. It reports false if the invitation was already decided.
func (p *PendingInvitation) Reject() bool {
	return p.resolve(false, ReasonRejected)
}

// Done is closed once the invitation has been decided.
func (p *PendingInvitation) Done() <-chan struct{} {
	return p.done
}

// Outcome returns InvitationAccepted or the rejection reason, or "" while pending.
func (p *PendingInvitation) Outcome() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome
}

func (p *PendingInvitation) finish(outcome string) {
	p.mu.Lock()
	p.outcome = outcome
	p.mu.Unlock()
	close(p.done)
}
