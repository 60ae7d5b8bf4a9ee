package role

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"timerlink/crypto"
	"timerlink/discovery"
	"timerlink/dispatch"
	"timerlink/network"
	"timerlink/session"
)

// DefaultInvitationTimeout bounds how long an invitation may stay unanswered.
const DefaultInvitationTimeout = 30 * time.Second

// Announcer withdraws a service advertisement.
type Announcer interface {
	Stop()
}

// Scanner reports discovered peers for one service type. Background scan
// failures arrive as discovery.EventScanFailed.
type Scanner interface {
	Start() error
	Stop()
	Events() <-chan discovery.Event
	// Refresh runs an immediate scan window and returns its failure.
	Refresh(ctx context.Context) error
}

// AnnounceFunc publishes the local service. The default registers over mDNS.
type AnnounceFunc func(cfg discovery.Config) (Announcer, error)

// ScanFunc creates a scanner for the configured service type. The default
// browses mDNS.
type ScanFunc func(cfg discovery.Config) (Scanner, error)

// PeerAuthenticatedFunc is called from a background goroutine after a peer
// has been admitted, with the Ed25519 key it proved during the handshake.
type PeerAuthenticatedFunc func(peerID, displayName, publicKeyBase64 string)

// Options are shared by both roles.
type Options struct {
	// Keys sign handshakes and invitations. Ephemeral keys are generated when empty.
	Keys        crypto.IdentityKeys
	ServiceType string
	AppID       string
	AppVersion  string

	InvitationTimeout time.Duration
	HandshakeTimeout  time.Duration

	// Queue runs every delegate callback. A private queue is started and
	// owned by the manager when nil.
	Queue  *dispatch.Queue
	Logger *zap.Logger
	Clock  clockwork.Clock

	KnownPeerKeyLookup  network.KnownPeerKeyLookup
	OnKeyChangeDecision network.KeyChangeDecisionFunc
	OnPeerAuthenticated PeerAuthenticatedFunc
}

func (o Options) withDefaults() (Options, error) {
	out := o
	if err := session.ValidateServiceType(out.ServiceType); err != nil {
		return out, err
	}
	if out.InvitationTimeout <= 0 {
		out.InvitationTimeout = DefaultInvitationTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = network.DefaultConnectionTimeout
	}
	if out.Clock == nil {
		out.Clock = clockwork.NewRealClock()
	}
	if len(out.Keys.Private) == 0 || len(out.Keys.Public) == 0 {
		keys, err := crypto.GenerateIdentityKeys()
		if err != nil {
			return out, &session.ConfigurationError{Field: "identity keys", Reason: err.Error()}
		}
		out.Keys = keys
	}
	return out, nil
}

func (o Options) handshakeOptions(identity network.LocalIdentity) network.HandshakeOptions {
	return network.HandshakeOptions{
		Identity:            identity,
		ServiceType:         o.ServiceType,
		KnownPeerKeyLookup:  o.KnownPeerKeyLookup,
		OnKeyChangeDecision: o.OnKeyChangeDecision,
		ConnectionTimeout:   o.HandshakeTimeout,
	}
}

func (o Options) discoveryConfig(identity network.LocalIdentity) discovery.Config {
	return discovery.Config{
		ServiceType:    o.ServiceType,
		SelfPeerID:     identity.PeerID,
		DisplayName:    identity.DisplayName,
		KeyFingerprint: o.Keys.Fingerprint(),
		AppID:          o.AppID,
		AppVersion:     o.AppVersion,
	}
}

func mdnsAnnounce(cfg discovery.Config) (Announcer, error) {
	broadcaster, err := discovery.StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}
	return broadcaster, nil
}

func mdnsScan(cfg discovery.Config) (Scanner, error) {
	scanner, err := discovery.NewPeerScanner(cfg)
	if err != nil {
		return nil, err
	}
	return scanner, nil
}
