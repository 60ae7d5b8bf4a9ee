package role

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"timerlink/logging"
	"timerlink/models"
	"timerlink/network"
	"timerlink/session"
)

// AdvertiserOptions configures the commander role.
type AdvertiserOptions struct {
	Options

	// ListenAddress is the TCP address for inbound links. Defaults to ":0".
	ListenAddress string
	// AutoAccept admits every compatible invitation without asking the delegate.
	AutoAccept bool
	// Announce publishes the service. Defaults to mDNS registration.
	Announce AnnounceFunc
}

type pendingEntry struct {
	invitation *PendingInvitation
	conn       *network.PeerConnection
	timer      clockwork.Timer
	// epoch is the Disconnect generation the invitation arrived in.
	epoch uint64
}

// Advertiser is the commander: it announces the service, receives invitations,
// and pushes payloads to every admitted client.
type Advertiser struct {
	core   *core
	opts   AdvertiserOptions
	clock  clockwork.Clock
	hsOpts network.HandshakeOptions
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	server      *network.Server
	announcer   Announcer
	advertising bool
	closed      bool
	epoch       uint64
	pending     map[string]*pendingEntry
}

var _ Manager = (*Advertiser)(nil)

// NewAdvertiser validates options and binds the delegate's identity. Nothing
// is announced until StartAdvertising.
func NewAdvertiser(options AdvertiserOptions, delegate Delegate) (*Advertiser, error) {
	c, common, err := newCore(options.Options, delegate, logging.ComponentAdvertiser)
	if err != nil {
		return nil, err
	}
	options.Options = common
	if options.ListenAddress == "" {
		options.ListenAddress = ":0"
	}
	if options.Announce == nil {
		options.Announce = mdnsAnnounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Advertiser{
		core:    c,
		opts:    options,
		clock:   common.Clock,
		hsOpts:  common.handshakeOptions(c.identity),
		logger:  c.logger,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*pendingEntry),
	}
	c.manager = a
	return a, nil
}

func (a *Advertiser) Role() models.Role              { return models.RoleAdvertiser }
func (a *Advertiser) LocalPeer() models.PeerIdentity { return a.core.local }
func (a *Advertiser) ServiceType() string            { return a.opts.ServiceType }

// SendToAll queues payload for every connected client.
func (a *Advertiser) SendToAll(payload []byte) error {
	return a.core.transport.SendToAll(payload)
}

// ConnectedPeers returns the connected clients.
func (a *Advertiser) ConnectedPeers() []models.PeerIdentity {
	return a.core.transport.ConnectedPeers()
}

// PeerState returns the link state of peerID.
func (a *Advertiser) PeerState(peerID string) models.ConnectionState {
	return a.core.peerState(peerID)
}

// IsAdvertising reports whether the service is currently announced.
func (a *Advertiser) IsAdvertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.advertising
}

// Addr returns the listener address once StartAdvertising has succeeded.
func (a *Advertiser) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return ""
	}
	return a.server.Addr().String()
}

// StartAdvertising opens the listener on first use and announces the service.
// It is idempotent. Failures are reported through ErrorOccurred.
func (a *Advertiser) StartAdvertising() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.advertising {
		return
	}

	if a.server == nil {
		server, err := network.Listen(a.opts.ListenAddress, a.hsOpts)
		if err != nil {
			a.logger.Error("listen failed", zap.String("address", a.opts.ListenAddress), zap.Error(err))
			a.core.reportError(session.ClassifyPlatformError("listen", err))
			return
		}
		a.server = server
		a.wg.Add(2)
		go a.acceptLoop(server)
		go a.errorLoop(server)
	}

	cfg := a.opts.discoveryConfig(a.core.identity)
	cfg.ListeningPort = a.server.Port()
	announcer, err := a.opts.Announce(cfg)
	if err != nil {
		a.logger.Error("announce failed", zap.Error(err))
		a.core.reportError(session.ClassifyPlatformError("advertise", err))
		return
	}

	a.announcer = announcer
	a.advertising = true
	a.logger.Info("advertising started",
		zap.String("service_type", a.opts.ServiceType),
		zap.Int("port", cfg.ListeningPort),
	)
}

// StopAdvertising withdraws the announcement. Established links are kept;
// invitations arriving while stopped are rejected.
func (a *Advertiser) StopAdvertising() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.advertising {
		return
	}
	if a.announcer != nil {
		a.announcer.Stop()
		a.announcer = nil
	}
	a.advertising = false
	a.logger.Info("advertising stopped")
}

// Disconnect drops every client link and rejects pending invitations.
// Advertising continues.
func (a *Advertiser) Disconnect() {
	a.mu.Lock()
	a.epoch++
	ids := a.pendingIDsLocked()
	a.mu.Unlock()

	for _, id := range ids {
		a.resolve(id, false, ReasonClosing)
	}
	a.core.transport.Disconnect()
}

// PendingInvitations returns the invitations awaiting a decision, oldest first.
func (a *Advertiser) PendingInvitations() []*PendingInvitation {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*PendingInvitation, 0, len(a.pending))
	for _, entry := range a.pending {
		out = append(out, entry.invitation)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

// RespondToInvitation decides the pending invitation with the given ID.
func (a *Advertiser) RespondToInvitation(id string, accept bool) error {
	reason := ReasonRejected
	if accept {
		reason = ""
	}
	if !a.resolve(id, accept, reason) {
		return fmt.Errorf("%w: %s", ErrInvitationNotFound, id)
	}
	return nil
}

// Close stops advertising, rejects pending invitations, and drops every link.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	if a.announcer != nil {
		a.announcer.Stop()
		a.announcer = nil
	}
	a.advertising = false
	server := a.server
	ids := a.pendingIDsLocked()
	a.mu.Unlock()

	for _, id := range ids {
		a.resolve(id, false, ReasonClosing)
	}
	a.cancel()
	if server != nil {
		_ = server.Close()
	}
	a.wg.Wait()
	a.core.close()
	return nil
}

func (a *Advertiser) pendingIDsLocked() []string {
	ids := make([]string, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	return ids
}

func (a *Advertiser) acceptLoop(server *network.Server) {
	defer a.wg.Done()
	for conn := range server.Incoming() {
		a.wg.Add(1)
		go a.handleLink(conn)
	}
}

func (a *Advertiser) errorLoop(server *network.Server) {
	defer a.wg.Done()
	for {
		select {
		case err, ok := <-server.Errors():
			if !ok {
				return
			}
			a.logger.Warn("inbound handshake failed", zap.Error(err))
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Advertiser) handleLink(conn *network.PeerConnection) {
	defer a.wg.Done()

	ctx, cancel := context.WithTimeout(a.ctx, a.opts.HandshakeTimeout)
	raw, err := conn.ReceiveMessage(ctx)
	cancel()
	if err != nil {
		a.logger.Debug("no invitation on inbound link", zap.String("peer_id", conn.PeerID()), zap.Error(err))
		_ = conn.Close()
		return
	}

	var inv network.InvitationMessage
	if err := network.DecodeMessage(raw, network.TypeInvitation, &inv); err != nil {
		a.logger.Warn("invalid invitation", zap.String("peer_id", conn.PeerID()), zap.Error(err))
		_ = conn.Close()
		return
	}
	if err := a.verifyInvitation(conn, inv); err != nil {
		a.logger.Warn("rejecting unverifiable invitation", zap.String("peer_id", conn.PeerID()), zap.Error(err))
		_ = conn.Close()
		return
	}

	peer := models.PeerIdentity{ID: conn.PeerID(), DisplayName: inv.FromDisplayName}
	if peer.DisplayName == "" {
		peer.DisplayName = conn.PeerDisplayName()
	}

	if inv.AppID != a.opts.AppID || inv.AppVersion != a.opts.AppVersion {
		a.sendResponse(conn, inv.InvitationID, false, ReasonIncompatibleApp)
		_ = conn.Close()
		return
	}
	if !a.IsAdvertising() {
		a.sendResponse(conn, inv.InvitationID, false, ReasonNotAdvertising)
		_ = conn.Close()
		return
	}

	invitation := newPendingInvitation(inv.InvitationID, peer, a.clock.Now(), a.opts.InvitationTimeout)
	invitation.resolve = func(accept bool, reason string) bool {
		return a.resolve(invitation.ID, accept, reason)
	}
	entry := &pendingEntry{invitation: invitation, conn: conn}
	log := a.logger.With(zap.String("invitation_id", invitation.ID), zap.String("peer_id", peer.ID))

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.sendResponse(conn, inv.InvitationID, false, ReasonClosing)
		_ = conn.Close()
		return
	}
	if _, dup := a.pending[invitation.ID]; dup {
		a.mu.Unlock()
		log.Warn("duplicate invitation ID")
		_ = conn.Close()
		return
	}
	// Connecting must be posted before any outcome can post NotConnected.
	a.core.transport.MarkConnecting(peer)
	entry.epoch = a.epoch
	a.pending[invitation.ID] = entry
	entry.timer = a.clock.AfterFunc(a.opts.InvitationTimeout, func() {
		a.resolve(invitation.ID, false, ReasonTimeout)
	})
	a.mu.Unlock()

	log.Info("invitation received", zap.String("peer_name", peer.DisplayName))

	if a.opts.AutoAccept {
		a.resolve(invitation.ID, true, "")
	} else {
		a.core.queue.Post(func() {
			a.core.delegate.ReceivedConnectionRequest(a, invitation)
		})
	}

	select {
	case <-conn.Done():
		a.resolve(invitation.ID, false, ReasonLinkLost)
	case <-invitation.Done():
	}
}

func (a *Advertiser) verifyInvitation(conn *network.PeerConnection, inv network.InvitationMessage) error {
	if inv.InvitationID == "" {
		return errors.New("missing invitation ID")
	}
	if inv.FromPeerID != conn.PeerID() {
		return fmt.Errorf("invitation sender %q does not match link peer %q", inv.FromPeerID, conn.PeerID())
	}
	if !network.WithinTimestampSkew(inv.Timestamp) {
		return errors.New("invitation timestamp outside allowed skew")
	}
	publicKey, err := network.DecodePublicKey(conn.PeerPublicKey())
	if err != nil {
		return err
	}
	return network.VerifyInvitation(publicKey, inv)
}

// resolve decides a pending invitation once and performs the outcome off the
// caller's goroutine.
func (a *Advertiser) resolve(id string, accept bool, reason string) bool {
	a.mu.Lock()
	entry, ok := a.pending[id]
	if !ok {
		a.mu.Unlock()
		return false
	}
	delete(a.pending, id)
	if a.closed && accept {
		accept, reason = false, ReasonClosing
	}
	outcome := network.InvitationAccepted
	if !accept {
		outcome = reason
	}
	entry.invitation.finish(outcome)
	a.wg.Add(1)
	a.mu.Unlock()

	if entry.timer != nil {
		entry.timer.Stop()
	}

	go a.complete(entry, accept, reason)
	return true
}

func (a *Advertiser) complete(entry *pendingEntry, accept bool, reason string) {
	defer a.wg.Done()

	peer := entry.invitation.Peer
	log := a.logger.With(zap.String("invitation_id", entry.invitation.ID), zap.String("peer_id", peer.ID))

	if reason == ReasonLinkLost {
		log.Info("invitation cancelled, link lost")
		a.core.transport.MarkNotConnected(peer)
		return
	}

	if accept && !a.inCurrentSession(entry) {
		accept, reason = false, ReasonClosing
	}
	if err := a.sendResponse(entry.conn, entry.invitation.ID, accept, reason); err != nil {
		_ = entry.conn.Close()
		a.core.transport.MarkNotConnected(peer)
		if accept {
			a.core.reportError(&session.TransportError{Op: "invitation response", Peer: peer, Err: err})
		}
		return
	}

	if !accept {
		log.Info("invitation rejected", zap.String("reason", reason))
		_ = entry.conn.Close()
		a.core.transport.MarkNotConnected(peer)
		return
	}

	// Attach under the lock so a concurrent Disconnect either sees the link or
	// makes this invitation stale.
	a.mu.Lock()
	if a.closed || entry.epoch != a.epoch {
		a.mu.Unlock()
		log.Info("invitation abandoned, session was disconnected")
		_ = entry.conn.Close()
		a.core.transport.MarkNotConnected(peer)
		return
	}
	err := a.core.transport.Attach(peer, entry.conn)
	a.mu.Unlock()
	if err != nil {
		a.core.transport.MarkNotConnected(peer)
		a.core.reportError(err)
		return
	}
	log.Info("invitation accepted")
	a.core.notifyAuthenticated(entry.conn, peer, a.opts.OnPeerAuthenticated)
}

func (a *Advertiser) inCurrentSession(entry *pendingEntry) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.closed && entry.epoch == a.epoch
}

func (a *Advertiser) sendResponse(conn *network.PeerConnection, invitationID string, accept bool, reason string) error {
	resp := network.InvitationResponse{
		Type:         network.TypeInvitationResponse,
		InvitationID: invitationID,
		FromPeerID:   a.core.local.ID,
		Status:       network.InvitationRejected,
		Reason:       reason,
		Timestamp:    time.Now().UnixMilli(),
	}
	if accept {
		resp.Status = network.InvitationAccepted
		resp.Reason = ""
	}
	if err := network.SignInvitationResponse(a.core.identity, &resp); err != nil {
		return err
	}
	return conn.SendMessage(resp)
}
