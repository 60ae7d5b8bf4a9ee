package role

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"timerlink/discovery"
	"timerlink/logging"
	"timerlink/models"
	"timerlink/network"
	"timerlink/session"
)

var (
	errInvitationTimeout = errors.New("invitation timed out")
	errPeerLost          = errors.New("peer no longer discovered")
	errBrowserClosed     = errors.New("browser closed")
	errDisconnected      = errors.New("session disconnected")
)

// BrowserOptions configures the client role.
type BrowserOptions struct {
	Options

	// OriginalCommanderID is the commander this client last joined. A single
	// discovered commander is invited automatically only if it matches, or if
	// this is empty.
	OriginalCommanderID string
	// ScanInterval and ScanWindow tune the default mDNS scanner.
	ScanInterval time.Duration
	ScanWindow   time.Duration
	// Scan creates the discovery scanner. Defaults to mDNS browsing.
	Scan ScanFunc
}

type outgoingInvitation struct {
	id     string
	peer   models.PeerIdentity
	cancel context.CancelCauseFunc
}

// Browser is the client: it discovers commanders, invites one, and receives
// the payloads it sends.
type Browser struct {
	core   *core
	opts   BrowserOptions
	clock  clockwork.Clock
	hsOpts network.HandshakeOptions
	logger *zap.Logger
	wg     sync.WaitGroup

	mu                  sync.Mutex
	scanner             Scanner
	browsing            bool
	forcePicker         bool
	pickerShowing       bool
	holdAutoInvite      bool
	scanFailing         bool
	closed              bool
	discovered          map[string]discovery.DiscoveredPeer
	declined            map[string]struct{}
	outgoing            *outgoingInvitation
	commander           models.PeerIdentity
	originalCommanderID string
}

var _ Manager = (*Browser)(nil)

// NewBrowser validates options and binds the delegate's identity. Nothing is
// scanned until StartBrowsing.
func NewBrowser(options BrowserOptions, delegate Delegate) (*Browser, error) {
	c, common, err := newCore(options.Options, delegate, logging.ComponentBrowser)
	if err != nil {
		return nil, err
	}
	options.Options = common
	if options.Scan == nil {
		options.Scan = mdnsScan
	}

	b := &Browser{
		core:                c,
		opts:                options,
		clock:               common.Clock,
		hsOpts:              common.handshakeOptions(c.identity),
		logger:              c.logger,
		discovered:          make(map[string]discovery.DiscoveredPeer),
		declined:            make(map[string]struct{}),
		originalCommanderID: options.OriginalCommanderID,
	}
	c.manager = b
	c.onState = b.onPeerState
	return b, nil
}

func (b *Browser) Role() models.Role              { return models.RoleBrowser }
func (b *Browser) LocalPeer() models.PeerIdentity { return b.core.local }
func (b *Browser) ServiceType() string            { return b.opts.ServiceType }

// SendToAll queues payload for the connected commander.
func (b *Browser) SendToAll(payload []byte) error {
	return b.core.transport.SendToAll(payload)
}

// ConnectedPeers returns the connected commander, if any.
func (b *Browser) ConnectedPeers() []models.PeerIdentity {
	return b.core.transport.ConnectedPeers()
}

// PeerState returns the link state of peerID.
func (b *Browser) PeerState(peerID string) models.ConnectionState {
	return b.core.peerState(peerID)
}

// IsBrowsing reports whether discovery is running.
func (b *Browser) IsBrowsing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.browsing
}

// OriginalCommanderID returns the commander this client is biased towards. It
// is updated whenever an invitation is accepted.
func (b *Browser) OriginalCommanderID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.originalCommanderID
}

// SelectedCommander returns the commander of the current session.
func (b *Browser) SelectedCommander() (models.PeerIdentity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commander, !b.commander.IsZero()
}

// DiscoveredPeers returns the discovered commanders sorted by display name.
func (b *Browser) DiscoveredPeers() []models.PeerIdentity {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.PeerIdentity, 0, len(b.discovered))
	for _, p := range b.discovered {
		out = append(out, models.PeerIdentity{ID: p.PeerID, DisplayName: p.DisplayName})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].ID < out[j].ID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// StartBrowsing begins discovery. With forceShowPicker set the commander
// picker is requested instead of auto-inviting a single commander. Calling it
// while already browsing re-arms the selection policy.
func (b *Browser) StartBrowsing(forceShowPicker bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.forcePicker = forceShowPicker
	b.holdAutoInvite = false
	if b.browsing {
		scanner := b.scanner
		b.wg.Add(1)
		b.mu.Unlock()
		b.evaluatePolicy()
		go b.rescan(scanner)
		return
	}

	cfg := b.opts.discoveryConfig(b.core.identity)
	cfg.RefreshInterval = b.opts.ScanInterval
	cfg.ScanTimeout = b.opts.ScanWindow
	scanner, err := b.opts.Scan(cfg)
	if err == nil {
		err = scanner.Start()
	}
	if err != nil {
		b.mu.Unlock()
		b.logger.Error("browse failed", zap.Error(err))
		b.core.reportError(session.ClassifyPlatformError("browse", err))
		return
	}

	b.scanner = scanner
	b.browsing = true
	b.scanFailing = false
	b.wg.Add(1)
	b.mu.Unlock()

	b.logger.Info("browsing started", zap.String("service_type", b.opts.ServiceType), zap.Bool("force_picker", forceShowPicker))
	go b.eventLoop(scanner)
}

// StopBrowsing ends discovery. A connected commander stays connected and an
// outstanding invitation is left to complete.
func (b *Browser) StopBrowsing() {
	b.mu.Lock()
	if !b.browsing {
		b.mu.Unlock()
		return
	}
	scanner := b.scanner
	b.scanner = nil
	b.browsing = false
	hadPeers := len(b.discovered) > 0
	b.discovered = make(map[string]discovery.DiscoveredPeer)
	b.declined = make(map[string]struct{})
	dismiss := b.pickerShowing
	b.pickerShowing = false
	b.mu.Unlock()

	scanner.Stop()
	b.logger.Info("browsing stopped")
	if hadPeers {
		b.core.postListChanged()
	}
	if dismiss {
		b.postDismiss()
	}
}

// PresentCommanderBrowser asks the delegate to show the commander picker.
func (b *Browser) PresentCommanderBrowser() {
	b.mu.Lock()
	changed := !b.pickerShowing
	b.pickerShowing = true
	b.mu.Unlock()
	if changed {
		b.postPresent()
	}
}

// DismissCommanderBrowser asks the delegate to hide the commander picker.
func (b *Browser) DismissCommanderBrowser() {
	b.mu.Lock()
	changed := b.pickerShowing
	b.pickerShowing = false
	b.mu.Unlock()
	if changed {
		b.postDismiss()
	}
}

// SelectPeer invites a discovered commander. The outcome arrives through
// ConnectionSuccessful or ErrorOccurred.
func (b *Browser) SelectPeer(peerID string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	target, ok := b.discovered[peerID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	candidate := models.PeerIdentity{ID: target.PeerID, DisplayName: target.DisplayName}
	if b.outgoing != nil {
		same := b.outgoing.peer.Equal(candidate)
		b.mu.Unlock()
		if same {
			return nil
		}
		return ErrInvitationPending
	}
	if b.commander.Equal(candidate) {
		b.mu.Unlock()
		return nil
	}
	b.startInvitationLocked(target)
	b.mu.Unlock()
	return nil
}

// Disconnect leaves the current session and cancels an outstanding invitation.
// Discovery continues but no commander is invited automatically until
// StartBrowsing is called again.
func (b *Browser) Disconnect() {
	b.mu.Lock()
	b.holdAutoInvite = true
	if b.outgoing != nil {
		b.outgoing.cancel(errDisconnected)
		b.outgoing = nil
	}
	b.mu.Unlock()
	b.core.transport.Disconnect()
}

// Close stops discovery, cancels any outstanding invitation, and drops the link.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.outgoing != nil {
		b.outgoing.cancel(errBrowserClosed)
	}
	b.mu.Unlock()

	b.StopBrowsing()
	b.wg.Wait()
	b.core.close()
	return nil
}

func (b *Browser) eventLoop(scanner Scanner) {
	defer b.wg.Done()
	for event := range scanner.Events() {
		b.handleEvent(scanner, event)
	}
}

func (b *Browser) handleEvent(scanner Scanner, event discovery.Event) {
	b.mu.Lock()
	if b.scanner != scanner {
		b.mu.Unlock()
		return
	}

	switch event.Type {
	case discovery.EventPeerUpserted:
		_, known := b.discovered[event.Peer.PeerID]
		b.discovered[event.Peer.PeerID] = event.Peer
		b.mu.Unlock()
		if !known {
			b.logger.Debug("commander discovered", zap.String("peer_id", event.Peer.PeerID), zap.String("address", event.Peer.Address()))
		}
		b.core.postListChanged()

	case discovery.EventPeerRemoved:
		delete(b.discovered, event.Peer.PeerID)
		delete(b.declined, event.Peer.PeerID)
		if b.outgoing != nil && b.outgoing.peer.Equal(models.PeerIdentity{ID: event.Peer.PeerID}) {
			b.outgoing.cancel(errPeerLost)
		}
		b.mu.Unlock()
		b.logger.Debug("commander lost", zap.String("peer_id", event.Peer.PeerID))
		b.core.postListChanged()

	case discovery.EventScanCompleted:
		b.scanFailing = false
		b.mu.Unlock()
		b.evaluatePolicy()

	case discovery.EventScanFailed:
		// Only the first failure of a run is reported; the scanner retries
		// every interval.
		first := !b.scanFailing
		b.scanFailing = true
		b.mu.Unlock()
		if !first {
			b.logger.Debug("scan still failing", zap.Error(event.Err))
			return
		}
		b.logger.Error("browse failed", zap.Error(event.Err))
		b.core.reportError(session.ClassifyPlatformError("browse", event.Err))

	default:
		b.mu.Unlock()
	}
}

// rescan asks the scanner for an immediate window after StartBrowsing re-arms
// the policy.
func (b *Browser) rescan(scanner Scanner) {
	defer b.wg.Done()
	err := scanner.Refresh(context.Background())
	if err == nil {
		return
	}

	b.mu.Lock()
	current := b.scanner == scanner
	b.mu.Unlock()
	if !current {
		return
	}
	b.logger.Error("rescan failed", zap.Error(err))
	b.core.reportError(session.ClassifyPlatformError("browse", err))
}

// evaluatePolicy applies the selection rules to the current discovered set:
// a single eligible commander is invited, anything else requests the picker.
// After a lost session only the picker is offered until StartBrowsing.
func (b *Browser) evaluatePolicy() {
	b.mu.Lock()
	if !b.browsing || b.closed || b.outgoing != nil || !b.commander.IsZero() {
		b.mu.Unlock()
		return
	}
	if len(b.discovered) == 0 {
		b.mu.Unlock()
		return
	}

	if len(b.discovered) == 1 && !b.forcePicker && !b.holdAutoInvite {
		var only discovery.DiscoveredPeer
		for _, p := range b.discovered {
			only = p
		}
		_, declined := b.declined[only.PeerID]
		if !declined && (b.originalCommanderID == "" || b.originalCommanderID == only.PeerID) {
			b.logger.Info("inviting sole commander", zap.String("peer_id", only.PeerID))
			b.startInvitationLocked(only)
			b.mu.Unlock()
			return
		}
	}

	present := !b.pickerShowing
	b.pickerShowing = true
	b.mu.Unlock()
	if present {
		b.postPresent()
	}
}

func (b *Browser) startInvitationLocked(target discovery.DiscoveredPeer) {
	ctx, cancel := context.WithCancelCause(context.Background())
	invite := &outgoingInvitation{
		id:     uuid.NewString(),
		peer:   models.PeerIdentity{ID: target.PeerID, DisplayName: target.DisplayName},
		cancel: cancel,
	}
	b.outgoing = invite
	b.wg.Add(1)
	go b.invite(ctx, invite, target.Address())
}

func (b *Browser) invite(ctx context.Context, invite *outgoingInvitation, address string) {
	defer b.wg.Done()

	timer := b.clock.AfterFunc(b.opts.InvitationTimeout, func() {
		invite.cancel(errInvitationTimeout)
	})
	defer timer.Stop()
	defer invite.cancel(nil)

	b.core.transport.MarkConnecting(invite.peer)
	log := b.logger.With(zap.String("invitation_id", invite.id), zap.String("peer_id", invite.peer.ID))

	conn, status, reason, err := b.negotiate(ctx, invite, address)
	if err != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, errInvitationTimeout):
			reason = ReasonTimeout
		case errors.Is(cause, errPeerLost):
			reason = ReasonPeerLost
		case errors.Is(cause, errBrowserClosed), errors.Is(cause, errDisconnected):
			reason = ReasonClosing
		}
		log.Warn("invitation failed", zap.String("reason", reason), zap.Error(err))
		b.finishInvitation(invite, reason)
		b.core.transport.MarkNotConnected(invite.peer)
		switch reason {
		case ReasonTimeout:
			b.core.reportError(&InvitationError{Peer: invite.peer, Reason: reason})
		case ReasonPeerLost, ReasonClosing:
		default:
			b.core.reportError(&session.TransportError{Op: "invite", Peer: invite.peer, Err: err})
		}
		return
	}

	if status != network.InvitationAccepted {
		log.Info("invitation rejected", zap.String("reason", reason))
		_ = conn.Close()
		b.finishInvitation(invite, reason)
		b.core.transport.MarkNotConnected(invite.peer)
		b.core.reportError(&InvitationError{Peer: invite.peer, Reason: reason})
		return
	}

	// Attach under the lock so Disconnect either sees the link or has already
	// withdrawn this invitation.
	b.mu.Lock()
	if b.outgoing != invite {
		b.mu.Unlock()
		log.Info("invitation accepted after it was withdrawn")
		_ = conn.Close()
		b.core.transport.MarkNotConnected(invite.peer)
		return
	}
	previous := b.commander
	dismiss := b.finishLocked(invite, network.InvitationAccepted)
	if !previous.IsZero() && !previous.Equal(invite.peer) {
		b.core.transport.MarkNotConnected(previous)
	}
	err = b.core.transport.Attach(invite.peer, conn)
	if err != nil && b.commander.Equal(invite.peer) {
		b.commander = models.PeerIdentity{}
	}
	b.mu.Unlock()
	if err != nil {
		b.core.transport.MarkNotConnected(invite.peer)
		b.core.reportError(err)
		return
	}
	log.Info("invitation accepted")
	b.core.notifyAuthenticated(conn, invite.peer, b.opts.OnPeerAuthenticated)
	if dismiss {
		b.postDismiss()
	}
}

// negotiate dials the commander, sends a signed invitation, and waits for the
// signed response. On success the caller owns conn.
func (b *Browser) negotiate(ctx context.Context, invite *outgoingInvitation, address string) (*network.PeerConnection, string, string, error) {
	if address == "" {
		return nil, "", "", errors.New("commander has no dialable address")
	}

	conn, err := network.Dial(ctx, address, b.hsOpts)
	if err != nil {
		return nil, "", "", err
	}
	fail := func(err error) (*network.PeerConnection, string, string, error) {
		_ = conn.Close()
		return nil, "", "", err
	}

	if conn.PeerID() != invite.peer.ID {
		return fail(fmt.Errorf("dialed %s but reached peer %q", invite.peer.ID, conn.PeerID()))
	}

	msg := network.InvitationMessage{
		Type:            network.TypeInvitation,
		InvitationID:    invite.id,
		FromPeerID:      b.core.local.ID,
		FromDisplayName: b.core.local.DisplayName,
		AppID:           b.opts.AppID,
		AppVersion:      b.opts.AppVersion,
		Timestamp:       time.Now().UnixMilli(),
	}
	if err := network.SignInvitation(b.core.identity, &msg); err != nil {
		return fail(err)
	}
	if err := conn.SendMessage(msg); err != nil {
		return fail(err)
	}

	raw, err := conn.ReceiveMessage(ctx)
	if err != nil {
		return fail(err)
	}
	var resp network.InvitationResponse
	if err := network.DecodeMessage(raw, network.TypeInvitationResponse, &resp); err != nil {
		return fail(err)
	}
	if resp.InvitationID != invite.id || resp.FromPeerID != conn.PeerID() {
		return fail(errors.New("invitation response does not match request"))
	}
	publicKey, err := network.DecodePublicKey(conn.PeerPublicKey())
	if err != nil {
		return fail(err)
	}
	if err := network.VerifyInvitationResponse(publicKey, resp); err != nil {
		return fail(err)
	}
	return conn, resp.Status, resp.Reason, nil
}

func (b *Browser) finishInvitation(invite *outgoingInvitation, outcome string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finishLocked(invite, outcome)
}

// finishLocked clears the outstanding invitation. On acceptance it records
// the commander and reports whether the picker should be dismissed. Any other
// outcome except a vanished peer or shutdown stops that peer from being
// auto-invited again during this browse.
func (b *Browser) finishLocked(invite *outgoingInvitation, outcome string) bool {
	if b.outgoing == invite {
		b.outgoing = nil
	}
	if outcome != network.InvitationAccepted {
		if outcome != ReasonPeerLost && outcome != ReasonClosing {
			b.declined[invite.peer.ID] = struct{}{}
		}
		return false
	}
	b.commander = invite.peer
	b.originalCommanderID = invite.peer.ID
	dismiss := b.pickerShowing
	b.pickerShowing = false
	return dismiss
}

func (b *Browser) onPeerState(peer models.PeerIdentity, state models.ConnectionState) {
	if state != models.StateNotConnected {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.commander.Equal(peer) && b.outgoing == nil {
		b.commander = models.PeerIdentity{}
		b.holdAutoInvite = true
	}
}

func (b *Browser) postPresent() {
	p, ok := b.core.presenter()
	if !ok {
		return
	}
	b.core.queue.Post(func() {
		p.PresentCommanderBrowser(b)
	})
}

func (b *Browser) postDismiss() {
	p, ok := b.core.presenter()
	if !ok {
		return
	}
	b.core.queue.Post(func() {
		p.DismissCommanderBrowser(b)
	})
}
