package role

import (
	"strings"

	"go.uber.org/zap"

	"timerlink/dispatch"
	"timerlink/logging"
	"timerlink/models"
	"timerlink/network"
	"timerlink/session"
)

// core is the part both roles share: it owns the transport and translates its
// events into delegate calls on the dispatch queue.
type core struct {
	manager   Manager
	delegate  Delegate
	identity  network.LocalIdentity
	local     models.PeerIdentity
	transport *session.Transport
	queue     *dispatch.Queue
	ownsQueue bool
	logger    *zap.Logger

	// onState runs on the queue before the delegate is told about a state change.
	onState func(peer models.PeerIdentity, state models.ConnectionState)

	// connected is only touched on the queue goroutine.
	connected map[string]struct{}
}

func newCore(opts Options, delegate Delegate, component logging.Component) (*core, Options, error) {
	if delegate == nil {
		return nil, opts, &session.ConfigurationError{Field: "delegate", Reason: "delegate is required"}
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, opts, err
	}

	local := delegate.PeerIdentity()
	local.DisplayName = strings.TrimSpace(local.DisplayName)
	if local.IsZero() {
		return nil, opts, &session.ConfigurationError{Field: "peer identity", Reason: "delegate returned an identity without an ID"}
	}
	if local.DisplayName == "" {
		local.DisplayName = local.ID
	}

	c := &core{
		delegate:  delegate,
		local:     local,
		queue:     opts.Queue,
		logger:    logging.For(opts.Logger, component),
		connected: make(map[string]struct{}),
		identity: network.LocalIdentity{
			PeerID:      local.ID,
			DisplayName: local.DisplayName,
			Keys:        opts.Keys,
		},
	}
	if c.queue == nil {
		c.queue = dispatch.NewQueue()
		c.queue.Start()
		c.ownsQueue = true
	}

	transport, err := session.New(session.Options{
		Local:       local,
		ServiceType: opts.ServiceType,
		Queue:       c.queue,
		Logger:      opts.Logger,
	}, c)
	if err != nil {
		c.stopQueue()
		return nil, opts, err
	}
	c.transport = transport
	return c, opts, nil
}

func (c *core) PeerStateChanged(peer models.PeerIdentity, state models.ConnectionState) {
	if c.onState != nil {
		c.onState(peer, state)
	}

	switch state {
	case models.StateConnected:
		c.connected[peer.ID] = struct{}{}
		c.delegate.ConnectionSuccessful(c.manager, peer)
		c.delegate.ConnectionListChanged(c.manager)
	case models.StateNotConnected:
		if _, ok := c.connected[peer.ID]; !ok {
			return
		}
		delete(c.connected, peer.ID)
		c.delegate.PeerDisconnected(c.manager, peer)
		c.delegate.ConnectionListChanged(c.manager)
	}
}

func (c *core) DataReceived(from models.PeerIdentity, payload []byte) {
	c.delegate.DataReceived(c.manager, from, payload)
}

func (c *core) TransportError(err error) {
	c.delegate.ErrorOccurred(c.manager, err)
}

func (c *core) reportError(err error) {
	if err == nil {
		return
	}
	c.queue.Post(func() {
		c.delegate.ErrorOccurred(c.manager, err)
	})
}

func (c *core) postListChanged() {
	c.queue.Post(func() {
		c.delegate.ConnectionListChanged(c.manager)
	})
}

func (c *core) presenter() (PickerPresenter, bool) {
	p, ok := c.delegate.(PickerPresenter)
	return p, ok
}

func (c *core) notifyAuthenticated(conn *network.PeerConnection, peer models.PeerIdentity, notify PeerAuthenticatedFunc) {
	if notify == nil {
		return
	}
	notify(peer.ID, peer.DisplayName, conn.PeerPublicKey())
}

func (c *core) peerState(peerID string) models.ConnectionState {
	return c.transport.State(peerID)
}

func (c *core) close() {
	_ = c.transport.Close()
	c.stopQueue()
}

func (c *core) stopQueue() {
	if c.ownsQueue {
		c.queue.Stop()
	}
}
