// Package session binds a local peer identity to a service type and carries
// opaque payloads over authenticated peer links.
package session

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"timerlink/crypto"
	"timerlink/dispatch"
	"timerlink/logging"
	"timerlink/models"
	"timerlink/network"
)

const (
	// MaxPayloadSize bounds one SendToAll payload.
	MaxPayloadSize = network.MaxDataPayloadSize
	// DefaultOutboxSize is the per-link queue of payloads awaiting write.
	DefaultOutboxSize = 256
)

// Events receives transport notifications. Every call runs on the dispatch queue.
type Events interface {
	PeerStateChanged(peer models.PeerIdentity, state models.ConnectionState)
	DataReceived(from models.PeerIdentity, payload []byte)
	TransportError(err error)
}

// Options configures a Transport.
type Options struct {
	Local       models.PeerIdentity
	ServiceType string
	Queue       *dispatch.Queue
	Logger      *zap.Logger
	OutboxSize  int
}

type peerEntry struct {
	peer  models.PeerIdentity
	state models.ConnectionState
}

// Transport is the session transport adapter: it tracks per-peer connection
// state and fans payloads out to every connected link.
type Transport struct {
	local       models.PeerIdentity
	serviceType string
	queue       *dispatch.Queue
	events      Events
	logger      *zap.Logger
	outboxSize  int

	mu     sync.RWMutex
	peers  map[string]*peerEntry
	links  map[string]*link
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type link struct {
	peer   models.PeerIdentity
	conn   *network.PeerConnection
	outbox chan []byte

	detachOnce sync.Once
	stopOnce   sync.Once
	done       chan struct{}
}

// New validates the service type and returns an idle transport.
func New(options Options, events Events) (*Transport, error) {
	if err := ValidateServiceType(options.ServiceType); err != nil {
		return nil, err
	}
	if options.Local.IsZero() {
		return nil, &ConfigurationError{Field: "local peer", Reason: "identity ID is required"}
	}
	if options.Queue == nil {
		return nil, &ConfigurationError{Field: "queue", Reason: "dispatch queue is required"}
	}
	if events == nil {
		return nil, &ConfigurationError{Field: "events", Reason: "event sink is required"}
	}

	outboxSize := options.OutboxSize
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		local:       options.Local,
		serviceType: options.ServiceType,
		queue:       options.Queue,
		events:      events,
		logger:      logging.For(options.Logger, logging.ComponentSession),
		outboxSize:  outboxSize,
		peers:       make(map[string]*peerEntry),
		links:       make(map[string]*link),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Local returns the identity bound at construction.
func (t *Transport) Local() models.PeerIdentity {
	return t.local
}

// ServiceType returns the service type bound at construction.
func (t *Transport) ServiceType() string {
	return t.serviceType
}

// State returns the connection state of peerID.
func (t *Transport) State(peerID string) models.ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if entry, ok := t.peers[peerID]; ok {
		return entry.state
	}
	return models.StateNotConnected
}

// ConnectedPeers returns the peers currently in the Connected state.
func (t *Transport) ConnectedPeers() []models.PeerIdentity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.PeerIdentity, 0, len(t.links))
	for _, l := range t.links {
		out = append(out, l.peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].ID < out[j].ID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// MarkConnecting records that a link to peer is being negotiated.
func (t *Transport) MarkConnecting(peer models.PeerIdentity) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if _, linked := t.links[peer.ID]; linked {
		t.mu.Unlock()
		return
	}
	changed := t.setStateLocked(peer, models.StateConnecting)
	t.mu.Unlock()

	if changed {
		t.postState(peer, models.StateConnecting)
	}
}

// MarkNotConnected tears down any link to peer and records NotConnected.
func (t *Transport) MarkNotConnected(peer models.PeerIdentity) {
	t.mu.Lock()
	l := t.links[peer.ID]
	t.mu.Unlock()

	if l != nil {
		_ = l.conn.Disconnect()
		t.detach(l, nil)
		return
	}

	t.mu.Lock()
	changed := t.setStateLocked(peer, models.StateNotConnected)
	t.mu.Unlock()
	if changed {
		t.postState(peer, models.StateNotConnected)
	}
}

// Attach adopts an authenticated link and moves peer to Connected.
func (t *Transport) Attach(peer models.PeerIdentity, conn *network.PeerConnection) error {
	if conn == nil {
		return errors.New("session: attach requires a connection")
	}

	l := &link{
		peer:   peer,
		conn:   conn,
		outbox: make(chan []byte, t.outboxSize),
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return &TransportError{Op: "attach", Peer: peer, Err: ErrClosed}
	}
	previous := t.links[peer.ID]
	t.links[peer.ID] = l
	t.setStateLocked(peer, models.StateConnected)
	t.mu.Unlock()

	if previous != nil {
		t.logger.Debug("replacing existing link", zap.String("peer_id", peer.ID))
		previous.stop()
		_ = previous.conn.Close()
	}

	t.logger.Info("peer connected", zap.String("peer_id", peer.ID), zap.String("peer_name", peer.DisplayName))
	t.postState(peer, models.StateConnected)

	t.wg.Add(2)
	go t.writeLoop(l)
	go t.readLoop(l)
	return nil
}

// SendToAll enqueues payload for every connected peer without waiting for I/O.
func (t *Transport) SendToAll(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return &SendError{Reason: ReasonPayloadTooLarge, Err: fmt.Errorf("%d bytes exceeds %d", len(payload), MaxPayloadSize)}
	}

	t.mu.RLock()
	targets := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		targets = append(targets, l)
	}
	t.mu.RUnlock()

	if len(targets) == 0 {
		return ErrNoPeersConnected
	}

	for _, l := range targets {
		buf := append([]byte(nil), payload...)
		select {
		case l.outbox <- buf:
		case <-l.done:
		default:
			t.logger.Warn("outbox full, dropping link", zap.String("peer_id", l.peer.ID))
			t.postError(&TransportError{Op: "send", Peer: l.peer, Err: &SendError{Reason: ReasonQueueFull, Peer: l.peer}})
			_ = l.conn.Close()
		}
	}
	return nil
}

// Disconnect tears down every link. The transport stays usable.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	pending := make([]models.PeerIdentity, 0)
	for id, entry := range t.peers {
		if _, linked := t.links[id]; !linked && entry.state != models.StateNotConnected {
			entry.state = models.StateNotConnected
			pending = append(pending, entry.peer)
		}
	}
	t.mu.Unlock()

	for _, l := range links {
		_ = l.conn.Disconnect()
		t.detach(l, nil)
	}
	for _, peer := range pending {
		t.postState(peer, models.StateNotConnected)
	}
}

// Close disconnects every peer and waits for link goroutines to exit.
func (t *Transport) Close() error {
	t.Disconnect()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	return nil
}

func (t *Transport) writeLoop(l *link) {
	defer t.wg.Done()

	for {
		select {
		case payload := <-l.outbox:
			if err := t.writePayload(l, payload); err != nil {
				t.postError(&TransportError{Op: "send", Peer: l.peer, Err: &SendError{Reason: ReasonSendFailed, Peer: l.peer, Err: err}})
				_ = l.conn.Close()
				return
			}
		case <-l.done:
			return
		}
	}
}

func (t *Transport) writePayload(l *link, payload []byte) error {
	sequence := l.conn.NextSendSequence()
	ciphertext, iv, err := crypto.Encrypt(l.conn.SessionKey(), payload, additionalData(t.local.ID, sequence))
	if err != nil {
		return err
	}
	return l.conn.SendMessage(network.DataMessage{
		Type:       network.TypeData,
		Sequence:   sequence,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (t *Transport) readLoop(l *link) {
	defer t.wg.Done()

	var linkErr error
	for {
		raw, err := l.conn.ReceiveMessage(t.ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				linkErr = err
			}
			break
		}

		msgType, err := network.DecodeMessageType(raw)
		if err != nil {
			t.logger.Debug("dropping undecodable frame", zap.String("peer_id", l.peer.ID), zap.Error(err))
			continue
		}
		if msgType != network.TypeData {
			t.logger.Debug("ignoring control frame on attached link", zap.String("peer_id", l.peer.ID), zap.String("type", msgType))
			continue
		}

		payload, err := t.openData(l, raw)
		if err != nil {
			linkErr = err
			_ = l.conn.Close()
			break
		}

		peer := l.peer
		t.queue.Post(func() {
			t.events.DataReceived(peer, payload)
		})
	}

	if linkErr == nil {
		linkErr = l.conn.LastError()
	}
	t.detach(l, linkErr)
}

func (t *Transport) openData(l *link, raw []byte) ([]byte, error) {
	var msg network.DataMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode data frame: %w", err)
	}
	if err := l.conn.ValidateSequence(msg.Sequence); err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode data ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(msg.IV)
	if err != nil {
		return nil, fmt.Errorf("decode data iv: %w", err)
	}
	return crypto.Decrypt(l.conn.SessionKey(), iv, ciphertext, additionalData(l.peer.ID, msg.Sequence))
}

// detach removes l if it is still the current link for its peer and
// reports NotConnected exactly once.
func (t *Transport) detach(l *link, cause error) {
	l.detachOnce.Do(func() {
		l.stop()

		t.mu.Lock()
		current := t.links[l.peer.ID] == l
		if current {
			delete(t.links, l.peer.ID)
			t.setStateLocked(l.peer, models.StateNotConnected)
		}
		t.mu.Unlock()

		if !current {
			return
		}
		if cause != nil {
			t.logger.Warn("link lost", zap.String("peer_id", l.peer.ID), zap.Error(cause))
			t.postError(&TransportError{Op: "link", Peer: l.peer, Err: cause})
		} else {
			t.logger.Info("peer disconnected", zap.String("peer_id", l.peer.ID))
		}
		t.postState(l.peer, models.StateNotConnected)
	})
}

func (l *link) stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

func (t *Transport) setStateLocked(peer models.PeerIdentity, state models.ConnectionState) bool {
	entry, ok := t.peers[peer.ID]
	if !ok {
		if state == models.StateNotConnected {
			return false
		}
		t.peers[peer.ID] = &peerEntry{peer: peer, state: state}
		return true
	}
	entry.peer = peer
	if entry.state == state {
		return false
	}
	entry.state = state
	return true
}

func (t *Transport) postState(peer models.PeerIdentity, state models.ConnectionState) {
	t.queue.Post(func() {
		t.events.PeerStateChanged(peer, state)
	})
}

func (t *Transport) postError(err error) {
	t.queue.Post(func() {
		t.events.TransportError(err)
	})
}

func additionalData(senderID string, sequence uint64) []byte {
	out := make([]byte, 8, 8+len(senderID))
	binary.BigEndian.PutUint64(out, sequence)
	return append(out, senderID...)
}
