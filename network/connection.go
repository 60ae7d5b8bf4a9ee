package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrSequenceReplay is returned for a data sequence that does not
	// advance past the last one accepted.
	ErrSequenceReplay = errors.New("network: sequence replay detected")
	// ErrPongTimeout ends a link whose peer stopped answering pings.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// ConnectionOptions configures a PeerConnection created by a handshake.
type ConnectionOptions struct {
	LocalPeerID       string
	PeerID            string
	PeerDisplayName   string
	PeerPublicKey     string
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   bool
}

// PeerConnection is one authenticated link to a peer. Keep-alive frames are
// handled internally; every other frame is queued for ReceiveMessage.
type PeerConnection struct {
	conn       net.Conn
	sessionKey []byte
	opts       ConnectionOptions

	seqMu    sync.Mutex
	sent     uint64
	accepted uint64

	writeMu sync.Mutex

	// lastActivity and pongDue hold UnixNano values; pongDue is zero unless
	// a ping is outstanding.
	lastActivity atomic.Int64
	pongDue      atomic.Int64

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  atomic.Pointer[error]
}

func newPeerConnection(conn net.Conn, sessionKey []byte, opts ConnectionOptions) *PeerConnection {
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if opts.KeepAliveTimeout <= 0 {
		opts.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if opts.FrameReadTimeout <= 0 {
		opts.FrameReadTimeout = DefaultFrameReadTimeout
	}

	pc := &PeerConnection{
		conn:       conn,
		sessionKey: append([]byte(nil), sessionKey...),
		opts:       opts,
		inbound:    make(chan []byte, 64),
		closed:     make(chan struct{}),
	}
	pc.touch()
	go pc.readLoop()
	go pc.heartbeat()
	return pc
}

// PeerID returns the peer ID proven during the handshake.
func (pc *PeerConnection) PeerID() string { return pc.opts.PeerID }

// PeerDisplayName returns the display name the peer sent in its handshake.
func (pc *PeerConnection) PeerDisplayName() string { return pc.opts.PeerDisplayName }

// PeerPublicKey returns the peer's base64 Ed25519 public key.
func (pc *PeerConnection) PeerPublicKey() string { return pc.opts.PeerPublicKey }

// SessionKey returns a copy of the negotiated AES-256 key.
func (pc *PeerConnection) SessionKey() []byte {
	return append([]byte(nil), pc.sessionKey...)
}

// Done is closed once the link is gone.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

// Closed reports whether the link is gone.
func (pc *PeerConnection) Closed() bool {
	select {
	case <-pc.closed:
		return true
	default:
		return false
	}
}

// LastError returns why the link ended; nil for an orderly close.
func (pc *PeerConnection) LastError() error {
	if err := pc.closeErr.Load(); err != nil {
		return *err
	}
	return nil
}

// NextSendSequence returns the sequence number for the next outbound data frame.
func (pc *PeerConnection) NextSendSequence() uint64 {
	pc.seqMu.Lock()
	defer pc.seqMu.Unlock()
	pc.sent++
	return pc.sent
}

// ValidateSequence accepts sequence only if it is above every sequence
// accepted before.
func (pc *PeerConnection) ValidateSequence(sequence uint64) error {
	pc.seqMu.Lock()
	defer pc.seqMu.Unlock()
	if sequence <= pc.accepted {
		return ErrSequenceReplay
	}
	pc.accepted = sequence
	return nil
}

// SendMessage encodes message as JSON and writes it as one frame.
func (pc *PeerConnection) SendMessage(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return pc.SendRaw(payload)
}

// SendRaw writes payload as one frame. A failed write ends the link.
func (pc *PeerConnection) SendRaw(payload []byte) error {
	if pc.Closed() {
		if err := pc.LastError(); err != nil {
			return err
		}
		return io.EOF
	}

	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if err := WriteFrame(pc.conn, payload); err != nil {
		pc.shutdown(err)
		return err
	}
	pc.touch()
	return nil
}

// ReceiveMessage returns the next application frame. Frames that arrived
// before the link ended are still delivered.
func (pc *PeerConnection) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-pc.inbound:
		return payload, nil
	case <-pc.closed:
		select {
		case payload := <-pc.inbound:
			return payload, nil
		default:
		}
		if err := pc.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect tells the peer the link is ending, then closes it.
func (pc *PeerConnection) Disconnect() error {
	if pc.Closed() {
		return nil
	}
	_ = pc.SendMessage(PeerDisconnect{
		Type:       TypePeerDisconnect,
		FromPeerID: pc.opts.LocalPeerID,
		Timestamp:  time.Now().UnixMilli(),
	})
	return pc.Close()
}

// Close ends the link without notifying the peer.
func (pc *PeerConnection) Close() error {
	pc.shutdown(nil)
	return nil
}

func (pc *PeerConnection) readLoop() {
	for !pc.Closed() {
		payload, err := ReadFrameWithTimeout(pc.conn, pc.opts.FrameReadTimeout)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				continue
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				pc.shutdown(nil)
			default:
				pc.shutdown(fmt.Errorf("read frame: %w", err))
			}
			return
		}

		pc.touch()
		if len(payload) > 0 && !pc.handleFrame(payload) {
			return
		}
	}
}

// handleFrame consumes keep-alive and disconnect frames and queues the rest.
// It returns false once the link is over.
func (pc *PeerConnection) handleFrame(payload []byte) bool {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		pc.shutdown(err)
		return false
	}

	switch msgType {
	case TypePing:
		if pc.opts.AutoRespondPing {
			_ = pc.SendMessage(PongMessage{
				Type:       TypePong,
				FromPeerID: pc.opts.LocalPeerID,
				Timestamp:  time.Now().UnixMilli(),
			})
		}
	case TypePong:
		pc.pongDue.Store(0)
	case TypePeerDisconnect:
		pc.shutdown(nil)
		return false
	default:
		select {
		case pc.inbound <- payload:
		case <-pc.closed:
			return false
		}
	}
	return true
}

// heartbeat pings an idle peer and ends the link when a ping goes unanswered
// for KeepAliveTimeout.
func (pc *PeerConnection) heartbeat() {
	every := pc.opts.KeepAliveInterval / 2
	if every <= 0 {
		every = pc.opts.KeepAliveInterval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-pc.closed:
			return
		case now := <-ticker.C:
			due := pc.pongDue.Load()
			if due != 0 {
				if now.UnixNano() > due {
					pc.shutdown(ErrPongTimeout)
					return
				}
				continue
			}
			if now.Sub(time.Unix(0, pc.lastActivity.Load())) < pc.opts.KeepAliveInterval {
				continue
			}
			if err := pc.SendMessage(PingMessage{
				Type:       TypePing,
				FromPeerID: pc.opts.LocalPeerID,
				Timestamp:  now.UnixMilli(),
			}); err != nil {
				return
			}
			pc.pongDue.Store(now.Add(pc.opts.KeepAliveTimeout).UnixNano())
		}
	}
}

func (pc *PeerConnection) touch() {
	pc.lastActivity.Store(time.Now().UnixNano())
}

func (pc *PeerConnection) shutdown(err error) {
	pc.closeOnce.Do(func() {
		if err != nil {
			pc.closeErr.Store(&err)
		}
		_ = pc.conn.Close()
		close(pc.closed)
	})
}
