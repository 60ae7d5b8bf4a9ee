package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"timerlink/crypto"
)

// Server accepts inbound TCP links and upgrades them to PeerConnection.
type Server struct {
	listener net.Listener
	options  HandshakeOptions

	incoming chan *PeerConnection
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and handshake accept loop.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *PeerConnection, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Incoming returns accepted and handshaked peer connections.
func (s *Server) Incoming() <-chan *PeerConnection {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	peerConnection, err := s.acceptHandshake(conn)
	if err != nil {
		_ = conn.Close()
		s.reportError(err)
		return
	}

	select {
	case s.incoming <- peerConnection:
	case <-s.closed:
		_ = peerConnection.Close()
	}
}

func (s *Server) acceptHandshake(conn net.Conn) (*PeerConnection, error) {
	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	nonce, err := generateChallengeNonce()
	if err != nil {
		return nil, fmt.Errorf("generate handshake challenge nonce: %w", err)
	}
	challengePayload, err := EncodeJSON(HandshakeChallenge{
		Type:  TypeHandshakeChallenge,
		Nonce: nonce,
	})
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, challengePayload); err != nil {
		return nil, fmt.Errorf("write handshake challenge: %w", err)
	}

	handshakePayload, err := ReadControlFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}

	var handshake HandshakeMessage
	if err := DecodeMessage(handshakePayload, TypeHandshake, &handshake); err != nil {
		_ = sendError(conn, newErrorMessage("unknown_type", err.Error()))
		return nil, err
	}

	if handshake.ProtocolVersion != ProtocolVersion {
		_ = sendError(conn, makeVersionMismatchError(handshake.ProtocolVersion))
		return nil, ErrUnsupportedVersion
	}
	if handshake.ChallengeNonce != nonce {
		_ = sendError(conn, newErrorMessage("invalid_handshake_challenge", "Handshake challenge nonce mismatch."))
		return nil, errors.New("handshake challenge nonce mismatch")
	}
	if _, err := VerifyHandshake(handshake); err != nil {
		return nil, fmt.Errorf("verify handshake: %w", err)
	}
	if handshake.ServiceType != s.options.ServiceType {
		_ = sendError(conn, newErrorMessage("service_mismatch", fmt.Sprintf("Expected service %q, got %q.", s.options.ServiceType, handshake.ServiceType)))
		return nil, fmt.Errorf("peer %q: %w", handshake.PeerID, ErrServiceMismatch)
	}
	if handshake.PeerID == s.options.Identity.PeerID {
		_ = sendError(conn, newErrorMessage("self_connection", "Refusing connection from self."))
		return nil, errors.New("refusing connection from self")
	}

	if err := evaluatePeerKey(handshake.PeerID, handshake.Ed25519PublicKey, s.options.KnownPeerKeyLookup, s.options.OnKeyChangeDecision); err != nil {
		_ = sendError(conn, newErrorMessage("key_changed", err.Error()))
		return nil, err
	}

	localEphemeralPrivateKey, localEphemeralPublicKey, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return nil, err
	}

	sessionKey, err := deriveSessionKey(localEphemeralPrivateKey, handshake.X25519PublicKey, s.options.Identity.PeerID, handshake.PeerID, nonce)
	if err != nil {
		return nil, err
	}

	response, err := BuildHandshake(s.options.Identity, s.options.ServiceType, localEphemeralPublicKey.Bytes(), nonce, TypeHandshakeResponse)
	if err != nil {
		return nil, err
	}
	responsePayload, err := EncodeJSON(response)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, responsePayload); err != nil {
		return nil, fmt.Errorf("write handshake response: %w", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newPeerConnection(conn, sessionKey, s.options.connectionOptions(handshake)), nil
}

func sendError(conn net.Conn, message ErrorMessage) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
