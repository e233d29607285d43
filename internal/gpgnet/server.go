package gpgnet

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// ConnectionState reports whether a game client is currently connected.
type ConnectionState int

const (
	Listening ConnectionState = iota
	Connected
	Disconnected
)

func (s ConnectionState) String() string {
	switch s {
	case Listening:
		return "Listening"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// InitMode selects the lobby initialization mode sent in CreateLobby.
type InitMode int

const (
	NormalLobby InitMode = 0
	AutoLobby   InitMode = 1
)

// MessageCallback is invoked once per inbound GPGNet message, in arrival
// order, each processed to completion before the next (spec §5).
type MessageCallback func(Message)

// ConnectionStateCallback is invoked whenever the single game connection
// transitions between Listening/Connected/Disconnected.
type ConnectionStateCallback func(ConnectionState)

// Server is a single-client TCP listener speaking the GPGNet tagged-chunk
// protocol to the external game process.
type Server struct {
	log *slog.Logger

	mu          sync.Mutex
	listener    net.Listener
	conn        net.Conn
	state       ConnectionState
	onMessage   MessageCallback
	onConnState ConnectionStateCallback
}

// NewServer creates a Server. Call Listen to start accepting.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		log:   logger.With("component", "gpgnet"),
		state: Listening,
	}
}

// OnMessage registers the inbound-message observer.
func (s *Server) OnMessage(cb MessageCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = cb
}

// OnConnectionStateChange registers the connection-state observer.
func (s *Server) OnConnectionStateChange(cb ConnectionStateCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnState = cb
}

// Listen binds the TCP port and starts accepting a single client
// connection at a time in the background. Returns once the listener is
// bound; accepting and serving happen in goroutines.
func (s *Server) Listen(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("listening on GPGNet port %d: %w", port, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go s.acceptLoop()

	s.log.Info("GPGNet server listening", "port", port)
	return nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// State returns the current connection state.
func (s *Server) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close shuts down the listener and any active client connection.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// acceptLoop accepts one client connection at a time. Only one game client
// is ever expected (spec §4.3); a further connection is not accepted until
// the current client has disconnected.
func (s *Server) acceptLoop() {
	for {
		s.mu.Lock()
		ln := s.listener
		s.mu.Unlock()
		if ln == nil {
			return
		}

		conn, err := ln.Accept()
		if err != nil {
			s.log.Debug("GPGNet accept loop exiting", "error", err)
			return
		}

		s.log.Info("game connected", "remote", conn.RemoteAddr())

		s.mu.Lock()
		s.conn = conn
		s.state = Connected
		cb := s.onConnState
		s.mu.Unlock()
		if cb != nil {
			cb(Connected)
		}

		s.serve(conn)
	}
}

// serve reads messages from conn until it errors or closes, dispatching
// each to the message callback in arrival order before reading the next.
func (s *Server) serve(conn net.Conn) {
	for {
		msg, err := Decode(conn)
		if err != nil {
			s.log.Info("game disconnected", "error", err)

			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
				s.state = Disconnected
			}
			cb := s.onConnState
			s.mu.Unlock()
			if cb != nil {
				cb(Disconnected)
			}
			return
		}

		s.mu.Lock()
		cb := s.onMessage
		s.mu.Unlock()
		if cb != nil {
			cb(msg)
		}
	}
}

// SendMessage sends an arbitrary header/chunks message to the connected
// game client. Returns an error if no game client is connected.
func (s *Server) SendMessage(header string, chunks []Chunk) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("sending %q: no game client connected", header)
	}
	if err := Encode(conn, Message{Header: header, Chunks: chunks}); err != nil {
		return fmt.Errorf("sending %q: %w", header, err)
	}
	return nil
}

// SendCreateLobby sends the CreateLobby message.
func (s *Server) SendCreateLobby(mode InitMode, udpPort int, login string, playerID int, natTraversal int) error {
	return s.SendMessage("CreateLobby", []Chunk{
		IntChunk(int32(mode)),
		IntChunk(int32(udpPort)),
		StringChunk(login),
		IntChunk(int32(playerID)),
		IntChunk(int32(natTraversal)),
	})
}

// SendHostGame sends the HostGame message.
func (s *Server) SendHostGame(mapName string) error {
	return s.SendMessage("HostGame", []Chunk{StringChunk(mapName)})
}

// SendJoinGame sends the JoinGame message.
func (s *Server) SendJoinGame(addr, login string, playerID int) error {
	return s.SendMessage("JoinGame", []Chunk{
		StringChunk(addr),
		StringChunk(login),
		IntChunk(int32(playerID)),
	})
}

// SendConnectToPeer sends the ConnectToPeer message.
func (s *Server) SendConnectToPeer(addr, login string, playerID int) error {
	return s.SendMessage("ConnectToPeer", []Chunk{
		StringChunk(addr),
		StringChunk(login),
		IntChunk(int32(playerID)),
	})
}

// SendDisconnectFromPeer sends the DisconnectFromPeer message.
func (s *Server) SendDisconnectFromPeer(playerID int) error {
	return s.SendMessage("DisconnectFromPeer", []Chunk{IntChunk(int32(playerID))})
}
