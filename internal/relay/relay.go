// Package relay implements the per-peer coupling of a loopback UDP socket
// and an ICE agent that makes a remote player appear local to the game: the
// game sends and receives datagrams on the loopback socket exactly as if the
// peer were reachable directly, while the Relay actually forwards them over
// the ICE agent's connection.
package relay

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/duk3luk3/ice-adapter/internal/adaptererr"
	"github.com/duk3luk3/ice-adapter/internal/iceagent"
)

// IceAgent is the subset of *iceagent.Agent a Relay depends on. Mirroring it
// as an interface lets tests drive the pump logic with a lightweight mock
// instead of a real pion/ice session.
type IceAgent interface {
	Gather() error
	SetRemoteSdp(sdpB64 string) error
	Send(data []byte) error
	OnReceive(cb iceagent.ReceiveCallback)
	OnLocalSdp(cb iceagent.LocalSdpCallback)
	OnStateChange(cb iceagent.StateCallback)
	State() iceagent.State
	IsConnected() bool
	LocalSdp() string
	LocalSdpB64() string
	RemoteSdpB64() string
	LocalCandidateType() string
	RemoteCandidateType() string
	Restart() error
	Close() error
}

var _ IceAgent = (*iceagent.Agent)(nil)

// Relay owns one loopback UDP socket (bound to an OS-assigned port) and one
// IceAgent for a single remote player. Once the game's send address is
// learned from the first inbound datagram, it never changes for the
// lifetime of the Relay (spec §4.2).
type Relay struct {
	remotePlayerID    int
	remotePlayerLogin string
	localGameUDPPort  int

	agent IceAgent
	conn  *net.UDPConn
	log   *slog.Logger

	mu       sync.Mutex
	gameAddr *net.UDPAddr
	closed   bool
}

// New binds a loopback UDP socket on an OS-assigned ephemeral port and
// starts pumping datagrams between it and agent. The Relay takes ownership
// of agent and closes it when Close is called.
func New(remotePlayerID int, remotePlayerLogin string, localGameUDPPort int, agent IceAgent, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "relay", "remote_player_id", remotePlayerID)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		return nil, adaptererr.New(adaptererr.BindFailure, fmt.Sprintf("binding loopback relay socket for peer %d", remotePlayerID), err)
	}

	r := &Relay{
		remotePlayerID:    remotePlayerID,
		remotePlayerLogin: remotePlayerLogin,
		localGameUDPPort:  localGameUDPPort,
		agent:             agent,
		conn:              conn,
		log:               log,
	}

	agent.OnReceive(r.handlePeerDatagram)
	go r.pumpFromGame()

	log.Info("relay created", "port", r.Port())
	return r, nil
}

// Port returns the bound loopback UDP port, always 127.0.0.1:<port>.
func (r *Relay) Port() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// Addr returns the loopback address a peer (or the game) should be told to
// reach this relay at.
func (r *Relay) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", r.Port())
}

// PeerLogin returns the remote player's login.
func (r *Relay) PeerLogin() string { return r.remotePlayerLogin }

// PeerID returns the remote player's id.
func (r *Relay) PeerID() int { return r.remotePlayerID }

// LocalGameUDPPort returns the configured game UDP port, for diagnostics
// only — the relay itself never talks to that port directly.
func (r *Relay) LocalGameUDPPort() int { return r.localGameUDPPort }

// IceAgent returns the owned ICE agent.
func (r *Relay) IceAgent() IceAgent { return r.agent }

// GatherCandidates starts ICE candidate gathering on the owned agent. cb is
// invoked exactly once with the resulting local SDP blob.
func (r *Relay) GatherCandidates(cb func(sdpB64 string)) error {
	r.agent.OnLocalSdp(cb)
	return r.agent.Gather()
}

// SetIceAgentStateCallback registers an observer for the owned agent's
// lifecycle transitions.
func (r *Relay) SetIceAgentStateCallback(cb func(iceagent.State)) {
	r.agent.OnStateChange(cb)
}

// pumpFromGame reads datagrams from the loopback socket and forwards their
// payload to the ICE agent. The game's send address is learned from the
// first datagram's source address and never updated afterward. Datagrams
// that arrive before the agent is Connected are dropped, not buffered
// (spec §4.2 — no backpressure, spec §5).
func (r *Relay) pumpFromGame() {
	buf := make([]byte, 65536)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			r.log.Debug("game pump loop ending", "error", err)
			return
		}

		r.mu.Lock()
		if r.gameAddr == nil {
			r.gameAddr = addr
			r.log.Debug("learned game send address", "addr", addr)
		}
		r.mu.Unlock()

		if !r.agent.IsConnected() {
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		if err := r.agent.Send(payload); err != nil {
			r.log.Debug("forwarding game datagram to peer failed", "error", err)
		}
	}
}

// handlePeerDatagram is the ICE agent's OnReceive callback: it forwards
// payloads arriving from the remote peer back to the game's loopback
// address, once learned. Packets received before the game address is known
// are dropped.
func (r *Relay) handlePeerDatagram(data []byte) {
	r.mu.Lock()
	addr := r.gameAddr
	r.mu.Unlock()

	if addr == nil {
		return
	}
	if _, err := r.conn.WriteToUDP(data, addr); err != nil {
		r.log.Debug("forwarding peer datagram to game failed", "error", err)
	}
}

// Close tears down the loopback socket and the owned ICE agent.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	sockErr := r.conn.Close()
	agentErr := r.agent.Close()
	if sockErr != nil {
		return sockErr
	}
	return agentErr
}
