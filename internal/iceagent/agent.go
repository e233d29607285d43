// Package iceagent wraps a single pion/ice Agent with the lifecycle a
// game peer connection needs: gather local candidates, exchange them
// with the remote side as an opaque base64 blob (no real WebRTC offer/
// answer, no SCTP data channel — just a symmetric ICE session carrying
// raw datagrams once connected), and expose a byte-oriented Send/
// OnReceive pair once connectivity checks succeed.
package iceagent

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"

	"github.com/duk3luk3/ice-adapter/internal/turn"
)

// State is the lifecycle state of an IceAgent.
type State int

const (
	StateNew State = iota
	StateGathering
	StateAwaitingRemoteSdp
	StateChecking
	StateConnected
	StateFailed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateGathering:
		return "Gathering"
	case StateAwaitingRemoteSdp:
		return "AwaitingRemoteSdp"
	case StateChecking:
		return "Checking"
	case StateConnected:
		return "Connected"
	case StateFailed:
		return "Failed"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Config configures a new IceAgent.
type Config struct {
	// LocalPlayerID and RemotePlayerID identify the two ends.
	// RemotePlayerID tags this agent's log lines and is the peer id in
	// derived TURN REST credentials; the controlling/controlled role is
	// passed to New separately.
	LocalPlayerID  int
	RemotePlayerID int

	// StunAddr and TurnAddr are resolved host:port strings (DNS already
	// done by the caller); either may be empty to skip that server.
	StunAddr string
	TurnAddr string
	TurnUser string
	TurnPass string

	Logger *slog.Logger
}

// ReceiveCallback is invoked once per datagram received over the
// established ICE connection.
type ReceiveCallback func([]byte)

// LocalSdpCallback is invoked once local candidate gathering completes,
// with the base64 SDP blob to relay to the remote peer.
type LocalSdpCallback func(sdpB64 string)

// StateCallback is invoked whenever the agent's State changes.
type StateCallback func(State)

// Agent manages one peer's ICE session: gathering, SDP exchange,
// connectivity checks, and the resulting data connection.
type Agent struct {
	cfg Config
	log *slog.Logger

	controlling bool
	pionAgent   *ice.Agent

	mu             sync.Mutex
	state          State
	conn           net.Conn
	localUfrag     string
	localPwd       string
	localCands     []candidateJSON
	localSdp       string
	localSdpB64    string
	remoteSdpB64   string
	localCandType  string
	remoteCandType string
	onReceive      ReceiveCallback
	onLocalSdp     LocalSdpCallback
	onState        StateCallback
	closed         bool

	gatherStarted bool
	gatherDone    chan struct{}

	connectCancel context.CancelFunc
}

// New creates an IceAgent. Controlling selects which side dials (true)
// versus accepts (false) during connectivity checks; callers derive
// this deterministically (e.g. lower player ID controls) so both ends
// agree without negotiation.
func New(cfg Config, controlling bool) (*Agent, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "iceagent", "remote_player", cfg.RemotePlayerID)

	urls, err := buildURLs(cfg)
	if err != nil {
		return nil, fmt.Errorf("building ICE server URLs: %w", err)
	}

	pionAgent, err := ice.NewAgent(&ice.AgentConfig{
		Urls: urls,
		NetworkTypes: []ice.NetworkType{
			ice.NetworkTypeUDP4,
			ice.NetworkTypeUDP6,
		},
		LoggerFactory: newSlogLoggerFactory(log),
	})
	if err != nil {
		return nil, fmt.Errorf("creating ICE agent: %w", err)
	}

	a := &Agent{
		cfg:         cfg,
		log:         log,
		controlling: controlling,
		pionAgent:   pionAgent,
		state:       StateNew,
		gatherDone:  make(chan struct{}),
	}

	if err := pionAgent.OnConnectionStateChange(a.handlePionStateChange); err != nil {
		_ = pionAgent.Close()
		return nil, fmt.Errorf("registering connection state handler: %w", err)
	}
	if err := pionAgent.OnCandidate(a.handlePionCandidate); err != nil {
		_ = pionAgent.Close()
		return nil, fmt.Errorf("registering candidate handler: %w", err)
	}

	return a, nil
}

func buildURLs(cfg Config) ([]*stun.URI, error) {
	var urls []*stun.URI
	if cfg.StunAddr != "" {
		u, err := stun.ParseURI(fmt.Sprintf("stun:%s", cfg.StunAddr))
		if err != nil {
			return nil, fmt.Errorf("parsing STUN URI: %w", err)
		}
		urls = append(urls, u)
	}
	if cfg.TurnAddr != "" {
		u, err := stun.ParseURI(fmt.Sprintf("turn:%s", cfg.TurnAddr))
		if err != nil {
			return nil, fmt.Errorf("parsing TURN URI: %w", err)
		}
		u.Username, u.Password = turnCredentials(cfg)
		urls = append(urls, u)
	}
	return urls, nil
}

// turnCredentials resolves the TURN username/password to use for this
// agent's relay candidates. When the configured turn_user is empty, turn_pass
// is treated as a coturn-style REST API shared secret and a short-lived,
// per-peer credential pair is derived from it instead of sent as-is — the
// matchmaking service only needs to hand out one secret, not a credential
// per session.
func turnCredentials(cfg Config) (string, string) {
	if cfg.TurnUser != "" {
		return cfg.TurnUser, cfg.TurnPass
	}
	if cfg.TurnPass == "" {
		return "", ""
	}
	return turn.GenerateCredentials(cfg.TurnPass, fmt.Sprintf("%d", cfg.RemotePlayerID), 0)
}

// OnReceive registers the inbound-datagram callback.
func (a *Agent) OnReceive(cb ReceiveCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onReceive = cb
}

// OnLocalSdp registers the callback fired once local gathering completes.
func (a *Agent) OnLocalSdp(cb LocalSdpCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onLocalSdp = cb
}

// OnStateChange registers the state-transition callback.
func (a *Agent) OnStateChange(cb StateCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onState = cb
}

// Gather starts local candidate gathering. Calling it twice is a no-op
// error, matching the one-shot nature of a single ICE session.
func (a *Agent) Gather() error {
	a.mu.Lock()
	if a.gatherStarted {
		a.mu.Unlock()
		return fmt.Errorf("gather already started")
	}
	a.gatherStarted = true
	a.setStateLocked(StateGathering)
	a.mu.Unlock()

	if err := a.pionAgent.GatherCandidates(); err != nil {
		return fmt.Errorf("starting candidate gathering: %w", err)
	}
	return nil
}

// handlePionCandidate is pion/ice's OnCandidate callback. A nil
// candidate marks the end of gathering, mirroring the WebRTC
// convention this codebase's lineage already follows elsewhere.
func (a *Agent) handlePionCandidate(c ice.Candidate) {
	if c == nil {
		a.finishGathering()
		return
	}

	cj := candidateJSON{
		Type:       c.Type().String(),
		Foundation: c.Foundation(),
		Component:  int(c.Component()),
		Priority:   c.Priority(),
		IP:         c.Address(),
		Port:       c.Port(),
	}
	if rel := c.RelatedAddress(); rel != nil {
		cj.RelatedIP = rel.Address
		cj.RelatedPort = rel.Port
	}

	a.mu.Lock()
	a.localCands = append(a.localCands, cj)
	if a.localCandType == "" || c.Type() == ice.CandidateTypeRelay {
		a.localCandType = c.Type().String()
	}
	a.mu.Unlock()
}

func (a *Agent) finishGathering() {
	ufrag, pwd := a.pionAgent.GetLocalUserCredentials()

	a.mu.Lock()
	a.localUfrag = ufrag
	a.localPwd = pwd
	blob := sdpBlob{Ufrag: ufrag, Pwd: pwd, Candidates: a.localCands}
	a.setStateLocked(StateAwaitingRemoteSdp)
	onLocalSdp := a.onLocalSdp
	gatherDone := a.gatherDone
	a.mu.Unlock()

	b64, err := encodeSdpBlob(blob)
	if err != nil {
		a.log.Error("encoding local sdp blob", "error", err)
		return
	}
	raw, _ := base64.StdEncoding.DecodeString(b64)

	a.mu.Lock()
	a.localSdp = string(raw)
	a.localSdpB64 = b64
	a.mu.Unlock()

	close(gatherDone)

	a.log.Debug("local ICE gathering complete", "candidates", len(blob.Candidates))
	if onLocalSdp != nil {
		onLocalSdp(b64)
	}
}

// SetRemoteSdp applies the remote peer's SDP blob and starts
// connectivity checks in the background. Calling it again after the
// agent is already Connected is a no-op warning, not an error — late
// retransmits of the same signaling message are expected on lossy
// control channels.
func (a *Agent) SetRemoteSdp(sdpB64 string) error {
	blob, err := decodeSdpBlob(sdpB64)
	if err != nil {
		return fmt.Errorf("invalid remote sdp: %w", err)
	}

	a.mu.Lock()
	if a.state == StateConnected {
		a.mu.Unlock()
		a.log.Warn("received remote sdp while already connected, ignoring")
		return nil
	}
	a.remoteSdpB64 = sdpB64
	a.setStateLocked(StateChecking)
	gatherDone := a.gatherDone
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.connectCancel = cancel
	a.mu.Unlock()

	go a.connect(ctx, gatherDone, blob)
	return nil
}

func (a *Agent) connect(ctx context.Context, gatherDone <-chan struct{}, remote sdpBlob) {
	select {
	case <-gatherDone:
	case <-ctx.Done():
		return
	}

	if err := a.pionAgent.SetRemoteCredentials(remote.Ufrag, remote.Pwd); err != nil {
		a.log.Error("setting remote ICE credentials", "error", err)
		a.setState(StateFailed)
		return
	}

	remoteCandType := ""
	for _, cj := range remote.Candidates {
		cand, err := candidateFromJSON(cj)
		if err != nil {
			a.log.Warn("skipping unparsable remote candidate", "error", err)
			continue
		}
		if err := a.pionAgent.AddRemoteCandidate(cand); err != nil {
			a.log.Warn("rejecting remote candidate", "error", err)
			continue
		}
		if remoteCandType == "" || cand.Type() == ice.CandidateTypeRelay {
			remoteCandType = cand.Type().String()
		}
	}
	a.mu.Lock()
	a.remoteCandType = remoteCandType
	a.mu.Unlock()

	var (
		conn net.Conn
		err  error
	)
	if a.controlling {
		conn, err = a.pionAgent.Dial(ctx, remote.Ufrag, remote.Pwd)
	} else {
		conn, err = a.pionAgent.Accept(ctx, remote.Ufrag, remote.Pwd)
	}
	if err != nil {
		a.log.Error("ICE connectivity checks failed", "error", err)
		a.setState(StateFailed)
		return
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	go a.readLoop(conn)
}

func candidateFromJSON(cj candidateJSON) (ice.Candidate, error) {
	cfg := &ice.CandidateConfig{
		NetworkType: ice.NetworkTypeUDP4,
		Address:     cj.IP,
		Port:        cj.Port,
		Component:   uint16(cj.Component),
		Priority:    cj.Priority,
		Foundation:  cj.Foundation,
	}
	if cj.RelatedIP != "" {
		cfg.RelatedAddress = &ice.CandidateRelatedAddress{
			Address: cj.RelatedIP,
			Port:    cj.RelatedPort,
		}
	}

	switch cj.Type {
	case ice.CandidateTypeHost.String():
		return ice.NewCandidateHost(cfg)
	case ice.CandidateTypeServerReflexive.String():
		return ice.NewCandidateServerReflexive(cfg)
	case ice.CandidateTypePeerReflexive.String():
		return ice.NewCandidatePeerReflexive(cfg)
	case ice.CandidateTypeRelay.String():
		return ice.NewCandidateRelay(cfg)
	default:
		return nil, fmt.Errorf("unknown candidate type %q", cj.Type)
	}
}

func (a *Agent) readLoop(conn net.Conn) {
	buf := make([]byte, 65536)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			a.log.Debug("ICE connection read loop ending", "error", err)
			return
		}
		a.mu.Lock()
		cb := a.onReceive
		a.mu.Unlock()
		if cb != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			cb(data)
		}
	}
}

// handlePionStateChange is pion/ice's OnConnectionStateChange callback.
func (a *Agent) handlePionStateChange(s ice.ConnectionState) {
	a.log.Info("pion ICE connection state changed", "state", s.String())
	switch s {
	case ice.ConnectionStateConnected, ice.ConnectionStateCompleted:
		a.setState(StateConnected)
	case ice.ConnectionStateFailed:
		a.setState(StateFailed)
	case ice.ConnectionStateDisconnected:
		a.setState(StateDisconnected)
	}
}

// Send writes a datagram over the established ICE connection. Returns
// an error if the agent is not currently Connected.
func (a *Agent) Send(data []byte) error {
	a.mu.Lock()
	conn := a.conn
	state := a.state
	a.mu.Unlock()

	if state != StateConnected || conn == nil {
		return fmt.Errorf("ice agent not connected (state %s)", state)
	}
	_, err := conn.Write(data)
	return err
}

// Restart discards the current connectivity session and moves the
// agent back to Checking, re-using the already gathered local
// candidates. Valid only from Failed or Disconnected; the Coordinator
// calls it when an agent reaches Failed, to retry rather than give up.
func (a *Agent) Restart() error {
	a.mu.Lock()
	if a.state != StateFailed && a.state != StateDisconnected {
		a.mu.Unlock()
		return fmt.Errorf("restart only valid from Failed/Disconnected, was %s", a.state)
	}
	remoteSdpB64 := a.remoteSdpB64
	if prev := a.connectCancel; prev != nil {
		prev()
	}
	a.conn = nil
	a.setStateLocked(StateChecking)
	a.mu.Unlock()

	if remoteSdpB64 == "" {
		return fmt.Errorf("cannot restart: no remote sdp recorded")
	}

	blob, err := decodeSdpBlob(remoteSdpB64)
	if err != nil {
		return fmt.Errorf("re-decoding remote sdp for restart: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.connectCancel = cancel
	a.mu.Unlock()

	closedDone := make(chan struct{})
	close(closedDone)
	go a.connect(ctx, closedDone, blob)
	return nil
}

// Close tears down the pion agent and any established connection.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conn := a.conn
	if cancel := a.connectCancel; cancel != nil {
		cancel()
	}
	a.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	return a.pionAgent.Close()
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.setStateLocked(s)
	a.mu.Unlock()
}

// setStateLocked must be called with a.mu held.
func (a *Agent) setStateLocked(s State) {
	if a.state == s {
		return
	}
	a.state = s
	cb := a.onState
	log := a.log
	if cb != nil {
		go cb(s)
	}
	log.Debug("ice agent state transition", "state", s.String())
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsConnected reports whether the agent is currently Connected.
func (a *Agent) IsConnected() bool {
	return a.State() == StateConnected
}

// LocalSdp returns the local SDP blob as plain (non-base64) JSON, or "" before
// gathering completes.
func (a *Agent) LocalSdp() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localSdp
}

// LocalSdpB64 returns the local SDP blob, or "" before gathering completes.
func (a *Agent) LocalSdpB64() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localSdpB64
}

// RemoteSdpB64 returns the last remote SDP blob applied via SetRemoteSdp.
func (a *Agent) RemoteSdpB64() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remoteSdpB64
}

// LocalCandidateType returns the "best" local candidate type seen so
// far ("host", "srflx", "relay"), preferring relay if one was gathered,
// used to populate status()'s per-peer ICE type.
func (a *Agent) LocalCandidateType() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localCandType
}

// RemoteCandidateType is the remote-side analogue of LocalCandidateType.
func (a *Agent) RemoteCandidateType() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remoteCandType
}
