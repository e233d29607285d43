// Package coordinator implements the IceAdapter: the top-level orchestrator
// that ties the GpgNetServer, the RpcServer, the per-peer relay registry,
// and the task/game-state machines together (spec §4.5). It is the
// component with the highest share of this system's value — the
// coordination, not the protocol stacks it wires together.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/duk3luk3/ice-adapter/internal/adaptererr"
	"github.com/duk3luk3/ice-adapter/internal/config"
	"github.com/duk3luk3/ice-adapter/internal/gpgnet"
	"github.com/duk3luk3/ice-adapter/internal/iceagent"
	"github.com/duk3luk3/ice-adapter/internal/relay"
	"github.com/duk3luk3/ice-adapter/internal/rpcserver"
)

// TaskState is the deferred lobby command state machine (spec §3).
type TaskState int

const (
	TaskNoTask TaskState = iota
	TaskShouldHostGame
	TaskSentHostGame
	TaskShouldJoinGame
	TaskSentJoinGame
)

func (t TaskState) String() string {
	switch t {
	case TaskNoTask:
		return "NoTask"
	case TaskShouldHostGame:
		return "ShouldHostGame"
	case TaskSentHostGame:
		return "SentHostGame"
	case TaskShouldJoinGame:
		return "ShouldJoinGame"
	case TaskSentJoinGame:
		return "SentJoinGame"
	default:
		return "Unknown"
	}
}

// Coordinator is the IceAdapter: it holds configuration, the relay
// registry, and the task/game-state machines, and wires RPC methods to
// actions while translating GpgNet events into RPC notifications and task
// advances.
type Coordinator struct {
	cfg *config.Options
	log *slog.Logger

	gpgnetSrv *gpgnet.Server
	rpcSrv    *rpcserver.Server

	mu        sync.Mutex
	task      TaskState
	hostMap   string
	joinLogin string
	joinID    int
	gameState string
	relays    map[int]*relay.Relay
}

// New creates a Coordinator and wires its GpgNet callbacks and RPC
// handlers. Call Start (or Run) to begin listening.
func New(cfg *config.Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "coordinator")

	c := &Coordinator{
		cfg:       cfg,
		log:       log,
		gpgnetSrv: gpgnet.NewServer(log),
		rpcSrv:    rpcserver.New(log),
		relays:    make(map[int]*relay.Relay),
	}

	c.gpgnetSrv.OnMessage(c.handleGpgNetMessage)
	c.gpgnetSrv.OnConnectionStateChange(c.handleGpgNetConnectionState)
	c.registerHandlers()

	return c
}

func (c *Coordinator) registerHandlers() {
	c.rpcSrv.Register("hostGame", c.handleHostGame)
	c.rpcSrv.Register("joinGame", c.handleJoinGame)
	c.rpcSrv.Register("connectToPeer", c.handleConnectToPeer)
	c.rpcSrv.Register("disconnectFromPeer", c.handleDisconnectFromPeer)
	c.rpcSrv.Register("setSdp", c.handleSetSdp)
	c.rpcSrv.Register("sendToGpgNet", c.handleSendToGpgNet)
	c.rpcSrv.Register("status", c.handleStatus)
	c.rpcSrv.Register("quit", c.handleQuit)
}

// Start binds the GpgNet and RPC listeners and returns once both are bound;
// serving happens in background goroutines.
func (c *Coordinator) Start() error {
	if err := c.gpgnetSrv.Listen(c.cfg.GPGNetPort); err != nil {
		return err
	}
	if err := c.rpcSrv.Listen(c.cfg.RPCPort); err != nil {
		return err
	}
	return nil
}

// Run starts the Coordinator and blocks until ctx is cancelled, then tears
// everything down.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	c.Shutdown()
	return ctx.Err()
}

// RPCPort returns the bound RPC listen port (useful when configured as 0).
func (c *Coordinator) RPCPort() int { return c.rpcSrv.Port() }

// GpgNetPort returns the bound GpgNet listen port.
func (c *Coordinator) GpgNetPort() int { return c.gpgnetSrv.Port() }

// Shutdown tears down every owned relay and closes both listeners. Safe to
// call multiple times.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	relays := c.relays
	c.relays = make(map[int]*relay.Relay)
	c.mu.Unlock()

	for id, r := range relays {
		if err := r.Close(); err != nil {
			c.log.Debug("closing relay during shutdown", "remote_player_id", id, "error", err)
		}
	}
	if err := c.gpgnetSrv.Close(); err != nil {
		c.log.Debug("closing gpgnet server", "error", err)
	}
	if err := c.rpcSrv.Close(); err != nil {
		c.log.Debug("closing rpc server", "error", err)
	}
}

// handleGpgNetMessage is the GpgNetServer's inbound-message callback. Every
// message is relayed to the RPC client verbatim; GameState additionally
// drives the task state machine and the CreateLobby trigger.
func (c *Coordinator) handleGpgNetMessage(msg gpgnet.Message) {
	if msg.Header == "GameState" && len(msg.Chunks) > 0 {
		gameState := msg.Chunks[0].String()

		c.mu.Lock()
		c.gameState = gameState
		if gameState == "Idle" {
			if err := c.gpgnetSrv.SendCreateLobby(gpgnet.NormalLobby, c.cfg.GameUDPPort, c.cfg.PlayerLogin, c.cfg.PlayerID, 1); err != nil {
				c.log.Error("sending CreateLobby", "error", err)
			}
		}
		c.advanceTaskLocked()
		c.mu.Unlock()
	}

	c.rpcSrv.Notify("onGpgNetMessageReceived", []interface{}{msg.Header, chunksToInterface(msg.Chunks)})
}

// advanceTaskLocked applies the task-advance table (spec §4.5) using the
// corrected semantics spec §9 recommends: a Should* task stays Should*
// until GameState "Lobby" is observed, then it fires and transitions to
// Sent*. c.mu must be held by the caller.
func (c *Coordinator) advanceTaskLocked() {
	switch c.task {
	case TaskShouldHostGame:
		if c.gameState != "Lobby" {
			return
		}
		if err := c.gpgnetSrv.SendHostGame(c.hostMap); err != nil {
			c.log.Error("sending HostGame", "error", err)
		}
		c.task = TaskSentHostGame

	case TaskShouldJoinGame:
		if c.gameState != "Lobby" {
			return
		}
		r, err := c.createRelayLocked(c.joinID, c.joinLogin)
		if err != nil {
			c.log.Error("creating relay for joinGame", "remote_player_id", c.joinID, "error", err)
			return
		}
		if err := c.gpgnetSrv.SendJoinGame(r.Addr(), c.joinLogin, c.joinID); err != nil {
			c.log.Error("sending JoinGame", "error", err)
		}
		c.task = TaskSentJoinGame
	}
}

// handleGpgNetConnectionState is the GpgNetServer's connection-state
// callback. A transition to Disconnected resets every piece of per-session
// state (spec §4.5's "game disconnect reset").
func (c *Coordinator) handleGpgNetConnectionState(state gpgnet.ConnectionState) {
	c.rpcSrv.Notify("onConnectionStateChanged", []interface{}{state.String()})

	if state != gpgnet.Disconnected {
		return
	}

	c.mu.Lock()
	relays := c.relays
	c.relays = make(map[int]*relay.Relay)
	c.task = TaskNoTask
	c.hostMap = ""
	c.joinLogin = ""
	c.joinID = 0
	c.gameState = ""
	c.mu.Unlock()

	for id, r := range relays {
		if err := r.Close(); err != nil {
			c.log.Debug("closing relay on game disconnect", "remote_player_id", id, "error", err)
		}
	}
}

// createRelayLocked allocates a PeerRelay for remotePlayerID, registers it,
// emits onNeedSdp, and starts candidate gathering. c.mu must be held by the
// caller.
func (c *Coordinator) createRelayLocked(remotePlayerID int, remotePlayerLogin string) (*relay.Relay, error) {
	if _, exists := c.relays[remotePlayerID]; exists {
		return nil, adaptererr.New(adaptererr.DuplicateSessionCommand,
			fmt.Sprintf("relay for peer %d already registered", remotePlayerID), nil)
	}

	agent, err := iceagent.New(iceagent.Config{
		LocalPlayerID:  c.cfg.PlayerID,
		RemotePlayerID: remotePlayerID,
		StunAddr:       c.cfg.StunAddr,
		TurnAddr:       c.cfg.TurnAddr,
		TurnUser:       c.cfg.TurnUser,
		TurnPass:       c.cfg.TurnPass,
		Logger:         c.log,
	}, c.cfg.PlayerID < remotePlayerID)
	if err != nil {
		return nil, fmt.Errorf("creating ice agent for peer %d: %w", remotePlayerID, err)
	}

	r, err := relay.New(remotePlayerID, remotePlayerLogin, c.cfg.GameUDPPort, agent, c.log)
	if err != nil {
		_ = agent.Close()
		return nil, err
	}
	c.relays[remotePlayerID] = r

	localID := c.cfg.PlayerID
	c.rpcSrv.Notify("onNeedSdp", []interface{}{localID, remotePlayerID})

	r.SetIceAgentStateCallback(func(s iceagent.State) {
		c.rpcSrv.Notify("onPeerStateChanged", []interface{}{localID, remotePlayerID, s.String()})
		if s == iceagent.StateFailed {
			c.restartFailedRelay(remotePlayerID)
		}
	})

	if err := r.GatherCandidates(func(sdp string) {
		c.rpcSrv.Notify("onSdpGathered", []interface{}{localID, remotePlayerID, sdp})
	}); err != nil {
		c.log.Error("starting candidate gathering", "remote_player_id", remotePlayerID, "error", err)
	}

	return r, nil
}

// restartFailedRelay implements the supplemented ICE-restart behavior:
// a relay stays registered after its agent reaches Failed (spec §7), and
// each time the agent reaches Failed it is restarted back to Checking
// instead of being left dead for the rest of the game-connection session.
// There is no limit on the number of restarts.
func (c *Coordinator) restartFailedRelay(remotePlayerID int) {
	c.mu.Lock()
	r, ok := c.relays[remotePlayerID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("ice failed callback for unregistered peer", "remote_player_id", remotePlayerID)
		return
	}
	if err := r.IceAgent().Restart(); err != nil {
		c.log.Debug("ice restart unavailable", "remote_player_id", remotePlayerID, "error", err)
	}
}

// handleHostGame implements the hostGame RPC method.
func (c *Coordinator) handleHostGame(params []interface{}) (interface{}, error) {
	mapName, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task != TaskNoTask {
		return nil, adaptererr.New(adaptererr.DuplicateSessionCommand,
			"joinGame/hostGame may only be called once per game connection", nil)
	}
	c.hostMap = mapName
	c.task = TaskShouldHostGame
	c.advanceTaskLocked()
	return "ok", nil
}

// handleJoinGame implements the joinGame RPC method.
func (c *Coordinator) handleJoinGame(params []interface{}) (interface{}, error) {
	login, id, err := parseLoginID(params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task != TaskNoTask {
		return nil, adaptererr.New(adaptererr.DuplicateSessionCommand,
			"joinGame/hostGame may only be called once per game connection", nil)
	}
	c.joinLogin = login
	c.joinID = id
	c.task = TaskShouldJoinGame
	c.advanceTaskLocked()
	return "ok", nil
}

// handleConnectToPeer implements the connectToPeer RPC method. Unlike
// hostGame/joinGame it is not gated by the task state machine — a relay is
// created and ConnectToPeer sent immediately.
func (c *Coordinator) handleConnectToPeer(params []interface{}) (interface{}, error) {
	login, id, err := parseLoginID(params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.createRelayLocked(id, login)
	if err != nil {
		return nil, err
	}
	if err := c.gpgnetSrv.SendConnectToPeer(r.Addr(), login, id); err != nil {
		return nil, fmt.Errorf("sending ConnectToPeer: %w", err)
	}
	return "ok", nil
}

// handleDisconnectFromPeer implements the disconnectFromPeer RPC method.
// Per the corrected design (spec §9), the relay is taken out of the
// registry and, once the GpgNet message has been sent, closed, rather than
// left dangling.
func (c *Coordinator) handleDisconnectFromPeer(params []interface{}) (interface{}, error) {
	id, err := paramInt(params, 0)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	r, ok := c.relays[id]
	if !ok {
		c.mu.Unlock()
		return nil, adaptererr.New(adaptererr.UnknownPeer, fmt.Sprintf("no relay registered for peer %d", id), nil)
	}
	delete(c.relays, id)
	c.mu.Unlock()

	sendErr := c.gpgnetSrv.SendDisconnectFromPeer(id)
	if err := r.Close(); err != nil {
		c.log.Debug("closing relay after disconnectFromPeer", "remote_player_id", id, "error", err)
	}
	if sendErr != nil {
		return nil, fmt.Errorf("sending DisconnectFromPeer: %w", sendErr)
	}
	return "ok", nil
}

// handleSetSdp implements the setSdp RPC method.
func (c *Coordinator) handleSetSdp(params []interface{}) (interface{}, error) {
	id, err := paramInt(params, 0)
	if err != nil {
		return nil, err
	}
	sdp, err := paramString(params, 1)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	r, ok := c.relays[id]
	c.mu.Unlock()
	if !ok {
		return nil, adaptererr.New(adaptererr.UnknownPeer, fmt.Sprintf("no relay registered for peer %d", id), nil)
	}

	if err := r.IceAgent().SetRemoteSdp(sdp); err != nil {
		return nil, adaptererr.New(adaptererr.InvalidSdp, "setSdp", err)
	}
	return "ok", nil
}

// handleSendToGpgNet implements the sendToGpgNet RPC method.
func (c *Coordinator) handleSendToGpgNet(params []interface{}) (interface{}, error) {
	header, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}

	var raw []interface{}
	if len(params) > 1 && params[1] != nil {
		arr, ok := params[1].([]interface{})
		if !ok {
			return nil, adaptererr.New(adaptererr.InvalidRpcArity, "sendToGpgNet: second argument must be an array", nil)
		}
		raw = arr
	}

	chunks, err := chunksFromInterface(raw)
	if err != nil {
		return nil, err
	}
	if err := c.gpgnetSrv.SendMessage(header, chunks); err != nil {
		return nil, fmt.Errorf("sendToGpgNet: %w", err)
	}
	return "ok", nil
}

// handleStatus implements the status RPC method.
func (c *Coordinator) handleStatus(params []interface{}) (interface{}, error) {
	return c.Status(), nil
}

// handleQuit implements the quit RPC method. The response is written by the
// RpcServer's serve loop immediately after this handler returns; we delay
// the actual teardown and process exit just long enough for that write to
// reach the client, reproducing the ordering the original implementation
// got for free from glib draining pending writes before the main loop quit
// (SPEC_FULL.md, supplemented feature 3, "Graceful quit").
func (c *Coordinator) handleQuit(params []interface{}) (interface{}, error) {
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Shutdown()
		os.Exit(0)
	}()
	return "ok", nil
}
