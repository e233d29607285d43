package coordinator

import (
	"sort"

	"github.com/duk3luk3/ice-adapter/internal/config"
)

// StatusResult is the status() RPC result shape (spec §6): stable field
// names, with host_game/join_game/ice_agent sub-objects present only when
// applicable.
type StatusResult struct {
	Options *config.Options `json:"options"`
	GpgNet  GpgNetStatus    `json:"gpgnet"`
	Relays  []RelayStatus   `json:"relays"`
}

// GpgNetStatus is status().gpgnet.
type GpgNetStatus struct {
	LocalPort int             `json:"local_port"`
	Connected bool            `json:"connected"`
	GameState string          `json:"game_state"`
	HostGame  *HostGameStatus `json:"host_game,omitempty"`
	JoinGame  *JoinGameStatus `json:"join_game,omitempty"`
}

// HostGameStatus is status().gpgnet.host_game, present only once a host
// task has been entered.
type HostGameStatus struct {
	Map string `json:"map"`
}

// JoinGameStatus is status().gpgnet.join_game, present only once a join
// task has been entered.
type JoinGameStatus struct {
	RemotePlayerLogin string `json:"remote_player_login"`
	RemotePlayerID    int    `json:"remote_player_id"`
}

// RelayStatus is one entry of status().relays.
type RelayStatus struct {
	RemotePlayerID    int             `json:"remote_player_id"`
	RemotePlayerLogin string          `json:"remote_player_login"`
	LocalGameUDPPort  int             `json:"local_game_udp_port"`
	IceAgent          *IceAgentStatus `json:"ice_agent,omitempty"`
}

// IceAgentStatus is status().relays[i].ice_agent.
type IceAgentStatus struct {
	State           string `json:"state"`
	Connected       bool   `json:"connected"`
	LocalCandidate  string `json:"local_candidate"`
	RemoteCandidate string `json:"remote_candidate"`
	LocalSdp        string `json:"local_sdp"`
	LocalSdp64      string `json:"local_sdp64"`
	RemoteSdp64     string `json:"remote_sdp64"`
}

// Status builds the current status() result. Relays are sorted by remote
// player id so the result is deterministic despite Go's randomized map
// iteration order.
func (c *Coordinator) Status() StatusResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	gpgnet := GpgNetStatus{
		LocalPort: c.gpgnetSrv.Port(),
		Connected: c.gpgnetSrv.State().String() == "Connected",
		GameState: c.gameState,
	}
	switch c.task {
	case TaskShouldHostGame, TaskSentHostGame:
		gpgnet.HostGame = &HostGameStatus{Map: c.hostMap}
	case TaskShouldJoinGame, TaskSentJoinGame:
		gpgnet.JoinGame = &JoinGameStatus{RemotePlayerLogin: c.joinLogin, RemotePlayerID: c.joinID}
	}

	ids := make([]int, 0, len(c.relays))
	for id := range c.relays {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	relays := make([]RelayStatus, 0, len(ids))
	for _, id := range ids {
		r := c.relays[id]
		rs := RelayStatus{
			RemotePlayerID:    r.PeerID(),
			RemotePlayerLogin: r.PeerLogin(),
			LocalGameUDPPort:  r.LocalGameUDPPort(),
		}
		if agent := r.IceAgent(); agent != nil {
			rs.IceAgent = &IceAgentStatus{
				State:           agent.State().String(),
				Connected:       agent.IsConnected(),
				LocalCandidate:  agent.LocalCandidateType(),
				RemoteCandidate: agent.RemoteCandidateType(),
				LocalSdp:        agent.LocalSdp(),
				LocalSdp64:      agent.LocalSdpB64(),
				RemoteSdp64:     agent.RemoteSdpB64(),
			}
		}
		relays = append(relays, rs)
	}

	return StatusResult{
		Options: c.cfg,
		GpgNet:  gpgnet,
		Relays:  relays,
	}
}
