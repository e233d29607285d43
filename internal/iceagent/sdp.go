package iceagent

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// candidateJSON is a serializable rendering of an ice.Candidate, carrying
// enough fields to reconstruct one with ice.CandidateConfig on the
// receiving side.
type candidateJSON struct {
	Type        string `json:"type"`
	Foundation  string `json:"foundation"`
	Component   int    `json:"component"`
	Priority    uint32 `json:"priority"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	RelatedIP   string `json:"related_ip,omitempty"`
	RelatedPort int    `json:"related_port,omitempty"`
}

// sdpBlob is the wire shape exchanged over the RPC plane's setSdp /
// onSdpGathered calls in place of a real WebRTC SDP: a base64'd JSON
// object carrying the ICE credentials and the candidates gathered so
// far (or all of them, for a non-trickle blob).
type sdpBlob struct {
	Ufrag      string           `json:"ufrag"`
	Pwd        string           `json:"pwd"`
	Candidates []candidateJSON `json:"candidates"`
}

func encodeSdpBlob(b sdpBlob) (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshaling sdp blob: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeSdpBlob(s string) (sdpBlob, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return sdpBlob{}, fmt.Errorf("decoding base64: %w", err)
	}
	var b sdpBlob
	if err := json.Unmarshal(raw, &b); err != nil {
		return sdpBlob{}, fmt.Errorf("unmarshaling sdp blob: %w", err)
	}
	if b.Ufrag == "" || b.Pwd == "" {
		return sdpBlob{}, fmt.Errorf("sdp blob missing ufrag/pwd")
	}
	return b, nil
}
