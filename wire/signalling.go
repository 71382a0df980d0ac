package wire

// SignallingPayload carries an SDP description plus gathered ICE candidates.
// It is JSON on the HTTP handshake and CBOR inside renegotiate bodies.
// ClientID is null in offers from new clients and set in the server's first
// answer.
type SignallingPayload struct {
	SDP        string         `json:"sdp" cbor:"sdp"`
	Candidates []IceCandidate `json:"candidates" cbor:"candidates"`
	ClientID   *string        `json:"clientId" cbor:"clientId"`
}

// IceCandidate is one gathered ICE candidate.
type IceCandidate struct {
	SDPMid        string  `json:"sdpMid" cbor:"sdpMid"`
	SDPMLineIndex int32   `json:"sdpMLineIndex" cbor:"sdpMLineIndex"`
	SDP           string  `json:"sdp" cbor:"sdp"`
	ServerURL     *string `json:"serverUrl,omitempty" cbor:"serverUrl,omitempty"`
}
