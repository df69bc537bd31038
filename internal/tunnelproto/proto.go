// Package tunnelproto defines the JSON wire protocol exchanged between the
// relay and tunnel clients over a WebSocket connection. Every frame is a
// single JSON text message carrying one [Message] envelope.
package tunnelproto

// Frame kinds, server→client and client→server, per spec.md §6.
const (
	KindChallenge        = "challenge"
	KindAuth             = "auth"
	KindAuthOK           = "auth_ok"
	KindAuthError        = "auth_error"
	KindPing             = "ping"
	KindPong             = "pong"
	KindRequest          = "request"
	KindResponse         = "response"
	KindStreamStart      = "stream_start"
	KindStreamChunk      = "stream_chunk"
	KindStreamEnd        = "stream_end"
	KindAddAgent         = "add_agent"
	KindAgentAdded       = "agent_added"
	KindRemoveAgent      = "remove_agent"
	KindAgentRemoved     = "agent_removed"
	KindRequestChallenge = "request_challenge"
	KindError            = "error"
)

// WebSocket close codes, per spec.md §6.
const (
	CloseMalformedHandshake = 4000
	CloseAuthFailed         = 4001
	CloseKeepaliveTimeout   = 1000
)

// Message is the envelope exchanged on the tunnel WebSocket. Only the
// fields that belong to a given Type are populated (a `request` frame, for
// example, carries ID, Method, Path, Headers and Body); empty fields are
// omitted from the JSON encoding.
type Message struct {
	Type string `json:"type"`

	// protocol_version/seq are optional diagnostics carried over from the
	// original implementation's sub-protocol negotiation; never required by
	// either side (see SPEC_FULL.md "DOMAIN STACK").
	ProtocolVersion int `json:"protocol_version,omitempty"`
	Seq             int `json:"seq,omitempty"`

	Nonce     string `json:"nonce,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	Agents   []AuthAgent `json:"agents,omitempty"`
	Address  string      `json:"address,omitempty"`
	Signature string     `json:"signature,omitempty"`

	Accepted []AcceptedAgent `json:"accepted,omitempty"`
	Rejected []RejectedAgent `json:"rejected,omitempty"`

	URL string `json:"url,omitempty"`

	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`

	TS int64 `json:"ts,omitempty"`

	ID      string              `json:"id,omitempty"`
	Method  string              `json:"method,omitempty"`
	Path    string              `json:"path,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    string              `json:"body,omitempty"`
	Status  int                 `json:"status,omitempty"`
	Data    string              `json:"data,omitempty"`
}

// AuthAgent is one entry of the `auth` frame's agent list: an address and
// its signature over the canonical message.
type AuthAgent struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// AcceptedAgent is one entry of `auth_ok`'s accepted list.
type AcceptedAgent struct {
	Address string `json:"address"`
	URL     string `json:"url"`
}

// RejectedAgent is one entry of `auth_ok`'s rejected list.
type RejectedAgent struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

// Error reasons used in `error`/`auth_error` frames, per spec.md §7/§8.
const (
	ReasonInvalidNonce             = "invalid_nonce"
	ReasonInvalidSignature         = "invalid_signature"
	ReasonAddressAlreadyRegistered = "address_already_registered"
	ReasonMaxAgentsReached         = "max_agents_reached"
	ReasonTooManyAgents            = "too_many_agents"
	ReasonMalformedFrame           = "malformed_frame"
	ReasonAuthTimeout              = "auth_timeout"
	ReasonAlreadyRegistered        = "already_registered"
)

// CloneHeaders returns a deep copy of an HTTP header map, grounded on the
// teacher's tunnelproto.CloneHeaders helper.
func CloneHeaders(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		c := make([]string, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}
