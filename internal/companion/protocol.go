// Package companion implements the client side of the companion wire
// protocol: a persistent duplex channel to a game server carrying
// sequence-correlated request/response envelopes plus unsolicited
// broadcasts. The protocol itself belongs to the remote service; only the
// framing below is assumed.
package companion

import (
	"encoding/json"
	"fmt"
)

// Method names understood by the remote server.
const (
	MethodServerInfo      = "getInfo"
	MethodTeamInfo        = "getTeamInfo"
	MethodTime            = "getTime"
	MethodEntityInfo      = "getEntityInfo"
	MethodSendTeamMessage = "sendTeamMessage"
)

// Broadcast kinds the client understands. Anything else is ignored.
const (
	BroadcastEntityChanged = "entityChanged"
	BroadcastTeamMessage   = "teamMessage"
	BroadcastEntityInfo    = "entityInfo"
)

// Request is an outbound envelope. Seq increases monotonically per session
// and correlates the eventual response.
type Request struct {
	Seq    uint64          `json:"seq"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// WireError is the error half of a response envelope.
type WireError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
	}
	return "server error: " + e.Message
}

// Envelope is any inbound frame: a response when Seq is set, a broadcast
// when Broadcast is set.
type Envelope struct {
	Seq       uint64          `json:"seq,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *WireError      `json:"error,omitempty"`
	Broadcast string          `json:"broadcast,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// IsResponse reports whether the envelope correlates to an earlier request.
func (e *Envelope) IsResponse() bool { return e.Seq != 0 }

// entityPayload is the data shape shared by entityChanged and entityInfo
// broadcasts. Value stays a raw scalar; truthiness is the rule engine's
// business.
type entityPayload struct {
	EntityID string      `json:"entityId"`
	Value    interface{} `json:"value"`
}

// teamMessagePayload is the data shape of a teamMessage broadcast.
type teamMessagePayload struct {
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
}

// entityInfoParams is the params shape of a getEntityInfo request. Sending
// it doubles as the per-entity broadcast subscription; the protocol has no
// subscribe-to-all primitive.
type entityInfoParams struct {
	EntityID string `json:"entityId"`
}

// teamMessageParams is the params shape of a sendTeamMessage request.
type teamMessageParams struct {
	Message string `json:"message"`
}
