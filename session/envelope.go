package session

import (
	"github.com/goccy/go-json"
)

// Request is the inbound envelope. Every client call carries a numeric id the
// matching response echoes, so calls multiplex over one connection.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Response statuses mirror the connection-level error taxonomy: a bad request
// fails that one call, an internal error tears the connection down.
const (
	StatusOK         = 0
	StatusBadRequest = 400
	StatusTooLarge   = 413
	StatusInternal   = 500
)

// Response is the outbound envelope answering one Request.
type Response struct {
	ID     uint64 `json:"id"`
	Status int    `json:"status"`
	Body   any    `json:"body,omitempty"`
}

// ControlKind discriminates out-of-band server-to-client messages.
type ControlKind string

const (
	// ControlHeartbeat carries reconnect parameters on an interval.
	ControlHeartbeat ControlKind = "heartbeat"
	// ControlLameDuck warns the client a forced drop is imminent.
	ControlLameDuck ControlKind = "lameduck"
	// ControlKill orders the client to reload and reconnect fresh.
	ControlKill ControlKind = "kill"
)

// Control is a server-initiated message outside the request/response flow.
// It has no request id.
type Control struct {
	Kind      ControlKind `json:"kind"`
	SessionID string      `json:"sessionId,omitempty"`
	TTLMillis int64       `json:"ttlMillis,omitempty"`
	BackoffMs int64       `json:"backoffMs,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}
