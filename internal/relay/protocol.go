// Package relay implements the store-and-forward relay: a JSON protocol
// over WebSocket, a client with reconnect and keep-alive, and a reference
// in-memory server.
//
// The relay is unauthenticated and may drop, repeat or reorder messages.
// Everything it carries is already end-to-end encrypted.
package relay

import (
	"encoding/json"
	"errors"
)

// Request types.
const (
	TypePut  = "put"
	TypeGet  = "get"
	TypePing = "ping"
)

// Request is a client-to-relay message.
type Request struct {
	Type string          `json:"type"`
	To   string          `json:"to,omitempty"`
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// Response is a relay-to-client message. Which fields are set depends on
// the request type; a get always carries msgs, as [] when the inbox is
// empty.
type Response struct {
	OK        bool               `json:"ok"`
	Err       string             `json:"err,omitempty"`
	Queued    *int               `json:"queued,omitempty"`
	Msgs      *[]json.RawMessage `json:"msgs,omitempty"`
	Remaining *int               `json:"remaining,omitempty"`
	Pong      bool               `json:"pong,omitempty"`
	Time      int64              `json:"time,omitempty"`
}

// Error strings sent in {ok:false} responses.
const (
	errBadJSON     = "bad json"
	errBadRequest  = "bad request"
	errRateLimited = "rate limited"
)

// ErrRejected is returned when the relay answers {ok:false}.
var ErrRejected = errors.New("relay: request rejected")

var errClosed = errors.New("relay: client closed")
