package core

import (
	"context"
	"encoding/json"
	"errors"
)

// Frame is a raw encoded signaling message.
type Frame []byte

// ErrAuthRejected is returned by a dialer when the server refuses the token.
var ErrAuthRejected = errors.New("auth rejected")

// SignalTransport abstracts a live signaling channel.
// Owned by the connection manager; the manager must Close() it.
type SignalTransport interface {
	Emit(event string, data json.RawMessage) error
	Close()
}

// SignalHandler receives inbound traffic of one transport.
// Calls for a given transport are sequential and in server order.
type SignalHandler interface {
	OnMessage(event string, data json.RawMessage)
	// OnClose is called once when the transport goes away without Close() being called.
	OnClose(err error)
	OnError(err error)
}

type SignalDialer interface {
	Dial(ctx context.Context, token string, h SignalHandler) (SignalTransport, error)
}
