package transport

import (
	"context"
	"errors"

	"github.com/tdacompanytr/tdai.github.io/internal/protocol"
)

// ErrNotOpen is returned by Send on a channel that has been closed. Chunks
// hitting it are dropped by the caller, never retried.
var ErrNotOpen = errors.New("live channel is not open")

// Handlers receive inbound traffic and lifecycle events for one channel.
// OnMessage is called from a single goroutine in arrival order. OnClose
// fires exactly once, with the error that ended the channel (nil for a
// local close).
type Handlers struct {
	OnMessage func(protocol.ServerMessage)
	OnError   func(error)
	OnClose   func(error)
}

// Channel is an open duplex live session. Send is fire-and-forget from the
// caller's point of view: a failed chunk is reported, not retried.
type Channel interface {
	Send(chunk protocol.MediaChunk) error
	Close() error
}

// Dialer opens live channels. Open blocks until the session is negotiated
// end to end, so a returned Channel is immediately usable.
type Dialer interface {
	Open(ctx context.Context, h Handlers) (Channel, error)
}
