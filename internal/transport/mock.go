package transport

import (
	"context"
	"sync"

	"github.com/tdacompanytr/tdai.github.io/internal/protocol"
)

// MockDialer hands out MockChannels for tests and for running without
// live API credentials.
type MockDialer struct {
	mu       sync.Mutex
	OpenErr  error
	channels []*MockChannel
}

func NewMockDialer() *MockDialer { return &MockDialer{} }

func (d *MockDialer) Open(_ context.Context, h Handlers) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	ch := &MockChannel{handlers: h}
	d.channels = append(d.channels, ch)
	return ch, nil
}

// Last returns the most recently opened channel, or nil.
func (d *MockDialer) Last() *MockChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

// MockChannel records outbound chunks and lets tests inject inbound
// frames and lifecycle events.
type MockChannel struct {
	handlers Handlers

	mu      sync.Mutex
	sent    []protocol.MediaChunk
	SendErr error
	closed  bool
}

func (c *MockChannel) Send(chunk protocol.MediaChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotOpen
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, chunk)
	return nil
}

func (c *MockChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if c.handlers.OnClose != nil {
		c.handlers.OnClose(nil)
	}
	return nil
}

// Sent returns a copy of every chunk sent so far.
func (c *MockChannel) Sent() []protocol.MediaChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.MediaChunk, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *MockChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// EmitMessage delivers an inbound frame as if read from the wire.
func (c *MockChannel) EmitMessage(msg protocol.ServerMessage) {
	if c.handlers.OnMessage != nil {
		c.handlers.OnMessage(msg)
	}
}

// EmitError delivers a non-fatal channel error.
func (c *MockChannel) EmitError(err error) {
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}

// EmitClose simulates the remote side dropping the channel.
func (c *MockChannel) EmitClose(err error) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if c.handlers.OnClose != nil {
		c.handlers.OnClose(err)
	}
}
