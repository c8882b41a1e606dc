package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tdacompanytr/tdai.github.io/internal/protocol"
	"github.com/tdacompanytr/tdai.github.io/internal/reliability"
)

const bidiGenerateContentPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

const (
	dialBackoffBase = 500 * time.Millisecond
	dialBackoffCap  = 4 * time.Second
)

// LiveConfig parameterizes the BidiGenerateContent websocket session.
type LiveConfig struct {
	APIKey            string
	WSBaseURL         string
	Model             string
	Voice             string
	SystemInstruction string
	SetupTimeout      time.Duration

	// DialAttempts bounds connect retries for transient failures. Auth
	// and argument rejections never retry.
	DialAttempts int
}

// LiveDialer opens websocket channels against the hosted live API.
type LiveDialer struct {
	cfg LiveConfig
}

func NewLiveDialer(cfg LiveConfig) *LiveDialer {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://generativelanguage.googleapis.com/ws"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "models/gemini-2.5-flash-native-audio-preview-09-2025"
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = "Puck"
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = 10 * time.Second
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 3
	}
	return &LiveDialer{cfg: cfg}
}

// Open dials the websocket, sends the setup frame, and waits for the
// server's setupComplete acknowledgement before handing the channel back.
// Transient dial and setup failures are retried with capped backoff.
func (d *LiveDialer) Open(ctx context.Context, h Handlers) (Channel, error) {
	var lastErr error
	for attempt := 0; attempt < d.cfg.DialAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, dialBackoffBase, dialBackoffCap)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		ch, retryable, err := d.openOnce(ctx, h)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (d *LiveDialer) openOnce(ctx context.Context, h Handlers) (Channel, bool, error) {
	u, err := url.Parse(strings.TrimRight(d.cfg.WSBaseURL, "/") + bidiGenerateContentPath)
	if err != nil {
		return nil, false, err
	}
	q := u.Query()
	q.Set("key", d.cfg.APIKey)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		retryable := resp == nil || reliability.IsRetryableHTTPStatus(resp.StatusCode)
		return nil, retryable, fmt.Errorf("dial live websocket: %w", err)
	}

	setup := protocol.SetupMessage{
		Setup: protocol.SetupConfig{
			Model: d.model(),
			GenerationConfig: protocol.GenerationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &protocol.SpeechConfig{
					VoiceConfig: protocol.VoiceConfig{
						PrebuiltVoiceConfig: protocol.PrebuiltVoiceConfig{VoiceName: d.cfg.Voice},
					},
				},
			},
			InputTranscription:  &protocol.TranscriptionCfg{},
			OutputTranscription: &protocol.TranscriptionCfg{},
		},
	}
	if strings.TrimSpace(d.cfg.SystemInstruction) != "" {
		setup.Setup.SystemInstruction = &protocol.SystemInstruction{
			Parts: []protocol.Part{{Text: d.cfg.SystemInstruction}},
		}
	}
	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		return nil, true, fmt.Errorf("send setup frame: %w", err)
	}

	if err := awaitSetupComplete(ctx, conn, d.cfg.SetupTimeout); err != nil {
		_ = conn.Close()
		retryable := true
		if serr, ok := err.(*protocol.ServerError); ok {
			retryable = reliability.IsRetryableLiveErrorCode(serr.Code)
		}
		return nil, retryable, err
	}

	ch := &liveChannel{conn: conn, handlers: h}
	go ch.readLoop()
	return ch, false, nil
}

func (d *LiveDialer) model() string {
	if strings.HasPrefix(d.cfg.Model, "models/") {
		return d.cfg.Model
	}
	return "models/" + d.cfg.Model
}

func awaitSetupComplete(ctx context.Context, conn *websocket.Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await setup acknowledgement: %w", err)
	}
	msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		return err
	}
	if msg.Error != nil {
		return msg.Error
	}
	if msg.SetupComplete == nil {
		return fmt.Errorf("unexpected first frame, want setupComplete")
	}
	return nil
}

type liveChannel struct {
	conn     *websocket.Conn
	handlers Handlers

	writeMu  sync.Mutex
	closed   bool
	finished atomic.Bool
}

func (c *liveChannel) Send(chunk protocol.MediaChunk) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrNotOpen
	}
	msg := protocol.RealtimeInputMessage{
		RealtimeInput: protocol.RealtimeInput{MediaChunks: []protocol.MediaChunk{chunk}},
	}
	return c.conn.WriteJSON(msg)
}

func (c *liveChannel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.markClosed() {
				err = nil // local close, not a transport failure
			}
			c.finish(err)
			return
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			if c.handlers.OnError != nil {
				c.handlers.OnError(err)
			}
			continue
		}
		if msg.Error != nil {
			if c.handlers.OnError != nil {
				c.handlers.OnError(msg.Error)
			}
			continue
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(msg)
		}
	}
}

// markClosed reports whether the channel was already closed locally.
func (c *liveChannel) markClosed() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	was := c.closed
	c.closed = true
	return was
}

// finish fires OnClose at most once. A CAS rather than sync.Once: the
// close callback may call Close on this channel from inside OnClose, and
// that nested entry has to fall through.
func (c *liveChannel) finish(err error) {
	if !c.finished.CompareAndSwap(false, true) {
		return
	}
	_ = c.conn.Close()
	if c.handlers.OnClose != nil {
		c.handlers.OnClose(err)
	}
}

func (c *liveChannel) Close() error {
	c.markClosed()
	c.finish(nil)
	return nil
}
