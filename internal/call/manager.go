package call

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/tdacompanytr/tdai.github.io/internal/command"
	"github.com/tdacompanytr/tdai.github.io/internal/history"
	"github.com/tdacompanytr/tdai.github.io/internal/observability"
	"github.com/tdacompanytr/tdai.github.io/internal/transport"
)

// State is the call lifecycle phase exposed by Status.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
)

var ErrCallActive = errors.New("a call is already in progress")

// DeviceOpener acquires both capture devices for a new call.
type DeviceOpener func() (MediaDevices, error)

// Config wires a Manager. All fields except DumpAssistantWAV and Logger
// are required.
type Config struct {
	Dialer      transport.Dialer
	OpenDevices DeviceOpener
	Player      Player
	History     history.Store
	Metrics     *observability.Metrics
	Stages      *observability.CallStageWindow
	Logger      *log.Logger

	// Optional voice command matcher run over user transcriptions; the
	// end-call phrase hangs up from inside the call.
	Commands *command.Matcher

	// Title given to the conversation created for a call transcript when
	// the caller does not supply one.
	CallTitle string

	// When set, decoded assistant audio is dumped to this WAV path on
	// call end.
	DumpAssistantWAV string
}

// Manager owns at most one live call at a time and serializes its
// lifecycle transitions.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	state   State
	current *Call
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.CallTitle == "" {
		cfg.CallTitle = "Canlı Görüşme"
	}
	if cfg.Stages == nil {
		cfg.Stages = observability.NewCallStageWindow(0)
	}
	return &Manager{cfg: cfg, state: StateIdle}
}

// Status is the externally visible call state.
type Status struct {
	State          State      `json:"state"`
	CallID         string     `json:"call_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Speaking       bool       `json:"speaking"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
}

// StartOptions lets the caller attach the call transcript to an existing
// conversation.
type StartOptions struct {
	ConversationID string `json:"conversation_id,omitempty"`
}

// Start runs the connect sequence: claim the manager, acquire capture
// devices, open the live channel, then begin streaming. It returns once
// the call is active or has failed; any failure restores Idle and
// releases whatever had been acquired.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (Status, error) {
	m.mu.Lock()
	// Connecting claims the manager too; a second Start racing the first
	// must not overwrite a call that is still acquiring its devices.
	if m.state != StateIdle {
		st := m.statusLocked()
		m.mu.Unlock()
		return st, ErrCallActive
	}
	conversationID := opts.ConversationID
	m.state = StateConnecting
	m.mu.Unlock()

	m.cfg.Metrics.CallEvents.WithLabelValues("start").Inc()

	if conversationID == "" {
		conv, err := m.cfg.History.CreateConversation(ctx, m.cfg.CallTitle)
		if err != nil {
			m.resetIdle()
			return m.Status(), err
		}
		conversationID = conv.ID
	}

	c := newCall(m, conversationID)

	devices, err := m.cfg.OpenDevices()
	if err != nil {
		m.cfg.Metrics.CallEvents.WithLabelValues("media_error").Inc()
		m.logf("call %s: acquire devices: %v", c.id, err)
		m.resetIdle()
		return m.Status(), err
	}
	c.devices = devices

	ch, err := m.cfg.Dialer.Open(ctx, transport.Handlers{
		OnMessage: c.handleMessage,
		OnError:   c.onChannelError,
		OnClose:   c.onChannelClose,
	})
	if err != nil {
		m.cfg.Metrics.CallEvents.WithLabelValues("connect_error").Inc()
		m.logf("call %s: open live channel: %v", c.id, err)
		devices.Close()
		m.resetIdle()
		return m.Status(), err
	}
	c.setChannel(ch)

	m.mu.Lock()
	m.current = c
	m.state = StateActive
	m.mu.Unlock()

	// Capture stays quiet until the channel is open, so nothing is ever
	// recorded for a session that never connected.
	devices.Audio.Start(c.onAudioBlock, c.onMediaError)
	if devices.Frames != nil {
		devices.Frames.Start(c.onVideoFrame, func(err error) {
			// A dropped snapshot is not worth ending the call over.
			m.cfg.Metrics.UplinkDropped.WithLabelValues("video").Inc()
			m.logf("call %s: drop video frame: %v", c.id, err)
		})
	}

	m.cfg.Metrics.ActiveCalls.Inc()
	m.cfg.Metrics.CallEvents.WithLabelValues("connected").Inc()
	m.cfg.Stages.Observe("start_to_connected", time.Since(c.startedAt))
	m.logf("call %s: active (conversation %s)", c.id, conversationID)
	return m.Status(), nil
}

// Stop ends the current call, if any. Safe to call at any time, from any
// goroutine, repeatedly.
func (m *Manager) Stop() {
	m.mu.Lock()
	c := m.current
	m.mu.Unlock()
	if c != nil {
		m.stopCall(c)
	}
}

// stopCall tears down c if it is still the current call. Late stop
// requests from a channel that already died are no-ops.
func (m *Manager) stopCall(c *Call) {
	m.mu.Lock()
	if m.current != c {
		m.mu.Unlock()
		c.teardown()
		return
	}
	m.current = nil
	m.state = StateIdle
	m.mu.Unlock()

	c.teardown()
	m.cfg.Metrics.ActiveCalls.Dec()
	m.cfg.Metrics.CallEvents.WithLabelValues("stop").Inc()
	m.logf("call %s: ended", c.id)
}

func (m *Manager) resetIdle() {
	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	st := Status{State: m.state}
	if m.current != nil {
		st.CallID = m.current.id
		st.ConversationID = m.current.conversationID
		started := m.current.startedAt
		st.StartedAt = &started
		st.Speaking = m.cfg.Player.Playing()
	}
	return st
}

func (m *Manager) logf(format string, args ...any) {
	m.cfg.Logger.Printf(format, args...)
}
