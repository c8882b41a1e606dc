package call

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tdacompanytr/tdai.github.io/internal/audio"
	"github.com/tdacompanytr/tdai.github.io/internal/command"
	"github.com/tdacompanytr/tdai.github.io/internal/history"
	"github.com/tdacompanytr/tdai.github.io/internal/playback"
	"github.com/tdacompanytr/tdai.github.io/internal/protocol"
	"github.com/tdacompanytr/tdai.github.io/internal/transport"
)

// AudioSource delivers fixed-size microphone blocks once started.
type AudioSource interface {
	Start(onBlock func([]float32), onErr func(error))
	Close() error
}

// FrameSource delivers periodic JPEG snapshots once started.
type FrameSource interface {
	Start(onFrame func([]byte), onErr func(error))
	Close() error
}

// MediaDevices are the acquired capture devices for one call. Frames is
// nil when video capture is disabled.
type MediaDevices struct {
	Audio  AudioSource
	Frames FrameSource
}

func (d MediaDevices) Close() {
	if d.Frames != nil {
		_ = d.Frames.Close()
	}
	if d.Audio != nil {
		_ = d.Audio.Close()
	}
}

// Player is the downlink playback surface a call drives.
type Player interface {
	Schedule(buf playback.Buffer) (float64, error)
	Interrupt() error
	Playing() bool
}

// Call is one live duplex session: devices, channel, playback, and the
// turn transcript accumulators. Lifecycle is owned by the Manager.
type Call struct {
	id             string
	conversationID string
	startedAt      time.Time

	mgr     *Manager
	devices MediaDevices

	chMu    sync.Mutex
	channel transport.Channel

	transcriptMu   sync.Mutex
	userAccum      strings.Builder
	assistantAccum strings.Builder

	dumpMu  sync.Mutex
	dumpPCM []byte

	firstAudioOnce sync.Once
	tornDown       atomic.Bool
}

func newCall(mgr *Manager, conversationID string) *Call {
	return &Call{
		id:             uuid.NewString(),
		conversationID: conversationID,
		startedAt:      time.Now(),
		mgr:            mgr,
	}
}

func (c *Call) setChannel(ch transport.Channel) {
	c.chMu.Lock()
	c.channel = ch
	c.chMu.Unlock()
}

func (c *Call) currentChannel() transport.Channel {
	c.chMu.Lock()
	defer c.chMu.Unlock()
	return c.channel
}

// sendChunk forwards one uplink chunk, fire and forget. A chunk with no
// open channel, or one the channel refuses, is dropped and counted.
func (c *Call) sendChunk(kind string, chunk protocol.MediaChunk) {
	m := c.mgr
	ch := c.currentChannel()
	if ch == nil {
		m.cfg.Metrics.UplinkDropped.WithLabelValues(kind).Inc()
		return
	}
	if err := ch.Send(chunk); err != nil {
		m.cfg.Metrics.UplinkDropped.WithLabelValues(kind).Inc()
		if err != transport.ErrNotOpen {
			m.logf("call %s: drop %s chunk: %v", c.id, kind, err)
		}
		return
	}
	m.cfg.Metrics.UplinkChunks.WithLabelValues(kind).Inc()
}

func (c *Call) onAudioBlock(block []float32) {
	chunk := protocol.NewAudioChunkMessage(audio.EncodeBase64PCM16LE(block))
	c.sendChunk("audio", chunk.RealtimeInput.MediaChunks[0])
}

func (c *Call) onVideoFrame(jpeg []byte) {
	chunk := protocol.NewVideoChunkMessage(base64.StdEncoding.EncodeToString(jpeg))
	c.sendChunk("video", chunk.RealtimeInput.MediaChunks[0])
}

// handleMessage processes one inbound frame. The serverContent fields are
// independent, so every one is checked on every frame. Interruption is
// handled before new audio so a frame carrying both never revives the
// playback it just cut off.
func (c *Call) handleMessage(msg protocol.ServerMessage) {
	sc := msg.ServerContent
	if sc == nil {
		return
	}
	m := c.mgr

	if sc.Interrupted {
		m.cfg.Metrics.PlaybackInterrupts.Inc()
		m.cfg.Stages.ObserveIndicator("barge_in")
		if err := m.cfg.Player.Interrupt(); err != nil {
			m.logf("call %s: playback interrupt: %v", c.id, err)
		}
	}

	for _, payload := range sc.AudioParts() {
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			m.cfg.Metrics.ChunkDecodeErrors.Inc()
			m.logf("call %s: drop undecodable audio chunk: %v", c.id, err)
			continue
		}
		samples, err := audio.DecodePCM16LE(raw)
		if err != nil {
			m.cfg.Metrics.ChunkDecodeErrors.Inc()
			m.logf("call %s: drop malformed audio chunk: %v", c.id, err)
			continue
		}
		c.firstAudioOnce.Do(func() {
			d := time.Since(c.startedAt)
			m.cfg.Metrics.ObserveFirstAudioLatency(d)
			m.cfg.Stages.Observe("start_to_first_audio", d)
		})
		if _, err := m.cfg.Player.Schedule(playback.Buffer{Samples: samples, SampleRate: audio.PlaybackRate}); err != nil {
			m.logf("call %s: schedule playback: %v", c.id, err)
			continue
		}
		m.cfg.Metrics.PlaybackScheduled.Inc()
		c.recordDump(raw)
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		c.transcriptMu.Lock()
		c.userAccum.WriteString(sc.InputTranscription.Text)
		userSoFar := c.userAccum.String()
		c.transcriptMu.Unlock()
		if m.cfg.Commands != nil && m.cfg.Commands.Match(userSoFar) == command.ActionEndCall {
			m.cfg.Metrics.CallEvents.WithLabelValues("voice_command_end").Inc()
			m.logf("call %s: end phrase heard, hanging up", c.id)
			defer m.stopCall(c)
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		c.transcriptMu.Lock()
		c.assistantAccum.WriteString(sc.OutputTranscription.Text)
		c.transcriptMu.Unlock()
	}

	if sc.TurnComplete {
		c.flushTranscripts()
	}
}

// flushTranscripts persists the accumulated turn, omitting empty sides,
// and resets the accumulators.
func (c *Call) flushTranscripts() {
	c.transcriptMu.Lock()
	user := strings.TrimSpace(c.userAccum.String())
	assistant := strings.TrimSpace(c.assistantAccum.String())
	c.userAccum.Reset()
	c.assistantAccum.Reset()
	c.transcriptMu.Unlock()

	m := c.mgr
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if user != "" {
		if err := m.cfg.History.AppendMessage(ctx, history.Message{
			ConversationID: c.conversationID,
			Role:           history.RoleUser,
			Text:           user,
		}); err != nil {
			m.logf("call %s: persist user turn: %v", c.id, err)
		}
	}
	if assistant != "" {
		if err := m.cfg.History.AppendMessage(ctx, history.Message{
			ConversationID: c.conversationID,
			Role:           history.RoleAssistant,
			Text:           assistant,
		}); err != nil {
			m.logf("call %s: persist assistant turn: %v", c.id, err)
		}
	}
}

func (c *Call) recordDump(pcm []byte) {
	if c.mgr.cfg.DumpAssistantWAV == "" {
		return
	}
	c.dumpMu.Lock()
	c.dumpPCM = append(c.dumpPCM, pcm...)
	c.dumpMu.Unlock()
}

func (c *Call) writeDump() {
	if c.mgr.cfg.DumpAssistantWAV == "" {
		return
	}
	c.dumpMu.Lock()
	pcm := c.dumpPCM
	c.dumpPCM = nil
	c.dumpMu.Unlock()
	if len(pcm) == 0 {
		return
	}
	if err := audio.WriteWAVPCM16LEFile(c.mgr.cfg.DumpAssistantWAV, pcm, audio.PlaybackRate); err != nil {
		c.mgr.logf("call %s: write assistant wav dump: %v", c.id, err)
	}
}

func (c *Call) onChannelError(err error) {
	m := c.mgr
	if serr, ok := err.(*protocol.ServerError); ok {
		m.cfg.Metrics.ChannelErrors.WithLabelValues("server").Inc()
		m.logf("call %s: live channel error: %v", c.id, serr)
		return
	}
	m.cfg.Metrics.ChannelErrors.WithLabelValues("decode").Inc()
	m.logf("call %s: channel error: %v", c.id, err)
}

func (c *Call) onChannelClose(err error) {
	if err != nil {
		c.mgr.logf("call %s: live channel dropped: %v", c.id, err)
		c.mgr.cfg.Metrics.CallEvents.WithLabelValues("channel_lost").Inc()
	}
	c.mgr.stopCall(c)
}

func (c *Call) onMediaError(err error) {
	c.mgr.logf("call %s: %v", c.id, err)
	c.mgr.cfg.Metrics.CallEvents.WithLabelValues("media_error").Inc()
	c.mgr.stopCall(c)
}

// teardown releases everything the call holds, exactly once: capture,
// then channel, then playback. A leftover partial turn is flushed so it
// is not lost with the call. Closing the channel fires its close
// callback, which lands back here on the same goroutine, so the guard is
// a CAS that lets the nested entry fall through.
func (c *Call) teardown() {
	if !c.tornDown.CompareAndSwap(false, true) {
		return
	}
	c.devices.Close()
	if ch := c.currentChannel(); ch != nil {
		_ = ch.Close()
	}
	if err := c.mgr.cfg.Player.Interrupt(); err != nil {
		c.mgr.logf("call %s: stop playback: %v", c.id, err)
	}
	c.flushTranscripts()
	c.writeDump()
}
