package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tdacompanytr/tdai.github.io/internal/audio"
	"github.com/tdacompanytr/tdai.github.io/internal/command"
	"github.com/tdacompanytr/tdai.github.io/internal/history"
	"github.com/tdacompanytr/tdai.github.io/internal/observability"
	"github.com/tdacompanytr/tdai.github.io/internal/playback"
	"github.com/tdacompanytr/tdai.github.io/internal/protocol"
	"github.com/tdacompanytr/tdai.github.io/internal/transport"
)

// Prometheus instruments register globally, so the package shares one set.
var testMetrics = observability.NewMetrics("test_call")

type fakeAudio struct {
	mu      sync.Mutex
	onBlock func([]float32)
	onErr   func(error)
	closed  int
}

func (a *fakeAudio) Start(onBlock func([]float32), onErr func(error)) {
	a.mu.Lock()
	a.onBlock = onBlock
	a.onErr = onErr
	a.mu.Unlock()
}

func (a *fakeAudio) Close() error {
	a.mu.Lock()
	a.closed++
	a.mu.Unlock()
	return nil
}

func (a *fakeAudio) emit(block []float32) {
	a.mu.Lock()
	fn := a.onBlock
	a.mu.Unlock()
	if fn != nil {
		fn(block)
	}
}

func (a *fakeAudio) fail(err error) {
	a.mu.Lock()
	fn := a.onErr
	a.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (a *fakeAudio) closeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

type fakeFrames struct {
	mu      sync.Mutex
	onFrame func([]byte)
	closed  int
}

func (f *fakeFrames) Start(onFrame func([]byte), _ func(error)) {
	f.mu.Lock()
	f.onFrame = onFrame
	f.mu.Unlock()
}

func (f *fakeFrames) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeFrames) emit(frame []byte) {
	f.mu.Lock()
	fn := f.onFrame
	f.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

type fakePlayer struct {
	mu         sync.Mutex
	events     []string
	scheduled  []playback.Buffer
	interrupts int
	playing    bool
}

func (p *fakePlayer) Schedule(buf playback.Buffer) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "schedule")
	p.scheduled = append(p.scheduled, buf)
	return 0, nil
}

func (p *fakePlayer) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "interrupt")
	p.interrupts++
	return nil
}

func (p *fakePlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *fakePlayer) snapshot() ([]string, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	events := make([]string, len(p.events))
	copy(events, p.events)
	return events, len(p.scheduled), p.interrupts
}

type testRig struct {
	mgr    *Manager
	dialer *transport.MockDialer
	mic    *fakeAudio
	cam    *fakeFrames
	player *fakePlayer
	store  *history.InMemoryStore
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		dialer: transport.NewMockDialer(),
		mic:    &fakeAudio{},
		cam:    &fakeFrames{},
		player: &fakePlayer{},
		store:  history.NewInMemoryStore(),
	}
	rig.mgr = NewManager(Config{
		Dialer: rig.dialer,
		OpenDevices: func() (MediaDevices, error) {
			return MediaDevices{Audio: rig.mic, Frames: rig.cam}, nil
		},
		Player:  rig.player,
		History: rig.store,
		Metrics: testMetrics,
		Stages:  observability.NewCallStageWindow(16),
	})
	return rig
}

func (r *testRig) start(t *testing.T) Status {
	t.Helper()
	st, err := r.mgr.Start(context.Background(), StartOptions{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return st
}

func TestStartActivatesAndStreams(t *testing.T) {
	rig := newTestRig(t)
	st := rig.start(t)
	if st.State != StateActive {
		t.Fatalf("state = %q, want active", st.State)
	}
	if st.ConversationID == "" {
		t.Fatalf("no conversation created for the call")
	}

	rig.mic.emit(make([]float32, 4096))
	rig.cam.emit([]byte("jpeg"))

	sent := rig.dialer.Last().Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d chunks, want 2", len(sent))
	}
	if sent[0].MIMEType != protocol.MIMEPCM16k {
		t.Fatalf("first chunk MIME = %q, want audio", sent[0].MIMEType)
	}
	if sent[1].MIMEType != protocol.MIMEJPEG {
		t.Fatalf("second chunk MIME = %q, want jpeg", sent[1].MIMEType)
	}

	rig.mgr.Stop()
}

func TestStartWhileActiveFails(t *testing.T) {
	rig := newTestRig(t)
	rig.start(t)
	defer rig.mgr.Stop()

	if _, err := rig.mgr.Start(context.Background(), StartOptions{}); err != ErrCallActive {
		t.Fatalf("second Start() error = %v, want ErrCallActive", err)
	}
}

func TestStartMediaFailure(t *testing.T) {
	rig := newTestRig(t)
	wantErr := errors.New("mic busy")
	rig.mgr.cfg.OpenDevices = func() (MediaDevices, error) { return MediaDevices{}, wantErr }

	if _, err := rig.mgr.Start(context.Background(), StartOptions{}); !errors.Is(err, wantErr) {
		t.Fatalf("Start() error = %v, want %v", err, wantErr)
	}
	if st := rig.mgr.Status(); st.State != StateIdle {
		t.Fatalf("state = %q after media failure, want idle", st.State)
	}
	if rig.dialer.Last() != nil {
		t.Fatalf("channel opened despite device failure")
	}
}

func TestStartDialFailureReleasesDevices(t *testing.T) {
	rig := newTestRig(t)
	rig.dialer.OpenErr = errors.New("refused")

	if _, err := rig.mgr.Start(context.Background(), StartOptions{}); err == nil {
		t.Fatalf("Start() succeeded with failing dialer")
	}
	if rig.mic.closeCount() != 1 {
		t.Fatalf("mic closed %d times, want 1", rig.mic.closeCount())
	}
	if st := rig.mgr.Status(); st.State != StateIdle {
		t.Fatalf("state = %q after dial failure, want idle", st.State)
	}
}

func TestDownlinkAudioScheduled(t *testing.T) {
	rig := newTestRig(t)
	rig.start(t)
	defer rig.mgr.Stop()

	payload := audio.EncodeBase64PCM16LE(make([]float32, 2400))
	rig.dialer.Last().EmitMessage(protocol.ServerMessage{
		ServerContent: &protocol.ServerContent{
			ModelTurn: &protocol.ModelTurn{
				Parts: []protocol.Part{{InlineData: &protocol.InlineData{MIMEType: "audio/pcm;rate=24000", Data: payload}}},
			},
		},
	})

	_, scheduled, _ := rig.player.snapshot()
	if scheduled != 1 {
		t.Fatalf("scheduled %d buffers, want 1", scheduled)
	}
	rig.player.mu.Lock()
	buf := rig.player.scheduled[0]
	rig.player.mu.Unlock()
	if buf.SampleRate != audio.PlaybackRate || len(buf.Samples) != 2400 {
		t.Fatalf("buffer = %d samples at %d Hz", len(buf.Samples), buf.SampleRate)
	}
}

func TestDownlinkBadChunkDropped(t *testing.T) {
	rig := newTestRig(t)
	rig.start(t)
	defer rig.mgr.Stop()

	rig.dialer.Last().EmitMessage(protocol.ServerMessage{
		ServerContent: &protocol.ServerContent{
			ModelTurn: &protocol.ModelTurn{
				Parts: []protocol.Part{{InlineData: &protocol.InlineData{MIMEType: "audio/pcm;rate=24000", Data: "!!!not-base64"}}},
			},
		},
	})

	_, scheduled, _ := rig.player.snapshot()
	if scheduled != 0 {
		t.Fatalf("bad chunk was scheduled")
	}
	if st := rig.mgr.Status(); st.State != StateActive {
		t.Fatalf("state = %q, bad chunk must not end the call", st.State)
	}
}

func TestInterruptedStopsPlaybackBeforeNewAudio(t *testing.T) {
	rig := newTestRig(t)
	rig.start(t)
	defer rig.mgr.Stop()

	payload := audio.EncodeBase64PCM16LE(make([]float32, 240))
	rig.dialer.Last().EmitMessage(protocol.ServerMessage{
		ServerContent: &protocol.ServerContent{
			Interrupted: true,
			ModelTurn: &protocol.ModelTurn{
				Parts: []protocol.Part{{InlineData: &protocol.InlineData{MIMEType: "audio/pcm;rate=24000", Data: payload}}},
			},
		},
	})

	events, scheduled, interrupts := rig.player.snapshot()
	if interrupts != 1 || scheduled != 1 {
		t.Fatalf("interrupts = %d, scheduled = %d", interrupts, scheduled)
	}
	if len(events) != 2 || events[0] != "interrupt" || events[1] != "schedule" {
		t.Fatalf("event order = %v, want interrupt before schedule", events)
	}
}

func TestTurnCompleteFlushesTranscripts(t *testing.T) {
	rig := newTestRig(t)
	st := rig.start(t)
	defer rig.mgr.Stop()

	ch := rig.dialer.Last()
	ch.EmitMessage(protocol.ServerMessage{ServerContent: &protocol.ServerContent{
		InputTranscription: &protocol.Transcription{Text: "merhaba "},
	}})
	ch.EmitMessage(protocol.ServerMessage{ServerContent: &protocol.ServerContent{
		InputTranscription:  &protocol.Transcription{Text: "dünya"},
		OutputTranscription: &protocol.Transcription{Text: "selam!"},
	}})
	ch.EmitMessage(protocol.ServerMessage{ServerContent: &protocol.ServerContent{TurnComplete: true}})

	msgs, err := rig.store.Messages(context.Background(), st.ConversationID, 0)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != history.RoleUser || msgs[0].Text != "merhaba dünya" {
		t.Fatalf("user turn = %+v", msgs[0])
	}
	if msgs[1].Role != history.RoleAssistant || msgs[1].Text != "selam!" {
		t.Fatalf("assistant turn = %+v", msgs[1])
	}

	// The accumulators were reset, so a second turnComplete adds nothing.
	ch.EmitMessage(protocol.ServerMessage{ServerContent: &protocol.ServerContent{TurnComplete: true}})
	msgs, _ = rig.store.Messages(context.Background(), st.ConversationID, 0)
	if len(msgs) != 2 {
		t.Fatalf("empty turn persisted messages: %d", len(msgs))
	}
}

func TestTurnCompleteOmitsEmptySide(t *testing.T) {
	rig := newTestRig(t)
	st := rig.start(t)
	defer rig.mgr.Stop()

	ch := rig.dialer.Last()
	ch.EmitMessage(protocol.ServerMessage{ServerContent: &protocol.ServerContent{
		OutputTranscription: &protocol.Transcription{Text: "sadece asistan"},
		TurnComplete:        true,
	}})

	msgs, err := rig.store.Messages(context.Background(), st.ConversationID, 0)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != history.RoleAssistant {
		t.Fatalf("messages = %+v, want single assistant turn", msgs)
	}
}

func TestStopIdempotentTeardown(t *testing.T) {
	rig := newTestRig(t)
	rig.start(t)

	ch := rig.dialer.Last()
	rig.mgr.Stop()
	rig.mgr.Stop()

	if rig.mic.closeCount() != 1 {
		t.Fatalf("mic closed %d times, want 1", rig.mic.closeCount())
	}
	if !ch.Closed() {
		t.Fatalf("channel left open after Stop")
	}
	if st := rig.mgr.Status(); st.State != StateIdle {
		t.Fatalf("state = %q after Stop, want idle", st.State)
	}
	_, _, interrupts := rig.player.snapshot()
	if interrupts != 1 {
		t.Fatalf("playback interrupted %d times on teardown, want 1", interrupts)
	}
}

func TestStopReturnsWhileChannelCloseCallsBack(t *testing.T) {
	rig := newTestRig(t)
	rig.start(t)

	// The channel's close callback re-enters stopCall on the same
	// goroutine; Stop must still come back.
	done := make(chan struct{})
	go func() {
		rig.mgr.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop() did not return within 2s")
	}
	if st := rig.mgr.Status(); st.State != StateIdle {
		t.Fatalf("state = %q after Stop, want idle", st.State)
	}
	if rig.mic.closeCount() != 1 {
		t.Fatalf("mic closed %d times, want 1", rig.mic.closeCount())
	}
}

func TestStartWhileConnectingRefused(t *testing.T) {
	rig := newTestRig(t)
	connecting := make(chan struct{})
	release := make(chan struct{})
	rig.mgr.cfg.OpenDevices = func() (MediaDevices, error) {
		close(connecting)
		<-release
		return MediaDevices{Audio: rig.mic, Frames: rig.cam}, nil
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := rig.mgr.Start(context.Background(), StartOptions{})
		firstDone <- err
	}()
	<-connecting

	// The first call is still acquiring devices; a second Start must not
	// slip past the guard and orphan it.
	if _, err := rig.mgr.Start(context.Background(), StartOptions{}); err != ErrCallActive {
		t.Fatalf("second Start() error = %v, want ErrCallActive", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	defer rig.mgr.Stop()
	if st := rig.mgr.Status(); st.State != StateActive {
		t.Fatalf("state = %q after connect, want active", st.State)
	}
}

func TestRemoteCloseEndsCall(t *testing.T) {
	rig := newTestRig(t)
	rig.start(t)

	rig.dialer.Last().EmitClose(errors.New("connection reset"))

	if st := rig.mgr.Status(); st.State != StateIdle {
		t.Fatalf("state = %q after remote close, want idle", st.State)
	}
	if rig.mic.closeCount() != 1 {
		t.Fatalf("devices not released after remote close")
	}
}

func TestMicFailureEndsCall(t *testing.T) {
	rig := newTestRig(t)
	rig.start(t)

	rig.mic.fail(errors.New("device unplugged"))

	if st := rig.mgr.Status(); st.State != StateIdle {
		t.Fatalf("state = %q after mic failure, want idle", st.State)
	}
}

func TestStopFlushesPartialTranscript(t *testing.T) {
	rig := newTestRig(t)
	st := rig.start(t)

	rig.dialer.Last().EmitMessage(protocol.ServerMessage{ServerContent: &protocol.ServerContent{
		InputTranscription: &protocol.Transcription{Text: "yarıda kaldı"},
	}})
	rig.mgr.Stop()

	msgs, err := rig.store.Messages(context.Background(), st.ConversationID, 0)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "yarıda kaldı" {
		t.Fatalf("partial transcript not flushed: %+v", msgs)
	}
}

func TestEndPhraseHangsUp(t *testing.T) {
	rig := newTestRig(t)
	rig.mgr.cfg.Commands = command.NewMatcher("görüşme başlat", "görüşmeyi bitir")
	rig.start(t)

	rig.dialer.Last().EmitMessage(protocol.ServerMessage{ServerContent: &protocol.ServerContent{
		InputTranscription: &protocol.Transcription{Text: "tamamdır görüşmeyi bitir"},
	}})

	if st := rig.mgr.Status(); st.State != StateIdle {
		t.Fatalf("state = %q after end phrase, want idle", st.State)
	}
}

func TestUplinkDroppedAfterStop(t *testing.T) {
	rig := newTestRig(t)
	rig.start(t)
	rig.mgr.Stop()

	// Late blocks from a capture goroutine must be dropped, not panic.
	rig.mic.emit(make([]float32, 4096))
	if sent := rig.dialer.Last().Sent(); len(sent) != 0 {
		t.Fatalf("chunk sent after stop: %+v", sent)
	}
}
