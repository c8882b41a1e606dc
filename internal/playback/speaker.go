package playback

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/tdacompanytr/tdai.github.io/internal/audio"
)

// SpeakerConfig controls the ffplay subprocess backing the speaker sink.
type SpeakerConfig struct {
	FFplayPath string
	SampleRate int
	LogLevel   string
	Volume     int
}

// Speaker plays scheduled buffers through an ffplay subprocess reading
// s16le PCM on stdin. ffplay consumes stdin in realtime, so buffers
// written in schedule order come out gapless; Reset restarts the process
// to drop whatever the device still holds.
type Speaker struct {
	cfg   SpeakerConfig
	clock Clock

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func NewSpeaker(cfg SpeakerConfig, clock Clock) *Speaker {
	if strings.TrimSpace(cfg.FFplayPath) == "" {
		cfg.FFplayPath = "ffplay"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.PlaybackRate
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "error"
	}
	if cfg.Volume <= 0 {
		cfg.Volume = 80
	}
	return &Speaker{cfg: cfg, clock: clock}
}

// Start launches ffplay. Safe to call when already running.
func (s *Speaker) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Speaker) startLocked() error {
	if s.cmd != nil && s.cmd.Process != nil {
		return nil
	}
	// ffplay does not accept ffmpeg-style `-ac`; use `-ch_layout mono`.
	args := []string{
		"-hide_banner",
		"-loglevel", s.cfg.LogLevel,
		"-nostats",
		"-volume", fmt.Sprintf("%d", s.cfg.Volume),
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", fmt.Sprintf("%d", s.cfg.SampleRate),
		"-i", "-",
	}
	cmd := exec.Command(s.cfg.FFplayPath, args...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL can pick a silent dummy backend on macOS; prefer CoreAudio.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return err
	}
	s.cmd = cmd
	s.stdin = stdin
	go func(c *exec.Cmd) {
		_ = c.Wait()
		s.mu.Lock()
		if s.cmd == c {
			s.cmd = nil
			s.stdin = nil
		}
		s.mu.Unlock()
	}(cmd)
	return nil
}

func (s *Speaker) write(p []byte) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("ffplay is not running")
	}
	_, err := stdin.Write(p)
	return err
}

// Play waits until startAt on the device timeline, feeds the buffer to
// ffplay, and invokes onDone once its playback window has elapsed.
func (s *Speaker) Play(buf Buffer, startAt float64, onDone func()) (Source, error) {
	if err := s.Start(); err != nil {
		return nil, err
	}
	src := &speakerSource{stop: make(chan struct{})}
	go func() {
		if !src.wait(s.clock, startAt) {
			return
		}
		if err := s.write(audio.EncodePCM16LE(buf.Samples)); err != nil {
			return
		}
		if !src.wait(s.clock, startAt+buf.Duration()) {
			return
		}
		if onDone != nil {
			onDone()
		}
	}()
	return src, nil
}

// Reset restarts ffplay, discarding any queued audio.
func (s *Speaker) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return s.startLocked()
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Speaker) closeLocked() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd = nil
	s.stdin = nil
}

type speakerSource struct {
	once sync.Once
	stop chan struct{}
}

// wait sleeps until the device clock reaches deadline or the source is
// stopped. Returns false when stopped.
func (src *speakerSource) wait(clock Clock, deadline float64) bool {
	for {
		delta := deadline - clock.Now()
		if delta <= 0 {
			return true
		}
		timer := time.NewTimer(time.Duration(delta * float64(time.Second)))
		select {
		case <-src.stop:
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

func (src *speakerSource) Stop() {
	src.once.Do(func() { close(src.stop) })
}
