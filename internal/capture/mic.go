package capture

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tdacompanytr/tdai.github.io/internal/audio"
)

// MicConfig selects the capture device fed to ffmpeg.
type MicConfig struct {
	FFmpegPath string
	Device     string
	SampleRate int
}

// Microphone captures mono PCM from an ffmpeg subprocess and hands it out
// as fixed-size float blocks. The device is acquired in OpenMicrophone;
// blocks only flow once Start is called.
type Microphone struct {
	cfg    MicConfig
	cmd    *exec.Cmd
	stdout io.ReadCloser

	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
}

// OpenMicrophone acquires the audio input device. Failure to do so is a
// MediaAccessError, terminal for the caller's session.
func OpenMicrophone(cfg MicConfig) (*Microphone, error) {
	if strings.TrimSpace(cfg.FFmpegPath) == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.CaptureRate
	}
	if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
		return nil, &MediaAccessError{Device: "microphone", Err: err}
	}
	args, err := micArgs(runtime.GOOS, cfg)
	if err != nil {
		return nil, &MediaAccessError{Device: "microphone", Err: err}
	}
	cmd := exec.Command(cfg.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &MediaAccessError{Device: "microphone", Err: err}
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, &MediaAccessError{Device: "microphone", Err: err}
	}
	return &Microphone{cfg: cfg, cmd: cmd, stdout: stdout}, nil
}

func micArgs(goos string, cfg MicConfig) ([]string, error) {
	device := strings.TrimSpace(cfg.Device)
	switch goos {
	case "darwin":
		if device == "" {
			device = ":0"
		}
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-i", device,
			"-ac", "1", "-ar", fmt.Sprintf("%d", cfg.SampleRate),
			"-f", "s16le", "-",
		}, nil
	case "linux":
		if device == "" {
			device = "default"
		}
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "pulse", "-i", device,
			"-ac", "1", "-ar", fmt.Sprintf("%d", cfg.SampleRate),
			"-f", "s16le", "-",
		}, nil
	default:
		return nil, fmt.Errorf("mic capture is not implemented for %s", goos)
	}
}

// Start begins draining the device into onBlock, one BlockSamples block
// per call. onErr fires once if the stream dies while the microphone is
// still open; the EOF caused by Close is not reported. Start is a no-op
// after the first call.
func (m *Microphone) Start(onBlock func([]float32), onErr func(error)) {
	m.startOnce.Do(func() {
		go func() {
			err := streamBlocks(m.stdout, BlockSamples, onBlock)
			if m.closed.Load() || onErr == nil {
				return
			}
			if err == nil {
				err = errors.New("capture stream ended")
			}
			onErr(&MediaAccessError{Device: "microphone", Err: err})
		}()
	})
}

// Close releases the device. Safe to call more than once.
func (m *Microphone) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		if m.cmd != nil && m.cmd.Process != nil {
			_ = m.cmd.Process.Kill()
			_ = m.cmd.Wait()
		}
	})
	return nil
}

// streamBlocks reads s16le PCM from r and emits full blocks of
// blockSamples floats. A trailing partial block is discarded. Returns nil
// on clean EOF.
func streamBlocks(r io.Reader, blockSamples int, onBlock func([]float32)) error {
	buf := make([]byte, blockSamples*2)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		block, err := audio.DecodePCM16LE(buf)
		if err != nil {
			return err
		}
		onBlock(block)
	}
}
