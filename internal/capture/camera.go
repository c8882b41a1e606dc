package capture

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// FrameGrabber produces one JPEG snapshot per call.
type FrameGrabber interface {
	Grab(ctx context.Context) ([]byte, error)
}

// CameraConfig selects the video device and snapshot cadence.
type CameraConfig struct {
	FFmpegPath string
	Device     string
	Interval   time.Duration
	Grabber    FrameGrabber // overrides the ffmpeg grabber when set
}

// Camera emits periodic JPEG snapshots. A failed grab drops that frame
// and the ticker keeps going; only device acquisition failures are
// terminal.
type Camera struct {
	grabber  FrameGrabber
	interval time.Duration

	closeOnce sync.Once
	startOnce sync.Once
	done      chan struct{}
}

// OpenCamera acquires the video device and verifies it with a probe grab.
func OpenCamera(cfg CameraConfig) (*Camera, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = FrameInterval
	}
	grabber := cfg.Grabber
	if grabber == nil {
		if strings.TrimSpace(cfg.FFmpegPath) == "" {
			cfg.FFmpegPath = "ffmpeg"
		}
		if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
			return nil, &MediaAccessError{Device: "camera", Err: err}
		}
		g, err := newFFmpegGrabber(cfg.FFmpegPath, cfg.Device)
		if err != nil {
			return nil, &MediaAccessError{Device: "camera", Err: err}
		}
		grabber = g
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := grabber.Grab(probeCtx); err != nil {
		return nil, &MediaAccessError{Device: "camera", Err: err}
	}

	return &Camera{grabber: grabber, interval: cfg.Interval, done: make(chan struct{})}, nil
}

// Start begins the snapshot ticker. onFrame gets each JPEG; onErr, when
// set, sees dropped frames. Start is a no-op after the first call.
func (c *Camera) Start(onFrame func([]byte), onErr func(error)) {
	c.startOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(c.interval)
			defer ticker.Stop()
			for {
				select {
				case <-c.done:
					return
				case <-ticker.C:
					ctx, cancel := context.WithTimeout(context.Background(), c.interval)
					frame, err := c.grabber.Grab(ctx)
					cancel()
					if err != nil {
						if onErr != nil {
							onErr(err)
						}
						continue
					}
					onFrame(frame)
				}
			}
		}()
	})
}

// Close stops the ticker and releases the device. Safe to call more than
// once.
func (c *Camera) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// ffmpegGrabber shells out for a single mjpeg frame per snapshot. Slower
// than holding the device open, but it keeps the camera free between
// grabs and matches the 1 Hz cadence fine.
type ffmpegGrabber struct {
	path   string
	format string
	device string
}

func newFFmpegGrabber(path, device string) (*ffmpegGrabber, error) {
	device = strings.TrimSpace(device)
	switch runtime.GOOS {
	case "darwin":
		if device == "" {
			device = "0"
		}
		return &ffmpegGrabber{path: path, format: "avfoundation", device: device}, nil
	case "linux":
		if device == "" {
			device = "/dev/video0"
		}
		return &ffmpegGrabber{path: path, format: "v4l2", device: device}, nil
	default:
		return nil, fmt.Errorf("camera capture is not implemented for %s", runtime.GOOS)
	}
}

func (g *ffmpegGrabber) Grab(ctx context.Context) ([]byte, error) {
	// -q:v 7 lands near the 0.7 JPEG quality the uplink format expects.
	cmd := exec.CommandContext(ctx, g.path,
		"-hide_banner", "-loglevel", "error",
		"-f", g.format, "-i", g.device,
		"-frames:v", "1",
		"-c:v", "mjpeg", "-q:v", "7",
		"-f", "image2", "-",
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("grab frame: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("grab frame: empty output")
	}
	return out, nil
}
