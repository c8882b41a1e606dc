package playback

import (
	"time"

	"github.com/tdacompanytr/tdai.github.io/internal/audio"
)

// Buffer is one decoded downlink chunk, ready for scheduling.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the buffer's playback duration in seconds.
func (b Buffer) Duration() float64 {
	return audio.Duration(len(b.Samples), b.SampleRate)
}

// Clock is the device timeline used for scheduling, in seconds. The zero
// point is arbitrary; only monotonic forward motion matters.
type Clock interface {
	Now() float64
}

// SystemClock measures seconds since its creation.
type SystemClock struct {
	start time.Time
}

func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Now() float64 {
	return time.Since(c.start).Seconds()
}

// Source is the handle to one scheduled buffer. Stop halts it regardless
// of playback position; stopping an already-finished source is a no-op.
type Source interface {
	Stop()
}

// Sink turns scheduled buffers into audible output. Reset discards any
// audio the device has buffered but not yet played (used on barge-in).
type Sink interface {
	Play(buf Buffer, startAt float64, onDone func()) (Source, error)
	Reset() error
	Close() error
}
