package capture

import (
	"fmt"
	"time"
)

// Fixed uplink cadence: audio leaves in 4096-sample blocks, video as one
// JPEG snapshot per second.
const (
	BlockSamples  = 4096
	FrameInterval = time.Second
)

// MediaAccessError reports a device that could not be acquired or that
// died mid-capture. It is terminal for the call that owns the device.
type MediaAccessError struct {
	Device string
	Err    error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media access failed for %s: %v", e.Device, e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }
