package capture

// DevicesConfig bundles both capture devices for one call.
type DevicesConfig struct {
	Mic           MicConfig
	Camera        CameraConfig
	VideoDisabled bool
}

// Devices holds the acquired capture devices. Camera is nil when video
// is disabled.
type Devices struct {
	Mic    *Microphone
	Camera *Camera
}

// OpenDevices acquires the microphone and, unless disabled, the camera.
// Either failure releases whatever was already acquired and surfaces a
// MediaAccessError.
func OpenDevices(cfg DevicesConfig) (*Devices, error) {
	mic, err := OpenMicrophone(cfg.Mic)
	if err != nil {
		return nil, err
	}
	d := &Devices{Mic: mic}
	if !cfg.VideoDisabled {
		cam, err := OpenCamera(cfg.Camera)
		if err != nil {
			_ = mic.Close()
			return nil, err
		}
		d.Camera = cam
	}
	return d, nil
}

// Close releases both devices. Safe to call more than once.
func (d *Devices) Close() error {
	if d.Camera != nil {
		_ = d.Camera.Close()
	}
	return d.Mic.Close()
}
