package audio

import (
	"encoding/base64"
	"errors"
)

// Fixed capture and playback rates for the live call pipeline.
const (
	CaptureRate  = 16000
	PlaybackRate = 24000
)

var ErrOddPCMLength = errors.New("pcm16 payload has odd byte length")

// EncodePCM16LE converts float samples in [-1, 1] to signed 16-bit
// little-endian PCM. Samples are scaled by 32768 without clamping, so
// out-of-range input wraps around exactly like the browser pipeline this
// client replaces. Input is trusted to stay in range.
func EncodePCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		s := int16(int32(v * 32768))
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// DecodePCM16LE converts signed 16-bit little-endian PCM back to float
// samples in [-1, 1).
func DecodePCM16LE(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, ErrOddPCMLength
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		s := int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
		out[i] = float32(s) / 32768.0
	}
	return out, nil
}

// EncodeBase64PCM16LE encodes float samples as base64-wrapped PCM16LE,
// the uplink wire form.
func EncodeBase64PCM16LE(samples []float32) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16LE(samples))
}

// DecodeBase64PCM16LE decodes a base64 PCM16LE payload to float samples.
func DecodeBase64PCM16LE(payload string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, err
	}
	return DecodePCM16LE(raw)
}

// Duration returns the playback duration in seconds of a sample block at
// the given rate.
func Duration(sampleCount, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(sampleCount) / float64(sampleRate)
}
