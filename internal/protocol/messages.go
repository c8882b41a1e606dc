package protocol

import (
	"encoding/json"
	"fmt"
)

// MIME descriptors for media chunks. Fixed by the live protocol, not
// configurable at runtime.
const (
	MIMEPCM16k = "audio/pcm;rate=16000"
	MIMEJPEG   = "image/jpeg"
)

// SetupMessage is the first client frame on a live channel. The server
// answers with setupComplete once the session is negotiated.
type SetupMessage struct {
	Setup SetupConfig `json:"setup"`
}

type SetupConfig struct {
	Model               string             `json:"model"`
	GenerationConfig    GenerationConfig   `json:"generationConfig"`
	SystemInstruction   *SystemInstruction `json:"systemInstruction,omitempty"`
	InputTranscription  *TranscriptionCfg  `json:"inputAudioTranscription,omitempty"`
	OutputTranscription *TranscriptionCfg  `json:"outputAudioTranscription,omitempty"`
}

type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

type SpeechConfig struct {
	VoiceConfig VoiceConfig `json:"voiceConfig"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type SystemInstruction struct {
	Parts []Part `json:"parts"`
}

// TranscriptionCfg enables server-side transcription for one audio
// direction. Presence of the (empty) object is the switch.
type TranscriptionCfg struct{}

// RealtimeInputMessage carries uplink media. Audio and video chunks use
// the same envelope and differ only in the chunk MIME type.
type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtimeInput"`
}

type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"mediaChunks"`
}

// MediaChunk is one base64-encoded uplink payload.
type MediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// ServerMessage is the inbound frame union. setupComplete arrives once;
// everything after is serverContent or a terminal error. The serverContent
// fields are independent and may co-occur in a single frame, so consumers
// must check each one rather than switching on a single discriminator.
type ServerMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *ServerContent   `json:"serverContent,omitempty"`
	Error         *ServerError     `json:"error,omitempty"`
}

type ServerContent struct {
	ModelTurn           *ModelTurn     `json:"modelTurn,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
}

type ModelTurn struct {
	Parts []Part `json:"parts"`
}

type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

type InlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type Transcription struct {
	Text string `json:"text"`
}

type ServerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("live channel error (code %d)", e.Code)
	}
	return fmt.Sprintf("live channel error: %s (code %d)", e.Message, e.Code)
}

// AudioParts returns the base64 PCM payloads of a model turn, in order.
func (sc *ServerContent) AudioParts() []string {
	if sc == nil || sc.ModelTurn == nil {
		return nil
	}
	var out []string
	for _, p := range sc.ModelTurn.Parts {
		if p.InlineData != nil && p.InlineData.Data != "" {
			out = append(out, p.InlineData.Data)
		}
	}
	return out
}

// ParseServerMessage decodes one inbound frame.
func ParseServerMessage(raw []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("invalid server frame: %w", err)
	}
	return msg, nil
}

// NewAudioChunkMessage wraps an uplink PCM chunk in its wire envelope.
func NewAudioChunkMessage(base64PCM string) RealtimeInputMessage {
	return RealtimeInputMessage{
		RealtimeInput: RealtimeInput{
			MediaChunks: []MediaChunk{{MIMEType: MIMEPCM16k, Data: base64PCM}},
		},
	}
}

// NewVideoChunkMessage wraps an uplink JPEG snapshot in its wire envelope.
func NewVideoChunkMessage(base64JPEG string) RealtimeInputMessage {
	return RealtimeInputMessage{
		RealtimeInput: RealtimeInput{
			MediaChunks: []MediaChunk{{MIMEType: MIMEJPEG, Data: base64JPEG}},
		},
	}
}
