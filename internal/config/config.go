package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the live assistant client.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	GeminiAPIKey string

	LiveWSBaseURL    string
	LiveModel        string
	LiveVoice        string
	LiveSetupTimeout time.Duration

	ChatModel  string
	ImageModel string

	SystemInstruction string
	ImageGenKeywords  []string
	StartCallPhrase   string
	EndCallPhrase     string

	FFmpegPath       string
	FFplayPath       string
	AudioInputDevice string
	VideoInputDevice string
	VideoDisabled    bool
	SpeakerVolume    int
	DumpAssistantWAV string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "tdai"),
		GeminiAPIKey:     stringsTrimSpace("GEMINI_API_KEY"),
		LiveWSBaseURL:    envOrDefault("LIVE_WS_BASE_URL", "wss://generativelanguage.googleapis.com/ws"),
		// Native-audio live model matching the hosted voice experience.
		LiveModel:  envOrDefault("LIVE_MODEL", "gemini-2.5-flash-native-audio-preview-09-2025"),
		LiveVoice:  envOrDefault("LIVE_VOICE", "Puck"),
		ChatModel:  envOrDefault("CHAT_MODEL", "gemini-2.5-flash"),
		ImageModel: envOrDefault("IMAGE_MODEL", "imagen-4.0-generate-001"),
		SystemInstruction: envOrDefault("SYSTEM_INSTRUCTION",
			"Sen Td AI'sın, Td Bilişim tarafından geliştirilen yardımsever bir yapay zeka asistanısın. Türkçe konuş, kısa ve doğal yanıtlar ver."),
		StartCallPhrase:  envOrDefault("START_CALL_PHRASE", "görüşme başlat"),
		EndCallPhrase:    envOrDefault("END_CALL_PHRASE", "görüşmeyi bitir"),
		FFmpegPath:       envOrDefault("FFMPEG_PATH", "ffmpeg"),
		FFplayPath:       envOrDefault("FFPLAY_PATH", "ffplay"),
		AudioInputDevice: stringsTrimSpace("AUDIO_INPUT_DEVICE"),
		VideoInputDevice: stringsTrimSpace("VIDEO_INPUT_DEVICE"),
		DumpAssistantWAV: stringsTrimSpace("DUMP_ASSISTANT_WAV"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		SpeakerVolume:    80,
		ShutdownTimeout:  15 * time.Second,
		LiveSetupTimeout: 10 * time.Second,
	}
	cfg.ImageGenKeywords = splitKeywords(envOrDefault("IMAGE_GEN_KEYWORDS",
		"çiz,resim oluştur,resmini yap,görsel oluştur,draw,generate an image,create an image"))

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LiveSetupTimeout, err = durationFromEnv("LIVE_SETUP_TIMEOUT", cfg.LiveSetupTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.VideoDisabled, err = boolFromEnv("VIDEO_DISABLED", cfg.VideoDisabled)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeakerVolume, err = intFromEnv("SPEAKER_VOLUME", cfg.SpeakerVolume)
	if err != nil {
		return Config{}, err
	}

	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if cfg.LiveSetupTimeout < time.Second {
		return Config{}, fmt.Errorf("LIVE_SETUP_TIMEOUT must be at least 1s")
	}
	if cfg.SpeakerVolume < 0 || cfg.SpeakerVolume > 100 {
		return Config{}, fmt.Errorf("SPEAKER_VOLUME must be between 0 and 100")
	}

	return cfg, nil
}

func splitKeywords(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.ToLower(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
