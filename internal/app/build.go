package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/tdacompanytr/tdai.github.io/internal/assistant"
	"github.com/tdacompanytr/tdai.github.io/internal/audio"
	"github.com/tdacompanytr/tdai.github.io/internal/call"
	"github.com/tdacompanytr/tdai.github.io/internal/capture"
	"github.com/tdacompanytr/tdai.github.io/internal/command"
	"github.com/tdacompanytr/tdai.github.io/internal/config"
	"github.com/tdacompanytr/tdai.github.io/internal/history"
	"github.com/tdacompanytr/tdai.github.io/internal/httpapi"
	"github.com/tdacompanytr/tdai.github.io/internal/observability"
	"github.com/tdacompanytr/tdai.github.io/internal/playback"
	"github.com/tdacompanytr/tdai.github.io/internal/transport"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Calls     *call.Manager
	Assistant *assistant.Client
	Metrics   *observability.Metrics
	Stages    *observability.CallStageWindow

	// Cleanup should be called on shutdown to release external resources
	// (DB, speaker subprocess, a live call still in flight).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewCallStageWindow(0)

	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	chat, err := assistant.New(ctx, assistant.Config{
		APIKey:            cfg.GeminiAPIKey,
		ChatModel:         cfg.ChatModel,
		ImageModel:        cfg.ImageModel,
		SystemInstruction: cfg.SystemInstruction,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("assistant client init failed: %w", err)
	}

	// Scheduler and speaker must agree on the epoch start times refer to.
	clock := playback.NewSystemClock()
	speaker := playback.NewSpeaker(playback.SpeakerConfig{
		FFplayPath: cfg.FFplayPath,
		SampleRate: audio.PlaybackRate,
		Volume:     cfg.SpeakerVolume,
	}, clock)
	player := playback.NewScheduler(clock, speaker)

	dialer := transport.NewLiveDialer(transport.LiveConfig{
		APIKey:            cfg.GeminiAPIKey,
		WSBaseURL:         cfg.LiveWSBaseURL,
		Model:             cfg.LiveModel,
		Voice:             cfg.LiveVoice,
		SystemInstruction: cfg.SystemInstruction,
		SetupTimeout:      cfg.LiveSetupTimeout,
	})

	openDevices := func() (call.MediaDevices, error) {
		devices, err := capture.OpenDevices(capture.DevicesConfig{
			Mic: capture.MicConfig{
				FFmpegPath: cfg.FFmpegPath,
				Device:     cfg.AudioInputDevice,
				SampleRate: audio.CaptureRate,
			},
			Camera: capture.CameraConfig{
				FFmpegPath: cfg.FFmpegPath,
				Device:     cfg.VideoInputDevice,
				Interval:   capture.FrameInterval,
			},
			VideoDisabled: cfg.VideoDisabled,
		})
		if err != nil {
			return call.MediaDevices{}, err
		}
		md := call.MediaDevices{Audio: devices.Mic}
		if devices.Camera != nil {
			md.Frames = devices.Camera
		}
		return md, nil
	}

	calls := call.NewManager(call.Config{
		Dialer:           dialer,
		OpenDevices:      openDevices,
		Player:           player,
		History:          store,
		Metrics:          metrics,
		Stages:           stages,
		Commands:         command.NewMatcher(cfg.StartCallPhrase, cfg.EndCallPhrase),
		DumpAssistantWAV: cfg.DumpAssistantWAV,
	})

	api := httpapi.New(cfg, calls, chat, store, metrics, stages)

	cleanup := func() error {
		var errs []string
		calls.Stop()
		if err := speaker.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Calls:     calls,
		Assistant: chat,
		Metrics:   metrics,
		Stages:    stages,
		Cleanup:   cleanup,
	}, nil
}
