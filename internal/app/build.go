package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ent0n29/companion-voice/internal/audio"
	"github.com/ent0n29/companion-voice/internal/config"
	"github.com/ent0n29/companion-voice/internal/httpapi"
	"github.com/ent0n29/companion-voice/internal/observability"
	"github.com/ent0n29/companion-voice/internal/session"
	"github.com/ent0n29/companion-voice/internal/store"
	"github.com/ent0n29/companion-voice/internal/voice"
)

type BuildResult struct {
	Config  config.Config
	Logger  *zap.Logger
	Store   store.Store
	Metrics *observability.Metrics
	Capture audio.CaptureConfig
	Source  audio.Source
	Client  *voice.Client
	API     *httpapi.Server

	// Cleanup ends any open conversation and releases the store.
	Cleanup func(ctx context.Context) error
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	if strings.EqualFold(format, "console") {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// NewAudioSource picks the capture backend named by AUDIO_BACKEND.
func NewAudioSource(cfg config.Config) (audio.Source, audio.CaptureConfig) {
	capture := audio.CaptureConfig{
		SampleRate:    cfg.AudioSampleRate,
		Channels:      1,
		ChunkInterval: cfg.AudioChunkInterval,
	}
	if cfg.AudioBackend == "ffmpeg" {
		return audio.NewFFmpegSource(audio.FFmpegConfig{
			Command:     cfg.AudioFFmpegPath,
			InputFormat: cfg.AudioFFmpegFormat,
			InputDevice: cfg.AudioFFmpegDevice,
			Capture:     capture,
		}), capture
	}
	return audio.NewPortAudioSource(capture), capture
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, prometheus.DefaultRegisterer)

	st, err := store.NewStore(ctx, cfg.DatabaseURL, cfg.PersonalitiesFile)
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}

	source, capture := NewAudioSource(cfg)
	dialer := voice.NewWebsocketDialer(voice.WebsocketConfig{
		URL:         cfg.VoiceWSURL,
		APIKey:      cfg.VoiceAPIKey,
		DialTimeout: cfg.VoiceDialTimeout,
	})
	recorder := session.NewRecorder(st, logger.Named("session"), metrics, cfg.StoreWriteTimeout)
	controller := voice.NewController(dialer, source, st, recorder, logger.Named("voice"), metrics, cfg.VoiceLanguage)
	client := voice.NewClient(controller, logger.Named("voice"))
	api := httpapi.New(cfg, client, metrics, logger.Named("httpapi"))

	storeMode := "in-memory"
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		storeMode = "postgres"
	}
	logger.Info("voice client ready",
		zap.String("store", storeMode),
		zap.String("audio_backend", cfg.AudioBackend),
		zap.Int("sample_rate", capture.SampleRate),
		zap.Duration("chunk_interval", capture.ChunkInterval))

	cleanup := func(ctx context.Context) error {
		client.Cleanup(ctx)
		err := st.Close()
		// Sync on stderr returns EINVAL/ENOTTY on some platforms; ignore it.
		_ = logger.Sync()
		return err
	}

	return &BuildResult{
		Config:  cfg,
		Logger:  logger,
		Store:   st,
		Metrics: metrics,
		Capture: capture,
		Source:  source,
		Client:  client,
		API:     api,
		Cleanup: cleanup,
	}, nil
}
