package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the voice client.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	VoiceWSURL       string
	VoiceAPIKey      string
	VoiceLanguage    string
	VoiceDialTimeout time.Duration

	DatabaseURL       string
	PersonalitiesFile string
	StoreWriteTimeout time.Duration

	AudioBackend       string
	AudioSampleRate    int
	AudioChunkInterval time.Duration
	AudioFFmpegPath    string
	AudioFFmpegFormat  string
	AudioFFmpegDevice  string
}

// LoadDotEnv loads variables from the given files (default ".env") without
// overriding the process environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", "127.0.0.1:8787"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "companion_voice"),
		AllowAnyOrigin:    false,
		LogLevel:          strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(envOrDefault("LOG_FORMAT", "console")),
		VoiceWSURL:        stringsTrimSpace("VOICE_WS_URL"),
		VoiceAPIKey:       stringsTrimSpace("VOICE_API_KEY"),
		VoiceLanguage:     envOrDefault("VOICE_LANGUAGE", "en"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		PersonalitiesFile: stringsTrimSpace("PERSONALITIES_FILE"),
		AudioBackend:      strings.ToLower(envOrDefault("AUDIO_BACKEND", "portaudio")),
		AudioFFmpegPath:   envOrDefault("AUDIO_FFMPEG_PATH", "ffmpeg"),
		// Empty format/device select pulse, avfoundation or dshow by GOOS; dshow
		// has no default device and needs AUDIO_FFMPEG_DEVICE.
		AudioFFmpegFormat:  stringsTrimSpace("AUDIO_FFMPEG_FORMAT"),
		AudioFFmpegDevice:  stringsTrimSpace("AUDIO_FFMPEG_DEVICE"),
		AudioSampleRate:    16000,
		AudioChunkInterval: 100 * time.Millisecond,
		VoiceDialTimeout:   10 * time.Second,
		StoreWriteTimeout:  5 * time.Second,
		ShutdownTimeout:    15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.VoiceDialTimeout, err = durationFromEnv("VOICE_DIAL_TIMEOUT", cfg.VoiceDialTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreWriteTimeout, err = durationFromEnv("STORE_WRITE_TIMEOUT", cfg.StoreWriteTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioChunkInterval, err = durationFromEnv("AUDIO_CHUNK_INTERVAL", cfg.AudioChunkInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioSampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.AudioSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.VoiceDialTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_DIAL_TIMEOUT must be positive")
	}
	if cfg.StoreWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("STORE_WRITE_TIMEOUT must be positive")
	}
	// Chunk cadence bounds end-to-end latency; keep it short but not flooding.
	if cfg.AudioChunkInterval < 20*time.Millisecond || cfg.AudioChunkInterval > time.Second {
		return Config{}, fmt.Errorf("AUDIO_CHUNK_INTERVAL must be between 20ms and 1s")
	}
	if cfg.AudioSampleRate < 8000 || cfg.AudioSampleRate > 48000 {
		return Config{}, fmt.Errorf("AUDIO_SAMPLE_RATE must be between 8000 and 48000")
	}
	switch cfg.AudioBackend {
	case "portaudio", "ffmpeg":
	default:
		return Config{}, fmt.Errorf("AUDIO_BACKEND must be portaudio or ffmpeg, got %q", cfg.AudioBackend)
	}
	switch cfg.LogFormat {
	case "console", "json":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be console or json, got %q", cfg.LogFormat)
	}

	return cfg, nil
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
