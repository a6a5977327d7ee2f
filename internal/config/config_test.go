package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.VoiceLanguage != "en" {
		t.Fatalf("VoiceLanguage = %q, want en", cfg.VoiceLanguage)
	}
	if cfg.AudioBackend != "portaudio" || cfg.AudioSampleRate != 16000 || cfg.AudioChunkInterval != 100*time.Millisecond {
		t.Fatalf("audio defaults = %s/%d/%s", cfg.AudioBackend, cfg.AudioSampleRate, cfg.AudioChunkInterval)
	}
	if cfg.DatabaseURL != "" || cfg.VoiceWSURL != "" {
		t.Fatalf("DatabaseURL/VoiceWSURL should default empty, got %q/%q", cfg.DatabaseURL, cfg.VoiceWSURL)
	}
	if cfg.StoreWriteTimeout != 5*time.Second {
		t.Fatalf("StoreWriteTimeout = %s, want 5s", cfg.StoreWriteTimeout)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_WS_URL", "  wss://voice.example/v1/stream ")
	t.Setenv("AUDIO_BACKEND", "FFmpeg")
	t.Setenv("AUDIO_CHUNK_INTERVAL", "50ms")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.VoiceWSURL != "wss://voice.example/v1/stream" {
		t.Fatalf("VoiceWSURL = %q, want trimmed value", cfg.VoiceWSURL)
	}
	if cfg.AudioBackend != "ffmpeg" || cfg.AudioChunkInterval != 50*time.Millisecond {
		t.Fatalf("audio = %s/%s", cfg.AudioBackend, cfg.AudioChunkInterval)
	}
	if !cfg.AllowAnyOrigin || cfg.LogFormat != "json" {
		t.Fatalf("AllowAnyOrigin = %v LogFormat = %q", cfg.AllowAnyOrigin, cfg.LogFormat)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"AUDIO_BACKEND":        "coreaudio",
		"AUDIO_CHUNK_INTERVAL": "5ms",
		"AUDIO_SAMPLE_RATE":    "abc",
		"VOICE_DIAL_TIMEOUT":   "0s",
		"APP_ALLOW_ANY_ORIGIN": "maybe",
		"LOG_FORMAT":           "xml",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil || !strings.Contains(err.Error(), key) {
				t.Fatalf("Load() error = %v, want error naming %s", err, key)
			}
		})
	}
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "VOICE_API_KEY=from-file\nVOICE_LANGUAGE=fr\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("VOICE_LANGUAGE", "de")
	// godotenv only fills unset keys; clear the one the file should provide.
	if err := os.Unsetenv("VOICE_API_KEY"); err != nil {
		t.Fatalf("unset: %v", err)
	}

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.VoiceAPIKey != "from-file" {
		t.Fatalf("VoiceAPIKey = %q, want value from .env", cfg.VoiceAPIKey)
	}
	if cfg.VoiceLanguage != "de" {
		t.Fatalf("VoiceLanguage = %q, want environment to win", cfg.VoiceLanguage)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"VOICE_WS_URL",
		"VOICE_API_KEY",
		"VOICE_LANGUAGE",
		"VOICE_DIAL_TIMEOUT",
		"DATABASE_URL",
		"PERSONALITIES_FILE",
		"STORE_WRITE_TIMEOUT",
		"AUDIO_BACKEND",
		"AUDIO_SAMPLE_RATE",
		"AUDIO_CHUNK_INTERVAL",
		"AUDIO_FFMPEG_PATH",
		"AUDIO_FFMPEG_FORMAT",
		"AUDIO_FFMPEG_DEVICE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
