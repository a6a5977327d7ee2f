package audio

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts stand in for ffmpeg")
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// 8 kHz mono at 20 ms is 160 frames, 320 bytes per chunk.
func scriptSource(command string) *FFmpegSource {
	return NewFFmpegSource(FFmpegConfig{
		Command:     command,
		InputFormat: "lavfi",
		InputDevice: "anullsrc",
		Capture:     CaptureConfig{SampleRate: 8000, Channels: 1, ChunkInterval: 20 * time.Millisecond},
	})
}

func TestFFmpegOpenEarlyExit(t *testing.T) {
	script := writeScript(t, "fail.sh", "#!/bin/sh\necho 'no such device' 1>&2\nexit 1\n")

	_, err := scriptSource(script).Open(context.Background())
	if err == nil {
		t.Fatalf("Open() error = nil, want early exit")
	}
	if !strings.Contains(err.Error(), "exited before capture started") || !strings.Contains(err.Error(), "no such device") {
		t.Fatalf("Open() error = %v", err)
	}
}

func TestFFmpegReadFullThenShortChunk(t *testing.T) {
	script := writeScript(t, "capture.sh", "#!/bin/sh\nhead -c 480 /dev/zero\nexec sleep 0.5\n")

	stream, err := scriptSource(script).Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer stream.Close()

	chunk, err := stream.Read()
	if err != nil || len(chunk) != 320 {
		t.Fatalf("first Read() = %d bytes, %v; want 320", len(chunk), err)
	}
	chunk, err = stream.Read()
	if err != nil || len(chunk) != 160 {
		t.Fatalf("second Read() = %d bytes, %v; want short 160", len(chunk), err)
	}
	if _, err := stream.Read(); !errors.Is(err, io.EOF) {
		t.Fatalf("third Read() error = %v, want io.EOF", err)
	}
}

func TestFFmpegCloseIsIdempotent(t *testing.T) {
	script := writeScript(t, "hold.sh", "#!/bin/sh\nexec sleep 5\n")

	stream, err := scriptSource(script).Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	started := time.Now()
	if err := stream.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("Close() took %s, want interrupt to stop the process", elapsed)
	}
	if _, err := stream.Read(); err == nil {
		t.Fatalf("Read() after Close error = nil")
	}
}

func TestFFmpegOpenRequiresDevice(t *testing.T) {
	src := NewFFmpegSource(FFmpegConfig{InputFormat: "dshow"})
	if _, err := src.Open(context.Background()); err == nil || !strings.Contains(err.Error(), "device is required") {
		t.Fatalf("Open() error = %v, want missing device", err)
	}
}

func TestDefaultFFmpegInput(t *testing.T) {
	cases := []struct {
		goos, format, device string
	}{
		{"linux", "pulse", "default"},
		{"darwin", "avfoundation", ":0"},
		{"windows", "dshow", ""},
	}
	for _, tc := range cases {
		format, device := defaultFFmpegInput(tc.goos)
		if format != tc.format || device != tc.device {
			t.Fatalf("defaultFFmpegInput(%s) = %q, %q; want %q, %q", tc.goos, format, device, tc.format, tc.device)
		}
	}
}
