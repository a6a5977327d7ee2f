package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// FFmpegConfig selects the ffmpeg input used for capture.
type FFmpegConfig struct {
	Command     string
	InputFormat string
	InputDevice string
	Capture     CaptureConfig
}

// FFmpegSource streams microphone PCM16LE through an ffmpeg subprocess. It is
// the cgo-free alternative to PortAudioSource.
type FFmpegSource struct {
	cfg FFmpegConfig
}

func NewFFmpegSource(cfg FFmpegConfig) *FFmpegSource {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	format, device := defaultFFmpegInput(runtime.GOOS)
	if cfg.InputFormat == "" {
		cfg.InputFormat = format
	}
	if cfg.InputDevice == "" && cfg.InputFormat == format {
		cfg.InputDevice = device
	}
	cfg.Capture = cfg.Capture.withDefaults()
	return &FFmpegSource{cfg: cfg}
}

// defaultFFmpegInput returns the capture demuxer and device for the default
// microphone on goos. dshow has no default device name, so Windows needs
// AUDIO_FFMPEG_DEVICE.
func defaultFFmpegInput(goos string) (format, device string) {
	switch goos {
	case "darwin":
		return "avfoundation", ":0"
	case "windows":
		return "dshow", ""
	default:
		return "pulse", "default"
	}
}

func (s *FFmpegSource) args() []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", s.cfg.InputFormat,
		"-i", s.cfg.InputDevice,
		"-ac", strconv.Itoa(s.cfg.Capture.Channels),
		"-ar", strconv.Itoa(s.cfg.Capture.SampleRate),
		"-f", "s16le",
		"-",
	}
}

// startupWindow is how long ffmpeg must stay alive before the device counts
// as acquired.
const startupWindow = 250 * time.Millisecond

// interruptGrace bounds the wait for ffmpeg to exit after SIGINT.
const interruptGrace = 1200 * time.Millisecond

func (s *FFmpegSource) Open(ctx context.Context) (Stream, error) {
	if s.cfg.InputDevice == "" {
		return nil, fmt.Errorf("ffmpeg input device is required for format %q", s.cfg.InputFormat)
	}

	// An *os.File stdout is handed to the child directly, so Wait never
	// closes the read end underneath a pending chunk.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create ffmpeg stdout pipe: %w", err)
	}
	cmd := exec.CommandContext(ctx, s.cfg.Command, s.args()...)
	stderr := &lockedBuffer{}
	cmd.Stdout = pw
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	_ = pw.Close()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	// ffmpeg reports a missing or busy device by exiting right away.
	select {
	case err := <-exited:
		_ = pr.Close()
		msg := strings.TrimSpace(stderr.String())
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("ffmpeg exited before capture started: %s", msg)
	case <-time.After(startupWindow):
	}

	return &ffmpegStream{
		stdout:     pr,
		stderr:     stderr,
		process:    cmd.Process,
		exited:     exited,
		chunkBytes: s.cfg.Capture.FramesPerChunk() * s.cfg.Capture.Channels * 2,
	}, nil
}

type ffmpegStream struct {
	stdout     *os.File
	stderr     *lockedBuffer
	process    *os.Process
	exited     <-chan error
	chunkBytes int

	closeOnce sync.Once
	closeErr  error
}

// Read returns one full chunk, or the final partial chunk once ffmpeg has
// exited, then io.EOF.
func (s *ffmpegStream) Read() ([]byte, error) {
	buf := make([]byte, s.chunkBytes)
	n, err := io.ReadFull(s.stdout, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], nil
	default:
		return nil, err
	}
}

func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		waitErr := s.terminate()
		s.closeErr = multierr.Append(exitedCleanly(waitErr), ignoreClosed(s.stdout.Close()))
		if s.closeErr != nil {
			if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
				s.closeErr = fmt.Errorf("%w: %s", s.closeErr, msg)
			}
		}
	})
	return s.closeErr
}

// terminate asks ffmpeg to finish, kills it after interruptGrace and
// returns the Wait result.
func (s *ffmpegStream) terminate() error {
	_ = s.process.Signal(os.Interrupt)
	timer := time.NewTimer(interruptGrace)
	defer timer.Stop()
	select {
	case err := <-s.exited:
		return err
	case <-timer.C:
	}
	_ = s.process.Kill()
	return <-s.exited
}

// exitedCleanly treats any exit status as a normal stop: ffmpeg exits
// non-zero when interrupted.
func exitedCleanly(err error) error {
	var exitErr *exec.ExitError
	if err == nil || errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// lockedBuffer collects ffmpeg's stderr while the stream is read.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
