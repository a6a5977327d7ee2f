package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/multierr"
)

// CaptureConfig describes how the microphone should be captured.
type CaptureConfig struct {
	SampleRate    int
	Channels      int
	ChunkInterval time.Duration
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = 100 * time.Millisecond
	}
	return c
}

// FramesPerChunk is the number of frames captured per chunk interval.
func (c CaptureConfig) FramesPerChunk() int {
	c = c.withDefaults()
	return int(int64(c.SampleRate) * int64(c.ChunkInterval) / int64(time.Second))
}

// PortAudioSource captures PCM16LE from the default input device.
type PortAudioSource struct {
	cfg CaptureConfig
}

func NewPortAudioSource(cfg CaptureConfig) *PortAudioSource {
	return &PortAudioSource{cfg: cfg.withDefaults()}
}

func (s *PortAudioSource) Open(_ context.Context) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}

	frames := s.cfg.FramesPerChunk()
	buf := make([]int16, frames*s.cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(s.cfg.Channels, 0, float64(s.cfg.SampleRate), frames, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("open mic: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("start mic: %w", err)
	}
	return &portAudioStream{stream: stream, buf: buf}, nil
}

type portAudioStream struct {
	stream *portaudio.Stream
	buf    []int16

	closeOnce sync.Once
	closeErr  error
}

func (s *portAudioStream) Read() ([]byte, error) {
	if err := s.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return nil, err
	}
	out := make([]byte, len(s.buf)*2)
	for i, sample := range s.buf {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out, nil
}

func (s *portAudioStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = multierr.Combine(
			s.stream.Stop(),
			s.stream.Close(),
			portaudio.Terminate(),
		)
	})
	return s.closeErr
}
