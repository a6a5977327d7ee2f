package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrDeviceUnavailable = errors.New("audio input device unavailable")
	ErrPipelineUsed      = errors.New("audio pipeline already started")
	ErrPipelineStopped   = errors.New("audio pipeline stopped")
)

// stopGrace bounds how long Stop waits for an in-flight device read before
// releasing the device underneath it.
const stopGrace = 2 * time.Second

// Stream is an acquired input device. Read blocks for one chunk interval and
// returns a freshly allocated chunk.
type Stream interface {
	Read() ([]byte, error)
	Close() error
}

// Source acquires exclusive access to an input device.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

type pipelineState int

const (
	pipelineIdle pipelineState = iota
	pipelineRunning
	pipelineStopped
)

// Pipeline turns a Source into a one-shot sequence of chunk callbacks. It
// cannot be restarted once stopped; create a new Pipeline per conversation.
type Pipeline struct {
	source Source
	logger *zap.Logger

	mu     sync.Mutex
	state  pipelineState
	stream Stream
	done   chan struct{}

	deliverMu sync.Mutex
	halted    bool
}

func NewPipeline(source Source, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{source: source, logger: logger}
}

// Start acquires the device and delivers every non-empty chunk to onChunk in
// capture order until Stop. onChunk runs on the capture goroutine and must not
// call Stop.
func (p *Pipeline) Start(ctx context.Context, onChunk func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case pipelineRunning:
		return ErrPipelineUsed
	case pipelineStopped:
		return ErrPipelineStopped
	}

	stream, err := p.source.Open(ctx)
	if err != nil {
		p.state = pipelineStopped
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	p.state = pipelineRunning
	p.stream = stream
	p.done = make(chan struct{})
	go p.run(stream, onChunk, p.done)
	return nil
}

func (p *Pipeline) run(stream Stream, onChunk func([]byte), done chan struct{}) {
	defer close(done)
	for !p.isHalted() {
		chunk, err := stream.Read()
		if err != nil {
			if !p.isHalted() {
				p.logger.Warn("audio capture read failed", zap.Error(err))
			}
			return
		}
		if len(chunk) == 0 {
			continue
		}

		p.deliverMu.Lock()
		if p.halted {
			p.deliverMu.Unlock()
			return
		}
		onChunk(chunk)
		p.deliverMu.Unlock()
	}
}

func (p *Pipeline) isHalted() bool {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	return p.halted
}

// Stop releases the device. It is idempotent, safe before Start, and no
// onChunk call happens after it returns.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.state != pipelineRunning {
		p.state = pipelineStopped
		p.mu.Unlock()
		return
	}
	p.state = pipelineStopped
	stream, done := p.stream, p.done
	p.stream = nil
	p.mu.Unlock()

	p.deliverMu.Lock()
	p.halted = true
	p.deliverMu.Unlock()

	select {
	case <-done:
	case <-time.After(stopGrace):
		p.logger.Warn("audio capture did not drain before stop grace; closing device anyway")
	}
	if err := stream.Close(); err != nil {
		p.logger.Warn("audio device release failed", zap.Error(err))
	}
}

// Running reports whether the pipeline currently holds the device.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == pipelineRunning
}
