package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/companion-voice/internal/audio"
	"github.com/ent0n29/companion-voice/internal/observability"
	"github.com/ent0n29/companion-voice/internal/protocol"
	"github.com/ent0n29/companion-voice/internal/session"
	"github.com/ent0n29/companion-voice/internal/store"
)

var (
	ErrBusy        = errors.New("voice controller busy")
	ErrCancelled   = errors.New("voice connect cancelled")
	ErrChannelOpen = errors.New("voice channel open failed")
	ErrConfigSend  = errors.New("voice config send failed")
)

// PersonalityLookup resolves the per-connection voice configuration.
type PersonalityLookup interface {
	Personality(ctx context.Context, personalityID string) (store.PersonalityConfig, error)
}

// Controller drives one realtime channel at a time through the
// idle/connecting/open/closing/closed lifecycle. Every transition happens
// under mu, and gen is bumped whenever the current connection is torn down
// so late callbacks from a previous connection are discarded.
type Controller struct {
	dialer        Dialer
	source        audio.Source
	personalities PersonalityLookup
	recorder      *session.Recorder
	logger        *zap.Logger
	metrics       *observability.Metrics
	language      string

	// connectMu serializes Connect so a stale attempt has fully unwound
	// before the next one creates a session.
	connectMu sync.Mutex

	mu      sync.Mutex
	state   State
	gen     uint64
	conn    Channel
	capture *audio.Pipeline
	handler protocol.EventHandler
	cancel  context.CancelFunc
	// cleaned is closed when the Cleanup that moved the controller to
	// closing has finished; later callers wait on it.
	cleaned chan struct{}
}

func NewController(
	dialer Dialer,
	source audio.Source,
	personalities PersonalityLookup,
	recorder *session.Recorder,
	logger *zap.Logger,
	metrics *observability.Metrics,
	language string,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if language == "" {
		language = protocol.DefaultLanguage
	}
	return &Controller{
		dialer:        dialer,
		source:        source,
		personalities: personalities,
		recorder:      recorder,
		logger:        logger,
		metrics:       metrics,
		language:      language,
		state:         StateIdle,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the channel, sends the config message and starts capture.
// It returns nil only once audio is flowing. Cleanup may be called at any
// point while Connect is in flight; Connect then returns ErrCancelled and
// never reports success.
func (c *Controller) Connect(ctx context.Context, personalityID string, onEvent protocol.EventHandler) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	started := time.Now()
	c.mu.Lock()
	if !c.state.canConnect() {
		state := c.state
		c.mu.Unlock()
		c.metrics.ObserveConnect("busy")
		return fmt.Errorf("%w: state %s", ErrBusy, state)
	}
	c.gen++
	gen := c.gen
	// The connection context outlives this call: capture backends bind
	// their device process to it. Cleanup or a failure cancels it.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.handler = onEvent
	c.state = StateConnecting
	c.mu.Unlock()

	stopFollowingCaller := context.AfterFunc(ctx, cancel)
	defer stopFollowingCaller()

	logger := c.logger.With(zap.String("personality", personalityID), zap.Uint64("connection", gen))

	mark := time.Now()
	personality := c.lookupPersonality(connCtx, logger, personalityID)
	c.metrics.ObserveStage(observability.StagePersonalityLookup, time.Since(mark))

	mark = time.Now()
	sessionID, err := c.recorder.CreateSession(connCtx, personalityID)
	if err != nil {
		logger.Error("voice session not recorded; continuing without persistence", zap.Error(err))
	}
	c.metrics.ObserveStage(observability.StageSessionCreate, time.Since(mark))
	if !c.isCurrent(gen, StateConnecting) {
		return c.abandon(ctx, logger)
	}

	mark = time.Now()
	conn, err := c.dialer.Dial(connCtx)
	if err != nil {
		if !c.isCurrent(gen, StateConnecting) {
			return c.abandon(ctx, logger)
		}
		return c.fail(ctx, logger, gen, fmt.Errorf("%w: %w", ErrChannelOpen, err))
	}
	c.metrics.ObserveStage(observability.StageChannelOpen, time.Since(mark))

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		if closeErr := conn.Close(); closeErr != nil {
			logger.Debug("close of abandoned voice channel failed", zap.Error(closeErr))
		}
		return c.abandon(ctx, logger)
	}
	c.conn = conn
	c.mu.Unlock()

	mark = time.Now()
	config := protocol.NewConfigMessage(personality.Voice, personality.Style, personality.ResponseFormat, c.language)
	if err := conn.WriteJSON(config); err != nil {
		return c.fail(ctx, logger, gen, fmt.Errorf("%w: %w", ErrConfigSend, err))
	}
	c.metrics.ObserveStage(observability.StageConfigSent, time.Since(mark))

	capture := audio.NewPipeline(c.source, c.logger)
	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		return c.abandon(ctx, logger)
	}
	c.state = StateOpen
	c.capture = capture
	c.mu.Unlock()
	c.metrics.SetActiveConnections(1)
	go c.readLoop(gen, conn, sessionID)

	mark = time.Now()
	if err := capture.Start(connCtx, c.forwardChunk(gen, conn)); err != nil {
		if c.isCurrent(gen, StateFailed) {
			return c.lostWhileConnecting(ctx, logger)
		}
		if errors.Is(err, audio.ErrPipelineStopped) {
			return c.abandon(ctx, logger)
		}
		return c.fail(ctx, logger, gen, err)
	}
	c.metrics.ObserveStage(observability.StageCaptureStart, time.Since(mark))

	if c.isCurrent(gen, StateFailed) {
		return c.lostWhileConnecting(ctx, logger)
	}
	if !c.isCurrent(gen, StateOpen) {
		return c.abandon(ctx, logger)
	}

	c.metrics.ObserveConnect("ok")
	c.metrics.ObserveConnectLatency(time.Since(started))
	logger.Info("voice connection open",
		zap.String("session_id", c.recorder.SessionID()),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (c *Controller) lookupPersonality(ctx context.Context, logger *zap.Logger, personalityID string) store.PersonalityConfig {
	if c.personalities == nil {
		return store.DefaultPersonality
	}
	personality, err := c.personalities.Personality(ctx, personalityID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("personality lookup failed; using defaults", zap.Error(err))
		} else {
			logger.Debug("personality not configured; using defaults")
		}
		return store.DefaultPersonality
	}
	return personality
}

func (c *Controller) isCurrent(gen uint64, state State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.state == state
}

// abandon unwinds a Connect that lost the race with Cleanup. Cleanup owns
// every resource already published on the controller; a session created
// after Cleanup finalized is completed here.
func (c *Controller) abandon(ctx context.Context, logger *zap.Logger) error {
	c.recorder.CompleteSession(ctx)
	c.metrics.ObserveConnect("cancelled")
	c.metrics.ObserveIndicator("connect_cancelled")
	logger.Info("voice connect cancelled by cleanup")
	return ErrCancelled
}

// lostWhileConnecting unwinds a Connect whose channel dropped before capture
// was running. The read loop already released the resources; the session is
// marked interrupted like any other connect failure.
func (c *Controller) lostWhileConnecting(ctx context.Context, logger *zap.Logger) error {
	c.recorder.AbortSession(ctx)
	c.metrics.ObserveConnect("failed")
	err := fmt.Errorf("%w: connection lost before audio started", ErrChannelOpen)
	logger.Error("voice connect failed", zap.Error(err))
	return err
}

// fail moves a current connection to StateFailed and releases everything it
// holds. The session is marked interrupted so nothing is left active.
func (c *Controller) fail(ctx context.Context, logger *zap.Logger, gen uint64, cause error) error {
	c.mu.Lock()
	if c.gen != gen || !c.state.canFail() {
		c.mu.Unlock()
		return c.abandon(ctx, logger)
	}
	c.state = StateFailed
	capture, conn, cancel := c.takeResourcesLocked()
	c.handler = nil
	c.mu.Unlock()

	c.release(logger, capture, conn, cancel)
	c.recorder.AbortSession(ctx)
	c.metrics.ObserveConnect("failed")
	logger.Error("voice connect failed", zap.Error(cause))
	return cause
}

func (c *Controller) takeResourcesLocked() (*audio.Pipeline, Channel, context.CancelFunc) {
	capture, conn, cancel := c.capture, c.conn, c.cancel
	c.capture, c.conn, c.cancel = nil, nil, nil
	return capture, conn, cancel
}

// release stops capture before closing the channel so no chunk is written
// to a closed socket.
func (c *Controller) release(logger *zap.Logger, capture *audio.Pipeline, conn Channel, cancel context.CancelFunc) {
	if capture != nil {
		capture.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Debug("voice channel close failed", zap.Error(err))
		}
	}
	c.metrics.SetActiveConnections(0)
}

func (c *Controller) forwardChunk(gen uint64, conn Channel) func([]byte) {
	return func(chunk []byte) {
		c.mu.Lock()
		open := c.gen == gen && c.state == StateOpen
		c.mu.Unlock()
		if !open {
			c.metrics.ObserveAudioChunk("dropped")
			return
		}
		if err := conn.WriteBinary(chunk); err != nil {
			c.metrics.ObserveAudioChunk("send_failed")
			c.logger.Debug("audio chunk send failed", zap.Uint64("connection", gen), zap.Error(err))
			return
		}
		c.metrics.ObserveAudioChunk("sent")
	}
}

func (c *Controller) readLoop(gen uint64, conn Channel, sessionID string) {
	for {
		kind, payload, err := conn.Read()
		if err != nil {
			c.connectionLost(gen, err)
			return
		}
		if kind != FrameText {
			continue
		}

		inbound, err := protocol.ParseInboundEvent(payload)
		if err != nil {
			if !errors.Is(err, protocol.ErrUnsupportedType) {
				c.logger.Debug("ignoring malformed peer message", zap.Error(err))
			}
			continue
		}

		c.mu.Lock()
		if c.gen != gen || c.state != StateOpen {
			c.mu.Unlock()
			return
		}
		handler := c.handler
		c.mu.Unlock()

		c.metrics.ObserveInboundEvent(string(inbound.Type))
		if inbound.Type != protocol.TypeInterruption && inbound.Text != "" && len(inbound.Emotions) > 0 {
			c.recorder.RecordResponse(context.Background(), sessionID, inbound.Emotions, inbound.Text, inbound.Type == protocol.TypeTranscript)
		}

		event, ok := protocol.Normalize(inbound)
		if ok && handler != nil && c.isCurrent(gen, StateOpen) {
			handler(event)
		}
	}
}

// connectionLost handles a read failure. Reads failing after Cleanup are
// expected; a drop while open fails the connection and tells the caller.
func (c *Controller) connectionLost(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	handler := c.handler
	c.handler = nil
	capture, conn, cancel := c.takeResourcesLocked()
	c.mu.Unlock()

	logger := c.logger.With(zap.Uint64("connection", gen))
	c.release(logger, capture, conn, cancel)

	reason := "peer closed the connection"
	if !isNormalClose(err) {
		reason = err.Error()
	}
	c.metrics.ObserveIndicator("connection_lost")
	logger.Warn("voice connection lost", zap.String("reason", reason))
	if handler != nil {
		handler(protocol.ConnectionLost{Type: protocol.EventConnectionLost, Reason: reason})
	}
}

// Cleanup tears the current connection down from any state. The session is
// finalized first, then capture stops, then the channel closes. Calling it
// again is a no-op; a call made while another Cleanup is running returns
// once that one has finished or ctx is done. It does not wait for the read
// loop, so it is safe to call from an event handler.
func (c *Controller) Cleanup(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateClosing {
		cleaned := c.cleaned
		c.mu.Unlock()
		select {
		case <-cleaned:
		case <-ctx.Done():
		}
		return
	}
	cleaned := make(chan struct{})
	c.cleaned = cleaned
	c.gen++
	capture, conn, cancel := c.takeResourcesLocked()
	c.handler = nil
	previous := c.state
	c.state = StateClosing
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.recorder.CompleteSession(ctx)
	c.release(c.logger, capture, conn, nil)

	c.mu.Lock()
	c.state = StateClosed
	c.cleaned = nil
	c.mu.Unlock()
	close(cleaned)

	if previous != StateClosed && previous != StateIdle {
		c.logger.Info("voice connection cleaned up", zap.String("from", string(previous)))
	}
}
