package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/companion-voice/internal/observability"
	"github.com/ent0n29/companion-voice/internal/protocol"
	"github.com/ent0n29/companion-voice/internal/store"
)

const defaultWriteTimeout = 5 * time.Second

// activeSession is the single tracked session handle. Response writes are
// counted per handle so finalizing waits only for its own rows.
type activeSession struct {
	id     string
	writes sync.WaitGroup
}

// Recorder creates, annotates and finalizes the durable record of one
// conversation. Only fatal errors from CreateSession are returned; every
// other store failure is logged and swallowed.
type Recorder struct {
	store        store.Store
	logger       *zap.Logger
	metrics      *observability.Metrics
	writeTimeout time.Duration
	now          func() time.Time

	mu     sync.Mutex
	active *activeSession
}

func NewRecorder(st store.Store, logger *zap.Logger, metrics *observability.Metrics, writeTimeout time.Duration) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Recorder{
		store:        st,
		logger:       logger,
		metrics:      metrics,
		writeTimeout: writeTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession inserts an active session and tracks its id. A session that
// is already tracked is abandoned, not finalized.
func (r *Recorder) CreateSession(ctx context.Context, personalityID string) (string, error) {
	id, err := r.store.CreateSession(ctx, personalityID, r.now())
	if err != nil {
		r.metrics.ObserveStoreError("create_session")
		return "", fmt.Errorf("create voice session: %w", err)
	}

	r.mu.Lock()
	previous := r.active
	r.active = &activeSession{id: id}
	r.mu.Unlock()

	if previous != nil {
		r.logger.Warn("abandoning tracked voice session without finalizing",
			zap.String("abandoned_session_id", previous.id),
			zap.String("session_id", id))
	}
	r.logger.Debug("voice session created", zap.String("session_id", id), zap.String("personality", personalityID))
	return id, nil
}

// SessionID returns the tracked session id, or "" when none is tracked.
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.id
}

// RecordResponse persists one row per expression in the background. It is a
// no-op unless sessionID is the tracked session, so an event read before a
// session was finalized or replaced never lands in another session.
func (r *Recorder) RecordResponse(ctx context.Context, sessionID string, emotions []protocol.Expression, transcript string, isUser bool) {
	r.mu.Lock()
	active := r.active
	if active == nil || active.id != sessionID {
		r.mu.Unlock()
		if active != nil && sessionID != "" {
			r.logger.Debug("dropping response for a session no longer tracked",
				zap.String("stale_session_id", sessionID),
				zap.String("session_id", active.id))
		}
		return
	}
	rows := ResponseRows(active.id, emotions, transcript, isUser, r.now())
	if len(rows) == 0 {
		r.mu.Unlock()
		return
	}
	active.writes.Add(1)
	r.mu.Unlock()

	go func() {
		defer active.writes.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
		defer cancel()
		for _, row := range rows {
			if err := r.store.InsertResponse(writeCtx, row); err != nil {
				r.metrics.ObserveStoreError("insert_response")
				r.logger.Error("emotional response write failed",
					zap.String("session_id", row.SessionID),
					zap.String("emotion", row.EmotionName),
					zap.Bool("is_user", row.IsUser),
					zap.Error(err))
			}
		}
	}()
}

// CompleteSession marks the tracked session completed and stops tracking it.
// Calling it again, or with nothing tracked, is a no-op.
func (r *Recorder) CompleteSession(ctx context.Context) {
	r.finalize(ctx, store.StatusCompleted)
}

// AbortSession marks the tracked session interrupted; used when a connection
// fails before the conversation could start.
func (r *Recorder) AbortSession(ctx context.Context) {
	r.finalize(ctx, store.StatusInterrupted)
}

func (r *Recorder) finalize(ctx context.Context, status store.SessionStatus) {
	r.mu.Lock()
	active := r.active
	r.active = nil
	r.mu.Unlock()
	if active == nil {
		return
	}

	active.writes.Wait()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()
	err := r.store.FinishSession(writeCtx, active.id, status, r.now())
	switch {
	case err == nil:
		r.logger.Debug("voice session finalized", zap.String("session_id", active.id), zap.String("status", string(status)))
	case errors.Is(err, store.ErrAlreadyFinalized):
		r.logger.Debug("voice session already finalized", zap.String("session_id", active.id))
	default:
		r.metrics.ObserveStoreError("finish_session")
		r.logger.Error("voice session finalize failed",
			zap.String("session_id", active.id),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
