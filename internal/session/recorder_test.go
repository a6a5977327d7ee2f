package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ent0n29/companion-voice/internal/protocol"
	"github.com/ent0n29/companion-voice/internal/store"
)

// flakyStore wraps an in-memory store and fails selected operations.
type flakyStore struct {
	*store.InMemoryStore

	mu           sync.Mutex
	failInsert   bool
	failFinish   bool
	finishCalls  int
	insertCalls  int
	createFailed bool
}

func (s *flakyStore) CreateSession(ctx context.Context, personalityID string, startedAt time.Time) (string, error) {
	if s.createFailed {
		return "", errors.New("db down")
	}
	return s.InMemoryStore.CreateSession(ctx, personalityID, startedAt)
}

func (s *flakyStore) InsertResponse(ctx context.Context, r store.EmotionalResponse) error {
	s.mu.Lock()
	s.insertCalls++
	fail := s.failInsert
	s.mu.Unlock()
	if fail {
		return errors.New("insert rejected")
	}
	return s.InMemoryStore.InsertResponse(ctx, r)
}

func (s *flakyStore) FinishSession(ctx context.Context, id string, status store.SessionStatus, endedAt time.Time) error {
	s.mu.Lock()
	s.finishCalls++
	fail := s.failFinish
	s.mu.Unlock()
	if fail {
		return errors.New("update rejected")
	}
	return s.InMemoryStore.FinishSession(ctx, id, status, endedAt)
}

func newObservedRecorder(st store.Store) (*Recorder, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewRecorder(st, zap.New(core), nil, time.Second), logs
}

func TestRecorderLifecycle(t *testing.T) {
	mem := store.NewInMemoryStore()
	r, _ := newObservedRecorder(mem)
	ctx := context.Background()

	id, err := r.CreateSession(ctx, "warm")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if r.SessionID() != id {
		t.Fatalf("SessionID() = %q, want %q", r.SessionID(), id)
	}

	r.RecordResponse(ctx, id, []protocol.Expression{{Name: "JOY", Score: 0.9}, {Name: "CALM", Score: 0.3}}, "hello", true)
	r.CompleteSession(ctx)

	rows := mem.Responses(id)
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	for _, row := range rows {
		if row.Transcript != "hello" || !row.IsUser {
			t.Fatalf("unexpected row: %+v", row)
		}
	}

	got, err := mem.Session(id)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if got.Status != store.StatusCompleted || got.EndedAt == nil {
		t.Fatalf("session after complete = %+v, want completed with end time", got)
	}
	if r.SessionID() != "" {
		t.Fatalf("SessionID() after complete = %q, want empty", r.SessionID())
	}
}

func TestRecorderCompleteTwiceWritesOnce(t *testing.T) {
	st := &flakyStore{InMemoryStore: store.NewInMemoryStore()}
	r, _ := newObservedRecorder(st)
	ctx := context.Background()

	if _, err := r.CreateSession(ctx, "warm"); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	r.CompleteSession(ctx)
	r.CompleteSession(ctx)
	r.AbortSession(ctx)

	if st.finishCalls != 1 {
		t.Fatalf("FinishSession calls = %d, want 1", st.finishCalls)
	}
}

func TestRecorderRecordResponseWithoutSessionIsNoop(t *testing.T) {
	st := &flakyStore{InMemoryStore: store.NewInMemoryStore()}
	r, _ := newObservedRecorder(st)

	r.RecordResponse(context.Background(), "", []protocol.Expression{{Name: "JOY", Score: 1}}, "hi", true)
	r.CompleteSession(context.Background())

	if st.insertCalls != 0 || st.finishCalls != 0 {
		t.Fatalf("store touched without session: inserts=%d finishes=%d", st.insertCalls, st.finishCalls)
	}
}

func TestRecorderSwallowsInsertFailures(t *testing.T) {
	st := &flakyStore{InMemoryStore: store.NewInMemoryStore(), failInsert: true}
	r, logs := newObservedRecorder(st)
	ctx := context.Background()

	id, err := r.CreateSession(ctx, "warm")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	r.RecordResponse(ctx, id, []protocol.Expression{{Name: "JOY", Score: 0.9}, {Name: "SAD", Score: 0.1}}, "hello", false)
	r.CompleteSession(ctx)

	if n := logs.FilterMessage("emotional response write failed").Len(); n != 2 {
		t.Fatalf("logged insert failures = %d, want 2", n)
	}
	got, _ := st.Session(id)
	if got.Status != store.StatusCompleted {
		t.Fatalf("Status = %q, want %q despite insert failures", got.Status, store.StatusCompleted)
	}
}

func TestRecorderSwallowsFinalizeFailure(t *testing.T) {
	st := &flakyStore{InMemoryStore: store.NewInMemoryStore(), failFinish: true}
	r, logs := newObservedRecorder(st)
	ctx := context.Background()

	if _, err := r.CreateSession(ctx, "warm"); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	r.CompleteSession(ctx)

	if logs.FilterMessage("voice session finalize failed").Len() != 1 {
		t.Fatalf("finalize failure was not logged")
	}
	if r.SessionID() != "" {
		t.Fatalf("failed finalize should still clear the tracked session")
	}
}

func TestRecorderCreateOverwritesTrackedSession(t *testing.T) {
	mem := store.NewInMemoryStore()
	r, logs := newObservedRecorder(mem)
	ctx := context.Background()

	first, _ := r.CreateSession(ctx, "warm")
	second, _ := r.CreateSession(ctx, "warm")
	if r.SessionID() != second {
		t.Fatalf("SessionID() = %q, want %q", r.SessionID(), second)
	}
	if logs.FilterMessage("abandoning tracked voice session without finalizing").Len() != 1 {
		t.Fatalf("abandoned session was not logged")
	}

	r.CompleteSession(ctx)
	abandoned, _ := mem.Session(first)
	if abandoned.Status != store.StatusActive {
		t.Fatalf("abandoned session status = %q, want it left active", abandoned.Status)
	}
}

func TestRecorderCreateFailureLeavesNothingTracked(t *testing.T) {
	st := &flakyStore{InMemoryStore: store.NewInMemoryStore(), createFailed: true}
	r, _ := newObservedRecorder(st)

	if _, err := r.CreateSession(context.Background(), "warm"); err == nil {
		t.Fatalf("CreateSession() error = nil, want error")
	}
	if r.SessionID() != "" {
		t.Fatalf("SessionID() = %q, want empty", r.SessionID())
	}
}

func TestRecorderAbortMarksInterrupted(t *testing.T) {
	mem := store.NewInMemoryStore()
	r, _ := newObservedRecorder(mem)
	id, _ := r.CreateSession(context.Background(), "warm")

	r.AbortSession(context.Background())

	got, _ := mem.Session(id)
	if got.Status != store.StatusInterrupted {
		t.Fatalf("Status = %q, want %q", got.Status, store.StatusInterrupted)
	}
}

func TestRecorderIgnoresResponsesForStaleSession(t *testing.T) {
	st := &flakyStore{InMemoryStore: store.NewInMemoryStore()}
	r, _ := newObservedRecorder(st)
	ctx := context.Background()
	joy := []protocol.Expression{{Name: "JOY", Score: 0.5}}

	first, _ := r.CreateSession(ctx, "warm")
	r.CompleteSession(ctx)
	r.RecordResponse(ctx, first, joy, "late after finalize", true)

	second, _ := r.CreateSession(ctx, "warm")
	r.RecordResponse(ctx, first, joy, "late into next session", true)
	r.RecordResponse(ctx, second, joy, "current", true)
	r.CompleteSession(ctx)

	if n := len(st.Responses(first)); n != 0 {
		t.Fatalf("rows for finalized session = %d, want 0", n)
	}
	rows := st.Responses(second)
	if len(rows) != 1 || rows[0].Transcript != "current" {
		t.Fatalf("rows for current session = %+v, want only the current response", rows)
	}
}
