package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]*VoiceSession
	responses     map[string][]EmotionalResponse
	personalities map[string]PersonalityConfig
}

func NewInMemoryStore(personalities ...PersonalityConfig) *InMemoryStore {
	s := &InMemoryStore{
		sessions:      make(map[string]*VoiceSession),
		responses:     make(map[string][]EmotionalResponse),
		personalities: make(map[string]PersonalityConfig, len(personalities)),
	}
	for _, p := range personalities {
		s.personalities[p.ID] = p
	}
	return s
}

func (s *InMemoryStore) CreateSession(_ context.Context, personalityID string, startedAt time.Time) (string, error) {
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	vs := &VoiceSession{
		ID:            uuid.NewString(),
		PersonalityID: personalityID,
		Status:        StatusActive,
		StartedAt:     startedAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[vs.ID] = vs
	return vs.ID, nil
}

func (s *InMemoryStore) FinishSession(_ context.Context, sessionID string, status SessionStatus, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if vs.Status != StatusActive {
		return ErrAlreadyFinalized
	}
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	duration := int(endedAt.Sub(vs.StartedAt).Seconds())
	if duration < 0 {
		duration = 0
	}
	vs.Status = status
	vs.EndedAt = &endedAt
	vs.DurationSeconds = &duration
	return nil
}

func (s *InMemoryStore) InsertResponse(_ context.Context, response EmotionalResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[response.SessionID]; !ok {
		return ErrNotFound
	}
	if response.ID == "" {
		response.ID = uuid.NewString()
	}
	if response.CreatedAt.IsZero() {
		response.CreatedAt = time.Now().UTC()
	}
	s.responses[response.SessionID] = append(s.responses[response.SessionID], response)
	return nil
}

func (s *InMemoryStore) Personality(_ context.Context, personalityID string) (PersonalityConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.personalities[personalityID]
	if !ok {
		return PersonalityConfig{}, ErrNotFound
	}
	return p, nil
}

// Session returns a copy of a stored session.
func (s *InMemoryStore) Session(sessionID string) (VoiceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vs, ok := s.sessions[sessionID]
	if !ok {
		return VoiceSession{}, ErrNotFound
	}
	return *vs, nil
}

// Sessions returns copies of every stored session.
func (s *InMemoryStore) Sessions() []VoiceSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]VoiceSession, 0, len(s.sessions))
	for _, vs := range s.sessions {
		out = append(out, *vs)
	}
	return out
}

// Responses returns the responses recorded for a session in insertion order.
func (s *InMemoryStore) Responses(sessionID string) []EmotionalResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]EmotionalResponse(nil), s.responses[sessionID]...)
}

func (s *InMemoryStore) Close() error { return nil }
