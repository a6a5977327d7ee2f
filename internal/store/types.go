package store

import (
	"context"
	"errors"
	"time"
)

// SessionStatus is the lifecycle status of a persisted voice session.
type SessionStatus string

const (
	StatusActive      SessionStatus = "active"
	StatusCompleted   SessionStatus = "completed"
	StatusInterrupted SessionStatus = "interrupted"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrAlreadyFinalized is returned when a session is no longer active.
	ErrAlreadyFinalized = errors.New("session already finalized")
)

// VoiceSession is the durable record of one connect-to-cleanup conversation.
type VoiceSession struct {
	ID              string        `json:"id"`
	PersonalityID   string        `json:"personality_id"`
	Status          SessionStatus `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	DurationSeconds *int          `json:"duration_seconds,omitempty"`
}

// EmotionalResponse is one named, scored affect label attached to one utterance.
type EmotionalResponse struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	EmotionName  string    `json:"emotion_name"`
	EmotionScore float64   `json:"emotion_score"`
	Transcript   string    `json:"transcript"`
	IsUser       bool      `json:"is_user"`
	CreatedAt    time.Time `json:"created_at"`
}

// PersonalityConfig selects voice, style and response format for one connection.
type PersonalityConfig struct {
	ID             string `json:"id" yaml:"id"`
	Voice          string `json:"voice" yaml:"voice"`
	Style          string `json:"style" yaml:"style"`
	ResponseFormat string `json:"response_format" yaml:"response_format"`
}

// DefaultPersonality is substituted when a personality id has no stored config.
var DefaultPersonality = PersonalityConfig{
	Voice:          "default",
	Style:          "conversational",
	ResponseFormat: "text",
}

// Store persists voice sessions and their emotional responses.
type Store interface {
	CreateSession(ctx context.Context, personalityID string, startedAt time.Time) (string, error)
	FinishSession(ctx context.Context, sessionID string, status SessionStatus, endedAt time.Time) error
	InsertResponse(ctx context.Context, response EmotionalResponse) error
	Personality(ctx context.Context, personalityID string) (PersonalityConfig, error)
	Close() error
}
