package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists voice sessions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_sessions (
			id TEXT PRIMARY KEY,
			personality_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ NULL,
			duration_seconds INTEGER NULL
		);`,
		`CREATE TABLE IF NOT EXISTS emotional_responses (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES voice_sessions(id) ON DELETE CASCADE,
			emotion_name TEXT NOT NULL,
			emotion_score DOUBLE PRECISION NOT NULL,
			transcript TEXT NOT NULL,
			is_user BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_emotional_responses_session ON emotional_responses (session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS personality_configs (
			id TEXT PRIMARY KEY,
			voice TEXT NOT NULL,
			style TEXT NOT NULL,
			response_format TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, personalityID string, startedAt time.Time) (string, error) {
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_sessions (id, personality_id, status, started_at)
		 VALUES ($1, $2, $3, $4)`,
		id,
		personalityID,
		string(StatusActive),
		startedAt,
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// FinishSession stamps the end time and derives the duration in SQL. Only
// active sessions are updated, so a repeated finalize is reported as
// ErrAlreadyFinalized instead of overwriting the first end time.
func (s *PostgresStore) FinishSession(ctx context.Context, sessionID string, status SessionStatus, endedAt time.Time) error {
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE voice_sessions
		 SET status=$2,
		     ended_at=$3,
		     duration_seconds=GREATEST(0, EXTRACT(EPOCH FROM ($3::TIMESTAMPTZ - started_at)))::INTEGER
		 WHERE id=$1 AND status=$4`,
		sessionID,
		string(status),
		endedAt,
		string(StatusActive),
	)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyFinalized
	}
	return nil
}

func (s *PostgresStore) InsertResponse(ctx context.Context, response EmotionalResponse) error {
	if response.ID == "" {
		response.ID = uuid.NewString()
	}
	if response.CreatedAt.IsZero() {
		response.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO emotional_responses (id, session_id, emotion_name, emotion_score, transcript, is_user, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		response.ID,
		response.SessionID,
		response.EmotionName,
		response.EmotionScore,
		response.Transcript,
		response.IsUser,
		response.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert emotional response: %w", err)
	}
	return nil
}

func (s *PostgresStore) Personality(ctx context.Context, personalityID string) (PersonalityConfig, error) {
	p := PersonalityConfig{ID: personalityID}
	err := s.pool.QueryRow(ctx,
		`SELECT voice, style, response_format FROM personality_configs WHERE id=$1`,
		personalityID,
	).Scan(&p.Voice, &p.Style, &p.ResponseFormat)
	if errors.Is(err, pgx.ErrNoRows) {
		return PersonalityConfig{}, ErrNotFound
	}
	if err != nil {
		return PersonalityConfig{}, fmt.Errorf("query personality: %w", err)
	}
	return p, nil
}

// SeedPersonalities upserts personality configs, typically from a YAML file.
func (s *PostgresStore) SeedPersonalities(ctx context.Context, personalities []PersonalityConfig) error {
	if len(personalities) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range personalities {
		batch.Queue(
			`INSERT INTO personality_configs (id, voice, style, response_format)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE SET voice=EXCLUDED.voice, style=EXCLUDED.style, response_format=EXCLUDED.response_format`,
			p.ID, p.Voice, p.Style, p.ResponseFormat,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed personalities: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
