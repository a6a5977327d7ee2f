package store

import (
	"context"
	"fmt"
	"strings"
)

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
// Personalities from personalitiesFile are seeded into whichever store is built.
func NewStore(ctx context.Context, databaseURL, personalitiesFile string) (Store, error) {
	personalities, err := LoadPersonalitiesFile(personalitiesFile)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(personalities...), nil
	}

	pg, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pg.SeedPersonalities(ctx, personalities); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("seed personalities from %q: %w", personalitiesFile, err)
	}
	return pg, nil
}
