// Package checkpoint persists the last successfully processed feed
// timestamp, enabling incremental resumption across runs.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/vulnwatch/jvulnsync/internal/database"
)

// Single metadata key holding the end of the last fully committed window.
const checkpointKey = "last_mod_end_date"

// Store reads and advances the sync checkpoint in the metadata table.
type Store struct {
	db *database.Service
}

// New creates a checkpoint store backed by the given database.
func New(db *database.Service) *Store {
	return &Store{db: db}
}

// Read returns the stored checkpoint. ok is false when no checkpoint has
// ever been written, which signals the caller to start from the configured
// epoch.
func (s *Store) Read(ctx context.Context) (ts time.Time, ok bool, err error) {
	var value string
	row := s.db.Pool().QueryRow(ctx, `SELECT value FROM metadata WHERE key = $1`, checkpointKey)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	ts, err = time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("stored checkpoint %q is not RFC3339: %w", value, err)
	}

	return ts.UTC(), true, nil
}

// Advance atomically sets the checkpoint to ts. The checkpoint is
// monotonically non-decreasing: an attempt to move it backwards is an
// error, never a silent overwrite.
func (s *Store) Advance(ctx context.Context, ts time.Time) error {
	current, ok, err := s.Read(ctx)
	if err != nil {
		return err
	}
	if ok && ts.Before(current) {
		return fmt.Errorf("checkpoint regression: %s is before stored %s",
			ts.Format(time.RFC3339), current.Format(time.RFC3339))
	}

	value := ts.UTC().Format(time.RFC3339)
	_, err = s.db.Pool().Exec(ctx, `
		INSERT INTO metadata (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, checkpointKey, value)
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}

	log.Debug().Str("checkpoint", value).Msg("checkpoint advanced")
	return nil
}
