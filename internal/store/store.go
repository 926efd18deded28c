// Package store persists deduplicated vulnerability records, one per
// package, with merge-on-write semantics: repeated sightings union into
// the version set, enrichment transitions range data null to populated
// exactly once.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/vulnwatch/jvulnsync/internal/database"
	"github.com/vulnwatch/jvulnsync/internal/types"
)

// Store is the reconciliation store over the vulnerabilities table.
type Store struct {
	db *database.Service
}

// New creates a reconciliation store backed by the given database.
func New(db *database.Service) *Store {
	return &Store{db: db}
}

// UpsertFinding records a (package, version) sighting. It creates the
// record on first sight with unresolved range data, or adds the version to
// the existing set. Idempotent: re-applying the same pair changes nothing
// but updated_at.
func (s *Store) UpsertFinding(ctx context.Context, pkg, version string) error {
	query := `
		INSERT INTO vulnerabilities (package_name, vulnerable_versions)
		VALUES ($1, jsonb_build_array($2::text))
		ON CONFLICT (package_name) DO UPDATE SET
			vulnerable_versions = CASE
				WHEN vulnerabilities.vulnerable_versions ? $2::text
					THEN vulnerabilities.vulnerable_versions
				ELSE vulnerabilities.vulnerable_versions || jsonb_build_array($2::text)
			END,
			updated_at = now()
	`

	if _, err := s.db.Pool().Exec(ctx, query, pkg, version); err != nil {
		return fmt.Errorf("failed to upsert finding %s@%s: %w", pkg, version, err)
	}

	return nil
}

// ApplyEnrichment attaches range data to a record whose range data is
// still unresolved. Empty range data is a no-op, never a sentinel write,
// so the record stays eligible for future backfill passes. Populated range
// data is never overwritten: the transition is one-way.
func (s *Store) ApplyEnrichment(ctx context.Context, pkg string, ranges types.RangeData) error {
	if ranges.Empty() {
		return nil
	}

	encoded, err := json.Marshal(ranges)
	if err != nil {
		return fmt.Errorf("failed to encode ranges for %s: %w", pkg, err)
	}

	query := `
		UPDATE vulnerabilities
		SET osv_ranges = $2, updated_at = now()
		WHERE package_name = $1 AND osv_ranges IS NULL
	`

	tag, err := s.db.Pool().Exec(ctx, query, pkg, encoded)
	if err != nil {
		return fmt.Errorf("failed to apply enrichment for %s: %w", pkg, err)
	}

	if tag.RowsAffected() > 0 {
		log.Info().
			Str("package", pkg).
			Int("ecosystems", len(ranges)).
			Msg("range data applied")
	}

	return nil
}

// ListUnenriched returns every record still lacking range data, with its
// version set, for the backfill pass.
func (s *Store) ListUnenriched(ctx context.Context) ([]types.Unenriched, error) {
	query := `
		SELECT package_name, vulnerable_versions
		FROM vulnerabilities
		WHERE osv_ranges IS NULL
		ORDER BY package_name
	`

	rows, err := s.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query unenriched records: %w", err)
	}
	defer rows.Close()

	var records []types.Unenriched
	for rows.Next() {
		var (
			record       types.Unenriched
			versionsJSON []byte
		)
		if err := rows.Scan(&record.PackageName, &versionsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan unenriched record: %w", err)
		}
		if err := json.Unmarshal(versionsJSON, &record.Versions); err != nil {
			return nil, fmt.Errorf("failed to decode versions for %s: %w", record.PackageName, err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unenriched records: %w", err)
	}

	return records, nil
}

// Get returns the record for a package, or nil when absent.
func (s *Store) Get(ctx context.Context, pkg string) (*types.Record, error) {
	query := `
		SELECT package_name, vulnerable_versions, osv_ranges, created_at, updated_at
		FROM vulnerabilities
		WHERE package_name = $1
	`

	var (
		record       types.Record
		versionsJSON []byte
		rangesJSON   []byte
	)

	row := s.db.Pool().QueryRow(ctx, query, pkg)
	if err := row.Scan(&record.PackageName, &versionsJSON, &rangesJSON,
		&record.CreatedAt, &record.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get record %s: %w", pkg, err)
	}

	if err := json.Unmarshal(versionsJSON, &record.VulnerableVersions); err != nil {
		return nil, fmt.Errorf("failed to decode versions for %s: %w", pkg, err)
	}
	if rangesJSON != nil {
		if err := json.Unmarshal(rangesJSON, &record.OSVRanges); err != nil {
			return nil, fmt.Errorf("failed to decode ranges for %s: %w", pkg, err)
		}
	}

	return &record, nil
}

// Count returns the total number of records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	row := s.db.Pool().QueryRow(ctx, `SELECT count(*) FROM vulnerabilities`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// CountUnenriched returns the number of records still lacking range data.
func (s *Store) CountUnenriched(ctx context.Context) (int64, error) {
	var count int64
	row := s.db.Pool().QueryRow(ctx, `SELECT count(*) FROM vulnerabilities WHERE osv_ranges IS NULL`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unenriched records: %w", err)
	}
	return count, nil
}
