package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/vulnwatch/jvulnsync/internal/config"
)

// Schema statements executed idempotently at startup. metadata holds the
// sync checkpoint; vulnerabilities holds one deduplicated record per
// package, keyed by package name.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS vulnerabilities (
		package_name        TEXT PRIMARY KEY,
		vulnerable_versions JSONB NOT NULL DEFAULT '[]',
		osv_ranges          JSONB,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Service represents the database service
type Service struct {
	pool *pgxpool.Pool
}

// New creates a new database service
func New(cfg config.DatabaseConfig) (*Service, error) {
	// Configure connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	// Set pool configuration based on config with bounds checking
	// Prevent integer overflow when converting to int32
	if cfg.MaxConns > 2147483647 || cfg.MaxConns < 0 {
		return nil, fmt.Errorf("MaxConns value %d is out of valid range (0-2147483647)", cfg.MaxConns)
	}
	if cfg.MinConns > 2147483647 || cfg.MinConns < 0 {
		return nil, fmt.Errorf("MinConns value %d is out of valid range (0-2147483647)", cfg.MinConns)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns) // #nosec G115 -- Integer overflow protection is implemented above
	poolConfig.MinConns = int32(cfg.MinConns) // #nosec G115 -- Integer overflow protection is implemented above
	poolConfig.MaxConnLifetime = time.Duration(cfg.MaxLifetime) * time.Minute
	poolConfig.MaxConnIdleTime = time.Duration(cfg.MaxIdleTime) * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Int32("max_conns", poolConfig.MaxConns).
		Int32("min_conns", poolConfig.MinConns).
		Msg("database connection pool initialized")

	return &Service{
		pool: pool,
	}, nil
}

// EnsureSchema creates the metadata and vulnerabilities tables if absent.
// Safe to call on every start.
func (s *Service) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	log.Info().Msg("database schema ensured")
	return nil
}

// Close closes the database connection pool
func (s *Service) Close() {
	if s.pool != nil {
		s.pool.Close()
		log.Info().Msg("database connection pool closed")
	}
}

// Pool returns the underlying connection pool
func (s *Service) Pool() *pgxpool.Pool {
	return s.pool
}

// Health checks the database health
func (s *Service) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return s.pool.Ping(ctx)
}
