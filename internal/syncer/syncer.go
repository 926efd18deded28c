// Package syncer drives the incremental cross-source reconciliation loop:
// resume from checkpoint, fetch, map, enrich, persist, advance, then
// backfill previously unresolved records.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vulnwatch/jvulnsync/internal/fetchers/nvd"
	"github.com/vulnwatch/jvulnsync/internal/types"
)

// CheckpointStore persists the last fully processed window end.
type CheckpointStore interface {
	Read(ctx context.Context) (time.Time, bool, error)
	Advance(ctx context.Context, ts time.Time) error
}

// FeedClient fetches raw findings for a modified-date window.
type FeedClient interface {
	Fetch(ctx context.Context, w nvd.Window) ([]types.RawFinding, error)
}

// RangeResolver looks up version-range data for an identity.
type RangeResolver interface {
	Resolve(ctx context.Context, pkg, version string) (types.RangeData, error)
}

// RecordStore is the deduplicated persistence the loop writes into.
type RecordStore interface {
	UpsertFinding(ctx context.Context, pkg, version string) error
	ApplyEnrichment(ctx context.Context, pkg string, ranges types.RangeData) error
	ListUnenriched(ctx context.Context) ([]types.Unenriched, error)
}

// MapFunc derives a (package, version) identity from a raw finding.
// ok=false means the finding is not trackable and is silently skipped.
type MapFunc func(types.RawFinding) (types.Identity, bool)

// ErrRunInProgress is returned by Run when a previous run has not finished.
// The feed client, stats and checkpoint all assume a single writer, so
// overlapping runs are rejected rather than interleaved.
var ErrRunInProgress = errors.New("sync run already in progress")

// Orchestrator runs the two-phase sync.
type Orchestrator struct {
	checkpoint CheckpointStore
	feed       FeedClient
	resolver   RangeResolver
	store      RecordStore
	mapFinding MapFunc

	epoch   time.Time
	maxSpan time.Duration
	now     func() time.Time

	running atomic.Bool

	mu    sync.Mutex
	stats types.RunStats
}

// New creates a sync orchestrator.
func New(cp CheckpointStore, feed FeedClient, resolver RangeResolver, store RecordStore,
	mapFn MapFunc, epoch time.Time, maxSpan time.Duration) *Orchestrator {
	return &Orchestrator{
		checkpoint: cp,
		feed:       feed,
		resolver:   resolver,
		store:      store,
		mapFinding: mapFn,
		epoch:      epoch,
		maxSpan:    maxSpan,
		now:        time.Now,
	}
}

// Stats returns a snapshot of the current run counters.
func (o *Orchestrator) Stats() types.RunStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

func (o *Orchestrator) bump(update func(*types.RunStats)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	update(&o.stats)
}

// Run executes one full sync: the primary windowed fetch phase followed by
// the backfill pass over unenriched records. The checkpoint advances only
// after each window is fully persisted; on any error it stays at the last
// committed window, so re-running repeats work instead of losing it.
// At most one run executes at a time; a Run while another is in flight
// returns ErrRunInProgress.
func (o *Orchestrator) Run(ctx context.Context) (types.RunStats, error) {
	if !o.running.CompareAndSwap(false, true) {
		return o.Stats(), ErrRunInProgress
	}
	defer o.running.Store(false)

	o.mu.Lock()
	o.stats = types.RunStats{StartedAt: o.now().UTC()}
	o.mu.Unlock()

	start, ok, err := o.checkpoint.Read(ctx)
	if err != nil {
		return o.Stats(), fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if !ok {
		start = o.epoch
		log.Info().
			Time("epoch", start).
			Msg("no checkpoint found, starting from epoch")
	}

	end := o.now().UTC()
	windows := nvd.Windows(start, end, o.maxSpan)

	log.Info().
		Time("start", start).
		Time("end", end).
		Int("windows", len(windows)).
		Msg("starting primary sync")

	for _, w := range windows {
		if err := o.syncWindow(ctx, w); err != nil {
			return o.Stats(), fmt.Errorf("window %s failed: %w", w, err)
		}

		if err := o.checkpoint.Advance(ctx, w.End); err != nil {
			return o.Stats(), fmt.Errorf("window %s processed but checkpoint not advanced: %w", w, err)
		}

		o.bump(func(s *types.RunStats) { s.WindowsCompleted++ })
	}

	if err := o.backfill(ctx); err != nil {
		return o.Stats(), fmt.Errorf("backfill pass failed: %w", err)
	}

	stats := o.Stats()
	log.Info().
		Int("processed", stats.Processed).
		Int("matched", stats.Matched).
		Int("skipped", stats.Skipped).
		Int("enriched", stats.Enriched).
		Int("windows", stats.WindowsCompleted).
		Int("backfill_resolved", stats.BackfillResolved).
		Msg("sync run completed")

	return stats, nil
}

// syncWindow fetches one window and persists every trackable finding.
// Enrichment is attempted inline; a resolve failure leaves the record
// unresolved for backfill and does not fail the window.
func (o *Orchestrator) syncWindow(ctx context.Context, w nvd.Window) error {
	findings, err := o.feed.Fetch(ctx, w)
	if err != nil {
		return err
	}

	for _, finding := range findings {
		o.bump(func(s *types.RunStats) { s.Processed++ })

		identity, ok := o.mapFinding(finding)
		if !ok {
			o.bump(func(s *types.RunStats) { s.Skipped++ })
			continue
		}

		if err := o.store.UpsertFinding(ctx, identity.Package, identity.Version); err != nil {
			return err
		}
		o.bump(func(s *types.RunStats) { s.Matched++ })

		log.Debug().
			Str("package", identity.Package).
			Str("version", identity.Version).
			Msg("java package recorded")

		ranges, err := o.resolver.Resolve(ctx, identity.Package, identity.Version)
		if err != nil {
			// Unresolved this run; the backfill pass retries it.
			log.Warn().
				Err(err).
				Str("package", identity.Package).
				Str("version", identity.Version).
				Msg("range lookup failed, leaving record unenriched")
			continue
		}
		if ranges.Empty() {
			continue
		}

		if err := o.store.ApplyEnrichment(ctx, identity.Package, ranges); err != nil {
			return err
		}
		o.bump(func(s *types.RunStats) { s.Enriched++ })
	}

	return nil
}

// backfill retries enrichment for every record still lacking range data.
// It never touches the checkpoint and the expected outcome for most
// identities is still no match; only storage errors fail the pass.
func (o *Orchestrator) backfill(ctx context.Context) error {
	records, err := o.store.ListUnenriched(ctx)
	if err != nil {
		return err
	}

	log.Info().
		Int("unenriched", len(records)).
		Msg("starting backfill pass")

	for _, record := range records {
		o.bump(func(s *types.RunStats) { s.BackfillChecked++ })

		for _, version := range record.Versions {
			ranges, err := o.resolver.Resolve(ctx, record.PackageName, version)
			if err != nil {
				log.Warn().
					Err(err).
					Str("package", record.PackageName).
					Str("version", version).
					Msg("backfill lookup failed")
				continue
			}
			if ranges.Empty() {
				continue
			}

			if err := o.store.ApplyEnrichment(ctx, record.PackageName, ranges); err != nil {
				return err
			}
			o.bump(func(s *types.RunStats) { s.BackfillResolved++ })
			break
		}
	}

	return nil
}
