package store

import (
	"context"
	"os"
	"testing"

	"github.com/vulnwatch/jvulnsync/internal/config"
	"github.com/vulnwatch/jvulnsync/internal/database"
	"github.com/vulnwatch/jvulnsync/internal/types"
)

// setupTestStore connects to the database named by TEST_DATABASE_DSN and
// returns a store over a clean schema. Skipped when no test database is
// available.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set, skipping database tests")
	}

	db, err := database.New(config.DatabaseConfig{
		DSN:         dsn,
		MaxConns:    4,
		MinConns:    1,
		MaxLifetime: 5,
		MaxIdleTime: 5,
	})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(db.Close)

	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("failed to ensure schema: %v", err)
	}
	if _, err := db.Pool().Exec(ctx, `TRUNCATE vulnerabilities, metadata`); err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}

	return New(db)
}

func mavenRanges() types.RangeData {
	return types.RangeData{
		"Maven": []types.Range{
			{Type: "ECOSYSTEM", Events: []types.Event{{Introduced: "0"}, {Fixed: "1.3.0"}}},
		},
	}
}

func TestUpsertFindingIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.UpsertFinding(ctx, "tomcat", "9.0.1"); err != nil {
			t.Fatalf("upsert %d failed: %v", i, err)
		}
	}

	rec, err := store.Get(ctx, "tomcat")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec == nil {
		t.Fatal("record not created")
	}
	if len(rec.VulnerableVersions) != 1 || rec.VulnerableVersions[0] != "9.0.1" {
		t.Errorf("repeated upsert must not duplicate the version, got %v", rec.VulnerableVersions)
	}
	if rec.OSVRanges != nil {
		t.Errorf("new record must start unresolved, got %v", rec.OSVRanges)
	}
}

func TestUpsertFindingUnionsVersions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"1.0", "2.0", "1.0"} {
		if err := store.UpsertFinding(ctx, "jetty", v); err != nil {
			t.Fatalf("upsert %s failed: %v", v, err)
		}
	}

	rec, err := store.Get(ctx, "jetty")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(rec.VulnerableVersions) != 2 {
		t.Fatalf("expected exactly 2 versions, got %v", rec.VulnerableVersions)
	}
	if rec.VulnerableVersions[0] != "1.0" || rec.VulnerableVersions[1] != "2.0" {
		t.Errorf("versions: got %v", rec.VulnerableVersions)
	}
}

func TestApplyEnrichmentIsOneWay(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.UpsertFinding(ctx, "spring_framework", "5.3.18"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := store.ApplyEnrichment(ctx, "spring_framework", mavenRanges()); err != nil {
		t.Fatalf("enrichment failed: %v", err)
	}

	// A later resolution must not replace the stored ranges.
	other := types.RangeData{
		"Maven": []types.Range{{Type: "SEMVER", Events: []types.Event{{Introduced: "9.9.9"}}}},
	}
	if err := store.ApplyEnrichment(ctx, "spring_framework", other); err != nil {
		t.Fatalf("second enrichment failed: %v", err)
	}

	rec, err := store.Get(ctx, "spring_framework")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.OSVRanges == nil {
		t.Fatal("record not enriched")
	}
	if len(rec.OSVRanges["Maven"]) != 1 || rec.OSVRanges["Maven"][0].Type != "ECOSYSTEM" {
		t.Errorf("stored ranges were overwritten: %v", rec.OSVRanges)
	}

	count, err := store.CountUnenriched(ctx)
	if err != nil {
		t.Fatalf("CountUnenriched failed: %v", err)
	}
	if count != 0 {
		t.Errorf("enriched record still counted as unenriched: %d", count)
	}
}

func TestApplyEnrichmentEmptyKeepsRecordEligible(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.UpsertFinding(ctx, "gradle", "7.4"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := store.ApplyEnrichment(ctx, "gradle", types.RangeData{}); err != nil {
		t.Fatalf("empty enrichment failed: %v", err)
	}

	rec, err := store.Get(ctx, "gradle")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.OSVRanges != nil {
		t.Errorf("empty range data must never be written, got %v", rec.OSVRanges)
	}

	unenriched, err := store.ListUnenriched(ctx)
	if err != nil {
		t.Fatalf("ListUnenriched failed: %v", err)
	}
	if len(unenriched) != 1 || unenriched[0].PackageName != "gradle" {
		t.Errorf("record must stay in the backfill set, got %v", unenriched)
	}
	if len(unenriched[0].Versions) != 1 || unenriched[0].Versions[0] != "7.4" {
		t.Errorf("versions: got %v", unenriched[0].Versions)
	}
}

func TestGetAbsentReturnsNil(t *testing.T) {
	store := setupTestStore(t)

	rec, err := store.Get(context.Background(), "no-such-package")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil for absent package, got %+v", rec)
	}
}
