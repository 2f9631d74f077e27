package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/ccrecon/pkg/engine"
)

// setupTestStore creates an in-memory SQLite journal for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func testReport(id string, started time.Time, results ...engine.Outcome) *engine.RunReport {
	report := &engine.RunReport{
		RunID:       id,
		Mode:        engine.ModeMerged,
		Results:     results,
		StartedAt:   started,
		CompletedAt: started.Add(3 * time.Second),
		Duration:    3 * time.Second,
	}
	report.Finalize()
	return report
}

func createdSite() engine.Outcome {
	return engine.Outcome{
		Kind:     "site",
		Name:     "HQ",
		Identity: "site/HQ",
		State:    engine.StatePresent,
		Action:   engine.ActionCreate,
		Changed:  true,
		Response: map[string]interface{}{"id": "S-1"},
		Changes:  []engine.FieldDiff{{Field: "name", Desired: "HQ"}},
		Attempts: 1,
		Duration: 1500 * time.Millisecond,
	}
}

func failedPool() engine.Outcome {
	return engine.Outcome{
		Kind:     "global-pool",
		Name:     "pool-a",
		Identity: "global-pool/pool-a",
		State:    engine.StatePresent,
		Action:   engine.ActionUpdate,
		Error:    engine.NewError(engine.KindTaskFailed, "controller rejected update", nil),
		Attempts: 2,
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "journal.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("Expected error for empty path")
	}

	store, _ := NewSQLiteStore(Config{Path: ":memory:"})
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Error("Expected health check to fail before Init")
	}
	if err := store.RecordRun(context.Background(), testReport("r", baseTime)); err == nil {
		t.Error("Expected RecordRun to fail before Init")
	}
}

func TestRecordRun_GetRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	report := testReport("run-1", baseTime, createdSite(), failedPool())
	if err := store.RecordRun(ctx, report); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if diff := cmp.Diff(report, got); diff != "" {
		t.Errorf("GetRun mismatch (-want +got):\n%s", diff)
	}

	_, err = store.GetRun(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRecordRun_Replaces(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.RecordRun(ctx, testReport("run-1", baseTime, createdSite(), failedPool())); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}
	if err := store.RecordRun(ctx, testReport("run-1", baseTime, createdSite())); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}

	outcomes, err := store.ListOutcomes(ctx, OutcomeFilter{RunID: "run-1"})
	if err != nil {
		t.Fatalf("ListOutcomes failed: %v", err)
	}
	if len(outcomes) != 1 {
		t.Errorf("Expected 1 outcome after replace, got %d", len(outcomes))
	}
}

func TestRecordRun_Invalid(t *testing.T) {
	store := setupTestStore(t)

	if err := store.RecordRun(context.Background(), nil); err == nil {
		t.Error("Expected error for nil report")
	}
	if err := store.RecordRun(context.Background(), &engine.RunReport{}); err == nil {
		t.Error("Expected error for report without id")
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	reports := []*engine.RunReport{
		testReport("run-1", baseTime, createdSite()),
		testReport("run-2", baseTime.Add(time.Hour), failedPool()),
		testReport("run-3", baseTime.Add(2*time.Hour), createdSite(), failedPool()),
	}
	for _, r := range reports {
		if err := store.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun failed: %v", err)
		}
	}

	tests := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{"all newest first", ListOptions{}, []string{"run-3", "run-2", "run-1"}},
		{"limit", ListOptions{Limit: 2}, []string{"run-3", "run-2"}},
		{"offset", ListOptions{Limit: 2, Offset: 2}, []string{"run-1"}},
		{"since", ListOptions{Since: baseTime.Add(30 * time.Minute)}, []string{"run-3", "run-2"}},
		{"status", ListOptions{Status: reports[0].Status}, []string{"run-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := store.ListRuns(ctx, tt.opts)
			if err != nil {
				t.Fatalf("ListRuns failed: %v", err)
			}
			var ids []string
			for _, r := range runs {
				ids = append(ids, r.ID)
			}
			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Errorf("ListRuns mismatch (-want +got):\n%s", diff)
			}
		})
	}

	runs, err := store.ListRuns(ctx, ListOptions{Limit: 1})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	run := runs[0]
	if run.Summary != reports[2].Summary {
		t.Errorf("Expected summary %+v, got %+v", reports[2].Summary, run.Summary)
	}
	if !run.StartedAt.Equal(reports[2].StartedAt) || run.Duration != 3*time.Second {
		t.Errorf("Unexpected timing %v %v", run.StartedAt, run.Duration)
	}
	if !run.Failed || !run.Changed || run.Mode != engine.ModeMerged {
		t.Errorf("Unexpected flags %+v", run)
	}
}

func TestListOutcomes(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.RecordRun(ctx, testReport("run-1", baseTime, createdSite(), failedPool())); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}
	if err := store.RecordRun(ctx, testReport("run-2", baseTime.Add(time.Hour), createdSite())); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}

	tests := []struct {
		name   string
		filter OutcomeFilter
		want   []string
	}{
		{"all", OutcomeFilter{}, []string{"run-2:site/HQ", "run-1:site/HQ", "run-1:global-pool/pool-a"}},
		{"run", OutcomeFilter{RunID: "run-1"}, []string{"run-1:site/HQ", "run-1:global-pool/pool-a"}},
		{"kind", OutcomeFilter{Kind: "global-pool"}, []string{"run-1:global-pool/pool-a"}},
		{"identity", OutcomeFilter{Identity: "site/HQ"}, []string{"run-2:site/HQ", "run-1:site/HQ"}},
		{"failed only", OutcomeFilter{FailedOnly: true}, []string{"run-1:global-pool/pool-a"}},
		{"limit", OutcomeFilter{Limit: 1}, []string{"run-2:site/HQ"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := store.ListOutcomes(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListOutcomes failed: %v", err)
			}
			var got []string
			for _, r := range records {
				got = append(got, r.RunID+":"+r.Identity)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ListOutcomes mismatch (-want +got):\n%s", diff)
			}
		})
	}

	records, err := store.ListOutcomes(ctx, OutcomeFilter{FailedOnly: true})
	if err != nil {
		t.Fatalf("ListOutcomes failed: %v", err)
	}
	rec := records[0]
	if !rec.Failed() || rec.ErrorKind != engine.KindTaskFailed || rec.ErrorMessage != "controller rejected update" {
		t.Errorf("Unexpected error columns %+v", rec)
	}
	if rec.Seq != 1 || rec.Attempts != 2 || rec.Action != engine.ActionUpdate {
		t.Errorf("Unexpected record %+v", rec)
	}
	if rec.Outcome.Error == nil || rec.Outcome.Error.Kind != engine.KindTaskFailed {
		t.Errorf("Expected full outcome to carry the error, got %+v", rec.Outcome.Error)
	}
}

func TestDeleteRun_Cascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.RecordRun(ctx, testReport("run-1", baseTime, createdSite(), failedPool())); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}
	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}

	outcomes, err := store.ListOutcomes(ctx, OutcomeFilter{})
	if err != nil {
		t.Fatalf("ListOutcomes failed: %v", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("Expected outcomes to be deleted with the run, got %d", len(outcomes))
	}

	if err := store.DeleteRun(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPrune(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"old-1", "old-2", "new"} {
		if err := store.RecordRun(ctx, testReport(id, baseTime.Add(time.Duration(i)*24*time.Hour))); err != nil {
			t.Fatalf("RecordRun failed: %v", err)
		}
	}

	n, err := store.Prune(ctx, baseTime.Add(36*time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 pruned runs, got %d", n)
	}

	runs, _ := store.ListRuns(ctx, ListOptions{})
	if len(runs) != 1 || runs[0].ID != "new" {
		t.Errorf("Expected only the new run to remain, got %v", runs)
	}
}

func TestRecordRun_FromOrchestrator(t *testing.T) {
	store := setupTestStore(t)

	var recorder engine.RunRecorder = store
	report := testReport("run-x", baseTime)
	if err := recorder.RecordRun(context.Background(), report); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}

	got, err := store.GetRun(context.Background(), "run-x")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != report.Status || len(got.Results) != 0 {
		t.Errorf("Unexpected report %+v", got)
	}
}
