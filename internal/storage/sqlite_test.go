package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gateway-fm/ledgerbench/pkg/types"
)

func TestNullString(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantValid bool
	}{
		{name: "empty returns invalid", input: "", wantValid: false},
		{name: "non-empty returns valid", input: "boom", wantValid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nullString(tt.input)
			if got.Valid != tt.wantValid {
				t.Errorf("nullString(%q).Valid = %v, want %v", tt.input, got.Valid, tt.wantValid)
			}
			if got.Valid && got.String != tt.input {
				t.Errorf("nullString(%q).String = %q", tt.input, got.String)
			}
		})
	}
}

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"runs", true},
		{"is_favorite", true},
		{"", false},
		{"runs; DROP TABLE runs", false},
		{"x'y", false},
	}
	for _, tt := range tests {
		if got := isValidIdentifier(tt.in); got != tt.want {
			t.Errorf("isValidIdentifier(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// createTestStorage creates a new SQLite storage with a temporary database.
func createTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	storage, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func testRun(id string) *Run {
	return &Run{
		ID:          id,
		StartedAt:   time.Now(),
		Mode:        types.ModeFull.String(),
		Processes:   2,
		Threads:     4,
		PayloadKind: types.PayloadPlaintext,
		DurationMs:  120000,
	}
}

func TestNewSQLiteStorage_InvalidPath(t *testing.T) {
	_, err := NewSQLiteStorage("/nonexistent/directory/that/should/not/exist/test.db")
	if err == nil {
		t.Error("expected error for invalid path")
	}
}

func TestCreateAndGetRun(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	run := testRun("run-123")
	if err := storage.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	got, err := storage.GetRun(ctx, "run-123")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}

	if got.Mode != run.Mode || got.Processes != 2 || got.Threads != 4 {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.PayloadKind != types.PayloadPlaintext {
		t.Errorf("PayloadKind = %q", got.PayloadKind)
	}
	if got.Status != string(types.StatusRunning) {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.CompletedAt != nil || got.LatencyStats != nil {
		t.Error("fresh run should have no completion data")
	}
}

func TestGetRun_NotFound(t *testing.T) {
	storage := createTestStorage(t)

	got, err := storage.GetRun(context.Background(), "nonexistent-id")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for nonexistent run, got %+v", got)
	}
}

func TestCompleteRun(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	if err := storage.CreateRun(ctx, testRun("run-done")); err != nil {
		t.Fatal(err)
	}

	err := storage.CompleteRun(ctx, "run-done", &Run{
		Status:       string(types.StatusError),
		ErrorMessage: "process 1 exited with status 1",
		LatencyStats: &types.LatencyStats{Count: 10, P50: 120, P99: 900},
		TxCount:      10,
		TPS:          0.5,
	})
	if err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}

	got, _ := storage.GetRun(ctx, "run-done")
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if got.Status != string(types.StatusError) || got.ErrorMessage == "" {
		t.Errorf("status/error = %q/%q", got.Status, got.ErrorMessage)
	}
	if got.LatencyStats == nil || got.LatencyStats.P99 != 900 {
		t.Errorf("LatencyStats = %+v", got.LatencyStats)
	}
	if got.TxCount != 10 || got.TPS != 0.5 {
		t.Errorf("TxCount/TPS = %d/%v", got.TxCount, got.TPS)
	}

	if err := storage.CompleteRun(ctx, "missing", &Run{Status: "completed"}); err == nil {
		t.Error("expected error completing a missing run")
	}
}

func TestListRuns(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		run := testRun(id)
		run.StartedAt = base.Add(time.Duration(i) * time.Minute)
		if err := storage.CreateRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	page, err := storage.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if page.Total != 3 || len(page.Runs) != 2 {
		t.Fatalf("Total=%d len=%d, want 3/2", page.Total, len(page.Runs))
	}
	if page.Runs[0].ID != "c" {
		t.Errorf("newest run first, got %q", page.Runs[0].ID)
	}

	// Favorites sort ahead of newer runs
	fav := true
	if err := storage.UpdateRunMetadata(ctx, "a", &RunMetadataUpdate{IsFavorite: &fav}); err != nil {
		t.Fatal(err)
	}
	page, _ = storage.ListRuns(ctx, 10, 0)
	if page.Runs[0].ID != "a" || !page.Runs[0].IsFavorite {
		t.Errorf("favorite run not first: %+v", page.Runs[0])
	}

	page, _ = storage.ListRuns(ctx, 10, 5)
	if len(page.Runs) != 0 || page.Runs == nil {
		t.Errorf("offset past end should give an empty, non-nil page")
	}
}

func TestUpdateRunMetadata(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()
	if err := storage.CreateRun(ctx, testRun("run-meta")); err != nil {
		t.Fatal(err)
	}

	label := "baseline 4x8"
	if err := storage.UpdateRunMetadata(ctx, "run-meta", &RunMetadataUpdate{Label: &label}); err != nil {
		t.Fatalf("UpdateRunMetadata failed: %v", err)
	}
	got, _ := storage.GetRun(ctx, "run-meta")
	if got.Label == nil || *got.Label != label {
		t.Errorf("Label = %v, want %q", got.Label, label)
	}

	if err := storage.UpdateRunMetadata(ctx, "missing", &RunMetadataUpdate{Label: &label}); err == nil {
		t.Error("expected error for missing run")
	}
	// No fields is a no-op
	if err := storage.UpdateRunMetadata(ctx, "missing", &RunMetadataUpdate{}); err != nil {
		t.Errorf("empty update: %v", err)
	}
}

func TestBulkInsertAndGetTxRecords(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()
	if err := storage.CreateRun(ctx, testRun("run-tx")); err != nil {
		t.Fatal(err)
	}

	t0 := time.UnixMicro(1_700_000_000_000_000)
	records := make([]types.TxRecord, 5)
	for i := range records {
		start := t0.Add(time.Duration(i) * time.Second)
		records[i] = types.TxRecord{Start: start, End: start.Add(250 * time.Millisecond)}
	}

	key := WorkerKey{Process: 1, Worker: 2, MeterBase: 10200}
	if err := storage.BulkInsertTxRecords(ctx, "run-tx", key, records); err != nil {
		t.Fatalf("BulkInsertTxRecords failed: %v", err)
	}
	if err := storage.BulkInsertTxRecords(ctx, "run-tx", key, nil); err != nil {
		t.Errorf("empty insert: %v", err)
	}

	got, err := storage.GetTxRecords(ctx, "run-tx")
	if err != nil {
		t.Fatalf("GetTxRecords failed: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("got %d rows, want %d", len(got), len(records))
	}
	for i, row := range got {
		if row.WorkerKey != key || row.Seq != i {
			t.Errorf("row %d: key=%+v seq=%d", i, row.WorkerKey, row.Seq)
		}
		if !row.Start.Equal(records[i].Start) || !row.End.Equal(records[i].End) {
			t.Errorf("row %d: times %v-%v, want %v-%v", i, row.Start, row.End, records[i].Start, records[i].End)
		}
		if row.Record().Latency() != 250*time.Millisecond {
			t.Errorf("row %d latency = %v", i, row.Record().Latency())
		}
	}

	n, err := storage.CountTxRecords(ctx, "run-tx")
	if err != nil || n != 5 {
		t.Errorf("CountTxRecords = %d, %v", n, err)
	}
}

func TestTxRecordsRequireRun(t *testing.T) {
	storage := createTestStorage(t)
	rec := []types.TxRecord{{Start: time.Now(), End: time.Now()}}
	if err := storage.BulkInsertTxRecords(context.Background(), "no-such-run", WorkerKey{}, rec); err == nil {
		t.Error("expected foreign key violation for unknown run")
	}
}

func TestCascadeDelete(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()
	if err := storage.CreateRun(ctx, testRun("run-del")); err != nil {
		t.Fatal(err)
	}
	rec := []types.TxRecord{{Start: time.Now(), End: time.Now()}}
	if err := storage.BulkInsertTxRecords(ctx, "run-del", WorkerKey{}, rec); err != nil {
		t.Fatal(err)
	}

	if err := storage.DeleteRun(ctx, "run-del"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	if got, _ := storage.GetRun(ctx, "run-del"); got != nil {
		t.Error("expected run to be deleted")
	}
	if n, _ := storage.CountTxRecords(ctx, "run-del"); n != 0 {
		t.Errorf("%d records survived run deletion", n)
	}
}

func TestConcurrentWritersShareFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	first, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	ctx := context.Background()
	if err := first.CreateRun(ctx, testRun("shared")); err != nil {
		t.Fatal(err)
	}

	// Separate handles stand in for separate worker processes.
	const writers = 4
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			s, err := NewSQLiteStorage(path)
			if err != nil {
				errs <- err
				return
			}
			defer s.Close()
			recs := make([]types.TxRecord, 50)
			for i := range recs {
				recs[i] = types.TxRecord{Start: time.Now(), End: time.Now()}
			}
			errs <- s.BulkInsertTxRecords(ctx, "shared", WorkerKey{Process: w, MeterBase: w * 10000}, recs)
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("writer failed: %v", err)
		}
	}

	if n, _ := first.CountTxRecords(ctx, "shared"); n != writers*50 {
		t.Errorf("CountTxRecords = %d, want %d", n, writers*50)
	}
}

func TestColumnExists(t *testing.T) {
	storage := createTestStorage(t)
	if !storage.columnExists("runs", "label") {
		t.Error("migrated column label missing")
	}
	if storage.columnExists("runs", "nope") {
		t.Error("unexpected column reported")
	}
}
