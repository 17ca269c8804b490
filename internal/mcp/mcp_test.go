package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gateway-fm/ledgerbench/internal/storage"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{123456, "123,456"},
		{1234567, "1,234,567"},
		{-4500, "-4,500"},
	}
	for _, tt := range tests {
		if got := formatNumber(tt.in); got != tt.want {
			t.Errorf("formatNumber(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatStatus(t *testing.T) {
	idle, _ := json.Marshal(types.RunMetrics{Status: types.StatusIdle})
	if got := formatStatus(idle); !strings.Contains(got, "No run has been started") {
		t.Errorf("idle status:\n%s", got)
	}

	running, _ := json.Marshal(types.RunMetrics{
		RunID:      "run-7",
		Status:     types.StatusRunning,
		Mode:       types.ModeFull.String(),
		Processes:  2,
		Threads:    8,
		ElapsedMs:  1500,
		DurationMs: 60000,
		Workers: []types.ProcessStatus{
			{Index: 0, PID: 41, State: types.ProcessRunning},
			{Index: 1, PID: 42, State: types.ProcessFailed, ExitCode: 1, Error: "exit status 1"},
		},
	})
	got := formatStatus(running)
	for _, want := range []string{"run-7", "full", "1.5s / 60.0s", "pid=42 exit=1 - exit status 1"} {
		if !strings.Contains(got, want) {
			t.Errorf("status missing %q:\n%s", want, got)
		}
	}
}

func TestFormatRunDetail(t *testing.T) {
	label := "baseline"
	raw, _ := json.Marshal(storage.RunDetail{
		Run: &storage.Run{ID: "run-1", Status: "completed", Label: &label, TxCount: 12000, StartedAt: time.Now()},
		Summary: &types.RunSummary{
			RunID:   "run-1",
			Records: 12000,
			Workers: 16,
			TPS:     200,
			Latency: &types.LatencyStats{Count: 12000, P50: 80, P99: 420},
		},
	})
	got := formatRunDetail(raw)
	for _, want := range []string{"Run: run-1", "baseline", "12,000", "200.00", "80.0ms", "420.0ms"} {
		if !strings.Contains(got, want) {
			t.Errorf("detail missing %q:\n%s", want, got)
		}
	}

	if got := formatRunDetail(json.RawMessage(`{}`)); got != "Run not found" {
		t.Errorf("empty detail = %q", got)
	}
}

func TestFormatHistoryEmpty(t *testing.T) {
	raw, _ := json.Marshal(storage.PaginatedRuns{Runs: []storage.Run{}})
	if got := formatHistory(raw); !strings.Contains(got, "No runs found") {
		t.Errorf("history:\n%s", got)
	}
}

func TestClient(t *testing.T) {
	var gotMethod, gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		if r.URL.Path == "/v1/start" {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"a run is already active"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	ctx := context.Background()

	raw, err := c.Patch(ctx, "/v1/history/run-1", map[string]any{"label": "x"})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if string(raw) != `{"ok":true}` || gotMethod != http.MethodPatch || gotType != "application/json" || gotBody != `{"label":"x"}` {
		t.Errorf("Patch sent %s %q (%s), got %s", gotMethod, gotBody, gotType, raw)
	}

	if _, err := c.Delete(ctx, "/v1/history/run-1"); err != nil || gotMethod != http.MethodDelete {
		t.Errorf("Delete: %v (%s)", err, gotMethod)
	}

	_, err = c.Post(ctx, "/v1/start", types.StartRunRequest{Mode: types.ModeFull})
	if err == nil || err.Error() != "HTTP 409: a run is already active" {
		t.Errorf("Post error = %v", err)
	}
}
