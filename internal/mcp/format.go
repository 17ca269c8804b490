package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gateway-fm/ledgerbench/internal/storage"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// formatNumber adds comma separators to integers.
func formatNumber(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}

	var result strings.Builder
	if neg {
		result.WriteByte('-')
	}
	start := len(s) % 3
	if start > 0 {
		result.WriteString(s[:start])
	}
	for i := start; i < len(s); i += 3 {
		if i > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// kv formats a key-value pair with aligned values (20 char key width).
func kv(key string, value any) string {
	return fmt.Sprintf("%-20s %v", key+":", value)
}

// section returns a markdown section header.
func section(title string) string {
	return "## " + title
}

// joinLines joins non-empty lines with newlines.
func joinLines(lines ...string) string {
	var result []string
	for _, l := range lines {
		if l != "" {
			result = append(result, l)
		}
	}
	return strings.Join(result, "\n")
}

// formatMs formats milliseconds with a "ms" suffix.
func formatMs(v float64) string {
	return fmt.Sprintf("%.1fms", v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatLatency(lat *types.LatencyStats) string {
	if lat == nil || lat.Count == 0 {
		return ""
	}
	return joinLines(
		section("Submission Latency"),
		kv("Samples", formatNumber(int64(lat.Count))),
		kv("Min", formatMs(lat.Min)),
		kv("P50", formatMs(lat.P50)),
		kv("P95", formatMs(lat.P95)),
		kv("P99", formatMs(lat.P99)),
		kv("Max", formatMs(lat.Max)),
	)
}

func formatStatus(raw json.RawMessage) string {
	var m types.RunMetrics
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	if m.RunID == "" {
		return joinLines(section("Ledgerbench Status"), kv("Status", m.Status), "No run has been started.")
	}

	lines := joinLines(
		section("Ledgerbench Status"),
		kv("Run", m.RunID),
		kv("Status", m.Status),
		kv("Mode", m.Mode),
		kv("Payload", m.PayloadKind),
		kv("Processes", m.Processes),
		kv("Threads/Process", m.Threads),
		kv("Elapsed", fmt.Sprintf("%.1fs / %.1fs", float64(m.ElapsedMs)/1000, float64(m.DurationMs)/1000)),
	)
	if m.Error != "" {
		lines += "\n" + kv("Error", m.Error)
	}

	if len(m.Workers) > 0 {
		lines += "\n\n" + section("Processes")
		for _, p := range m.Workers {
			line := fmt.Sprintf("  [%d] %-8s pid=%d exit=%d", p.Index, p.State, p.PID, p.ExitCode)
			if p.Error != "" {
				line += " - " + p.Error
			}
			lines += "\n" + line
		}
	}
	return lines
}

func formatHealth(raw json.RawMessage) string {
	var m struct {
		Ready  bool `json:"ready"`
		Checks []struct {
			Name      string `json:"name"`
			Status    string `json:"status"`
			LatencyMs int64  `json:"latency_ms"`
			Error     string `json:"error"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	state := "READY"
	if !m.Ready {
		state = "NOT READY"
	}

	lines := section("Ledgerbench Health: " + state)
	for _, check := range m.Checks {
		line := fmt.Sprintf("  %-15s %s (%dms)", check.Name, check.Status, check.LatencyMs)
		if check.Error != "" {
			line += " - " + check.Error
		}
		lines += "\n" + line
	}
	return lines
}

func formatRun(run *storage.Run) string {
	label := ""
	if run.Label != nil {
		label = *run.Label
	}
	favorite := ""
	if run.IsFavorite {
		favorite = "yes"
	}
	completed := "-"
	if run.CompletedAt != nil {
		completed = formatTime(*run.CompletedAt)
	}
	return joinLines(
		kv("Label", label),
		kv("Favorite", favorite),
		kv("Status", run.Status),
		kv("Mode", run.Mode),
		kv("Payload", run.PayloadKind),
		kv("Processes", run.Processes),
		kv("Threads/Process", run.Threads),
		kv("Duration", fmt.Sprintf("%.1fs", float64(run.DurationMs)/1000)),
		kv("Transactions", formatNumber(int64(run.TxCount))),
		kv("TPS", fmt.Sprintf("%.2f", run.TPS)),
		kv("Started", formatTime(run.StartedAt)),
		kv("Completed", completed),
	)
}

func formatHistory(raw json.RawMessage) string {
	var page storage.PaginatedRuns
	if err := json.Unmarshal(raw, &page); err != nil {
		return fmt.Sprintf("Error parsing history: %v", err)
	}

	lines := joinLines(
		section("Run History"),
		kv("Total Runs", formatNumber(int64(page.Total))),
		"",
	)
	if len(page.Runs) == 0 {
		return lines + "\nNo runs found."
	}

	for i := range page.Runs {
		lines += fmt.Sprintf("\n\n### %s\n", page.Runs[i].ID)
		lines += formatRun(&page.Runs[i])
	}
	return lines
}

func formatRunDetail(raw json.RawMessage) string {
	var detail storage.RunDetail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return fmt.Sprintf("Error parsing run detail: %v", err)
	}
	if detail.Run == nil {
		return "Run not found"
	}

	lines := joinLines(section("Run: "+detail.Run.ID), formatRun(detail.Run))
	if detail.Run.ErrorMessage != "" {
		lines += "\n" + kv("Error", detail.Run.ErrorMessage)
	}

	lat := detail.Run.LatencyStats
	if s := detail.Summary; s != nil {
		lines += "\n\n" + joinLines(
			section("Summary"),
			kv("Records", formatNumber(int64(s.Records))),
			kv("Workers", s.Workers),
			kv("First Start", formatTime(s.FirstStart)),
			kv("Last End", formatTime(s.LastEnd)),
			kv("TPS", fmt.Sprintf("%.2f", s.TPS)),
		)
		if s.Latency != nil {
			lat = s.Latency
		}
	}
	if l := formatLatency(lat); l != "" {
		lines += "\n\n" + l
	}
	return lines
}

func formatUpdatedRun(raw json.RawMessage) string {
	var run storage.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return fmt.Sprintf("Error parsing run: %v", err)
	}
	return joinLines(section("Run Updated: "+run.ID), formatRun(&run))
}
