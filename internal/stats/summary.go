package stats

import (
	"github.com/gateway-fm/ledgerbench/internal/metrics"
	"github.com/gateway-fm/ledgerbench/internal/storage"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// Summarize aggregates the stored records of a run. TPS is the record count
// over the span from the first start to the last end.
func Summarize(runID string, rows []storage.TxRecordRow) *types.RunSummary {
	sum := &types.RunSummary{RunID: runID, Records: len(rows)}
	if len(rows) == 0 {
		return sum
	}

	latency := metrics.NewReservoir(0)
	workers := make(map[storage.WorkerKey]struct{})
	sum.FirstStart = rows[0].Start
	sum.LastEnd = rows[0].End

	for _, row := range rows {
		latency.Add(row.End.Sub(row.Start))
		workers[row.WorkerKey] = struct{}{}
		if row.Start.Before(sum.FirstStart) {
			sum.FirstStart = row.Start
		}
		if row.End.After(sum.LastEnd) {
			sum.LastEnd = row.End
		}
	}

	sum.Workers = len(workers)
	sum.Latency = latency.Stats()
	if span := sum.LastEnd.Sub(sum.FirstStart).Seconds(); span > 0 {
		sum.TPS = float64(len(rows)) / span
	}
	return sum
}
