package stats

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gateway-fm/ledgerbench/internal/keyspace"
	"github.com/gateway-fm/ledgerbench/internal/storage"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// CSVSink writes one "<meterBase>.csv" file per worker with rows
// "start,end" in floating-point Unix seconds and no header.
type CSVSink struct {
	dir string

	// mu serializes file writes only; rows are formatted before it is taken.
	mu sync.Mutex
}

// NewCSVSink creates a sink writing into dir, creating it if needed.
func NewCSVSink(dir string) (*CSVSink, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create stats directory: %w", err)
	}
	return &CSVSink{dir: dir}, nil
}

// Path returns the file the worker's records are written to.
func (s *CSVSink) Path(w WorkerID) string {
	return filepath.Join(s.dir, w.String()+".csv")
}

// Record implements Sink. An existing file for the same worker is replaced.
func (s *CSVSink) Record(ctx context.Context, w WorkerID, records []types.TxRecord) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	for _, r := range records {
		if err := cw.Write([]string{unixSeconds(r.Start), unixSeconds(r.End)}); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("format records for %s: %w", w, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.Path(w), buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write stats file: %w", err)
	}
	return nil
}

// ReadCSV parses a statistics file written by CSVSink.
func ReadCSV(path string) ([]types.TxRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 2
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	out := make([]types.TxRecord, 0, len(rows))
	for i, row := range rows {
		start, err := parseUnixSeconds(row[0])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}
		end, err := parseUnixSeconds(row[1])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}
		out = append(out, types.TxRecord{Start: start, End: end})
	}
	return out, nil
}

// ReadDir loads every "<meterBase>.csv" file in dir. The process and worker
// of each file are recovered from its meter base with alloc. Files whose
// name is not a meter base are ignored.
func ReadDir(dir string, alloc keyspace.Allocator) ([]storage.TxRecordRow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read stats directory: %w", err)
	}

	var bases []int
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".csv")
		if !ok || e.IsDir() {
			continue
		}
		base, err := strconv.Atoi(name)
		if err != nil || base < 0 {
			continue
		}
		bases = append(bases, base)
	}
	sort.Ints(bases)

	var rows []storage.TxRecordRow
	for _, base := range bases {
		records, err := ReadCSV(filepath.Join(dir, strconv.Itoa(base)+".csv"))
		if err != nil {
			return nil, err
		}
		key := storage.WorkerKey{
			Process:   base / alloc.ProcessBlock,
			Worker:    base % alloc.ProcessBlock / alloc.WorkerBlock,
			MeterBase: base,
		}
		for i, r := range records {
			rows = append(rows, storage.TxRecordRow{WorkerKey: key, Seq: i, Start: r.Start, End: r.End})
		}
	}
	return rows, nil
}

func unixSeconds(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}

func parseUnixSeconds(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(int64(f*1e6 + 0.5)), nil
}
