package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidStatus is returned for malformed worker status strings
	ErrInvalidStatus = errors.New("invalid worker status")
)

// WorkerStatus is the heartbeat record a worker publishes about itself
type WorkerStatus struct {
	Timestamp   time.Time
	UsedCores   float64
	TotalCores  float64
	UsedDRAMGB  float64
	TotalDRAMGB float64
}

// String formats the status as ts:used_cores:total_cores:used_dram_gb:total_dram_gb
func (s WorkerStatus) String() string {
	return fmt.Sprintf("%d:%.2f:%.2f:%.2f:%.2f",
		s.Timestamp.Unix(), s.UsedCores, s.TotalCores, s.UsedDRAMGB, s.TotalDRAMGB)
}

// Stale reports whether the last report is older than threshold
func (s WorkerStatus) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(s.Timestamp) > threshold
}

// ParseWorkerStatus parses a status string written by WorkerStatus.String
func ParseWorkerStatus(v string) (WorkerStatus, error) {
	parts := strings.Split(v, TaskSeparator)
	if len(parts) != 5 {
		return WorkerStatus{}, fmt.Errorf("%w: expected 5 fields, got %d: %q", ErrInvalidStatus, len(parts), v)
	}

	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return WorkerStatus{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidStatus, err)
	}

	var fields [4]float64
	for i := range fields {
		f, err := strconv.ParseFloat(parts[i+1], 64)
		if err != nil {
			return WorkerStatus{}, fmt.Errorf("%w: field %d: %v", ErrInvalidStatus, i+1, err)
		}
		fields[i] = f
	}

	return WorkerStatus{
		Timestamp:   time.Unix(ts, 0),
		UsedCores:   fields[0],
		TotalCores:  fields[1],
		UsedDRAMGB:  fields[2],
		TotalDRAMGB: fields[3],
	}, nil
}

const failedSeparator = ","

// FailedWorkers returns the distinct worker names in a failed record, in order
func FailedWorkers(record string) []string {
	var workers []string
	seen := make(map[string]bool)
	for _, w := range strings.Split(record, failedSeparator) {
		w = strings.TrimSpace(w)
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		workers = append(workers, w)
	}
	return workers
}

// HasFailedOn reports whether worker is named in the failed record
func HasFailedOn(record, worker string) bool {
	for _, w := range FailedWorkers(record) {
		if w == worker {
			return true
		}
	}
	return false
}

// AppendFailedWorker appends worker to a failed record ("w1,w2,")
func AppendFailedWorker(record, worker string) string {
	if record != "" && !strings.HasSuffix(record, failedSeparator) {
		record += failedSeparator
	}
	return record + worker + failedSeparator
}

// FinishedSummary formats the value stored for a finished task
func FinishedSummary(worker, output string) string {
	return worker + ": " + output
}

// FinishedWorker extracts the worker name from a finished summary
func FinishedWorker(summary string) string {
	worker, _, found := strings.Cut(summary, ": ")
	if !found {
		worker, _, _ = strings.Cut(summary, TaskSeparator)
	}
	return worker
}
