// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	stationerrors "github.com/Soochol/station-service/pkg/errors"
)

// PeriodBucket names the date-format bucket used to group executions by
// period in StatsByPeriod.
type PeriodBucket string

const (
	BucketDaily   PeriodBucket = "daily"
	BucketWeekly  PeriodBucket = "weekly"
	BucketMonthly PeriodBucket = "monthly"
)

// strftimeFormat maps a PeriodBucket to the SQLite strftime format string
// used to label the bucket.
func (b PeriodBucket) strftimeFormat() (string, error) {
	switch b {
	case BucketDaily:
		return "%Y-%m-%d", nil
	case BucketWeekly:
		return "%Y-W%W", nil
	case BucketMonthly:
		return "%Y-%m", nil
	default:
		return "", fmt.Errorf("unknown period bucket %q", b)
	}
}

// BatchStats summarizes execution outcomes for one batch.
type BatchStats struct {
	BatchID       string
	TotalRuns     int
	PassedRuns    int
	FailedRuns    int
	AverageDuration time.Duration
}

// PeriodStats summarizes execution outcomes within one date-bucket label.
type PeriodStats struct {
	Label      string
	TotalRuns  int
	PassedRuns int
}

// StepStats summarizes outcomes for one named step across executions.
type StepStats struct {
	Name       string
	TotalRuns  int
	PassedRuns int
}

// StatsByBatch aggregates completed/failed/stopped executions by batch.
func (s *Store) StatsByBatch(ctx context.Context, batchID string) (*BatchStats, error) {
	stats := &BatchStats{BatchID: batchID}
	var avgMs float64

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			SUM(CASE WHEN overall_pass = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN overall_pass = 0 THEN 1 ELSE 0 END),
			COALESCE(AVG(duration_ms), 0)
		FROM execution_results
		WHERE batch_id = ? AND status != ?`, batchID, string(ExecutionRunning),
	).Scan(&stats.TotalRuns, &stats.PassedRuns, &stats.FailedRuns, &avgMs)
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "stats_by_batch", Cause: err}
	}

	stats.AverageDuration = time.Duration(avgMs) * time.Millisecond
	return stats, nil
}

// StatsByPeriod aggregates executions for batchID into date buckets
// (daily/weekly/monthly) between from and to, labeled by SQLite strftime.
func (s *Store) StatsByPeriod(ctx context.Context, bucket PeriodBucket, batchID string, from, to time.Time) ([]PeriodStats, error) {
	format, err := bucket.strftimeFormat()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT strftime('%s', started_at) AS label,
			COUNT(*),
			SUM(CASE WHEN overall_pass = 1 THEN 1 ELSE 0 END)
		FROM execution_results
		WHERE batch_id = ? AND started_at >= ? AND started_at < ?
		GROUP BY label ORDER BY label ASC`, format)

	rows, err := s.db.QueryContext(ctx, query, batchID, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "stats_by_period", Cause: err}
	}
	defer rows.Close()

	var out []PeriodStats
	for rows.Next() {
		var p PeriodStats
		if err := rows.Scan(&p.Label, &p.TotalRuns, &p.PassedRuns); err != nil {
			return nil, &stationerrors.PersistenceError{Op: "scan_period_stats", Cause: err}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// StatsByStep aggregates step outcomes by step name across all executions of a batch.
func (s *Store) StatsByStep(ctx context.Context, batchID string) ([]StepStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sr.name, COUNT(*), SUM(CASE WHEN sr.pass_result = 1 THEN 1 ELSE 0 END)
		FROM step_results sr
		JOIN execution_results er ON er.id = sr.execution_id
		WHERE er.batch_id = ?
		GROUP BY sr.name ORDER BY sr.name ASC`, batchID)
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "stats_by_step", Cause: err}
	}
	defer rows.Close()

	var out []StepStats
	for rows.Next() {
		var st StepStats
		if err := rows.Scan(&st.Name, &st.TotalRuns, &st.PassedRuns); err != nil {
			return nil, &stationerrors.PersistenceError{Op: "scan_step_stats", Cause: err}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetStepDurations returns every recorded duration for a named step across a
// batch's execution history, for in-process percentile computation.
func (s *Store) GetStepDurations(ctx context.Context, batchID, stepName string) ([]time.Duration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sr.duration_ms FROM step_results sr
		JOIN execution_results er ON er.id = sr.execution_id
		WHERE er.batch_id = ? AND sr.name = ? AND sr.duration_ms IS NOT NULL`, batchID, stepName)
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "get_step_durations", Cause: err}
	}
	defer rows.Close()

	var out []time.Duration
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, &stationerrors.PersistenceError{Op: "scan_step_duration", Cause: err}
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out, rows.Err()
}

// Percentile computes the nearest-rank percentile (0-100) over durations.
// Durations need not be pre-sorted; Percentile sorts its own copy.
func Percentile(durations []time.Duration, p float64) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(math.Ceil((p/100)*float64(len(sorted)))) - 1
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}
