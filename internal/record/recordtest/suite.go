// Package recordtest holds the behavioral tests shared by every
// record.Recorder implementation.
package recordtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/specialistvlad/gpugrid/internal/grid"
	"github.com/specialistvlad/gpugrid/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

// Run exercises a Recorder built by newRecorder. Each subtest gets a fresh
// recorder.
func Run(t *testing.T, newRecorder func(t *testing.T) record.Recorder) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newRecorder(t)) })
	t.Run("UnknownRun", func(t *testing.T) { testUnknownRun(t, newRecorder(t)) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppends(t, newRecorder(t)) })
	t.Run("RunsInOrder", func(t *testing.T) { testRunsInOrder(t, newRecorder(t)) })
}

// Sample builds a fully populated record for tests.
func Sample(runID string, index int, status record.Status) *record.JobRecord {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(index) * time.Minute)
	return &record.JobRecord{
		RunID:    runID,
		JobID:    fmt.Sprintf("job%09d", index),
		JobIndex: index,
		Params: []grid.Param{
			{Name: "lr", Value: cty.MustParseNumberVal("0.01")},
			{Name: "seed", Value: cty.NumberIntVal(int64(index))},
			{Name: "encoder", Value: cty.StringVal("esm2")},
			{Name: "train", Value: cty.True},
			{Name: "resume", Value: cty.NullVal(cty.String)},
		},
		Devices:     []string{"0", "1"},
		Status:      status,
		Retries:     index % 3,
		ExitCode:    0,
		LogPath:     fmt.Sprintf("/logs/job%09d.log", index),
		ResultsPath: fmt.Sprintf("/logs/job%09d.results", index),
		StartedAt:   start,
		EndedAt:     start.Add(90 * time.Second),
	}
}

func testRoundTrip(t *testing.T, rec record.Recorder) {
	ctx := context.Background()
	run := record.Run{
		ID:          "run-a",
		ConfigPath:  "/cfg/sweep.hcl",
		StartedAt:   time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC),
		JobCount:    2,
		ResumedFrom: "run-0",
	}
	require.NoError(t, rec.BeginRun(ctx, run))

	ok := Sample("run-a", 0, record.StatusSucceeded)
	failed := Sample("run-a", 1, record.StatusFailed)
	failed.ExitCode = 1
	failed.Error = "process exited with code 1"
	require.NoError(t, rec.Append(ctx, ok))
	require.NoError(t, rec.Append(ctx, failed))

	got, err := rec.Run(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, run.ConfigPath, got.ConfigPath)
	assert.True(t, run.StartedAt.Equal(got.StartedAt))
	assert.Equal(t, run.JobCount, got.JobCount)
	assert.Equal(t, run.ResumedFrom, got.ResumedFrom)

	records, err := rec.Records(ctx, "run-a")
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, ok.JobID, first.JobID)
	assert.Equal(t, ok.Status, first.Status)
	assert.Equal(t, ok.Devices, first.Devices)
	assert.Equal(t, ok.LogPath, first.LogPath)
	assert.Equal(t, ok.ResultsPath, first.ResultsPath)
	assert.True(t, ok.StartedAt.Equal(first.StartedAt))
	assert.Equal(t, 90*time.Second, first.Duration())
	require.Len(t, first.Params, len(ok.Params))
	for i, p := range ok.Params {
		assert.Equal(t, p.Name, first.Params[i].Name)
		assert.True(t, p.Value.RawEquals(first.Params[i].Value) || p.Value.Equals(first.Params[i].Value).True(),
			"param %s: want %#v, got %#v", p.Name, p.Value, first.Params[i].Value)
	}

	second := records[1]
	assert.Equal(t, record.StatusFailed, second.Status)
	assert.Equal(t, 1, second.ExitCode)
	assert.Equal(t, failed.Error, second.Error)
	assert.Equal(t, failed.Retries, second.Retries)

	done := record.Succeeded(records)
	require.Len(t, done, 1)
	assert.Equal(t, ok.JobID, done[ok.JobID].JobID)
	require.NoError(t, rec.Close())
}

func testUnknownRun(t *testing.T, rec record.Recorder) {
	ctx := context.Background()
	defer rec.Close()

	_, err := rec.Run(ctx, "missing")
	assert.ErrorIs(t, err, record.ErrRunNotFound)

	_, err = rec.Records(ctx, "missing")
	assert.ErrorIs(t, err, record.ErrRunNotFound)

	err = rec.Append(ctx, Sample("missing", 0, record.StatusSucceeded))
	assert.ErrorIs(t, err, record.ErrRunNotFound)
}

func testConcurrentAppends(t *testing.T, rec record.Recorder) {
	ctx := context.Background()
	defer rec.Close()
	require.NoError(t, rec.BeginRun(ctx, record.Run{ID: "run-c", StartedAt: time.Now()}))

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, rec.Append(ctx, Sample("run-c", i, record.StatusSucceeded)))
		}(i)
	}
	wg.Wait()

	records, err := rec.Records(ctx, "run-c")
	require.NoError(t, err)
	require.Len(t, records, n)
	seen := make(map[int]bool)
	for _, r := range records {
		assert.False(t, seen[r.JobIndex], "duplicate record for job %d", r.JobIndex)
		seen[r.JobIndex] = true
	}
}

func testRunsInOrder(t *testing.T, rec record.Recorder) {
	ctx := context.Background()
	defer rec.Close()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"first", "second", "third"} {
		require.NoError(t, rec.BeginRun(ctx, record.Run{ID: id, StartedAt: base.Add(time.Duration(i) * time.Hour)}))
	}
	require.Error(t, rec.BeginRun(ctx, record.Run{ID: "second", StartedAt: base}), "run ids are unique")

	runs, err := rec.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "first", runs[0].ID)
	assert.Equal(t, "third", runs[2].ID)
}
