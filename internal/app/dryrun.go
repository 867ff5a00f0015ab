package app

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/specialistvlad/gpugrid/internal/grid"
	"github.com/specialistvlad/gpugrid/internal/pool"
	"github.com/specialistvlad/gpugrid/internal/record"
	"github.com/specialistvlad/gpugrid/internal/runner"
)

// dryRunner prints the command line each job would run on its leased
// devices and reports success without starting anything.
type dryRunner struct {
	runner *runner.Runner

	mu   sync.Mutex
	outW io.Writer
}

func (d *dryRunner) Run(ctx context.Context, job grid.JobSpec, lease *pool.Lease, attempt int) (*record.JobRecord, error) {
	now := time.Now()
	rec := &record.JobRecord{
		JobID:       job.ID,
		JobIndex:    job.Index,
		Params:      job.Params,
		LogPath:     d.runner.LogPath(job.ID),
		ResultsPath: d.runner.ResultsPath(job.ID),
		Status:      record.StatusSucceeded,
		StartedAt:   now,
		EndedAt:     now,
	}
	for _, t := range lease.Tokens() {
		rec.Devices = append(rec.Devices, string(t))
	}

	inv, err := d.runner.Invocation(job, lease.String())

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		fmt.Fprintf(d.outW, "[%d] %s: invalid: %v\n", job.Index, job.ID, err)
		rec.Status = record.StatusFailed
		rec.Error = err.Error()
		return rec, err
	}
	fmt.Fprintf(d.outW, "[%d] %s: %s\n", job.Index, job.ID, inv)
	return rec, nil
}
