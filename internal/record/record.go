// Package record defines the audit trail of a dispatch run: one Run per
// dispatcher invocation and one JobRecord per job that reached a terminal
// status. Records are append-only.
package record

import (
	"context"
	"errors"
	"time"

	"github.com/specialistvlad/gpugrid/internal/grid"
)

// Status is the terminal status of a job.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrRunNotFound is returned when a run ID is unknown to a Recorder.
var ErrRunNotFound = errors.New("record: run not found")

// Run describes one dispatcher invocation.
type Run struct {
	ID         string
	ConfigPath string
	StartedAt  time.Time
	// JobCount is the size of the expansion at the time the run started.
	JobCount int
	// ResumedFrom is the ID of the run this one resumes, if any.
	ResumedFrom string
}

// JobRecord is the outcome of one job in one run.
type JobRecord struct {
	RunID    string
	JobID    string
	JobIndex int
	Params   []grid.Param
	Devices  []string
	Status   Status
	// Retries is the number of attempts after the first one.
	Retries  int
	ExitCode int
	// Error describes the last failure, empty on success.
	Error   string
	LogPath string
	// ResultsPath is where the job was told to write its results, if any.
	ResultsPath string
	StartedAt   time.Time
	EndedAt     time.Time
}

// Duration is the wall-clock time of the job's last attempt.
func (r *JobRecord) Duration() time.Duration {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Recorder persists runs and terminal job records. Implementations must be
// safe for concurrent use; Append calls are serialized and a reader never
// observes a partially written record.
type Recorder interface {
	// BeginRun registers a new run.
	BeginRun(ctx context.Context, run Run) error
	// Append adds the terminal record of one job.
	Append(ctx context.Context, rec *JobRecord) error
	// Runs lists all known runs, oldest first.
	Runs(ctx context.Context) ([]Run, error)
	// Run returns a single run or ErrRunNotFound.
	Run(ctx context.Context, runID string) (Run, error)
	// Records returns the run's job records in append order.
	Records(ctx context.Context, runID string) ([]JobRecord, error)
	Close() error
}

// Succeeded indexes the succeeded records by job ID.
func Succeeded(records []JobRecord) map[string]JobRecord {
	done := make(map[string]JobRecord)
	for _, r := range records {
		if r.Status == StatusSucceeded {
			done[r.JobID] = r
		}
	}
	return done
}
