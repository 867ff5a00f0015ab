package scheduler

import (
	"cmp"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/specialistvlad/gpugrid/internal/config"
	"github.com/specialistvlad/gpugrid/internal/ctxlog"
	"github.com/specialistvlad/gpugrid/internal/grid"
	"github.com/specialistvlad/gpugrid/internal/metrics"
	"github.com/specialistvlad/gpugrid/internal/pool"
	"github.com/specialistvlad/gpugrid/internal/record"
)

// JobRunner executes one attempt of a job on leased devices. The returned
// record is never nil and carries the attempt's terminal status.
type JobRunner interface {
	Run(ctx context.Context, job grid.JobSpec, lease *pool.Lease, attempt int) (*record.JobRecord, error)
}

// Source yields the jobs of a run in expansion order. *grid.Iterator
// satisfies it.
type Source interface {
	Next() (grid.JobSpec, bool)
	Remaining() int
}

// Options configures a Scheduler.
type Options struct {
	Pool     *pool.Pool
	Runner   JobRunner
	Recorder record.Recorder
	// DevicesPerJob is the number of devices leased to each job. Defaults
	// to 1.
	DevicesPerJob int
	// MaxRetries is how many times a failed job is relaunched.
	MaxRetries int
	// Skip returns the earlier success of a job that must not run again,
	// typically from the run being resumed. The record is carried forward
	// into this run so that resuming it later still skips the job.
	Skip func(jobID string) (record.JobRecord, bool)
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Scheduler runs the jobs of a dispatch under a device pool.
type Scheduler struct {
	opts Options
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	if opts.DevicesPerJob <= 0 {
		opts.DevicesPerJob = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Scheduler{opts: opts}
}

// attemptResult is what a runner goroutine reports back to the admission
// loop.
type attemptResult struct {
	job     pendingJob
	rec     *record.JobRecord
	err     error
	devices int
}

// Run dispatches every job from jobs and blocks until all admitted jobs have
// reached a terminal status. It returns a fatal error only when the run
// could not proceed: an allocation that can never be satisfied, a broken
// recorder, or a cancelled context. The summary is returned in every case.
func (s *Scheduler) Run(ctx context.Context, runID string, jobs Source) (*Summary, error) {
	if s.opts.Pool == nil || s.opts.Runner == nil || s.opts.Recorder == nil {
		return nil, errors.New("scheduler: pool, runner and recorder are required")
	}
	ctx = ctxlog.With(ctx, "run_id", runID)
	logger := ctxlog.FromContext(ctx)
	// runCtx also stops in-flight jobs when the run fails on its own.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	started := time.Now()
	summary := &Summary{RunID: runID, Total: jobs.Remaining()}
	defer func() { summary.Duration = time.Since(started) }()

	if size := s.opts.Pool.Size(); s.opts.DevicesPerJob > size {
		summary.NotStarted = summary.Total
		return summary, &pool.AllocationError{Requested: s.opts.DevicesPerJob, Size: size}
	}
	s.opts.Metrics.SetPoolSize(s.opts.Pool.Size())

	// Runner goroutines never block on reporting: at most Size() of them
	// are in flight at once.
	results := make(chan attemptResult, s.opts.Pool.Size())
	q := &queue{source: jobs}
	inFlight := 0
	var fatal error

	settle := func(res attemptResult) {
		inFlight--
		if err := s.settle(runCtx, runID, q, res, summary); err != nil && fatal == nil {
			fatal = err
		}
	}

	logger.Info("Dispatch started.", "jobs", summary.Total, "devices", s.opts.Pool.Size(), "devices_per_job", s.opts.DevicesPerJob)
	for fatal == nil && runCtx.Err() == nil {
		s.opts.Metrics.SetPending(q.Len())
		job, ok := q.peek()
		if !ok {
			if inFlight == 0 {
				break
			}
			settle(<-results)
			continue
		}
		if job.attempt == 1 && s.opts.Skip != nil {
			if prev, done := s.opts.Skip(job.spec.ID); done {
				q.pop()
				if err := s.carryForward(ctx, runID, job, prev, summary); err != nil {
					fatal = err
				}
				continue
			}
		}

		lease, err := s.opts.Pool.Acquire(runCtx, s.opts.DevicesPerJob)
		if err != nil {
			if runCtx.Err() == nil {
				fatal = err
			}
			break
		}
		// Outcomes reported while waiting may have queued a retry that
		// comes before job in the expansion.
		if drainInto(results, settle) {
			if err := s.opts.Pool.Release(lease); err != nil {
				logger.Error("Releasing unused lease failed.", "error", err)
			}
			continue
		}

		q.pop()
		inFlight++
		s.opts.Metrics.AttemptStarted(s.opts.DevicesPerJob)
		logger.Debug("Admitting job.", "job_id", job.spec.ID, "index", job.spec.Index, "attempt", job.attempt, "devices", lease.String())
		go s.runAttempt(runCtx, job, lease, results)
	}

	if fatal != nil || ctx.Err() != nil {
		cancelRun()
		logger.Warn("Dispatch interrupted, waiting for running jobs to stop.", "running", inFlight)
	}
	for inFlight > 0 {
		settle(<-results)
	}
	// Retries still queued were interrupted before they could run again.
	slices.SortFunc(q.retries, func(a, b pendingJob) int { return cmp.Compare(a.spec.Index, b.spec.Index) })
	for _, job := range q.retries {
		rec := *job.last
		rec.Status = record.StatusCancelled
		rec.Error = "interrupted before retry"
		if err := s.finish(runCtx, runID, pendingJob{spec: job.spec, attempt: job.attempt - 1}, &rec, nil, summary); err != nil && fatal == nil {
			fatal = err
		}
	}
	summary.NotStarted = summary.Total - summary.Succeeded - summary.Failed - summary.Cancelled - summary.Skipped
	s.opts.Metrics.SetPending(summary.NotStarted)

	if fatal == nil && ctx.Err() != nil {
		fatal = ctx.Err()
	}
	logger.Info("Dispatch finished.",
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"cancelled", summary.Cancelled,
		"skipped", summary.Skipped,
		"not_started", summary.NotStarted,
	)
	return summary, fatal
}

// drainInto settles every outcome already waiting on results and reports
// whether there was any.
func drainInto(results <-chan attemptResult, settle func(attemptResult)) bool {
	drained := false
	for {
		select {
		case res := <-results:
			settle(res)
			drained = true
		default:
			return drained
		}
	}
}

func (s *Scheduler) runAttempt(ctx context.Context, job pendingJob, lease *pool.Lease, results chan<- attemptResult) {
	rec, err := s.opts.Runner.Run(ctx, job.spec, lease, job.attempt)
	if rec == nil {
		rec = &record.JobRecord{JobID: job.spec.ID, JobIndex: job.spec.Index, Params: job.spec.Params, Status: record.StatusFailed}
		if err == nil {
			err = errors.New("runner returned no record")
		}
	}
	// Report before releasing so the admission loop sees the outcome no
	// later than the freed devices.
	results <- attemptResult{job: job, rec: rec, err: err, devices: len(lease.Tokens())}
	if relErr := s.opts.Pool.Release(lease); relErr != nil {
		ctxlog.FromContext(ctx).Error("Releasing lease failed.", "job_id", job.spec.ID, "error", relErr)
	}
}

// settle requeues a retryable failure or appends the job's terminal record.
func (s *Scheduler) settle(ctx context.Context, runID string, q *queue, res attemptResult, summary *Summary) error {
	logger := ctxlog.FromContext(ctx).With("job_id", res.job.spec.ID, "attempt", res.job.attempt)
	s.opts.Metrics.AttemptFinished(res.devices, res.rec.Duration())

	if res.rec.Status == record.StatusFailed && retryable(res.err) && res.job.attempt <= s.opts.MaxRetries && ctx.Err() == nil {
		logger.Warn("Job attempt failed, retrying.", "error", res.err, "retries_left", s.opts.MaxRetries-res.job.attempt)
		q.retry(pendingJob{spec: res.job.spec, attempt: res.job.attempt + 1, last: res.rec})
		return nil
	}
	return s.finish(ctx, runID, res.job, res.rec, res.err, summary)
}

// carryForward records an earlier success of job in this run without
// launching it.
func (s *Scheduler) carryForward(ctx context.Context, runID string, job pendingJob, prev record.JobRecord, summary *Summary) error {
	ctxlog.FromContext(ctx).Info("Skipping job that already succeeded.", "job_id", job.spec.ID, "index", job.spec.Index, "succeeded_in", prev.RunID)
	rec := prev
	rec.RunID = runID
	rec.JobIndex = job.spec.Index
	rec.Params = job.spec.Params
	rec.Status = record.StatusSucceeded
	if err := s.opts.Recorder.Append(context.WithoutCancel(ctx), &rec); err != nil {
		return fmt.Errorf("recording skipped job %s: %w", rec.JobID, err)
	}
	summary.Skipped++
	return nil
}

// finish appends the terminal record of a job and counts it.
func (s *Scheduler) finish(ctx context.Context, runID string, job pendingJob, last *record.JobRecord, cause error, summary *Summary) error {
	logger := ctxlog.FromContext(ctx).With("job_id", job.spec.ID, "attempt", job.attempt)
	rec := *last
	rec.RunID = runID
	rec.Retries = job.attempt - 1
	switch rec.Status {
	case record.StatusSucceeded:
		summary.Succeeded++
		logger.Info("Job succeeded.", "duration", rec.Duration())
	case record.StatusCancelled:
		summary.Cancelled++
		logger.Info("Job cancelled.")
	default:
		rec.Status = record.StatusFailed
		summary.Failed++
		summary.FailedLogs = append(summary.FailedLogs, rec.LogPath)
		logger.Error("Job failed.", "error", cause, "log", rec.LogPath)
	}
	s.opts.Metrics.JobFinished(string(rec.Status))

	// The record must land even when the run is being cancelled.
	if err := s.opts.Recorder.Append(context.WithoutCancel(ctx), &rec); err != nil {
		return fmt.Errorf("recording job %s: %w", rec.JobID, err)
	}
	return nil
}

// retryable reports whether a failed attempt may be relaunched. Launch and
// process failures are; invalid options and cancellation are not.
func retryable(err error) bool {
	var cfgErr *config.Error
	switch {
	case err == nil:
		return false
	case errors.As(err, &cfgErr):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// pendingJob is a job waiting to be admitted.
type pendingJob struct {
	spec    grid.JobSpec
	attempt int
	// last is the record of the previous failed attempt, if any.
	last *record.JobRecord
}

// queue merges queued retries with the remaining expansion, lowest
// expansion index first.
type queue struct {
	source  Source
	retries retryHeap
	next    *grid.JobSpec
}

func (q *queue) fill() {
	if q.next == nil {
		if job, ok := q.source.Next(); ok {
			q.next = &job
		}
	}
}

func (q *queue) peek() (pendingJob, bool) {
	q.fill()
	switch {
	case len(q.retries) > 0 && (q.next == nil || q.retries[0].spec.Index < q.next.Index):
		return q.retries[0], true
	case q.next != nil:
		return pendingJob{spec: *q.next, attempt: 1}, true
	}
	return pendingJob{}, false
}

func (q *queue) pop() {
	q.fill()
	if len(q.retries) > 0 && (q.next == nil || q.retries[0].spec.Index < q.next.Index) {
		heap.Pop(&q.retries)
		return
	}
	q.next = nil
}

func (q *queue) retry(job pendingJob) {
	heap.Push(&q.retries, job)
}

// Len counts the jobs not yet admitted.
func (q *queue) Len() int {
	n := len(q.retries) + q.source.Remaining()
	if q.next != nil {
		n++
	}
	return n
}

type retryHeap []pendingJob

func (h retryHeap) Len() int           { return len(h) }
func (h retryHeap) Less(i, j int) bool { return h[i].spec.Index < h[j].spec.Index }
func (h retryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x any)        { *h = append(*h, x.(pendingJob)) }
func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
