package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/specialistvlad/gpugrid/internal/config"
	"github.com/specialistvlad/gpugrid/internal/ctxlog"
	"github.com/specialistvlad/gpugrid/internal/grid"
	"github.com/specialistvlad/gpugrid/internal/inmemorystore"
	"github.com/specialistvlad/gpugrid/internal/pool"
	"github.com/specialistvlad/gpugrid/internal/record"
	"github.com/specialistvlad/gpugrid/internal/runner"
	"github.com/specialistvlad/gpugrid/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

const testRunID = "run-1"

// admission is one call into the fake runner.
type admission struct {
	Index   int
	Attempt int
}

// fakeRunner records admissions and delegates the outcome of every attempt
// to behave.
type fakeRunner struct {
	behave func(ctx context.Context, job grid.JobSpec, attempt int) (record.Status, error)

	mu         sync.Mutex
	admissions []admission
	running    int
	maxRunning int
	holders    map[pool.DeviceToken]string
	overlaps   int
}

func (f *fakeRunner) Run(ctx context.Context, job grid.JobSpec, lease *pool.Lease, attempt int) (*record.JobRecord, error) {
	f.mu.Lock()
	f.admissions = append(f.admissions, admission{Index: job.Index, Attempt: attempt})
	f.running++
	f.maxRunning = max(f.maxRunning, f.running)
	if f.holders == nil {
		f.holders = make(map[pool.DeviceToken]string)
	}
	for _, tok := range lease.Tokens() {
		if _, taken := f.holders[tok]; taken {
			f.overlaps++
		}
		f.holders[tok] = job.ID
	}
	f.mu.Unlock()

	rec := &record.JobRecord{JobID: job.ID, JobIndex: job.Index, Params: job.Params, LogPath: "/logs/" + job.ID + ".log", StartedAt: time.Now()}
	status, err := f.behave(ctx, job, attempt)
	rec.Status = status
	rec.EndedAt = time.Now()
	if err != nil {
		rec.Error = err.Error()
	}

	f.mu.Lock()
	f.running--
	for _, tok := range lease.Tokens() {
		delete(f.holders, tok)
	}
	f.mu.Unlock()
	return rec, err
}

func (f *fakeRunner) Admissions() []admission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]admission(nil), f.admissions...)
}

func succeed(context.Context, grid.JobSpec, int) (record.Status, error) {
	return record.StatusSucceeded, nil
}

// jobs builds an expansion of n jobs over a single "seed" option.
func jobs(t *testing.T, n int) *grid.Expansion {
	t.Helper()
	seeds := make([]cty.Value, n)
	for i := range seeds {
		seeds[i] = cty.NumberIntVal(int64(i))
	}
	e, err := grid.Expand(&config.Tree{Options: []*config.Option{
		{Name: "seed", Value: config.ListValue(seeds...)},
	}}, nil)
	require.NoError(t, err)
	return e
}

type fixture struct {
	ctx    context.Context
	pool   *pool.Pool
	runner *fakeRunner
	store  *inmemorystore.Store
}

func newFixture(t *testing.T, devices int, behave func(context.Context, grid.JobSpec, int) (record.Status, error)) *fixture {
	t.Helper()
	ctx, _ := testutil.Context(t)
	p, err := pool.FromConfig(devices, nil)
	require.NoError(t, err)
	store := inmemorystore.New()
	require.NoError(t, store.BeginRun(ctx, record.Run{ID: testRunID}))
	return &fixture{ctx: ctx, pool: p, runner: &fakeRunner{behave: behave}, store: store}
}

func (f *fixture) scheduler(opts Options) *Scheduler {
	opts.Pool = f.pool
	opts.Runner = f.runner
	opts.Recorder = f.store
	return New(opts)
}

func (f *fixture) records(t *testing.T) []record.JobRecord {
	t.Helper()
	recs, err := f.store.Records(context.Background(), testRunID)
	require.NoError(t, err)
	return recs
}

func TestRun_AllJobsSucceed(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	f := newFixture(t, 2, func(context.Context, grid.JobSpec, int) (record.Status, error) {
		time.Sleep(20 * time.Millisecond)
		return record.StatusSucceeded, nil
	})
	e := jobs(t, 5)

	// --- Act ---
	summary, err := f.scheduler(Options{}).Run(f.ctx, testRunID, e.Iterator())

	// --- Assert ---
	require.NoError(t, err)
	assert.True(t, summary.OK())
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 5, summary.Succeeded)
	assert.Zero(t, summary.NotStarted)
	assert.LessOrEqual(t, f.runner.maxRunning, 2)
	assert.Zero(t, f.runner.overlaps, "a device was leased to two jobs at once")
	assert.Zero(t, f.pool.Leased())

	recs := f.records(t)
	require.Len(t, recs, 5)
	for _, rec := range recs {
		assert.Equal(t, testRunID, rec.RunID)
		assert.Equal(t, record.StatusSucceeded, rec.Status)
		assert.Zero(t, rec.Retries)
	}
}

func TestRun_AdmitsInExpansionOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1, succeed)

	_, err := f.scheduler(Options{}).Run(f.ctx, testRunID, jobs(t, 4).Iterator())

	require.NoError(t, err)
	assert.Equal(t, []admission{{0, 1}, {1, 1}, {2, 1}, {3, 1}}, f.runner.Admissions())
}

func TestRun_WaitsForFreeDevices(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	release := map[int]chan struct{}{}
	for i := range 3 {
		release[i] = make(chan struct{})
	}
	f := newFixture(t, 2, func(_ context.Context, job grid.JobSpec, _ int) (record.Status, error) {
		<-release[job.Index]
		return record.StatusSucceeded, nil
	})
	done := make(chan error, 1)

	// --- Act ---
	go func() {
		_, err := f.scheduler(Options{}).Run(f.ctx, testRunID, jobs(t, 3).Iterator())
		done <- err
	}()

	// --- Assert ---
	require.Eventually(t, func() bool { return len(f.runner.Admissions()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.runner.Admissions(), 2, "third job must wait for a device")

	close(release[0])
	require.Eventually(t, func() bool { return len(f.runner.Admissions()) == 3 }, 2*time.Second, 5*time.Millisecond)
	close(release[1])
	close(release[2])
	require.NoError(t, <-done)
}

func TestRun_RetriesUpToLimit(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	f := newFixture(t, 1, func(context.Context, grid.JobSpec, int) (record.Status, error) {
		return record.StatusFailed, &runner.ProcessFailure{ExitCode: 1}
	})

	// --- Act ---
	summary, err := f.scheduler(Options{MaxRetries: 2}).Run(f.ctx, testRunID, jobs(t, 1).Iterator())

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []admission{{0, 1}, {0, 2}, {0, 3}}, f.runner.Admissions())
	assert.Equal(t, 1, summary.Failed)
	assert.False(t, summary.OK())

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, record.StatusFailed, recs[0].Status)
	assert.Equal(t, 2, recs[0].Retries)
	assert.Equal(t, []string{recs[0].LogPath}, summary.FailedLogs)
}

func TestRun_RetryKeepsExpansionOrder(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	f := newFixture(t, 1, func(_ context.Context, job grid.JobSpec, attempt int) (record.Status, error) {
		if job.Index == 0 && attempt == 1 {
			return record.StatusFailed, &runner.LaunchError{Program: "train", Err: errors.New("busy")}
		}
		return record.StatusSucceeded, nil
	})

	// --- Act ---
	summary, err := f.scheduler(Options{MaxRetries: 1}).Run(f.ctx, testRunID, jobs(t, 3).Iterator())

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []admission{{0, 1}, {0, 2}, {1, 1}, {2, 1}}, f.runner.Admissions())
	assert.Equal(t, 3, summary.Succeeded)

	recs := f.records(t)
	require.Len(t, recs, 3)
	assert.Equal(t, 0, recs[0].JobIndex)
	assert.Equal(t, 1, recs[0].Retries)
}

func TestRun_InvalidOptionIsNotRetried(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1, func(context.Context, grid.JobSpec, int) (record.Status, error) {
		return record.StatusFailed, config.Errorf("path", "value contains a NUL byte")
	})

	summary, err := f.scheduler(Options{MaxRetries: 3}).Run(f.ctx, testRunID, jobs(t, 2).Iterator())

	require.NoError(t, err)
	assert.Equal(t, []admission{{0, 1}, {1, 1}}, f.runner.Admissions())
	assert.Equal(t, 2, summary.Failed)
}

func TestRun_AllocationErrorBeforeLaunch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2, succeed)

	summary, err := f.scheduler(Options{DevicesPerJob: 3}).Run(f.ctx, testRunID, jobs(t, 5).Iterator())

	var allocErr *pool.AllocationError
	require.ErrorAs(t, err, &allocErr)
	assert.Equal(t, 3, allocErr.Requested)
	assert.Equal(t, 2, allocErr.Size)
	assert.Empty(t, f.runner.Admissions())
	assert.Equal(t, 5, summary.NotStarted)
	assert.Empty(t, f.records(t))
}

func TestRun_CancellationStopsEverything(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	f := newFixture(t, 2, func(ctx context.Context, _ grid.JobSpec, _ int) (record.Status, error) {
		<-ctx.Done()
		return record.StatusCancelled, ctx.Err()
	})
	ctx, cancel := context.WithCancel(f.ctx)
	go func() {
		for len(f.runner.Admissions()) < 2 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	// --- Act ---
	summary, err := f.scheduler(Options{MaxRetries: 2}).Run(ctx, testRunID, jobs(t, 5).Iterator())

	// --- Assert ---
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, f.runner.Admissions(), 2)
	assert.Equal(t, 2, summary.Cancelled)
	assert.Equal(t, 3, summary.NotStarted)
	assert.Zero(t, f.pool.Leased())

	recs := f.records(t)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, record.StatusCancelled, rec.Status)
	}
}

func TestRun_SkipsCompletedJobs(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	f := newFixture(t, 1, succeed)
	e := jobs(t, 3)
	prev := record.JobRecord{
		RunID:    "run-0",
		JobID:    e.At(1).ID,
		JobIndex: 1,
		Status:   record.StatusSucceeded,
		Retries:  1,
		LogPath:  "/logs/" + e.At(1).ID + ".log",
	}

	// --- Act ---
	summary, err := f.scheduler(Options{
		Skip: func(id string) (record.JobRecord, bool) { return prev, id == prev.JobID },
	}).Run(f.ctx, testRunID, e.Iterator())

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []admission{{0, 1}, {2, 1}}, f.runner.Admissions())
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 2, summary.Succeeded)
	assert.True(t, summary.OK())

	recs := f.records(t)
	require.Len(t, recs, 3, "a skipped job is carried forward into the run")
	var carried *record.JobRecord
	for i := range recs {
		if recs[i].JobID == prev.JobID {
			carried = &recs[i]
		}
	}
	require.NotNil(t, carried)
	assert.Equal(t, testRunID, carried.RunID)
	assert.Equal(t, record.StatusSucceeded, carried.Status)
	assert.Equal(t, prev.LogPath, carried.LogPath)
	assert.Equal(t, 1, carried.Retries)
	assert.Equal(t, e.At(1).Params, carried.Params)
}

// cancelOnMessage cancels a context as soon as a record with the given
// message is logged.
type cancelOnMessage struct {
	slog.Handler
	msg    string
	cancel context.CancelFunc
}

func (h cancelOnMessage) Handle(ctx context.Context, r slog.Record) error {
	if r.Message == h.msg {
		h.cancel()
	}
	return h.Handler.Handle(ctx, r)
}

func (h cancelOnMessage) WithAttrs(attrs []slog.Attr) slog.Handler {
	return cancelOnMessage{Handler: h.Handler.WithAttrs(attrs), msg: h.msg, cancel: h.cancel}
}

func (h cancelOnMessage) WithGroup(name string) slog.Handler {
	return cancelOnMessage{Handler: h.Handler.WithGroup(name), msg: h.msg, cancel: h.cancel}
}

func TestRun_CancelWhileRetryIsQueued(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	f := newFixture(t, 1, func(_ context.Context, job grid.JobSpec, _ int) (record.Status, error) {
		if job.Index == 0 {
			return record.StatusFailed, &runner.ProcessFailure{ExitCode: 7}
		}
		return record.StatusSucceeded, nil
	})
	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	// The run is interrupted right after the failed attempt was queued for
	// a retry.
	logs := &testutil.SafeBuffer{}
	handler := cancelOnMessage{
		Handler: slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}),
		msg:     "Job attempt failed, retrying.",
		cancel:  cancel,
	}
	ctx = ctxlog.WithLogger(ctx, slog.New(handler))

	// --- Act ---
	summary, err := f.scheduler(Options{MaxRetries: 2}).Run(ctx, testRunID, jobs(t, 2).Iterator())

	// --- Assert ---
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []admission{{0, 1}}, f.runner.Admissions())
	assert.Equal(t, 1, summary.Cancelled)
	assert.Equal(t, 1, summary.NotStarted)
	assert.Zero(t, f.pool.Leased())

	recs := f.records(t)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, 0, rec.JobIndex)
	assert.Equal(t, record.StatusCancelled, rec.Status)
	assert.Equal(t, "interrupted before retry", rec.Error)
	assert.Zero(t, rec.Retries, "only the first attempt ran")
	assert.Equal(t, "/logs/"+rec.JobID+".log", rec.LogPath)
	assert.False(t, rec.StartedAt.IsZero(), "the earlier attempt's timing is kept")
	assert.Contains(t, logs.String(), "Job attempt failed, retrying.")
}

func TestRun_RecorderFailureIsFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1, succeed)

	_, err := f.scheduler(Options{}).Run(f.ctx, "unknown-run", jobs(t, 3).Iterator())

	require.ErrorIs(t, err, record.ErrRunNotFound)
	assert.Zero(t, f.pool.Leased())
}

func TestSummary_Print(t *testing.T) {
	t.Parallel()
	s := &Summary{RunID: "r1", Total: 4, Succeeded: 2, Failed: 1, NotStarted: 1, FailedLogs: []string{"logs/abc.log"}}

	var buf bytes.Buffer
	s.Print(&buf)

	out := buf.String()
	assert.Contains(t, out, "r1")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "not started")
	assert.Contains(t, out, "logs/abc.log")
	assert.NotContains(t, out, "cancelled")
}
