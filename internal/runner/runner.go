// Package runner owns the lifecycle of one external process per job attempt:
// it builds the invocation from the job's params and leased devices, starts
// the program, captures its output into the job's log file and reports a
// terminal status. Success is decided solely by the exit status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/specialistvlad/gpugrid/internal/config"
	"github.com/specialistvlad/gpugrid/internal/ctxlog"
	"github.com/specialistvlad/gpugrid/internal/grid"
	"github.com/specialistvlad/gpugrid/internal/pool"
	"github.com/specialistvlad/gpugrid/internal/record"
)

// DefaultKillGrace is how long a cancelled job may take to exit after
// SIGTERM before it is killed.
const DefaultKillGrace = 10 * time.Second

// Config holds the runner settings derived from the dispatch block.
type Config struct {
	Command     []string
	WorkDir     string
	LogDir      string
	DeviceEnv   string
	DeviceFlag  string
	ResultsFlag string
	Env         map[string]string
	// Timeout bounds each attempt. Zero disables it.
	Timeout   time.Duration
	KillGrace time.Duration
}

// ConfigFromDispatch builds a runner Config from a document's dispatch block.
func ConfigFromDispatch(d config.Dispatch) Config {
	return Config{
		Command:     d.Command,
		WorkDir:     d.WorkDir,
		LogDir:      d.LogDir,
		DeviceEnv:   d.DeviceEnv,
		DeviceFlag:  d.DeviceFlag,
		ResultsFlag: d.ResultsFlag,
		Env:         d.Env,
		Timeout:     d.Timeout,
	}
}

// Runner launches and supervises job processes.
type Runner struct {
	cfg Config
}

// New validates cfg and returns a Runner.
func New(cfg Config) (*Runner, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, config.Errorf("command", "must name the program to run")
	}
	if cfg.LogDir == "" {
		return nil, config.Errorf("log_dir", "must not be empty")
	}
	if cfg.DeviceEnv == "" {
		cfg.DeviceEnv = config.DefaultDeviceEnv
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	return &Runner{cfg: cfg}, nil
}

// LogPath returns the log file of a job. It depends only on the job ID.
func (r *Runner) LogPath(jobID string) string {
	return filepath.Join(r.cfg.LogDir, jobID+".log")
}

// ResultsPath returns where the job is told to write its results, or ""
// when no results flag is configured.
func (r *Runner) ResultsPath(jobID string) string {
	if r.cfg.ResultsFlag == "" {
		return ""
	}
	return filepath.Join(r.cfg.LogDir, jobID+".results")
}

// Run executes one attempt of job on the leased devices and blocks until the
// process exits, the attempt times out, or ctx is cancelled. The returned
// record carries the terminal status of the attempt; the error explains a
// non-successful status: *config.Error, *LaunchError, *ProcessFailure, or
// ctx.Err() when cancelled.
func (r *Runner) Run(ctx context.Context, job grid.JobSpec, lease *pool.Lease, attempt int) (*record.JobRecord, error) {
	devices := lease.String()
	rec := &record.JobRecord{
		JobID:       job.ID,
		JobIndex:    job.Index,
		Params:      job.Params,
		LogPath:     r.LogPath(job.ID),
		ResultsPath: r.ResultsPath(job.ID),
		ExitCode:    -1,
	}
	for _, t := range lease.Tokens() {
		rec.Devices = append(rec.Devices, string(t))
	}
	ctx = ctxlog.With(ctx, "job_id", job.ID, "attempt", attempt, "devices", devices)
	logger := ctxlog.FromContext(ctx)

	fail := func(err error) (*record.JobRecord, error) {
		if rec.StartedAt.IsZero() {
			rec.StartedAt = time.Now()
		}
		rec.EndedAt = time.Now()
		rec.Status = record.StatusFailed
		rec.Error = err.Error()
		return rec, err
	}

	inv, err := r.Invocation(job, devices)
	if err != nil {
		logger.Error("Job has an invalid option.", "error", err)
		return fail(err)
	}

	logFile, err := r.openLog(rec.LogPath)
	if err != nil {
		return fail(&LaunchError{Program: inv.Program, Err: err})
	}
	defer logFile.Close()

	cmd := exec.Command(inv.Program, inv.Args...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = append(os.Environ(), inv.Env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.cfg.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
	}
	defer cancel()

	rec.StartedAt = time.Now()
	fmt.Fprintf(logFile, "=== gpugrid: job %s attempt %d started at %s on devices [%s]\n=== gpugrid: %s\n",
		job.ID, attempt, rec.StartedAt.Format(time.RFC3339), devices, inv)

	if err := cmd.Start(); err != nil {
		launchErr := &LaunchError{Program: inv.Program, Err: err}
		fmt.Fprintf(logFile, "=== gpugrid: %v\n", launchErr)
		logger.Error("Job failed to launch.", "error", launchErr)
		return fail(launchErr)
	}
	logger.Info("Job process started.", "pid", cmd.Process.Pid, "log", rec.LogPath)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var (
		waitErr     error
		interrupted bool
	)
	select {
	case waitErr = <-done:
	case <-attemptCtx.Done():
		interrupted = true
		waitErr = r.terminate(ctx, cmd, done)
	}
	rec.EndedAt = time.Now()
	if cmd.ProcessState != nil {
		rec.ExitCode = cmd.ProcessState.ExitCode()
	}

	var runErr error
	switch {
	case interrupted && ctx.Err() != nil:
		rec.Status = record.StatusCancelled
		runErr = ctx.Err()
	case interrupted:
		rec.Status = record.StatusFailed
		runErr = &ProcessFailure{ExitCode: rec.ExitCode, TimedOut: true, Timeout: r.cfg.Timeout}
	case waitErr == nil:
		rec.Status = record.StatusSucceeded
	default:
		rec.Status = record.StatusFailed
		runErr = exitFailure(waitErr)
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}

	fmt.Fprintf(logFile, "=== gpugrid: job %s attempt %d %s after %s\n",
		job.ID, attempt, describe(rec, runErr), rec.Duration().Round(time.Millisecond))
	logger.Info("Job process finished.", "status", rec.Status, "exit_code", rec.ExitCode, "duration", rec.Duration())
	return rec, runErr
}

func (r *Runner) openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// terminate stops the process group: SIGTERM first, SIGKILL once the grace
// period is over. It returns the process's wait result.
func (r *Runner) terminate(ctx context.Context, cmd *exec.Cmd, done <-chan error) error {
	logger := ctxlog.FromContext(ctx)
	if err := interruptGroup(cmd); err != nil {
		logger.Debug("Interrupting process group failed.", "error", err)
	}

	grace := time.NewTimer(r.cfg.KillGrace)
	defer grace.Stop()
	select {
	case err := <-done:
		return err
	case <-grace.C:
		logger.Warn("Job did not exit after SIGTERM, killing it.", "grace", r.cfg.KillGrace)
	}
	if err := killGroup(cmd); err != nil {
		logger.Debug("Killing process group failed.", "error", err)
	}
	return <-done
}

func exitFailure(waitErr error) error {
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &ProcessFailure{ExitCode: exitErr.ExitCode(), Signal: signalName(exitErr.ProcessState)}
	}
	return &ProcessFailure{ExitCode: -1, Signal: waitErr.Error()}
}

func describe(rec *record.JobRecord, err error) string {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return string(rec.Status)
	}
	return fmt.Sprintf("%s (%v)", rec.Status, err)
}
