package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/gpugrid/internal/config"
	"github.com/specialistvlad/gpugrid/internal/ctxlog"
	"github.com/specialistvlad/gpugrid/internal/grid"
	"github.com/specialistvlad/gpugrid/internal/inmemorystore"
	"github.com/specialistvlad/gpugrid/internal/pool"
	"github.com/specialistvlad/gpugrid/internal/record"
	"github.com/specialistvlad/gpugrid/internal/runner"
	"github.com/specialistvlad/gpugrid/internal/scheduler"
	"github.com/specialistvlad/gpugrid/internal/sqlitestore"
)

// defaultDBName is the result store created in the log directory when no
// database path is given.
const defaultDBName = "gpugrid.db"

// Run executes the main application logic based on the provided configuration.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.ctx = ctx
	a.logger.Debug("App.Run method started.")

	switch {
	case a.config.ListRuns:
		return a.listRuns(ctx)
	case a.config.ReportRunID != "":
		return a.report(ctx, a.config.ReportRunID)
	}

	doc, err := a.loadDocument(ctx)
	if err != nil {
		return err
	}
	d := doc.Dispatch

	exp, err := grid.Expand(doc.Grid, doc.Lockstep)
	if err != nil {
		return fmt.Errorf("failed to expand grid: %w", err)
	}
	a.logger.Info("Grid expanded.", "jobs", exp.Len(), "options", exp.Names())

	devices, err := pool.FromConfig(d.NumGPUs, d.AvailableGPUs)
	if err != nil {
		return fmt.Errorf("failed to create device pool: %w", err)
	}
	rn, err := runner.New(runner.ConfigFromDispatch(d))
	if err != nil {
		return fmt.Errorf("failed to create job runner: %w", err)
	}

	opts := scheduler.Options{
		Pool:          devices,
		Runner:        rn,
		DevicesPerJob: d.GPUsPerJob,
		MaxRetries:    d.MaxRetries,
		Metrics:       a.metrics,
	}
	var store record.Recorder
	if a.config.DryRun {
		store = inmemorystore.New()
		opts.Runner = &dryRunner{runner: rn, outW: a.outW}
		opts.MaxRetries = 0
	} else {
		store, err = sqlitestore.Open(a.dbPath(d))
		if err != nil {
			return fmt.Errorf("failed to open result store: %w", err)
		}
	}
	defer store.Close()
	opts.Recorder = store

	if a.config.ResumeRunID != "" {
		done, err := succeededIn(ctx, store, a.config.ResumeRunID)
		if err != nil {
			return fmt.Errorf("failed to read run %s: %w", a.config.ResumeRunID, err)
		}
		a.logger.Info("Resuming run.", "resumed_from", a.config.ResumeRunID, "already_succeeded", len(done))
		opts.Skip = func(id string) (record.JobRecord, bool) {
			rec, ok := done[id]
			return rec, ok
		}
	}

	run := record.Run{
		ID:          uuid.NewString(),
		ConfigPath:  doc.Path,
		StartedAt:   time.Now(),
		JobCount:    exp.Len(),
		ResumedFrom: a.config.ResumeRunID,
	}
	if err := store.BeginRun(ctx, run); err != nil {
		return fmt.Errorf("failed to register run: %w", err)
	}

	a.healthCheckServer()
	defer a.closeHealthCheckServer()

	a.logger.Info("🚀 Starting dispatch...", "run_id", run.ID, "devices", devices.Size(), "log_dir", d.LogDir)
	summary, err := scheduler.New(opts).Run(ctx, run.ID, exp.Iterator())
	if summary != nil {
		summary.Print(a.outW)
	}
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", run.ID, err)
	}
	a.logger.Info("🏁 Dispatch finished.", "run_id", run.ID)
	if !summary.OK() {
		return ErrJobsFailed
	}
	return nil
}

// loadDocument reads the dispatch document and overlays the command line
// overrides.
func (a *App) loadDocument(ctx context.Context) (*config.Document, error) {
	doc, err := a.loader.Load(ctx, a.config.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	a.config.Overrides.Apply(&doc.Dispatch)
	if doc.Dispatch.NumGPUs > 0 && len(doc.Dispatch.AvailableGPUs) > 0 {
		a.logger.Warn("Both a device count and a device list are set, using the list.",
			"num_gpus", doc.Dispatch.NumGPUs, "available_gpus", doc.Dispatch.AvailableGPUs)
	}
	a.logger.Debug("Configuration loaded.", "path", doc.Path)
	return doc, nil
}

func (a *App) dbPath(d config.Dispatch) string {
	if a.config.DBPath != "" {
		return a.config.DBPath
	}
	return filepath.Join(d.LogDir, defaultDBName)
}

// openStore opens the result store for the read-only commands.
func (a *App) openStore(ctx context.Context) (record.Recorder, error) {
	path := a.config.DBPath
	if path == "" {
		doc, err := a.loadDocument(ctx)
		if err != nil {
			return nil, err
		}
		path = a.dbPath(doc.Dispatch)
	}
	store, err := sqlitestore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open result store: %w", err)
	}
	return store, nil
}

func succeededIn(ctx context.Context, store record.Recorder, runID string) (map[string]record.JobRecord, error) {
	records, err := store.Records(ctx, runID)
	if err != nil {
		return nil, err
	}
	return record.Succeeded(records), nil
}
