package app

import (
	"errors"
	"time"

	"github.com/specialistvlad/gpugrid/internal/config"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ConfigPath string // dispatch document

	// DBPath is the result store. Defaults to <log_dir>/gpugrid.db.
	DBPath string
	// ResumeRunID skips the jobs that succeeded in that run.
	ResumeRunID string
	// DryRun prints every job's command line instead of running it.
	DryRun bool
	// ReportRunID prints the records of that run as JSON lines.
	ReportRunID string
	// ListRuns prints the runs known to the result store.
	ListRuns bool

	LogFormat       string
	LogLevel        string
	HealthcheckPort int

	Overrides Overrides
}

// Overrides are dispatch settings given on the command line. A nil field
// keeps the document's value.
type Overrides struct {
	LogDir     *string
	NumGPUs    *int
	Devices    []string
	GPUsPerJob *int
	MaxRetries *int
	Timeout    *time.Duration
}

// Apply overlays the set fields onto d.
func (o Overrides) Apply(d *config.Dispatch) {
	if o.LogDir != nil {
		d.LogDir = *o.LogDir
	}
	if o.NumGPUs != nil {
		d.NumGPUs = *o.NumGPUs
		// A count given on the command line beats a list in the document.
		if o.Devices == nil {
			d.AvailableGPUs = nil
		}
	}
	if o.Devices != nil {
		d.AvailableGPUs = o.Devices
	}
	if o.GPUsPerJob != nil {
		d.GPUsPerJob = *o.GPUsPerJob
	}
	if o.MaxRetries != nil {
		d.MaxRetries = *o.MaxRetries
	}
	if o.Timeout != nil {
		d.Timeout = *o.Timeout
	}
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.ConfigPath == "" {
		switch {
		case !cfg.ListRuns && cfg.ReportRunID == "":
			return nil, errors.New("ConfigPath is a required configuration field and cannot be empty")
		case cfg.DBPath == "":
			return nil, errors.New("listing runs or reporting requires either a config path or a database path")
		}
	}
	if cfg.ListRuns && cfg.ReportRunID != "" {
		return nil, errors.New("ListRuns and ReportRunID are mutually exclusive")
	}
	if cfg.DryRun && cfg.ResumeRunID != "" {
		return nil, errors.New("DryRun cannot be combined with ResumeRunID")
	}
	return &cfg, nil
}
