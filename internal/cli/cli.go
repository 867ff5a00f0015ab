package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/specialistvlad/gpugrid/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(format string, args ...any) *ExitError {
	return &ExitError{Code: 2, Message: fmt.Sprintf(format, args...)}
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
// Dispatch flags override the document only when they are given explicitly.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("gpugrid", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
gpugrid - run every combination of a parameter grid on a pool of GPUs.

Usage:
  gpugrid [options] CONFIG

Arguments:
  CONFIG
    Path to the dispatch document (.hcl or .json).

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to the dispatch document.")
	cFlag := flagSet.String("c", "", "Path to the dispatch document (shorthand).")
	logDirFlag := flagSet.String("log-dir", "", "Directory for job logs. Overrides dispatch.log_dir.")
	gpusFlag := flagSet.Int("gpus", 0, "Number of devices, numbered from 0. Overrides dispatch.num_gpus.")
	devicesFlag := flagSet.String("devices", "", "Comma-separated device ids. Overrides dispatch.available_gpus and -gpus.")
	perJobFlag := flagSet.Int("gpus-per-job", 1, "Devices leased to each job. Overrides dispatch.gpus_per_job.")
	retriesFlag := flagSet.Int("retries", 0, "Relaunches of a failed job. Overrides dispatch.max_retries.")
	timeoutFlag := flagSet.Duration("timeout", 0, "Wall-clock limit of one attempt, 0 for none. Overrides dispatch.timeout.")
	dbFlag := flagSet.String("db", "", "Result database. Defaults to <log_dir>/gpugrid.db.")
	resumeFlag := flagSet.String("resume", "", "Run ID whose succeeded jobs are skipped.")
	dryRunFlag := flagSet.Bool("dry-run", false, "Print every job's command line without running anything.")
	reportFlag := flagSet.String("report", "", "Print the records of a run as JSON lines and exit.")
	runsFlag := flagSet.Bool("runs", false, "List the recorded runs and exit.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check and metrics server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, usageError("%s", err.Error())
	}
	slog.Debug("Arguments parsed successfully.")

	set := map[string]bool{}
	flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })

	path := ""
	if *configFlag != "" {
		path = *configFlag
	} else if *cFlag != "" {
		path = *cFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	if flagSet.NArg() > 1 {
		return nil, false, usageError("unexpected arguments: %s", strings.Join(flagSet.Args()[1:], " "))
	}
	slog.Debug("Config path determined.", "path", path)

	if path == "" && !*runsFlag && *reportFlag == "" {
		slog.Debug("No config path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, usageError("invalid log-format: must be 'text' or 'json'")
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, false, usageError("invalid log-level: must be 'debug', 'info', 'warn', or 'error'")
	}

	var overrides app.Overrides
	if set["log-dir"] {
		overrides.LogDir = logDirFlag
	}
	if set["gpus"] {
		if *gpusFlag < 1 {
			return nil, false, usageError("invalid gpus: must be at least 1")
		}
		overrides.NumGPUs = gpusFlag
	}
	if set["devices"] {
		devices, err := parseDevices(*devicesFlag)
		if err != nil {
			return nil, false, usageError("invalid devices: %v", err)
		}
		overrides.Devices = devices
	}
	if set["gpus-per-job"] {
		if *perJobFlag < 1 {
			return nil, false, usageError("invalid gpus-per-job: must be at least 1")
		}
		overrides.GPUsPerJob = perJobFlag
	}
	if set["retries"] {
		if *retriesFlag < 0 {
			return nil, false, usageError("invalid retries: must not be negative")
		}
		overrides.MaxRetries = retriesFlag
	}
	if set["timeout"] {
		if *timeoutFlag < 0 {
			return nil, false, usageError("invalid timeout: must not be negative")
		}
		overrides.Timeout = timeoutFlag
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		ConfigPath:      path,
		DBPath:          *dbFlag,
		ResumeRunID:     *resumeFlag,
		DryRun:          *dryRunFlag,
		ReportRunID:     *reportFlag,
		ListRuns:        *runsFlag,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		HealthcheckPort: *healthPortFlag,
		Overrides:       overrides,
	})
	if err != nil {
		return nil, false, usageError("%s", err.Error())
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}

// parseDevices splits a comma-separated device list.
func parseDevices(s string) ([]string, error) {
	var devices []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty device id in %q", s)
		}
		devices = append(devices, part)
	}
	return devices, nil
}
