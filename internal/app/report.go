package app

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/specialistvlad/gpugrid/internal/record"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// reportLine is the JSON form of one job record.
type reportLine struct {
	RunID       string                     `json:"run_id"`
	JobID       string                     `json:"job_id"`
	Index       int                        `json:"index"`
	Status      record.Status              `json:"status"`
	Retries     int                        `json:"retries"`
	ExitCode    int                        `json:"exit_code"`
	Error       string                     `json:"error,omitempty"`
	Devices     []string                   `json:"devices"`
	LogPath     string                     `json:"log_path"`
	ResultsPath string                     `json:"results_path,omitempty"`
	StartedAt   time.Time                  `json:"started_at"`
	EndedAt     time.Time                  `json:"ended_at"`
	Duration    float64                    `json:"duration_seconds"`
	Params      map[string]json.RawMessage `json:"params"`
}

func newReportLine(rec record.JobRecord) (reportLine, error) {
	line := reportLine{
		RunID:       rec.RunID,
		JobID:       rec.JobID,
		Index:       rec.JobIndex,
		Status:      rec.Status,
		Retries:     rec.Retries,
		ExitCode:    rec.ExitCode,
		Error:       rec.Error,
		Devices:     rec.Devices,
		LogPath:     rec.LogPath,
		ResultsPath: rec.ResultsPath,
		StartedAt:   rec.StartedAt,
		EndedAt:     rec.EndedAt,
		Duration:    rec.Duration().Seconds(),
		Params:      make(map[string]json.RawMessage, len(rec.Params)),
	}
	for _, p := range rec.Params {
		raw, err := ctyjson.Marshal(p.Value, p.Value.Type())
		if err != nil {
			return reportLine{}, fmt.Errorf("param %s: %w", p.Name, err)
		}
		line.Params[p.Name] = raw
	}
	return line, nil
}

// report prints the records of a run as JSON lines in expansion order.
func (a *App) report(ctx context.Context, runID string) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Records(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	// Records are stored in completion order; the report follows the
	// expansion.
	slices.SortStableFunc(records, func(x, y record.JobRecord) int { return cmp.Compare(x.JobIndex, y.JobIndex) })
	enc := json.NewEncoder(a.outW)
	for _, rec := range records {
		line, err := newReportLine(rec)
		if err != nil {
			return fmt.Errorf("job %s: %w", rec.JobID, err)
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

// listRuns prints every run in the result store with its status counts.
func (a *App) listRuns(ctx context.Context) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Runs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	w := tabwriter.NewWriter(a.outW, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tJOBS\tSUCCEEDED\tFAILED\tCANCELLED\tRESUMED FROM\tCONFIG")
	for _, run := range runs {
		records, err := store.Records(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("failed to read run %s: %w", run.ID, err)
		}
		counts := map[record.Status]int{}
		for _, rec := range records {
			counts[rec.Status]++
		}
		resumed := run.ResumedFrom
		if resumed == "" {
			resumed = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			run.ID, run.StartedAt.Format(time.RFC3339), run.JobCount,
			counts[record.StatusSucceeded], counts[record.StatusFailed], counts[record.StatusCancelled],
			resumed, run.ConfigPath)
	}
	return w.Flush()
}
