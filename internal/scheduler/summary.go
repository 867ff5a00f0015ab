package scheduler

import (
	"fmt"
	"io"
	"time"

	"github.com/gookit/color"
)

// Summary is the outcome of a dispatch run.
type Summary struct {
	RunID string
	// Total is the number of jobs the run started with.
	Total      int
	Succeeded  int
	Failed     int
	Cancelled  int
	Skipped    int
	NotStarted int
	// FailedLogs lists the log files of the failed jobs.
	FailedLogs []string
	Duration   time.Duration
}

// OK reports whether every job either succeeded or was skipped.
func (s *Summary) OK() bool {
	return s.Succeeded+s.Skipped == s.Total
}

// Print writes a human readable report of the run to w.
func (s *Summary) Print(w io.Writer) {
	status := color.Green.Sprint("OK")
	if !s.OK() {
		status = color.Red.Sprint("FAILED")
	}
	fmt.Fprintf(w, "Run %s %s in %s\n", s.RunID, status, s.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  %-12s %d\n", "jobs", s.Total)
	fmt.Fprintf(w, "  %-12s %s\n", "succeeded", color.Green.Sprint(s.Succeeded))
	if s.Skipped > 0 {
		fmt.Fprintf(w, "  %-12s %d\n", "skipped", s.Skipped)
	}
	if s.Failed > 0 {
		fmt.Fprintf(w, "  %-12s %s\n", "failed", color.Red.Sprint(s.Failed))
	}
	if s.Cancelled > 0 {
		fmt.Fprintf(w, "  %-12s %s\n", "cancelled", color.Yellow.Sprint(s.Cancelled))
	}
	if s.NotStarted > 0 {
		fmt.Fprintf(w, "  %-12s %d\n", "not started", s.NotStarted)
	}
	if len(s.FailedLogs) > 0 {
		fmt.Fprintln(w, "Logs of failed jobs:")
		for _, path := range s.FailedLogs {
			fmt.Fprintf(w, "  %s\n", path)
		}
	}
}
