// Package scheduler drives a dispatch run: it walks the expansion in order,
// admits each job once the pool can lease it devices, hands it to the job
// runner and retries failed attempts up to a limit.
//
// # Lifecycle
//
// Each job moves through
//
//	Pending -> Leasing -> Running -> Succeeded | Failed | Cancelled
//
// and a failed attempt goes back to Pending while retries remain. A retried
// job re-enters the queue at its expansion index, so among pending jobs the
// one that comes first in the expansion is always admitted first.
//
// # Concurrency
//
// A single admission loop owns the pending queue. Every admitted job runs in
// its own goroutine, reports its outcome on a buffered channel and only then
// releases its lease. The admission loop drains reported outcomes after each
// lease it obtains, so a retry is always queued before the next admission
// decision. Terminal records are appended to the recorder by the admission
// loop, one per job.
//
// # Cancellation
//
// Cancelling the run context stops admission. In-flight jobs are terminated
// by their runner and recorded as cancelled; jobs that were never admitted
// are not recorded and are reported as not started in the Summary.
package scheduler
