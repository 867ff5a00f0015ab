package inmemorystore

import (
	"context"
	"fmt"
	"sync"

	"github.com/specialistvlad/gpugrid/internal/grid"
	"github.com/specialistvlad/gpugrid/internal/record"
)

// Store is an in-memory implementation of record.Recorder.
//
// A single RWMutex guards both collections: appends are serialized and
// reads take a consistent snapshot.
type Store struct {
	mu      sync.RWMutex
	runs    []record.Run
	records map[string][]record.JobRecord
}

var _ record.Recorder = (*Store)(nil)

// New creates a new, empty in-memory record store.
func New() *Store {
	return &Store{records: make(map[string][]record.JobRecord)}
}

// BeginRun registers a new run.
func (s *Store) BeginRun(ctx context.Context, run record.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.ID == run.ID {
			return fmt.Errorf("inmemorystore: run %s already exists", run.ID)
		}
	}
	s.runs = append(s.runs, run)
	return nil
}

// Append adds a copy of rec to its run.
func (s *Store) Append(ctx context.Context, rec *record.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasRun(rec.RunID) {
		return fmt.Errorf("inmemorystore: append to %s: %w", rec.RunID, record.ErrRunNotFound)
	}
	s.records[rec.RunID] = append(s.records[rec.RunID], clone(*rec))
	return nil
}

// Runs lists all runs in the order they began.
func (s *Store) Runs(ctx context.Context) ([]record.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]record.Run(nil), s.runs...), nil
}

// Run returns the run with the given ID.
func (s *Store) Run(ctx context.Context, runID string) (record.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.runs {
		if r.ID == runID {
			return r, nil
		}
	}
	return record.Run{}, record.ErrRunNotFound
}

// Records returns copies of the run's records in append order.
func (s *Store) Records(ctx context.Context, runID string) ([]record.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasRun(runID) {
		return nil, record.ErrRunNotFound
	}
	out := make([]record.JobRecord, len(s.records[runID]))
	for i, r := range s.records[runID] {
		out[i] = clone(r)
	}
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) hasRun(runID string) bool {
	for _, r := range s.runs {
		if r.ID == runID {
			return true
		}
	}
	return false
}

func clone(r record.JobRecord) record.JobRecord {
	r.Params = append([]grid.Param(nil), r.Params...)
	r.Devices = append([]string(nil), r.Devices...)
	return r
}
