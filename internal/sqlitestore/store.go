package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/specialistvlad/gpugrid/internal/grid"
	"github.com/specialistvlad/gpugrid/internal/record"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS runs (
  seq          INTEGER PRIMARY KEY AUTOINCREMENT,
  id           TEXT NOT NULL UNIQUE,
  config_path  TEXT,
  started_at   TEXT,
  job_count    INTEGER,
  resumed_from TEXT
)`, `
CREATE TABLE IF NOT EXISTS job_records (
  seq          INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id       TEXT NOT NULL REFERENCES runs(id),
  job_id       TEXT NOT NULL,
  job_index    INTEGER,
  params       TEXT,
  devices      TEXT,
  status       TEXT NOT NULL,
  retries      INTEGER,
  exit_code    INTEGER,
  error        TEXT,
  log_path     TEXT,
  results_path TEXT,
  started_at   TEXT,
  ended_at     TEXT
)`,
	`CREATE INDEX IF NOT EXISTS job_records_run ON job_records(run_id, seq)`,
}

// Store is a record.Recorder persisted in a SQLite file.
type Store struct {
	db *sql.DB
	// mu serializes writers; the single connection already does, but the
	// existence check and insert of Append must not interleave.
	mu sync.Mutex
}

var _ record.Recorder = (*Store)(nil)

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlitestore: create %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: configure %s: %w", path, err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: init schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// BeginRun registers a new run.
func (s *Store) BeginRun(ctx context.Context, run record.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, config_path, started_at, job_count, resumed_from) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.ConfigPath, formatTime(run.StartedAt), run.JobCount, run.ResumedFrom)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin run %s: %w", run.ID, err)
	}
	return nil
}

// Append inserts the record as a single row.
func (s *Store) Append(ctx context.Context, rec *record.JobRecord) error {
	params, err := marshalParams(rec.Params)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode params of job %s: %w", rec.JobID, err)
	}
	devices, err := json.Marshal(rec.Devices)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode devices of job %s: %w", rec.JobID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.run(ctx, rec.RunID); err != nil {
		return fmt.Errorf("sqlitestore: append to %s: %w", rec.RunID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_records (run_id, job_id, job_index, params, devices, status, retries, exit_code,
                                  error, log_path, results_path, started_at, ended_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.JobID, rec.JobIndex, string(params), string(devices), string(rec.Status), rec.Retries,
		rec.ExitCode, rec.Error, rec.LogPath, rec.ResultsPath, formatTime(rec.StartedAt), formatTime(rec.EndedAt))
	if err != nil {
		return fmt.Errorf("sqlitestore: append job %s: %w", rec.JobID, err)
	}
	return nil
}

// Runs lists all runs, oldest first.
func (s *Store) Runs(ctx context.Context) ([]record.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, config_path, started_at, job_count, resumed_from FROM runs ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list runs: %w", err)
	}
	defer rows.Close()

	var runs []record.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Run returns a single run.
func (s *Store) Run(ctx context.Context, runID string) (record.Run, error) {
	return s.run(ctx, runID)
}

func (s *Store) run(ctx context.Context, runID string) (record.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, config_path, started_at, job_count, resumed_from FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Run{}, record.ErrRunNotFound
	}
	return run, err
}

// Records returns the run's records in append order.
func (s *Store) Records(ctx context.Context, runID string) ([]record.JobRecord, error) {
	if _, err := s.run(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, job_id, job_index, params, devices, status, retries, exit_code, error,
                log_path, results_path, started_at, ended_at
         FROM job_records WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: read records of %s: %w", runID, err)
	}
	defer rows.Close()

	var records []record.JobRecord
	for rows.Next() {
		var (
			rec              record.JobRecord
			params, devices  string
			status           string
			started, ended   sql.NullString
			errText, results sql.NullString
		)
		if err := rows.Scan(&rec.RunID, &rec.JobID, &rec.JobIndex, &params, &devices, &status, &rec.Retries,
			&rec.ExitCode, &errText, &rec.LogPath, &results, &started, &ended); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan record: %w", err)
		}
		rec.Status = record.Status(status)
		rec.Error = errText.String
		rec.ResultsPath = results.String
		rec.StartedAt = parseTime(started)
		rec.EndedAt = parseTime(ended)
		if rec.Params, err = unmarshalParams([]byte(params)); err != nil {
			return nil, fmt.Errorf("sqlitestore: decode params of job %s: %w", rec.JobID, err)
		}
		if err := json.Unmarshal([]byte(devices), &rec.Devices); err != nil {
			return nil, fmt.Errorf("sqlitestore: decode devices of job %s: %w", rec.JobID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (record.Run, error) {
	var (
		run                 record.Run
		configPath, resumed sql.NullString
		started             sql.NullString
		jobCount            sql.NullInt64
	)
	if err := row.Scan(&run.ID, &configPath, &started, &jobCount, &resumed); err != nil {
		return record.Run{}, err
	}
	run.ConfigPath = configPath.String
	run.StartedAt = parseTime(started)
	run.JobCount = int(jobCount.Int64)
	run.ResumedFrom = resumed.String
	return run, nil
}

// storedParam is the JSON form of a grid.Param. The cty type is stored next
// to the value so nulls and numbers decode back to exactly what was run.
type storedParam struct {
	Name  string          `json:"name"`
	Type  json.RawMessage `json:"type"`
	Value json.RawMessage `json:"value"`
}

func marshalParams(params []grid.Param) ([]byte, error) {
	stored := make([]storedParam, len(params))
	for i, p := range params {
		ty, err := ctyjson.MarshalType(p.Value.Type())
		if err != nil {
			return nil, err
		}
		val, err := ctyjson.Marshal(p.Value, p.Value.Type())
		if err != nil {
			return nil, err
		}
		stored[i] = storedParam{Name: p.Name, Type: ty, Value: val}
	}
	return json.Marshal(stored)
}

func unmarshalParams(data []byte) ([]grid.Param, error) {
	var stored []storedParam
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	params := make([]grid.Param, len(stored))
	for i, sp := range stored {
		ty, err := ctyjson.UnmarshalType(sp.Type)
		if err != nil {
			return nil, err
		}
		val, err := ctyjson.Unmarshal(sp.Value, ty)
		if err != nil {
			return nil, err
		}
		params[i] = grid.Param{Name: sp.Name, Value: val}
	}
	return params, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
