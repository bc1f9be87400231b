package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cloud-shuttle/metabuilder/pkg/types"
)

// SQLiteStore is a durable RunStore backed by SQLite
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and initializes) a SQLite-backed store at path
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Handle lock contention gracefully
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Runs are one build attempt each
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		spec TEXT,
		state TEXT NOT NULL,
		phase TEXT NOT NULL,
		attempt_count INTEGER DEFAULT 0,
		repair_phase_count INTEGER DEFAULT 0,
		current_cost REAL DEFAULT 0,
		phase_attempts TEXT,
		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Steps are the fixed pipeline entries of a run
	CREATE TABLE IF NOT EXISTS steps (
		run_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		status TEXT NOT NULL,
		task_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (run_id, step_id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	-- Repair attempts are the append-only audit trail
	CREATE TABLE IF NOT EXISTS repair_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		step_id TEXT NOT NULL,
		failure_class TEXT NOT NULL,
		phase TEXT NOT NULL,
		strategy TEXT NOT NULL,
		result TEXT,
		success INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
	CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id);
	CREATE INDEX IF NOT EXISTS idx_repairs_run ON repair_attempts(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveRun inserts or replaces a run and its step records
func (s *SQLiteStore) SaveRun(run *types.Run) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var phaseAttempts []byte
	if len(run.PhaseAttempts) > 0 {
		phaseAttempts, err = json.Marshal(run.PhaseAttempts)
		if err != nil {
			return fmt.Errorf("marshaling phase attempts: %w", err)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO runs (id, tenant_id, spec, state, phase, attempt_count,
			repair_phase_count, current_cost, phase_attempts, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			phase = excluded.phase,
			attempt_count = excluded.attempt_count,
			repair_phase_count = excluded.repair_phase_count,
			current_cost = excluded.current_cost,
			phase_attempts = excluded.phase_attempts,
			updated_at = excluded.updated_at
	`, run.ID, run.TenantID, run.Spec, string(run.State), string(run.Phase),
		run.AttemptCount, run.RepairPhaseCount, run.CurrentCost,
		string(phaseAttempts), run.StartedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}

	for _, step := range run.Steps {
		_, err = tx.Exec(`
			INSERT INTO steps (run_id, step_id, agent_type, status, task_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, step_id) DO UPDATE SET
				status = excluded.status,
				task_id = excluded.task_id,
				updated_at = excluded.updated_at
		`, run.ID, step.StepID, string(step.AgentType), string(step.Status),
			step.TaskID, step.CreatedAt, step.UpdatedAt)
		if err != nil {
			return fmt.Errorf("saving step %s of run %s: %w", step.StepID, run.ID, err)
		}
	}

	return tx.Commit()
}

// GetRun returns a run with steps and repair history populated
func (s *SQLiteStore) GetRun(runID string) (*types.Run, error) {
	run := &types.Run{}
	var state, phase, phaseAttempts string
	err := s.db.QueryRow(`
		SELECT id, tenant_id, COALESCE(spec, ''), state, phase, attempt_count,
			repair_phase_count, current_cost, COALESCE(phase_attempts, ''),
			started_at, updated_at
		FROM runs WHERE id = ?
	`, runID).Scan(&run.ID, &run.TenantID, &run.Spec, &state, &phase,
		&run.AttemptCount, &run.RepairPhaseCount, &run.CurrentCost,
		&phaseAttempts, &run.StartedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("getting run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", runID, err)
	}

	run.State = types.RunState(state)
	run.Phase = types.RepairPhase(phase)
	if phaseAttempts != "" {
		if err := json.Unmarshal([]byte(phaseAttempts), &run.PhaseAttempts); err != nil {
			return nil, fmt.Errorf("unmarshaling phase attempts: %w", err)
		}
	}

	if run.Steps, err = s.loadSteps(runID); err != nil {
		return nil, err
	}
	if run.RepairHistory, err = s.loadRepairHistory(runID); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns all stored runs ordered by start time
func (s *SQLiteStore) ListRuns() ([]*types.Run, error) {
	rows, err := s.db.Query(`SELECT id FROM runs ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runs := make([]*types.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// AppendRepairAttempt appends one entry to a run's repair history
func (s *SQLiteStore) AppendRepairAttempt(runID string, attempt types.RepairAttempt) error {
	success := 0
	if attempt.Success {
		success = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO repair_attempts (run_id, timestamp, step_id, failure_class, phase, strategy, result, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, attempt.Timestamp, attempt.StepID, string(attempt.FailureClass),
		string(attempt.Phase), attempt.Strategy, attempt.Result, success)
	if err != nil {
		return fmt.Errorf("appending repair attempt for run %s: %w", runID, err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) loadSteps(runID string) ([]types.StepRecord, error) {
	rows, err := s.db.Query(`
		SELECT step_id, agent_type, status, COALESCE(task_id, ''), created_at, updated_at
		FROM steps WHERE run_id = ? ORDER BY created_at ASC, step_id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading steps for run %s: %w", runID, err)
	}
	defer rows.Close()

	var steps []types.StepRecord
	for rows.Next() {
		var step types.StepRecord
		var agent, status string
		if err := rows.Scan(&step.StepID, &agent, &status, &step.TaskID, &step.CreatedAt, &step.UpdatedAt); err != nil {
			return nil, err
		}
		step.AgentType = types.AgentType(agent)
		step.Status = types.StepStatus(status)
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *SQLiteStore) loadRepairHistory(runID string) ([]types.RepairAttempt, error) {
	rows, err := s.db.Query(`
		SELECT timestamp, step_id, failure_class, phase, strategy, COALESCE(result, ''), success
		FROM repair_attempts WHERE run_id = ? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading repair history for run %s: %w", runID, err)
	}
	defer rows.Close()

	var history []types.RepairAttempt
	for rows.Next() {
		var att types.RepairAttempt
		var fc, phase string
		var success int
		if err := rows.Scan(&att.Timestamp, &att.StepID, &fc, &phase, &att.Strategy, &att.Result, &success); err != nil {
			return nil, err
		}
		att.FailureClass = types.FailureClass(fc)
		att.Phase = types.RepairPhase(phase)
		att.Success = success == 1
		history = append(history, att)
	}
	return history, rows.Err()
}
