package server

import (
	"database/sql"
	"fmt"
	"time"
)

// RunRecord is one server process that reached RUNNING
type RunRecord struct {
	ID         string
	PID        int
	StartedAt  time.Time
	StoppedAt  time.Time
	ExitReason string
}

// Active reports whether the run has not been closed yet
func (r RunRecord) Active() bool {
	return r.StoppedAt.IsZero()
}

// RunStore keeps the server_runs table. A nil store records nothing.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a run store
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// Begin records a run that reached RUNNING
func (rs *RunStore) Begin(id string, pid int, startedAt time.Time) error {
	if rs == nil || rs.db == nil {
		return nil
	}
	_, err := rs.db.Exec(`INSERT INTO server_runs (id, pid, started_at) VALUES (?, ?, ?)`, id, pid, startedAt)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", id, err)
	}
	return nil
}

// End closes a run. Runs already closed keep their first exit reason.
func (rs *RunStore) End(id string, stoppedAt time.Time, reason string) error {
	if rs == nil || rs.db == nil {
		return nil
	}
	_, err := rs.db.Exec(`UPDATE server_runs SET stopped_at = ?, exit_reason = ? WHERE id = ? AND stopped_at IS NULL`,
		stoppedAt, reason, id)
	if err != nil {
		return fmt.Errorf("failed to close run %s: %w", id, err)
	}
	return nil
}

// CloseAbandoned ends runs left open by a supervisor that died with its server
func (rs *RunStore) CloseAbandoned(now time.Time) (int64, error) {
	if rs == nil || rs.db == nil {
		return 0, nil
	}
	result, err := rs.db.Exec(`UPDATE server_runs SET stopped_at = ?, exit_reason = 'supervisor exited' WHERE stopped_at IS NULL`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to close abandoned runs: %w", err)
	}
	return result.RowsAffected()
}

// Recent returns the newest runs first
func (rs *RunStore) Recent(limit int) ([]RunRecord, error) {
	if rs == nil || rs.db == nil {
		return nil, fmt.Errorf("run history not available")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := rs.db.Query(`SELECT id, pid, started_at, stopped_at, exit_reason
		FROM server_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []RunRecord{}
	for rows.Next() {
		var run RunRecord
		var pid sql.NullInt64
		var stoppedAt sql.NullTime
		var reason sql.NullString
		if err := rows.Scan(&run.ID, &pid, &run.StartedAt, &stoppedAt, &reason); err != nil {
			return nil, err
		}
		run.PID = int(pid.Int64)
		run.StoppedAt = stoppedAt.Time
		run.ExitReason = reason.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
