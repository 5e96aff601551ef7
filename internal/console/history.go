package console

import (
	"database/sql"
	"fmt"
	"time"
)

// CommandRecord is one command written to the server console
type CommandRecord struct {
	ID           int64
	RunID        string
	Source       string
	Command      string
	ExecutedAt   time.Time
	Success      bool
	ErrorMessage string
}

// CommandHistory stores console commands in the database
type CommandHistory struct {
	db *sql.DB
}

// NewCommandHistory creates a new command history manager
func NewCommandHistory(db *sql.DB) *CommandHistory {
	return &CommandHistory{db: db}
}

// Record stores a command and the result of writing it
func (ch *CommandHistory) Record(runID, source, command string, sendErr error) error {
	if ch == nil || ch.db == nil {
		return nil
	}

	var errorMessage sql.NullString
	if sendErr != nil {
		errorMessage = sql.NullString{String: sendErr.Error(), Valid: true}
	}

	_, err := ch.db.Exec(`
		INSERT INTO console_commands (run_id, source, command, executed_at, success, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, source, command, time.Now(), sendErr == nil, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to save command history: %w", err)
	}
	return nil
}

// Recent returns the most recent commands, newest first
func (ch *CommandHistory) Recent(limit int) ([]CommandRecord, error) {
	return ch.query(`SELECT id, run_id, source, command, executed_at, success, error_message
		FROM console_commands
		ORDER BY executed_at DESC, id DESC
		LIMIT ?`, normalizeLimit(limit))
}

// Search returns commands containing the query, newest first
func (ch *CommandHistory) Search(query string, limit int) ([]CommandRecord, error) {
	return ch.query(`SELECT id, run_id, source, command, executed_at, success, error_message
		FROM console_commands
		WHERE command LIKE ?
		ORDER BY executed_at DESC, id DESC
		LIMIT ?`, "%"+query+"%", normalizeLimit(limit))
}

func (ch *CommandHistory) query(query string, args ...interface{}) ([]CommandRecord, error) {
	rows, err := ch.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	commands := []CommandRecord{}
	for rows.Next() {
		var cmd CommandRecord
		var runID, errorMessage sql.NullString
		if err := rows.Scan(&cmd.ID, &runID, &cmd.Source, &cmd.Command, &cmd.ExecutedAt, &cmd.Success, &errorMessage); err != nil {
			return nil, err
		}
		cmd.RunID = runID.String
		cmd.ErrorMessage = errorMessage.String
		commands = append(commands, cmd)
	}

	return commands, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
