package backup

import (
	"database/sql"
	"fmt"
	"time"
)

// Backup record statuses
const (
	StatusCopying     = "copying"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
	StatusPruned      = "pruned"
)

// Backup triggers
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerOnStop   = "on_stop"
)

// BackupRecord is the durable record of one backup attempt
type BackupRecord struct {
	ID              string
	DestinationPath string
	StartedAt       time.Time
	FinishedAt      time.Time
	Completed       bool
	Status          string
	Trigger         string
	SizeBytes       int64
	FileCount       int
	ArchiveName     string
	ErrorMessage    string
}

// RecordStore persists backup records in the backups table
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore creates a record store
func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db}
}

const recordColumns = `id, destination_path, started_at, finished_at, completed, status,
	triggered_by, size_bytes, file_count, archive_name, error_message`

// Insert writes a new record, normally with completed=false
func (rs *RecordStore) Insert(record *BackupRecord) error {
	_, err := rs.db.Exec(`
		INSERT INTO backups (id, destination_path, started_at, completed, status, triggered_by)
		VALUES (?, ?, ?, ?, ?, ?)
	`, record.ID, record.DestinationPath, record.StartedAt, record.Completed, record.Status, record.Trigger)
	if err != nil {
		return fmt.Errorf("failed to save backup record: %w", err)
	}
	return nil
}

// MarkCompleted flips the record to completed once the copy is verified
func (rs *RecordStore) MarkCompleted(id string, finishedAt time.Time, sizeBytes int64, fileCount int) error {
	_, err := rs.db.Exec(`
		UPDATE backups
		SET completed = 1, status = ?, finished_at = ?, size_bytes = ?, file_count = ?, error_message = NULL
		WHERE id = ?
	`, StatusCompleted, finishedAt, sizeBytes, fileCount, id)
	if err != nil {
		return fmt.Errorf("failed to complete backup record: %w", err)
	}
	return nil
}

// MarkFailed records why an attempt did not complete. completed stays false.
func (rs *RecordStore) MarkFailed(id, status, errorMessage string) error {
	_, err := rs.db.Exec(`
		UPDATE backups
		SET completed = 0, status = ?, finished_at = ?, error_message = ?
		WHERE id = ?
	`, status, time.Now(), errorMessage, id)
	if err != nil {
		return fmt.Errorf("failed to update backup record: %w", err)
	}
	return nil
}

// MarkPruned records that retention removed a completed backup
func (rs *RecordStore) MarkPruned(id string) error {
	_, err := rs.db.Exec(`UPDATE backups SET status = ? WHERE id = ?`, StatusPruned, id)
	if err != nil {
		return fmt.Errorf("failed to update backup record: %w", err)
	}
	return nil
}

// SetArchive stores the name of the exported archive
func (rs *RecordStore) SetArchive(id, archiveName string) error {
	_, err := rs.db.Exec(`UPDATE backups SET archive_name = ? WHERE id = ?`, archiveName, id)
	if err != nil {
		return fmt.Errorf("failed to update backup record: %w", err)
	}
	return nil
}

// Get returns a single record
func (rs *RecordStore) Get(id string) (*BackupRecord, error) {
	records, err := rs.query(`SELECT `+recordColumns+` FROM backups WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("backup not found: %s", id)
	}
	return records[0], nil
}

// List returns the most recent records, newest first
func (rs *RecordStore) List(limit int) ([]*BackupRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return rs.query(`SELECT `+recordColumns+` FROM backups ORDER BY started_at DESC, id LIMIT ?`, limit)
}

// Incomplete returns records still marked in progress
func (rs *RecordStore) Incomplete() ([]*BackupRecord, error) {
	return rs.query(`SELECT `+recordColumns+` FROM backups WHERE completed = 0 AND status = ? ORDER BY started_at`, StatusCopying)
}

// Completed returns completed, unpruned records, newest first
func (rs *RecordStore) Completed() ([]*BackupRecord, error) {
	return rs.query(`SELECT `+recordColumns+` FROM backups WHERE completed = 1 AND status = ? ORDER BY started_at DESC, id`, StatusCompleted)
}

func (rs *RecordStore) query(query string, args ...interface{}) ([]*BackupRecord, error) {
	rows, err := rs.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query backups: %w", err)
	}
	defer rows.Close()

	var records []*BackupRecord
	for rows.Next() {
		record := &BackupRecord{}
		var finishedAt sql.NullTime
		var archiveName, errorMsg sql.NullString

		err := rows.Scan(
			&record.ID,
			&record.DestinationPath,
			&record.StartedAt,
			&finishedAt,
			&record.Completed,
			&record.Status,
			&record.Trigger,
			&record.SizeBytes,
			&record.FileCount,
			&archiveName,
			&errorMsg,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backup record: %w", err)
		}

		if finishedAt.Valid {
			record.FinishedAt = finishedAt.Time
		}
		if archiveName.Valid {
			record.ArchiveName = archiveName.String
		}
		if errorMsg.Valid {
			record.ErrorMessage = errorMsg.String
		}
		records = append(records, record)
	}

	return records, rows.Err()
}
