package logging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ActivityLogger records supervisor lifecycle events to the database and a daily JSON-lines file
type ActivityLogger struct {
	db          *sql.DB
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// Activity represents a logged activity
type Activity struct {
	Timestamp    time.Time              `json:"timestamp"`
	RunID        string                 `json:"run_id,omitempty"`
	ActivityType string                 `json:"activity_type"`
	Description  string                 `json:"description"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// Activity type constants
const (
	ActivityServerStart        = "server.start"
	ActivityServerStop         = "server.stop"
	ActivityServerCrash        = "server.crash"
	ActivityServerForcedKill   = "server.forced_kill"
	ActivityServerRestart      = "server.restart"
	ActivityServerStatusChange = "server.status_change"
	ActivityCommandExecute     = "command.execute"
	ActivityPreflight          = "preflight.remediate"
	ActivityBackupCreate       = "backup.create"
	ActivityBackupRecover      = "backup.recover"
	ActivityBackupExport       = "backup.export"
	ActivityError              = "error"
)

// NewActivityLogger creates a new activity logger. db may be nil for file-only logging.
func NewActivityLogger(db *sql.DB, logDir string) (*ActivityLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logger := &ActivityLogger{
		db:     db,
		logDir: logDir,
	}

	log.Printf("[ActivityLogger] Initialized (log directory: %s)", logDir)

	return logger, nil
}

// LogActivity logs an activity to both database and file
func (al *ActivityLogger) LogActivity(activity *Activity) error {
	if al == nil {
		return nil
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if activity.Timestamp.IsZero() {
		activity.Timestamp = time.Now()
	}

	if err := al.logToDatabase(activity); err != nil {
		// Keep going, the file copy is the fallback
		log.Printf("[ActivityLogger] Error logging to database: %v", err)
	}

	if err := al.logToFile(activity); err != nil {
		log.Printf("[ActivityLogger] Error logging to file: %v", err)
		return err
	}

	return nil
}

// LogServerStart logs a start attempt
func (al *ActivityLogger) LogServerStart(runID string, pid int, success bool, errorMsg string) error {
	return al.LogActivity(&Activity{
		RunID:        runID,
		ActivityType: ActivityServerStart,
		Description:  "Server start",
		Metadata:     map[string]interface{}{"pid": pid},
		Success:      success,
		ErrorMessage: errorMsg,
	})
}

// LogServerStop logs an operator-initiated stop. forced is true when the process had to be killed.
func (al *ActivityLogger) LogServerStop(runID string, forced bool, errorMsg string) error {
	activityType := ActivityServerStop
	description := "Server stopped"
	if forced {
		activityType = ActivityServerForcedKill
		description = "Server stopped (forced)"
	}

	return al.LogActivity(&Activity{
		RunID:        runID,
		ActivityType: activityType,
		Description:  description,
		Metadata:     map[string]interface{}{"forced": forced},
		Success:      errorMsg == "",
		ErrorMessage: errorMsg,
	})
}

// LogServerCrash logs a process that exited without the stop sentinel
func (al *ActivityLogger) LogServerCrash(runID string, reason string) error {
	return al.LogActivity(&Activity{
		RunID:        runID,
		ActivityType: ActivityServerCrash,
		Description:  "Server exited unexpectedly",
		Metadata:     map[string]interface{}{"reason": reason},
		Success:      false,
		ErrorMessage: reason,
	})
}

// LogStatusChange logs a supervisor state transition
func (al *ActivityLogger) LogStatusChange(runID string, oldStatus, newStatus string) error {
	return al.LogActivity(&Activity{
		RunID:        runID,
		ActivityType: ActivityServerStatusChange,
		Description:  fmt.Sprintf("Status changed: %s -> %s", oldStatus, newStatus),
		Metadata: map[string]interface{}{
			"old_status": oldStatus,
			"new_status": newStatus,
		},
		Success: true,
	})
}

// LogCommandExecute logs a console command write
func (al *ActivityLogger) LogCommandExecute(runID string, source string, command string, errorMsg string) error {
	return al.LogActivity(&Activity{
		RunID:        runID,
		ActivityType: ActivityCommandExecute,
		Description:  fmt.Sprintf("Command executed: %s", command),
		Metadata: map[string]interface{}{
			"command": command,
			"source":  source,
		},
		Success:      errorMsg == "",
		ErrorMessage: errorMsg,
	})
}

// LogRemediation logs an applied preflight remediation
func (al *ActivityLogger) LogRemediation(kind string, attempt int, errorMsg string) error {
	return al.LogActivity(&Activity{
		ActivityType: ActivityPreflight,
		Description:  fmt.Sprintf("Preflight remediation: %s", kind),
		Metadata: map[string]interface{}{
			"kind":    kind,
			"attempt": attempt,
		},
		Success:      errorMsg == "",
		ErrorMessage: errorMsg,
	})
}

// LogBackup logs a finished backup attempt
func (al *ActivityLogger) LogBackup(activityType string, backupID, destination string, metadata map[string]interface{}, errorMsg string) error {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["backup_id"] = backupID
	metadata["destination"] = destination

	return al.LogActivity(&Activity{
		ActivityType: activityType,
		Description:  fmt.Sprintf("Backup %s: %s", backupID, destination),
		Metadata:     metadata,
		Success:      errorMsg == "",
		ErrorMessage: errorMsg,
	})
}

// GetActivities retrieves activities from the database, newest first
func (al *ActivityLogger) GetActivities(activityType string, since time.Time, limit int) ([]*Activity, error) {
	if al == nil || al.db == nil {
		return nil, fmt.Errorf("database not available")
	}

	query := `
		SELECT timestamp, run_id, activity_type, description, metadata, success, error_message
		FROM activity_log
		WHERE 1=1
	`
	args := make([]interface{}, 0)

	if activityType != "" {
		query += " AND activity_type = ?"
		args = append(args, activityType)
	}

	if !since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, since)
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := al.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	activities := make([]*Activity, 0)

	for rows.Next() {
		activity := &Activity{}
		var runID, description, metadataJSON, errorMessage sql.NullString

		if err := rows.Scan(
			&activity.Timestamp,
			&runID,
			&activity.ActivityType,
			&description,
			&metadataJSON,
			&activity.Success,
			&errorMessage,
		); err != nil {
			log.Printf("[ActivityLogger] Error scanning row: %v", err)
			continue
		}

		activity.RunID = runID.String
		activity.Description = description.String
		activity.ErrorMessage = errorMessage.String

		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &activity.Metadata); err != nil {
				log.Printf("[ActivityLogger] Error unmarshaling metadata: %v", err)
			}
		}

		activities = append(activities, activity)
	}

	return activities, rows.Err()
}

func (al *ActivityLogger) logToDatabase(activity *Activity) error {
	if al.db == nil {
		return nil
	}

	metadataJSON, err := json.Marshal(activity.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = al.db.Exec(`
		INSERT INTO activity_log (
			timestamp, run_id, activity_type, description, metadata, success, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		activity.Timestamp,
		activity.RunID,
		activity.ActivityType,
		activity.Description,
		string(metadataJSON),
		activity.Success,
		activity.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}

	return nil
}

func (al *ActivityLogger) logToFile(activity *Activity) error {
	currentDate := activity.Timestamp.Format("2006-01-02")

	if al.currentFile == nil || al.currentDate != currentDate {
		if err := al.rotateLogFile(currentDate); err != nil {
			return fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	line, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	if _, err := fmt.Fprintf(al.currentFile, "%s\n", line); err != nil {
		return fmt.Errorf("failed to write to log file: %w", err)
	}

	switch activity.ActivityType {
	case ActivityServerCrash, ActivityServerForcedKill, ActivityBackupCreate, ActivityError:
		al.currentFile.Sync()
	}

	return nil
}

func (al *ActivityLogger) rotateLogFile(date string) error {
	if al.currentFile != nil {
		al.currentFile.Close()
		al.currentFile = nil
	}

	logPath := filepath.Join(al.logDir, fmt.Sprintf("activity-%s.log", date))

	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	al.currentFile = file
	al.currentDate = date
	return nil
}

// Close closes the activity logger
func (al *ActivityLogger) Close() error {
	if al == nil {
		return nil
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if al.currentFile != nil {
		err := al.currentFile.Close()
		al.currentFile = nil
		return err
	}

	return nil
}

// CleanupOldActivities removes activities older than a specified duration
func (al *ActivityLogger) CleanupOldActivities(olderThan time.Duration) error {
	if al == nil || al.db == nil {
		return fmt.Errorf("database not available")
	}

	cutoff := time.Now().Add(-olderThan)

	result, err := al.db.Exec(`DELETE FROM activity_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup old activities: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	log.Printf("[ActivityLogger] Cleaned up %d activities older than %v", rowsAffected, olderThan)

	return nil
}
