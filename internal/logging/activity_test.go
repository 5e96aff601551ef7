package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yourusername/mcpal/internal/database"
)

func TestActivityLoggerLogActivity(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(root, "data", "test.db")
	logDir := filepath.Join(root, "logs")

	db, err := database.NewDB(dbPath)
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate db: %v", err)
	}

	logger, err := NewActivityLogger(db.DB, logDir)
	if err != nil {
		t.Fatalf("failed to create activity logger: %v", err)
	}
	defer logger.Close()

	if err := logger.LogServerStart("run-1", 42, true, ""); err != nil {
		t.Fatalf("failed to log start: %v", err)
	}
	if err := logger.LogServerCrash("run-1", "unexpected EOF"); err != nil {
		t.Fatalf("failed to log crash: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM activity_log").Scan(&count); err != nil {
		t.Fatalf("failed to query activity log: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 activity rows, got %d", count)
	}

	crashes, err := logger.GetActivities(ActivityServerCrash, time.Time{}, 10)
	if err != nil {
		t.Fatalf("failed to read activities: %v", err)
	}
	if len(crashes) != 1 || crashes[0].RunID != "run-1" || crashes[0].Success {
		t.Fatalf("unexpected crash activities: %+v", crashes)
	}

	if err := logger.CleanupOldActivities(24 * time.Hour); err != nil {
		t.Fatalf("failed to cleanup activities: %v", err)
	}
}

func TestActivityLoggerWritesDailyFileWithoutDatabase(t *testing.T) {
	logDir := t.TempDir()
	logger, err := NewActivityLogger(nil, logDir)
	if err != nil {
		t.Fatalf("failed to create activity logger: %v", err)
	}

	if err := logger.LogServerStop("run-2", true, ""); err != nil {
		t.Fatalf("failed to log stop: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("failed to close logger: %v", err)
	}

	path := filepath.Join(logDir, "activity-"+time.Now().Format("2006-01-02")+".log")
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("expected activity file: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatalf("expected one activity line")
	}

	var activity Activity
	if err := json.Unmarshal(scanner.Bytes(), &activity); err != nil {
		t.Fatalf("invalid activity json: %v", err)
	}
	if activity.ActivityType != ActivityServerForcedKill {
		t.Fatalf("expected forced kill activity, got %s", activity.ActivityType)
	}
}

func TestNilActivityLoggerIsNoop(t *testing.T) {
	var logger *ActivityLogger
	if err := logger.LogServerStart("run", 1, true, ""); err != nil {
		t.Fatalf("expected nil logger to be a no-op, got %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("expected nil close to be a no-op, got %v", err)
	}
}
