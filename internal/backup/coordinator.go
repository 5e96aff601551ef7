package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yourusername/mcpal/internal/config"
	"github.com/yourusername/mcpal/internal/logging"
	"github.com/yourusername/mcpal/internal/metrics"
	"github.com/yourusername/mcpal/internal/server"
)

// CurrentBackupEnv holds the destination of the copy in progress
const CurrentBackupEnv = "CURRENT_BACKUP_DIR_PATH"

var (
	ErrBackupInProgress = errors.New("a backup is already in progress")
	ErrServerRunning    = errors.New("server is running; stop it or enable backup.hold_saves")
	ErrCopy             = errors.New("backup copy failed")
	ErrHoldTimeout      = errors.New("server did not confirm save hold in time")
)

const (
	defaultHoldTimeout = 30 * time.Second
	saveQueryInterval  = time.Second
	saveReadyMarker    = "Data saved"
)

// ServerControl is the part of the supervisor the coordinator drives
type ServerControl interface {
	Exclusive(ctx context.Context, fn func(lc server.Lifecycle) error) error
	SendCommandAs(ctx context.Context, source, text string) error
	Subscribe(buffer int) (<-chan string, func(), error)
}

// Coordinator copies the server directory into timestamped backups around the server lifecycle
type Coordinator struct {
	cfg       config.BackupConfig
	serverDir string
	backupDir string
	server    ServerControl
	store     *RecordStore
	retention *RetentionManager
	activity  *logging.ActivityLogger

	mu            sync.Mutex
	now           func() time.Time
	queryInterval time.Duration
	newDest       func(config.DestinationConfig) (Destination, error)
}

// NewCoordinator creates a backup coordinator
func NewCoordinator(cfg config.BackupConfig, startup config.StartupConfiguration, srv ServerControl, db *sql.DB, activity *logging.ActivityLogger) *Coordinator {
	store := NewRecordStore(db)
	backupDir := startup.BackupDir()
	if abs, err := filepath.Abs(backupDir); err == nil {
		backupDir = abs
	}
	serverDir := startup.ServerDir()
	if abs, err := filepath.Abs(serverDir); err == nil {
		serverDir = abs
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "backup"
	}

	c := &Coordinator{
		cfg:           cfg,
		serverDir:     serverDir,
		backupDir:     backupDir,
		server:        srv,
		store:         store,
		retention:     NewRetentionManager(store, backupDir, cfg.Destinations),
		activity:      activity,
		now:           time.Now,
		queryInterval: saveQueryInterval,
		newDest:       NewDestination,
	}
	c.retention.open = func(destCfg config.DestinationConfig) (Destination, error) {
		return c.newDest(destCfg)
	}
	return c
}

// Store exposes the backup records
func (c *Coordinator) Store() *RecordStore {
	return c.store
}

// StopHook returns the hook registered with the supervisor when backup.on_stop is set
func (c *Coordinator) StopHook() server.StopHook {
	return func(ctx context.Context, lc server.Lifecycle) error {
		_, err := c.backupWith(ctx, lc, TriggerOnStop)
		return err
	}
}

// Backup takes a backup now. No start or stop can interleave with it.
func (c *Coordinator) Backup(ctx context.Context, trigger string) (*BackupRecord, error) {
	var record *BackupRecord
	err := c.server.Exclusive(ctx, func(lc server.Lifecycle) error {
		var err error
		record, err = c.backupWith(ctx, lc, trigger)
		return err
	})
	return record, err
}

func (c *Coordinator) backupWith(ctx context.Context, lc server.Lifecycle, trigger string) (*BackupRecord, error) {
	if !c.mu.TryLock() {
		return nil, ErrBackupInProgress
	}
	defer c.mu.Unlock()

	start := c.now()
	record, err := c.backupByState(ctx, lc, trigger)
	metrics.RecordBackup(trigger, err, c.now().Sub(start).Seconds(), sizeOf(record))
	if err != nil {
		log.Printf("[BackupMgr] Backup (%s) failed: %v", trigger, err)
	}
	return record, err
}

func (c *Coordinator) backupByState(ctx context.Context, lc server.Lifecycle, trigger string) (*BackupRecord, error) {
	state := lc.State()
	if state == server.StateStopped || state == server.StatePreflightFailed {
		return c.copyAndRecord(ctx, trigger)
	}
	if state != server.StateRunning {
		return nil, fmt.Errorf("%w (state %s)", ErrServerRunning, state)
	}

	if c.cfg.HoldSaves {
		return c.backupHoldingSaves(ctx, trigger)
	}

	if c.cfg.WhenRunning != config.WhenRunningRestart {
		return nil, ErrServerRunning
	}

	log.Printf("[BackupMgr] Stopping server for backup")
	if err := lc.Stop(ctx); err != nil && !errors.Is(err, server.ErrNotRunning) {
		return nil, fmt.Errorf("failed to stop server for backup: %w", err)
	}

	record, err := c.copyAndRecord(ctx, trigger)

	log.Printf("[BackupMgr] Restarting server after backup")
	if startErr := lc.Start(ctx); startErr != nil {
		log.Printf("[BackupMgr] Failed to restart server after backup: %v", startErr)
		if err == nil {
			err = fmt.Errorf("backup completed but restart failed: %w", startErr)
		}
	}
	return record, err
}

func (c *Coordinator) backupHoldingSaves(ctx context.Context, trigger string) (*BackupRecord, error) {
	lines, cancel, err := c.server.Subscribe(256)
	if err != nil {
		return nil, err
	}
	defer cancel()

	log.Printf("[BackupMgr] Holding saves")
	if err := c.server.SendCommandAs(ctx, server.SourceBackup, "save hold"); err != nil {
		return nil, fmt.Errorf("save hold: %w", err)
	}
	defer func() {
		if err := c.server.SendCommandAs(context.Background(), server.SourceBackup, "save resume"); err != nil {
			log.Printf("[BackupMgr] Failed to resume saves: %v", err)
		}
	}()

	if err := c.awaitSaveReady(ctx, lines); err != nil {
		return nil, err
	}
	return c.copyAndRecord(ctx, trigger)
}

// awaitSaveReady polls save query until the server reports its files are ready
func (c *Coordinator) awaitSaveReady(ctx context.Context, lines <-chan string) error {
	timeout := c.cfg.HoldTimeout
	if timeout <= 0 {
		timeout = defaultHoldTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.queryInterval)
	defer ticker.Stop()

	if err := c.server.SendCommandAs(ctx, server.SourceBackup, "save query"); err != nil {
		return fmt.Errorf("save query: %w", err)
	}

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return fmt.Errorf("console closed while waiting for save hold: %w", server.ErrNotRunning)
			}
			if strings.Contains(line, saveReadyMarker) {
				return nil
			}
		case <-ticker.C:
			if err := c.server.SendCommandAs(ctx, server.SourceBackup, "save query"); err != nil {
				return fmt.Errorf("save query: %w", err)
			}
		case <-deadline.C:
			return ErrHoldTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) copyAndRecord(ctx context.Context, trigger string) (*BackupRecord, error) {
	if err := os.MkdirAll(c.backupDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCopy, err)
	}

	started := c.now()
	record := &BackupRecord{
		ID:              "backup-" + uuid.New().String()[:8],
		DestinationPath: c.destinationFor(started),
		StartedAt:       started,
		Status:          StatusCopying,
		Trigger:         trigger,
	}

	log.Printf("[BackupMgr] Starting backup %s to %s", record.ID, record.DestinationPath)

	if err := c.store.Insert(record); err != nil {
		return nil, err
	}

	os.Setenv(CurrentBackupEnv, record.DestinationPath)
	defer os.Unsetenv(CurrentBackupEnv)

	stats, err := c.copyInto(ctx, record)
	if err != nil {
		record.Status = StatusFailed
		record.ErrorMessage = err.Error()
		if rmErr := os.RemoveAll(record.DestinationPath); rmErr != nil {
			log.Printf("[BackupMgr] Failed to remove partial backup %s: %v", record.DestinationPath, rmErr)
		}
		if dbErr := c.store.MarkFailed(record.ID, StatusFailed, err.Error()); dbErr != nil {
			log.Printf("[BackupMgr] %v", dbErr)
		}
		c.activity.LogBackup(logging.ActivityBackupCreate, record.ID, record.DestinationPath,
			map[string]interface{}{"trigger": trigger}, err.Error())
		return record, fmt.Errorf("%w: %w", ErrCopy, err)
	}

	record.FinishedAt = c.now()
	record.Completed = true
	record.Status = StatusCompleted
	record.SizeBytes = stats.Bytes
	record.FileCount = stats.Files
	if err := c.store.MarkCompleted(record.ID, record.FinishedAt, stats.Bytes, stats.Files); err != nil {
		return record, err
	}

	log.Printf("[BackupMgr] Backup %s completed (%d files, %d bytes)", record.ID, stats.Files, stats.Bytes)
	c.activity.LogBackup(logging.ActivityBackupCreate, record.ID, record.DestinationPath,
		map[string]interface{}{
			"trigger":    trigger,
			"size_bytes": stats.Bytes,
			"file_count": stats.Files,
		}, "")

	c.export(ctx, record)

	if _, err := c.retention.EnforceRetention(c.cfg.Retention); err != nil {
		log.Printf("[BackupMgr] Retention failed: %v", err)
	}

	return record, nil
}

func (c *Coordinator) copyInto(ctx context.Context, record *BackupRecord) (copyStats, error) {
	if err := os.Mkdir(record.DestinationPath, 0755); err != nil {
		return copyStats{}, err
	}
	marker := filepath.Join(record.DestinationPath, markerFile)
	if err := os.WriteFile(marker, []byte(record.ID+"\n"), 0644); err != nil {
		return copyStats{}, err
	}

	stats, err := copyTree(ctx, c.serverDir, record.DestinationPath, copyOptions{
		include: c.cfg.Include,
		exclude: append([]string{markerFile}, c.cfg.Exclude...),
		skip:    []string{c.backupDir},
	})
	if err != nil {
		return stats, err
	}

	if err := os.Remove(marker); err != nil {
		return stats, err
	}
	return stats, nil
}

// destinationFor names the backup directory, adding a suffix when two backups share a second
func (c *Coordinator) destinationFor(t time.Time) string {
	base := filepath.Join(c.backupDir, c.cfg.Prefix+"_"+t.Format("2006-01-02_15-04-05"))
	dest := base
	for i := 2; ; i++ {
		if _, err := os.Lstat(dest); os.IsNotExist(err) {
			return dest
		}
		dest = fmt.Sprintf("%s_%d", base, i)
	}
}

// export archives a completed backup and uploads it to every destination.
// Failures are logged and never undo the completed backup.
func (c *Coordinator) export(ctx context.Context, record *BackupRecord) {
	if !c.cfg.Archive.Enabled {
		return
	}

	archive, err := CreateArchive(ctx, record.DestinationPath, c.backupDir, c.cfg.Archive)
	if err != nil {
		log.Printf("[BackupMgr] Failed to archive backup %s: %v", record.ID, err)
		c.activity.LogBackup(logging.ActivityBackupExport, record.ID, record.DestinationPath, nil, err.Error())
		return
	}
	record.ArchiveName = archive.Filename
	if err := c.store.SetArchive(record.ID, archive.Filename); err != nil {
		log.Printf("[BackupMgr] %v", err)
	}

	for _, destCfg := range c.cfg.Destinations {
		err := c.upload(destCfg, archive)
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
			log.Printf("[BackupMgr] Export of %s to %s failed: %v", archive.Filename, destCfg.Type, err)
		}
		c.activity.LogBackup(logging.ActivityBackupExport, record.ID, destCfg.Type+":"+destCfg.Path,
			map[string]interface{}{"archive": archive.Filename, "size_bytes": archive.SizeBytes}, errMsg)
	}
}

func (c *Coordinator) upload(destCfg config.DestinationConfig, archive *ArchiveInfo) error {
	dest, err := c.newDest(destCfg)
	if err != nil {
		return err
	}
	if closer, ok := dest.(io.Closer); ok {
		defer closer.Close()
	}

	file, err := os.Open(archive.Path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	return dest.Upload(archive.Filename, file, archive.SizeBytes)
}

// Recover removes backups left incomplete by a crash and marks their records interrupted
func (c *Coordinator) Recover() ([]string, error) {
	var removed []string
	removeDir := func(path, id string) {
		if path == "" || path == c.backupDir || !isWithin(c.backupDir, path) {
			log.Printf("[BackupMgr] Not removing %q outside %s", path, c.backupDir)
			return
		}
		if _, err := os.Lstat(path); os.IsNotExist(err) {
			return
		}
		if err := os.RemoveAll(path); err != nil {
			log.Printf("[BackupMgr] Failed to remove interrupted backup %s: %v", path, err)
			return
		}
		removed = append(removed, path)
		log.Printf("[BackupMgr] Removed interrupted backup %s", path)
		c.activity.LogBackup(logging.ActivityBackupRecover, id, path, nil, "")
	}

	incomplete, err := c.store.Incomplete()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, record := range incomplete {
		seen[record.DestinationPath] = true
		removeDir(record.DestinationPath, record.ID)
		if err := c.store.MarkFailed(record.ID, StatusInterrupted, "interrupted"); err != nil {
			log.Printf("[BackupMgr] %v", err)
		}
	}

	if current := os.Getenv(CurrentBackupEnv); current != "" {
		if !seen[current] && hasMarker(current) {
			seen[current] = true
			removeDir(current, "")
		}
		os.Unsetenv(CurrentBackupEnv)
	}

	entries, err := os.ReadDir(c.backupDir)
	if err != nil && !os.IsNotExist(err) {
		return removed, fmt.Errorf("failed to read backup directory: %w", err)
	}
	for _, entry := range entries {
		path := filepath.Join(c.backupDir, entry.Name())
		if entry.IsDir() && !seen[path] && hasMarker(path) {
			removeDir(path, "")
		}
	}

	return removed, nil
}

func hasMarker(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, markerFile))
	return err == nil
}

func sizeOf(record *BackupRecord) int64 {
	if record == nil || !record.Completed {
		return 0
	}
	return record.SizeBytes
}
