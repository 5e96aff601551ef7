package backup

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/yourusername/mcpal/internal/config"
)

// RetentionManager prunes old completed backups here and at the export destinations
type RetentionManager struct {
	store        *RecordStore
	backupDir    string
	destinations []config.DestinationConfig
	open         func(config.DestinationConfig) (Destination, error)
}

// NewRetentionManager creates a retention manager for backups under backupDir
func NewRetentionManager(store *RecordStore, backupDir string, destinations []config.DestinationConfig) *RetentionManager {
	return &RetentionManager{
		store:        store,
		backupDir:    backupDir,
		destinations: destinations,
		open:         NewDestination,
	}
}

// EnforceRetention keeps the newest keep completed backups and removes the
// rest along with any local archive. keep <= 0 keeps everything.
func (rm *RetentionManager) EnforceRetention(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	completed, err := rm.store.Completed()
	if err != nil {
		return 0, fmt.Errorf("failed to list backups: %w", err)
	}

	if len(completed) <= keep {
		return 0, nil
	}

	log.Printf("[Retention] Enforcing retention (keep %d of %d)", keep, len(completed))

	deleted := 0
	var archives []string
	for _, record := range completed[keep:] {
		log.Printf("[Retention] Deleting old backup: %s (started: %s)",
			record.ID, record.StartedAt.Format("2006-01-02 15:04:05"))

		if err := rm.removeFiles(record); err != nil {
			log.Printf("[Retention] Error deleting backup %s: %v", record.ID, err)
			continue
		}
		if err := rm.store.MarkPruned(record.ID); err != nil {
			log.Printf("[Retention] Error updating backup %s: %v", record.ID, err)
			continue
		}
		if record.ArchiveName != "" {
			archives = append(archives, record.ArchiveName)
		}
		deleted++
	}

	if len(archives) > 0 {
		for _, destCfg := range rm.destinations {
			if err := rm.pruneDestination(destCfg, archives); err != nil {
				log.Printf("[Retention] Error pruning %s destination: %v", destCfg.Type, err)
			}
		}
	}

	log.Printf("[Retention] Retention enforcement complete: deleted %d backups", deleted)
	return deleted, nil
}

func (rm *RetentionManager) removeFiles(record *BackupRecord) error {
	if !isWithin(rm.backupDir, record.DestinationPath) || record.DestinationPath == rm.backupDir {
		return fmt.Errorf("refusing to delete %s outside %s", record.DestinationPath, rm.backupDir)
	}
	if err := os.RemoveAll(record.DestinationPath); err != nil {
		return err
	}
	if record.ArchiveName != "" {
		archivePath := filepath.Join(filepath.Dir(record.DestinationPath), record.ArchiveName)
		if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// pruneDestination deletes the named archives that are present at an export destination
func (rm *RetentionManager) pruneDestination(destCfg config.DestinationConfig, archives []string) error {
	dest, err := rm.open(destCfg)
	if err != nil {
		return err
	}
	if closer, ok := dest.(io.Closer); ok {
		defer closer.Close()
	}

	files, err := dest.List()
	if err != nil {
		return fmt.Errorf("failed to list archives: %w", err)
	}

	stale := make(map[string]bool, len(archives))
	for _, name := range archives {
		stale[name] = true
	}
	for _, file := range files {
		if !stale[file.Filename] {
			continue
		}
		if err := dest.Delete(file.Filename); err != nil {
			log.Printf("[Retention] Error deleting %s from %s: %v", file.Filename, dest.GetType(), err)
			continue
		}
		log.Printf("[Retention] Deleted %s from %s", file.Filename, dest.GetType())
	}
	return nil
}
