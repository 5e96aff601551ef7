package backup

import (
	"fmt"
	"io"

	"github.com/yourusername/mcpal/internal/config"
)

// Destination is an export target for backup archives
type Destination interface {
	// Upload writes an archive from reader to the destination
	Upload(filename string, reader io.Reader, sizeBytes int64) error

	// Delete removes an archive from the destination
	Delete(filename string) error

	// List returns all archives at the destination
	List() ([]ArchiveFile, error)

	// GetType returns the destination type identifier
	GetType() string
}

// ArchiveFile represents a file at an export destination
type ArchiveFile struct {
	Filename  string
	SizeBytes int64
	CreatedAt int64 // Unix timestamp
}

// NewDestination creates a destination from its configuration
func NewDestination(cfg config.DestinationConfig) (Destination, error) {
	switch cfg.Type {
	case "local":
		return NewLocalDestination(cfg.Path), nil
	case "sftp":
		return NewSFTPDestination(cfg)
	case "s3":
		return NewS3Destination(cfg)
	default:
		return nil, fmt.Errorf("unsupported destination type: %s", cfg.Type)
	}
}
