package backup

import (
	"path"
	"strings"

	"github.com/yourusername/mcpal/internal/config"
)

// Compression values accepted in archive.compression
const (
	CompressionGzip = "gzip"
	CompressionNone = "none"
)

func normalizeCompression(cfg config.ArchiveConfig) config.ArchiveConfig {
	compressionType := strings.ToLower(strings.TrimSpace(cfg.Compression))
	if compressionType != CompressionNone {
		compressionType = CompressionGzip
	}

	level := cfg.Level
	if level == 0 {
		level = 6
	}
	if level < 1 {
		level = 1
	}
	if level > 9 {
		level = 9
	}

	cfg.Compression = compressionType
	cfg.Level = level
	return cfg
}

func archiveExtension(cfg config.ArchiveConfig) string {
	if normalizeCompression(cfg).Compression == CompressionNone {
		return "tar"
	}
	return "tar.gz"
}

func compressionFromFilename(filename string) string {
	base := strings.ToLower(path.Base(filename))
	switch {
	case strings.HasSuffix(base, ".tar.gz") || strings.HasSuffix(base, ".tgz"):
		return CompressionGzip
	case strings.HasSuffix(base, ".tar"):
		return CompressionNone
	default:
		return CompressionGzip
	}
}
