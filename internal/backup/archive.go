package backup

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/yourusername/mcpal/internal/config"
)

// ArchiveInfo contains metadata about a created archive
type ArchiveInfo struct {
	Filename    string
	Path        string
	SizeBytes   int64
	CreatedAt   time.Time
	FileCount   int
	Compression string
}

// CreateArchive packs a completed backup directory into outDir. Entries are
// stored relative to the backup directory's parent so extracting the archive
// recreates the backup folder by name.
func CreateArchive(ctx context.Context, srcDir, outDir string, cfg config.ArchiveConfig) (*ArchiveInfo, error) {
	cfg = normalizeCompression(cfg)
	filename := fmt.Sprintf("%s.%s", filepath.Base(srcDir), archiveExtension(cfg))
	archivePath := filepath.Join(outDir, filename)

	log.Printf("[Archive] Creating archive %s from %s", filename, srcDir)

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	file, err := os.CreateTemp(outDir, "."+filename+".*")
	if err != nil {
		return nil, fmt.Errorf("failed to create archive file: %w", err)
	}
	tmpPath := file.Name()

	count, err := writeArchive(ctx, file, srcDir, cfg)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, archivePath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	log.Printf("[Archive] Archive created: %s (%d files, %d bytes)", filename, count, info.Size())

	return &ArchiveInfo{
		Filename:    filename,
		Path:        archivePath,
		SizeBytes:   info.Size(),
		CreatedAt:   time.Now(),
		FileCount:   count,
		Compression: cfg.Compression,
	}, nil
}

func writeArchive(ctx context.Context, w io.Writer, srcDir string, cfg config.ArchiveConfig) (int, error) {
	var gz *gzip.Writer
	out := w
	if cfg.Compression == CompressionGzip {
		var err error
		gz, err = gzip.NewWriterLevel(w, cfg.Level)
		if err != nil {
			return 0, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		out = gz
	}

	tw := tar.NewWriter(out)
	root := filepath.Dir(srcDir)
	count := 0

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Name() == markerFile {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return err
		}
		count++
		return nil
	})
	if walkErr != nil {
		return count, fmt.Errorf("failed to archive %s: %w", srcDir, walkErr)
	}

	if err := tw.Close(); err != nil {
		return count, fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return count, fmt.Errorf("failed to finish gzip stream: %w", err)
		}
	}
	return count, nil
}
