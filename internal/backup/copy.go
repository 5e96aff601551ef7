package backup

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// markerFile flags a backup directory whose copy has not finished
const markerFile = ".mcpal-backup"

type copyOptions struct {
	include []string // top-level entries to copy; empty copies everything
	exclude []string // glob patterns matched against the relative path and the base name
	skip    []string // absolute paths never descended into
}

type copyStats struct {
	Files int
	Bytes int64
}

// copyTree copies src into dst preserving permissions and modification
// times. Symlinks are recreated rather than followed.
func copyTree(ctx context.Context, src, dst string, opts copyOptions) (copyStats, error) {
	var stats copyStats

	include := make(map[string]bool, len(opts.include))
	for _, entry := range opts.include {
		entry = strings.Trim(filepath.ToSlash(strings.TrimSpace(entry)), "/")
		if entry != "" {
			include[strings.SplitN(entry, "/", 2)[0]] = true
		}
	}

	skip := make([]string, 0, len(opts.skip))
	for _, p := range opts.skip {
		if abs, err := filepath.Abs(p); err == nil {
			skip = append(skip, abs)
		}
	}

	srcAbs, err := filepath.Abs(src)
	if err != nil {
		return stats, err
	}

	type dirTime struct {
		path string
		info fs.FileInfo
	}
	var dirs []dirTime

	err = filepath.WalkDir(srcAbs, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(srcAbs, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if rel == "." {
			info, err := d.Info()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dst, info.Mode().Perm()|0700); err != nil {
				return err
			}
			return nil
		}

		if isSkipped(path, skip) || !included(rel, include) || excluded(rel, opts.exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.IsDir():
			if err := os.Mkdir(target, info.Mode().Perm()|0700); err != nil && !os.IsExist(err) {
				return err
			}
			dirs = append(dirs, dirTime{path: target, info: info})
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.Symlink(link, target); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			n, err := copyFile(path, target, info)
			if err != nil {
				return err
			}
			stats.Files++
			stats.Bytes += n
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("copy %s: %w", src, err)
	}

	// Directory times last, since writing children bumps them
	for i := len(dirs) - 1; i >= 0; i-- {
		os.Chmod(dirs[i].path, dirs[i].info.Mode().Perm())
		os.Chtimes(dirs[i].path, dirs[i].info.ModTime(), dirs[i].info.ModTime())
	}

	return stats, nil
}

func copyFile(src, dst string, info fs.FileInfo) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}

	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return n, err
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return n, err
	}
	return n, nil
}

func isSkipped(path string, skip []string) bool {
	for _, s := range skip {
		if isWithin(s, path) {
			return true
		}
	}
	return false
}

func included(rel string, include map[string]bool) bool {
	if len(include) == 0 {
		return true
	}
	top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	return include[top]
}

func excluded(rel string, patterns []string) bool {
	slashed := filepath.ToSlash(rel)
	base := filepath.Base(rel)
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if ok, _ := filepath.Match(pattern, slashed); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// isWithin reports whether path equals root or lies beneath it
func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
