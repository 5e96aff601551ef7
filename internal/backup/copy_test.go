package backup

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyTreePreservesModeAndTimes(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "bedrock_server", []byte("#!/bin/sh\n"))
	require.NoError(t, os.Chmod(filepath.Join(src, "bedrock_server"), 0755))
	mtime := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(src, "bedrock_server"), mtime, mtime))

	dst := filepath.Join(t.TempDir(), "copy")
	stats, err := copyTree(context.Background(), src, dst, copyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, int64(len("#!/bin/sh\n")), stats.Bytes)

	info, err := os.Stat(filepath.Join(dst, "bedrock_server"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime))
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
	}
}

func TestCopyTreeIncludeAndExclude(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "worlds/Bedrock level/level.dat", []byte("level"))
	writeFile(t, src, "worlds/Bedrock level/db/LOCK", []byte(""))
	writeFile(t, src, "worlds/Bedrock level/db/000001.ldb", []byte("data"))
	writeFile(t, src, "server.properties", []byte("x"))
	writeFile(t, src, "logs/latest.log", []byte("log"))

	dst := filepath.Join(t.TempDir(), "copy")
	stats, err := copyTree(context.Background(), src, dst, copyOptions{
		include: []string{"worlds/"},
		exclude: []string{"LOCK", "*.log"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Files)
	assert.FileExists(t, filepath.Join(dst, "worlds", "Bedrock level", "level.dat"))
	assert.FileExists(t, filepath.Join(dst, "worlds", "Bedrock level", "db", "000001.ldb"))
	assert.NoFileExists(t, filepath.Join(dst, "worlds", "Bedrock level", "db", "LOCK"))
	assert.NoFileExists(t, filepath.Join(dst, "server.properties"))
	assert.NoDirExists(t, filepath.Join(dst, "logs"))
}

func TestCopyTreeRecreatesSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	src := t.TempDir()
	writeFile(t, src, "worlds/Bedrock level/level.dat", []byte("level"))
	require.NoError(t, os.Symlink("worlds/Bedrock level", filepath.Join(src, "current")))

	dst := filepath.Join(t.TempDir(), "copy")
	stats, err := copyTree(context.Background(), src, dst, copyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)

	link, err := os.Readlink(filepath.Join(dst, "current"))
	require.NoError(t, err)
	assert.Equal(t, "worlds/Bedrock level", link)
}

func TestCopyTreeSkipsNestedDestination(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "server.properties", []byte("x"))
	dst := filepath.Join(src, "backup", "first")

	stats, err := copyTree(context.Background(), src, dst, copyOptions{skip: []string{filepath.Join(src, "backup")}})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
	assert.NoDirExists(t, filepath.Join(dst, "backup"))
}

func TestIsWithin(t *testing.T) {
	root := filepath.Join("srv", "backup")
	assert.True(t, isWithin(root, root))
	assert.True(t, isWithin(root, filepath.Join(root, "backup_2024")))
	assert.False(t, isWithin(root, filepath.Join("srv", "backup2")))
	assert.False(t, isWithin(root, "srv"))
	assert.True(t, isWithin(root, filepath.Join(root, "..backup")))
}
