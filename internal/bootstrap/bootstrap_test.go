package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/mcpal/internal/config"
	"github.com/yourusername/mcpal/internal/properties"
)

func TestParseSplitsReservedFlagsFromOverrides(t *testing.T) {
	args, err := Parse([]string{
		"--backup-location=/srv/backup",
		"--server-location", "/srv/bedrock",
		"--bedrock-commands=gamerule showcoordinates true",
		"--bedrock-commands=say a=b",
		"--level-name=My World",
		"--max-players=20",
	})
	require.NoError(t, err)

	assert.Equal(t, "/srv/backup", args.BackupDir)
	assert.Equal(t, "/srv/bedrock", args.ServerDir)
	assert.Equal(t, []string{"gamerule showcoordinates true", "say a=b"}, args.BedrockCommands)
	assert.Equal(t, map[string]string{"level-name": "My World", "max-players": "20"}, args.Overrides)
	assert.True(t, args.backupSet)
	assert.True(t, args.serverSet)
}

func TestParseDefaults(t *testing.T) {
	args, err := Parse([]string{"--gamemode=creative"})
	require.NoError(t, err)
	assert.Equal(t, "backup", args.BackupDir)
	assert.Equal(t, "", args.ServerDir)
	assert.False(t, args.backupSet)
	assert.Empty(t, args.BedrockCommands)
}

func TestParseRejectsMalformedArguments(t *testing.T) {
	for _, argv := range [][]string{
		{"b:/srv/backup"},
		{"--gamemode"},
		{"--=creative"},
		{"--backup-location="},
	} {
		_, err := Parse(argv)
		assert.ErrorIs(t, err, ErrInvalidParameters, "%v", argv)
	}
}

func TestResolvePersistsArguments(t *testing.T) {
	root := t.TempDir()
	argv := []string{"--backup-location=/srv/backup", "--gamemode=creative"}

	_, err := Resolve(root, argv)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, ConfigFileName))
	require.NoError(t, err)
	assert.Equal(t, "--backup-location=/srv/backup\n--gamemode=creative\n", string(data))
}

func TestResolveReadsAndDeletesStoredArguments(t *testing.T) {
	root := t.TempDir()
	cfgPath := filepath.Join(root, ConfigFileName)
	require.NoError(t, os.WriteFile(cfgPath, []byte("--backup-location=/srv/backup\n\n--difficulty=hard\n"), 0644))

	args, err := Resolve(root, nil)
	require.NoError(t, err)
	assert.Equal(t, "/srv/backup", args.BackupDir)
	assert.Equal(t, map[string]string{"difficulty": "hard"}, args.Overrides)
	assert.NoFileExists(t, cfgPath)

	_, err = Resolve(root, nil)
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestStartupMergesArgumentsAndProperties(t *testing.T) {
	root := t.TempDir()
	serverDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(serverDir, properties.FileName),
		[]byte("gamemode=survival\ndifficulty=easy\n"), 0644))

	cfg := config.Default()
	cfg.Server.StartupCommands = []string{"from config"}

	args, err := Parse([]string{
		"--server-location=" + serverDir,
		"--backup-location=" + filepath.Join(root, "backups"),
		"--gamemode=creative",
		"--bogus=1",
	})
	require.NoError(t, err)

	startup, result, err := args.Startup(root, cfg)
	require.NoError(t, err)

	assert.Equal(t, serverDir, startup.ServerDir())
	assert.Equal(t, filepath.Join(root, "backups"), startup.BackupDir())
	assert.Equal(t, root, startup.RootDir())
	assert.Equal(t, []string{"from config"}, startup.StartupCommands())
	assert.Equal(t, map[string]string{"gamemode": "creative"}, startup.OverriddenProperties())
	assert.Equal(t, serverDir, cfg.Server.Dir)

	require.Len(t, result.Rejected, 1)
	assert.Equal(t, "bogus", result.Rejected[0].Key)
}

func TestStartupFailsWithoutProperties(t *testing.T) {
	args, err := Parse([]string{"--server-location=" + t.TempDir()})
	require.NoError(t, err)

	_, _, err = args.Startup(t.TempDir(), config.Default())
	assert.ErrorIs(t, err, properties.ErrNoProperties)
}
