package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/mcpal/internal/config"
	"github.com/yourusername/mcpal/internal/database"
	"github.com/yourusername/mcpal/internal/logging"
	"github.com/yourusername/mcpal/internal/server"
)

// fakeServer stands in for the supervisor and is its own Lifecycle
type fakeServer struct {
	mu         sync.Mutex
	state      server.State
	commands   []string
	lines      chan string
	replySaved bool
	starts     int
	stops      int
}

func (f *fakeServer) Exclusive(ctx context.Context, fn func(lc server.Lifecycle) error) error {
	return fn(f)
}

func (f *fakeServer) State() server.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeServer) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.state = server.StateRunning
	return nil
}

func (f *fakeServer) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != server.StateRunning {
		return server.ErrNotRunning
	}
	f.stops++
	f.state = server.StateStopped
	return nil
}

func (f *fakeServer) SendCommandAs(ctx context.Context, source, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, text)
	if text == "save query" && f.replySaved && f.lines != nil {
		select {
		case f.lines <- "Data saved. Files are now ready to be copied.":
		default:
		}
	}
	return nil
}

func (f *fakeServer) Subscribe(buffer int) (<-chan string, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = make(chan string, buffer)
	return f.lines, func() {}, nil
}

func (f *fakeServer) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	c         *Coordinator
	srv       *fakeServer
	clock     *clock
	activity  *logging.ActivityLogger
	serverDir string
	backupDir string
}

func newFixture(t *testing.T, cfg config.BackupConfig) *fixture {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "mcpal.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	activity, err := logging.NewActivityLogger(db.DB, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		activity.Close()
		db.Close()
	})

	serverDir := t.TempDir()
	writeFile(t, serverDir, "server.properties", []byte("server-name=Dedicated Server\n"))
	writeFile(t, serverDir, "worlds/Bedrock level/levelname.txt", []byte("Bedrock level"))
	writeFile(t, serverDir, "worlds/Bedrock level/db/000001.ldb", bytes.Repeat([]byte{0x00, 0xff, 0x7f, 0x10}, 4096))
	writeFile(t, serverDir, "permissions.json", []byte("[]\n"))
	backupDir := filepath.Join(serverDir, "backup")

	if cfg.Prefix == "" {
		cfg.Prefix = "backup"
	}
	if cfg.WhenRunning == "" {
		cfg.WhenRunning = config.WhenRunningReject
	}

	srv := &fakeServer{state: server.StateStopped}
	startup := config.NewStartupConfiguration(t.TempDir(), backupDir, serverDir, nil, nil)
	c := NewCoordinator(cfg, startup, srv, db.DB, activity)

	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	c.now = clk.now

	return &fixture{c: c, srv: srv, clock: clk, activity: activity, serverDir: serverDir, backupDir: backupDir}
}

func writeFile(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

// assertSameTree checks every regular file under src, outside skip, has an identical copy under dst
func assertSameTree(t *testing.T, src, dst, skip string) int {
	t.Helper()
	count := 0
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		if path == skip {
			return filepath.SkipDir
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, _ := filepath.Rel(src, path)
		want, err := os.ReadFile(path)
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(dst, rel))
		require.NoError(t, err, rel)
		assert.True(t, bytes.Equal(want, got), "content differs for %s", rel)
		count++
		return nil
	})
	require.NoError(t, err)
	return count
}

func TestBackupWhileStoppedCopiesTree(t *testing.T) {
	f := newFixture(t, config.BackupConfig{})

	record, err := f.c.Backup(context.Background(), TriggerManual)
	require.NoError(t, err)

	assert.True(t, record.Completed)
	assert.Equal(t, StatusCompleted, record.Status)
	assert.Equal(t, filepath.Join(f.backupDir, "backup_2024-05-01_12-00-00"), record.DestinationPath)

	files := assertSameTree(t, f.serverDir, record.DestinationPath, f.backupDir)
	assert.Equal(t, files, record.FileCount)
	assert.Greater(t, record.SizeBytes, int64(16000))

	assert.NoFileExists(t, filepath.Join(record.DestinationPath, markerFile))
	assert.NoDirExists(t, filepath.Join(record.DestinationPath, "backup"), "backup dir must not be copied into itself")
	assert.Empty(t, os.Getenv(CurrentBackupEnv))

	stored, err := f.c.Store().Get(record.ID)
	require.NoError(t, err)
	assert.True(t, stored.Completed)
	assert.Equal(t, TriggerManual, stored.Trigger)
	assert.Equal(t, record.FileCount, stored.FileCount)
	assert.False(t, stored.FinishedAt.IsZero())

	activities, err := f.activity.GetActivities(logging.ActivityBackupCreate, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.True(t, activities[0].Success)
}

func TestBackupRejectedWhileRunningWithoutHoldSaves(t *testing.T) {
	f := newFixture(t, config.BackupConfig{})
	f.srv.state = server.StateRunning

	record, err := f.c.Backup(context.Background(), TriggerManual)
	assert.ErrorIs(t, err, ErrServerRunning)
	assert.Nil(t, record)

	records, err := f.c.Store().List(10)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, f.srv.sent())
	assert.Equal(t, 0, f.srv.stops)
}

func TestBackupConcurrentRequestIsRejected(t *testing.T) {
	f := newFixture(t, config.BackupConfig{})

	f.c.mu.Lock()
	_, err := f.c.Backup(context.Background(), TriggerManual)
	f.c.mu.Unlock()
	assert.ErrorIs(t, err, ErrBackupInProgress)

	_, err = f.c.Backup(context.Background(), TriggerManual)
	assert.NoError(t, err)
}

func TestBackupRestartPolicyStopsAndStartsServer(t *testing.T) {
	f := newFixture(t, config.BackupConfig{WhenRunning: config.WhenRunningRestart})
	f.srv.state = server.StateRunning

	record, err := f.c.Backup(context.Background(), TriggerSchedule)
	require.NoError(t, err)
	assert.True(t, record.Completed)

	assert.Equal(t, 1, f.srv.stops)
	assert.Equal(t, 1, f.srv.starts)
	assert.Equal(t, server.StateRunning, f.srv.State())
}

func TestBackupHoldingSaves(t *testing.T) {
	f := newFixture(t, config.BackupConfig{HoldSaves: true, HoldTimeout: 5 * time.Second})
	f.srv.state = server.StateRunning
	f.srv.replySaved = true

	record, err := f.c.Backup(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.True(t, record.Completed)

	sent := f.srv.sent()
	require.GreaterOrEqual(t, len(sent), 3)
	assert.Equal(t, "save hold", sent[0])
	assert.Equal(t, "save query", sent[1])
	assert.Equal(t, "save resume", sent[len(sent)-1])
	assert.Equal(t, 0, f.srv.stops, "hold-saves must not stop the server")
}

func TestBackupHoldTimeoutStillResumes(t *testing.T) {
	f := newFixture(t, config.BackupConfig{HoldSaves: true, HoldTimeout: 150 * time.Millisecond})
	f.c.queryInterval = 20 * time.Millisecond
	f.srv.state = server.StateRunning

	_, err := f.c.Backup(context.Background(), TriggerManual)
	assert.ErrorIs(t, err, ErrHoldTimeout)

	sent := f.srv.sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, "save resume", sent[len(sent)-1])

	queries := 0
	for _, cmd := range sent {
		if cmd == "save query" {
			queries++
		}
	}
	assert.Greater(t, queries, 1)

	records, err := f.c.Store().List(10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestBackupCopyFailureLeavesRecordIncomplete(t *testing.T) {
	f := newFixture(t, config.BackupConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	record, err := f.c.Backup(ctx, TriggerManual)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCopy)
	assert.ErrorIs(t, err, context.Canceled)

	require.NotNil(t, record)
	stored, err := f.c.Store().Get(record.ID)
	require.NoError(t, err)
	assert.False(t, stored.Completed)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.NotEmpty(t, stored.ErrorMessage)
	assert.NoDirExists(t, record.DestinationPath)
	assert.Empty(t, os.Getenv(CurrentBackupEnv))
}

func TestBackupDestinationsWithinSameSecondAreUnique(t *testing.T) {
	f := newFixture(t, config.BackupConfig{})

	first, err := f.c.Backup(context.Background(), TriggerManual)
	require.NoError(t, err)
	second, err := f.c.Backup(context.Background(), TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, first.DestinationPath+"_2", second.DestinationPath)
	assertSameTree(t, f.serverDir, second.DestinationPath, f.backupDir)
}

func TestStopHookBacksUpStoppedServer(t *testing.T) {
	f := newFixture(t, config.BackupConfig{OnStop: true})

	require.NoError(t, f.c.StopHook()(context.Background(), f.srv))

	records, err := f.c.Store().List(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, TriggerOnStop, records[0].Trigger)
	assert.True(t, records[0].Completed)
}

func TestRecoverRemovesInterruptedBackups(t *testing.T) {
	f := newFixture(t, config.BackupConfig{})

	interrupted := filepath.Join(f.backupDir, "backup_2024-04-30_03-00-00")
	writeFile(t, interrupted, markerFile, []byte("backup-dead0001\n"))
	writeFile(t, interrupted, "server.properties", []byte("partial"))
	require.NoError(t, f.c.Store().Insert(&BackupRecord{
		ID:              "backup-dead0001",
		DestinationPath: interrupted,
		StartedAt:       time.Date(2024, 4, 30, 3, 0, 0, 0, time.UTC),
		Status:          StatusCopying,
		Trigger:         TriggerSchedule,
	}))

	stray := filepath.Join(f.backupDir, "backup_2024-04-29_03-00-00")
	writeFile(t, stray, markerFile, []byte("unknown\n"))

	fromEnv := filepath.Join(f.backupDir, "backup_2024-04-28_03-00-00")
	writeFile(t, fromEnv, markerFile, []byte("unknown\n"))
	t.Setenv(CurrentBackupEnv, fromEnv)

	healthy := filepath.Join(f.backupDir, "backup_2024-04-27_03-00-00")
	writeFile(t, healthy, "server.properties", []byte("complete"))

	removed, err := f.c.Recover()
	require.NoError(t, err)

	sort.Strings(removed)
	assert.Equal(t, []string{fromEnv, stray, interrupted}, removed)
	assert.NoDirExists(t, interrupted)
	assert.NoDirExists(t, stray)
	assert.NoDirExists(t, fromEnv)
	assert.DirExists(t, healthy)
	assert.Empty(t, os.Getenv(CurrentBackupEnv))

	stored, err := f.c.Store().Get("backup-dead0001")
	require.NoError(t, err)
	assert.False(t, stored.Completed)
	assert.Equal(t, StatusInterrupted, stored.Status)
	assert.Equal(t, "interrupted", stored.ErrorMessage)

	incomplete, err := f.c.Store().Incomplete()
	require.NoError(t, err)
	assert.Empty(t, incomplete)
}

func TestRecoverWithoutBackupDir(t *testing.T) {
	f := newFixture(t, config.BackupConfig{})

	removed, err := f.c.Recover()
	assert.NoError(t, err)
	assert.Empty(t, removed)
}

func TestRetentionKeepsNewestBackups(t *testing.T) {
	f := newFixture(t, config.BackupConfig{Retention: 2})

	var records []*BackupRecord
	for i := 0; i < 3; i++ {
		record, err := f.c.Backup(context.Background(), TriggerSchedule)
		require.NoError(t, err)
		records = append(records, record)
		f.clock.advance(time.Hour)
	}

	assert.NoDirExists(t, records[0].DestinationPath)
	assert.DirExists(t, records[1].DestinationPath)
	assert.DirExists(t, records[2].DestinationPath)

	oldest, err := f.c.Store().Get(records[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPruned, oldest.Status)

	completed, err := f.c.Store().Completed()
	require.NoError(t, err)
	require.Len(t, completed, 2)
	assert.Equal(t, records[2].ID, completed[0].ID)
}

func TestRetentionPrunesExportedArchives(t *testing.T) {
	exportDir := filepath.Join(t.TempDir(), "offsite")
	f := newFixture(t, config.BackupConfig{
		Retention:    1,
		Archive:      config.ArchiveConfig{Enabled: true, Compression: "gzip", Level: 1},
		Destinations: []config.DestinationConfig{{Type: "local", Path: exportDir}},
	})
	require.NoError(t, os.MkdirAll(exportDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(exportDir, "unrelated.tar.gz"), []byte("keep"), 0644))

	first, err := f.c.Backup(context.Background(), TriggerSchedule)
	require.NoError(t, err)
	f.clock.advance(time.Hour)
	second, err := f.c.Backup(context.Background(), TriggerSchedule)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(exportDir, first.ArchiveName))
	assert.NoFileExists(t, filepath.Join(f.backupDir, first.ArchiveName))
	assert.FileExists(t, filepath.Join(exportDir, second.ArchiveName))
	assert.FileExists(t, filepath.Join(exportDir, "unrelated.tar.gz"))
}

func TestBackupExportsArchiveToLocalDestination(t *testing.T) {
	exportDir := filepath.Join(t.TempDir(), "offsite")
	f := newFixture(t, config.BackupConfig{
		Archive:      config.ArchiveConfig{Enabled: true, Compression: "gzip", Level: 6},
		Destinations: []config.DestinationConfig{{Type: "local", Path: exportDir}},
	})

	record, err := f.c.Backup(context.Background(), TriggerManual)
	require.NoError(t, err)

	name := filepath.Base(record.DestinationPath) + ".tar.gz"
	assert.Equal(t, name, record.ArchiveName)
	assert.FileExists(t, filepath.Join(f.backupDir, name))

	archive, err := os.Open(filepath.Join(exportDir, name))
	require.NoError(t, err)
	defer archive.Close()

	gz, err := gzip.NewReader(archive)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	contents := make(map[string][]byte)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if header.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			require.NoError(t, err)
			contents[header.Name] = data
		}
	}

	base := filepath.Base(record.DestinationPath)
	assert.Equal(t, []byte("server-name=Dedicated Server\n"), contents[base+"/server.properties"])
	assert.Contains(t, contents, base+"/worlds/Bedrock level/db/000001.ldb")
	assert.NotContains(t, contents, base+"/"+markerFile)
	assert.Len(t, contents, record.FileCount)
}

func TestExportFailureKeepsCompletedBackup(t *testing.T) {
	f := newFixture(t, config.BackupConfig{
		Archive:      config.ArchiveConfig{Enabled: true, Compression: "none"},
		Destinations: []config.DestinationConfig{{Type: "sftp", Host: "unreachable"}},
	})
	f.c.newDest = func(config.DestinationConfig) (Destination, error) {
		return nil, errors.New("dial failed")
	}

	record, err := f.c.Backup(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.True(t, record.Completed)
	assert.Equal(t, filepath.Base(record.DestinationPath)+".tar", record.ArchiveName)

	exports, err := f.activity.GetActivities(logging.ActivityBackupExport, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.False(t, exports[0].Success)
}
