package database

// Migration represents a database migration
type Migration struct {
	Version string
	Up      string
}

// migrations contains all database migrations in order
var migrations = []Migration{
	{
		Version: "001_init",
		Up: `
-- Supervisor runs, one row per spawned server process
CREATE TABLE IF NOT EXISTS server_runs (
    id TEXT PRIMARY KEY,
    pid INTEGER,
    started_at DATETIME NOT NULL,
    stopped_at DATETIME,
    exit_reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_server_runs_started ON server_runs(started_at DESC);

-- Lifecycle activity log
CREATE TABLE IF NOT EXISTS activity_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL,
    run_id TEXT,
    activity_type TEXT NOT NULL,
    description TEXT,
    metadata TEXT,
    success BOOLEAN DEFAULT 1,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_activity_type_time ON activity_log(activity_type, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_activity_run ON activity_log(run_id, timestamp DESC);
`,
	},
	{
		Version: "002_backups",
		Up: `
CREATE TABLE IF NOT EXISTS backups (
    id TEXT PRIMARY KEY,
    destination_path TEXT NOT NULL UNIQUE,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    completed BOOLEAN NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'copying',
    triggered_by TEXT NOT NULL DEFAULT 'manual',
    size_bytes INTEGER NOT NULL DEFAULT 0,
    file_count INTEGER NOT NULL DEFAULT 0,
    archive_name TEXT,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_backups_started ON backups(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_backups_completed ON backups(completed);
`,
	},
	{
		Version: "003_console",
		Up: `
-- Commands written to the server console
CREATE TABLE IF NOT EXISTS console_commands (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT,
    source TEXT NOT NULL,
    command TEXT NOT NULL,
    executed_at DATETIME NOT NULL,
    success BOOLEAN DEFAULT 1,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_console_commands_executed ON console_commands(executed_at DESC);
`,
	},
}
