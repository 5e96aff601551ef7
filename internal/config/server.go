package config

import (
	"fmt"
	"strings"
	"time"
)

// ServerConfig describes the supervised game-server process
type ServerConfig struct {
	Dir             string            `yaml:"dir" json:"dir"`
	Executable      string            `yaml:"executable" json:"executable"`
	Args            []string          `yaml:"args" json:"args"`
	Env             []string          `yaml:"env" json:"env"`
	StopCommand     string            `yaml:"stop_command" json:"stop_command"`
	StartupCommands []string          `yaml:"startup_commands" json:"startup_commands"`
	StartupTimeout  time.Duration     `yaml:"startup_timeout" json:"startup_timeout"`
	StopTimeout     time.Duration     `yaml:"stop_timeout" json:"stop_timeout"`
	KillTimeout     time.Duration     `yaml:"kill_timeout" json:"kill_timeout"`
	HistoryLines    int               `yaml:"history_lines" json:"history_lines"`
	AutoRestart     AutoRestartConfig `yaml:"auto_restart" json:"auto_restart"`
	ConsoleLog      ConsoleLogConfig  `yaml:"console_log" json:"console_log"`
}

// AutoRestartConfig bounds restarts after a detected crash
type AutoRestartConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	MaxRestarts  int           `yaml:"max_restarts" json:"max_restarts"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
}

// ConsoleLogConfig controls the rotating file that mirrors server output
type ConsoleLogConfig struct {
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
	Echo       bool   `yaml:"echo" json:"echo"`
}

// GuardConfig contains the preflight signatures and remediation bounds
type GuardConfig struct {
	EULAFile            string        `yaml:"eula_file" json:"eula_file"`
	EULASignatures      []string      `yaml:"eula_signatures" json:"eula_signatures"`
	WorldDir            string        `yaml:"world_dir" json:"world_dir"`
	WorldSignatures     []string      `yaml:"world_signatures" json:"world_signatures"`
	ReadySignatures     []string      `yaml:"ready_signatures" json:"ready_signatures"`
	ScanLines           int           `yaml:"scan_lines" json:"scan_lines"`
	EULARetries         int           `yaml:"eula_retries" json:"eula_retries"`
	WorldRetries        int           `yaml:"world_retries" json:"world_retries"`
	WorldBackoffInitial time.Duration `yaml:"world_backoff_initial" json:"world_backoff_initial"`
	WorldBackoffMax     time.Duration `yaml:"world_backoff_max" json:"world_backoff_max"`
}

// BackupConfig contains backup policy and destinations
type BackupConfig struct {
	Dir          string              `yaml:"dir" json:"dir"`
	Prefix       string              `yaml:"prefix" json:"prefix"`
	Include      []string            `yaml:"include" json:"include"`
	Exclude      []string            `yaml:"exclude" json:"exclude"`
	HoldSaves    bool                `yaml:"hold_saves" json:"hold_saves"`
	HoldTimeout  time.Duration       `yaml:"hold_timeout" json:"hold_timeout"`
	WhenRunning  string              `yaml:"when_running" json:"when_running"` // "reject" or "restart"
	Schedule     string              `yaml:"schedule" json:"schedule"`
	OnStop       bool                `yaml:"on_stop" json:"on_stop"`
	Retention    int                 `yaml:"retention" json:"retention"`
	Archive      ArchiveConfig       `yaml:"archive" json:"archive"`
	Destinations []DestinationConfig `yaml:"destinations" json:"destinations"`
}

// ArchiveConfig controls the tar export of a completed backup
type ArchiveConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Compression string `yaml:"compression" json:"compression"` // "gzip" or "none"
	Level       int    `yaml:"level" json:"level"`
}

// DestinationConfig represents an offsite export target
type DestinationConfig struct {
	Type string `yaml:"type" json:"type"` // "local", "sftp", "s3"
	Path string `yaml:"path" json:"path"`

	Host            string `yaml:"host,omitempty" json:"host,omitempty"`
	Port            int    `yaml:"port,omitempty" json:"port,omitempty"`
	Username        string `yaml:"username,omitempty" json:"username,omitempty"`
	Password        string `yaml:"password,omitempty" json:"-"`
	KeyPath         string `yaml:"key_path,omitempty" json:"key_path,omitempty"`
	KnownHostsPath  string `yaml:"known_hosts_path,omitempty" json:"known_hosts_path,omitempty"`
	TrustOnFirstUse bool   `yaml:"trust_on_first_use,omitempty" json:"trust_on_first_use,omitempty"`

	Bucket    string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region    string `yaml:"region,omitempty" json:"region,omitempty"`
	AccessKey string `yaml:"access_key,omitempty" json:"-"`
	SecretKey string `yaml:"secret_key,omitempty" json:"-"`
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

const (
	WhenRunningReject  = "reject"
	WhenRunningRestart = "restart"
)

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Executable:     "./bedrock_server",
		StopCommand:    "stop",
		StartupTimeout: 60 * time.Second,
		StopTimeout:    60 * time.Second,
		KillTimeout:    10 * time.Second,
		HistoryLines:   1000,
		AutoRestart: AutoRestartConfig{
			Enabled:      false,
			MaxRestarts:  3,
			InitialDelay: 5 * time.Second,
			MaxDelay:     time.Minute,
		},
		ConsoleLog: ConsoleLogConfig{
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     14,
			Echo:       true,
		},
	}
}

func defaultGuardConfig() GuardConfig {
	return GuardConfig{
		EULAFile: "eula.txt",
		EULASignatures: []string{
			"You need to agree to the EULA in order to run the server",
			"Failed to load eula.txt",
		},
		WorldDir: "worlds",
		WorldSignatures: []string{
			"Failed to load world",
			"Level not found",
		},
		ReadySignatures: []string{
			"Server started.",
			"Done (",
		},
		ScanLines:           50,
		EULARetries:         1,
		WorldRetries:        5,
		WorldBackoffInitial: 2 * time.Second,
		WorldBackoffMax:     30 * time.Second,
	}
}

func defaultBackupConfig() BackupConfig {
	return BackupConfig{
		Dir:         "backup",
		Prefix:      "backup",
		HoldTimeout: 30 * time.Second,
		WhenRunning: WhenRunningReject,
		Retention:   7,
		Archive: ArchiveConfig{
			Compression: "gzip",
			Level:       6,
		},
	}
}

// Validate checks the server section
func (s *ServerConfig) Validate() error {
	if strings.TrimSpace(s.Executable) == "" {
		return fmt.Errorf("server executable is required")
	}
	if !isValidPath(s.Executable) {
		return fmt.Errorf("server executable contains invalid characters")
	}
	if !isValidPath(s.Dir) {
		return fmt.Errorf("server dir contains invalid characters")
	}
	if strings.TrimSpace(s.StopCommand) == "" {
		return fmt.Errorf("server stop_command is required")
	}
	if s.StartupTimeout <= 0 || s.StopTimeout <= 0 {
		return fmt.Errorf("server startup_timeout and stop_timeout must be positive")
	}
	if s.AutoRestart.Enabled && s.AutoRestart.MaxRestarts <= 0 {
		return fmt.Errorf("auto_restart.max_restarts must be positive when enabled")
	}
	return nil
}

// Validate checks the guard section
func (g *GuardConfig) Validate() error {
	if strings.TrimSpace(g.EULAFile) == "" {
		return fmt.Errorf("guard eula_file is required")
	}
	if g.ScanLines < 0 || g.EULARetries < 0 || g.WorldRetries < 0 {
		return fmt.Errorf("guard retry counts and scan_lines must not be negative")
	}
	return nil
}

// Validate checks the backup section
func (b *BackupConfig) Validate() error {
	switch b.WhenRunning {
	case WhenRunningReject, WhenRunningRestart:
	default:
		return fmt.Errorf("backup when_running must be %q or %q", WhenRunningReject, WhenRunningRestart)
	}
	if !isValidPath(b.Dir) {
		return fmt.Errorf("backup dir contains invalid characters")
	}
	if b.Retention < 0 {
		return fmt.Errorf("backup retention must not be negative")
	}
	for i, dest := range b.Destinations {
		switch dest.Type {
		case "local":
			if dest.Path == "" {
				return fmt.Errorf("destination %d: path is required", i)
			}
		case "sftp":
			if dest.Host == "" || dest.Username == "" {
				return fmt.Errorf("destination %d: host and username are required", i)
			}
			if dest.KeyPath == "" && dest.Password == "" {
				return fmt.Errorf("destination %d: key_path or password is required", i)
			}
		case "s3":
			if dest.Bucket == "" {
				return fmt.Errorf("destination %d: bucket is required", i)
			}
		default:
			return fmt.Errorf("destination %d: unsupported type %q", i, dest.Type)
		}
	}
	return nil
}

func isValidPath(s string) bool {
	// Block shell metacharacters and newlines
	dangerous := ";|&$`<>\"'\n"
	return !strings.ContainsAny(s, dangerous)
}
