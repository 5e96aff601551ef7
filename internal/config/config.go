package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Guard    GuardConfig    `yaml:"guard" json:"guard"`
	Backup   BackupConfig   `yaml:"backup" json:"backup"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
}

// StorageConfig contains storage paths
type StorageConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
	LogDir  string `yaml:"log_dir" json:"log_dir"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
	// ActivityRetention bounds the activity_log table; zero keeps everything
	ActivityRetention time.Duration `yaml:"activity_retention" json:"activity_retention"`
}

// MetricsConfig contains the optional read-only Prometheus listener
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen"`
}

// Default returns the configuration used before any file or environment override.
func Default() *Config {
	return &Config{
		Server:  defaultServerConfig(),
		Guard:   defaultGuardConfig(),
		Backup:  defaultBackupConfig(),
		Storage: StorageConfig{DataDir: "./data"},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,

			ActivityRetention: 90 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9465",
		},
	}
}

// Load loads configuration from file and environment variables.
// An empty path falls back to CONFIG_PATH and then the default candidates.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPath := path
	if configPath == "" {
		configPath = GetConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if path != "" {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	cfg.applyEnv()
	cfg.normalizeStoragePaths(configPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if serverDir := os.Getenv("MCPAL_SERVER_DIR"); serverDir != "" {
		c.Server.Dir = serverDir
	}

	if backupDir := os.Getenv("MCPAL_BACKUP_DIR"); backupDir != "" {
		c.Backup.Dir = backupDir
	}

	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		c.Database.Path = dbPath
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDir = dataDir
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}

	if listen := os.Getenv("MCPAL_METRICS_LISTEN"); listen != "" {
		c.Metrics.Enabled = true
		c.Metrics.Listen = listen
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Guard.Validate(); err != nil {
		return err
	}
	if err := c.Backup.Validate(); err != nil {
		return err
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	return nil
}

func resolveConfigPath() string {
	candidates := []string{"./mcpal.yaml", "./configs/mcpal.yaml"}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	return "./mcpal.yaml"
}

// GetConfigPath returns the resolved config path
func GetConfigPath() string {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = resolveConfigPath()
	}
	return configPath
}

// Save writes the configuration back to disk
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) normalizeStoragePaths(configPath string) {
	baseDir := filepath.Dir(configPath)
	if !filepath.IsAbs(baseDir) {
		if absBase, err := filepath.Abs(baseDir); err == nil {
			baseDir = absBase
		}
	}

	rootDir := baseDir
	if filepath.Base(baseDir) == "configs" {
		rootDir = filepath.Dir(baseDir)
	}

	resolvePath := func(value string) string {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return ""
		}
		if filepath.IsAbs(trimmed) {
			return filepath.Clean(trimmed)
		}
		return filepath.Clean(filepath.Join(rootDir, trimmed))
	}

	if strings.TrimSpace(c.Storage.DataDir) == "" {
		c.Storage.DataDir = filepath.Join(rootDir, "data")
	}
	c.Storage.DataDir = resolvePath(c.Storage.DataDir)

	if strings.TrimSpace(c.Storage.LogDir) == "" {
		c.Storage.LogDir = filepath.Join(c.Storage.DataDir, "logs")
	}
	c.Storage.LogDir = resolvePath(c.Storage.LogDir)

	if strings.TrimSpace(c.Database.Path) == "" {
		c.Database.Path = filepath.Join(c.Storage.DataDir, "mcpal.db")
	}
	c.Database.Path = resolvePath(c.Database.Path)

	c.Server.Dir = resolvePath(c.Server.Dir)
	if c.Server.Dir == "" {
		c.Server.Dir = rootDir
	}

	if strings.TrimSpace(c.Backup.Dir) == "" {
		c.Backup.Dir = "backup"
	}
	c.Backup.Dir = resolvePath(c.Backup.Dir)

	if c.Server.ConsoleLog.File != "" {
		c.Server.ConsoleLog.File = resolvePath(c.Server.ConsoleLog.File)
	}

	for i := range c.Backup.Destinations {
		dest := &c.Backup.Destinations[i]
		if dest.Type == "local" {
			dest.Path = resolvePath(dest.Path)
		}
		if dest.KnownHostsPath == "" {
			dest.KnownHostsPath = filepath.Join(c.Storage.DataDir, "known_hosts")
		}
		dest.KnownHostsPath = resolvePath(dest.KnownHostsPath)
	}
}
